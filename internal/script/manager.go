//go:build !no_scripts

package script

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/yuin/gopher-lua/parse"

	"teleop-console/internal/model"
)

// ErrNotFound is returned for a script id with no file behind it.
var ErrNotFound = errors.New("script not found")

// headerPrefix marks the metadata lines at the top of a macro file:
//
//	--- name: Home arms
//	--- description: Move both arms to the home pose
//	--- node: 3
const headerPrefix = "--- "

var idRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,47}$`)

// Manager keeps console macros as .lua files in one directory.
type Manager struct {
	dir string
	mu  sync.RWMutex
}

// NewManager stores scripts under dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

func (m *Manager) path(id string) (string, error) {
	if !idRe.MatchString(id) {
		return "", &model.ValidationError{Field: "id", Reason: fmt.Sprintf("invalid script id %q", id)}
	}
	return filepath.Join(m.dir, id+".lua"), nil
}

// List returns every macro, ordered by name. Unreadable files are skipped.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(m.dir, "*.lua"))
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	scripts := make([]*Script, 0, len(matches))
	for _, p := range matches {
		id := strings.TrimSuffix(filepath.Base(p), ".lua")
		if !idRe.MatchString(id) {
			continue
		}
		if s, err := readScript(p, id); err == nil {
			scripts = append(scripts, s)
		}
	}
	sort.Slice(scripts, func(i, j int) bool {
		if scripts[i].Meta.Name != scripts[j].Meta.Name {
			return scripts[i].Meta.Name < scripts[j].Meta.Name
		}
		return scripts[i].ID < scripts[j].ID
	})
	return scripts, nil
}

// Get loads one script. Unknown ids wrap ErrNotFound.
func (m *Manager) Get(id string) (*Script, error) {
	p, err := m.path(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return readScript(p, id)
}

// Save compiles the macro and writes it. An empty ID is derived from the name.
func (m *Manager) Save(s *Script) (*Script, error) {
	if strings.TrimSpace(s.Meta.Name) == "" {
		return nil, &model.ValidationError{Field: "name", Reason: "is required"}
	}
	if strings.ContainsAny(s.Meta.Name+s.Meta.Description, "\r\n") {
		return nil, &model.ValidationError{Field: "name", Reason: "must be a single line"}
	}
	if s.Meta.NodeID < 0 {
		return nil, &model.ValidationError{Field: "node_id", Reason: "must not be negative"}
	}
	if err := Check(s.LuaCode); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.freeID(slugify(s.Meta.Name))
	}
	p, err := m.path(s.ID)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(p, []byte(encodeScript(s)), 0o644); err != nil {
		return nil, fmt.Errorf("write script %s: %w", s.ID, err)
	}
	return s, nil
}

// freeID returns base, or base-N for the first N not taken on disk.
func (m *Manager) freeID(base string) string {
	if base == "" {
		base = "macro"
	}
	id := base
	for n := 2; ; n++ {
		if _, err := os.Stat(filepath.Join(m.dir, id+".lua")); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = base + "-" + strconv.Itoa(n)
	}
}

// Delete removes a script file.
func (m *Manager) Delete(id string) error {
	p, err := m.path(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("delete script %s: %w", id, err)
	}
	return nil
}

// Check parses code without running it. Syntax errors come back as a
// *model.ValidationError on lua_code.
func Check(code string) error {
	if _, err := parse.Parse(strings.NewReader(code), "macro"); err != nil {
		return &model.ValidationError{Field: "lua_code", Reason: strings.TrimSpace(err.Error())}
	}
	return nil
}

func readScript(path, id string) (*Script, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", id, err)
	}
	s := decodeScript(string(data))
	s.ID = id
	return s, nil
}

// decodeScript splits the header lines off the code. Unknown keys are ignored.
func decodeScript(text string) *Script {
	s := &Script{}
	rest := text
	for strings.HasPrefix(rest, headerPrefix) {
		line, tail, _ := strings.Cut(rest, "\n")
		rest = tail
		key, val, ok := strings.Cut(strings.TrimPrefix(line, headerPrefix), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "name":
			s.Meta.Name = val
		case "description":
			s.Meta.Description = val
		case "node":
			s.Meta.NodeID, _ = strconv.ParseInt(val, 10, 64)
		}
	}
	s.LuaCode = strings.TrimLeft(rest, "\n")
	return s
}

func encodeScript(s *Script) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%sname: %s\n", headerPrefix, s.Meta.Name)
	if s.Meta.Description != "" {
		fmt.Fprintf(&b, "%sdescription: %s\n", headerPrefix, s.Meta.Description)
	}
	if s.Meta.NodeID > 0 {
		fmt.Fprintf(&b, "%snode: %d\n", headerPrefix, s.Meta.NodeID)
	}
	b.WriteString("\n")
	b.WriteString(s.LuaCode)
	if !strings.HasSuffix(s.LuaCode, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "-")
	}
	return s
}
