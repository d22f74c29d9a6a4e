//go:build !no_scripts

package script

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"teleop-console/internal/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Home Arms", Description: "Move both arms to home pose", NodeID: 3},
		LuaCode: `console.rpc("home")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "home-arms" {
		t.Errorf("id = %q, want home-arms", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if got.LuaCode != "console.rpc(\"home\")\n" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerFileIsPlainLua(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Save(&Script{Meta: ScriptMeta{Name: "Ping", NodeID: 2}, LuaCode: `console.rpc("ping")`}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(m.dir, "ping.lua"))
	if err != nil {
		t.Fatal(err)
	}
	want := "--- name: Ping\n--- node: 2\n\nconsole.rpc(\"ping\")\n"
	if string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}
	// The header is a comment, so the whole file still compiles.
	if err := Check(string(data)); err != nil {
		t.Errorf("Check(file) = %v", err)
	}
}

func TestManagerSaveRejects(t *testing.T) {
	tests := []struct {
		name  string
		s     Script
		field string
	}{
		{"syntax error", Script{Meta: ScriptMeta{Name: "Broken"}, LuaCode: `console.log(`}, "lua_code"},
		{"missing name", Script{LuaCode: `console.log("x")`}, "name"},
		{"multi-line name", Script{Meta: ScriptMeta{Name: "a\n--- node: 9"}}, "name"},
		{"negative node", Script{Meta: ScriptMeta{Name: "x", NodeID: -1}}, "node_id"},
		{"bad id", Script{ID: "../etc/passwd", Meta: ScriptMeta{Name: "x"}}, "id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			s := tt.s
			_, err := m.Save(&s)
			var verr *model.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
			if entries, _ := os.ReadDir(m.dir); len(entries) != 0 {
				t.Errorf("%d files written", len(entries))
			}
		})
	}
}

func TestManagerUpdateKeepsID(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "Wave"}, LuaCode: `console.log("v1")`})
	if err != nil {
		t.Fatal(err)
	}
	saved.Meta.Name = "Wave twice"
	saved.LuaCode = `console.log("v2")`
	if _, err := m.Save(saved); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("wave")
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "Wave twice" || !strings.Contains(got.LuaCode, "v2") {
		t.Errorf("script = %+v", got)
	}
}

func TestManagerFreeID(t *testing.T) {
	m := newTestManager(t)

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "dup,dup-2,dup-3" {
		t.Errorf("ids = %v", ids)
	}

	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "!!!"}})
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "macro" {
		t.Errorf("id for unsluggable name = %q, want macro", s.ID)
	}
}

func TestManagerListByName(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"gamma", "Alpha", "beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	// Non-macro files are ignored.
	os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(m.dir, "Bad Name.lua"), []byte("x"), 0o644)

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, s := range scripts {
		names = append(names, s.Meta.Name)
	}
	if strings.Join(names, ",") != "Alpha,beta,gamma" {
		t.Errorf("names = %v", names)
	}
}

func TestManagerNotFound(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	if err := m.Delete("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete err = %v, want ErrNotFound", err)
	}

	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "Bye"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
}

func TestManagerRejectsTraversal(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"../etc/passwd", "a/b", "..", `a\b`, "UPPER"} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q) succeeded", id)
		}
		if err := m.Delete(id); err == nil {
			t.Errorf("Delete(%q) succeeded", id)
		}
	}
}

func TestDecodeScript(t *testing.T) {
	tests := []struct {
		name string
		text string
		meta ScriptMeta
		code string
	}{
		{
			"full header",
			"--- name: Start all\n--- description: every group\n--- node: 2\n\nfor _, g in ipairs(console.groups()) do end\n",
			ScriptMeta{Name: "Start all", Description: "every group", NodeID: 2},
			"for _, g in ipairs(console.groups()) do end\n",
		},
		{"no header", `console.log("hi")`, ScriptMeta{}, `console.log("hi")`},
		{"unknown key and bad node", "--- owner: ops\n--- node: x\n--- name: N\nx = 1", ScriptMeta{Name: "N"}, "x = 1"},
		{"code comment after blank line", "--- name: N\n\n--- not: header\n", ScriptMeta{Name: "N"}, "--- not: header\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := decodeScript(tt.text)
			if s.Meta != tt.meta {
				t.Errorf("meta = %+v, want %+v", s.Meta, tt.meta)
			}
			if s.LuaCode != tt.code {
				t.Errorf("code = %q, want %q", s.LuaCode, tt.code)
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Home Arms", "home-arms"},
		{"hello world!", "hello-world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{strings.Repeat("abc ", 12), strings.TrimSuffix(strings.Repeat("abc-", 10), "-")},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
