// Package recorder turns teleop collecting sessions into catalog entries.
//
// Every known teleop group has a collecting watcher. A 0->1 transition opens a
// session and the following 1->0 transition saves it as a recording.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"teleop-console/internal/events"
	"teleop-console/internal/live"
	"teleop-console/internal/model"
	"teleop-console/internal/store"
)

// Session is an in-progress collecting session.
type Session struct {
	TeleopGroupID int64     `json:"teleop_group_id"`
	NodeID        int64     `json:"node_id"`
	GroupName     string    `json:"group_name"`
	StartedAt     time.Time `json:"started_at"`
}

// Elapsed formats the session age as mm:ss.
func (s Session) Elapsed(now time.Time) string {
	return FormatDuration(now.Sub(s.StartedAt))
}

// FormatDuration renders d as mm:ss, with minutes growing past 59.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

type tracked struct {
	group   model.TeleopGroup
	watcher *live.Watcher
	session *Session
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithOperator sets the operator name written into saved recordings.
func WithOperator(name string) Option {
	return func(r *Recorder) {
		r.operator = name
	}
}

// WithEvents publishes session start and save events.
func WithEvents(b *events.Bus) Option {
	return func(r *Recorder) {
		r.events = b
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// Recorder watches the collecting topic of every tracked teleop group.
type Recorder struct {
	sub      live.Subscriber
	store    store.Store
	logger   *slog.Logger
	events   *events.Bus
	operator string
	now      func() time.Time

	mu      sync.Mutex
	tracked map[int64]*tracked
	saves   sync.WaitGroup
}

// New returns a Recorder with no tracked groups. Call Sync or Run to start
// watching.
func New(sub live.Subscriber, st store.Store, logger *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		sub:     sub,
		store:   st,
		logger:  logger.With("component", "recorder"),
		now:     time.Now,
		tracked: make(map[int64]*tracked),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sync tracks every group in groups and stops tracking groups no longer listed.
// Sessions of dropped groups are discarded without saving.
func (r *Recorder) Sync(groups []model.TeleopGroup) {
	seen := make(map[int64]bool, len(groups))
	for _, g := range groups {
		seen[g.ID] = true
		r.Track(g)
	}

	r.mu.Lock()
	var gone []*tracked
	for id, t := range r.tracked {
		if !seen[id] {
			gone = append(gone, t)
			delete(r.tracked, id)
		}
	}
	r.mu.Unlock()

	for _, t := range gone {
		if t.watcher != nil {
			t.watcher.Close()
		}
		r.logger.Debug("group untracked", "group", t.group.ID)
	}
}

// Track starts watching g. Tracking a known group only refreshes its record.
func (r *Recorder) Track(g model.TeleopGroup) {
	r.mu.Lock()
	if t, ok := r.tracked[g.ID]; ok {
		t.group = g
		r.mu.Unlock()
		return
	}
	// Registered before subscribing so an early message finds its entry.
	t := &tracked{group: g}
	r.tracked[g.ID] = t
	r.mu.Unlock()

	w := live.WatchTeleopCollecting(r.sub, g.NodeID, g.ID)
	w.OnChange(func(status int) { r.onCollecting(g.ID, status) })

	r.mu.Lock()
	if r.tracked[g.ID] != t {
		// Dropped by Sync or Close while subscribing.
		r.mu.Unlock()
		w.Close()
		return
	}
	t.watcher = w
	r.mu.Unlock()
	r.logger.Debug("group tracked", "group", g.ID, "node", g.NodeID)

	// A status delivered before OnChange was registered is only in the watcher.
	if w.Received() {
		r.onCollecting(g.ID, w.Value())
	}
}

func (r *Recorder) onCollecting(groupID int64, status int) {
	now := r.now()

	r.mu.Lock()
	t, ok := r.tracked[groupID]
	if !ok {
		r.mu.Unlock()
		return
	}

	switch {
	case status == int(model.CollectingActive) && t.session == nil:
		t.session = &Session{
			TeleopGroupID: groupID,
			NodeID:        t.group.NodeID,
			GroupName:     t.group.Name,
			StartedAt:     now,
		}
		s := *t.session
		r.mu.Unlock()
		r.logger.Info("collecting started", "group", groupID)
		r.events.Emit(events.Event{Type: events.RecordingStarted, Data: s})

	case status == int(model.CollectingIdle) && t.session != nil:
		s := *t.session
		t.session = nil
		group := t.group
		// Saved off the bus delivery goroutine; Close waits for it.
		r.saves.Add(1)
		r.mu.Unlock()
		go func() {
			defer r.saves.Done()
			r.save(group, s, now)
		}()

	default:
		r.mu.Unlock()
	}
}

func (r *Recorder) save(g model.TeleopGroup, s Session, end time.Time) {
	rec := &model.Recording{
		TeleopGroupID: g.ID,
		OperatorName:  r.operator,
		RobotID:       fmt.Sprintf("node-%d", g.NodeID),
		StartTime:     s.StartedAt.UTC().Format(time.RFC3339),
		Duration:      FormatDuration(end.Sub(s.StartedAt)),
		Kind:          model.KindRecording,
		Name:          g.Name,
	}
	if err := r.store.SaveRecording(rec); err != nil {
		r.logger.Error("save recording", "group", g.ID, "err", err)
		return
	}
	r.logger.Info("recording saved", "group", g.ID, "id", rec.ID, "duration", rec.Duration)
	r.events.Emit(events.Event{Type: events.RecordingSaved, Data: rec})
}

// Active returns the open sessions ordered by start time.
func (r *Recorder) Active() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, t := range r.tracked {
		if t.session != nil {
			out = append(out, *t.session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Tracked returns the number of watched groups.
func (r *Recorder) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// Run refreshes the tracked groups from fetch every interval until ctx is done.
// Fetch failures are logged and the previous set is kept.
func (r *Recorder) Run(ctx context.Context, interval time.Duration, fetch func(context.Context) ([]model.TeleopGroup, error)) {
	refresh := func() {
		groups, err := fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("refresh teleop groups", "err", err)
			}
			return
		}
		r.Sync(groups)
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// Close stops every watcher and waits for pending saves. Open sessions are discarded.
func (r *Recorder) Close() {
	r.mu.Lock()
	all := r.tracked
	r.tracked = make(map[int64]*tracked)
	r.mu.Unlock()
	for _, t := range all {
		if t.watcher != nil {
			t.watcher.Close()
		}
	}
	r.saves.Wait()
}
