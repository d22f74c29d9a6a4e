package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"teleop-console/internal/events"
	"teleop-console/internal/model"
	"teleop-console/internal/store"
)

// defaultCleanupAge is the cleanup cutoff when none is given.
const defaultCleanupAge = 30 * 24 * time.Hour

func (s *Server) catalogDisabled(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeErrorMsg(w, http.StatusServiceUnavailable, "catalog not available")
		return true
	}
	return false
}

func recordingFilter(r *http.Request) (store.RecordingFilter, error) {
	q := r.URL.Query()
	f := store.RecordingFilter{Kind: q.Get("kind"), Query: q.Get("q")}
	id, err := queryID(r, "teleop_group_id")
	f.TeleopGroupID = id
	return f, err
}

func (s *Server) handleAPIListRecordings(w http.ResponseWriter, r *http.Request) {
	if s.catalogDisabled(w) {
		return
	}
	f, err := recordingFilter(r)
	if err != nil {
		s.writeError(w, "list recordings", err)
		return
	}
	recs, err := s.store.ListRecordings(f)
	if err != nil {
		s.writeError(w, "list recordings", err)
		return
	}
	if recs == nil {
		recs = []*model.Recording{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

// validateRecording normalizes a manual catalog entry.
func validateRecording(rec *model.Recording) error {
	rec.Name = strings.TrimSpace(rec.Name)
	if rec.Name == "" {
		return &model.ValidationError{Field: "name", Reason: "is required"}
	}
	switch rec.Kind {
	case "":
		rec.Kind = model.KindRecording
	case model.KindRecording, model.KindTeaching:
	default:
		return &model.ValidationError{Field: "kind", Reason: "must be recording or teaching"}
	}
	if rec.StartTime == "" {
		rec.StartTime = time.Now().UTC().Format(time.RFC3339)
	} else if _, err := time.Parse(time.RFC3339, rec.StartTime); err != nil {
		return &model.ValidationError{Field: "start_time", Reason: "must be an RFC 3339 timestamp"}
	}
	if rec.SizeBytes < 0 {
		return &model.ValidationError{Field: "size_bytes", Reason: "must not be negative"}
	}
	return nil
}

func (s *Server) handleAPICreateRecording(w http.ResponseWriter, r *http.Request) {
	if s.catalogDisabled(w) {
		return
	}
	var rec model.Recording
	if err := decodeJSON(w, r, &rec); err != nil {
		s.writeError(w, "create recording", err)
		return
	}
	rec.ID = ""
	if err := validateRecording(&rec); err != nil {
		s.writeError(w, "create recording", err)
		return
	}
	if err := s.store.SaveRecording(&rec); err != nil {
		s.writeError(w, "create recording", err)
		return
	}
	s.events.Emit(events.Event{Type: events.CatalogChanged, Data: map[string]any{"created": rec.ID}})
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleAPIDeleteRecording(w http.ResponseWriter, r *http.Request) {
	if s.catalogDisabled(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.store.DeleteRecording(id); err != nil {
		s.writeError(w, "delete recording", err)
		return
	}
	s.events.Emit(events.Event{Type: events.CatalogChanged, Data: map[string]any{"deleted": id}})
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type activeSession struct {
	TeleopGroupID int64     `json:"teleop_group_id"`
	NodeID        int64     `json:"node_id"`
	GroupName     string    `json:"group_name"`
	StartedAt     time.Time `json:"started_at"`
	Elapsed       string    `json:"elapsed"`
}

func (s *Server) activeSessions() []activeSession {
	out := []activeSession{}
	if s.recorder == nil {
		return out
	}
	now := time.Now()
	for _, sess := range s.recorder.Active() {
		out = append(out, activeSession{
			TeleopGroupID: sess.TeleopGroupID,
			NodeID:        sess.NodeID,
			GroupName:     sess.GroupName,
			StartedAt:     sess.StartedAt,
			Elapsed:       sess.Elapsed(now),
		})
	}
	return out
}

func (s *Server) handleAPIActiveSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.activeSessions())
}

// cleanupCutoff reads older_than_days; absent means defaultCleanupAge.
func cleanupCutoff(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now.Add(-defaultCleanupAge), nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 0 {
		return time.Time{}, &model.ValidationError{Field: "older_than_days", Reason: "must be a non-negative integer"}
	}
	return now.AddDate(0, 0, -days), nil
}

type cleanupPreview struct {
	Cutoff     time.Time            `json:"cutoff"`
	Candidates []*model.Recording   `json:"candidates"`
	TotalBytes int64                `json:"total_bytes"`
	LastReport *store.CleanupReport `json:"last_report"`
}

func (s *Server) cleanupPreview(raw string) (*cleanupPreview, error) {
	cutoff, err := cleanupCutoff(raw, time.Now())
	if err != nil {
		return nil, err
	}
	candidates, err := s.store.CleanupCandidates(cutoff)
	if err != nil {
		return nil, err
	}
	p := &cleanupPreview{Cutoff: cutoff, Candidates: candidates}
	if p.Candidates == nil {
		p.Candidates = []*model.Recording{}
	}
	for _, c := range candidates {
		p.TotalBytes += c.SizeBytes
	}
	last, err := s.store.LastCleanupReport()
	switch {
	case err == nil:
		p.LastReport = last
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return p, nil
}

func (s *Server) handleAPICleanupPreview(w http.ResponseWriter, r *http.Request) {
	if s.catalogDisabled(w) {
		return
	}
	p, err := s.cleanupPreview(r.URL.Query().Get("older_than_days"))
	if err != nil {
		s.writeError(w, "cleanup preview", err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

type cleanupRequest struct {
	IDs           []string `json:"ids"`
	OlderThanDays *int     `json:"older_than_days"`
}

// handleAPICleanupRun deletes the given ids, or every candidate older than
// the cutoff when no ids are given.
func (s *Server) handleAPICleanupRun(w http.ResponseWriter, r *http.Request) {
	if s.catalogDisabled(w) {
		return
	}
	var req cleanupRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, "cleanup", err)
			return
		}
	}

	ids := req.IDs
	if len(ids) == 0 {
		raw := ""
		if req.OlderThanDays != nil {
			raw = strconv.Itoa(*req.OlderThanDays)
		}
		cutoff, err := cleanupCutoff(raw, time.Now())
		if err != nil {
			s.writeError(w, "cleanup", err)
			return
		}
		candidates, err := s.store.CleanupCandidates(cutoff)
		if err != nil {
			s.writeError(w, "cleanup", err)
			return
		}
		for _, c := range candidates {
			ids = append(ids, c.ID)
		}
	}

	removed, freed, err := s.store.DeleteRecordings(ids)
	if err != nil {
		s.writeError(w, "cleanup", err)
		return
	}
	report := &store.CleanupReport{RanAt: time.Now().UTC(), Removed: removed, Freed: freed}
	if err := s.store.SaveCleanupReport(report); err != nil {
		s.logger.Error("save cleanup report", "err", err)
	}
	s.logger.Info("cleanup done", "removed", removed, "freed", freed)
	s.events.Emit(events.Event{Type: events.CleanupDone, Data: report})
	s.writeJSON(w, http.StatusOK, report)
}
