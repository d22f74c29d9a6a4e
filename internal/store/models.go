package store

import (
	"strings"
	"time"

	"teleop-console/internal/model"
)

// RecordingFilter narrows ListRecordings. Zero fields match everything.
type RecordingFilter struct {
	Kind          string
	Query         string // case-insensitive match on name, operator, robot or id
	TeleopGroupID int64
}

func (f RecordingFilter) match(rec *model.Recording) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.TeleopGroupID != 0 && rec.TeleopGroupID != f.TeleopGroupID {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		for _, field := range []string{rec.ID, rec.Name, rec.OperatorName, rec.RobotID} {
			if strings.Contains(strings.ToLower(field), q) {
				return true
			}
		}
		return false
	}
	return true
}

// CleanupReport summarises the most recent cleanup run.
type CleanupReport struct {
	RanAt   time.Time `json:"ran_at"`
	Removed int       `json:"removed"`
	Freed   int64     `json:"freed_bytes"`
}

// startedAt parses the recording start time. Both RFC 3339 and the
// "2006-01-02 15:04:05" form used by the recorder UI are accepted.
func startedAt(rec *model.Recording) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, time.DateTime, time.DateOnly} {
		if t, err := time.Parse(layout, rec.StartTime); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
