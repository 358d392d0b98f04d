package logging

import (
	"log/slog"
	"time"
)

// Attribute keys shared across packages so log queries stay stable.
const (
	KeyComponent     = "component"
	KeyMasterBuildID = "master_build_id"
	KeyProject       = "project"
	KeyNumber        = "number"
	KeySubProject    = "sub_project"
	KeyAttempt       = "attempt"
	KeyRequestID     = "request_id"
	KeyDurationMS    = "duration_ms"
)

func MasterBuildID(id string) slog.Attr { return slog.String(KeyMasterBuildID, id) }
func SubProject(name string) slog.Attr  { return slog.String(KeySubProject, name) }
func Attempt(n int) slog.Attr           { return slog.Int(KeyAttempt, n) }
func RequestID(id string) slog.Attr     { return slog.String(KeyRequestID, id) }

// Duration reports d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMS, float64(d.Microseconds())/1000)
}

// ForMasterBuild returns a child logger carrying the master build's identity.
func ForMasterBuild(parent *slog.Logger, id, project string, number int) *slog.Logger {
	if parent == nil {
		parent = slog.Default()
	}
	return parent.With(MasterBuildID(id), slog.String(KeyProject, project), slog.Int(KeyNumber, number))
}

// ForAttempt returns a child logger for one sub-project attempt.
func ForAttempt(parent *slog.Logger, subProject string, attempt int) *slog.Logger {
	return parent.With(SubProject(subProject), Attempt(attempt))
}
