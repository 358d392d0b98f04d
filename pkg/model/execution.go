package model

import (
	"strings"
	"time"
)

// Execution is a concrete build record of a sub-project in the host system.
type Execution struct {
	Project     string           `json:"project"`
	Number      int              `json:"number"`
	Causes      []Cause          `json:"causes,omitempty"`
	Building    bool             `json:"building"`
	Result      Result           `json:"result,omitempty"`
	URL         string           `json:"url,omitempty"`
	Parameters  []ParameterValue `json:"parameters,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// IsRunning reports whether the execution has not finished yet.
func (e *Execution) IsRunning() bool {
	return e.Building
}

// HasCause reports whether c is among the execution's causes.
func (e *Execution) HasCause(c Cause) bool {
	for _, cause := range e.Causes {
		if cause == c {
			return true
		}
	}
	return false
}

// Link returns the URL of a page below the execution, e.g. "console".
func (e *Execution) Link(page string) string {
	if e.URL == "" {
		return ""
	}
	if strings.HasSuffix(e.URL, "/") {
		return e.URL + page
	}
	return e.URL + "/" + page
}

// QueueItem is the handle the host returns for a scheduling request. It names the
// queued task, not the execution it turns into.
type QueueItem struct {
	ID       string    `json:"id"`
	Project  string    `json:"project"`
	Cause    Cause     `json:"cause"`
	QueuedAt time.Time `json:"queued_at"`
}
