package model

import "fmt"

// Cause identifies why a sub-build was triggered: the owning master build and the
// retry attempt. It is the only link between a scheduling request and the
// execution it eventually produces, so two causes are equal iff both fields match.
type Cause struct {
	MasterBuildID string `json:"master_build_id"`
	Attempt       int    `json:"attempt"`
}

// NewCause returns the cause of the original (attempt 0) trigger.
func NewCause(masterBuildID string) Cause {
	return Cause{MasterBuildID: masterBuildID}
}

// WithAttempt returns a copy of c for the given retry attempt.
func (c Cause) WithAttempt(attempt int) Cause {
	c.Attempt = attempt
	return c
}

// Next returns the cause of the following retry attempt.
func (c Cause) Next() Cause {
	return c.WithAttempt(c.Attempt + 1)
}

func (c Cause) String() string {
	return fmt.Sprintf("master %s attempt %d", c.MasterBuildID, c.Attempt)
}
