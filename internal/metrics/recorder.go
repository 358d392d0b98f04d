// Package metrics exposes orchestration counters. The Noop recorder is the
// default when metrics are disabled.
package metrics

import "time"

// Recorder receives orchestration events.
type Recorder interface {
	IncScheduled(project string)
	IncScheduleFailed(project string)
	IncDiscovered(project string)
	IncRetried(project string)
	IncRetryExhausted(project string)
	IncPollPass()
	IncMasterBuildOutcome(result string)
	ObserveMasterBuildDuration(d time.Duration)
	SetActiveMasterBuilds(n int)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) IncScheduled(string)                     {}
func (NoopRecorder) IncScheduleFailed(string)                {}
func (NoopRecorder) IncDiscovered(string)                    {}
func (NoopRecorder) IncRetried(string)                       {}
func (NoopRecorder) IncRetryExhausted(string)                {}
func (NoopRecorder) IncPollPass()                            {}
func (NoopRecorder) IncMasterBuildOutcome(string)            {}
func (NoopRecorder) ObserveMasterBuildDuration(time.Duration) {}
func (NoopRecorder) SetActiveMasterBuilds(int)               {}
