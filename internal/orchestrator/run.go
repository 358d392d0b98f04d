package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/etsy/jenkins-master-project/internal/aggregate"
	"github.com/etsy/jenkins-master-project/pkg/model"
)

// Run is the orchestration state of one master build: the immutable snapshot
// taken at trigger time plus the queue handles and attempt counters that
// watchers share.
type Run struct {
	ID         string
	Project    string
	Visible    []string
	Hidden     []string
	MaxRetries int
	Parameters model.ParameterSet
	Aggregator *aggregate.Aggregator
	Logger     *slog.Logger

	// OnRebuilt, when set, is called after a rebuilt execution finishes.
	OnRebuilt func(ctx context.Context, project string, e *model.Execution)

	mu      sync.Mutex
	stopped bool
	queued  []*model.QueueItem
	issued  map[string]int
	visible map[string]bool
}

func (r *Run) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Run) isVisible(project string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.visible == nil {
		r.visible = make(map[string]bool, len(r.Visible))
		for _, v := range r.Visible {
			r.visible[v] = true
		}
	}
	return r.visible[project]
}

// track keeps the handle of a visible project's queued item for cancellation.
// It returns false when the item is visible and the run was already stopped;
// the caller cancels such an item itself.
func (r *Run) track(item *model.QueueItem) bool {
	if !r.isVisible(item.Project) {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.queued = append(r.queued, item)
	return true
}

// Stopped reports whether CancelQueued ran for the run.
func (r *Run) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// stop marks the run stopped and returns the handles kept so far.
func (r *Run) stop() []*model.QueueItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return append([]*model.QueueItem(nil), r.queued...)
}

// QueueItems returns the handles kept so far.
func (r *Run) QueueItems() []*model.QueueItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.QueueItem(nil), r.queued...)
}

// issue records that attempt 0 of project was scheduled.
func (r *Run) issue(project string) model.Cause {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.issued == nil {
		r.issued = make(map[string]int)
	}
	r.issued[project] = 0
	return model.NewCause(r.ID)
}

// NextCause returns the cause of the project's next attempt: the number of
// recorded attempts, and never a number already handed out.
func (r *Run) NextCause(project string) model.Cause {
	n := 0
	if r.Aggregator != nil {
		n = len(r.Aggregator.Attempts(project))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.issued == nil {
		r.issued = make(map[string]int)
	}
	if last, ok := r.issued[project]; ok && n <= last {
		n = last + 1
	}
	r.issued[project] = n
	return model.Cause{MasterBuildID: r.ID, Attempt: n}
}
