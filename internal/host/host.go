// Package host defines the capability the orchestrator needs from the external
// job-execution system, and its Buildkite implementation.
package host

import (
	"context"

	"github.com/etsy/jenkins-master-project/pkg/model"
)

// Host is the external job-execution system. It offers no way to wait for an
// execution and no direct handle from a scheduling request to the execution it
// produces; callers correlate through the Cause attached at Schedule time.
type Host interface {
	// Projects returns the names of all schedulable projects.
	Projects(ctx context.Context) ([]string, error)

	// Project returns the named project, or (nil, nil) when it does not exist.
	Project(ctx context.Context, name string) (*model.Project, error)

	// Schedule queues an execution of project tagged with cause.
	Schedule(ctx context.Context, project string, cause model.Cause, params model.ParameterSet) (*model.QueueItem, error)

	// History returns the project's started executions, newest first.
	History(ctx context.Context, project string) ([]*model.Execution, error)

	// Execution returns one execution by number, or (nil, nil) when it does not exist.
	Execution(ctx context.Context, project string, number int) (*model.Execution, error)

	// Cancel withdraws a queued item. It returns false when the item has already
	// started or is gone; started executions are never aborted.
	Cancel(ctx context.Context, item *model.QueueItem) (bool, error)
}
