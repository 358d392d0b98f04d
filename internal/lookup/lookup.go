// Package lookup resolves project names and correlates causes with executions.
package lookup

import (
	"context"
	"fmt"

	"github.com/etsy/jenkins-master-project/internal/host"
	"github.com/etsy/jenkins-master-project/pkg/model"
)

// Finder resolves projects and executions through a Host.
type Finder struct {
	host host.Host
}

// New returns a Finder over h.
func New(h host.Host) *Finder {
	return &Finder{host: h}
}

// Project returns the named project, or (nil, nil) when the host does not know it.
func (f *Finder) Project(ctx context.Context, name string) (*model.Project, error) {
	p, err := f.host.Project(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolve project %s: %w", name, err)
	}
	return p, nil
}

// ByCause scans the project's history newest first for an execution carrying
// cause. A miss returns (nil, nil): the execution may simply not have started.
func (f *Finder) ByCause(ctx context.Context, project string, cause model.Cause) (*model.Execution, error) {
	history, err := f.host.History(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", project, err)
	}
	for _, e := range history {
		if e.HasCause(cause) {
			return e, nil
		}
	}
	return nil, nil
}

// ByNumber returns the project's numbered execution, or (nil, nil).
func (f *Finder) ByNumber(ctx context.Context, project string, number int) (*model.Execution, error) {
	e, err := f.host.Execution(ctx, project, number)
	if err != nil {
		return nil, fmt.Errorf("execution %s#%d: %w", project, number, err)
	}
	return e, nil
}

// Projects returns every project name the host knows.
func (f *Finder) Projects(ctx context.Context) ([]string, error) {
	return f.host.Projects(ctx)
}
