// Package orchestrator fans a master build out to its sub-projects, watches the
// resulting executions and retries failed ones.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/etsy/jenkins-master-project/internal/host"
	"github.com/etsy/jenkins-master-project/internal/logging"
	"github.com/etsy/jenkins-master-project/internal/lookup"
	"github.com/etsy/jenkins-master-project/internal/metrics"
	"github.com/etsy/jenkins-master-project/internal/params"
	"github.com/etsy/jenkins-master-project/pkg/model"
)

var (
	// ErrUnknownProject is returned when a sub-project does not exist in the host.
	ErrUnknownProject = errors.New("unknown project")
	// ErrStopped is returned when scheduling on a stopped run.
	ErrStopped = errors.New("run stopped")
)

// Config holds orchestrator configuration.
type Config struct {
	PollInterval time.Duration
	PoolSize     int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 7 * time.Second, PoolSize: 25}
}

// Orchestrator schedules sub-project executions and runs their watchers on a
// shared pool.
type Orchestrator struct {
	host    host.Host
	finder  *lookup.Finder
	pool    *Pool
	config  Config
	metrics metrics.Recorder
	logger  *slog.Logger
}

// New creates an orchestrator. A nil recorder disables metrics.
func New(h host.Host, cfg Config, rec metrics.Recorder, logger *slog.Logger) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Orchestrator{
		host:    h,
		finder:  lookup.New(h),
		pool:    NewPool(cfg.PoolSize),
		config:  cfg,
		metrics: rec,
		logger:  logging.Component(logger, "orchestrator"),
	}
}

// Finder returns the lookup the orchestrator uses.
func (o *Orchestrator) Finder() *lookup.Finder {
	return o.finder
}

// Wait blocks until every watcher submitted to the pool has returned.
func (o *Orchestrator) Wait() {
	o.pool.Wait()
}

// Execute schedules attempt 0 of every sub-project of run and blocks until all
// visible sub-projects reached a terminal state or ctx ends. Hidden
// sub-projects are scheduled and recorded once started, but never waited for.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) error {
	log := run.logger()
	visible := o.resolve(ctx, run, run.Visible)
	hidden := o.resolve(ctx, run, run.Hidden)

	w := newSetWatcher(o, run)
	for _, p := range visible {
		cause := run.issue(p.Name)
		if o.schedule(ctx, run, p, cause) {
			w.add(p.Name, cause, false)
		}
	}
	for _, p := range hidden {
		cause := run.issue(p.Name)
		if o.schedule(ctx, run, p, cause) {
			w.add(p.Name, cause, true)
		}
	}

	if len(w.order) == 0 {
		log.Info("no sub-project to wait for")
		return ctx.Err()
	}
	return <-o.pool.Submit(ctx, w.loop)
}

// CancelQueued marks run as stopped and cancels the visible queue items that
// have not started yet. It returns how many were cancelled. Items scheduled
// after this call are cancelled as soon as the host returns them.
func (o *Orchestrator) CancelQueued(ctx context.Context, run *Run) int {
	n := 0
	for _, item := range run.stop() {
		ok, err := o.host.Cancel(ctx, item)
		if err != nil {
			run.logger().Warn("cancel queue item", "sub_project", item.Project, "item", item.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n
}

// resolve looks up the named projects, skipping unknown and disabled ones.
func (o *Orchestrator) resolve(ctx context.Context, run *Run, names []string) []*model.Project {
	log := run.logger()
	var out []*model.Project
	for _, name := range names {
		p, err := o.finder.Project(ctx, name)
		switch {
		case err != nil:
			log.Warn("sub-project lookup failed, skipped", "sub_project", name, "error", err)
		case p == nil:
			log.Warn("sub-project unknown, skipped", "sub_project", name)
		case p.Disabled:
			log.Info("sub-project disabled, skipped", "sub_project", name)
		default:
			out = append(out, p)
		}
	}
	return out
}

// schedule propagates the master parameters and queues one attempt.
func (o *Orchestrator) schedule(ctx context.Context, run *Run, p *model.Project, cause model.Cause) bool {
	if err := o.enqueue(ctx, run, p, cause); err != nil {
		run.logger().Error("schedule failed", "sub_project", p.Name, "attempt", cause.Attempt, "error", err)
		return false
	}
	return true
}

// enqueue asks the host for one attempt of p and keeps the handle. When run
// was stopped while the host was scheduling, the new item is cancelled.
func (o *Orchestrator) enqueue(ctx context.Context, run *Run, p *model.Project, cause model.Cause) error {
	if run.Stopped() {
		return fmt.Errorf("schedule %s: %w", p.Name, ErrStopped)
	}
	item, err := o.host.Schedule(ctx, p.Name, cause, params.Propagate(run.Parameters, p))
	if err != nil {
		o.metrics.IncScheduleFailed(p.Name)
		return fmt.Errorf("schedule %s: %w", p.Name, err)
	}
	o.metrics.IncScheduled(p.Name)
	if !run.track(item) {
		if _, err := o.host.Cancel(context.WithoutCancel(ctx), item); err != nil {
			run.logger().Warn("cancel queue item", "sub_project", item.Project, "item", item.ID, "error", err)
		}
		return fmt.Errorf("schedule %s: %w", p.Name, ErrStopped)
	}
	run.logger().Info("scheduled", "sub_project", p.Name, "attempt", cause.Attempt, "item", item.ID)
	return nil
}

// reschedule queues another attempt of project under cause. The caller
// watches it.
func (o *Orchestrator) reschedule(ctx context.Context, run *Run, project string, cause model.Cause) error {
	p, err := o.finder.Project(ctx, project)
	if err != nil {
		return fmt.Errorf("look up %s: %w", project, err)
	}
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownProject, project)
	}
	return o.enqueue(ctx, run, p, cause)
}

// Retry schedules another attempt of project under cause and hands it to a
// dedicated watcher. When the execution finishes run.OnRebuilt is called.
func (o *Orchestrator) Retry(ctx context.Context, run *Run, project string, cause model.Cause) error {
	if err := o.reschedule(ctx, run, project, cause); err != nil {
		return err
	}
	o.pool.Submit(ctx, func(ctx context.Context) error {
		e, err := o.WatchOne(ctx, run, project, cause)
		if err != nil {
			return err
		}
		if run.OnRebuilt != nil {
			run.OnRebuilt(ctx, project, e)
		}
		return nil
	})
	return nil
}

// sleep waits d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
