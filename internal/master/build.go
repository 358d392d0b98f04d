package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/etsy/jenkins-master-project/internal/aggregate"
	"github.com/etsy/jenkins-master-project/internal/logging"
	"github.com/etsy/jenkins-master-project/internal/notify"
	"github.com/etsy/jenkins-master-project/internal/orchestrator"
	"github.com/etsy/jenkins-master-project/pkg/model"
)

// Build is the runtime of one master build.
type Build struct {
	svc    *Service
	run    *orchestrator.Run
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	record model.MasterBuild
}

func (s *Service) newBuild(rec *model.MasterBuild) *Build {
	logger := logging.ForMasterBuild(s.logger, rec.ID, rec.Project, rec.Number)
	agg := aggregate.New(rec.ID, s.orch.Finder(), s.store, s.saveRetries, s.logger)
	agg.Restore(rec.Records)

	ctx, cancel := context.WithCancel(s.ctx)
	b := &Build{
		svc:    s,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		record: *rec,
	}
	b.run = &orchestrator.Run{
		ID:         rec.ID,
		Project:    rec.Project,
		Visible:    rec.SubProjects,
		Hidden:     rec.HiddenSubProjects,
		MaxRetries: rec.MaxRetries,
		Parameters: rec.Parameters,
		Aggregator: agg,
		Logger:     logger,
		OnRebuilt:  b.rebuilt,
	}
	return b
}

// ID returns the master build id.
func (b *Build) ID() string { return b.record.ID }

// Done is closed once orchestration has ended.
func (b *Build) Done() <-chan struct{} { return b.done }

// SubProjects returns the visible sub-projects followed by the hidden ones.
func (b *Build) SubProjects() []string {
	out := append([]string(nil), b.run.Visible...)
	return append(out, b.run.Hidden...)
}

// Result folds the effective results of every recorded sub-project now. The
// stored record keeps the result fixed at completion and changes only when a
// rebuild finishes, so a hidden sub-build still running at completion shows up
// here but not in the record.
func (b *Build) Result(ctx context.Context) (model.Result, error) {
	return b.run.Aggregator.Result(ctx)
}

// LatestBuilds resolves the newest attempt of every recorded sub-project.
// Executions the host no longer knows are left out.
func (b *Build) LatestBuilds(ctx context.Context) ([]*model.Execution, error) {
	finder := b.svc.orch.Finder()
	var out []*model.Execution
	for _, rec := range b.run.Aggregator.Records() {
		n, ok := rec.Latest()
		if !ok {
			continue
		}
		e, err := finder.ByNumber(ctx, rec.Project, n)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// Snapshot returns a copy of the record with the current attempt history.
func (b *Build) Snapshot() model.MasterBuild {
	b.mu.Lock()
	rec := b.record
	b.mu.Unlock()
	rec.Records = b.run.Aggregator.Records()
	return rec
}

// Rebuild schedules another attempt of a sub-project. The target must exist in
// the host and belong to this master build.
func (b *Build) Rebuild(ctx context.Context, subProject string) (model.Cause, error) {
	p, err := b.svc.orch.Finder().Project(ctx, subProject)
	if err != nil {
		return model.Cause{}, err
	}
	if p == nil {
		return model.Cause{}, fmt.Errorf("%w: %s", ErrUnknownProject, subProject)
	}
	if !b.record.Contains(subProject) {
		return model.Cause{}, fmt.Errorf("%w: %s is not part of %s #%d", ErrNotMember, subProject, b.record.Project, b.record.Number)
	}
	cause := b.run.NextCause(subProject)
	if err := b.svc.orch.Retry(b.ctx, b.run, subProject, cause); err != nil {
		if errors.Is(err, orchestrator.ErrStopped) {
			return model.Cause{}, fmt.Errorf("%w: %s #%d", ErrStopped, b.record.Project, b.record.Number)
		}
		return model.Cause{}, err
	}
	b.logger.Info("rebuild requested", "sub_project", subProject, "attempt", cause.Attempt)
	return cause, nil
}

// Stop cancels the queued visible sub-builds and ends orchestration. Started
// executions keep running. It returns how many queue items were cancelled.
func (b *Build) Stop(ctx context.Context) int {
	n := b.svc.orch.CancelQueued(ctx, b.run)
	b.cancel()
	b.logger.Info("stop requested", "cancelled_queue_items", n)
	return n
}

// execute runs the orchestration and persists the outcome.
func (b *Build) execute() {
	defer close(b.done)
	s := b.svc
	if err := b.transition(model.MasterBuildStateRunning, ""); err != nil {
		b.logger.Error("start master build", "error", err)
	}
	started := time.Now()

	err := s.orch.Execute(b.ctx, b.run)
	ctx := context.WithoutCancel(b.ctx)
	result := b.outcome(ctx)

	state := model.MasterBuildStateCompleted
	if err != nil {
		state = model.MasterBuildStateCancelled
		b.logger.Info("master build cancelled", "error", err)
	}
	if err := b.transition(state, result); err != nil {
		b.logger.Error("finish master build", "error", err)
	}
	s.metrics.IncMasterBuildOutcome(string(result))
	s.metrics.ObserveMasterBuildDuration(time.Since(started))
	b.logger.Info("master build finished", "state", state, "result", result, "duration", time.Since(started))

	if state != model.MasterBuildStateCompleted {
		return
	}
	rec := b.Snapshot()
	s.updatePermalinks(ctx, &rec)
	s.publish(ctx, notify.Event{
		Type:          notify.EventCompleted,
		MasterBuildID: rec.ID,
		Project:       rec.Project,
		Number:        rec.Number,
		Result:        result,
	})
}

// outcome folds the aggregate result. When a sub-build cannot be looked up the
// stored result is kept, NOT_BUILT if there is none yet.
func (b *Build) outcome(ctx context.Context) model.Result {
	result, err := b.run.Aggregator.Result(ctx)
	if err == nil {
		return result
	}
	b.mu.Lock()
	result = b.record.Result
	b.mu.Unlock()
	if result == "" {
		result = model.ResultNotBuilt
	}
	b.logger.Warn("compute result, keeping stored one", "result", result, "error", err)
	return result
}

// transition moves the record to state and saves it. An empty result keeps the
// current one.
func (b *Build) transition(state model.MasterBuildState, result model.Result) error {
	b.mu.Lock()
	if !b.record.State.CanTransitionTo(state) {
		err := &model.InvalidTransitionError{ID: b.record.ID, From: b.record.State, To: state}
		b.mu.Unlock()
		return err
	}
	b.record.State = state
	if result != "" {
		b.record.Result = result
	}
	if state.IsTerminal() {
		now := time.Now().UTC()
		b.record.CompletedAt = &now
	}
	rec := b.record
	b.mu.Unlock()
	return b.svc.save(context.WithoutCancel(b.ctx), &rec)
}

// rebuilt runs after a rebuilt execution finished. Builds still running pick
// the attempt up when they complete; completed builds are re-evaluated here.
func (b *Build) rebuilt(ctx context.Context, project string, e *model.Execution) {
	b.mu.Lock()
	if b.record.State != model.MasterBuildStateCompleted {
		b.mu.Unlock()
		return
	}
	previous := b.record.Result
	b.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	result, err := b.run.Aggregator.Result(ctx)
	if err != nil {
		b.logger.Warn("recompute result after rebuild", "sub_project", project, "error", err)
		return
	}
	if result == previous {
		return
	}
	b.mu.Lock()
	b.record.Result = result
	rec := b.record
	b.mu.Unlock()
	if err := b.svc.save(ctx, &rec); err != nil {
		b.logger.Error("save rebuilt result", "error", err)
	}
	b.logger.Info("result changed by rebuild", "sub_project", project, "previous", previous, "result", result)

	if !result.IsBetterThan(previous) {
		return
	}
	snap := b.Snapshot()
	b.svc.updatePermalinks(ctx, &snap)
	if rec.NotifyOnRebuild {
		b.svc.publish(ctx, notify.Event{
			Type:           notify.EventRebuildImproved,
			MasterBuildID:  rec.ID,
			Project:        rec.Project,
			Number:         rec.Number,
			Result:         result,
			PreviousResult: previous,
			SubProject:     project,
			BuildNumber:    e.Number,
			BuildURL:       e.URL,
		})
	}
}
