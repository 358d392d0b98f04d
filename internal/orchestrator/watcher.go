package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/etsy/jenkins-master-project/internal/logging"
	"github.com/etsy/jenkins-master-project/pkg/model"
)

type watchState struct {
	cause    model.Cause
	exec     *model.Execution
	terminal bool
	hidden   bool
}

// setWatcher polls the sub-projects of one run. Visible sub-projects are
// followed until each has a finished execution that is either good enough or
// out of retries. Hidden sub-projects are only discovered and recorded; they
// never keep the watcher alive.
type setWatcher struct {
	o     *Orchestrator
	run   *Run
	order []string
	state map[string]*watchState
}

func newSetWatcher(o *Orchestrator, run *Run) *setWatcher {
	return &setWatcher{o: o, run: run, state: make(map[string]*watchState)}
}

// add starts watching project for the execution started under cause.
func (w *setWatcher) add(project string, cause model.Cause, hidden bool) {
	if _, ok := w.state[project]; ok {
		return
	}
	w.order = append(w.order, project)
	w.state[project] = &watchState{cause: cause, hidden: hidden}
}

func (w *setWatcher) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.o.metrics.IncPollPass()
		if w.pass(ctx) {
			w.dropUndiscovered()
			return nil
		}
		if err := sleep(ctx, w.o.config.PollInterval); err != nil {
			return err
		}
	}
}

// pass observes every non-terminal sub-project once and reports whether all
// visible ones are terminal.
func (w *setWatcher) pass(ctx context.Context) bool {
	done := true
	for _, name := range w.order {
		st := w.state[name]
		if st.terminal {
			continue
		}
		if st.hidden {
			w.discover(ctx, name, st)
			continue
		}
		w.observe(ctx, name, st)
		if !st.terminal {
			done = false
		}
	}
	return done
}

func (w *setWatcher) discover(ctx context.Context, name string, st *watchState) {
	e, err := w.o.current(ctx, w.run, name, st.cause, nil)
	if err != nil {
		w.run.logger().Warn("poll failed", "sub_project", name, "error", err)
		return
	}
	if e != nil {
		st.terminal = true
		w.run.logger().Info("hidden sub-project discovered", "sub_project", name, "number", e.Number)
	}
}

// dropUndiscovered gives up on hidden sub-projects that have not started by
// the time the visible ones are done.
func (w *setWatcher) dropUndiscovered() {
	for _, name := range w.order {
		if st := w.state[name]; st.hidden && !st.terminal {
			w.run.logger().Info("hidden sub-project not started, not recorded", "sub_project", name)
		}
	}
}

func (w *setWatcher) observe(ctx context.Context, name string, st *watchState) {
	log := logging.ForAttempt(w.run.logger(), name, st.cause.Attempt)
	e, err := w.o.current(ctx, w.run, name, st.cause, st.exec)
	if err != nil {
		log.Warn("poll failed", "error", err)
		return
	}
	if e == nil {
		log.Info("pending", "status", "pending")
		return
	}
	st.exec = e
	if e.IsRunning() {
		log.Info("running", "status", "running", "number", e.Number, "url", e.Link("console"))
		return
	}

	result, err := w.run.Aggregator.EffectiveResult(ctx, name)
	if err != nil {
		log.Warn("effective result failed", "number", e.Number, "error", err)
		return
	}
	attempts := len(w.run.Aggregator.Attempts(name))
	if result.IsWorseThan(model.ResultUnstable) {
		if attempts-1 < w.run.MaxRetries {
			next := w.run.NextCause(name)
			log.Info(fmt.Sprintf("[%s] %s", result, name), "status", "retrying", "number", e.Number, "url", e.Link("console"), "next_attempt", next.Attempt)
			if err := w.o.reschedule(ctx, w.run, name, next); err != nil {
				log.Error("retry failed", "error", err)
				st.terminal = true
				return
			}
			w.o.metrics.IncRetried(name)
			st.cause = next
			st.exec = nil
			return
		}
		if w.run.MaxRetries > 0 {
			w.o.metrics.IncRetryExhausted(name)
		}
	}
	st.terminal = true
	logFinished(log, name, result, e)
}

// current returns the execution for cause: discovered (and recorded) when
// last is nil, refreshed otherwise.
func (o *Orchestrator) current(ctx context.Context, run *Run, project string, cause model.Cause, last *model.Execution) (*model.Execution, error) {
	if last != nil {
		e, err := o.finder.ByNumber(ctx, project, last.Number)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return last, nil
		}
		return e, nil
	}
	e, err := o.finder.ByCause(ctx, project, cause)
	if err != nil || e == nil {
		return nil, err
	}
	if run.Aggregator.RecordAttempt(ctx, project, e.Number) {
		o.metrics.IncDiscovered(project)
	}
	return e, nil
}

// WatchOne waits for the execution started for cause, records it and returns
// it once finished.
func (o *Orchestrator) WatchOne(ctx context.Context, run *Run, project string, cause model.Cause) (*model.Execution, error) {
	log := logging.ForAttempt(run.logger(), project, cause.Attempt)
	var last *model.Execution
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := o.current(ctx, run, project, cause, last)
		switch {
		case err != nil:
			log.Warn("poll failed", "error", err)
		case e != nil && !e.IsRunning():
			logFinished(log, project, e.Result, e)
			return e, nil
		case e != nil:
			last = e
		}
		if err := sleep(ctx, o.config.PollInterval); err != nil {
			return nil, err
		}
	}
}

func logFinished(log *slog.Logger, name string, result model.Result, e *model.Execution) {
	page := "testReport"
	if result.IsWorseThan(model.ResultUnstable) {
		page = "console"
	}
	log.Info(fmt.Sprintf("[%s] %s", result, name), "status", "finished", "number", e.Number, "url", e.Link(page))
}
