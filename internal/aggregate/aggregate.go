// Package aggregate tracks the attempt history of every sub-project of a master
// build and folds the attempts into one overall result.
package aggregate

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/etsy/jenkins-master-project/pkg/model"
)

// Finder resolves an attempt's build number to its execution.
type Finder interface {
	ByNumber(ctx context.Context, project string, number int) (*model.Execution, error)
}

// Persister saves a recorded attempt.
type Persister interface {
	RecordAttempt(ctx context.Context, masterBuildID, project string, number int) error
}

// Aggregator is the result record of one master build. All mutation goes
// through RecordAttempt; it is safe for concurrent use. Memory stays
// authoritative when persisting fails.
type Aggregator struct {
	masterBuildID string
	finder        Finder
	persister     Persister
	saveRetries   int
	logger        *slog.Logger

	mu       sync.Mutex
	records  map[string]*model.SubProjectRecord
	finished map[attemptKey]model.Result
}

type attemptKey struct {
	project string
	number  int
}

// New creates an empty aggregator. persister may be nil.
func New(masterBuildID string, finder Finder, persister Persister, saveRetries int, logger *slog.Logger) *Aggregator {
	if saveRetries < 1 {
		saveRetries = 1
	}
	return &Aggregator{
		masterBuildID: masterBuildID,
		finder:        finder,
		persister:     persister,
		saveRetries:   saveRetries,
		logger:        logger.With("component", "aggregator", "master_build_id", masterBuildID),
		records:       make(map[string]*model.SubProjectRecord),
		finished:      make(map[attemptKey]model.Result),
	}
}

// Restore loads previously persisted records without persisting them again.
func (a *Aggregator) Restore(records []model.SubProjectRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range records {
		for _, n := range r.BuildNumbers {
			a.recordLocked(r.Project, n)
		}
	}
}

// RecordAttempt adds a discovered execution to the project's history and
// reports whether the number was new. Recording an already known number does
// nothing. Persistence is retried a fixed number of times; a final failure is
// logged, never returned.
func (a *Aggregator) RecordAttempt(ctx context.Context, project string, number int) bool {
	a.mu.Lock()
	added := a.recordLocked(project, number)
	a.mu.Unlock()
	if !added || a.persister == nil {
		return added
	}

	var err error
	for i := 0; i < a.saveRetries; i++ {
		if err = a.persister.RecordAttempt(ctx, a.masterBuildID, project, number); err == nil {
			return true
		}
		a.logger.Warn("persist attempt failed", "project", project, "build_number", number, "try", i+1, "error", err)
	}
	a.logger.Error("giving up persisting attempt", "project", project, "build_number", number, "error", err)
	return true
}

func (a *Aggregator) recordLocked(project string, number int) bool {
	r, ok := a.records[project]
	if !ok {
		r = &model.SubProjectRecord{Project: project}
		a.records[project] = r
	}
	return r.Add(number)
}

// Attempts returns the project's build numbers in ascending order.
func (a *Aggregator) Attempts(project string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[project]
	if !ok {
		return nil
	}
	return append([]int(nil), r.BuildNumbers...)
}

// Latest returns the project's newest attempt.
func (a *Aggregator) Latest(project string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[project]
	if !ok {
		return 0, false
	}
	return r.Latest()
}

// Records returns a copy of every record, ordered by project name.
func (a *Aggregator) Records() []model.SubProjectRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.SubProjectRecord, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, model.SubProjectRecord{Project: r.Project, BuildNumbers: append([]int(nil), r.BuildNumbers...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Project < out[j].Project })
	return out
}

// EffectiveResult walks the project's attempts newest first and returns the
// first result that is not NOT_BUILT. Attempts still running or no longer known
// to the host are skipped. With nothing left, the result is NOT_BUILT.
func (a *Aggregator) EffectiveResult(ctx context.Context, project string) (model.Result, error) {
	attempts := a.Attempts(project)
	for i := len(attempts) - 1; i >= 0; i-- {
		r, ok, err := a.resultOf(ctx, project, attempts[i])
		if err != nil {
			return "", err
		}
		if ok && r != model.ResultNotBuilt {
			return r, nil
		}
	}
	return model.ResultNotBuilt, nil
}

// Result folds the effective result of every recorded project with worst-of.
// An empty aggregate is NOT_BUILT.
func (a *Aggregator) Result(ctx context.Context) (model.Result, error) {
	result := model.ResultNotBuilt
	for _, r := range a.Records() {
		eff, err := a.EffectiveResult(ctx, r.Project)
		if err != nil {
			return "", err
		}
		result = result.Combine(eff)
	}
	return result, nil
}

// resultOf returns a finished attempt's result. ok is false while it runs.
func (a *Aggregator) resultOf(ctx context.Context, project string, number int) (model.Result, bool, error) {
	key := attemptKey{project, number}
	a.mu.Lock()
	r, cached := a.finished[key]
	a.mu.Unlock()
	if cached {
		return r, true, nil
	}

	e, err := a.finder.ByNumber(ctx, project, number)
	if err != nil {
		return "", false, err
	}
	if e == nil || e.IsRunning() {
		return "", false, nil
	}
	a.mu.Lock()
	a.finished[key] = e.Result
	a.mu.Unlock()
	return e.Result, true, nil
}
