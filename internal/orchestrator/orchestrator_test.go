package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etsy/jenkins-master-project/internal/aggregate"
	"github.com/etsy/jenkins-master-project/internal/logging"
	"github.com/etsy/jenkins-master-project/internal/metrics"
	"github.com/etsy/jenkins-master-project/internal/testhost"
	"github.com/etsy/jenkins-master-project/pkg/model"
)

const testPoll = 5 * time.Millisecond

func newTestOrchestrator(h *testhost.Host) *Orchestrator {
	return New(h, Config{PollInterval: testPoll, PoolSize: 10}, nil, logging.Discard())
}

func newTestRun(o *Orchestrator, id string, visible, hidden []string, maxRetries int) *Run {
	return &Run{
		ID:         id,
		Project:    "master",
		Visible:    visible,
		Hidden:     hidden,
		MaxRetries: maxRetries,
		Aggregator: aggregate.New(id, o.Finder(), nil, 1, logging.Discard()),
		Logger:     logging.Discard(),
	}
}

func execute(t *testing.T, o *Orchestrator, run *Run) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Execute(ctx, run))
}

func TestExecute_RetriesFailedSubProject(t *testing.T) {
	h := testhost.New()
	h.AddProject("A")
	h.AddProject("B", testhost.WithResults(model.ResultFailure, model.ResultSuccess))
	h.AddProject("C", testhost.Held())
	o := newTestOrchestrator(h)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		o.Wait()
	}()
	run := newTestRun(o, "mb-1", []string{"A", "B"}, []string{"C"}, 1)
	require.NoError(t, o.Execute(ctx, run))

	result, err := run.Aggregator.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, result)
	assert.Equal(t, []int{1, 2}, run.Aggregator.Attempts("B"))
	assert.Equal(t, []int{1}, run.Aggregator.Attempts("A"))
	assert.Equal(t, 2, h.Scheduled("B"))
	assert.Equal(t, 1, h.Scheduled("C"))
	assert.Empty(t, run.Aggregator.Attempts("C"))
}

func TestExecute_RetriesExhausted(t *testing.T) {
	h := testhost.New()
	h.AddProject("B", testhost.WithResults(model.ResultFailure))
	o := newTestOrchestrator(h)

	run := newTestRun(o, "mb-1", []string{"B"}, nil, 2)
	execute(t, o, run)

	assert.Equal(t, 3, h.Scheduled("B"))
	assert.Equal(t, []int{1, 2, 3}, run.Aggregator.Attempts("B"))
	result, err := run.Aggregator.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ResultFailure, result)
}

func TestExecute_NoRetryWithoutBudget(t *testing.T) {
	h := testhost.New()
	h.AddProject("B", testhost.WithResults(model.ResultAborted))
	o := newTestOrchestrator(h)

	run := newTestRun(o, "mb-1", []string{"B"}, nil, 0)
	execute(t, o, run)

	assert.Equal(t, 1, h.Scheduled("B"))
	result, err := run.Aggregator.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ResultAborted, result)
}

func TestExecute_UnstableIsNotRetried(t *testing.T) {
	h := testhost.New()
	h.AddProject("B", testhost.WithResults(model.ResultUnstable))
	o := newTestOrchestrator(h)

	run := newTestRun(o, "mb-1", []string{"B"}, nil, 3)
	execute(t, o, run)

	assert.Equal(t, 1, h.Scheduled("B"))
	result, err := run.Aggregator.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ResultUnstable, result)
}

func TestExecute_HiddenResultCounts(t *testing.T) {
	h := testhost.New()
	h.AddProject("A", testhost.WithDuration(50*time.Millisecond))
	h.AddProject("C", testhost.WithResults(model.ResultFailure))
	o := newTestOrchestrator(h)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		o.Wait()
	}()
	run := newTestRun(o, "mb-1", []string{"A"}, []string{"C"}, 0)
	require.NoError(t, o.Execute(ctx, run))

	require.Eventually(t, func() bool {
		return len(run.Aggregator.Attempts("C")) == 1
	}, time.Second, testPoll)
	require.Eventually(t, func() bool {
		r, err := run.Aggregator.Result(ctx)
		return err == nil && r == model.ResultFailure
	}, time.Second, testPoll)
}

func TestExecute_SkipsUnknownDisabledAndUnschedulable(t *testing.T) {
	h := testhost.New()
	h.AddProject("A")
	h.AddProject("D", testhost.Disabled())
	h.AddProject("E", testhost.FailSchedule(errors.New("queue full")))
	o := newTestOrchestrator(h)

	run := newTestRun(o, "mb-1", []string{"A", "D", "E", "missing"}, nil, 1)
	execute(t, o, run)

	assert.Equal(t, 0, h.Scheduled("D"))
	assert.Equal(t, 0, h.Scheduled("E"))
	assert.Equal(t, []int{1}, run.Aggregator.Attempts("A"))
	assert.Len(t, run.QueueItems(), 1)
}

func TestExecute_NothingToWatch(t *testing.T) {
	h := testhost.New()
	h.AddProject("D", testhost.Disabled())
	o := newTestOrchestrator(h)

	run := newTestRun(o, "mb-1", []string{"D"}, nil, 0)
	execute(t, o, run)

	result, err := run.Aggregator.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ResultNotBuilt, result)
}

func TestExecute_PropagatesDeclaredParameters(t *testing.T) {
	h := testhost.New()
	h.AddProject("A", testhost.WithParameters(model.ParameterDefinition{Name: "BRANCH", Type: model.ParameterTypeString}))
	h.AddProject("B")
	o := newTestOrchestrator(h)

	run := newTestRun(o, "mb-1", []string{"A", "B"}, nil, 0)
	run.Parameters = model.ParameterSet{
		{Name: "BRANCH", Type: model.ParameterTypeString, Value: "main"},
		{Name: "OTHER", Type: model.ParameterTypeString, Value: "x"},
	}
	execute(t, o, run)

	a, err := h.Execution(context.Background(), "A", 1)
	require.NoError(t, err)
	require.Len(t, a.Parameters, 1)
	assert.Equal(t, "main", a.Parameters[0].Value)

	b, err := h.Execution(context.Background(), "B", 1)
	require.NoError(t, err)
	assert.Empty(t, b.Parameters)
}

func TestExecute_CancelWhileQueued(t *testing.T) {
	h := testhost.New()
	h.AddProject("A", testhost.Held())
	h.AddProject("B", testhost.Held())
	o := newTestOrchestrator(h)
	run := newTestRun(o, "mb-1", []string{"A", "B"}, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- o.Execute(ctx, run) }()

	require.Eventually(t, func() bool {
		return len(run.QueueItems()) == 2
	}, time.Second, testPoll)

	assert.Equal(t, 2, o.CancelQueued(context.Background(), run))
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	o.Wait()

	h.Release("A")
	h.Release("B")
	_, err := h.History(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 0, h.Started("A"))
	assert.Equal(t, 0, h.Started("B"))
	assert.Empty(t, run.Aggregator.Records())
}

func TestRetry_WatchesAndReportsRebuild(t *testing.T) {
	h := testhost.New()
	h.AddProject("B", testhost.WithResults(model.ResultFailure, model.ResultSuccess))
	o := newTestOrchestrator(h)
	run := newTestRun(o, "mb-1", []string{"B"}, nil, 0)
	execute(t, o, run)

	var (
		mu      sync.Mutex
		rebuilt *model.Execution
	)
	run.OnRebuilt = func(_ context.Context, project string, e *model.Execution) {
		mu.Lock()
		defer mu.Unlock()
		rebuilt = e
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	next := run.NextCause("B")
	assert.Equal(t, 1, next.Attempt)
	require.NoError(t, o.Retry(ctx, run, "B", next))
	o.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, rebuilt)
	assert.Equal(t, 2, rebuilt.Number)
	assert.Equal(t, model.ResultSuccess, rebuilt.Result)
	assert.Equal(t, []int{1, 2}, run.Aggregator.Attempts("B"))

	result, err := run.Aggregator.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, result)
}

func TestRetry_UnknownProject(t *testing.T) {
	o := newTestOrchestrator(testhost.New())
	run := newTestRun(o, "mb-1", nil, nil, 0)
	err := o.Retry(context.Background(), run, "nope", run.NextCause("nope"))
	assert.ErrorIs(t, err, ErrUnknownProject)
}

func TestExecute_HeldHiddenReleasesPool(t *testing.T) {
	h := testhost.New()
	h.AddProject("A")
	h.AddProject("C", testhost.Held())
	o := New(h, Config{PollInterval: testPoll, PoolSize: 2}, nil, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"mb-1", "mb-2", "mb-3"} {
		run := newTestRun(o, id, []string{"A"}, []string{"C"}, 0)
		require.NoError(t, o.Execute(ctx, run))
		assert.Empty(t, run.Aggregator.Attempts("C"))
	}

	run := newTestRun(o, "mb-4", []string{"A"}, nil, 0)
	execute(t, o, run)
	assert.Equal(t, []int{4}, run.Aggregator.Attempts("A"))

	idle := make(chan struct{})
	go func() {
		o.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("pool still busy after every build completed")
	}
}

func TestExecute_HiddenStartedLateIsNotRecorded(t *testing.T) {
	h := testhost.New()
	h.AddProject("A")
	h.AddProject("C", testhost.Held())
	o := newTestOrchestrator(h)

	run := newTestRun(o, "mb-1", []string{"A"}, []string{"C"}, 0)
	execute(t, o, run)
	o.Wait()

	h.Release("C")
	hist, err := h.History(context.Background(), "C")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	time.Sleep(5 * testPoll)
	assert.Empty(t, run.Aggregator.Attempts("C"))
}

type countingRecorder struct {
	metrics.NoopRecorder
	mu         sync.Mutex
	discovered map[string]int
	retried    map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{discovered: make(map[string]int), retried: make(map[string]int)}
}

func (r *countingRecorder) IncDiscovered(project string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered[project]++
}

func (r *countingRecorder) IncRetried(project string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retried[project]++
}

func (r *countingRecorder) counts(project string) (discovered, retried int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discovered[project], r.retried[project]
}

func TestExecute_AutomaticRetryWatchedOnce(t *testing.T) {
	h := testhost.New()
	h.AddProject("A")
	h.AddProject("B", testhost.WithResults(model.ResultFailure, model.ResultSuccess))
	rec := newCountingRecorder()
	o := New(h, Config{PollInterval: testPoll, PoolSize: 10}, rec, logging.Discard())

	run := newTestRun(o, "mb-1", []string{"A", "B"}, nil, 1)
	var rebuilds atomic.Int32
	run.OnRebuilt = func(context.Context, string, *model.Execution) { rebuilds.Add(1) }
	execute(t, o, run)
	o.Wait()

	assert.Equal(t, []int{1, 2}, run.Aggregator.Attempts("B"))
	assert.Equal(t, 2, h.Started("B"))
	discovered, retried := rec.counts("B")
	assert.Equal(t, 2, discovered, "one discovery per execution")
	assert.Equal(t, 1, retried)
	discovered, _ = rec.counts("A")
	assert.Equal(t, 1, discovered)
	assert.Zero(t, rebuilds.Load(), "automatic retries are not rebuilds")
}

// gatedHost blocks Schedule for one project until the gate is closed.
type gatedHost struct {
	*testhost.Host
	project string
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedHost) Schedule(ctx context.Context, name string, cause model.Cause, ps model.ParameterSet) (*model.QueueItem, error) {
	if name == g.project {
		close(g.entered)
		<-g.gate
	}
	return g.Host.Schedule(ctx, name, cause, ps)
}

func TestCancelQueued_ScheduleInFlight(t *testing.T) {
	th := testhost.New()
	th.AddProject("A", testhost.Held())
	th.AddProject("B", testhost.Held())
	h := &gatedHost{Host: th, project: "B", entered: make(chan struct{}), gate: make(chan struct{})}
	o := New(h, Config{PollInterval: testPoll, PoolSize: 10}, nil, logging.Discard())
	run := newTestRun(o, "mb-1", []string{"A", "B"}, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- o.Execute(ctx, run) }()

	select {
	case <-h.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("B was never scheduled")
	}
	assert.Equal(t, 1, o.CancelQueued(context.Background(), run))
	close(h.gate)
	require.Eventually(t, func() bool { return th.Scheduled("B") == 1 }, time.Second, testPoll)
	cancel()

	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	o.Wait()

	assert.Zero(t, th.Queued("A"))
	assert.Zero(t, th.Queued("B"), "item scheduled during stop is cancelled")
	assert.Len(t, run.QueueItems(), 1)
}

func TestRun_NextCauseNeverRepeats(t *testing.T) {
	o := newTestOrchestrator(testhost.New())
	run := newTestRun(o, "mb-1", []string{"A"}, nil, 0)
	run.issue("A")

	assert.Equal(t, 1, run.NextCause("A").Attempt)
	assert.Equal(t, 2, run.NextCause("A").Attempt)
	assert.Equal(t, 0, run.NextCause("never-scheduled").Attempt)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var running, peak int32
	var chans []<-chan error
	for i := 0; i < 6; i++ {
		chans = append(chans, p.Submit(context.Background(), func(context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}))
	}
	for _, c := range chans {
		assert.NoError(t, <-c)
	}
	p.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPool_SubmitCancelledWhileWaiting(t *testing.T) {
	p := NewPool(1)
	started := make(chan struct{})
	release := make(chan struct{})
	first := p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var called atomic.Bool
	second := p.Submit(ctx, func(context.Context) error {
		called.Store(true)
		return nil
	})
	cancel()
	assert.ErrorIs(t, <-second, context.Canceled)

	close(release)
	assert.NoError(t, <-first)
	p.Wait()
	assert.False(t, called.Load())
}
