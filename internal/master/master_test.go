package master

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etsy/jenkins-master-project/internal/config"
	"github.com/etsy/jenkins-master-project/internal/logging"
	"github.com/etsy/jenkins-master-project/internal/notify"
	"github.com/etsy/jenkins-master-project/internal/orchestrator"
	"github.com/etsy/jenkins-master-project/internal/params"
	"github.com/etsy/jenkins-master-project/internal/store"
	"github.com/etsy/jenkins-master-project/internal/testhost"
	"github.com/etsy/jenkins-master-project/pkg/model"
)

const projectsYAML = `
projects:
  - name: release
    sub_projects: [A, B]
    hidden_sub_projects: [C]
    max_retries: 1
    notify_on_rebuild: true
    selectable: true
    parameters:
      - name: BRANCH
        type: string
        default: main
      - name: MODE
        type: choice
        choices: [fast, full]
        default: fast
      - name: CFG
        type: file
  - name: plain
    sub_projects: [A, B]
    notify_on_rebuild: true
  - name: held
    sub_projects: [H1, H2]
`

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.EventType
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	host     *testhost.Host
	store    *store.SQLiteStore
	registry *config.Registry
	notifier *recordingNotifier
	svc      *Service
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func newFixture(t *testing.T, h *testhost.Host, st *store.SQLiteStore) *fixture {
	t.Helper()
	cfg, err := config.ParseProjects([]byte(projectsYAML))
	require.NoError(t, err)
	stager, err := params.NewLocalStager(t.TempDir())
	require.NoError(t, err)
	h.UseStager(stager, t.TempDir())

	f := &fixture{host: h, store: st, registry: config.NewRegistry(cfg), notifier: &recordingNotifier{}}
	orch := orchestrator.New(h, orchestrator.Config{PollInterval: 5 * time.Millisecond, PoolSize: 10}, nil, logging.Discard())
	f.svc = NewService(st, f.registry, orch, logging.Discard(),
		WithStager(stager), WithNotifier(f.notifier), WithSaveRetries(2))
	t.Cleanup(f.svc.Close)
	return f
}

func waitDone(t *testing.T, b *Build) {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("master build did not finish")
	}
}

func TestTrigger_RunsToCompletion(t *testing.T) {
	h := testhost.New()
	h.AddProject("A")
	h.AddProject("B", testhost.WithResults(model.ResultFailure, model.ResultSuccess))
	h.AddProject("C", testhost.Held())
	f := newFixture(t, h, newStore(t))
	ctx := context.Background()

	b, err := f.svc.Trigger(ctx, "release", TriggerRequest{TriggeredBy: "alice"})
	require.NoError(t, err)
	waitDone(t, b)

	snap := b.Snapshot()
	assert.Equal(t, model.MasterBuildStateCompleted, snap.State)
	assert.Equal(t, model.ResultSuccess, snap.Result)
	assert.Equal(t, 1, snap.Number)
	assert.Equal(t, []string{"A", "B", "C"}, b.SubProjects())
	assert.Equal(t, []string{"main", "fast"}, []string{snap.Parameters[0].Value, snap.Parameters[1].Value})

	stored, err := f.store.GetMasterBuild(ctx, b.ID())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.MasterBuildStateCompleted, stored.State)
	assert.Equal(t, model.ResultSuccess, stored.Result)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, "alice", stored.TriggeredBy)

	attempts, err := f.store.ListAttempts(ctx, b.ID())
	require.NoError(t, err)
	byProject := map[string][]int{}
	for _, r := range attempts {
		byProject[r.Project] = r.BuildNumbers
	}
	assert.Equal(t, []int{1}, byProject["A"])
	assert.Equal(t, []int{1, 2}, byProject["B"])

	links, err := f.svc.Permalinks(ctx, "release")
	require.NoError(t, err)
	assert.Len(t, links, 2)
	assert.Contains(t, f.notifier.types(), notify.EventCompleted)

	latest, err := b.LatestBuilds(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	for _, e := range latest {
		if e.Project == "B" {
			assert.Equal(t, 2, e.Number)
		}
	}
}

func TestTrigger_Rejections(t *testing.T) {
	h := testhost.New()
	h.AddProject("A")
	h.AddProject("B")
	f := newFixture(t, h, newStore(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		project string
		req     TriggerRequest
		want    error
	}{
		{"unknown master project", "nope", TriggerRequest{}, ErrNotFound},
		{"selection not supported", "plain", TriggerRequest{SubProjects: []string{"A"}}, ErrSelectionNotSupported},
		{"not a member", "release", TriggerRequest{SubProjects: []string{"Z"}}, ErrNotMember},
		{"undeclared parameter", "release", TriggerRequest{Parameters: map[string]string{"BRANC": "x"}}, ErrInvalidParameter},
		{"bad choice", "release", TriggerRequest{Parameters: map[string]string{"MODE": "slow"}}, ErrInvalidParameter},
		{"not parameterized", "plain", TriggerRequest{Parameters: map[string]string{"X": "1"}}, ErrNotParameterized},
		{"negative retries", "release", TriggerRequest{MaxRetries: intPtr(-1)}, ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Trigger(ctx, tt.project, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	_, total, err := f.svc.List(ctx, model.ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func intPtr(n int) *int { return &n }

func TestSelectSubProjects(t *testing.T) {
	cfg := config.ProjectConfig{
		Name:               "m",
		SubProjects:        []string{"A", "B", "C"},
		DefaultSubProjects: []string{"A", "B"},
		HiddenSubProjects:  []string{"B", "D"},
		MaxRetries:         2,
		Selectable:         true,
	}
	members := cfg.Members(nil)

	snap, err := selectSubProjects(cfg, members, TriggerRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, snap.visible)
	assert.Equal(t, []string{"D"}, snap.hidden)
	assert.Equal(t, 2, snap.maxRetries)

	snap, err = selectSubProjects(cfg, members, TriggerRequest{SubProjects: []string{"C", "C"}, MaxRetries: intPtr(0)})
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, snap.visible)
	assert.Equal(t, []string{"B", "D"}, snap.hidden)
	assert.Equal(t, 0, snap.maxRetries)

	cfg.DefaultSubProjects = nil
	snap, err = selectSubProjects(cfg, members, TriggerRequest{Exclude: []string{"B"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, snap.visible)
}

func TestTrigger_StagesFileParameter(t *testing.T) {
	h := testhost.New()
	h.AddProject("A", testhost.WithParameters(model.ParameterDefinition{Name: "CFG", Type: model.ParameterTypeFile}))
	h.AddProject("B")
	h.AddProject("C")
	f := newFixture(t, h, newStore(t))
	ctx := context.Background()

	b, err := f.svc.Trigger(ctx, "release", TriggerRequest{
		Files: []FileParameter{{Name: "CFG", FileName: "app.yaml", Content: []byte("key: value\n")}},
	})
	require.NoError(t, err)
	waitDone(t, b)

	rc, err := f.svc.OpenFile(ctx, b.ID(), "CFG", "app.yaml")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "key: value\n", string(data))

	_, err = f.svc.OpenFile(ctx, b.ID(), "CFG", "other.yaml")
	assert.ErrorIs(t, err, ErrNotFound)

	e, err := h.Execution(ctx, "A", 1)
	require.NoError(t, err)
	require.Len(t, e.Parameters, 1)
	assert.Equal(t, "app.yaml", e.Parameters[0].FileName)

	path, ok := h.File("A", 1, "CFG")
	require.True(t, ok, "sub-build received the file")
	assert.Equal(t, "app.yaml", filepath.Base(path))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "key: value\n", string(data))
}

func TestRebuild_ImprovesCompletedBuild(t *testing.T) {
	h := testhost.New()
	h.AddProject("A")
	h.AddProject("B", testhost.WithResults(model.ResultFailure, model.ResultSuccess))
	h.AddProject("other")
	f := newFixture(t, h, newStore(t))
	ctx := context.Background()

	b, err := f.svc.Trigger(ctx, "plain", TriggerRequest{})
	require.NoError(t, err)
	waitDone(t, b)
	assert.Equal(t, model.ResultFailure, b.Snapshot().Result)
	links, err := f.svc.Permalinks(ctx, "plain")
	require.NoError(t, err)
	assert.Empty(t, links)

	_, err = b.Rebuild(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownProject)
	_, err = b.Rebuild(ctx, "other")
	assert.ErrorIs(t, err, ErrNotMember)

	cause, err := b.Rebuild(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, model.Cause{MasterBuildID: b.ID(), Attempt: 1}, cause)

	require.Eventually(t, func() bool {
		return b.Snapshot().Result == model.ResultSuccess
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, typ := range f.notifier.types() {
			if typ == notify.EventRebuildImproved {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	stored, err := f.store.GetMasterBuild(ctx, b.ID())
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, stored.Result)
	links, err = f.svc.Permalinks(ctx, "plain")
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestStop_CancelsQueuedSubBuilds(t *testing.T) {
	h := testhost.New()
	h.AddProject("H1", testhost.Held())
	h.AddProject("H2", testhost.Held())
	f := newFixture(t, h, newStore(t))
	ctx := context.Background()

	b, err := f.svc.Trigger(ctx, "held", TriggerRequest{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(b.run.QueueItems()) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, b.Stop(ctx))
	waitDone(t, b)

	snap := b.Snapshot()
	assert.Equal(t, model.MasterBuildStateCancelled, snap.State)
	assert.Empty(t, snap.Records)
	_, err = b.Rebuild(ctx, "H1")
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 1, h.Scheduled("H1"))
	h.Release("H1")
	_, err = h.History(ctx, "H1")
	require.NoError(t, err)
	assert.Zero(t, h.Started("H1"))
}

func TestResult_HiddenRunningAtCompletion(t *testing.T) {
	h := testhost.New()
	h.AddProject("A")
	h.AddProject("B")
	h.AddProject("C", testhost.WithResults(model.ResultFailure), testhost.WithDuration(300*time.Millisecond))
	f := newFixture(t, h, newStore(t))
	ctx := context.Background()

	b, err := f.svc.Trigger(ctx, "release", TriggerRequest{})
	require.NoError(t, err)
	waitDone(t, b)
	assert.Equal(t, model.ResultSuccess, b.Snapshot().Result)
	assert.Equal(t, []int{1}, b.run.Aggregator.Attempts("C"))

	require.Eventually(t, func() bool {
		r, err := b.Result(ctx)
		return err == nil && r == model.ResultFailure
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.ResultSuccess, b.Snapshot().Result, "stored result is the one at completion")
}

type brokenHost struct {
	*testhost.Host
}

func (brokenHost) Execution(context.Context, string, int) (*model.Execution, error) {
	return nil, errors.New("host unreachable")
}

func TestOutcome_KeepsStoredResultOnLookupFailure(t *testing.T) {
	cfg, err := config.ParseProjects([]byte(projectsYAML))
	require.NoError(t, err)
	orch := orchestrator.New(brokenHost{testhost.New()}, orchestrator.Config{PollInterval: 5 * time.Millisecond}, nil, logging.Discard())
	svc := NewService(newStore(t), config.NewRegistry(cfg), orch, logging.Discard())
	t.Cleanup(svc.Close)
	records := []model.SubProjectRecord{{Project: "A", BuildNumbers: []int{1}}}

	b := svc.newBuild(&model.MasterBuild{ID: "mb_1", Project: "plain", Number: 1, Result: model.ResultUnstable, Records: records})
	assert.Equal(t, model.ResultUnstable, b.outcome(context.Background()))

	b = svc.newBuild(&model.MasterBuild{ID: "mb_2", Project: "plain", Number: 2, Records: records})
	assert.Equal(t, model.ResultNotBuilt, b.outcome(context.Background()))
}

func TestGet_LoadsFromStoreAfterRestart(t *testing.T) {
	h := testhost.New()
	h.AddProject("A")
	h.AddProject("B")
	st := newStore(t)
	first := newFixture(t, h, st)
	ctx := context.Background()

	b, err := first.svc.Trigger(ctx, "plain", TriggerRequest{})
	require.NoError(t, err)
	waitDone(t, b)

	second := newFixture(t, h, st)
	got, err := second.svc.Get(ctx, b.ID())
	require.NoError(t, err)
	snap := got.Snapshot()
	assert.Equal(t, model.MasterBuildStateCompleted, snap.State)
	assert.Len(t, snap.Records, 2)
	result, err := got.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, result)

	byNumber, err := second.svc.GetByNumber(ctx, "plain", 1)
	require.NoError(t, err)
	assert.Same(t, got, byNumber)

	_, err = second.svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAbandonInterrupted(t *testing.T) {
	st := newStore(t)
	f := newFixture(t, testhost.New(), st)
	ctx := context.Background()

	rec := &model.MasterBuild{
		ID: "mb-stale", Project: "plain", State: model.MasterBuildStateRunning,
		Result: model.ResultNotBuilt, SubProjects: []string{"A"}, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateMasterBuild(ctx, rec))

	n, err := f.svc.AbandonInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetMasterBuild(ctx, "mb-stale")
	require.NoError(t, err)
	assert.Equal(t, model.MasterBuildStateCancelled, got.State)
	assert.NotNil(t, got.CompletedAt)
}

func TestHostProjectRenameAndRemove(t *testing.T) {
	f := newFixture(t, testhost.New(), newStore(t))

	assert.Equal(t, 2, f.svc.RenameHostProject("A", "A2"))
	cfg, ok := f.registry.Get("plain")
	require.True(t, ok)
	assert.Equal(t, []string{"A2", "B"}, cfg.SubProjects)

	assert.Equal(t, 2, f.svc.RemoveHostProject("B"))
	cfg, _ = f.registry.Get("release")
	assert.Equal(t, []string{"A2"}, cfg.SubProjects)
}

func TestCronTriggers_FollowRegistry(t *testing.T) {
	f := newFixture(t, testhost.New(), newStore(t))
	cfg, err := config.ParseProjects([]byte(`
projects:
  - name: nightly
    sub_projects: [A]
    cron: "0 2 * * *"
  - name: manual
    sub_projects: [B]
`))
	require.NoError(t, err)
	f.registry.Replace(cfg)

	c, err := NewCronTriggers(f.svc, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })
	assert.Equal(t, map[string]string{"nightly": "0 2 * * *"}, c.Jobs())

	cfg.Projects[0].Cron = ""
	f.registry.Replace(cfg)
	assert.Empty(t, c.Jobs())
}
