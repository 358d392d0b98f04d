// Package master owns master builds: it resolves triggers against the project
// configuration, persists builds and runs their orchestration.
package master

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/etsy/jenkins-master-project/internal/config"
	"github.com/etsy/jenkins-master-project/internal/logging"
	"github.com/etsy/jenkins-master-project/internal/metrics"
	"github.com/etsy/jenkins-master-project/internal/notify"
	"github.com/etsy/jenkins-master-project/internal/orchestrator"
	"github.com/etsy/jenkins-master-project/internal/params"
	"github.com/etsy/jenkins-master-project/internal/store"
	"github.com/etsy/jenkins-master-project/pkg/model"
)

// Service triggers and tracks master builds.
type Service struct {
	store       store.Store
	registry    *config.Registry
	orch        *orchestrator.Orchestrator
	stager      params.Stager
	notifier    notify.Notifier
	metrics     metrics.Recorder
	saveRetries int
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	builds map[string]*Build
	active int
}

// Option configures optional Service dependencies.
type Option func(*Service)

// WithStager sets where file parameters are staged.
func WithStager(s params.Stager) Option {
	return func(svc *Service) { svc.stager = s }
}

// WithNotifier sets the event publisher.
func WithNotifier(n notify.Notifier) Option {
	return func(svc *Service) { svc.notifier = n }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(svc *Service) { svc.metrics = r }
}

// WithSaveRetries sets how often a failed write is retried.
func WithSaveRetries(n int) Option {
	return func(svc *Service) { svc.saveRetries = n }
}

// NewService creates a service. Close it to stop every running master build.
func NewService(st store.Store, reg *config.Registry, orch *orchestrator.Orchestrator, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       st,
		registry:    reg,
		orch:        orch,
		notifier:    notify.Nop{},
		metrics:     metrics.NoopRecorder{},
		saveRetries: 5,
		logger:      logging.Component(logger, "master"),
		builds:      make(map[string]*Build),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Close cancels every running master build and waits for the watchers to return.
func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	builds := make([]*Build, 0, len(s.builds))
	for _, b := range s.builds {
		builds = append(builds, b)
	}
	s.mu.Unlock()
	for _, b := range builds {
		<-b.Done()
	}
	s.orch.Wait()
}

// Registry returns the project configuration registry.
func (s *Service) Registry() *config.Registry {
	return s.registry
}

// Members resolves a master project's members against the host.
func (s *Service) Members(ctx context.Context, cfg config.ProjectConfig) ([]string, error) {
	var hostProjects []string
	if cfg.Include != "" {
		names, err := s.orch.Finder().Projects(ctx)
		if err != nil {
			return nil, fmt.Errorf("list host projects: %w", err)
		}
		hostProjects = names
	}
	return cfg.Members(hostProjects), nil
}

// Trigger creates a master build of project and starts it in the background.
func (s *Service) Trigger(ctx context.Context, project string, req TriggerRequest) (*Build, error) {
	cfg, ok := s.registry.Get(project)
	if !ok {
		return nil, fmt.Errorf("%w: master project %s", ErrNotFound, project)
	}
	members, err := s.Members(ctx, cfg)
	if err != nil {
		return nil, err
	}
	snap, err := selectSubProjects(cfg, members, req)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	set, err := resolveParameters(ctx, cfg, req, func(ctx context.Context, d model.ParameterDefinition, f FileParameter) (model.ParameterValue, error) {
		if s.stager == nil {
			return model.ParameterValue{}, fmt.Errorf("%w: file parameters are not enabled", ErrInvalidParameter)
		}
		r, size := fileReader(f)
		loc, err := s.stager.Stage(ctx, id, d.Name, f.FileName, r, size)
		if err != nil {
			return model.ParameterValue{}, err
		}
		return model.ParameterValue{Name: d.Name, Type: model.ParameterTypeFile, FileName: f.FileName, Location: loc}, nil
	})
	if err != nil {
		return nil, err
	}

	rec := &model.MasterBuild{
		ID:                id,
		Project:           cfg.Name,
		State:             model.MasterBuildStatePending,
		Result:            model.ResultNotBuilt,
		SubProjects:       snap.visible,
		HiddenSubProjects: snap.hidden,
		MaxRetries:        snap.maxRetries,
		NotifyOnRebuild:   cfg.NotifyOnRebuild,
		Parameters:        set,
		TriggeredBy:       req.TriggeredBy,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.CreateMasterBuild(ctx, rec); err != nil {
		return nil, fmt.Errorf("create master build: %w", err)
	}

	b := s.newBuild(rec)
	s.mu.Lock()
	s.builds[id] = b
	s.active++
	s.metrics.SetActiveMasterBuilds(s.active)
	s.mu.Unlock()

	b.logger.Info("master build triggered",
		"sub_projects", snap.visible, "hidden_sub_projects", snap.hidden,
		"max_retries", snap.maxRetries, "triggered_by", req.TriggeredBy)

	go func() {
		b.execute()
		s.mu.Lock()
		s.active--
		s.metrics.SetActiveMasterBuilds(s.active)
		s.mu.Unlock()
	}()
	return b, nil
}

// Get returns the master build, loading finished builds from the store.
func (s *Service) Get(ctx context.Context, id string) (*Build, error) {
	s.mu.Lock()
	b, ok := s.builds[id]
	s.mu.Unlock()
	if ok {
		return b, nil
	}
	rec, err := s.store.GetMasterBuild(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: master build %s", ErrNotFound, id)
	}
	return s.adopt(rec), nil
}

// GetByNumber returns a master build by project and number.
func (s *Service) GetByNumber(ctx context.Context, project string, number int) (*Build, error) {
	rec, err := s.store.GetMasterBuildByNumber(ctx, project, number)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s #%d", ErrNotFound, project, number)
	}
	return s.Get(ctx, rec.ID)
}

// adopt keeps a build loaded from the store so rebuilds share one runtime.
// Its orchestration is not resumed.
func (s *Service) adopt(rec *model.MasterBuild) *Build {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.builds[rec.ID]; ok {
		return b
	}
	b := s.newBuild(rec)
	close(b.done)
	s.builds[rec.ID] = b
	return b
}

// List returns persisted master builds, newest first.
func (s *Service) List(ctx context.Context, opts model.ListOptions) ([]*model.MasterBuild, int, error) {
	return s.store.ListMasterBuilds(ctx, opts.Clamp())
}

// Permalinks returns the derived pointers of a master project.
func (s *Service) Permalinks(ctx context.Context, project string) ([]*model.Permalink, error) {
	return s.store.ListPermalinks(ctx, project)
}

// OpenFile returns a staged file parameter of a master build by its original file name.
func (s *Service) OpenFile(ctx context.Context, id, param, fileName string) (io.ReadCloser, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v, ok := params.Lookup(b.Snapshot().Parameters, param, fileName)
	if !ok || s.stager == nil {
		return nil, fmt.Errorf("%w: file %s of parameter %s", ErrNotFound, fileName, param)
	}
	return s.stager.Open(ctx, v.Location)
}

// RenameHostProject follows a host-side project rename in the configuration.
func (s *Service) RenameHostProject(from, to string) int {
	n := s.registry.RenameMember(from, to)
	s.logger.Info("host project renamed", "from", from, "to", to, "master_projects", n)
	return n
}

// RemoveHostProject follows a host-side project deletion in the configuration.
func (s *Service) RemoveHostProject(name string) int {
	n := s.registry.RemoveMember(name)
	s.logger.Info("host project removed", "name", name, "master_projects", n)
	return n
}

// AbandonInterrupted marks persisted builds that were still pending or running
// when the process stopped as cancelled. Their watchers are gone.
func (s *Service) AbandonInterrupted(ctx context.Context) (int, error) {
	var stale []*model.MasterBuild
	opts := model.ListOptions{Limit: 100}
	for {
		page, total, err := s.store.ListMasterBuilds(ctx, opts)
		if err != nil {
			return 0, err
		}
		for _, rec := range page {
			if !rec.State.IsTerminal() {
				stale = append(stale, rec)
			}
		}
		opts.Offset += len(page)
		if len(page) == 0 || opts.Offset >= total {
			break
		}
	}
	for _, rec := range stale {
		s.mu.Lock()
		_, live := s.builds[rec.ID]
		s.mu.Unlock()
		if live {
			continue
		}
		now := time.Now().UTC()
		rec.State = model.MasterBuildStateCancelled
		rec.CompletedAt = &now
		if err := s.save(ctx, rec); err != nil {
			return 0, err
		}
		s.logger.Warn("interrupted master build cancelled", "master_build_id", rec.ID, "project", rec.Project, "number", rec.Number)
	}
	return len(stale), nil
}

// save writes the record, retrying a few times.
func (s *Service) save(ctx context.Context, rec *model.MasterBuild) error {
	var err error
	for i := 0; i < max(s.saveRetries, 1); i++ {
		if err = s.store.UpdateMasterBuild(ctx, rec); err == nil {
			return nil
		}
		s.logger.Warn("save master build", "master_build_id", rec.ID, "try", i+1, "error", err)
	}
	return err
}

// updatePermalinks moves the project's permalinks to rec when its result
// qualifies and it is newer than the current target.
func (s *Service) updatePermalinks(ctx context.Context, rec *model.MasterBuild) {
	var kinds []model.PermalinkKind
	switch rec.Result {
	case model.ResultSuccess:
		kinds = []model.PermalinkKind{model.PermalinkLastSuccessful, model.PermalinkLastStable}
	case model.ResultUnstable:
		kinds = []model.PermalinkKind{model.PermalinkLastSuccessful}
	default:
		return
	}
	current, err := s.store.ListPermalinks(ctx, rec.Project)
	if err != nil {
		s.logger.Warn("list permalinks", "project", rec.Project, "error", err)
		return
	}
	for _, kind := range kinds {
		if newerPermalink(current, kind, rec.Number) {
			continue
		}
		p := &model.Permalink{Project: rec.Project, Kind: kind, MasterBuildID: rec.ID, Number: rec.Number}
		if err := s.store.SetPermalink(ctx, p); err != nil {
			s.logger.Warn("set permalink", "project", rec.Project, "kind", kind, "error", err)
		}
	}
}

func newerPermalink(current []*model.Permalink, kind model.PermalinkKind, number int) bool {
	for _, p := range current {
		if p.Kind == kind && p.Number > number {
			return true
		}
	}
	return false
}

func (s *Service) publish(ctx context.Context, ev notify.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Warn("publish event", "type", ev.Type, "master_build_id", ev.MasterBuildID, "error", err)
	}
}
