package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/go-buildkite/v3/buildkite"

	"github.com/etsy/jenkins-master-project/pkg/model"
)

// Meta-data keys carrying the cause on a Buildkite build.
const (
	MetaMasterBuildID = "master-build-id"
	MetaAttempt       = "master-attempt"
)

// historyPageSize bounds how far back History looks.
const historyPageSize = 100

// Buildkite is a Host backed by the Buildkite REST API. Projects are pipelines
// addressed by slug; a pipeline's environment variables are its declared
// parameters.
type Buildkite struct {
	client  *buildkite.Client
	org     string
	fileURL string
	logger  *slog.Logger
}

// NewBuildkite creates a Buildkite host for the organization using an API token.
func NewBuildkite(org, token string, logger *slog.Logger) (*Buildkite, error) {
	cfg, err := buildkite.NewTokenConfig(token, false)
	if err != nil {
		return nil, fmt.Errorf("buildkite token: %w", err)
	}
	return NewBuildkiteWithClient(buildkite.NewClient(cfg.Client()), org, logger), nil
}

// NewBuildkiteWithClient wraps an existing API client.
func NewBuildkiteWithClient(client *buildkite.Client, org string, logger *slog.Logger) *Buildkite {
	return &Buildkite{
		client: client,
		org:    org,
		logger: logger.With("component", "buildkite-host"),
	}
}

// WithFileBaseURL makes file parameters reach builds as download URLs below
// base, the public address of this server. Without it builds get the staged
// location.
func (b *Buildkite) WithFileBaseURL(base string) *Buildkite {
	b.fileURL = strings.TrimRight(base, "/")
	return b
}

// fileLocation is where a build downloads a file parameter from.
func (b *Buildkite) fileLocation(cause model.Cause, p model.ParameterValue) string {
	if b.fileURL == "" {
		return p.Location
	}
	return fmt.Sprintf("%s/api/v1/masterbuilds/%s/files/%s/%s", b.fileURL,
		url.PathEscape(cause.MasterBuildID), url.PathEscape(p.Name), url.PathEscape(p.FileName))
}

// Projects lists every pipeline slug of the organization.
func (b *Buildkite) Projects(ctx context.Context) ([]string, error) {
	var names []string
	opt := &buildkite.PipelineListOptions{ListOptions: buildkite.ListOptions{PerPage: 100}}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pipelines, resp, err := b.client.Pipelines.List(b.org, opt)
		if err != nil {
			return nil, fmt.Errorf("list pipelines: %w", err)
		}
		for _, p := range pipelines {
			if p.Slug != nil {
				names = append(names, *p.Slug)
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	sort.Strings(names)
	return names, nil
}

// Project returns the pipeline, with its environment variables as string
// parameters defaulting to their pipeline value.
func (b *Buildkite) Project(ctx context.Context, name string) (*model.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, _, err := b.client.Pipelines.Get(b.org, name)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", name, err)
	}

	proj := &model.Project{Name: name, URL: deref(p.WebURL)}
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		proj.Parameters = append(proj.Parameters, model.ParameterDefinition{
			Name:    k,
			Type:    model.ParameterTypeString,
			Default: fmt.Sprint(p.Env[k]),
		})
	}
	return proj, nil
}

// Schedule creates a build carrying the cause in its meta-data. File parameters
// pass where to download them, and their original name as NAME_FILENAME.
func (b *Buildkite) Schedule(ctx context.Context, project string, cause model.Cause, params model.ParameterSet) (*model.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env := make(map[string]string, len(params))
	for _, p := range params {
		if p.IsFile() {
			env[p.Name] = b.fileLocation(cause, p)
			env[p.Name+"_FILENAME"] = p.FileName
			continue
		}
		env[p.Name] = p.Value
	}

	build, _, err := b.client.Builds.Create(b.org, project, &buildkite.CreateBuild{
		Commit:  "HEAD",
		Message: fmt.Sprintf("Triggered by %s", cause),
		Env:     env,
		MetaData: map[string]string{
			MetaMasterBuildID: cause.MasterBuildID,
			MetaAttempt:       strconv.Itoa(cause.Attempt),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create build on %s: %w", project, err)
	}
	if build.Number == nil {
		return nil, fmt.Errorf("create build on %s: response has no build number", project)
	}
	b.logger.Debug("build created", "project", project, "build_number", *build.Number, "master_build_id", cause.MasterBuildID, "attempt", cause.Attempt)

	return &model.QueueItem{
		ID:       strconv.Itoa(*build.Number),
		Project:  project,
		Cause:    cause,
		QueuedAt: time.Now().UTC(),
	}, nil
}

// History returns the most recent page of builds that have started.
func (b *Buildkite) History(ctx context.Context, project string) ([]*model.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	builds, _, err := b.client.Builds.ListByPipeline(b.org, project, &buildkite.BuildsListOptions{
		ListOptions: buildkite.ListOptions{PerPage: historyPageSize},
	})
	if err != nil {
		return nil, fmt.Errorf("list builds of %s: %w", project, err)
	}
	execs := make([]*model.Execution, 0, len(builds))
	for i := range builds {
		if e := toExecution(project, &builds[i]); e != nil {
			execs = append(execs, e)
		}
	}
	sort.SliceStable(execs, func(i, j int) bool { return execs[i].Number > execs[j].Number })
	return execs, nil
}

// Execution returns one started build.
func (b *Buildkite) Execution(ctx context.Context, project string, number int) (*model.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	build, _, err := b.client.Builds.Get(b.org, project, strconv.Itoa(number), nil)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get build %s#%d: %w", project, number, err)
	}
	return toExecution(project, build), nil
}

// Cancel cancels the build only while it is still waiting for an agent.
func (b *Buildkite) Cancel(ctx context.Context, item *model.QueueItem) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	build, _, err := b.client.Builds.Get(b.org, item.Project, item.ID, nil)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get build %s#%s: %w", item.Project, item.ID, err)
	}
	if !isQueued(deref(build.State)) {
		return false, nil
	}
	if _, err := b.client.Builds.Cancel(b.org, item.Project, item.ID); err != nil {
		return false, fmt.Errorf("cancel build %s#%s: %w", item.Project, item.ID, err)
	}
	return true, nil
}

// toExecution converts a build. Builds that never started are queue entries,
// not executions, and yield nil.
func toExecution(project string, build *buildkite.Build) *model.Execution {
	if build == nil || build.Number == nil {
		return nil
	}
	state := deref(build.State)
	if isQueued(state) || (build.StartedAt == nil && !isRunning(state)) {
		return nil
	}
	e := &model.Execution{
		Project:  project,
		Number:   *build.Number,
		URL:      deref(build.WebURL),
		Building: isRunning(state),
	}
	if !e.Building {
		e.Result = resultOf(state)
	}
	if c, ok := causeOf(build.MetaData); ok {
		e.Causes = []model.Cause{c}
	}
	for k, v := range build.Env {
		e.Parameters = append(e.Parameters, model.ParameterValue{Name: k, Type: model.ParameterTypeString, Value: fmt.Sprint(v)})
	}
	sort.Slice(e.Parameters, func(i, j int) bool { return e.Parameters[i].Name < e.Parameters[j].Name })
	if build.StartedAt != nil {
		t := build.StartedAt.Time
		e.StartedAt = &t
	}
	if build.FinishedAt != nil {
		t := build.FinishedAt.Time
		e.CompletedAt = &t
	}
	return e
}

func causeOf(m map[string]string) (model.Cause, bool) {
	id := m[MetaMasterBuildID]
	if id == "" {
		return model.Cause{}, false
	}
	attempt, _ := strconv.Atoi(m[MetaAttempt])
	return model.Cause{MasterBuildID: id, Attempt: attempt}, true
}

func isQueued(state string) bool {
	switch state {
	case "scheduled", "creating":
		return true
	}
	return false
}

func isRunning(state string) bool {
	switch state {
	case "running", "failing", "canceling", "blocked":
		return true
	}
	return false
}

// resultOf maps a finished build state to a result.
func resultOf(state string) model.Result {
	switch state {
	case "passed":
		return model.ResultSuccess
	case "soft_failed", "soft-failed":
		return model.ResultUnstable
	case "failed":
		return model.ResultFailure
	case "canceled":
		return model.ResultAborted
	case "skipped", "not_run":
		return model.ResultNotBuilt
	}
	return model.ResultFailure
}

func isNotFound(err error) bool {
	var apiErr *buildkite.ErrorResponse
	return errors.As(err, &apiErr) && apiErr.Response != nil && apiErr.Response.StatusCode == http.StatusNotFound
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
