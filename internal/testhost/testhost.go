// Package testhost is an in-process, scripted host.Host. Queued work starts on
// the next observation of the project and finishes once its run duration has
// elapsed, with results taken from a per-project script. With a stager, file
// parameters are fetched into a workspace per execution when it starts.
package testhost

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/etsy/jenkins-master-project/internal/params"
	"github.com/etsy/jenkins-master-project/pkg/model"
)

// ErrUnknownProject is returned when scheduling on a project that was never added.
var ErrUnknownProject = errors.New("unknown project")

// Option configures a project.
type Option func(*project)

// WithResults scripts the results of successive executions. The last result
// repeats; an empty script means SUCCESS.
func WithResults(results ...model.Result) Option {
	return func(p *project) { p.script = results }
}

// WithDuration sets how long each execution runs once started.
func WithDuration(d time.Duration) Option {
	return func(p *project) { p.duration = d }
}

// WithParameters declares the project's parameters.
func WithParameters(defs ...model.ParameterDefinition) Option {
	return func(p *project) { p.def.Parameters = defs }
}

// Held keeps queued items from starting until Release.
func Held() Option {
	return func(p *project) { p.held = true }
}

// Disabled marks the project disabled.
func Disabled() Option {
	return func(p *project) { p.def.Disabled = true }
}

// FailSchedule makes every Schedule call on the project fail.
func FailSchedule(err error) Option {
	return func(p *project) { p.scheduleErr = err }
}

type queued struct {
	item   *model.QueueItem
	params model.ParameterSet
}

type project struct {
	def         model.Project
	script      []model.Result
	duration    time.Duration
	held        bool
	scheduleErr error

	queue     []queued
	execs     []*model.Execution // ascending by number
	started   map[int]time.Time
	files     map[int]map[string]string
	runs      int
	scheduled int
}

// Host is the scripted host.
type Host struct {
	mu        sync.Mutex
	projects  map[string]*project
	nextID    int
	now       func() time.Time
	stager    params.Stager
	workspace string
}

// New returns an empty host.
func New() *Host {
	return &Host{projects: make(map[string]*project), now: time.Now}
}

// AddProject registers (or replaces) a project.
func (h *Host) AddProject(name string, opts ...Option) {
	p := &project{
		def:     model.Project{Name: name, URL: "testhost://" + name + "/"},
		started: make(map[int]time.Time),
		files:   make(map[int]map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.projects[name] = p
}

// UseStager makes starting executions fetch their file parameters from s into
// <dir>/<project>/<number>/ under the original file name.
func (h *Host) UseStager(s params.Stager, dir string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stager = s
	h.workspace = dir
}

// File returns the local path a started execution received a file parameter at.
func (h *Host) File(name string, number int, param string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.projects[name]
	if !ok {
		return "", false
	}
	path, ok := p.files[number][param]
	return path, ok
}

// Release lets a held project's queue start.
func (h *Host) Release(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.projects[name]; ok {
		p.held = false
	}
}

// Scheduled returns how many Schedule calls succeeded for the project.
func (h *Host) Scheduled(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.projects[name]; ok {
		return p.scheduled
	}
	return 0
}

// Started returns how many executions of the project have started.
func (h *Host) Started(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.projects[name]; ok {
		return len(p.execs)
	}
	return 0
}

// Queued returns how many items of the project are waiting to start.
func (h *Host) Queued(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.projects[name]; ok {
		return len(p.queue)
	}
	return 0
}

// Projects returns the project names in order.
func (h *Host) Projects(ctx context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.projects))
	for name := range h.projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Project returns a copy of the project definition.
func (h *Host) Project(ctx context.Context, name string) (*model.Project, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.projects[name]
	if !ok {
		return nil, nil
	}
	def := p.def
	def.Parameters = append([]model.ParameterDefinition(nil), p.def.Parameters...)
	return &def, nil
}

// Schedule queues an item.
func (h *Host) Schedule(ctx context.Context, name string, cause model.Cause, params model.ParameterSet) (*model.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.projects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, name)
	}
	if p.scheduleErr != nil {
		return nil, p.scheduleErr
	}
	h.nextID++
	item := &model.QueueItem{
		ID:       strconv.Itoa(h.nextID),
		Project:  name,
		Cause:    cause,
		QueuedAt: h.now(),
	}
	p.queue = append(p.queue, queued{item: item, params: append(model.ParameterSet(nil), params...)})
	p.scheduled++
	return item, nil
}

// History advances the project and returns its executions, newest first.
func (h *Host) History(ctx context.Context, name string) ([]*model.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.projects[name]
	if !ok {
		return nil, nil
	}
	h.advance(p)
	out := make([]*model.Execution, 0, len(p.execs))
	for i := len(p.execs) - 1; i >= 0; i-- {
		out = append(out, copyExecution(p.execs[i]))
	}
	return out, nil
}

// Execution advances the project and returns one execution.
func (h *Host) Execution(ctx context.Context, name string, number int) (*model.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.projects[name]
	if !ok {
		return nil, nil
	}
	h.advance(p)
	if number < 1 || number > len(p.execs) {
		return nil, nil
	}
	return copyExecution(p.execs[number-1]), nil
}

// Cancel removes a still-queued item.
func (h *Host) Cancel(ctx context.Context, item *model.QueueItem) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.projects[item.Project]
	if !ok {
		return false, nil
	}
	for i, q := range p.queue {
		if q.item.ID == item.ID {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// advance finishes executions whose duration has elapsed, then starts the queue.
// Executions started in this pass are observed running at least once.
func (h *Host) advance(p *project) {
	now := h.now()
	for _, e := range p.execs {
		if !e.Building || now.Sub(p.started[e.Number]) < p.duration {
			continue
		}
		e.Building = false
		e.Result = p.nextResult()
		done := now
		e.CompletedAt = &done
	}
	if p.held {
		return
	}
	for _, q := range p.queue {
		number := len(p.execs) + 1
		started := now
		p.execs = append(p.execs, &model.Execution{
			Project:    p.def.Name,
			Number:     number,
			Causes:     []model.Cause{q.item.Cause},
			Building:   true,
			URL:        fmt.Sprintf("%s%d/", p.def.URL, number),
			Parameters: q.params,
			StartedAt:  &started,
		})
		p.started[number] = now
		h.fetchFiles(p, number, q.params)
	}
	p.queue = nil
}

// fetchFiles materializes the file parameters of a starting execution. A file
// that cannot be fetched is left out.
func (h *Host) fetchFiles(p *project, number int, ps model.ParameterSet) {
	if h.stager == nil {
		return
	}
	dir := filepath.Join(h.workspace, p.def.Name, strconv.Itoa(number))
	for _, v := range ps {
		if !v.IsFile() || v.Location == "" {
			continue
		}
		path, err := params.Fetch(context.Background(), h.stager, v.Location, dir, v.FileName)
		if err != nil {
			continue
		}
		if p.files[number] == nil {
			p.files[number] = make(map[string]string)
		}
		p.files[number][v.Name] = path
	}
}

func (p *project) nextResult() model.Result {
	defer func() { p.runs++ }()
	if len(p.script) == 0 {
		return model.ResultSuccess
	}
	if p.runs < len(p.script) {
		return p.script[p.runs]
	}
	return p.script[len(p.script)-1]
}

func copyExecution(e *model.Execution) *model.Execution {
	c := *e
	c.Causes = append([]model.Cause(nil), e.Causes...)
	c.Parameters = append([]model.ParameterValue(nil), e.Parameters...)
	return &c
}
