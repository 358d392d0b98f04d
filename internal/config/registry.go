package config

import (
	"slices"
	"sort"
	"sync"
)

// Registry holds the current master project configuration. It hands out copies,
// so replacing or editing the configuration never reaches a snapshot already taken.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]ProjectConfig
	onChange []func()
}

// NewRegistry returns a registry seeded with cfg, which may be nil.
func NewRegistry(cfg *ProjectsConfig) *Registry {
	r := &Registry{projects: make(map[string]ProjectConfig)}
	if cfg != nil {
		r.Replace(cfg)
	}
	return r
}

// OnChange registers fn to run after every Replace.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Replace swaps the whole configuration.
func (r *Registry) Replace(cfg *ProjectsConfig) {
	next := make(map[string]ProjectConfig, len(cfg.Projects))
	for _, p := range cfg.Projects {
		next[p.Name] = p.Clone()
	}
	r.mu.Lock()
	r.projects = next
	hooks := slices.Clone(r.onChange)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// Get returns a copy of the named project.
func (r *Registry) Get(name string) (ProjectConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[name]
	if !ok {
		return ProjectConfig{}, false
	}
	return p.Clone(), true
}

// List returns copies of all projects sorted by name.
func (r *Registry) List() []ProjectConfig {
	r.mu.RLock()
	out := make([]ProjectConfig, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RenameMember follows a host project rename in every master project's member,
// default and hidden lists.
func (r *Registry) RenameMember(oldName, newName string) int {
	return r.editMembers(func(names []string) []string {
		for i, n := range names {
			if n == oldName {
				names[i] = newName
			}
		}
		return names
	}, oldName)
}

// RemoveMember drops a deleted host project from every master project.
func (r *Registry) RemoveMember(name string) int {
	return r.editMembers(func(names []string) []string {
		return slices.DeleteFunc(names, func(n string) bool { return n == name })
	}, name)
}

// editMembers applies edit to the lists of projects referencing name and returns
// how many projects changed.
func (r *Registry) editMembers(edit func([]string) []string, name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := 0
	for key, p := range r.projects {
		if !slices.Contains(p.SubProjects, name) &&
			!slices.Contains(p.DefaultSubProjects, name) &&
			!slices.Contains(p.HiddenSubProjects, name) {
			continue
		}
		p = p.Clone()
		p.SubProjects = edit(p.SubProjects)
		p.DefaultSubProjects = edit(p.DefaultSubProjects)
		p.HiddenSubProjects = edit(p.HiddenSubProjects)
		r.projects[key] = p
		changed++
	}
	return changed
}
