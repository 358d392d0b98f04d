package config

import (
	"fmt"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/etsy/jenkins-master-project/pkg/model"
)

// ProjectsConfig is the on-disk list of master projects.
type ProjectsConfig struct {
	Projects []ProjectConfig `yaml:"projects"`
}

// ProjectConfig declares one master project.
type ProjectConfig struct {
	Name string `yaml:"name"`
	// SubProjects are explicit member names.
	SubProjects []string `yaml:"sub_projects"`
	// Include is a regular expression; host projects whose name matches join the members.
	Include string `yaml:"include,omitempty"`
	// DefaultSubProjects is the selection used when a trigger names none.
	DefaultSubProjects []string `yaml:"default_sub_projects,omitempty"`
	// HiddenSubProjects are scheduled with every build but never gate completion.
	HiddenSubProjects []string                    `yaml:"hidden_sub_projects,omitempty"`
	MaxRetries        int                         `yaml:"max_retries,omitempty"`
	Parameters        []model.ParameterDefinition `yaml:"parameters,omitempty"`
	Cron              string                      `yaml:"cron,omitempty"`
	NotifyOnRebuild   bool                        `yaml:"notify_on_rebuild,omitempty"`
	// Selectable allows triggers to pick a subset of the members.
	Selectable bool `yaml:"selectable,omitempty"`

	include *regexp.Regexp
}

// LoadProjects reads and validates a projects file.
func LoadProjects(path string) (*ProjectsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read projects file: %w", err)
	}
	return ParseProjects(data)
}

// ParseProjects decodes and validates projects YAML.
func ParseProjects(data []byte) (*ProjectsConfig, error) {
	var cfg ProjectsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse projects file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the projects and compiles their include patterns.
func (c *ProjectsConfig) Validate() error {
	seen := make(map[string]bool, len(c.Projects))
	for i := range c.Projects {
		p := &c.Projects[i]
		if p.Name == "" {
			return fmt.Errorf("project %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("project %q: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if p.MaxRetries < 0 {
			return fmt.Errorf("project %q: max_retries must not be negative", p.Name)
		}
		if p.Include != "" {
			re, err := regexp.Compile(p.Include)
			if err != nil {
				return fmt.Errorf("project %q: include: %w", p.Name, err)
			}
			p.include = re
		}
		if p.Cron != "" && len(p.SubProjects) == 0 && p.Include == "" {
			return fmt.Errorf("project %q: cron requires sub-projects", p.Name)
		}
		for _, d := range p.DefaultSubProjects {
			if !slices.Contains(p.SubProjects, d) && p.include == nil {
				return fmt.Errorf("project %q: default sub-project %q is not a member", p.Name, d)
			}
		}
	}
	return nil
}

// Members resolves the member set against the host's project names: the explicit
// sub-projects followed by every host project matching Include.
func (p *ProjectConfig) Members(hostProjects []string) []string {
	members := slices.Clone(p.SubProjects)
	if p.include == nil && p.Include != "" {
		p.include, _ = regexp.Compile(p.Include)
	}
	if p.include == nil {
		return members
	}
	for _, name := range hostProjects {
		if name == p.Name || slices.Contains(members, name) {
			continue
		}
		if p.include.MatchString(name) {
			members = append(members, name)
		}
	}
	return members
}

// Clone returns a deep copy of p.
func (p ProjectConfig) Clone() ProjectConfig {
	p.SubProjects = slices.Clone(p.SubProjects)
	p.DefaultSubProjects = slices.Clone(p.DefaultSubProjects)
	p.HiddenSubProjects = slices.Clone(p.HiddenSubProjects)
	p.Parameters = slices.Clone(p.Parameters)
	return p
}
