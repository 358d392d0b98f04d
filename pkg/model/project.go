package model

// Project is a schedulable unit of work in the host system.
type Project struct {
	Name       string                `json:"name"`
	Disabled   bool                  `json:"disabled"`
	URL        string                `json:"url,omitempty"`
	Parameters []ParameterDefinition `json:"parameters,omitempty"`
}

// Parameter returns the declared parameter with the given name, or nil.
func (p *Project) Parameter(name string) *ParameterDefinition {
	for i := range p.Parameters {
		if p.Parameters[i].Name == name {
			return &p.Parameters[i]
		}
	}
	return nil
}

// IsParameterized reports whether the project declares any parameters.
func (p *Project) IsParameterized() bool {
	return len(p.Parameters) > 0
}

// PermalinkKind names a derived "latest" pointer of a master project.
type PermalinkKind string

const (
	// PermalinkLastSuccessful points at the latest master build whose result is
	// UNSTABLE or better.
	PermalinkLastSuccessful PermalinkKind = "last_successful"
	// PermalinkLastStable points at the latest master build whose result is SUCCESS.
	PermalinkLastStable PermalinkKind = "last_stable"
)

// Permalink is a derived pointer from a master project to one of its builds.
type Permalink struct {
	Project       string        `json:"project"`
	Kind          PermalinkKind `json:"kind"`
	MasterBuildID string        `json:"master_build_id"`
	Number        int           `json:"number"`
}
