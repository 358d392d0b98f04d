package model

import (
	"sort"
	"time"
)

// MasterBuild is the durable record of one master build: the snapshot taken at
// trigger time plus the attempt history of every sub-project.
type MasterBuild struct {
	ID                string             `json:"id"`
	Project           string             `json:"project"`
	Number            int                `json:"number"`
	State             MasterBuildState   `json:"state"`
	Result            Result             `json:"result"`
	SubProjects       []string           `json:"sub_projects"`
	HiddenSubProjects []string           `json:"hidden_sub_projects,omitempty"`
	MaxRetries        int                `json:"max_retries"`
	NotifyOnRebuild   bool               `json:"notify_on_rebuild,omitempty"`
	Parameters        ParameterSet       `json:"parameters,omitempty"`
	TriggeredBy       string             `json:"triggered_by,omitempty"`
	Records           []SubProjectRecord `json:"records,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	CompletedAt       *time.Time         `json:"completed_at"`
}

// SubProjectRecord is the attempt history of one sub-project within a master build.
// BuildNumbers is ascending and append-only.
type SubProjectRecord struct {
	Project      string `json:"project"`
	BuildNumbers []int  `json:"build_numbers"`
}

// Latest returns the newest attempt's build number.
func (r SubProjectRecord) Latest() (int, bool) {
	if len(r.BuildNumbers) == 0 {
		return 0, false
	}
	return r.BuildNumbers[len(r.BuildNumbers)-1], true
}

// Add inserts n keeping the numbers ascending and unique. It reports whether n was new.
func (r *SubProjectRecord) Add(n int) bool {
	i := sort.SearchInts(r.BuildNumbers, n)
	if i < len(r.BuildNumbers) && r.BuildNumbers[i] == n {
		return false
	}
	r.BuildNumbers = append(r.BuildNumbers, 0)
	copy(r.BuildNumbers[i+1:], r.BuildNumbers[i:])
	r.BuildNumbers[i] = n
	return true
}

// Contains reports whether name is one of the master build's sub-projects,
// visible or hidden.
func (m *MasterBuild) Contains(name string) bool {
	for _, p := range m.SubProjects {
		if p == name {
			return true
		}
	}
	for _, p := range m.HiddenSubProjects {
		if p == name {
			return true
		}
	}
	return false
}
