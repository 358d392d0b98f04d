package cli

import "github.com/etsy/jenkins-master-project/pkg/model"

// projectInfo is the project view returned by the server.
type projectInfo struct {
	Name               string                      `json:"name"`
	Members            []string                    `json:"members"`
	DefaultSubProjects []string                    `json:"default_sub_projects"`
	HiddenSubProjects  []string                    `json:"hidden_sub_projects"`
	MaxRetries         int                         `json:"max_retries"`
	Parameters         []model.ParameterDefinition `json:"parameters"`
	Cron               string                      `json:"cron"`
	Selectable         bool                        `json:"selectable"`
}

func (p projectInfo) parameter(name string) *model.ParameterDefinition {
	for i := range p.Parameters {
		if p.Parameters[i].Name == name {
			return &p.Parameters[i]
		}
	}
	return nil
}

func (p projectInfo) parameterNames() []string {
	names := make([]string, 0, len(p.Parameters))
	for _, d := range p.Parameters {
		names = append(names, d.Name)
	}
	return names
}

// masterBuildInfo is a master build as returned by the server.
type masterBuildInfo struct {
	model.MasterBuild
	CurrentResult model.Result `json:"current_result"`
}
