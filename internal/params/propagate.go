// Package params carries master build parameters to sub-projects and stages
// file-valued parameters where sub-builds can fetch them.
package params

import (
	"github.com/etsy/jenkins-master-project/pkg/model"
)

// Propagate returns the master parameters the sub-project declares, matched by
// name, with their value and type untouched. Undeclared names are dropped.
// File values keep the staged location, so every attempt of a sub-project sees
// the same file.
func Propagate(master model.ParameterSet, sub *model.Project) model.ParameterSet {
	if sub == nil || !sub.IsParameterized() {
		return nil
	}
	var out model.ParameterSet
	for _, v := range master {
		if sub.Parameter(v.Name) == nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Lookup finds a file parameter by name whose original file name is exactly fileName.
func Lookup(set model.ParameterSet, name, fileName string) (model.ParameterValue, bool) {
	v, ok := set.Get(name)
	if !ok || !v.IsFile() || v.FileName != fileName {
		return model.ParameterValue{}, false
	}
	return v, true
}
