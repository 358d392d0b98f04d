package master

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/etsy/jenkins-master-project/internal/config"
	"github.com/etsy/jenkins-master-project/pkg/model"
)

// TriggerRequest describes one trigger of a master project.
type TriggerRequest struct {
	// SubProjects selects a subset of the members. Empty means the default set.
	SubProjects []string
	// Exclude prunes names from the selected set.
	Exclude []string
	// MaxRetries overrides the project's configured retry budget.
	MaxRetries *int
	// Parameters holds string-form values keyed by parameter name.
	Parameters  map[string]string
	Files       []FileParameter
	TriggeredBy string
}

// FileParameter is the content of a file-valued parameter.
type FileParameter struct {
	Name     string
	FileName string
	Content  []byte
}

// snapshot is the immutable selection a master build is created with.
type snapshot struct {
	visible    []string
	hidden     []string
	maxRetries int
}

// selectSubProjects resolves the visible and hidden sets of a trigger against
// the project's members.
func selectSubProjects(cfg config.ProjectConfig, members []string, req TriggerRequest) (snapshot, error) {
	var visible []string
	switch {
	case len(req.SubProjects) > 0:
		if !cfg.Selectable {
			return snapshot{}, fmt.Errorf("%w: %s", ErrSelectionNotSupported, cfg.Name)
		}
		for _, name := range req.SubProjects {
			if !slices.Contains(members, name) {
				return snapshot{}, fmt.Errorf("%w: %s is not a member of %s", ErrNotMember, name, cfg.Name)
			}
			if !slices.Contains(visible, name) {
				visible = append(visible, name)
			}
		}
	case len(cfg.DefaultSubProjects) > 0:
		for _, name := range cfg.DefaultSubProjects {
			if slices.Contains(members, name) {
				visible = append(visible, name)
			}
		}
	default:
		visible = slices.Clone(members)
	}
	visible = slices.DeleteFunc(visible, func(n string) bool { return slices.Contains(req.Exclude, n) })

	var hidden []string
	for _, name := range cfg.HiddenSubProjects {
		if !slices.Contains(visible, name) && !slices.Contains(hidden, name) {
			hidden = append(hidden, name)
		}
	}

	retries := cfg.MaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return snapshot{}, fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidParameter)
		}
		retries = *req.MaxRetries
	}
	return snapshot{visible: visible, hidden: hidden, maxRetries: retries}, nil
}

// resolveParameters builds the master parameter set: given values for declared
// parameters and defaults for the rest. File contents are staged by stage.
func resolveParameters(ctx context.Context, cfg config.ProjectConfig, req TriggerRequest,
	stage func(ctx context.Context, def model.ParameterDefinition, f FileParameter) (model.ParameterValue, error),
) (model.ParameterSet, error) {
	if len(cfg.Parameters) == 0 {
		if len(req.Parameters) > 0 || len(req.Files) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotParameterized, cfg.Name)
		}
		return nil, nil
	}
	declared := make(map[string]model.ParameterDefinition, len(cfg.Parameters))
	for _, d := range cfg.Parameters {
		declared[d.Name] = d
	}
	for name := range req.Parameters {
		d, ok := declared[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not declared by %s", ErrInvalidParameter, name, cfg.Name)
		}
		if d.Type == model.ParameterTypeFile {
			return nil, fmt.Errorf("%w: %s is a file parameter", ErrInvalidParameter, name)
		}
	}
	files := make(map[string]FileParameter, len(req.Files))
	for _, f := range req.Files {
		d, ok := declared[f.Name]
		if !ok || d.Type != model.ParameterTypeFile {
			return nil, fmt.Errorf("%w: %s is not a declared file parameter", ErrInvalidParameter, f.Name)
		}
		if f.FileName == "" {
			return nil, fmt.Errorf("%w: %s needs a file name", ErrInvalidParameter, f.Name)
		}
		files[f.Name] = f
	}

	set := make(model.ParameterSet, 0, len(cfg.Parameters))
	for _, d := range cfg.Parameters {
		if d.Type == model.ParameterTypeFile {
			f, ok := files[d.Name]
			if !ok {
				continue
			}
			v, err := stage(ctx, d, f)
			if err != nil {
				return nil, fmt.Errorf("stage %s: %w", d.Name, err)
			}
			set = append(set, v)
			continue
		}
		raw, ok := req.Parameters[d.Name]
		if !ok {
			set = append(set, d.DefaultValue())
			continue
		}
		if err := checkValue(d, raw); err != nil {
			return nil, err
		}
		set = append(set, d.CreateValue(raw))
	}
	return set, nil
}

func checkValue(d model.ParameterDefinition, raw string) error {
	switch d.Type {
	case model.ParameterTypeBoolean:
		if _, err := strconv.ParseBool(raw); err != nil {
			return fmt.Errorf("%w: %s wants a boolean, got %q", ErrInvalidParameter, d.Name, raw)
		}
	case model.ParameterTypeChoice:
		if len(d.Choices) > 0 && !slices.Contains(d.Choices, raw) {
			return fmt.Errorf("%w: %s must be one of %v", ErrInvalidParameter, d.Name, d.Choices)
		}
	}
	return nil
}

func fileReader(f FileParameter) (*bytes.Reader, int64) {
	return bytes.NewReader(f.Content), int64(len(f.Content))
}
