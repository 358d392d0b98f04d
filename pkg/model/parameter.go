package model

// ParameterType identifies how a parameter value is interpreted.
type ParameterType string

const (
	ParameterTypeString   ParameterType = "string"
	ParameterTypeText     ParameterType = "text"
	ParameterTypeBoolean  ParameterType = "boolean"
	ParameterTypeChoice   ParameterType = "choice"
	ParameterTypePassword ParameterType = "password"
	ParameterTypeFile     ParameterType = "file"
)

// ParameterDefinition declares a parameter a project accepts.
type ParameterDefinition struct {
	Name        string        `json:"name" yaml:"name"`
	Type        ParameterType `json:"type" yaml:"type"`
	Default     string        `json:"default,omitempty" yaml:"default,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Choices     []string      `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// CreateValue builds a value for this definition from its string form.
func (d ParameterDefinition) CreateValue(v string) ParameterValue {
	t := d.Type
	if t == "" {
		t = ParameterTypeString
	}
	return ParameterValue{Name: d.Name, Type: t, Value: v}
}

// DefaultValue returns the definition's default as a value.
func (d ParameterDefinition) DefaultValue() ParameterValue {
	return d.CreateValue(d.Default)
}

// ParameterValue is a concrete parameter passed to a build.
//
// File values carry the original file name and the staging location of the file
// contents instead of an inline value.
type ParameterValue struct {
	Name     string        `json:"name"`
	Type     ParameterType `json:"type"`
	Value    string        `json:"value,omitempty"`
	FileName string        `json:"file_name,omitempty"`
	Location string        `json:"location,omitempty"`
}

// IsFile reports whether the value is file-valued.
func (v ParameterValue) IsFile() bool {
	return v.Type == ParameterTypeFile
}

// ParameterSet is an ordered list of parameter values.
type ParameterSet []ParameterValue

// Get returns the value with the given name.
func (s ParameterSet) Get(name string) (ParameterValue, bool) {
	for _, v := range s {
		if v.Name == name {
			return v, true
		}
	}
	return ParameterValue{}, false
}

// Names returns the parameter names in order.
func (s ParameterSet) Names() []string {
	names := make([]string, 0, len(s))
	for _, v := range s {
		names = append(names, v.Name)
	}
	return names
}
