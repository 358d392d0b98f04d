package master

import "errors"

var (
	// ErrNotFound is returned for an unknown master project or master build.
	ErrNotFound = errors.New("not found")
	// ErrUnknownProject is returned when a sub-project does not exist in the host.
	ErrUnknownProject = errors.New("unknown project")
	// ErrNotMember is returned when a sub-project is not part of the master project or build.
	ErrNotMember = errors.New("not a sub-project")
	// ErrStopped is returned when rebuilding a sub-project of a stopped master build.
	ErrStopped = errors.New("master build stopped")
	// ErrSelectionNotSupported is returned when a trigger selects sub-projects of a
	// master project that does not allow selection.
	ErrSelectionNotSupported = errors.New("sub-project selection not supported")
	// ErrNotParameterized is returned when parameters are given to a master
	// project that declares none.
	ErrNotParameterized = errors.New("project is not parameterized")
	// ErrInvalidParameter is returned for undeclared or ill-typed parameter values.
	ErrInvalidParameter = errors.New("invalid parameter")
)
