package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult_Combine(t *testing.T) {
	tests := []struct {
		a, b Result
		want Result
	}{
		{ResultSuccess, ResultSuccess, ResultSuccess},
		{ResultSuccess, ResultUnstable, ResultUnstable},
		{ResultUnstable, ResultFailure, ResultFailure},
		{ResultFailure, ResultAborted, ResultAborted},
		{ResultAborted, ResultSuccess, ResultAborted},
		{ResultNotBuilt, ResultSuccess, ResultSuccess},
		{ResultFailure, ResultNotBuilt, ResultFailure},
		{ResultNotBuilt, ResultNotBuilt, ResultNotBuilt},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.a.Combine(tt.b), "%s.Combine(%s)", tt.a, tt.b)
		assert.Equal(t, tt.want, tt.b.Combine(tt.a), "%s.Combine(%s)", tt.b, tt.a)
	}
}

func TestResult_IsWorseThan(t *testing.T) {
	assert.True(t, ResultFailure.IsWorseThan(ResultUnstable))
	assert.True(t, ResultAborted.IsWorseThan(ResultUnstable))
	assert.False(t, ResultUnstable.IsWorseThan(ResultUnstable))
	assert.False(t, ResultSuccess.IsWorseThan(ResultUnstable))
	assert.False(t, ResultNotBuilt.IsWorseThan(ResultUnstable))
	assert.True(t, ResultSuccess.IsBetterThan(ResultFailure))
}

func TestResult_Ordinal(t *testing.T) {
	assert.Equal(t, 0, ResultSuccess.Ordinal())
	assert.Equal(t, 2, ResultFailure.Ordinal())
	assert.Equal(t, 4, ResultAborted.Ordinal())
	assert.Equal(t, 2, Result("BOGUS").Ordinal())
}

func TestParseResult(t *testing.T) {
	r, err := ParseResult(" unstable ")
	require.NoError(t, err)
	assert.Equal(t, ResultUnstable, r)

	_, err = ParseResult("green")
	assert.Error(t, err)
}

func TestMasterBuildState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    MasterBuildState
		terminal bool
	}{
		{MasterBuildStatePending, false},
		{MasterBuildStateRunning, false},
		{MasterBuildStateCompleted, true},
		{MasterBuildStateCancelled, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.state.IsTerminal(), "state %s", tt.state)
	}
}

func TestMasterBuildState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  MasterBuildState
		to    MasterBuildState
		valid bool
	}{
		{MasterBuildStatePending, MasterBuildStateRunning, true},
		{MasterBuildStatePending, MasterBuildStateCancelled, true},
		{MasterBuildStateRunning, MasterBuildStateCompleted, true},
		{MasterBuildStateRunning, MasterBuildStateCancelled, true},

		{MasterBuildStatePending, MasterBuildStateCompleted, false},
		{MasterBuildStateCompleted, MasterBuildStateRunning, false},
		{MasterBuildStateCancelled, MasterBuildStateRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}
