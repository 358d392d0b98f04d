package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListOptions_Clamp(t *testing.T) {
	tests := []struct {
		name       string
		input      ListOptions
		wantLimit  int
		wantOffset int
	}{
		{"zero limit", ListOptions{}, 20, 0},
		{"negative limit", ListOptions{Limit: -5}, 20, 0},
		{"over max", ListOptions{Limit: 200}, 100, 0},
		{"negative offset", ListOptions{Limit: 10, Offset: -3}, 10, 0},
		{"in range", ListOptions{Limit: 50, Offset: 10, Project: "release"}, 50, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.input.Clamp()
			assert.Equal(t, tt.wantLimit, got.Limit)
			assert.Equal(t, tt.wantOffset, got.Offset)
			assert.Equal(t, tt.input.Project, got.Project)
		})
	}
}

func TestListOptions_Page(t *testing.T) {
	opts := ListOptions{Limit: 10, Offset: 20}
	assert.True(t, opts.Page(31).HasMore)
	assert.False(t, opts.Page(30).HasMore)
	assert.Equal(t, &Pagination{Total: 5, Limit: 10, Offset: 20}, opts.Page(5))
	assert.Equal(t, 20, DefaultListOptions().Limit)
}
