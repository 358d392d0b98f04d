package lookup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etsy/jenkins-master-project/internal/testhost"
	"github.com/etsy/jenkins-master-project/pkg/model"
)

func TestFinder_ByCause(t *testing.T) {
	h := testhost.New()
	h.AddProject("a")
	ctx := context.Background()
	f := New(h)

	first := model.NewCause("mb_1")
	h.Schedule(ctx, "a", first, nil)
	h.Schedule(ctx, "a", model.NewCause("mb_2"), nil)

	e, err := f.ByCause(ctx, "a", first)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 1, e.Number)

	miss, err := f.ByCause(ctx, "a", first.Next())
	require.NoError(t, err)
	assert.Nil(t, miss, "a different attempt never matches")
}

func TestFinder_ByNumberAndProject(t *testing.T) {
	h := testhost.New()
	h.AddProject("a")
	ctx := context.Background()
	f := New(h)

	h.Schedule(ctx, "a", model.NewCause("mb_1"), nil)
	e, err := f.ByNumber(ctx, "a", 1)
	require.NoError(t, err)
	require.NotNil(t, e)

	p, err := f.Project(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, p)

	names, _ := f.Projects(ctx)
	assert.Equal(t, []string{"a"}, names)
}
