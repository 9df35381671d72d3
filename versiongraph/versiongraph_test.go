package versiongraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/model"
)

func linearHistory() []model.Version {
	return []model.Version{
		{ID: "v1"},
		{ID: "v2", ParentID: "v1"},
		{ID: "v3", ParentID: "v2"},
	}
}

func TestBuildSucceedsOnLinearHistory(t *testing.T) {
	g, err := Build(linearHistory())
	require.NoError(t, err)
	assert.Equal(t, "v1", g.Root())
	assert.Equal(t, []string{"v2"}, g.Children("v1"))
}

func TestBuildEmptyHistory(t *testing.T) {
	g, err := Build(nil)
	require.NoError(t, err)
	assert.Equal(t, "", g.Root())
}

func TestBuildRejectsDuplicateID(t *testing.T) {
	versions := []model.Version{{ID: "v1"}, {ID: "v1", ParentID: ""}}
	_, err := Build(versions)
	assert.True(t, errs.KindIs(err, errs.BrokenChain))
}

func TestBuildRejectsUnresolvedParent(t *testing.T) {
	versions := []model.Version{{ID: "v1"}, {ID: "v2", ParentID: "ghost"}}
	_, err := Build(versions)
	assert.True(t, errs.KindIs(err, errs.BrokenChain))
}

func TestBuildRejectsMultipleRoots(t *testing.T) {
	versions := []model.Version{{ID: "v1"}, {ID: "v2"}}
	_, err := Build(versions)
	assert.True(t, errs.KindIs(err, errs.BrokenChain))
}

func TestBuildRejectsCycle(t *testing.T) {
	// v1 -> v2 -> v1 forms a cycle; neither has an empty ParentID, so Build
	// rejects it at the root-count check before cycle detection runs.
	versions := []model.Version{
		{ID: "v1", ParentID: "v2"},
		{ID: "v2", ParentID: "v1"},
	}
	_, err := Build(versions)
	assert.True(t, errs.KindIs(err, errs.BrokenChain))
}

func TestGetReturnsVersionByID(t *testing.T) {
	g, err := Build(linearHistory())
	require.NoError(t, err)

	v, ok := g.Get("v2")
	require.True(t, ok)
	assert.Equal(t, "v2", v.ID)

	_, ok = g.Get("missing")
	assert.False(t, ok)
}

func TestAncestorsReturnsNewestToOldestChain(t *testing.T) {
	g, err := Build(linearHistory())
	require.NoError(t, err)

	chain, err := g.Ancestors("v3")
	require.NoError(t, err)
	assert.Equal(t, []string{"v3", "v2", "v1"}, chain)
}

func TestAncestorsRejectsUnknownVersion(t *testing.T) {
	g, err := Build(linearHistory())
	require.NoError(t, err)

	_, err = g.Ancestors("ghost")
	assert.True(t, errs.KindIs(err, errs.NotFound))
}

func TestIsAncestor(t *testing.T) {
	g, err := Build(linearHistory())
	require.NoError(t, err)

	ok, err := g.IsAncestor("v1", "v3")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.IsAncestor("v3", "v1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.IsAncestor("v2", "v2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPathReturnsStepsFromNewToOld(t *testing.T) {
	g, err := Build(linearHistory())
	require.NoError(t, err)

	path, err := g.Path("v3", "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"v3", "v2", "v1"}, path)
}

func TestPathReturnsUnreachableVersionWhenNotAncestor(t *testing.T) {
	g, err := Build(linearHistory())
	require.NoError(t, err)

	_, err = g.Path("v1", "v3")
	assert.True(t, errs.KindIs(err, errs.UnreachableVersion))
}

func TestLCAFindsCommonAncestorOnLinearChain(t *testing.T) {
	g, err := Build(linearHistory())
	require.NoError(t, err)

	lca, err := g.LCA("v3", "v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", lca)
}

func TestLCAErrorsWhenEitherVersionUnknown(t *testing.T) {
	g, err := Build(linearHistory())
	require.NoError(t, err)

	_, err = g.LCA("v3", "ghost")
	assert.Error(t, err)
}
