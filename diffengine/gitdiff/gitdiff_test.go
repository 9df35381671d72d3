package gitdiff

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeThenApplyRoundTrip(t *testing.T) {
	e := New()
	newText := "line1\nline2\nline3\n"
	oldText := "line1\nCHANGED\nline3\n"

	raw, err := e.Compute(newText, oldText)
	require.NoError(t, err)

	restored, err := e.Apply(newText, raw)
	require.NoError(t, err)
	assert.Equal(t, oldText, restored)
}

func TestComputeOfIdenticalTextsProducesNoHunks(t *testing.T) {
	e := New()
	text := "same\ntext\n"

	raw, err := e.Compute(text, text)
	require.NoError(t, err)

	var p patch
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Empty(t, p.Hunks)

	restored, err := e.Apply(text, raw)
	require.NoError(t, err)
	assert.Equal(t, text, restored)
}

func TestComputeHandlesInsertionsAndDeletions(t *testing.T) {
	e := New()
	newText := "a\nb\nd\n"
	oldText := "a\nb\nc\nd\n"

	raw, err := e.Compute(newText, oldText)
	require.NoError(t, err)

	restored, err := e.Apply(newText, raw)
	require.NoError(t, err)
	assert.Equal(t, oldText, restored)
}

func TestApplyFailsWhenContextHasDriftedExactly(t *testing.T) {
	e := New()
	raw, err := json.Marshal(patch{Hunks: []hunk{
		{NStart: 1, NEnd: 2, NLines: []string{"b"}, OLines: []string{"X"}},
	}})
	require.NoError(t, err)

	// "b" has moved from line index 1 to index 3; an exact (non-fuzzy)
	// apply must fail rather than silently patch the wrong line.
	shifted := "p\nq\na\nb\nc\nd\n"
	_, err = e.Apply(shifted, raw)
	assert.Error(t, err)
}

func TestApplyFuzzyRelocatesDriftedHunk(t *testing.T) {
	e := New()
	raw, err := json.Marshal(patch{Hunks: []hunk{
		{NStart: 1, NEnd: 2, NLines: []string{"b"}, OLines: []string{"X"}},
	}})
	require.NoError(t, err)

	shifted := "p\nq\na\nb\nc\nd\n"
	restored, fuzzy, err := e.ApplyFuzzy(shifted, raw)
	require.NoError(t, err)
	assert.True(t, fuzzy)
	assert.Equal(t, "p\nq\na\nX\nc\nd\n", restored)
}

func TestApplyFuzzyStillFailsWhenHunkTrulyAbsent(t *testing.T) {
	e := New()
	raw, err := json.Marshal(patch{Hunks: []hunk{
		{NStart: 0, NEnd: 1, NLines: []string{"nonexistent-line"}, OLines: []string{"X"}},
	}})
	require.NoError(t, err)

	_, _, err = e.ApplyFuzzy("a\nb\nc\n", raw)
	assert.Error(t, err)
}

func TestApplyFuzzyReportsNotFuzzyWhenPositionUnchanged(t *testing.T) {
	e := New()
	newText := "a\nb\nc\n"
	oldText := "a\nX\nc\n"

	raw, err := e.Compute(newText, oldText)
	require.NoError(t, err)

	restored, fuzzy, err := e.ApplyFuzzy(newText, raw)
	require.NoError(t, err)
	assert.False(t, fuzzy)
	assert.Equal(t, oldText, restored)
}

func TestSimilarityAndLinesEqualHelpers(t *testing.T) {
	lines := []string{"a", "b", "c"}
	assert.True(t, linesEqual(lines, 0, []string{"a", "b"}))
	assert.False(t, linesEqual(lines, 1, []string{"a"}))
	assert.False(t, linesEqual(lines, 2, []string{"c", "d"}))

	assert.Equal(t, 1.0, similarity(lines, 0, []string{"a", "b"}))
	assert.Equal(t, 0.5, similarity(lines, 0, []string{"a", "z"}))
	assert.Equal(t, 1.0, similarity(lines, 0, nil))
}
