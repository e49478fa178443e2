package hoist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandSemverTagsFreshRepository(t *testing.T) {
	tags, already, err := ExpandSemverTags("1.2.0", nil)
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, []string{"1", "1.2", "1.2.0", "latest"}, tags)
}

func TestExpandSemverTagsNewMinor(t *testing.T) {
	published := []string{"1", "1.0", "1.0.0", "2", "2.0", "2.0.0", "latest"}

	tags, already, err := ExpandSemverTags("2.1.0", published)
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, []string{"2", "2.1", "2.1.0", "latest"}, tags)
}

func TestExpandSemverTagsBackfillPatch(t *testing.T) {
	published := []string{"1", "1.0", "1.0.0", "2", "2.0", "2.0.0", "latest"}

	// A patch on the older major updates its own range tags but never
	// steals latest.
	tags, already, err := ExpandSemverTags("1.0.1", published)
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, []string{"1", "1.0", "1.0.1"}, tags)
}

func TestExpandSemverTagsOlderPatchGetsOnlyItself(t *testing.T) {
	published := []string{"1", "1.1", "1.1.0", "latest"}

	tags, already, err := ExpandSemverTags("1.0.5", published)
	require.NoError(t, err)
	assert.False(t, already)
	// 1.1.0 already caps the 1.x.x range and latest, so only the
	// exact and the 1.0.x tags move.
	assert.Equal(t, []string{"1.0", "1.0.5"}, tags)
}

func TestExpandSemverTagsExactAlreadyPublished(t *testing.T) {
	tags, already, err := ExpandSemverTags("2.0.0", []string{"2", "2.0", "2.0.0"})
	require.NoError(t, err)
	assert.True(t, already)
	assert.Empty(t, tags)
}

func TestExpandSemverTagsRejectsPartialVersion(t *testing.T) {
	_, _, err := ExpandSemverTags("2.1", nil)
	assert.Error(t, err)
}

func TestExpandSemverTagsContainsVersionExactlyOnce(t *testing.T) {
	tags, _, err := ExpandSemverTags("3.4.5", []string{"3", "3.4", "3.4.4"})
	require.NoError(t, err)
	count := 0
	for _, tag := range tags {
		if tag == "3.4.5" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestSortTagsForDisplay(t *testing.T) {
	tags := []string{"1.0.0", "latest", "2", "1.1.0", "not-a-version", "2.1.3"}
	sortTagsForDisplay(tags)
	assert.Equal(t, []string{"latest", "2.1.3", "2", "1.1.0", "1.0.0", "not-a-version"}, tags)
}
