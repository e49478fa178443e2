package hoist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeSet builds a single-feature FeatureSet the way the fetcher
// would, with runtime fields attached.
func makeSet(h *Hoist, id string, installsAfter ...string) *FeatureSet {
	feature := &Feature{}
	feature.ID = id
	feature.InstallsAfter = installsAfter
	feature.ConsecutiveID = h.nextConsecutiveID(id)
	return &FeatureSet{
		Features:        []*Feature{feature},
		InternalVersion: "2",
		Source:          SourceInformation{Kind: SourceCached, ID: id, UserFeatureID: id},
	}
}

func orderedIDs(sets []*FeatureSet) []string {
	var ids []string
	for _, set := range sets {
		for _, feature := range set.Features {
			ids = append(ids, feature.ID)
		}
	}
	return ids
}

func TestOrderLexicographicTieBreak(t *testing.T) {
	silenceLogs()
	h := &Hoist{}
	sets := []*FeatureSet{
		makeSet(h, "c"),
		makeSet(h, "a"),
		makeSet(h, "b", "a"),
	}

	ordered, err := OrderFeatureSets(sets, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, orderedIDs(ordered))
}

func TestOrderSoftDependenciesIgnoredWhenUnknown(t *testing.T) {
	silenceLogs()
	h := &Hoist{}
	sets := []*FeatureSet{
		makeSet(h, "beta", "nosuchfeature"),
		makeSet(h, "alpha"),
	}

	ordered, err := OrderFeatureSets(sets, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, orderedIDs(ordered))
}

func TestOrderRegistryQualifiedInstallsAfter(t *testing.T) {
	silenceLogs()
	h := &Hoist{}
	sets := []*FeatureSet{
		makeSet(h, "node", "ghcr.io/devcontainers/features/common-utils:2"),
		makeSet(h, "common-utils"),
	}

	ordered, err := OrderFeatureSets(sets, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"common-utils", "node"}, orderedIDs(ordered))
}

func TestOrderCycleFails(t *testing.T) {
	silenceLogs()
	h := &Hoist{}
	sets := []*FeatureSet{
		makeSet(h, "x", "y"),
		makeSet(h, "y", "x"),
	}

	_, err := OrderFeatureSets(sets, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic")
}

func TestOrderHonorsOverride(t *testing.T) {
	silenceLogs()
	h := &Hoist{}
	sets := []*FeatureSet{
		makeSet(h, "zulu"),
		makeSet(h, "alpha"),
		makeSet(h, "mike"),
	}

	ordered, err := OrderFeatureSets(sets, []string{"zulu", "mike", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, []string{"zulu", "mike", "alpha"}, orderedIDs(ordered))
}

func TestOrderIsDeterministicAcrossInputPermutations(t *testing.T) {
	silenceLogs()
	build := func(ids ...string) []*FeatureSet {
		h := &Hoist{}
		var sets []*FeatureSet
		for _, id := range ids {
			if id == "delta" {
				sets = append(sets, makeSet(h, id, "bravo"))
				continue
			}
			sets = append(sets, makeSet(h, id))
		}
		return sets
	}

	first, err := OrderFeatureSets(build("delta", "alpha", "bravo", "charlie"), nil)
	require.NoError(t, err)
	second, err := OrderFeatureSets(build("charlie", "bravo", "alpha", "delta"), nil)
	require.NoError(t, err)

	assert.Equal(t, orderedIDs(first), orderedIDs(second))
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, orderedIDs(first))
}

func TestOrderMarksFeaturesIncluded(t *testing.T) {
	silenceLogs()
	h := &Hoist{}
	sets := []*FeatureSet{makeSet(h, "solo")}

	ordered, err := OrderFeatureSets(sets, nil)
	require.NoError(t, err)
	assert.True(t, ordered[0].Features[0].Included)
}

func TestBareFeatureID(t *testing.T) {
	cases := map[string]string{
		"node":                               "node",
		"Node:18":                            "node",
		"ghcr.io/devcontainers/features/go":  "go",
		"ghcr.io/devcontainers/features/x:2": "x",
		"https://host.example/devcontainer-feature-foo.tgz": "devcontainer-feature-foo.tgz",
	}
	for input, want := range cases {
		assert.Equal(t, want, bareFeatureID(input), "input %q", input)
	}
}
