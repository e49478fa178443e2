package hoist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlsantos/davit/writ"
)

func strValue(v string) writ.FeatureValue {
	return writ.FeatureValue{String: &v}
}

func TestRewriteDeprecatedAliasPlain(t *testing.T) {
	silenceLogs()
	rewritten := RewriteDeprecatedAliases(writ.FeatureMap{
		"node": {"version": strValue("18")},
	}, nil)

	require.Contains(t, rewritten, "ghcr.io/devcontainers/features/node:1")
	assert.NotContains(t, rewritten, "node")
	assert.Equal(t, "18", rewritten["ghcr.io/devcontainers/features/node:1"]["version"].Text())
}

func TestRewriteDeprecatedAliasSynonyms(t *testing.T) {
	silenceLogs()
	rewritten := RewriteDeprecatedAliases(writ.FeatureMap{
		"golang": {},
		"common": {},
	}, nil)

	assert.Contains(t, rewritten, "ghcr.io/devcontainers/features/go:1")
	assert.Contains(t, rewritten, "ghcr.io/devcontainers/features/common-utils:1")
	assert.Len(t, rewritten, 2)
}

func TestRewriteGradleFoldsIntoDeclaredJava(t *testing.T) {
	silenceLogs()
	rewritten := RewriteDeprecatedAliases(writ.FeatureMap{
		"gradle": {},
		"java":   {"version": strValue("17")},
	}, nil)

	// gradle disappears as its own feature; java keeps its options
	// and picks up installGradle.
	require.Len(t, rewritten, 1)
	javaValues := rewritten["ghcr.io/devcontainers/features/java:1"]
	require.NotNil(t, javaValues)
	assert.Equal(t, "17", javaValues["version"].Text())
	require.NotNil(t, javaValues["installGradle"].Bool)
	assert.True(t, *javaValues["installGradle"].Bool)
}

func TestRewriteGradleAppendsJavaWhenNotDeclared(t *testing.T) {
	silenceLogs()
	rewritten := RewriteDeprecatedAliases(writ.FeatureMap{
		"gradle": {"version": strValue("8.5")},
	}, nil)

	require.Len(t, rewritten, 1)
	javaValues := rewritten["ghcr.io/devcontainers/features/java:1"]
	require.NotNil(t, javaValues)
	require.NotNil(t, javaValues["installGradle"].Bool)
	assert.True(t, *javaValues["installGradle"].Bool)
	assert.Equal(t, "8.5", javaValues["version"].Text())
}

func TestRewriteLeavesQualifiedReferencesAlone(t *testing.T) {
	silenceLogs()
	original := writ.FeatureMap{
		"ghcr.io/devcontainers/features/node:2": {},
		"./localnode": {},
	}
	rewritten := RewriteDeprecatedAliases(original, nil)

	assert.Contains(t, rewritten, "ghcr.io/devcontainers/features/node:2")
	assert.Contains(t, rewritten, "./localnode")
	assert.Len(t, rewritten, 2)
}

func TestRewriteLeavesUnknownIdsAlone(t *testing.T) {
	silenceLogs()
	rewritten := RewriteDeprecatedAliases(writ.FeatureMap{
		"myweirdfeature": {},
	}, nil)
	assert.Contains(t, rewritten, "myweirdfeature")
}

func TestRewriteSkipsIdsShippedAsBuiltins(t *testing.T) {
	silenceLogs()
	rewritten := RewriteDeprecatedAliases(writ.FeatureMap{
		"node":   {},
		"golang": {},
	}, func(id string) bool { return id == "node" })

	// The packaged copy wins over the published successor.
	assert.Contains(t, rewritten, "node")
	assert.Contains(t, rewritten, "ghcr.io/devcontainers/features/go:1")
	assert.NotContains(t, rewritten, "golang")
}
