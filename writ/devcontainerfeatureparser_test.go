package writ

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseFixtureFeature(t *testing.T) *DevcontainerFeatureParser {
	t.Helper()
	p, err := NewDevcontainerFeatureParser(filepath.Join("testdata", "feature", "devcontainer-feature.json"), nil)
	require.NoError(t, err)
	require.NoError(t, p.Validate())
	require.NoError(t, p.Parse())
	return p
}

func TestParseFeatureMetadata(t *testing.T) {
	muteLogs()
	p := parseFixtureFeature(t)

	assert.Equal(t, "fixturefeature", p.Config.ID)
	assert.Equal(t, "2.3.4", p.Config.Version)
	assert.Equal(t, "Fixture feature", *p.Config.Name)
	assert.Equal(t, []string{"common-utils"}, p.Config.InstallsAfter)
	assert.Equal(t, []string{"fixture"}, p.Config.LegacyIDs)
	assert.Equal(t, "/opt/fixture", p.Config.ContainerEnv["FIXTURE_HOME"])
	assert.Equal(t, []string{"NET_ADMIN"}, p.Config.CapAdd)

	versionOpt := p.Config.Options["version"]
	assert.Equal(t, FeatureOptionTypeString, versionOpt.Type)
	assert.Equal(t, []string{"stable", "nightly"}, versionOpt.Enum)
	assert.Equal(t, "stable", versionOpt.Default.Text())

	telemetryOpt := p.Config.Options["enableTelemetry"]
	assert.Equal(t, FeatureOptionTypeBoolean, telemetryOpt.Type)
	assert.Equal(t, "false", telemetryOpt.Default.Text())
}

func TestFeatureSchemaRejectsBadOptionType(t *testing.T) {
	muteLogs()
	p, err := NewDevcontainerFeatureParser(filepath.Join("testdata", "invalid", "devcontainer-feature.json"), nil)
	require.NoError(t, err)
	assert.Error(t, p.Validate())
}

func TestValidateValues(t *testing.T) {
	muteLogs()
	p := parseFixtureFeature(t)

	stable := "stable"
	madeUp := "made-up"
	yes := true

	assert.NoError(t, p.ValidateValues(FeatureValues{"version": {String: &stable}}))
	assert.NoError(t, p.ValidateValues(FeatureValues{"enableTelemetry": {Bool: &yes}}))
	// Unknown option ids pass through untouched.
	assert.NoError(t, p.ValidateValues(FeatureValues{"whoKnows": {String: &stable}}))

	// Enum violation.
	assert.Error(t, p.ValidateValues(FeatureValues{"version": {String: &madeUp}}))
	// Shape mismatches.
	assert.Error(t, p.ValidateValues(FeatureValues{"version": {Bool: &yes}}))
	assert.Error(t, p.ValidateValues(FeatureValues{"enableTelemetry": {String: &stable}}))
}

func TestResolveValues(t *testing.T) {
	muteLogs()
	p := parseFixtureFeature(t)

	nightly := "nightly"
	resolved := p.ResolveValues(FeatureValues{"version": {String: &nightly}})

	assert.Equal(t, "nightly", resolved["version"].Text())
	// The untouched option keeps its default.
	assert.Equal(t, "false", resolved["enableTelemetry"].Text())
}

func TestParseCollection(t *testing.T) {
	muteLogs()
	p, err := NewDevcontainerCollectionParser(filepath.Join("testdata", "collection", "devcontainer-features.json"))
	require.NoError(t, err)
	require.NoError(t, p.Validate())
	require.NoError(t, p.Parse())

	require.Len(t, p.Collection.Features, 2)

	beta, ok := p.FeatureByID("beta")
	require.True(t, ok)
	assert.Equal(t, "0.2.0", beta.Version)
	assert.Equal(t, []string{"alpha"}, beta.InstallsAfter)

	_, ok = p.FeatureByID("gamma")
	assert.False(t, ok)
}

func TestOptionEnvName(t *testing.T) {
	cases := map[string]string{
		"version":          "VERSION",
		"enableTelemetry":  "ENABLETELEMETRY",
		"ghost.option":     "GHOST_OPTION",
		"1weird--name":     "_WEIRD__NAME",
		"__already_odd":    "_ALREADY_ODD",
		"with spaces here": "WITH_SPACES_HERE",
	}
	for optionID, want := range cases {
		assert.Equal(t, want, OptionEnvName(optionID), "option %q", optionID)
	}
}

func TestFeatureValueText(t *testing.T) {
	yes := true
	v := "1.2"
	assert.Equal(t, "true", FeatureValue{Bool: &yes}.Text())
	assert.Equal(t, "1.2", FeatureValue{String: &v}.Text())
	assert.Equal(t, "", FeatureValue{}.Text())
}
