package hoist

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlsantos/davit/writ"
)

func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

// fixtureFeature builds an included v2 Feature with a cache directory
// ready for script generation.
func fixtureFeature(t *testing.T, h *Hoist, id string) (*FeatureSet, *Feature) {
	t.Helper()
	feature := &Feature{}
	feature.ID = id
	feature.Version = "1.0.0"
	feature.Name = strPtr("Fixture " + id)
	feature.ConsecutiveID = h.nextConsecutiveID(id)
	feature.CachePath = filepath.Join(h.OutputDir, feature.ConsecutiveID)
	feature.Included = true
	feature.Value = writ.FeatureValues{}
	require.NoError(t, os.MkdirAll(feature.CachePath, 0o755))

	set := &FeatureSet{
		Features:        []*Feature{feature},
		InternalVersion: "2",
		Source:          SourceInformation{Kind: SourceCached, ID: id, UserFeatureID: id},
	}
	return set, feature
}

func TestSynthesizeBuildFragmentClassic(t *testing.T) {
	silenceLogs()
	h := &Hoist{OutputDir: t.TempDir()}
	set, feature := fixtureFeature(t, h, "alpha")
	feature.ContainerEnv = map[string]string{"PATH_EXTRA": "/opt/alpha/bin", "ALPHA_HOME": "/opt/alpha"}

	fragment, err := SynthesizeBuildFragment([]*FeatureSet{set}, SynthesizeOptions{
		ContainerUser: "vscode",
		RemoteUser:    "vscode",
	})
	require.NoError(t, err)

	// Builtin env instruction comes first and resolves homes from the
	// image's passwd database.
	assert.Contains(t, fragment, "_CONTAINER_USER=vscode")
	assert.Contains(t, fragment, "_REMOTE_USER=vscode")
	assert.Contains(t, fragment, "getent passwd")
	assert.Contains(t, fragment, BuiltinEnvFilename)

	// ENV lines are sorted and quoted.
	envIdx := strings.Index(fragment, `ENV ALPHA_HOME="/opt/alpha"`)
	pathIdx := strings.Index(fragment, `ENV PATH_EXTRA="/opt/alpha/bin"`)
	require.GreaterOrEqual(t, envIdx, 0)
	require.GreaterOrEqual(t, pathIdx, 0)
	assert.Less(t, envIdx, pathIdx)

	// Classic mode copies, then runs the wrapper.
	assert.Contains(t, fragment, fmt.Sprintf("COPY --from=%s %s /tmp/dev-container-features/%s", ContentSourceDefaultLabel, feature.ConsecutiveID, feature.ConsecutiveID))
	assert.Contains(t, fragment, "./"+InstallWrapperFilename)
	assert.NotContains(t, fragment, "--mount=type=bind")
}

func TestSynthesizeBuildFragmentBuildKit(t *testing.T) {
	silenceLogs()
	h := &Hoist{OutputDir: t.TempDir()}
	set, feature := fixtureFeature(t, h, "beta")

	fragment, err := SynthesizeBuildFragment([]*FeatureSet{set}, SynthesizeOptions{BuildKit: true})
	require.NoError(t, err)

	assert.Contains(t, fragment, fmt.Sprintf("--mount=type=bind,from=%s,source=%s", ContentSourceDefaultLabel, feature.ConsecutiveID))
	assert.Contains(t, fragment, "rm -rf /tmp/dev-container-features/"+feature.ConsecutiveID)
	assert.NotContains(t, fragment, "COPY --from")
}

func TestSynthesizeBuildFragmentV1RunsInstallDirectly(t *testing.T) {
	silenceLogs()
	h := &Hoist{OutputDir: t.TempDir()}
	set, _ := fixtureFeature(t, h, "legacy")
	set.InternalVersion = "1"

	fragment, err := SynthesizeBuildFragment([]*FeatureSet{set}, SynthesizeOptions{})
	require.NoError(t, err)

	assert.Contains(t, fragment, "./"+FeatureInstallScript)
	assert.NotContains(t, fragment, InstallWrapperFilename)
}

func TestWriteFeatureScripts(t *testing.T) {
	silenceLogs()
	h := &Hoist{OutputDir: t.TempDir()}
	set, feature := fixtureFeature(t, h, "gamma")
	feature.Description = strPtr("A test feature")
	feature.DocumentationURL = strPtr("https://example.com/docs")
	feature.Value = writ.FeatureValues{
		"enableThing": {Bool: boolPtr(true)},
		"version":     {String: strPtr("2.4")},
	}

	require.NoError(t, WriteFeatureScripts([]*FeatureSet{set}, SynthesizeOptions{}))

	wrapper, err := os.ReadFile(filepath.Join(feature.CachePath, InstallWrapperFilename))
	require.NoError(t, err)
	text := string(wrapper)

	assert.True(t, strings.HasPrefix(text, "#!/bin/sh\n"))
	assert.Contains(t, text, "Fixture gamma")
	assert.Contains(t, text, "Id            : gamma")
	assert.Contains(t, text, "Version       : 1.0.0")
	assert.Contains(t, text, "https://example.com/docs")
	assert.Contains(t, text, "ENABLETHING=true")
	assert.Contains(t, text, "VERSION=2.4")
	assert.Contains(t, text, ". ./"+FeatureEnvFilename)
	assert.Contains(t, text, "/tmp/dev-container-features/"+BuiltinEnvFilename)
	assert.Contains(t, text, "failed to install")

	envFile, err := os.ReadFile(filepath.Join(feature.CachePath, FeatureEnvFilename))
	require.NoError(t, err)
	assert.Contains(t, string(envFile), "ENABLETHING=true\n")
	assert.Contains(t, string(envFile), "VERSION=2.4\n")
}

// TestWrapperQuotingRoundTrip feeds hostile metadata through the
// wrapper and checks the generated script echoes it losslessly. The
// shell does the final verification when one is available.
func TestWrapperQuotingRoundTrip(t *testing.T) {
	silenceLogs()
	hostile := `it's a "test" $(rm -rf /) ` + "`backticks`" + ` ${HOME} \ weird`

	h := &Hoist{OutputDir: t.TempDir()}
	set, feature := fixtureFeature(t, h, "quoty")
	feature.Name = strPtr(hostile)
	feature.Value = writ.FeatureValues{"opt": {String: strPtr(hostile)}}

	require.NoError(t, WriteFeatureScripts([]*FeatureSet{set}, SynthesizeOptions{}))
	wrapper, err := os.ReadFile(filepath.Join(feature.CachePath, InstallWrapperFilename))
	require.NoError(t, err)

	// The raw metadata never appears unquoted.
	assert.NotContains(t, string(wrapper), "Feature       : "+hostile+"\n")

	shell, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no shell available to verify quoting")
	}

	// Echo just the banner line through a real shell and compare.
	var bannerLine string
	for line := range strings.Lines(string(wrapper)) {
		if strings.Contains(line, "Feature       :") {
			bannerLine = strings.TrimSpace(line)
			break
		}
	}
	require.NotEmpty(t, bannerLine)

	out, err := exec.Command(shell, "-c", bannerLine).Output()
	require.NoError(t, err)
	assert.Equal(t, "Feature       : "+hostile, strings.TrimSuffix(string(out), "\n"))
}

func TestMergeConfiguration(t *testing.T) {
	silenceLogs()
	h := &Hoist{OutputDir: t.TempDir()}
	setA, featureA := fixtureFeature(t, h, "aaa")
	featureA.ContainerEnv = map[string]string{"SHARED": "from-feature", "A_ONLY": "1"}
	featureA.CapAdd = []string{"SYS_PTRACE"}
	featureA.Init = boolPtr(true)
	featureA.Entrypoint = strPtr("/usr/local/share/a-init.sh")

	setB, featureB := fixtureFeature(t, h, "bbb")
	featureB.SecurityOpt = []string{"seccomp=unconfined"}
	featureB.Privileged = boolPtr(true)
	featureB.CapAdd = []string{"SYS_PTRACE", "NET_ADMIN"}

	config := &writ.DevcontainerConfig{
		ContainerEnv: map[string]string{"SHARED": "from-config"},
		CapAdd:       []string{"AUDIT_WRITE"},
		Init:         boolPtr(false),
		Privileged:   boolPtr(false),
	}

	merged := MergeConfiguration(config, []*FeatureSet{setA, setB})

	// The configuration's own value wins; features fill the gaps.
	assert.Equal(t, "from-config", merged.ContainerEnv["SHARED"])
	assert.Equal(t, "1", merged.ContainerEnv["A_ONLY"])
	assert.Equal(t, []string{"AUDIT_WRITE", "SYS_PTRACE", "NET_ADMIN"}, merged.CapAdd)
	assert.Equal(t, []string{"seccomp=unconfined"}, merged.SecurityOpt)
	assert.True(t, merged.Init)
	assert.True(t, merged.Privileged)
	assert.Equal(t, []string{"/usr/local/share/a-init.sh"}, merged.Entrypoints)
}
