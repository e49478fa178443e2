package writ

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func muteLogs() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func parseFixtureDevcontainer(t *testing.T) *DevcontainerParser {
	t.Helper()
	p, err := NewDevcontainerParser(filepath.Join("testdata", "devcontainer.json"))
	require.NoError(t, err)
	require.NoError(t, p.Validate())
	require.NoError(t, p.Parse())
	return p
}

func TestParseDevcontainerFixture(t *testing.T) {
	muteLogs()
	p := parseFixtureDevcontainer(t)

	assert.Equal(t, "fixture", *p.Config.Name)
	assert.Equal(t, "mcr.microsoft.com/devcontainers/base:ubuntu", *p.Config.Image)
	assert.Equal(t, "vscode", *p.Config.RemoteUser)
	assert.Equal(t, []string{"SYS_PTRACE"}, p.Config.CapAdd)
}

func TestParseFeatureShapes(t *testing.T) {
	muteLogs()
	p := parseFixtureDevcontainer(t)

	// Shorthand string becomes the version option.
	node := p.Config.Features["ghcr.io/devcontainers/features/node"]
	require.NotNil(t, node)
	require.NotNil(t, node["version"].String)
	assert.Equal(t, "18", *node["version"].String)

	// Longhand object keeps string and boolean bindings apart.
	goFeature := p.Config.Features["ghcr.io/devcontainers/features/go:1"]
	require.NotNil(t, goFeature)
	assert.Equal(t, "1.22", *goFeature["version"].String)
	require.NotNil(t, goFeature["cgo"].Bool)
	assert.True(t, *goFeature["cgo"].Bool)

	// A bare true enables with no bindings.
	dotnet, ok := p.Config.Features["ghcr.io/devcontainers/features/dotnet"]
	assert.True(t, ok)
	assert.Empty(t, dotnet)

	// A bare false drops the declaration entirely.
	_, ok = p.Config.Features["ghcr.io/devcontainers/features/rust"]
	assert.False(t, ok)
}

func TestParseLifecycleCommandShapes(t *testing.T) {
	muteLogs()
	p := parseFixtureDevcontainer(t)

	require.NotNil(t, p.Config.OnCreateCommand)
	assert.Equal(t, "echo created", *p.Config.OnCreateCommand.String)

	require.NotNil(t, p.Config.PostCreateCommand)
	assert.Equal(t, []string{"echo", "post-created"}, p.Config.PostCreateCommand.StringArray)

	require.NotNil(t, p.Config.PostStartCommand)
	require.NotNil(t, p.Config.PostStartCommand.ParallelCommands)
	parallel := *p.Config.PostStartCommand.ParallelCommands
	assert.Len(t, parallel, 2)
	assert.Equal(t, "echo server", *parallel["server"].String)
	assert.Equal(t, []string{"echo", "db"}, parallel["db"].StringArray)
}

func TestParseMountShapes(t *testing.T) {
	muteLogs()
	p := parseFixtureDevcontainer(t)

	require.Len(t, p.Config.Mounts, 2)
	assert.Equal(t, "fixture-cache", p.Config.Mounts[0].Source)
	assert.Equal(t, "/var/cache/fixture", p.Config.Mounts[0].Target)
	assert.EqualValues(t, "volume", p.Config.Mounts[0].Type)
	assert.Equal(t, "/mnt/tmp", p.Config.Mounts[1].Target)
	assert.EqualValues(t, "bind", p.Config.Mounts[1].Type)
}

func TestParseSetsDefaults(t *testing.T) {
	muteLogs()
	p := parseFixtureDevcontainer(t)

	assert.Equal(t, DefWorkspacePath, *p.Config.WorkspaceFolder)
	assert.False(t, *p.Config.Init)
	assert.False(t, *p.Config.Privileged)
	assert.True(t, *p.Config.UpdateRemoteUserUID)
	assert.Equal(t, ShutdownActionStopContainer, *p.Config.ShutdownAction)
	assert.Equal(t, WaitForUpdateContentCommand, *p.Config.WaitFor)
	assert.Equal(t, UserEnvProbeLoginInteractiveShell, *p.Config.UserEnvProbe)
	// An image-based configuration overrides the image's command.
	assert.True(t, *p.Config.OverrideCommand)
}

func TestParseOverrideFeatureInstallOrder(t *testing.T) {
	muteLogs()
	p := parseFixtureDevcontainer(t)
	assert.Equal(t, []string{"ghcr.io/devcontainers/features/node"}, p.Config.OverrideFeatureInstallOrder)
}

func TestParserRejectsMissingFile(t *testing.T) {
	muteLogs()
	_, err := NewDevcontainerParser(filepath.Join("testdata", "nope.json"))
	assert.Error(t, err)
}
