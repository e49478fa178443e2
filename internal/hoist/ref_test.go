package hoist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeatureRef(t *testing.T) {
	ref, err := ParseFeatureRef("ghcr.io/devcontainers/features/node:18")
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io", ref.Registry)
	assert.Equal(t, "devcontainers", ref.Owner)
	assert.Equal(t, "devcontainers/features", ref.Namespace)
	assert.Equal(t, "devcontainers/features/node", ref.Path)
	assert.Equal(t, "ghcr.io/devcontainers/features/node", ref.Resource)
	assert.Equal(t, "node", ref.ID)
	assert.Equal(t, "18", ref.Version)
	assert.Empty(t, ref.Digest)
	assert.Equal(t, "ghcr.io/devcontainers/features/node:18", ref.String())
}

func TestParseFeatureRefDefaultsToLatest(t *testing.T) {
	ref, err := ParseFeatureRef("ghcr.io/devcontainers/features/go")
	require.NoError(t, err)
	assert.Equal(t, "latest", ref.Version)
}

func TestParseFeatureRefWithDigest(t *testing.T) {
	ref, err := ParseFeatureRef("ghcr.io/org/pkg/foo@sha256:0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "sha256:0000000000000000000000000000000000000000000000000000000000000000", ref.Digest)
	assert.Equal(t, "latest", ref.Version)
	assert.Contains(t, ref.String(), "@sha256:")
}

func TestParseFeatureRefNormalizesCase(t *testing.T) {
	ref, err := ParseFeatureRef("GHCR.IO/DevContainers/Features/Node:1")
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io", ref.Registry)
	assert.Equal(t, "devcontainers/features/node", ref.Path)
}

func TestParseFeatureRefRejectsMalformed(t *testing.T) {
	for _, userFeatureID := range []string{
		"justanid",
		"ghcr.io/UPPER CASE/bad id",
		"ghcr.io/foo//bar",
		"ghcr.io/foo/bar:",
		"ghcr.io/foo/-leadingdash",
	} {
		_, err := ParseFeatureRef(userFeatureID)
		assert.Error(t, err, "expected %q to be rejected", userFeatureID)
	}
}

func TestClassifyCachedBuiltin(t *testing.T) {
	silenceLogs()
	h := &Hoist{}
	src, err := h.ClassifyFeature(context.Background(), "Git", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, SourceCached, src.Kind)
	assert.Equal(t, "git", src.ID)
	assert.Equal(t, "Git", src.UserFeatureID)
}

func TestClassifyTarball(t *testing.T) {
	silenceLogs()
	h := &Hoist{}
	src, err := h.ClassifyFeature(context.Background(), "https://host.example/assets/devcontainer-feature-foo.tgz", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, SourceTarball, src.Kind)
	assert.Equal(t, "foo", src.ID)

	_, err = h.ClassifyFeature(context.Background(), "https://host.example/assets/notafeature.tar.gz", t.TempDir())
	assert.Error(t, err)
}

func TestClassifyLocalPath(t *testing.T) {
	silenceLogs()
	configDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(configDir, "localfeature"), 0o755))

	h := &Hoist{}
	src, err := h.ClassifyFeature(context.Background(), "./localfeature", configDir)
	require.NoError(t, err)
	assert.Equal(t, SourceLocalPath, src.Kind)
	assert.Equal(t, filepath.Join(configDir, "localfeature"), src.LocalPath)
}

func TestClassifyLocalPathRejectsAbsolute(t *testing.T) {
	silenceLogs()
	h := &Hoist{}
	_, err := h.ClassifyFeature(context.Background(), "/etc/localfeature", t.TempDir())
	assert.Error(t, err)
}

func TestClassifyLocalPathRejectsEscape(t *testing.T) {
	silenceLogs()
	h := &Hoist{}
	_, err := h.ClassifyFeature(context.Background(), "./../evil", t.TempDir())
	assert.Error(t, err)

	_, err = h.ClassifyFeature(context.Background(), "../evil", t.TempDir())
	assert.Error(t, err)
}

func TestClassifyGitRelease(t *testing.T) {
	silenceLogs()
	// The owner segment carries no dot, so no registry probe happens
	// and no client is needed.
	h := &Hoist{}

	src, err := h.ClassifyFeature(context.Background(), "octocat/features/myfeature", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, SourceGitRelease, src.Kind)
	assert.Equal(t, "octocat", src.Owner)
	assert.Equal(t, "features", src.Repo)
	assert.Equal(t, "myfeature", src.ID)
	assert.Equal(t, "latest", src.Tag)

	src, err = h.ClassifyFeature(context.Background(), "octocat/features/myfeature@v1.2.0", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", src.Tag)
}

func TestClassifyGitReleaseRejectsBadShapes(t *testing.T) {
	silenceLogs()
	h := &Hoist{}
	for _, userFeatureID := range []string{
		"octocat/features",
		"octocat//myfeature",
		"octocat/features/my.feature",
		"octocat/features/myfeature/extra",
	} {
		_, err := h.ClassifyFeature(context.Background(), userFeatureID, t.TempDir())
		assert.Error(t, err, "expected %q to be rejected", userFeatureID)
	}
}

func TestClassifyOCI(t *testing.T) {
	silenceLogs()
	srv := newFakeRegistry().server()
	t.Cleanup(srv.Close)
	host := registryHost(t, srv.URL)

	featureDir := writeFeatureFolder(t, "classy", "1.0.0")
	publisher := &Hoist{OutputDir: t.TempDir(), Registry: plainHTTPClient()}
	ref, err := ParseFeatureRef(host + "/testns/classy")
	require.NoError(t, err)
	_, err = publisher.PublishFeature(context.Background(), featureDir, ref)
	require.NoError(t, err)

	src, err := publisher.ClassifyFeature(context.Background(), host+"/testns/classy:1.0.0", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, SourceOCI, src.Kind)
	require.NotNil(t, src.Manifest)
	assert.Equal(t, FeatureConfigMediaType, src.Manifest.Config.MediaType)
	assert.NotEmpty(t, src.ManifestDigest)
}
