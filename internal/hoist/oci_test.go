package hoist

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlsantos/davit/writ"
)

func silenceLogs() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// writeFeatureFolder lays out a publishable feature directory.
func writeFeatureFolder(t *testing.T, id string, version string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), id)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	metadata := fmt.Sprintf(`{
		"id": %q,
		"version": %q,
		"name": "Test feature",
		"options": {
			"greeting": {"type": "string", "default": "hello"}
		}
	}`, id, version)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FeatureMetadataFilename), []byte(metadata), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FeatureInstallScript), []byte("#!/bin/sh\necho \"$GREETING\"\n"), 0o755))
	return dir
}

func registryHost(t *testing.T, rawURL string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	return parsed.Host
}

func TestGetManifestAbsent(t *testing.T) {
	silenceLogs()
	srv := newFakeRegistry().server()
	t.Cleanup(srv.Close)

	ref, err := ParseFeatureRef(registryHost(t, srv.URL) + "/testns/ghost")
	require.NoError(t, err)

	manifest, dgst, err := plainHTTPClient().GetManifest(context.Background(), ref)
	assert.NoError(t, err)
	assert.Nil(t, manifest)
	assert.Empty(t, dgst)
}

func TestListPublishedTagsEmptyForNewRepository(t *testing.T) {
	silenceLogs()
	srv := newFakeRegistry().server()
	t.Cleanup(srv.Close)

	ref, err := ParseFeatureRef(registryHost(t, srv.URL) + "/testns/brandnew")
	require.NoError(t, err)

	tags, err := plainHTTPClient().ListPublishedTags(context.Background(), ref)
	assert.NoError(t, err)
	assert.Empty(t, tags)
}

func TestGenerateManifestCanonicalDigest(t *testing.T) {
	layer := []byte("some tar bytes")
	manifest, manifestBytes, dgst, err := GenerateManifest(layer, "devcontainer-feature-foo.tgz")
	require.NoError(t, err)

	assert.Equal(t, fmt.Sprintf("sha256:%x", sha256.Sum256(manifestBytes)), dgst)
	assert.Equal(t, 2, manifest.SchemaVersion)
	assert.Equal(t, FeatureConfigMediaType, manifest.Config.MediaType)
	assert.EqualValues(t, 0, manifest.Config.Size)
	require.Len(t, manifest.Layers, 1)
	assert.Equal(t, FeatureLayerMediaType, manifest.Layers[0].MediaType)
	assert.Equal(t, fmt.Sprintf("sha256:%x", sha256.Sum256(layer)), manifest.Layers[0].Digest.String())
	assert.Equal(t, "devcontainer-feature-foo.tgz", manifest.Layers[0].Annotations["org.opencontainers.image.title"])
}

func TestPublishThenFetchRoundTrip(t *testing.T) {
	silenceLogs()
	srv := newFakeRegistry().server()
	t.Cleanup(srv.Close)
	host := registryHost(t, srv.URL)

	featureDir := writeFeatureFolder(t, "roundtrip", "1.2.0")
	publisher := &Hoist{OutputDir: t.TempDir(), Registry: plainHTTPClient()}

	ref, err := ParseFeatureRef(host + "/testns/features/roundtrip")
	require.NoError(t, err)

	result, err := publisher.PublishFeature(context.Background(), featureDir, ref)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, []string{"1", "1.2", "1.2.0", "latest"}, result.PublishedTags)
	assert.NotEmpty(t, result.Digest)
	require.NotNil(t, result.Feature)
	assert.Equal(t, "roundtrip", result.Feature.ID)

	// The registry must now advertise the exact manifest digest we
	// computed before the push.
	fetched, manifestDigest, err := publisher.Registry.GetManifest(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, result.Digest, manifestDigest)

	// Fetching into a fresh cache yields the folder we packaged.
	fetcher := &Hoist{OutputDir: t.TempDir(), Registry: plainHTTPClient()}
	userRef := host + "/testns/features/roundtrip:1.2.0"
	ordered, err := fetcher.ResolveFeatureSets(context.Background(), writ.FeatureMap{userRef: {}}, t.TempDir(), nil)
	require.NoError(t, err)
	require.Len(t, ordered, 1)

	set := ordered[0]
	assert.Equal(t, SourceOCI, set.Source.Kind)
	assert.Equal(t, fetched.Layers[0].Digest.String(), set.ComputedDigest)

	feature := set.Features[0]
	installed, err := os.ReadFile(filepath.Join(feature.CachePath, FeatureInstallScript))
	require.NoError(t, err)
	original, err := os.ReadFile(filepath.Join(featureDir, FeatureInstallScript))
	require.NoError(t, err)
	assert.Equal(t, original, installed)

	// Metadata merged over the declaration, defaults resolved.
	assert.Equal(t, "roundtrip", feature.ID)
	assert.Equal(t, "1.2.0", feature.Version)
	assert.Equal(t, "hello", feature.Value["greeting"].Text())
}

func TestPublishExactVersionIsNoOp(t *testing.T) {
	silenceLogs()
	srv := newFakeRegistry().server()
	t.Cleanup(srv.Close)
	host := registryHost(t, srv.URL)

	featureDir := writeFeatureFolder(t, "repeat", "2.0.0")
	publisher := &Hoist{OutputDir: t.TempDir(), Registry: plainHTTPClient()}
	ref, err := ParseFeatureRef(host + "/testns/features/repeat")
	require.NoError(t, err)

	first, err := publisher.PublishFeature(context.Background(), featureDir, ref)
	require.NoError(t, err)
	assert.False(t, first.Skipped)

	second, err := publisher.PublishFeature(context.Background(), featureDir, ref)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Empty(t, second.PublishedTags)
}

func TestPublishCollection(t *testing.T) {
	silenceLogs()
	srv := newFakeRegistry().server()
	t.Cleanup(srv.Close)
	host := registryHost(t, srv.URL)

	publisher := &Hoist{OutputDir: t.TempDir(), Registry: plainHTTPClient()}
	nsRef, err := ParseFeatureRef(host + "/testns/features")
	require.NoError(t, err)

	collection := writ.DevcontainerCollection{
		Features: []writ.DevcontainerFeatureConfig{{ID: "alpha", Version: "1.0.0"}},
	}
	result, err := publisher.PublishCollection(context.Background(), nsRef, collection)
	require.NoError(t, err)
	assert.Equal(t, []string{"latest"}, result.PublishedTags)

	written, err := os.ReadFile(filepath.Join(publisher.OutputDir, CollectionFilename))
	require.NoError(t, err)
	assert.Contains(t, string(written), `"alpha"`)
}
