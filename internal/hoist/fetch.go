/*
   davit: devcontainer Features tooling in native Go
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

// Package hoist houses the devcontainer Features pipeline.
package hoist

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/codeclysm/extract/v4"
	"github.com/nlsantos/davit/writ"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
)

// httpClient serves tarball and git-release downloads; OCI traffic
// carries its own client inside the oras stack.
var httpClient = &http.Client{Timeout: 5 * time.Minute}

// ResolveFeatureSets is the fetch half of the pipeline: it rewrites
// deprecated aliases, classifies every declared Feature reference,
// fetches all of them concurrently into distinct cache directories,
// merges metadata over the user's declarations, and returns the
// FeatureSets in installation order.
//
// Fetches run in parallel (disjoint cache paths, disjoint network
// calls); ordering only starts after every fetch has joined, and the
// resulting order is independent of fetch completion order.
func (h *Hoist) ResolveFeatureSets(ctx context.Context, features writ.FeatureMap, configDir string, overrideOrder []string) ([]*FeatureSet, error) {
	features = RewriteDeprecatedAliases(features, h.hasBuiltin)

	var sets []*FeatureSet
	for _, userFeatureID := range slices.Sorted(maps.Keys(features)) {
		src, err := h.ClassifyFeature(ctx, userFeatureID, configDir)
		if err != nil {
			return nil, err
		}
		feature := &Feature{Value: features[userFeatureID]}
		feature.ID = src.ID
		sets = append(sets, &FeatureSet{
			Features:        []*Feature{feature},
			Source:          src,
			InternalVersion: "2",
		})
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, set := range sets {
		eg.Go(func() error {
			return h.fetchFeatureSet(egCtx, set)
		})
	}
	// The barrier: order resolution must never observe a half-fetched
	// set.
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return OrderFeatureSets(sets, overrideOrder)
}

// fetchFeatureSet populates set's cache directory per its source
// variant, then locates and merges the Feature's metadata.
func (h *Hoist) fetchFeatureSet(ctx context.Context, set *FeatureSet) error {
	feature := set.Features[0]
	feature.ConsecutiveID = h.nextConsecutiveID(feature.ID)
	feature.CachePath = filepath.Join(h.OutputDir, feature.ConsecutiveID)
	if err := os.MkdirAll(feature.CachePath, fs.ModeDir|0o755); err != nil {
		return err
	}

	var err error
	switch set.Source.Kind {
	case SourceCached:
		err = h.fetchBuiltin(set)
	case SourceLocalPath:
		err = os.CopyFS(feature.CachePath, os.DirFS(set.Source.LocalPath))
	case SourceOCI:
		err = h.fetchOCI(ctx, set)
	case SourceTarball:
		err = h.fetchTarball(ctx, set)
	case SourceGitRelease:
		err = h.fetchGitRelease(ctx, set)
	default:
		err = fmt.Errorf("unhandled source kind: %s", set.Source.Kind)
	}
	if err != nil {
		return err
	}

	return h.mergeMetadata(set)
}

// hasBuiltin reports whether a Feature with the given bare id is
// packaged with the tool.
func (h *Hoist) hasBuiltin(id string) bool {
	if h.Builtins == nil {
		return false
	}
	_, err := fs.Stat(h.Builtins, path.Join(id, FeatureMetadataFilename))
	return err == nil
}

// fetchBuiltin copies a Feature packaged with the tool into the cache
// directory.
func (h *Hoist) fetchBuiltin(set *FeatureSet) error {
	if h.Builtins == nil {
		return fmt.Errorf("no built-in feature named %q is available", set.Source.UserFeatureID)
	}
	builtin, err := fs.Sub(h.Builtins, set.Source.ID)
	if err != nil {
		return err
	}
	if _, err := fs.Stat(builtin, FeatureMetadataFilename); err != nil {
		return fmt.Errorf("no built-in feature named %q is available", set.Source.UserFeatureID)
	}
	slog.Debug("copying built-in feature", "feature", set.Source.ID)
	return os.CopyFS(set.Features[0].CachePath, builtin)
}

// fetchOCI retrieves a Feature distributed as an OCI artifact,
// honoring a lockfile pin when one exists.
func (h *Hoist) fetchOCI(ctx context.Context, set *FeatureSet) error {
	ref := set.Source.Ref
	feature := set.Features[0]

	var expectedIntegrity string
	if h.Lock != nil {
		if entry, ok := h.Lock.Entry(set.Source.UserFeatureID); ok {
			expectedIntegrity = entry.Integrity
			if _, lockedDigest, found := strings.Cut(entry.Resolved, "@"); found {
				slog.Debug("lockfile pins reference", "feature", set.Source.UserFeatureID, "digest", lockedDigest)
				pinned := *ref
				pinned.Digest = lockedDigest
				ref = &pinned
			}
		}
	}

	manifest := set.Source.Manifest
	manifestDigest := set.Source.ManifestDigest
	if manifest == nil || (len(ref.Digest) > 0 && ref.Digest != manifestDigest) {
		var err error
		manifest, manifestDigest, err = h.Registry.GetManifest(ctx, ref)
		if err != nil {
			return err
		}
		if manifest == nil {
			return fmt.Errorf("no manifest published for %s", ref)
		}
	}

	if h.Memo != nil {
		if previous, ok := h.Memo.Lookup(ref.Resource); ok && previous != manifestDigest {
			slog.Info("upstream feature changed since the last fetch", "resource", ref.Resource, "previous", previous, "current", manifestDigest)
		}
	}

	layerIdx := slices.IndexFunc(manifest.Layers, func(l ocispec.Descriptor) bool {
		return l.MediaType == FeatureLayerMediaType
	})
	if layerIdx < 0 {
		return fmt.Errorf("artifact %s carries no feature layer", ref)
	}
	layer := manifest.Layers[layerIdx]

	if len(expectedIntegrity) > 0 && expectedIntegrity != layer.Digest.String() {
		return fmt.Errorf("integrity mismatch for %s: lockfile wants %s, registry offers %s", set.Source.UserFeatureID, expectedIntegrity, layer.Digest)
	}

	_, err := h.Registry.GetBlob(ctx, ref, layer.Digest.String(), feature.CachePath, h.blobScratchPath(), nil)
	if err != nil {
		return err
	}

	set.ComputedDigest = layer.Digest.String()
	set.Source.Manifest = manifest
	set.Source.ManifestDigest = manifestDigest

	if h.Memo != nil {
		h.Memo.Record(ref.Resource, manifestDigest)
	}
	if h.Lock != nil {
		h.Lock.Record(set.Source.UserFeatureID, LockfileEntry{
			Version:   ref.Version,
			Resolved:  fmt.Sprintf("%s@%s", ref.Resource, manifestDigest),
			Integrity: layer.Digest.String(),
		})
	}
	return nil
}

// fetchTarball retrieves a Feature hosted as a plain HTTPS tarball.
func (h *Hoist) fetchTarball(ctx context.Context, set *FeatureSet) error {
	tarBytes, err := h.downloadArchive(ctx, set.Source.TarballURI)
	if err != nil {
		return err
	}
	return h.populateFromArchive(ctx, set, tarBytes, filepath.Base(set.Source.TarballURI))
}

// fetchGitRelease retrieves a Feature published as a GitHub release
// asset, trying each candidate URL in order; the first success wins.
func (h *Hoist) fetchGitRelease(ctx context.Context, set *FeatureSet) error {
	candidates := h.gitReleaseCandidates(ctx, set.Source)

	var lastErr error
	for _, candidate := range candidates {
		tarBytes, err := h.downloadArchive(ctx, candidate)
		if err != nil {
			slog.Debug("release candidate failed", "url", candidate, "error", err)
			lastErr = err
			continue
		}
		return h.populateFromArchive(ctx, set, tarBytes, filepath.Base(candidate))
	}
	return fmt.Errorf("all %d release candidates failed for %s (last error: %w)", len(candidates), set.Source.UserFeatureID, lastErr)
}

// gitReleaseCandidates assembles the download URLs to try for a
// git-release reference: the authenticated API asset resolution first
// when a token is available, then the unauthenticated v2 and v1
// download URLs as fallbacks.
func (h *Hoist) gitReleaseCandidates(ctx context.Context, src SourceInformation) []string {
	var candidates []string

	if token := os.Getenv(EnvGitHubToken); len(token) > 0 {
		if assetURL := h.resolveReleaseAsset(ctx, src, token); len(assetURL) > 0 {
			candidates = append(candidates, assetURL)
		}
	}

	v2Asset := fmt.Sprintf("devcontainer-feature-%s.tgz", src.ID)
	v1Asset := "devcontainer-features.tgz"
	if src.Tag == "latest" {
		candidates = append(candidates,
			fmt.Sprintf("https://github.com/%s/%s/releases/latest/download/%s", src.Owner, src.Repo, v2Asset),
			fmt.Sprintf("https://github.com/%s/%s/releases/latest/download/%s", src.Owner, src.Repo, v1Asset),
		)
	} else {
		candidates = append(candidates,
			fmt.Sprintf("https://github.com/%s/%s/releases/download/%s/%s", src.Owner, src.Repo, src.Tag, v2Asset),
			fmt.Sprintf("https://github.com/%s/%s/releases/download/%s/%s", src.Owner, src.Repo, src.Tag, v1Asset),
		)
	}
	return candidates
}

// releaseAssets is the slice of the GitHub release API response the
// fetcher cares about.
type releaseAssets struct {
	Assets []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"assets"`
}

// resolveReleaseAsset asks the GitHub API for the release's asset
// list and picks the per-feature tarball, falling back to the v1
// collection asset. Returns "" when resolution fails; the caller
// still has the unauthenticated URLs to try.
func (h *Hoist) resolveReleaseAsset(ctx context.Context, src SourceInformation, token string) string {
	apiURL := fmt.Sprintf("https://api.github.com/repos/%s/%s/releases/tags/%s", src.Owner, src.Repo, src.Tag)
	if src.Tag == "latest" {
		apiURL = fmt.Sprintf("https://api.github.com/repos/%s/%s/releases/latest", src.Owner, src.Repo)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := httpClient.Do(req)
	if err != nil {
		slog.Debug("release API lookup failed", "url", apiURL, "error", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Debug("release API lookup rejected", "url", apiURL, "status", resp.StatusCode)
		return ""
	}

	var release releaseAssets
	if err := unmarshalBody(resp.Body, &release); err != nil {
		return ""
	}

	preferred := fmt.Sprintf("devcontainer-feature-%s.tgz", src.ID)
	fallback := ""
	for _, asset := range release.Assets {
		switch asset.Name {
		case preferred:
			return asset.URL
		case "devcontainer-features.tgz":
			fallback = asset.URL
		}
	}
	return fallback
}

// downloadArchive GETs url and returns the body bytes. GitHub hosts
// get provenance headers: the token (when present) and an
// octet-stream accept, which is what the API's asset URLs require.
func (h *Hoist) downloadArchive(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if host := req.URL.Hostname(); host == "github.com" || host == "api.github.com" {
		if token := os.Getenv(EnvGitHubToken); len(token) > 0 {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("Accept", "application/octet-stream")
	}

	slog.Debug("downloading feature archive", "url", url)
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// populateFromArchive extracts tarBytes into the set's cache
// directory, skipping hidden entries and a self-referential copy of
// the archive, and records the archive digest.
func (h *Hoist) populateFromArchive(ctx context.Context, set *FeatureSet, tarBytes []byte, archiveName string) error {
	feature := set.Features[0]
	set.ComputedDigest = fmt.Sprintf("sha256:%x", sha256.Sum256(tarBytes))

	renamer := func(path string) string {
		normalized := path
		if !strings.HasPrefix(normalized, "./") {
			normalized = "./" + normalized
		}
		if normalized == "./." || strings.HasPrefix(normalized, "./.") || normalized == "./"+archiveName {
			slog.Debug("skipping archive entry", "path", path)
			return ""
		}
		return path
	}

	// Complete the extraction even when the run is being cancelled;
	// a half-written cache directory is worse than a few wasted
	// milliseconds.
	if err := extract.Archive(context.WithoutCancel(ctx), bytes.NewReader(tarBytes), feature.CachePath, renamer); err != nil {
		return fmt.Errorf("extracting %s: %w", archiveName, err)
	}
	return nil
}

// mergeMetadata locates the fetched Feature's metadata file and
// merges it under the user's declaration: a v2 per-feature file at
// the cache root wins, with the legacy v1 collection file as
// fallback.
func (h *Hoist) mergeMetadata(set *FeatureSet) error {
	feature := set.Features[0]

	v2Path := filepath.Join(feature.CachePath, FeatureMetadataFilename)
	if _, err := os.Stat(v2Path); err == nil {
		parser, err := writ.NewDevcontainerFeatureParser(v2Path, nil)
		if err != nil {
			return err
		}
		if err := parser.Validate(); err != nil {
			return fmt.Errorf("invalid metadata in %s: %w", v2Path, err)
		}
		if err := parser.Parse(); err != nil {
			return err
		}
		return h.applyMetadata(set, &parser.Config, "2")
	}

	v1Path := filepath.Join(feature.CachePath, V1CollectionFilename)
	if _, err := os.Stat(v1Path); err == nil {
		parser, err := writ.NewDevcontainerCollectionParser(v1Path)
		if err != nil {
			return err
		}
		if err := parser.Validate(); err != nil {
			return fmt.Errorf("invalid collection metadata in %s: %w", v1Path, err)
		}
		if err := parser.Parse(); err != nil {
			return err
		}
		config, ok := parser.FeatureByID(feature.ID)
		if !ok {
			return fmt.Errorf("collection %s has no feature with id %q", v1Path, feature.ID)
		}
		return h.applyMetadata(set, config, "1")
	}

	return fmt.Errorf("feature %s carries neither %s nor %s", set.Source.UserFeatureID, FeatureMetadataFilename, V1CollectionFilename)
}

// applyMetadata merges the parsed metadata into the Feature (the
// user's declaration wins where both speak) and resolves the
// effective option values.
func (h *Hoist) applyMetadata(set *FeatureSet, config *writ.DevcontainerFeatureConfig, internalVersion string) error {
	feature := set.Features[0]
	set.InternalVersion = internalVersion

	// The metadata file is authoritative for the Feature's identity;
	// the id derived from the reference was provisional.
	if len(config.ID) > 0 {
		feature.ID = config.ID
	}
	if err := mergo.Merge(&feature.DevcontainerFeatureConfig, *config); err != nil {
		return err
	}
	if feature.Deprecated != nil && *feature.Deprecated {
		slog.Warn("feature is marked deprecated by its author", "feature", feature.ID)
	}

	// Validation needs a parser-shaped holder; reuse the merged
	// config directly.
	holder := writ.DevcontainerFeatureParser{Config: feature.DevcontainerFeatureConfig}
	if err := holder.ValidateValues(feature.Value); err != nil {
		return err
	}
	feature.Value = holder.ResolveValues(feature.Value)
	return nil
}

// blobScratchPath is where OCI layer blobs land before extraction.
func (h *Hoist) blobScratchPath() string {
	return filepath.Join(h.OutputDir, OCIBlobCacheSubdirectory, "blob.tar")
}

// unmarshalBody decodes a JSON response body into v.
func unmarshalBody(body io.Reader, v any) error {
	contents, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(contents, v)
}
