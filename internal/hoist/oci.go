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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/codeclysm/extract/v4"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/semaphore"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/errcode"
)

// maxInFlightPerRegistry bounds concurrent requests against a single
// registry so parallel Feature fetches don't trip rate limiters.
const maxInFlightPerRegistry int64 = 8

// A RegistryClient performs all OCI distribution traffic for the
// pipeline: manifest and blob fetches, tag listing, and pushes. Auth
// tokens are exchanged lazily and cached per (registry, scope); the
// cache is safe for concurrent fetch tasks.
type RegistryClient struct {
	// PlainHTTP, when non-nil, selects registries to talk to without
	// TLS. Used by tests against local registries.
	PlainHTTP func(registry string) bool

	authClient *auth.Client

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewRegistryClient returns a client with the environment-derived
// credential chain and a fresh token cache.
func NewRegistryClient() *RegistryClient {
	return &RegistryClient{
		authClient: &auth.Client{
			Cache:      auth.NewCache(),
			Credential: registryCredential,
		},
		sems: make(map[string]*semaphore.Weighted),
	}
}

// acquire takes a slot on the per-registry request semaphore; the
// returned func releases it.
func (c *RegistryClient) acquire(ctx context.Context, registry string) (func(), error) {
	c.mu.Lock()
	sem, ok := c.sems[registry]
	if !ok {
		sem = semaphore.NewWeighted(maxInFlightPerRegistry)
		c.sems[registry] = sem
	}
	c.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

// repository builds an oras remote repository for ref, wired to the
// shared auth client.
func (c *RegistryClient) repository(ref *FeatureRef) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref.Resource)
	if err != nil {
		return nil, err
	}
	repo.Client = c.authClient
	if c.PlainHTTP != nil {
		repo.PlainHTTP = c.PlainHTTP(ref.Registry)
	}
	return repo, nil
}

// GetManifest fetches the manifest for ref, by the ref's digest pin
// when present and by tag otherwise.
//
// A missing manifest (404) is not an error: the result is simply nil,
// so callers probing whether a reference is an OCI artifact can fall
// through. The returned digest is the registry's canonical manifest
// digest.
func (c *RegistryClient) GetManifest(ctx context.Context, ref *FeatureRef) (*ocispec.Manifest, string, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return nil, "", err
	}
	release, err := c.acquire(ctx, ref.Registry)
	if err != nil {
		return nil, "", err
	}
	defer release()

	target := ref.Version
	if len(ref.Digest) > 0 {
		target = ref.Digest
	}

	slog.Debug("fetching manifest", "resource", ref.Resource, "reference", target)
	desc, rc, err := repo.Manifests().FetchReference(ctx, target)
	if err != nil {
		if errors.Is(err, errdef.ErrNotFound) {
			slog.Debug("manifest not found", "resource", ref.Resource, "reference", target)
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("fetching manifest for %s: %w", ref, err)
	}
	defer rc.Close()

	manifestBytes, err := content.ReadAll(rc, desc)
	if err != nil {
		return nil, "", err
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, "", fmt.Errorf("parsing manifest for %s: %w", ref, err)
	}
	return &manifest, desc.Digest.String(), nil
}

// GetBlob fetches the layer blob dgst, writes it to scratchPath, and
// extracts its tar contents into destDir, skipping any entry whose
// path contains one of the ignore substrings.
//
// Returns the list of extracted paths (relative to destDir).
// Extraction is idempotent: repeated calls produce the same directory
// content.
func (c *RegistryClient) GetBlob(ctx context.Context, ref *FeatureRef, dgst string, destDir string, scratchPath string, ignore []string) ([]string, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return nil, err
	}
	release, err := c.acquire(ctx, ref.Registry)
	if err != nil {
		return nil, err
	}
	defer release()

	slog.Debug("fetching layer blob", "resource", ref.Resource, "digest", dgst)
	desc, err := repo.Blobs().Resolve(ctx, dgst)
	if err != nil {
		return nil, fmt.Errorf("resolving blob %s on %s: %w", dgst, ref.Resource, err)
	}
	blobBytes, err := content.FetchAll(ctx, repo.Blobs(), desc)
	if err != nil {
		return nil, fmt.Errorf("fetching blob %s from %s: %w", dgst, ref.Resource, err)
	}

	// The scratch copy is overwritten per blob; it only exists to
	// make misbehaving archives easy to inspect.
	if err := os.MkdirAll(filepath.Dir(scratchPath), fs.ModeDir|0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(scratchPath, blobBytes, 0o644); err != nil {
		return nil, err
	}

	// Cancellation aborts pending fetches above, but an extraction
	// that has begun runs to completion so no cache directory is left
	// half-written.
	return extractTar(context.WithoutCancel(ctx), blobBytes, destDir, ignore)
}

// extractTar unpacks tarBytes into destDir, skipping entries whose
// path contains any of the ignore substrings, and returns the kept
// entry paths.
func extractTar(ctx context.Context, tarBytes []byte, destDir string, ignore []string) ([]string, error) {
	if err := os.MkdirAll(destDir, fs.ModeDir|0o755); err != nil {
		return nil, err
	}

	var extracted []string
	renamer := func(path string) string {
		for _, needle := range ignore {
			if strings.Contains(path, needle) {
				slog.Debug("skipping archive entry", "path", path)
				return ""
			}
		}
		extracted = append(extracted, path)
		return path
	}
	if err := extract.Tar(ctx, bytes.NewReader(tarBytes), destDir, renamer); err != nil {
		return nil, err
	}
	return extracted, nil
}

// ListPublishedTags returns ref's published tags sorted by descending
// semver, with "latest" hoisted to the front when present.
//
// A repository that doesn't exist yet (404) yields an empty list; that
// is the normal state right before a first publish.
func (c *RegistryClient) ListPublishedTags(ctx context.Context, ref *FeatureRef) ([]string, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return nil, err
	}
	release, err := c.acquire(ctx, ref.Registry)
	if err != nil {
		return nil, err
	}
	defer release()

	var tags []string
	err = repo.Tags(ctx, "", func(page []string) error {
		tags = append(tags, page...)
		return nil
	})
	if err != nil {
		// A repository that's never been pushed to 404s here; that's
		// the normal state right before a first publish.
		var errResp *errcode.ErrorResponse
		if errors.Is(err, errdef.ErrNotFound) || (errors.As(err, &errResp) && errResp.StatusCode == http.StatusNotFound) {
			slog.Debug("no tags published yet", "resource", ref.Resource)
			return nil, nil
		}
		return nil, fmt.Errorf("listing tags for %s: %w", ref.Resource, err)
	}

	sortTagsForDisplay(tags)
	return tags, nil
}

// CheckBlobExists reports whether the registry already holds the blob
// dgst for ref's repository.
func (c *RegistryClient) CheckBlobExists(ctx context.Context, ref *FeatureRef, dgst string, size int64) (bool, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return false, err
	}
	release, err := c.acquire(ctx, ref.Registry)
	if err != nil {
		return false, err
	}
	defer release()

	exists, err := repo.Blobs().Exists(ctx, ocispec.Descriptor{
		MediaType: FeatureLayerMediaType,
		Digest:    digest.Digest(dgst),
		Size:      size,
	})
	if err != nil {
		return false, fmt.Errorf("checking blob %s on %s: %w", dgst, ref.Resource, err)
	}
	return exists, nil
}

// PushBlob uploads blobBytes as desc to ref's repository, skipping the
// upload when the registry already has the digest.
func (c *RegistryClient) PushBlob(ctx context.Context, ref *FeatureRef, desc ocispec.Descriptor, blobBytes []byte) error {
	exists, err := c.CheckBlobExists(ctx, ref, desc.Digest.String(), desc.Size)
	if err != nil {
		return err
	}
	if exists {
		slog.Debug("blob already present; skipping upload", "resource", ref.Resource, "digest", desc.Digest)
		return nil
	}

	repo, err := c.repository(ref)
	if err != nil {
		return err
	}
	release, err := c.acquire(ctx, ref.Registry)
	if err != nil {
		return err
	}
	defer release()

	slog.Debug("uploading blob", "resource", ref.Resource, "digest", desc.Digest, "size", desc.Size)
	if err := repo.Blobs().Push(ctx, desc, bytes.NewReader(blobBytes)); err != nil {
		return fmt.Errorf("uploading blob %s to %s: %w", desc.Digest, ref.Resource, err)
	}
	return nil
}

// PushManifest uploads manifestBytes under tag and returns the
// canonical digest the registry now advertises for it.
//
// The exact bytes handed in are the bytes on the wire; the digest is
// computed over them once and never over a re-serialization, so the
// registry's Docker-Content-Digest is guaranteed to match.
func (c *RegistryClient) PushManifest(ctx context.Context, ref *FeatureRef, manifestBytes []byte, tag string) (string, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return "", err
	}
	release, err := c.acquire(ctx, ref.Registry)
	if err != nil {
		return "", err
	}
	defer release()

	desc := content.NewDescriptorFromBytes(FeatureArtifactMediaType, manifestBytes)
	slog.Debug("uploading manifest", "resource", ref.Resource, "tag", tag, "digest", desc.Digest)
	if err := repo.Manifests().PushReference(ctx, desc, bytes.NewReader(manifestBytes), tag); err != nil {
		return "", fmt.Errorf("uploading manifest %s:%s: %w", ref.Resource, tag, err)
	}
	return desc.Digest.String(), nil
}
