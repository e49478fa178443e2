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
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// featurePathPattern constrains the repository path of an OCI-hosted
// Feature: lowercase segments of alphanumerics joined by ./_/-,
// separated by slashes.
var featurePathPattern = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*(/[a-z0-9]+([._-][a-z0-9]+)*)*$`)

// featureVersionPattern constrains a tag per the OCI distribution
// spec's reference grammar.
var featureVersionPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,127}$`)

// tarballURIPattern captures the Feature id out of an HTTPS-hosted
// tarball's file name.
var tarballURIPattern = regexp.MustCompile(`/devcontainer-feature-([A-Za-z0-9_-]+)\.tgz$`)

// gitReleaseIDPattern constrains the trailing id segment of an
// <owner>/<repo>/<id> reference.
var gitReleaseIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]*$`)

// A FeatureRef identifies a Feature hosted in an OCI registry. It is
// immutable after construction.
type FeatureRef struct {
	// Registry is the host (and optional port), e.g. "ghcr.io".
	Registry string
	// Owner is the first path segment below the registry.
	Owner string
	// Namespace is the full path below the registry, minus the id.
	Namespace string
	// Path is namespace + id.
	Path string
	// Resource is registry + path.
	Resource string
	// ID is the last path segment.
	ID string
	// Version is a tag, or "latest" when the reference carried none.
	Version string
	// Digest pins the manifest when the reference carried an
	// @sha256:… suffix (or when a lockfile supplied one).
	Digest string
}

// String renders the reference the way it would be passed back to a
// registry: resource plus tag, plus the digest pin when present.
func (r FeatureRef) String() string {
	if len(r.Digest) > 0 {
		return fmt.Sprintf("%s@%s", r.Resource, r.Digest)
	}
	return fmt.Sprintf("%s:%s", r.Resource, r.Version)
}

// ParseFeatureRef builds a validated FeatureRef out of a user-supplied
// identifier of the form <registry>/<path>[:<tag>][@<digest>].
//
// Identifiers are normalized to lowercase before validation; the path
// below the registry needs at least two segments (a namespace and an
// id).
func ParseFeatureRef(userFeatureID string) (*FeatureRef, error) {
	ref := &FeatureRef{Version: "latest"}

	remainder := strings.ToLower(userFeatureID)
	if at := strings.Index(remainder, "@"); at >= 0 {
		ref.Digest = remainder[at+1:]
		remainder = remainder[:at]
	}

	// A colon past the last slash is a tag separator; one before it
	// would be a registry port, which stays with the resource.
	if colon := strings.LastIndex(remainder, ":"); colon > strings.LastIndex(remainder, "/") {
		ref.Version = remainder[colon+1:]
		remainder = remainder[:colon]
	}

	segments := strings.SplitN(remainder, "/", 2)
	if len(segments) < 2 || len(segments[0]) == 0 || len(segments[1]) == 0 {
		return nil, fmt.Errorf("feature reference has no registry component: %s", userFeatureID)
	}
	ref.Registry = segments[0]
	ref.Path = segments[1]

	if !featurePathPattern.MatchString(ref.Path) {
		return nil, fmt.Errorf("feature reference path is malformed: %s", ref.Path)
	}
	if !featureVersionPattern.MatchString(ref.Version) {
		return nil, fmt.Errorf("feature reference version is malformed: %s", ref.Version)
	}

	pathSegments := strings.Split(ref.Path, "/")
	if len(pathSegments) < 2 {
		return nil, fmt.Errorf("feature reference path needs a namespace and an id: %s", ref.Path)
	}
	ref.Owner = pathSegments[0]
	ref.ID = pathSegments[len(pathSegments)-1]
	ref.Namespace = strings.Join(pathSegments[:len(pathSegments)-1], "/")
	ref.Resource = fmt.Sprintf("%s/%s", ref.Registry, ref.Path)

	return ref, nil
}

// SourceKind tags the variant of a SourceInformation.
type SourceKind string

// The five reference forms a Feature identifier can classify into.
const (
	SourceCached     SourceKind = "cached"
	SourceTarball    SourceKind = "tarball"
	SourceGitRelease SourceKind = "git-release"
	SourceLocalPath  SourceKind = "local-path"
	SourceOCI        SourceKind = "oci"
)

// SourceInformation is a tagged variant describing where a Feature
// came from. Only the fields of the active variant are set; every
// variant carries the original user identifier for diagnostics.
type SourceInformation struct {
	Kind          SourceKind
	UserFeatureID string

	// oci
	Ref            *FeatureRef
	Manifest       *ocispec.Manifest
	ManifestDigest string

	// tarball
	TarballURI string

	// git-release
	Owner string
	Repo  string
	Tag   string

	// all variants
	ID string

	// local-path
	LocalPath string
}

// ClassifyFeature sorts a user-supplied Feature identifier into one of
// the five source variants.
//
// configDir is the folder holding the configuration file (normally the
// workspace's .devcontainer directory); relative references resolve
// against it and must stay inside it.
//
// The OCI arm is speculative: a candidate reference whose registry
// component looks DNS-like is probed for a manifest with the
// devcontainers config media type, and rejected (falling through to
// git-release) otherwise.
func (h *Hoist) ClassifyFeature(ctx context.Context, userFeatureID string, configDir string) (src SourceInformation, err error) {
	src.UserFeatureID = userFeatureID

	switch {
	case !strings.ContainsAny(userFeatureID, `/\`):
		slog.Debug("classified feature reference as a cached built-in", "feature", userFeatureID)
		src.Kind = SourceCached
		src.ID = strings.ToLower(userFeatureID)
		return src, nil

	case strings.HasPrefix(userFeatureID, "http://"), strings.HasPrefix(userFeatureID, "https://"):
		matches := tarballURIPattern.FindStringSubmatch(userFeatureID)
		if matches == nil {
			return src, fmt.Errorf("tarball URI must end in devcontainer-feature-<id>.tgz: %s", userFeatureID)
		}
		slog.Debug("classified feature reference as an HTTPS-hosted tarball", "feature", userFeatureID)
		src.Kind = SourceTarball
		src.TarballURI = userFeatureID
		src.ID = strings.ToLower(matches[1])
		return src, nil

	case strings.HasPrefix(userFeatureID, "/"):
		// https://containers.dev/implementors/features-distribution/#addendum-locally-referenced
		return src, fmt.Errorf("locally-stored features may not be referenced by an absolute path: %s", userFeatureID)

	case strings.HasPrefix(userFeatureID, "./"), strings.HasPrefix(userFeatureID, "../"):
		resolved := filepath.Clean(filepath.Join(configDir, userFeatureID))
		rel, err := filepath.Rel(configDir, resolved)
		if err != nil {
			return src, err
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return src, fmt.Errorf("locally-stored feature escapes the configuration folder: %s", userFeatureID)
		}
		slog.Debug("classified feature reference as a local path", "feature", userFeatureID, "path", resolved)
		src.Kind = SourceLocalPath
		src.LocalPath = resolved
		src.ID = strings.ToLower(filepath.Base(resolved))
		return src, nil
	}

	// Try the OCI form before falling back to git-release. Hostnames
	// without a dot are never registries; skipping them avoids a
	// pointless round-trip for local aliases.
	if ref, refErr := ParseFeatureRef(userFeatureID); refErr == nil && strings.Contains(ref.Registry, ".") {
		manifest, manifestDigest, err := h.Registry.GetManifest(ctx, ref)
		if err != nil {
			return src, err
		}
		if manifest != nil && manifest.Config.MediaType == FeatureConfigMediaType {
			slog.Debug("classified feature reference as an OCI artifact", "feature", userFeatureID, "digest", manifestDigest)
			src.Kind = SourceOCI
			src.Ref = ref
			src.Manifest = manifest
			src.ManifestDigest = manifestDigest
			src.ID = ref.ID
			return src, nil
		}
	}

	remainder := userFeatureID
	src.Tag = "latest"
	if at := strings.Index(remainder, "@"); at >= 0 {
		src.Tag = remainder[at+1:]
		remainder = remainder[:at]
	}
	segments := strings.Split(remainder, "/")
	if len(segments) != 3 || len(segments[0]) == 0 || len(segments[1]) == 0 || len(segments[2]) == 0 {
		return src, fmt.Errorf("unable to classify feature reference: %s", userFeatureID)
	}
	if !gitReleaseIDPattern.MatchString(segments[2]) {
		return src, fmt.Errorf("git-release feature id is malformed: %s", segments[2])
	}
	slog.Debug("classified feature reference as a git release", "feature", userFeatureID, "tag", src.Tag)
	src.Kind = SourceGitRelease
	src.Owner = segments[0]
	src.Repo = segments[1]
	src.ID = segments[2]
	return src, nil
}
