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

// Package hoist houses the devcontainer Features pipeline: reference
// classification, artifact retrieval and caching, installation-order
// resolution, build-instruction synthesis, and publishing back to an
// OCI registry.
package hoist

import (
	"fmt"
	"io/fs"
	"sync/atomic"

	"github.com/nlsantos/davit/writ"
)

// Media types used by Features distributed as OCI artifacts.
//
// https://containers.dev/implementors/features-distribution/
const (
	FeatureArtifactMediaType string = "application/vnd.oci.image.manifest.v1+json"
	FeatureConfigMediaType   string = "application/vnd.devcontainers"
	FeatureLayerMediaType    string = "application/vnd.devcontainers.layer.v1+tar"
)

// Well-known file names inside a Feature's artifact and its populated
// cache directory.
const (
	FeatureMetadataFilename   string = "devcontainer-feature.json"
	CollectionFilename        string = "devcontainer-collection.json"
	V1CollectionFilename      string = "devcontainer-features.json"
	InstallWrapperFilename    string = "devcontainer-features-install.sh"
	BuiltinEnvFilename        string = "devcontainer-features.builtin.env"
	FeatureEnvFilename        string = "devcontainer-features.env"
	FeatureInstallScript      string = "install.sh"
	OCIBlobCacheSubdirectory  string = "ociCache"
	ContentSourceDefaultLabel string = "dev_containers_feature_content_source"
)

// A Feature is the installable unit: merged metadata plus the runtime
// fields attached during resolution.
type Feature struct {
	writ.DevcontainerFeatureConfig

	// CachePath is the directory the Feature's files were
	// fetched/copied into.
	CachePath string
	// ConsecutiveID is unique per resolver invocation, even when the
	// same Feature is referenced more than once.
	ConsecutiveID string
	// Value holds the user-supplied option bindings from
	// devcontainer.json.
	Value writ.FeatureValues
	// Included tracks whether the Feature made it into the install
	// set.
	Included bool
}

// A FeatureSet is one or more Features sharing a source reference.
type FeatureSet struct {
	Features        []*Feature
	Source          SourceInformation
	InternalVersion string // "1" or "2"
	// ComputedDigest is the sha256 of the tar bytes that populated
	// the Features' cache directories, when a tar was involved.
	ComputedDigest string
}

// Hoist carries the scoped state threaded through a single resolver
// invocation. There is no ambient global state; the one mutable shared
// value is the consecutive-ID counter, which is atomic so fetch tasks
// can run concurrently.
type Hoist struct {
	// OutputDir is the staging root: Feature cache directories, the
	// OCI blob scratch file, and publisher archives all live below
	// it.
	OutputDir string
	// Registry performs all OCI distribution traffic.
	Registry *RegistryClient
	// Lock is the lockfile consulted before network fetches; may be
	// nil when no lockfile is in play.
	Lock *Lockfile
	// Builtins holds the Features packaged with the tool, addressed
	// by bare id.
	Builtins fs.FS
	// Memo is the cache-wide digest table shared by every workspace
	// using OutputDir; nil disables staleness tracking.
	Memo *DigestMemo

	counter atomic.Int64
}

// nextConsecutiveID returns "<id>_<n>" with n unique for the lifetime
// of this Hoist.
func (h *Hoist) nextConsecutiveID(id string) string {
	return fmt.Sprintf("%s_%d", id, h.counter.Add(1))
}
