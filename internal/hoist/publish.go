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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/moby/go-archive"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/nlsantos/davit/writ"
)

// CollectionLayerMediaType is the media type of the aggregate
// collection document's layer.
const CollectionLayerMediaType string = "application/vnd.devcontainers.collection.layer.v1+json"

// A PublishResult reports what a publish operation did.
type PublishResult struct {
	// PublishedTags lists the tags the manifest went out under.
	PublishedTags []string
	// Digest is the canonical manifest digest the registry advertises.
	Digest string
	// Skipped is set when the exact version was already published.
	Skipped bool
	// Feature is the packaged Feature's parsed metadata; nil for
	// collection pushes.
	Feature *writ.DevcontainerFeatureConfig
}

// GenerateManifest builds the artifact manifest for a Feature layer
// and serializes it once; the returned bytes are the bytes that go on
// the wire, and the returned digest is their sha256. Nothing
// re-serializes the manifest after this point, so the digest computed
// here matches the registry's Docker-Content-Digest.
func GenerateManifest(layerBytes []byte, filename string) (*ocispec.Manifest, []byte, string, error) {
	manifest := &ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: FeatureArtifactMediaType,
		Config: ocispec.Descriptor{
			MediaType: FeatureConfigMediaType,
			Digest:    digest.FromBytes(nil),
			Size:      0,
		},
		Layers: []ocispec.Descriptor{
			{
				MediaType: FeatureLayerMediaType,
				Digest:    digest.FromBytes(layerBytes),
				Size:      int64(len(layerBytes)),
				Annotations: map[string]string{
					ocispec.AnnotationTitle: filename,
				},
			},
		},
	}

	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, nil, "", err
	}
	return manifest, manifestBytes, digest.FromBytes(manifestBytes).String(), nil
}

// PackageFeature archives featureDir as
// <outputDir>/devcontainer-feature-<id>.tgz and returns the archive
// path alongside the parsed metadata. The archive is a plain tar; the
// traditional .tgz name stuck long after compression was dropped.
func (h *Hoist) PackageFeature(featureDir string) (string, *writ.DevcontainerFeatureConfig, error) {
	metadataPath := filepath.Join(featureDir, FeatureMetadataFilename)
	parser, err := writ.NewDevcontainerFeatureParser(metadataPath, nil)
	if err != nil {
		return "", nil, fmt.Errorf("feature folder %s is missing %s: %w", featureDir, FeatureMetadataFilename, err)
	}
	if err := parser.Validate(); err != nil {
		return "", nil, fmt.Errorf("invalid metadata in %s: %w", metadataPath, err)
	}
	if err := parser.Parse(); err != nil {
		return "", nil, err
	}
	if len(parser.Config.ID) == 0 || len(parser.Config.Version) == 0 {
		return "", nil, fmt.Errorf("metadata in %s needs both id and version to publish", metadataPath)
	}

	archiveReader, err := archive.TarWithOptions(featureDir, &archive.TarOptions{
		Compression:      archive.Uncompressed,
		IncludeSourceDir: false,
	})
	if err != nil {
		return "", nil, err
	}
	defer archiveReader.Close()

	archivePath := filepath.Join(h.OutputDir, fmt.Sprintf("devcontainer-feature-%s.tgz", parser.Config.ID))
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return "", nil, err
	}
	defer archiveFile.Close()

	if _, err := io.Copy(archiveFile, archiveReader); err != nil {
		return "", nil, err
	}
	slog.Debug("packaged feature", "feature", parser.Config.ID, "archive", archivePath)
	return archivePath, &parser.Config, nil
}

// PublishFeature packages featureDir and pushes the resulting
// artifact to ref's repository under every tag the semver expansion
// yields. Blobs are HEAD-checked before upload; each manifest PUT's
// Docker-Content-Digest has to match the canonical digest computed
// here.
func (h *Hoist) PublishFeature(ctx context.Context, featureDir string, ref *FeatureRef) (*PublishResult, error) {
	archivePath, config, err := h.PackageFeature(featureDir)
	if err != nil {
		return nil, err
	}
	layerBytes, err := os.ReadFile(archivePath)
	if err != nil {
		return nil, err
	}

	published, err := h.Registry.ListPublishedTags(ctx, ref)
	if err != nil {
		return nil, err
	}
	tags, alreadyPublished, err := ExpandSemverTags(config.Version, published)
	if err != nil {
		return nil, err
	}
	if alreadyPublished {
		slog.Warn("version already published; skipping", "feature", config.ID, "version", config.Version)
		return &PublishResult{Skipped: true, Feature: config}, nil
	}

	manifest, manifestBytes, canonicalDigest, err := GenerateManifest(layerBytes, filepath.Base(archivePath))
	if err != nil {
		return nil, err
	}

	result, err := h.pushArtifact(ctx, ref, manifest, manifestBytes, canonicalDigest, layerBytes, tags)
	if err != nil {
		return nil, err
	}
	result.Feature = config
	return result, nil
}

// PublishCollection aggregates the given Features' metadata into the
// collection document and pushes it under the fixed "latest" tag on
// the namespace-level repository.
func (h *Hoist) PublishCollection(ctx context.Context, ref *FeatureRef, collection writ.DevcontainerCollection) (*PublishResult, error) {
	collectionBytes, err := json.MarshalIndent(collection, "", "    ")
	if err != nil {
		return nil, err
	}

	collectionPath := filepath.Join(h.OutputDir, CollectionFilename)
	if err := os.WriteFile(collectionPath, collectionBytes, 0o644); err != nil {
		return nil, err
	}
	slog.Debug("wrote collection document", "path", collectionPath, "features", len(collection.Features))

	manifest := &ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: FeatureArtifactMediaType,
		Config: ocispec.Descriptor{
			MediaType: FeatureConfigMediaType,
			Digest:    digest.FromBytes(nil),
			Size:      0,
		},
		Layers: []ocispec.Descriptor{
			{
				MediaType: CollectionLayerMediaType,
				Digest:    digest.FromBytes(collectionBytes),
				Size:      int64(len(collectionBytes)),
				Annotations: map[string]string{
					ocispec.AnnotationTitle: CollectionFilename,
				},
			},
		},
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}

	canonicalDigest := digest.FromBytes(manifestBytes).String()
	return h.pushArtifact(ctx, ref, manifest, manifestBytes, canonicalDigest, collectionBytes, []string{"latest"})
}

// pushArtifact uploads the artifact's blobs (config and layer), then
// the manifest under each tag, verifying the registry hands back the
// canonical digest every time.
func (h *Hoist) pushArtifact(ctx context.Context, ref *FeatureRef, manifest *ocispec.Manifest, manifestBytes []byte, canonicalDigest string, layerBytes []byte, tags []string) (*PublishResult, error) {
	if err := h.Registry.PushBlob(ctx, ref, manifest.Config, nil); err != nil {
		return nil, err
	}
	if err := h.Registry.PushBlob(ctx, ref, manifest.Layers[0], layerBytes); err != nil {
		return nil, err
	}

	result := &PublishResult{Digest: canonicalDigest}
	for _, tag := range tags {
		registryDigest, err := h.Registry.PushManifest(ctx, ref, manifestBytes, tag)
		if err != nil {
			return nil, err
		}
		if registryDigest != canonicalDigest {
			return nil, fmt.Errorf("registry digest %s for %s:%s does not match canonical digest %s", registryDigest, ref.Resource, tag, canonicalDigest)
		}
		slog.Info("pushed manifest", "resource", ref.Resource, "tag", tag, "digest", registryDigest)
		result.PublishedTags = append(result.PublishedTags, tag)
	}

	return result, nil
}
