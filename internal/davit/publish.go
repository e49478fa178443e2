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

// Package davit houses the CLI command that provisions devcontainers
// with Features
package davit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/nlsantos/davit/internal/hoist"
	"github.com/nlsantos/davit/writ"
)

// runPublish packages every Feature folder below --publish and pushes
// each to the --namespace repository, finishing with the aggregated
// collection document under the namespace's latest tag.
func (cmd *Command) runPublish(ctx context.Context) ExitCode {
	if len(cmd.Options.Namespace) == 0 {
		fmt.Println("Publishing requires a target namespace (e.g. --namespace ghcr.io/owner/features). Exiting.")
		return ExitError
	}
	namespace := strings.ToLower(strings.TrimSuffix(cmd.Options.Namespace, "/"))

	cacheDir, err := cmd.getCacheDirectory()
	if err != nil {
		slog.Error("could not resolve a cache directory", "error", err)
		return ExitError
	}
	outputDir := filepath.Join(cacheDir, "publish")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		slog.Error("could not create publish staging directory", "path", outputDir, "error", err)
		return ExitError
	}
	cmd.hoist = &hoist.Hoist{
		OutputDir: outputDir,
		Registry:  hoist.NewRegistryClient(),
	}

	entries, err := os.ReadDir(cmd.Options.Publish)
	if err != nil {
		slog.Error("could not read the features source directory", "path", cmd.Options.Publish, "error", err)
		return ExitError
	}

	okPrint := color.New(color.FgGreen).PrintfFunc()
	warnPrint := color.New(color.FgYellow).PrintfFunc()

	var collection writ.DevcontainerCollection
	published := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		featureDir := filepath.Join(cmd.Options.Publish, entry.Name())
		if _, err := os.Stat(filepath.Join(featureDir, hoist.FeatureMetadataFilename)); err != nil {
			slog.Debug("skipping directory without feature metadata", "path", featureDir)
			continue
		}

		featureRef, err := hoist.ParseFeatureRef(fmt.Sprintf("%s/%s", namespace, strings.ToLower(entry.Name())))
		if err != nil {
			slog.Error("could not build a reference for feature", "feature", entry.Name(), "error", err)
			return ExitError
		}

		result, err := cmd.hoist.PublishFeature(ctx, featureDir, featureRef)
		if err != nil {
			slog.Error("publishing failed", "feature", entry.Name(), "error", err)
			return ExitError
		}
		if result.Skipped {
			warnPrint("~ %s: already published; skipped\n", featureRef.Resource)
		} else {
			okPrint("✓ %s (%s) → %s\n", featureRef.Resource, strings.Join(result.PublishedTags, ", "), result.Digest)
			published++
		}
		collection.Features = append(collection.Features, *result.Feature)
	}

	if len(collection.Features) == 0 {
		fmt.Printf("No feature folders found under %s; nothing to do.\n", cmd.Options.Publish)
		return ExitError
	}

	namespaceRef, err := hoist.ParseFeatureRef(namespace)
	if err != nil {
		slog.Error("namespace is not a valid repository reference", "namespace", namespace, "error", err)
		return ExitError
	}
	if _, err := cmd.hoist.PublishCollection(ctx, namespaceRef, collection); err != nil {
		slog.Error("publishing the collection document failed", "error", err)
		return ExitError
	}
	okPrint("✓ %s: collection metadata updated (%d features)\n", namespaceRef.Resource, len(collection.Features))
	fmt.Printf("Published %d of %d features.\n", published, len(collection.Features))

	return ExitNormal
}
