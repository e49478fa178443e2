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
	"log/slog"
	"maps"
	"slices"

	"github.com/nlsantos/davit/writ"
)

// A deprecatedAlias rewrites a legacy short feature id to its
// canonical OCI reference. Aliases with a foldOption don't stand on
// their own anymore: their declaration folds into the canonical
// Feature as a boolean option.
type deprecatedAlias struct {
	canonical  string
	foldOption string
}

// deprecatedAliases maps the short ids that predate OCI distribution
// to their published successors.
var deprecatedAliases = map[string]deprecatedAlias{
	"common":       {canonical: "ghcr.io/devcontainers/features/common-utils:1"},
	"common-utils": {canonical: "ghcr.io/devcontainers/features/common-utils:1"},
	"docker-in-docker": {
		canonical: "ghcr.io/devcontainers/features/docker-in-docker:1",
	},
	"go":         {canonical: "ghcr.io/devcontainers/features/go:1"},
	"golang":     {canonical: "ghcr.io/devcontainers/features/go:1"},
	"gradle":     {canonical: "ghcr.io/devcontainers/features/java:1", foldOption: "installGradle"},
	"java":       {canonical: "ghcr.io/devcontainers/features/java:1"},
	"jupyterlab": {canonical: "ghcr.io/devcontainers/features/python:1", foldOption: "installJupyterlab"},
	"maven":      {canonical: "ghcr.io/devcontainers/features/java:1", foldOption: "installMaven"},
	"node":       {canonical: "ghcr.io/devcontainers/features/node:1"},
	"python":     {canonical: "ghcr.io/devcontainers/features/python:1"},
}

// RewriteDeprecatedAliases returns a copy of features with legacy
// short ids rewritten to their canonical OCI references, emitting a
// warning per rewrite.
//
// Folding aliases (gradle, maven, jupyterlab) turn into a boolean
// option on the canonical Feature: when the user already declares that
// Feature, the option merges into its existing values; otherwise the
// canonical Feature is appended carrying the alias's values plus the
// fold option.
//
// isBuiltin, when non-nil, reports whether a bare id is packaged with
// the tool; such ids stay as they are, since the built-in copy beats
// the published successor.
func RewriteDeprecatedAliases(features writ.FeatureMap, isBuiltin func(string) bool) writ.FeatureMap {
	rewritten := make(writ.FeatureMap, len(features))
	type fold struct {
		alias      deprecatedAlias
		values     writ.FeatureValues
		userIDUsed string
	}
	var folds []fold

	// Iterate sorted so repeated runs log and fold identically.
	for _, userFeatureID := range slices.Sorted(maps.Keys(features)) {
		values := features[userFeatureID]
		alias, ok := deprecatedAliases[bareFeatureID(userFeatureID)]
		if !ok || userFeatureID != bareFeatureID(userFeatureID) {
			// Only bare short ids are rewritten; qualified references
			// already say where to look.
			rewritten[userFeatureID] = values
			continue
		}
		if isBuiltin != nil && isBuiltin(bareFeatureID(userFeatureID)) {
			rewritten[userFeatureID] = values
			continue
		}

		if len(alias.foldOption) > 0 {
			folds = append(folds, fold{alias: alias, values: values, userIDUsed: userFeatureID})
			continue
		}

		slog.Warn("feature id is deprecated; rewriting to its published form", "feature", userFeatureID, "canonical", alias.canonical)
		mergeFeatureValues(rewritten, alias.canonical, values)
	}

	for _, f := range folds {
		slog.Warn("feature id is deprecated; folding into its successor", "feature", f.userIDUsed, "canonical", f.alias.canonical, "option", f.alias.foldOption)

		enabled := true
		target := findDeclared(rewritten, f.alias.canonical)
		if len(target) == 0 {
			target = f.alias.canonical
			mergeFeatureValues(rewritten, target, f.values)
		}
		if rewritten[target] == nil {
			rewritten[target] = make(writ.FeatureValues)
		}
		rewritten[target][f.alias.foldOption] = writ.FeatureValue{Bool: &enabled}
	}

	return rewritten
}

// findDeclared looks for an existing declaration of the same Feature
// as canonical (matched on the bare id), returning its key.
func findDeclared(features writ.FeatureMap, canonical string) string {
	want := bareFeatureID(canonical)
	for _, userFeatureID := range slices.Sorted(maps.Keys(features)) {
		if bareFeatureID(userFeatureID) == want {
			return userFeatureID
		}
	}
	return ""
}

// mergeFeatureValues adds values under key, merging rather than
// clobbering when two aliases rewrite to the same canonical Feature.
func mergeFeatureValues(features writ.FeatureMap, key string, values writ.FeatureValues) {
	if existing, ok := features[key]; ok {
		for optionID, value := range values {
			if _, present := existing[optionID]; !present {
				existing[optionID] = value
			}
		}
		return
	}
	copied := make(writ.FeatureValues, len(values))
	maps.Copy(copied, values)
	features[key] = copied
}
