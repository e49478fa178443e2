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
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/nlsantos/davit/writ"
	"mvdan.cc/sh/v3/syntax"
)

// SynthesizeOptions parameterize build-instruction generation.
type SynthesizeOptions struct {
	// ContainerUser and RemoteUser feed the builtin env file; their
	// home directories are resolved from the image's passwd database
	// at build time.
	ContainerUser string
	RemoteUser    string
	// ContentSourceRoot is the in-image path Feature folders are
	// staged under before install.
	ContentSourceRoot string
	// ContentSourceLabel names the build stage/context the COPY and
	// bind-mount instructions pull Feature files from.
	ContentSourceLabel string
	// BuildKit switches from classic COPY blocks to bind-mounted
	// single-step installs that keep the image small.
	BuildKit bool
}

// defaultedSynthesizeOptions fills the zero values.
func defaultedSynthesizeOptions(opts SynthesizeOptions) SynthesizeOptions {
	if len(opts.ContentSourceRoot) == 0 {
		opts.ContentSourceRoot = "/tmp/dev-container-features"
	}
	if len(opts.ContentSourceLabel) == 0 {
		opts.ContentSourceLabel = ContentSourceDefaultLabel
	}
	if len(opts.ContainerUser) == 0 {
		opts.ContainerUser = "root"
	}
	if len(opts.RemoteUser) == 0 {
		opts.RemoteUser = opts.ContainerUser
	}
	return opts
}

// quoteShell single-quotes v for interpolation into generated shell
// text. Every metadata string that reaches a script goes through
// here; embedded single quotes survive the round trip.
func quoteShell(v string) string {
	quoted, err := syntax.Quote(v, syntax.LangPOSIX)
	if err != nil {
		// Quoting only fails on strings no shell could print (NUL
		// bytes); scrub and retry.
		slog.Warn("metadata string is not shell-printable; scrubbing", "value", v)
		quoted, _ = syntax.Quote(strings.ReplaceAll(v, "\x00", ""), syntax.LangPOSIX)
	}
	return quoted
}

// SynthesizeBuildFragment emits the build-instruction text that
// layers the ordered FeatureSets onto a base image: the builtin-env
// instruction first, then one install block per Feature in install
// order.
func SynthesizeBuildFragment(ordered []*FeatureSet, opts SynthesizeOptions) (string, error) {
	opts = defaultedSynthesizeOptions(opts)

	var fragment strings.Builder
	fragment.WriteString(builtinEnvInstruction(opts))

	for _, set := range ordered {
		for _, feature := range set.Features {
			if !feature.Included {
				continue
			}
			if set.InternalVersion == "1" {
				fragment.WriteString(v1InstallBlock(feature, opts))
				continue
			}

			for _, envKey := range slices.Sorted(maps.Keys(feature.ContainerEnv)) {
				fragment.WriteString(fmt.Sprintf("ENV %s=%s\n", envKey, strconv.Quote(feature.ContainerEnv[envKey])))
			}
			fragment.WriteString(v2InstallBlock(feature, opts))
		}
	}

	return fragment.String(), nil
}

// builtinEnvInstruction writes the container and remote users' names
// and home directories into the builtin env file inside the image.
// Homes come from the image's passwd database, with a /etc/passwd
// grep fallback for images without getent.
func builtinEnvInstruction(opts SynthesizeOptions) string {
	resolveHome := func(user string) string {
		q := quoteShell(user)
		return fmt.Sprintf(`$( (command -v getent >/dev/null 2>&1 && getent passwd %s || grep -E "^%s:" /etc/passwd || true) | cut -d: -f6)`, q, user)
	}

	envFile := opts.ContentSourceRoot + "/" + BuiltinEnvFilename
	return heredoc.Docf(`
		USER root
		RUN mkdir -p %[1]s \
		 && echo "_CONTAINER_USER=%[2]s" >> %[3]s \
		 && echo "_REMOTE_USER=%[4]s" >> %[3]s \
		 && echo "_CONTAINER_USER_HOME=%[5]s" >> %[3]s \
		 && echo "_REMOTE_USER_HOME=%[6]s" >> %[3]s
	`, opts.ContentSourceRoot, opts.ContainerUser, envFile, opts.RemoteUser,
		resolveHome(opts.ContainerUser), resolveHome(opts.RemoteUser))
}

// v1InstallBlock copies a legacy feature folder in and runs its
// install.sh directly; v1 sets predate the wrapper script.
func v1InstallBlock(feature *Feature, opts SynthesizeOptions) string {
	target := opts.ContentSourceRoot + "/" + feature.ConsecutiveID
	return heredoc.Docf(`
		COPY --from=%s %s %s
		RUN cd %s && chmod +x ./%s && ./%s
	`, opts.ContentSourceLabel, feature.ConsecutiveID, target,
		target, FeatureInstallScript, FeatureInstallScript)
}

// v2InstallBlock stages a feature folder and runs its generated
// wrapper script. Classic mode copies the folder into a layer of its
// own; BuildKit mode bind-mounts the content source and removes the
// staged folder in the same step, keeping the image small.
func v2InstallBlock(feature *Feature, opts SynthesizeOptions) string {
	target := opts.ContentSourceRoot + "/" + feature.ConsecutiveID
	if opts.BuildKit {
		return heredoc.Docf(`
			RUN --mount=type=bind,from=%s,source=%s,target=/tmp/build-features-src/%s \
			    cp -ar /tmp/build-features-src/%s %s \
			 && chmod -R 0755 %s \
			 && cd %s \
			 && chmod +x ./%s \
			 && ./%s \
			 && rm -rf %s
		`, opts.ContentSourceLabel, feature.ConsecutiveID, feature.ConsecutiveID,
			feature.ConsecutiveID, opts.ContentSourceRoot,
			target, target, InstallWrapperFilename, InstallWrapperFilename, target)
	}

	return heredoc.Docf(`
		COPY --from=%s %s %s
		RUN chmod -R 0755 %s \
		 && cd %s \
		 && chmod +x ./%s \
		 && ./%s
	`, opts.ContentSourceLabel, feature.ConsecutiveID, target,
		target, target, InstallWrapperFilename, InstallWrapperFilename)
}

// WriteFeatureScripts drops the generated wrapper script and the
// option env file into every v2 Feature's cache directory, completing
// the layout the build fragment expects to find under the content
// source.
func WriteFeatureScripts(ordered []*FeatureSet, opts SynthesizeOptions) error {
	opts = defaultedSynthesizeOptions(opts)
	for _, set := range ordered {
		if set.InternalVersion == "1" {
			continue
		}
		for _, feature := range set.Features {
			if !feature.Included {
				continue
			}
			if err := writeFeatureEnvFile(feature); err != nil {
				return err
			}
			if err := writeInstallWrapper(feature, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeFeatureEnvFile renders the Feature's resolved option values as
// KEY=value lines suitable for `set -o allexport` sourcing.
func writeFeatureEnvFile(feature *Feature) error {
	var envFile strings.Builder
	for _, optionID := range slices.Sorted(maps.Keys(feature.Value)) {
		envFile.WriteString(fmt.Sprintf("%s=%s\n", writ.OptionEnvName(optionID), quoteShell(feature.Value[optionID].Text())))
	}

	path := filepath.Join(feature.CachePath, FeatureEnvFilename)
	slog.Debug("writing feature env file", "feature", feature.ID, "path", path)
	return os.WriteFile(path, []byte(envFile.String()), 0o644)
}

// writeInstallWrapper generates the per-feature install wrapper: it
// logs a banner describing the Feature, sources the builtin and
// feature env files, runs install.sh, and consolidates the error
// message on a non-zero exit.
func writeInstallWrapper(feature *Feature, opts SynthesizeOptions) error {
	displayName := feature.ID
	if feature.Name != nil {
		displayName = *feature.Name
	}
	description := ""
	if feature.Description != nil {
		description = *feature.Description
	}
	documentation := ""
	if feature.DocumentationURL != nil {
		documentation = *feature.DocumentationURL
	}

	failureHint := ""
	if len(documentation) > 0 {
		failureHint = fmt.Sprintf("\n\techo %s", quoteShell("Refer to the documentation for help: "+documentation))
	}

	var optionLines strings.Builder
	for _, optionID := range slices.Sorted(maps.Keys(feature.Value)) {
		optionLines.WriteString(fmt.Sprintf("echo %s\n", quoteShell(fmt.Sprintf("    %s=%s", writ.OptionEnvName(optionID), feature.Value[optionID].Text()))))
	}

	wrapper := heredoc.Docf(`
		#!/bin/sh
		set -o errexit

		on_exit () {
			[ $? -eq 0 ] && exit
			echo %[1]s%[2]s
		}
		trap on_exit EXIT

		echo ===========================================================================
		echo %[3]s
		echo %[4]s
		echo %[5]s
		echo %[6]s
		echo %[7]s
		echo 'Options       :'
		%[8]s
		echo ===========================================================================

		set -o allexport
		. %[9]s/%[10]s
		. ./%[11]s
		set +o allexport

		chmod +x ./%[12]s
		./%[12]s
	`,
		quoteShell(fmt.Sprintf("ERROR: Feature %q (%s) failed to install!", displayName, feature.ConsecutiveID)),
		failureHint,
		quoteShell(fmt.Sprintf("Feature       : %s", displayName)),
		quoteShell(fmt.Sprintf("Description   : %s", description)),
		quoteShell(fmt.Sprintf("Id            : %s", feature.ID)),
		quoteShell(fmt.Sprintf("Version       : %s", feature.Version)),
		quoteShell(fmt.Sprintf("Documentation : %s", documentation)),
		strings.TrimSuffix(optionLines.String(), "\n"),
		opts.ContentSourceRoot, BuiltinEnvFilename,
		FeatureEnvFilename,
		FeatureInstallScript,
	)

	path := filepath.Join(feature.CachePath, InstallWrapperFilename)
	slog.Debug("writing install wrapper", "feature", feature.ID, "path", path)
	return os.WriteFile(path, []byte(wrapper), 0o755)
}

// MergedConfiguration is the union of the top-level configuration
// with every installed Feature's container contributions, appended in
// installation order.
type MergedConfiguration struct {
	ContainerEnv map[string]string
	Mounts       []*writ.MobyMount
	CapAdd       []string
	SecurityOpt  []string
	Init         bool
	Privileged   bool
	Entrypoints  []string
}

// MergeConfiguration folds the ordered Features' contributions into
// the top-level configuration's values.
func MergeConfiguration(config *writ.DevcontainerConfig, ordered []*FeatureSet) *MergedConfiguration {
	merged := &MergedConfiguration{
		ContainerEnv: make(map[string]string),
		CapAdd:       slices.Clone(config.CapAdd),
		SecurityOpt:  slices.Clone(config.SecurityOpt),
		Mounts:       slices.Clone(config.Mounts),
	}
	maps.Copy(merged.ContainerEnv, config.ContainerEnv)
	if config.Init != nil {
		merged.Init = *config.Init
	}
	if config.Privileged != nil {
		merged.Privileged = *config.Privileged
	}

	for _, set := range ordered {
		for _, feature := range set.Features {
			if !feature.Included {
				continue
			}
			for envKey, envValue := range feature.ContainerEnv {
				if _, present := merged.ContainerEnv[envKey]; !present {
					merged.ContainerEnv[envKey] = envValue
				}
			}
			merged.Mounts = append(merged.Mounts, feature.Mounts...)
			merged.CapAdd = appendMissing(merged.CapAdd, feature.CapAdd)
			merged.SecurityOpt = appendMissing(merged.SecurityOpt, feature.SecurityOpt)
			if feature.Init != nil && *feature.Init {
				merged.Init = true
			}
			if feature.Privileged != nil && *feature.Privileged {
				merged.Privileged = true
			}
			if feature.Entrypoint != nil && len(*feature.Entrypoint) > 0 {
				merged.Entrypoints = append(merged.Entrypoints, *feature.Entrypoint)
			}
		}
	}

	return merged
}

// appendMissing appends the values not already present, preserving
// order of first appearance.
func appendMissing(existing []string, incoming []string) []string {
	for _, value := range incoming {
		if !slices.Contains(existing, value) {
			existing = append(existing, value)
		}
	}
	return existing
}
