/*
   trill: a lightweight wrapper for Podman/Docker REST API calls
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

// Package trill houses a thin wrapper for communicating with podman
// and Docker via their REST API.
package trill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/pkg/jsonmessage"
	imagespec "github.com/moby/docker-image-spec/specs-go/v1"
	"github.com/moby/go-archive"
	"github.com/moby/moby/api/types/build"
	mobyclient "github.com/moby/moby/client"
	"github.com/moby/patternmatcher/ignorefile"
	"golang.org/x/term"
)

// BuildImageOptions parameterize an image build.
type BuildImageOptions struct {
	// ContextDir is the build context root on the host.
	ContextDir string
	// DockerfilePath is the Dockerfile, relative to ContextDir.
	DockerfilePath string
	// Tag to apply to the built image.
	Tag string
	// BuildArgs are forwarded as --build-arg pairs.
	BuildArgs map[string]*string
	// Target selects a stage in a multi-stage build.
	Target string
	// BuildKit selects the BuildKit builder; required for builds
	// whose instructions use --mount.
	BuildKit bool
	// SuppressOutput quiets the build stream.
	SuppressOutput bool
}

// BuildImage builds an OCI image from a context directory.
//
// The context is gathered into an intermediary tarball first; while
// the REST API can build without one, having it around makes issues
// pertaining to the context easy to debug.
func (c *Client) BuildImage(ctx context.Context, opts BuildImageOptions) (err error) {
	slog.Debug("building container image", "tag", opts.Tag)
	fmt.Printf("Building image and tagging it as %s...\n", opts.Tag)

	contextArchivePath, err := buildContextArchive(opts.ContextDir)
	if err != nil {
		return err
	}
	contextArchive, err := os.Open(contextArchivePath)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			return
		}

		// contextArchive is closed automatically by the ImageBuild
		// API call
		if err = os.Remove(contextArchive.Name()); err != nil {
			slog.Error("failed cleaning up context archive", "path", contextArchive.Name(), "error", err)
		}
	}()

	buildOpts := mobyclient.ImageBuildOptions{
		Context:        contextArchive,
		Dockerfile:     opts.DockerfilePath,
		BuildArgs:      opts.BuildArgs,
		Remove:         true,
		SuppressOutput: opts.SuppressOutput,
		Tags:           []string{opts.Tag},
		Target:         opts.Target,
	}
	if opts.BuildKit {
		buildOpts.Version = build.BuilderBuildKit
	}

	buildResp, err := c.mobyClient.ImageBuild(ctx, contextArchive, buildOpts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := buildResp.Body.Close(); closeErr != nil {
			slog.Error("could not close build response", "error", closeErr)
		}
	}()

	decoder := json.NewDecoder(buildResp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}

		if err = decoder.Decode(&msg); err == io.EOF {
			err = nil
			break
		} else if err != nil {
			slog.Error("error decoding JSON", "context", err)
			return err
		}

		if msg.Stream != "" && !opts.SuppressOutput {
			PrefixedPrintf := NewPrefixedPrintff("BUILD", opts.Tag)
			PrefixedPrintf("%s", strings.ReplaceAll(msg.Stream, "\n", "\r\n"))
		}
		if msg.Error != "" {
			PrefixedPrintf := NewPrefixedPrintffError("BUILD")
			PrefixedPrintf("%s\r\n", msg.Error)
			err = fmt.Errorf("image build failed: %s", msg.Error)
		}
	}

	return err
}

// PullImage pulls the OCI image from a remote registry so it can be
// used in the creation of a devcontainer.
func (c *Client) PullImage(ctx context.Context, tag string, suppressOutput bool) (err error) {
	slog.Debug("pulling image tag from remote registry", "tag", tag)
	fmt.Printf("Pulling %s from remote registry...\n", tag)
	pullResp, err := c.mobyClient.ImagePull(ctx, tag, mobyclient.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := pullResp.Close(); closeErr != nil {
			slog.Error("could not close pull response", "error", closeErr)
		}
	}()

	if suppressOutput {
		return pullResp.Wait(ctx)
	}

	stdoutFd := os.Stdout.Fd()
	isTerm := term.IsTerminal(int(stdoutFd))
	streamWriter := NewPrefixedStreamWriter(os.Stdout, "PULL", tag)
	if err := jsonmessage.DisplayJSONMessagesStream(pullResp, streamWriter, stdoutFd, isTerm, nil); err != nil {
		slog.Error("error encountered while pulling image", "tag", tag, "error", err)
		return err
	}

	return nil
}

// InspectImage returns the image's runtime configuration (user,
// entrypoint, env) from the runtime's store.
func (c *Client) InspectImage(ctx context.Context, tag string) (*imagespec.DockerOCIImageConfig, error) {
	inspectResp, err := c.mobyClient.ImageInspect(ctx, tag)
	if err != nil {
		return nil, err
	}
	return inspectResp.Config, nil
}

// buildContextExcludesList builds a list of files to be excluded in
// the creation of the context tarball.
//
// Requires ctxDir, the path of the context directory to search
// .containerignore/.dockerignore in.
func buildContextExcludesList(ctxDir string) []string {
	slog.Debug("checking for .containerignore/.dockerignore in context directory")
	ignoreFile := filepath.Join(ctxDir, ".containerignore")
	if _, err := os.Stat(ignoreFile); os.IsNotExist(err) {
		ignoreFile = filepath.Join(ctxDir, ".dockerignore")
	}

	var excludes []string
	f, err := os.Open(ignoreFile)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error(fmt.Sprintf("error opening %s; %v", ignoreFile, err))
		}
		return excludes
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("could not close ignore file handle", "error", err)
		}
	}()

	if excludes, err = ignorefile.ReadAll(f); err != nil {
		slog.Error(fmt.Sprintf("error parsing %s; %v", ignoreFile, err))
	}
	slog.Debug(fmt.Sprintf("applying %d exclusion patterns", len(excludes)))
	return excludes
}

// buildContextArchive gathers the context directory into a tarball.
//
// Creates a tarball rooted at ctxDir and returns the path to the
// created file if successful. If any errors are encountered, returns
// an empty string and the error.
func buildContextArchive(ctxDir string) (string, error) {
	tempFile, err := os.CreateTemp("", fmt.Sprintf(".ctx-%s-*.tar.gz", filepath.Base(ctxDir)))
	if err != nil {
		return "", err
	}
	slog.Debug(fmt.Sprintf("building a context archive for the container as %s", tempFile.Name()))
	defer func() {
		if err := tempFile.Close(); err != nil {
			slog.Error("could not close tempfile", "error", err)
		}
	}()

	tarOpts := &archive.TarOptions{
		// Assign ownership of files to root so we don't run into
		// namespace mapping issues when using Podman.
		ChownOpts: &archive.ChownOpts{
			UID: 0,
			GID: 0,
		},
		Compression:      archive.Gzip,
		ExcludePatterns:  buildContextExcludesList(ctxDir),
		IncludeSourceDir: false,
		NoLchown:         true,
	}

	ctxReader, err := archive.TarWithOptions(ctxDir, tarOpts)
	if err != nil {
		return "", err
	}

	if _, err = io.Copy(tempFile, ctxReader); err != nil {
		return "", err
	}
	return tempFile.Name(), nil
}
