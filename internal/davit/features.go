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

	"github.com/MakeNowJust/heredoc"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"golang.org/x/term"

	"github.com/nlsantos/davit/internal/hoist"
	"github.com/nlsantos/davit/internal/trill"
	"github.com/nlsantos/davit/writ"
)

// featuresTargetStage names the final stage of the generated
// Containerfile.
const featuresTargetStage = "dev_containers_target_stage"

// up is the main provisioning flow: resolve the base image, layer the
// declared Features onto it, start the devcontainer, probe the user
// environment, and run the lifecycle hooks.
func (cmd *Command) up(ctx context.Context, p *writ.DevcontainerParser) ExitCode {
	imageName := createImageTagBase(p)

	// Lifecycle: initialize (runs on the host, before anything is
	// created)
	if p.Config.InitializeCommand != nil {
		if err := cmd.runLifecycleCommand(ctx, p.Config.InitializeCommand, nil, "", true); err != nil {
			slog.Error("initializeCommand failed", "error", err)
			return exitCodeForError(err)
		}
	}

	baseImage, err := cmd.resolveBaseImage(ctx, p, imageName)
	if err != nil {
		slog.Error("could not resolve a base image for the devcontainer", "error", err)
		return ExitError
	}

	if err := cmd.setContainerAndRemoteUser(ctx, p, baseImage); err != nil {
		slog.Error("encountered an error while attempting to determine container/remote user", "image", baseImage, "error", err)
		return ExitError
	}

	configDir := filepath.Dir(p.Filepath)
	ordered, err := cmd.hoist.ResolveFeatureSets(ctx, p.Config.Features, configDir, p.Config.OverrideFeatureInstallOrder)
	if err != nil {
		slog.Error("could not resolve the declared features", "error", err)
		return ExitError
	}

	finalImage := baseImage
	if len(ordered) > 0 {
		if finalImage, err = cmd.buildFeaturesImage(ctx, p, ordered, baseImage, imageName); err != nil {
			slog.Error("could not build the features image", "error", err)
			return ExitError
		}
	}

	merged := hoist.MergeConfiguration(&p.Config, ordered)

	containerID, err := cmd.startDevcontainer(ctx, p, merged, finalImage, imageName)
	if err != nil {
		slog.Error("encountered an error while trying to start the devcontainer", "error", err)
		return ExitError
	}
	p.DevcontainerID = &containerID

	remoteEnv := cmd.probeUserEnv(ctx, p)
	for name, value := range p.Config.RemoteEnv {
		remoteEnv[name] = value
	}

	if err := cmd.runLifecycleHooks(ctx, p, remoteEnv); err != nil {
		slog.Error("lifecycle hook failed", "error", err)
		return exitCodeForError(err)
	}

	return ExitNormal
}

// resolveBaseImage produces the image the Features get layered onto:
// a build of the configuration's Dockerfile, a straight pull of the
// named image, or the primary service's image in a Compose project.
func (cmd *Command) resolveBaseImage(ctx context.Context, p *writ.DevcontainerParser, imageName string) (string, error) {
	switch {
	case p.Config.DockerFile != nil && len(*p.Config.DockerFile) > 0:
		baseTag := fmt.Sprintf("%s%s--base", ImageTagPrefix, imageName)
		buildOpts := trill.BuildImageOptions{
			ContextDir:     *p.Config.Context,
			DockerfilePath: *p.Config.DockerFile,
			Tag:            baseTag,
			SuppressOutput: cmd.suppressOutput,
		}
		if p.Config.Build != nil {
			for arg, val := range p.Config.Build.Args {
				if buildOpts.BuildArgs == nil {
					buildOpts.BuildArgs = map[string]*string{}
				}
				buildOpts.BuildArgs[arg] = &val
			}
			if p.Config.Build.Target != nil {
				buildOpts.Target = *p.Config.Build.Target
			}
		}
		if err := cmd.trillClient.BuildImage(ctx, buildOpts); err != nil {
			return "", err
		}
		return baseTag, nil

	case p.Config.DockerComposeFile != nil && len(*p.Config.DockerComposeFile) > 0:
		return cmd.composeServiceImage(ctx, p, imageName)

	case p.Config.Image != nil && len(*p.Config.Image) > 0:
		if err := cmd.trillClient.PullImage(ctx, *p.Config.Image, cmd.suppressOutput); err != nil {
			return "", err
		}
		return *p.Config.Image, nil
	}

	return "", fmt.Errorf("devcontainer.json specifies an unsupported mode of operation")
}

// buildFeaturesImage stages the fetched Features into a dedicated
// build context, generates an ephemeral Containerfile whose first
// stage is the feature content source, and builds the final image.
func (cmd *Command) buildFeaturesImage(ctx context.Context, p *writ.DevcontainerParser, ordered []*hoist.FeatureSet, baseImage string, imageName string) (string, error) {
	opts := hoist.SynthesizeOptions{
		ContainerUser: valueOrRoot(p.Config.ContainerUser),
		RemoteUser:    valueOrRoot(p.Config.RemoteUser),
		BuildKit:      cmd.Options.BuildKit,
	}

	if err := hoist.WriteFeatureScripts(ordered, opts); err != nil {
		return "", err
	}

	contextDir, err := cmd.stageFeaturesContext(ordered)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := os.RemoveAll(contextDir); err != nil {
			slog.Debug("could not clean up features build context", "path", contextDir, "error", err)
		}
	}()

	fragment, err := hoist.SynthesizeBuildFragment(ordered, opts)
	if err != nil {
		return "", err
	}

	containerfile := heredoc.Docf(`
		FROM scratch AS %s
		COPY . /

		FROM %s AS %s
		%s
		USER %s
	`, hoist.ContentSourceDefaultLabel, baseImage, featuresTargetStage, fragment, opts.ContainerUser)

	containerfilePath := filepath.Join(contextDir, fmt.Sprintf(".%s.Containerfile", cmd.appName))
	if err := os.WriteFile(containerfilePath, []byte(containerfile), 0o644); err != nil {
		return "", err
	}

	imageTag := fmt.Sprintf("%s%s", ImageTagPrefix, imageName)
	err = cmd.trillClient.BuildImage(ctx, trill.BuildImageOptions{
		ContextDir:     contextDir,
		DockerfilePath: filepath.Base(containerfilePath),
		Tag:            imageTag,
		Target:         featuresTargetStage,
		BuildKit:       cmd.Options.BuildKit,
		SuppressOutput: cmd.suppressOutput,
	})
	if err != nil {
		return "", err
	}
	return imageTag, nil
}

// stageFeaturesContext copies every included Feature's populated
// cache directory into a fresh build-context directory, named by
// consecutive id the way the synthesized instructions expect.
func (cmd *Command) stageFeaturesContext(ordered []*hoist.FeatureSet) (string, error) {
	contextDir, err := os.MkdirTemp("", ".features-*")
	if err != nil {
		return "", err
	}

	for _, set := range ordered {
		for _, feature := range set.Features {
			if !feature.Included {
				continue
			}
			staged := filepath.Join(contextDir, feature.ConsecutiveID)
			if err := os.CopyFS(staged, os.DirFS(feature.CachePath)); err != nil {
				_ = os.RemoveAll(contextDir)
				return "", err
			}
		}
	}
	return contextDir, nil
}

// startDevcontainer assembles the container and host configuration
// from the parsed devcontainer.json plus the Features' merged
// contributions, then creates and starts the container.
func (cmd *Command) startDevcontainer(ctx context.Context, p *writ.DevcontainerParser, merged *hoist.MergedConfiguration, imageTag string, containerName string) (string, error) {
	containerEnvs := []string{}
	for key, val := range merged.ContainerEnv {
		containerEnvs = append(containerEnvs, fmt.Sprintf("%s=%s", key, val))
	}

	containerCfg := &container.Config{
		Env:        containerEnvs,
		Image:      imageTag,
		OpenStdin:  true,
		Tty:        true,
		User:       valueOrRoot(p.Config.ContainerUser),
		WorkingDir: *p.Config.WorkspaceFolder,
	}
	if len(merged.Entrypoints) > 0 {
		// Feature entrypoints fire before the image's own command.
		script := strings.Join(merged.Entrypoints, " && ") + ` && exec "$@"`
		containerCfg.Entrypoint = []string{"/bin/sh", "-c", script, "-"}
	}

	hostCfg := &container.HostConfig{
		AutoRemove: true,
		Binds: []string{
			// By default, the context is mounted as the workspace folder
			fmt.Sprintf("%s:%s", *p.Config.Context, *p.Config.WorkspaceFolder),
		},
		CapAdd:      merged.CapAdd,
		Init:        &merged.Init,
		Privileged:  merged.Privileged,
		SecurityOpt: merged.SecurityOpt,
	}
	for _, mountEntry := range merged.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, (mount.Mount)(*mountEntry))
	}

	return cmd.trillClient.StartDevcontainer(ctx, containerCfg, hostCfg, containerName)
}

// setContainerAndRemoteUser tries to determine what value the
// containerUser and remoteUser fields should have based on a target
// image, provided they're not already set.
func (cmd *Command) setContainerAndRemoteUser(ctx context.Context, p *writ.DevcontainerParser, imageTag string) (err error) {
	if p.Config.ContainerUser == nil {
		slog.Info("containerUser not set; attempting to figure it out using image metadata")
		imageCfg, err := cmd.trillClient.InspectImage(ctx, imageTag)
		if err != nil {
			return err
		}
		imageUser := imageCfg.User
		if len(imageUser) == 0 {
			imageUser = "root"
		}
		p.Config.ContainerUser = &imageUser
	} else {
		slog.Debug("containerUser already set; skipping image metadata inspection", "user", *p.Config.ContainerUser)
	}

	if p.Config.RemoteUser == nil {
		slog.Info("remoteUser not set; setting to be the same as containerUser", "user", *p.Config.ContainerUser)
		p.Config.RemoteUser = p.Config.ContainerUser
	}

	return nil
}

// attachIfTerminal hands the terminal over to the container when
// stdin is one, running the postAttach hook first.
func (cmd *Command) attachIfTerminal(ctx context.Context, p *writ.DevcontainerParser, remoteEnv writ.EnvVarMap) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		slog.Debug("stdin is not a terminal; skipping attachment")
		return nil
	}

	if p.Config.PostAttachCommand != nil {
		if err := cmd.runLifecycleCommand(ctx, p.Config.PostAttachCommand, remoteEnv, *p.Config.RemoteUser, false); err != nil {
			return err
		}
	}
	return cmd.trillClient.AttachHostTerminalToDevcontainer()
}

// valueOrRoot dereferences an optional user field, defaulting to
// root.
func valueOrRoot(user *string) string {
	if user == nil || len(*user) == 0 {
		return "root"
	}
	return *user
}
