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
	"path/filepath"

	compose "github.com/compose-spec/compose-go/cli"

	"github.com/nlsantos/davit/internal/trill"
	"github.com/nlsantos/davit/writ"
)

// composeServiceImage determines the image the primary service of a
// Compose-backed configuration runs, so Features can be layered onto
// it: a declared image is pulled as-is, and a build section is built
// into a local tag first.
func (cmd *Command) composeServiceImage(ctx context.Context, p *writ.DevcontainerParser, imageName string) (string, error) {
	if p.Config.Service == nil || len(*p.Config.Service) == 0 {
		return "", fmt.Errorf("compose-backed configurations need a service field")
	}

	var composePaths []string
	for _, composeFile := range *p.Config.DockerComposeFile {
		composePaths = append(composePaths, filepath.Join(*p.Config.Context, composeFile))
	}

	projectOpts, err := compose.NewProjectOptions(composePaths,
		compose.WithOsEnv,
		compose.WithWorkingDirectory(*p.Config.Context),
		compose.WithName(imageName),
	)
	if err != nil {
		return "", err
	}
	project, err := compose.ProjectFromOptions(projectOpts)
	if err != nil {
		return "", fmt.Errorf("loading compose project: %w", err)
	}

	service, err := project.GetService(*p.Config.Service)
	if err != nil {
		return "", fmt.Errorf("compose project has no service %q: %w", *p.Config.Service, err)
	}

	if service.Build != nil {
		baseTag := fmt.Sprintf("%s%s--%s", ImageTagPrefix, imageName, service.Name)
		slog.Debug("building compose service image", "service", service.Name, "tag", baseTag)
		buildOpts := trill.BuildImageOptions{
			ContextDir:     service.Build.Context,
			DockerfilePath: service.Build.Dockerfile,
			Tag:            baseTag,
			Target:         service.Build.Target,
			SuppressOutput: cmd.suppressOutput,
		}
		if !filepath.IsAbs(buildOpts.ContextDir) {
			buildOpts.ContextDir = filepath.Join(*p.Config.Context, buildOpts.ContextDir)
		}
		if err := cmd.trillClient.BuildImage(ctx, buildOpts); err != nil {
			return "", err
		}
		return baseTag, nil
	}

	if len(service.Image) == 0 {
		return "", fmt.Errorf("service %q declares neither image nor build", service.Name)
	}
	if err := cmd.trillClient.PullImage(ctx, service.Image, cmd.suppressOutput); err != nil {
		return "", err
	}
	return service.Image, nil
}
