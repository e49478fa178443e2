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
	"log/slog"
	"os"
	"strings"

	"oras.land/oras-go/v2/registry/remote/auth"
)

// Environment variables consulted when building registry credentials.
const (
	EnvGitHubToken string = "GITHUB_TOKEN"
	// EnvOCIAuth holds comma-separated <registry>:<token> entries for
	// registries outside the well-known set.
	EnvOCIAuth string = "DEVCONTAINERS_OCI_AUTH"
)

// registryCredential is the credential chain handed to the oras auth
// client. The client performs the Basic-to-bearer exchange against the
// registry's token service and caches the result per (registry,
// scope), so this function only decides which static credential seeds
// the exchange.
func registryCredential(_ context.Context, hostport string) (auth.Credential, error) {
	switch hostport {
	case "mcr.microsoft.com":
		// Anonymous; mcr has no token service worth talking to.
		return auth.EmptyCredential, nil

	case "ghcr.io":
		if token := os.Getenv(EnvGitHubToken); len(token) > 0 {
			slog.Debug("using GITHUB_TOKEN for ghcr.io")
			return auth.Credential{Username: "oauth2", Password: token}, nil
		}
		return auth.EmptyCredential, nil

	case "docker.io", "registry-1.docker.io":
		// Anonymous pulls go through auth.docker.io's token dance,
		// which the auth client handles off the 401 challenge.
		return auth.EmptyCredential, nil
	}

	for entry := range strings.SplitSeq(os.Getenv(EnvOCIAuth), ",") {
		registry, token, found := strings.Cut(entry, ":")
		if !found || registry != hostport {
			continue
		}
		slog.Debug("using DEVCONTAINERS_OCI_AUTH credential", "registry", hostport)
		return auth.Credential{Username: registry, Password: token}, nil
	}

	return auth.EmptyCredential, nil
}
