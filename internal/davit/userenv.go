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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nlsantos/davit/writ"
)

// Deadlines for the user-env shell probe. The soft deadline only
// triggers a diagnostic; the hard one abandons the probe.
const (
	userEnvProbeSoftDeadline = 2 * time.Second
	userEnvProbeHardDeadline = 10 * time.Second
)

// userEnvProbeMarker brackets the env dump so shell rc noise on
// either side is discarded.
const userEnvProbeMarker = "__DAVIT_ENV_MARK__"

// probeUserEnv runs the remote user's shell inside the devcontainer
// and captures the environment it sets up (PATH additions from rc
// files, version-manager shims, and the like).
//
// A probe that outlives the soft deadline asynchronously logs a
// process-tree diagnostic, since a hanging rc file is the usual
// culprit; one that outlives the hard deadline is abandoned and
// yields an empty environment.
func (cmd *Command) probeUserEnv(ctx context.Context, p *writ.DevcontainerParser) writ.EnvVarMap {
	env := make(writ.EnvVarMap)

	var shellArgs string
	switch *p.Config.UserEnvProbe {
	case writ.UserEnvProbeNone:
		return env
	case writ.UserEnvProbeLoginShell:
		shellArgs = "-lc"
	case writ.UserEnvProbeInteractiveShell:
		shellArgs = "-ic"
	default: // loginInteractiveShell
		shellArgs = "-lic"
	}

	remoteUser := *p.Config.RemoteUser
	probeCmd := fmt.Sprintf(`$(command -v "$SHELL" || echo /bin/sh) %s 'echo -n %s; env; echo -n %s'`, shellArgs, userEnvProbeMarker, userEnvProbeMarker)

	probeCtx, cancel := context.WithTimeout(ctx, userEnvProbeHardDeadline)
	defer cancel()

	softTimer := time.AfterFunc(userEnvProbeSoftDeadline, func() {
		slog.Warn("user-env probe is slow; dumping the container's process tree", "deadline", userEnvProbeSoftDeadline)
		go func() {
			psOut, _, err := cmd.trillClient.ExecInDevcontainer(context.WithoutCancel(ctx), "root", nil, true, "ps -ef || ps")
			if err != nil {
				slog.Debug("could not capture process tree", "error", err)
				return
			}
			slog.Warn("container process tree", "ps", psOut.String())
		}()
	})
	defer softTimer.Stop()

	stdout, _, err := cmd.trillClient.ExecInDevcontainer(probeCtx, remoteUser, nil, true, probeCmd)
	if err != nil {
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			slog.Warn("user-env probe exceeded the hard deadline; continuing with an empty environment", "deadline", userEnvProbeHardDeadline)
		} else {
			slog.Warn("user-env probe failed; continuing with an empty environment", "error", err)
		}
		return env
	}

	// Keep only what sits between the markers.
	sections := strings.Split(stdout.String(), userEnvProbeMarker)
	if len(sections) < 3 {
		slog.Debug("user-env probe output carried no marked section")
		return env
	}
	for line := range strings.Lines(sections[1]) {
		name, value, found := strings.Cut(strings.TrimRight(line, "\r\n"), "=")
		if !found || len(name) == 0 {
			continue
		}
		env[name] = value
	}

	slog.Debug("user-env probe finished", "vars", len(env))
	return env
}
