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
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/nlsantos/davit/writ"
)

// runLifecycleHooks fires the in-container lifecycle commands in
// spec order once the devcontainer is up: onCreate, updateContent,
// postCreate, postStart, and finally postAttach when a terminal gets
// attached.
func (cmd *Command) runLifecycleHooks(ctx context.Context, p *writ.DevcontainerParser, remoteEnv writ.EnvVarMap) error {
	remoteUser := *p.Config.RemoteUser

	hooks := []struct {
		name    string
		command *writ.LifecycleCommand
	}{
		{"onCreate", p.Config.OnCreateCommand},
		{"updateContent", p.Config.UpdateContentCommand},
		{"postCreate", p.Config.PostCreateCommand},
		{"postStart", p.Config.PostStartCommand},
	}
	for _, hook := range hooks {
		if hook.command == nil {
			continue
		}
		slog.Debug("lifecycle", "event", hook.name)
		if err := cmd.runLifecycleCommand(ctx, hook.command, remoteEnv, remoteUser, false); err != nil {
			return err
		}
	}

	return cmd.attachIfTerminal(ctx, p, remoteEnv)
}

// runLifecycleCommand determines which parameter of a given lifecycle
// command is active and runs it. A true runOnHost routes the command
// to the host instead of the container.
func (cmd *Command) runLifecycleCommand(ctx context.Context, lc *writ.LifecycleCommand, remoteEnv writ.EnvVarMap, remoteUser string, runOnHost bool) (err error) {
	switch {
	case lc.String != nil:
		if runOnHost {
			err = cmd.runLifecycleCommandOnHost(ctx, true, *lc.String)
		} else {
			err = cmd.runLifecycleCommandInContainer(ctx, remoteEnv, remoteUser, true, *lc.String)
		}

	case len(lc.StringArray) > 0:
		if runOnHost {
			err = cmd.runLifecycleCommandOnHost(ctx, false, lc.StringArray...)
		} else {
			err = cmd.runLifecycleCommandInContainer(ctx, remoteEnv, remoteUser, false, lc.StringArray...)
		}

	case lc.ParallelCommands != nil:
		var wg sync.WaitGroup
		errChan := make(chan error, len(*lc.ParallelCommands))
		for _, pcmd := range *lc.ParallelCommands {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errChan <- cmd.runLifecycleCommand(ctx, &writ.LifecycleCommand{CommandBase: pcmd}, remoteEnv, remoteUser, runOnHost)
			}()
		}
		wg.Wait()
		close(errChan)
		for err = range errChan {
			if err != nil {
				return err
			}
		}
	}
	return err
}

// runLifecycleCommandInContainer executes a lifecycle command
// parameter inside the devcontainer as the remote user.
func (cmd *Command) runLifecycleCommandInContainer(ctx context.Context, remoteEnv writ.EnvVarMap, remoteUser string, runInShell bool, args ...string) error {
	_, _, err := cmd.trillClient.ExecInDevcontainer(ctx, remoteUser, remoteEnv, runInShell, args...)
	return err
}

// runLifecycleCommandOnHost executes a lifecycle command parameter
// locally on the host.
func (cmd *Command) runLifecycleCommandOnHost(ctx context.Context, runInShell bool, args ...string) error {
	var execCmd *exec.Cmd

	if runInShell {
		shell := os.Getenv("SHELL")
		if len(shell) == 0 {
			shell = "/bin/sh"
		}
		slog.Info("running command via shell on host", "shell", shell, "args", args)
		args = append([]string{"-c"}, args...)
		execCmd = exec.CommandContext(ctx, shell, args...)
	} else {
		slog.Info("running command directly on host", "args", args)
		execCmd = exec.CommandContext(ctx, args[0], args[1:]...)
	}

	out, err := execCmd.CombinedOutput()
	slog.Info("command output", "cmd", execCmd.String(), "output", string(out), "error", err)
	return err
}
