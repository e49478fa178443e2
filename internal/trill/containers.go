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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/matoous/go-nanoid/v2"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	mobyclient "github.com/moby/moby/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/term"

	"github.com/nlsantos/davit/writ"
)

// An ExecError carries the non-zero exit code of a command ran inside
// a container, so callers can map well-known shell codes (e.g. 126
// for a non-executable script) onto their own exit statuses.
type ExecError struct {
	Cmd      string
	ExitCode int
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("command %q returned non-zero exit code: %d", e.Cmd, e.ExitCode)
}

// ExecInDevcontainer runs a command inside the designated
// devcontainer.
func (c *Client) ExecInDevcontainer(ctx context.Context, remoteUser string, env writ.EnvVarMap, runInShell bool, args ...string) (bytes.Buffer, bytes.Buffer, error) {
	return c.ExecInContainer(ctx, c.ContainerID, remoteUser, env, runInShell, args...)
}

// ExecInContainer runs a command inside a container designated by
// containerID.
//
// If runInShell is true, args is ran via `/bin/sh -c`; otherwise,
// args[0] is treated as the program name. A command that exits
// non-zero yields an *ExecError.
func (c *Client) ExecInContainer(ctx context.Context, containerID string, remoteUser string, env writ.EnvVarMap, runInShell bool, args ...string) (cmdStdout bytes.Buffer, cmdStderr bytes.Buffer, err error) {
	if runInShell {
		shellCmd := []string{"/bin/sh", "-c"}
		args = append(shellCmd, args...)
	}
	cmd := strings.Join(args, " ")
	slog.Info("running command in container", "container", containerID, "cmd", cmd)

	execCreateOpts := mobyclient.ExecCreateOptions{
		User:         remoteUser,
		TTY:          false,
		AttachStderr: true,
		AttachStdout: true,
		Cmd:          args,
	}
	for name, val := range env {
		execCreateOpts.Env = append(execCreateOpts.Env, fmt.Sprintf("%s=%s", name, val))
	}
	slog.Debug("creating execution context", "container", containerID, "opts", execCreateOpts)
	execCreateRes, err := c.mobyClient.ExecCreate(ctx, containerID, execCreateOpts)
	if err != nil {
		slog.Error("encountered error while preparing execution context", "error", err)
		return cmdStdout, cmdStderr, err
	}
	slog.Debug("executing command", "container", containerID, "context", execCreateRes.ID)
	execAttachRes, err := c.mobyClient.ExecAttach(ctx, execCreateRes.ID, mobyclient.ExecAttachOptions{})
	if err != nil {
		slog.Error("encountered error while executing the command", "error", err)
		return cmdStdout, cmdStderr, err
	}
	defer execAttachRes.Close()

	if _, err = stdcopy.StdCopy(&cmdStdout, &cmdStderr, execAttachRes.Reader); err != nil {
		slog.Error("could not demultiplex output from command", "cmd", cmd, "error", err)
		return cmdStdout, cmdStderr, err
	}

	execInspectRes, err := c.mobyClient.ExecInspect(ctx, execCreateRes.ID, mobyclient.ExecInspectOptions{})
	if err != nil {
		slog.Error("encountered error while inspecting execution context", "error", err)
		return cmdStdout, cmdStderr, err
	}

	slog.Debug("command output", "cmd", cmd, "stdout", cmdStdout.String(), "stderr", cmdStderr.String())
	if execInspectRes.ExitCode != 0 {
		slog.Error("command ran in container returned non-zero", "exit-code", execInspectRes.ExitCode, "cmd", cmd)
		err = &ExecError{Cmd: cmd, ExitCode: execInspectRes.ExitCode}
	}

	return cmdStdout, cmdStderr, err
}

// ExecInTempContainer spins up a container based on containerCfg and
// hostCfg then runs the specified command in it, returning the stdout
// and stderr (if applicable).
func (c *Client) ExecInTempContainer(ctx context.Context, containerCfg *container.Config, hostCfg *container.HostConfig, env writ.EnvVarMap, args ...string) (cmdStdout bytes.Buffer, cmdStderr bytes.Buffer, err error) {
	tempContainerName, err := gonanoid.New(16)
	if err != nil {
		slog.Error("encountered an error while trying to generate a name for a temporary container", "error", err)
		return cmdStdout, cmdStderr, err
	}
	tempContainerID, err := c.CreateAndStartContainer(ctx, containerCfg, hostCfg, fmt.Sprintf("tmp--%s", tempContainerName))
	if err != nil {
		slog.Error("encountered an error while spinning up a temporary container", "error", err)
		return cmdStdout, cmdStderr, err
	}
	defer func() {
		if stopErr := c.StopContainer(tempContainerID); stopErr != nil {
			slog.Error("could not stop temporary container", "container", tempContainerID, "error", stopErr)
		}
	}()

	return c.ExecInContainer(ctx, tempContainerID, containerCfg.User, env, true, args...)
}

// CreateAndStartContainer creates a container from the passed in
// configuration and starts it, returning the runtime's id for it.
func (c *Client) CreateAndStartContainer(ctx context.Context, containerCfg *container.Config, hostCfg *container.HostConfig, containerName string) (string, error) {
	slog.Debug("using container config", "config", containerCfg)
	slog.Debug("using host config", "config", hostCfg)

	createResp, err := c.mobyClient.ContainerCreate(ctx, mobyclient.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
		Name:       containerName,
		Platform: &ocispec.Platform{
			Architecture: c.Platform.Architecture,
			OS:           c.Platform.OS,
		},
	})
	if err != nil {
		slog.Error("encountered an error creating a container", "error", err)
		return "", err
	}
	slog.Debug("container created successfully", "id", createResp.ID)

	if _, err := c.mobyClient.ContainerStart(ctx, createResp.ID, mobyclient.ContainerStartOptions{}); err != nil {
		slog.Error("encountered an error while trying to start the container", "error", err)
		return createResp.ID, err
	}
	slog.Debug("container started successfully", "id", createResp.ID)
	return createResp.ID, nil
}

// StartDevcontainer creates, attaches to, and starts the designated
// devcontainer. Attaching before start prevents missing a log replay
// upon attachment.
func (c *Client) StartDevcontainer(ctx context.Context, containerCfg *container.Config, hostCfg *container.HostConfig, containerName string) (string, error) {
	createResp, err := c.mobyClient.ContainerCreate(ctx, mobyclient.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
		Name:       containerName,
		Platform: &ocispec.Platform{
			Architecture: c.Platform.Architecture,
			OS:           c.Platform.OS,
		},
	})
	if err != nil {
		slog.Error("encountered an error creating the devcontainer", "error", err)
		return "", err
	}
	c.ContainerID = createResp.ID

	slog.Debug("attempting to attach to container", "id", c.ContainerID)
	attachResp, err := c.mobyClient.ContainerAttach(ctx, c.ContainerID, mobyclient.ContainerAttachOptions{
		Logs:   true,
		Stderr: true,
		Stdin:  true,
		Stdout: true,
		Stream: true,
	})
	if err != nil {
		slog.Error("encountered an error attaching to the container", "error", err)
		return c.ContainerID, err
	}
	c.attachResp = &attachResp.HijackedResponse

	if _, err := c.mobyClient.ContainerStart(ctx, c.ContainerID, mobyclient.ContainerStartOptions{}); err != nil {
		slog.Error("encountered an error while trying to start the devcontainer", "error", err)
		return c.ContainerID, err
	}
	slog.Debug("devcontainer started successfully", "id", c.ContainerID)
	return c.ContainerID, nil
}

// StopContainer asks the runtime to stop the given container.
func (c *Client) StopContainer(containerID string) error {
	if _, err := c.mobyClient.ContainerStop(context.Background(), containerID, mobyclient.ContainerStopOptions{}); err != nil {
		slog.Error("encountered an error while trying to stop a container", "error", err, "container-id", containerID)
		return err
	}
	return nil
}

// StopDevcontainer signals the devcontainer to terminate.
//
// There is normally no reason to call this directly: this is intended
// to assist with cleanup when errors are encountered.
func (c *Client) StopDevcontainer() error {
	return c.StopContainer(c.ContainerID)
}

// AttachHostTerminalToDevcontainer attempts to route input from the
// terminal into the container's pseudo-TTY, and redirect the
// pseudo-TTY's output to the host terminal.
//
// This allows usage of the container in a terminal as one would,
// e.g., a regular shell
func (c *Client) AttachHostTerminalToDevcontainer() (err error) {
	slog.Debug("attempting to attach host terminal to container", "container", c.ContainerID)
	if c.attachResp == nil {
		return fmt.Errorf("attempted to attach host terminal without a container connection")
	}

	if c.isAttached {
		slog.Debug("attempt to attach host terminal when it's already attached; no-op")
		return nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("stdin is not a terminal")
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("stdout is not a terminal")
	}

	c.isAttached = true

	slog.Debug("attempting to resize container's pseudo-TTY")
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		slog.Error("encountered an error trying to get the terminal's dimensions", "error", err)
		return err
	}

	if err = c.ResizeContainer(uint(h), uint(w)); err != nil { // #nosec G115
		return err
	}
	slog.Debug("setting up hooks to handle terminal resizing")
	c.listenForTerminalResize()

	slog.Debug("setting host terminal to raw mode")
	restoreTerm, err := c.switchTerminalToRaw()
	if err != nil {
		return err
	}
	defer restoreTerm()

	slog.Debug("setting up terminal input/output")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := io.Copy(os.Stdout, c.attachResp.Reader); err != nil && err != io.EOF {
			slog.Error("encountered an error copying container output to stdout", "error", err)
		}
	}()
	go func() {
		if _, err := io.Copy(c.attachResp.Conn, os.Stdin); err != nil && !errors.Is(err, syscall.EPIPE) {
			slog.Error("encountered an error copying terminal input to container", "error", err)
		}
	}()

	wg.Wait()
	slog.Debug("detached from container", "id", c.ContainerID)

	return nil
}

// ResizeContainer sets the container's internal pseudo-TTY height and
// width to the passed in values.
func (c *Client) ResizeContainer(h uint, w uint) (err error) {
	_, err = c.mobyClient.ContainerResize(context.Background(), c.ContainerID, mobyclient.ContainerResizeOptions{
		Height: h,
		Width:  w,
	})
	return err
}

// switchTerminalToRaw attempts to switch the current terminal to raw
// mode.
//
// If no errors are encountered, returns a function that restores the
// previous state of the terminal.
//
// Switching the terminal to raw mode ensures that input with
// control characters (e.g., Ctrl-D) get passed through to the
// container
func (c *Client) switchTerminalToRaw() (func(), error) {
	slog.Debug("switching terminal to raw mode")
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		slog.Error("encountered an error while trying to switch terminal to raw mode", "error", err)
		return nil, err
	}

	return func() {
		slog.Debug("restoring terminal state")
		if err := term.Restore(fd, oldState); err != nil {
			slog.Error("encountered an error while trying to restore terminal state", "error", err)
		}
	}, nil
}
