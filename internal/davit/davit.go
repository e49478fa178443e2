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
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/go-git/go-git/v6"
	"github.com/golang-cz/devslog"
	"github.com/pborman/options"

	"github.com/nlsantos/davit/internal/hoist"
	"github.com/nlsantos/davit/internal/trill"
	"github.com/nlsantos/davit/writ"
)

// ExitCode is a list of numeric exit codes used by davit
type ExitCode uint

// Exiting davit returns one of these values to the shell. Structured
// failures all collapse to ExitError; the one exception preserves the
// shell's 126 for a lifecycle script that wasn't executable.
const (
	ExitNormal ExitCode = 0
	ExitError  ExitCode = 1

	ExitScriptNotExecutable ExitCode = 126
)

// ImageTagPrefix is the default prefix used for the tag of images
// built by davit
const ImageTagPrefix = "localhost/devc--"

// StandardDevcontainerJSONPatterns is a list of paths and globs where
// devcontainer.json files could reside.
//
// Based on
// https://containers.dev/implementors/spec/#devcontainerjson; update
// as necessary.
var StandardDevcontainerJSONPatterns = []string{
	".devcontainer.json",
	".devcontainer/devcontainer.json",
	".devcontainer/*/devcontainer.json",
}

// VersionText is just the message printed out when version
// information is requested.
var VersionText = heredoc.Doc(`
    %s, version %s
    Native Go tooling for devcontainers and their Features
    Copyright (C) 2025  Neil Santos

    License GPLv3+: GNU GPL version 3 or later <http://gnu.org/licenses/gpl.html>

    This is free software; you are free to change and redistribute it.
    There is NO WARRANTY, to the extent permitted by law.
`)

// Command holds state useful in davit's operations
type Command struct {
	Arguments []string
	Options   struct {
		Help         options.Help  `getopt:"-h --help display this help message"`
		BuildKit     bool          `getopt:"-k --buildkit install features via BuildKit bind mounts instead of COPY layers"`
		Config       options.Flags `getopt:"-c --config=PATH path to rc file"`
		Debug        bool          `getopt:"-d --debug enable debug messsages (implies -v)"`
		Namespace    string        `getopt:"-n --namespace=REF registry namespace to publish features under"`
		PlatformArch string        `getopt:"-a --platform-arch target architecture for the container; defaults to amd64"`
		PlatformOS   string        `getopt:"-o --platform-os target operating system for the container; defaults to linux"`
		Publish      string        `getopt:"-P --publish=DIR publish the feature folders under DIR instead of bringing up a devcontainer"`
		Socket       string        `getopt:"-s --socket=ADDR URI to the Podman/Docker socket"`
		ValidateOnly bool          `getopt:"-V --validate parse and validate the config and exit immediately"`
		Verbose      bool          `getopt:"-v --verbose enable diagnostic messages"`
		Version      bool          `getopt:"--version display version informaiton then exit"`
	}

	appName        string
	suppressOutput bool

	hoist       *hoist.Hoist
	trillClient *trill.Client
}

// NewCommand initializes the command's lifecycle
func NewCommand(appName string, appVersion string) ExitCode {
	var cmd Command
	var err error
	cmd.appName = appName

	cmd.parseOptions(appName, appVersion)
	slog.Debug("command line options parsed", "opts", cmd.Options)
	slog.Debug("command line arguments", "args", cmd.Arguments)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cmd.Options.Publish) > 0 {
		return cmd.runPublish(ctx)
	}

	targetDevcontainerJSON := findDevcontainerJSON(cmd.Arguments)
	slog.Debug("instantiating a parser for devcontainer.json", "path", targetDevcontainerJSON)

	parser, err := writ.NewDevcontainerParser(targetDevcontainerJSON)
	if err != nil {
		slog.Error("devcontainer.json could not be read", "path", targetDevcontainerJSON, "error", err)
		return ExitError
	}
	if err = parser.Validate(); err != nil {
		slog.Error("devcontainer.json has syntax errors", "path", targetDevcontainerJSON, "error", err)
		return ExitError
	}
	if err = parser.Parse(); err != nil {
		slog.Error("devcontainer.json could not be parsed", "path", targetDevcontainerJSON, "error", err)
		return ExitError
	}
	if cmd.Options.ValidateOnly {
		slog.Info("devcontainer.json validated and parsed successfully", "path", targetDevcontainerJSON)
		return ExitNormal
	}

	if cmd.trillClient, err = trill.NewClient(cmd.Options.Socket); err != nil {
		slog.Error("could not set up a connection to Podman/Docker", "error", err)
		fmt.Println("fatal: Could not connect to a Podman/Docker socket. Exiting.")
		return ExitError
	}
	cmd.trillClient.Platform = trill.Platform{
		Architecture: cmd.Options.PlatformArch,
		OS:           cmd.Options.PlatformOS,
	}
	defer func() {
		if len(cmd.trillClient.ContainerID) > 0 {
			if *parser.Config.ShutdownAction == writ.ShutdownActionStopContainer {
				_ = cmd.trillClient.StopDevcontainer()
			}
		}
		if err = cmd.trillClient.Close(); err != nil {
			slog.Error("received an error while closing the trill client", "error", err)
		}
	}()

	if err = cmd.setUpHoist(parser.Filepath); err != nil {
		slog.Error("could not set up the features pipeline", "error", err)
		return ExitError
	}

	exitCode := cmd.up(ctx, parser)

	if cmd.hoist.Lock != nil {
		if err := cmd.hoist.Lock.Save(); err != nil {
			slog.Error("could not write lockfile", "error", err)
		}
	}
	if cmd.hoist.Memo != nil {
		if err := cmd.hoist.Memo.Save(); err != nil {
			// Losing the memo only costs a staleness hint next run.
			slog.Debug("could not save digest memo", "error", err)
		}
	}

	return exitCode
}

// setUpHoist wires the features pipeline: output directory, registry
// client, lockfile, digest memo, and the built-in features.
func (cmd *Command) setUpHoist(configPath string) error {
	cacheDir, err := cmd.getCacheDirectory()
	if err != nil {
		return err
	}
	outputDir := filepath.Join(cacheDir, "features")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	lockfile, err := hoist.LoadLockfile(configPath)
	if err != nil {
		return err
	}
	memo, err := hoist.LoadDigestMemo(outputDir)
	if err != nil {
		return err
	}

	cmd.hoist = &hoist.Hoist{
		OutputDir: outputDir,
		Registry:  hoist.NewRegistryClient(),
		Lock:      lockfile,
		Memo:      memo,
		Builtins:  builtinFeatures(),
	}
	return nil
}

// Try to generate a distinct yet meaningful name for the generated
// OCI image based on available metadata.
//
// If the context directory is a git repository, this function will
// build a name using various git-related information; otherwise, it
// defaults to the basename of the contect directory.
func createImageTagBase(p *writ.DevcontainerParser) string {
	// Use the basename of the devcontainer.json's context as default
	// value
	ctxDir := *p.Config.Context
	retval := filepath.Base(ctxDir)

	// Attempt to open the repository in the current directory
	openOpts := git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	}
	repo, err := git.PlainOpenWithOptions(ctxDir, &openOpts)
	if err != nil {
		slog.Debug("does not seem to be in a git repo; using default")
		return retval
	}

	cfg, err := repo.Config()
	if err != nil {
		slog.Error(fmt.Sprintf("could not open git repo configuration: %v", err))
		return retval
	}

	// Try to get the URL of the origin remote
	remote, ok := cfg.Remotes["origin"]
	if !ok {
		slog.Debug("remote named 'origin' not found")
		return retval
	}

	repoURL := remote.URLs[0]
	repoName := strings.TrimSuffix(filepath.Base(repoURL), ".git")

	headRef, err := repo.Head()
	if err != nil {
		slog.Error(fmt.Sprintf("unable to determine abbreviated reference name: %v", err))
		return repoName
	}

	refName := headRef.Name()
	if refName == "HEAD" {
		retval = fmt.Sprintf("%s--%s", repoName, headRef.Hash().String())
	} else {
		retval = fmt.Sprintf("%s--%s", repoName, refName.Short())
	}
	invalidContainerNamePattern := regexp.MustCompile("[^a-zA-Z0-9_.-]")
	// Replace non-valid characters for container names with an
	// underscore
	retval = invalidContainerNamePattern.ReplaceAllString(retval, "_")

	return retval
}

// findDevcontainerJSON attempts to find a suitable devcontainer.json
// given a list of path patterns and/or plain paths.
//
// paths may contain strings incorporating patterns supported by
// [filepath.Glob]
//
// If paths is empty, it attempts to find one or more valid file paths
// using StandardDevcontainerJSONPatterns. Otherwise, paths is
// iterated upon.
//
// Returns a string if a valid devcontainers.json is found; any errors
// encountered, it runs os.Exit() with the appropriate ExitCode value,
// except for a malformed glob pattern, which panics.
func findDevcontainerJSON(paths []string) string {
	if len(paths) == 0 {
		slog.Debug("iterating through standard devcontainer.json paths/patterns", "paths", StandardDevcontainerJSONPatterns)
		return findDevcontainerJSON(StandardDevcontainerJSONPatterns)
	}

	slog.Debug("iterating through given paths/patterns looking for a devcontainer.json", "paths", paths)
	var candidates []string
	for _, path := range paths {
		matches, err := filepath.Glob(path)
		if err != nil {
			panic(err)
		}

		for _, match := range matches {
			if _, err := os.Stat(match); err != nil {
				continue
			}
			if abspath, err := filepath.Abs(match); err == nil {
				candidates = append(candidates, abspath)
			}
		}
	}

	switch {
	case len(candidates) == 0:
		slog.Debug("unable to find any devcontainer.json candidates")
		fmt.Println("Unable to find a valid devcontainer.json file to target; exiting.")
		os.Exit(int(ExitError))

	case len(candidates) > 1:
		slog.Debug("found multiple devcontainer.json candidates; giving up", "candidates", candidates)
		fmt.Println(heredoc.Doc(`
			Found multiple possible devcontainer configurations.
			Specify one explicitly as an argument in the command line flag to continue.

			The following paths are eligible candidates:
		`))
		for _, target := range candidates {
			fmt.Printf("\t%s\n", target)
		}
		os.Exit(int(ExitError))

	default:
		slog.Debug("found a devcontainer.json to target", "path", candidates[0])
	}

	return candidates[0]
}

// parseOptions parses the command-line options and parameters and
// does a little housekeeping.
func (c *Command) parseOptions(appName string, appVersion string) {
	options.SetDisplayWidth(80)
	options.SetHelpColumn(40)
	options.SetParameters("<path-to-devcontainer.json>")
	options.Register(&c.Options)
	c.setFlagsFile(appName)
	c.Arguments = options.Parse()

	if c.Options.Version {
		fmt.Printf(VersionText, appName, appVersion)
		os.Exit(int(ExitNormal))
	}

	logLevel := new(slog.LevelVar)
	switch {
	case c.Options.Debug:
		logLevel.Set(slog.LevelDebug)
	case c.Options.Verbose:
		logLevel.Set(slog.LevelInfo)
	default:
		logLevel.Set(slog.LevelError)
	}

	slog.SetDefault(slog.New(devslog.NewHandler(os.Stderr, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{
			AddSource: true,
			Level:     logLevel,
		},
		NewLineAfterLog:   false,
		SortKeys:          true,
		StringIndentation: true,
	})))

	if len(c.Options.PlatformArch) == 0 {
		c.Options.PlatformArch = "amd64"
	}
	slog.Info("target container architecture", "arch", c.Options.PlatformArch)

	if len(c.Options.PlatformOS) == 0 {
		c.Options.PlatformOS = "linux"
	}
	slog.Info("target container operating system", "os", c.Options.PlatformOS)

	c.suppressOutput = logLevel.Level() > slog.LevelInfo
}

// setFlagsFile goes through a list of supported paths for the flags
// file and assigns the first valid hit for parsing
func (c *Command) setFlagsFile(appName string) {
	var defConfigPaths = []string{
		os.ExpandEnv(fmt.Sprintf("${USERPROFILE}/.%src", appName)),
		os.ExpandEnv(fmt.Sprintf("${XDG_CONFIG_HOME}/%src", appName)),
		os.ExpandEnv(fmt.Sprintf("${HOME}/.config/%src", appName)),
		os.ExpandEnv(fmt.Sprintf("${HOME}/.%src", appName)),
	}
	for _, defConfigPath := range defConfigPaths {
		if _, err := os.Stat(defConfigPath); os.IsNotExist(err) {
			continue
		}
		if err := c.Options.Config.Set(fmt.Sprintf("?%s", defConfigPath), nil); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(int(ExitError))
		}
	}
}

// exitCodeForError maps an error to the exit code handed back to the
// shell, preserving 126 for scripts the shell refused to execute.
func exitCodeForError(err error) ExitCode {
	if err == nil {
		return ExitNormal
	}
	var execErr *trill.ExecError
	if errors.As(err, &execErr) && execErr.ExitCode == int(ExitScriptNotExecutable) {
		return ExitScriptNotExecutable
	}
	return ExitError
}
