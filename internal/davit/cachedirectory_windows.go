//go:build windows

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

func (cmd *Command) getCacheDirectory() (string, error) {
	prefixes := []string{
		// If the user is on Windows but still wants to have XDG env
		// vars set up, we're here for it.
		"${XDG_DATA_HOME}",
		"${XDG_CACHE_HOME}",
		"${LOCALAPPDATA}",
		"${USERPROFILE}",
	}
	fallbackPattern := "${LOCALAPPDATA}/%s"
	return cmd.getCacheDirectoryBase(prefixes, fallbackPattern)
}
