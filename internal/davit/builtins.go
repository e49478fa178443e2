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
	"embed"
	"io/fs"
)

// builtinsFS holds the Features packaged with the binary, one
// directory per feature id. These cover the bare ids the deprecated
// alias table doesn't claim.
//
//go:embed builtins
var builtinsFS embed.FS

// builtinFeatures exposes the embedded features rooted at their ids.
func builtinFeatures() fs.FS {
	builtins, err := fs.Sub(builtinsFS, "builtins")
	if err != nil {
		// The subtree is part of the binary; failing to root it is a
		// build defect, not a runtime condition.
		panic(err)
	}
	return builtins
}
