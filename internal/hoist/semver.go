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
	"fmt"
	"slices"
	"strings"

	"github.com/blang/semver"
)

// sortTagsForDisplay orders tags by descending semver, hoisting
// "latest" to the front when present. Tags that don't parse even
// tolerantly sink to the end in lexicographic order.
func sortTagsForDisplay(tags []string) {
	slices.SortStableFunc(tags, func(a, b string) int {
		if a == "latest" || b == "latest" {
			switch {
			case a == b:
				return 0
			case a == "latest":
				return -1
			default:
				return 1
			}
		}

		va, errA := semver.ParseTolerant(a)
		vb, errB := semver.ParseTolerant(b)
		switch {
		case errA == nil && errB == nil:
			return vb.Compare(va)
		case errA == nil:
			return -1
		case errB == nil:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})
}

// ExpandSemverTags computes the tags to push when publishing version
// against the repository's currently published tags.
//
// The result is the subset of {X, X.Y, X.Y.Z, latest} for which
// version is strictly greater than the maximum published version
// inside the corresponding range (X.x.x, X.Y.x, x.x.x); the exact
// X.Y.Z is always included. alreadyPublished flags the no-op case
// where the exact version is present on the registry.
func ExpandSemverTags(version string, published []string) (tags []string, alreadyPublished bool, err error) {
	v, err := semver.Parse(version)
	if err != nil {
		return nil, false, fmt.Errorf("feature version %q is not valid semver: %w", version, err)
	}

	if slices.Contains(published, version) {
		return nil, true, nil
	}

	exceeds := func(inRange func(semver.Version) bool) bool {
		for _, tag := range published {
			pv, perr := semver.ParseTolerant(tag)
			if perr != nil || !inRange(pv) {
				continue
			}
			if pv.GTE(v) {
				return false
			}
		}
		return true
	}

	if exceeds(func(pv semver.Version) bool { return pv.Major == v.Major }) {
		tags = append(tags, fmt.Sprintf("%d", v.Major))
	}
	if exceeds(func(pv semver.Version) bool { return pv.Major == v.Major && pv.Minor == v.Minor }) {
		tags = append(tags, fmt.Sprintf("%d.%d", v.Major, v.Minor))
	}
	tags = append(tags, version)
	if exceeds(func(semver.Version) bool { return true }) {
		tags = append(tags, "latest")
	}

	return tags, false, nil
}
