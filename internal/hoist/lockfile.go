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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LockfileFilename is the pin file's name, kept next to the
// configuration it pins.
const LockfileFilename string = "devcontainer-lock.json"

// lockfileStaleAfter is how long a sidecar .lock file may sit around
// before a writer assumes its owner died and takes over.
const lockfileStaleAfter = 30 * time.Second

// A LockfileEntry pins one user Feature reference to the resolution a
// previous run produced.
type LockfileEntry struct {
	// Version is the tag the reference resolved to.
	Version string `json:"version"`
	// Resolved is the canonical resource plus manifest digest.
	Resolved string `json:"resolved"`
	// Integrity is the sha256 of the layer tar, as "sha256:<hex>".
	Integrity string `json:"integrity"`
}

// A Lockfile maps user Feature ids to pinned resolutions. It is read
// once at the start of a run and written once after resolution;
// recording entries during the run is safe from concurrent fetch
// tasks.
type Lockfile struct {
	Features map[string]LockfileEntry `json:"features"`

	path string
	mu   sync.Mutex
}

// LoadLockfile reads the lockfile next to configPath, returning an
// empty (but savable) lockfile when none exists yet.
func LoadLockfile(configPath string) (*Lockfile, error) {
	lockfilePath := filepath.Join(filepath.Dir(configPath), LockfileFilename)
	l := &Lockfile{
		Features: make(map[string]LockfileEntry),
		path:     lockfilePath,
	}

	contents, err := os.ReadFile(lockfilePath)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("no lockfile present", "path", lockfilePath)
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contents, l); err != nil {
		return nil, fmt.Errorf("parsing lockfile %s: %w", lockfilePath, err)
	}
	slog.Debug("lockfile loaded", "path", lockfilePath, "entries", len(l.Features))
	return l, nil
}

// Entry returns the pinned resolution for userFeatureID, if any.
func (l *Lockfile) Entry(userFeatureID string) (LockfileEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.Features[userFeatureID]
	return entry, ok
}

// Record stores (or replaces) the resolution for userFeatureID.
func (l *Lockfile) Record(userFeatureID string, entry LockfileEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Features[userFeatureID] = entry
}

// Save writes the lockfile atomically (temp file plus rename), with a
// sidecar .lock file serializing writers across processes. Map keys
// marshal in sorted order, which keeps the output diffable.
func (l *Lockfile) Save() (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	unlock, err := acquireFileLock(l.path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	contents, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	contents = append(contents, '\n')

	tempFile, err := os.CreateTemp(filepath.Dir(l.path), "."+LockfileFilename+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tempFile.Name())
		}
	}()

	if _, err = tempFile.Write(contents); err != nil {
		tempFile.Close()
		return err
	}
	if err = tempFile.Close(); err != nil {
		return err
	}

	slog.Debug("writing lockfile", "path", l.path, "entries", len(l.Features))
	return os.Rename(tempFile.Name(), l.path)
}

// acquireFileLock takes an exclusive advisory lock by creating
// lockPath with O_EXCL, polling until the holder releases it or its
// lock goes stale.
func acquireFileLock(lockPath string) (func(), error) {
	deadline := time.Now().Add(lockfileStaleAfter)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockfileStaleAfter {
			slog.Warn("breaking stale lockfile lock", "path", lockPath)
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for lockfile lock: %s", lockPath)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
