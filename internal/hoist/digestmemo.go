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
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gocarina/gocsv"
)

// A DigestMemoEntry records the manifest digest an OCI reference
// resolved to the last time it was fetched into this output
// directory.
type DigestMemoEntry struct {
	FeatureRef string `csv:"feature_ref"`
	Digest     string `csv:"digest"`
}

// A DigestMemo is the cache-wide digest table. Unlike the lockfile,
// which pins a single workspace, the memo spans every workspace
// sharing the output directory; it only informs staleness logging and
// never blocks a fetch.
type DigestMemo struct {
	mu      sync.Mutex
	path    string
	entries map[string]DigestMemoEntry
}

// LoadDigestMemo reads (or initializes) the digests table inside
// outputDir.
func LoadDigestMemo(outputDir string) (*DigestMemo, error) {
	memo := &DigestMemo{
		path:    filepath.Join(outputDir, "digests.csv"),
		entries: make(map[string]DigestMemoEntry),
	}

	table, err := os.OpenFile(memo.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	defer table.Close()

	var entries []DigestMemoEntry
	slog.Debug("attempting to unmarshal digests table", "path", memo.path)
	if err := gocsv.UnmarshalFile(table, &entries); err != nil && !errors.Is(err, gocsv.ErrEmptyCSVFile) {
		return nil, err
	}
	for _, entry := range entries {
		memo.entries[entry.FeatureRef] = entry
	}
	slog.Debug("digest memo entries loaded", "count", len(entries))

	return memo, nil
}

// Lookup returns the previously recorded digest for ref, if any.
func (m *DigestMemo) Lookup(ref string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[ref]
	return entry.Digest, ok
}

// Record stores the digest ref resolved to during this run.
func (m *DigestMemo) Record(ref string, digest string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[ref] = DigestMemoEntry{FeatureRef: ref, Digest: digest}
}

// Save marshals the table back out; losing it is harmless, so callers
// treat failures as log-worthy rather than fatal.
func (m *DigestMemo) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []DigestMemoEntry
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}

	table, err := os.OpenFile(m.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer table.Close()

	slog.Debug("marshalling digests table", "path", m.path, "count", len(entries))
	return gocsv.MarshalFile(&entries, table)
}
