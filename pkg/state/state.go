// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package state persists the authoritative process state as a single JSON
// document on disk. Components register named sections; every mutation
// rewrites the whole document atomically (tmp file, fsync, rename).
//
// Saves are coalesced: at most one write is in flight at any time, with at
// most one more pending. A burst of mutations therefore collapses into two
// disk writes, and the request path never blocks on I/O.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/walker77/paygate-mcp-sub009/pkg/logger"
)

// Document is the on-disk shape: a map of component sections.
type Document map[string]json.RawMessage

// Store holds the state document and owns the file at path.
// A Store with an empty path keeps sections in memory only.
type Store struct {
	path string

	mu       sync.Mutex
	sections Document

	// Save coalescing: saving marks a write in flight, pending marks that at
	// least one mutation arrived while it was running.
	saving  bool
	pending bool

	// wg tracks in-flight save goroutines so Close can drain them.
	wg sync.WaitGroup
}

// NewStore creates a store backed by the file at path. An empty path disables
// persistence entirely.
func NewStore(path string) *Store {
	return &Store{
		path:     path,
		sections: make(Document),
	}
}

// Load reads the state document from disk. A missing or empty file is not an
// error; the store starts empty.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.sections = doc
	s.mu.Unlock()
	return nil
}

// Section returns the raw JSON for a named section, or nil if absent.
func (s *Store) Section(name string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sections[name]
}

// SetSection marshals v into the named section and schedules an asynchronous
// save. The marshalling error is returned synchronously; write errors are
// logged by the save goroutine.
func (s *Store) SetSection(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal state section %s: %w", name, err)
	}

	s.mu.Lock()
	s.sections[name] = data
	if s.path == "" {
		s.mu.Unlock()
		return nil
	}
	if s.saving {
		s.pending = true
		s.mu.Unlock()
		return nil
	}
	s.saving = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.saveLoop()
	return nil
}

// saveLoop writes the document, then re-runs once if mutations arrived while
// the write was in flight.
func (s *Store) saveLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		snapshot := make(Document, len(s.sections))
		for k, v := range s.sections {
			snapshot[k] = v
		}
		s.mu.Unlock()

		if err := s.writeFile(snapshot); err != nil {
			logger.Errorf("Failed to save state to %s: %v", s.path, err)
		}

		s.mu.Lock()
		if !s.pending {
			s.saving = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()
	}
}

// writeFile performs the atomic tmp+fsync+rename dance.
func (s *Store) writeFile(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".paygate-state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename state file into place: %w", err)
	}
	return nil
}

// Close drains any in-flight save so callers can rely on the file being
// current at shutdown.
func (s *Store) Close() {
	s.wg.Wait()
}
