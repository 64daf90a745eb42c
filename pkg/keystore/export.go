// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keystore

import "fmt"

// ImportMode controls what Import does with records whose identifier already
// exists in the store.
type ImportMode string

const (
	// ImportSkip leaves existing records untouched.
	ImportSkip ImportMode = "skip"
	// ImportOverwrite replaces existing records.
	ImportOverwrite ImportMode = "overwrite"
	// ImportError aborts the whole import on the first duplicate.
	ImportError ImportMode = "error"
)

// Export returns deep copies of every key record.
func (s *Store) Export() []*Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Key, 0, len(s.keys))
	for _, key := range s.keys {
		out = append(out, key.Clone())
	}
	return out
}

// ImportStats summarizes an Import run.
type ImportStats struct {
	Imported    int `json:"imported"`
	Skipped     int `json:"skipped"`
	Overwritten int `json:"overwritten"`
}

// Import loads key records into the store. Export followed by Import in
// overwrite mode yields an equivalent store.
func (s *Store) Import(records []*Key, mode ImportMode) (*ImportStats, error) {
	switch mode {
	case ImportSkip, ImportOverwrite, ImportError:
	default:
		return nil, fmt.Errorf("unknown import mode %q", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &ImportStats{}
	for _, record := range records {
		if record.ID == "" {
			return nil, fmt.Errorf("%w: record with empty id", ErrInvalidName)
		}
		_, exists := s.keys[record.ID]
		switch {
		case exists && mode == ImportSkip:
			stats.Skipped++
			continue
		case exists && mode == ImportError:
			return nil, fmt.Errorf("%w: %s", ErrKeyAlreadyExists, record.ID)
		case exists:
			// Overwrite: drop the old alias bindings first.
			for _, alias := range s.keys[record.ID].Aliases {
				delete(s.aliases, alias)
			}
			stats.Overwritten++
		default:
			if len(s.keys) >= s.maxKeys {
				return nil, ErrMaxKeysReached
			}
			stats.Imported++
		}

		stored := record.Clone()
		s.keys[stored.ID] = stored
		for _, alias := range stored.Aliases {
			s.aliases[alias] = stored.ID
		}
	}

	s.persistLocked()
	return stats, nil
}
