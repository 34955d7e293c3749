// Package store persists the per-room goal list, leaderboard totals and the
// theme preference in BadgerDB. Values are JSON; absent or corrupt entries
// load as empty rather than failing.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
)

const (
	goalKeyPrefix        = "goals:"
	leaderboardKeyPrefix = "leaderboard:"
	themeKey             = "theme"
)

// Store wraps the key-value database shared by the goal list, the
// leaderboard and the theme preference.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway in-memory database.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Theme returns the persisted theme preference, defaulting to "dark".
func (s *Store) Theme() string {
	var theme string
	if !s.getJSON(themeKey, &theme) || (theme != "dark" && theme != "light") {
		return "dark"
	}
	return theme
}

// SetTheme persists the theme preference, best effort.
func (s *Store) SetTheme(theme string) {
	if theme != "light" {
		theme = "dark"
	}
	s.setJSON(themeKey, theme)
}

// getJSON loads and decodes the value at key into out. It reports whether a
// well-formed value was found; absence and corruption both come back false.
func (s *Store) getJSON(key string, out any) bool {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, out)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			log.Warn().Err(err).Str("key", key).Msg("discarding unreadable store entry")
		}
		return false
	}
	return true
}

// setJSON encodes and writes the value at key. Persistence failures are
// swallowed; every mutation is best effort.
func (s *Store) setJSON(key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to encode store entry")
		return
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to persist store entry")
	}
}

// remove deletes the value at key, best effort.
func (s *Store) remove(key string) {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to delete store entry")
	}
}

// putRaw writes raw bytes at key. Used by tests to plant corrupt payloads.
func (s *Store) putRaw(key string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}
