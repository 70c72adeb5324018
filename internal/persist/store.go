// Package persist provides the durable snapshot capability for the task
// registry. Keys map to JSON files under a base directory; writes are atomic
// (write-to-temp then rename) with a backup-and-rollback contract so that a
// failed write restores the prior durable state instead of leaving a
// partially-written record.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/michaellee1/ClaudeGod-sub002/internal/errors"
)

// Store sentinel errors.
var (
	// ErrNotFound indicates no durable record exists for the key.
	ErrNotFound = errors.New("record not found")
)

const backupSuffix = ".bak"

// Store is a file-based key-value snapshot store. Each key maps to one file
// within the base directory, with keys using "/" as path separators.
// It is safe for concurrent use.
type Store struct {
	baseDir string
	mu      sync.RWMutex
}

// NewStore creates a Store rooted at the given directory.
// The directory will be created if it doesn't exist.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Save persists data under key. The previous durable record, if any, is kept
// as a backup for the duration of the write and restored if the write fails.
func (s *Store) Save(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.keyToPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	return writeWithRollback(path, data, 0644)
}

// SaveJSON marshals v and persists it under key.
func (s *Store) SaveJSON(key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.Save(key, data)
}

// Load retrieves the data for key. Returns ErrNotFound if no record exists.
func (s *Store) Load(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return data, nil
}

// LoadJSON retrieves and unmarshals the record for key into v.
func (s *Store) LoadJSON(key string, v any) error {
	data, err := s.Load(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal record %q: %w", key, err)
	}
	return nil
}

// Delete removes the record and any backup for key.
// Deleting a missing key returns ErrNotFound.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.keyToPath(key)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete record: %w", err)
	}
	_ = os.Remove(path + backupSuffix)
	return nil
}

// List returns all keys matching the given prefix, backups excluded.
func (s *Store) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	err := filepath.Walk(s.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, backupSuffix) {
			return nil
		}

		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// keyToPath converts a key to a filesystem path.
func (s *Store) keyToPath(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

// writeWithRollback writes data to path atomically. The sequence is:
//
//  1. write data to a temp file in the same directory and fsync it
//  2. move the current record, if present, aside as a backup
//  3. rename the temp file into place
//
// If step 3 fails the backup is moved back. A rollback failure is surfaced
// as ErrPersistRollback; the caller keeps its in-memory state and treats the
// mutation as failed rather than tearing down the engine.
func writeWithRollback(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	backupPath := path + backupSuffix
	hasBackup := false
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, backupPath); err != nil {
			return fmt.Errorf("failed to back up current record: %w", err)
		}
		hasBackup = true
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if hasBackup {
			if rbErr := os.Rename(backupPath, path); rbErr != nil {
				return errors.Join(errors.ErrPersistRollback, err, rbErr)
			}
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	if hasBackup {
		_ = os.Remove(backupPath)
	}
	return nil
}
