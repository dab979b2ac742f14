// Package storage provides file-based JSON key-value storage.
//
// Keys are path slices; each value lives in its own .json file under the
// base directory, so single-key reads and writes are atomic without any
// cross-key transactionality.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("not found")

// Storage is a file-backed JSON store rooted at a base directory.
type Storage struct {
	basePath string
}

// New creates a Storage rooted at basePath.
func New(basePath string) *Storage {
	return &Storage{basePath: basePath}
}

func (s *Storage) filePath(key []string) string {
	parts := append([]string{s.basePath}, key...)
	return filepath.Join(parts...) + ".json"
}

func (s *Storage) dirPath(key []string) string {
	parts := append([]string{s.basePath}, key...)
	return filepath.Join(parts...)
}

// Get reads the value at key into v. Returns ErrNotFound if absent.
func (s *Storage) Get(ctx context.Context, key []string, v any) error {
	data, err := os.ReadFile(s.filePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", strings.Join(key, "/"), err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", strings.Join(key, "/"), err)
	}
	return nil
}

// Put writes v at key, creating parent directories as needed. The write
// goes to a temp file first and is renamed into place, and holds an
// advisory file lock so concurrent processes do not interleave.
func (s *Storage) Put(ctx context.Context, key []string, v any) error {
	path := s.filePath(key)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", strings.Join(key, "/"), err)
	}

	unlock, err := lockPath(ctx, path)
	if err != nil {
		return fmt.Errorf("lock %s: %w", strings.Join(key, "/"), err)
	}
	defer unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", strings.Join(key, "/"), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", strings.Join(key, "/"), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", strings.Join(key, "/"), err)
	}
	return nil
}

// Delete removes the value at key. Deleting an absent key is not an error.
func (s *Storage) Delete(ctx context.Context, key []string) error {
	path := s.filePath(key)

	unlock, err := lockPath(ctx, path)
	if err != nil {
		return fmt.Errorf("lock %s: %w", strings.Join(key, "/"), err)
	}
	defer unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", strings.Join(key, "/"), err)
	}
	return nil
}

// List returns the child keys (files and directories) under a key prefix.
func (s *Storage) List(ctx context.Context, key []string) ([]string, error) {
	entries, err := os.ReadDir(s.dirPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", strings.Join(key, "/"), err)
	}

	var items []string
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case entry.IsDir():
			items = append(items, name)
		case strings.HasSuffix(name, ".json"):
			items = append(items, strings.TrimSuffix(name, ".json"))
		}
	}
	return items, nil
}

// Scan calls fn for every value stored directly under a key prefix.
// Unreadable files are skipped; an error from fn stops the scan.
func (s *Storage) Scan(ctx context.Context, key []string, fn func(key string, data json.RawMessage) error) error {
	dir := s.dirPath(key)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan %s: %w", strings.Join(key, "/"), err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}

		if err := fn(strings.TrimSuffix(name, ".json"), json.RawMessage(data)); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether a value is stored at key.
func (s *Storage) Exists(ctx context.Context, key []string) bool {
	_, err := os.Stat(s.filePath(key))
	return err == nil
}
