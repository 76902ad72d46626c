package infra

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/verdantgrid/grassmon/internal/domain"
)

// FileMarkerStore implements domain.MarkerStore: the mere existence of one
// file means "already configured". Content is not significant.
type FileMarkerStore struct {
	path string
}

// NewFileMarkerStore creates a marker store at the given path.
func NewFileMarkerStore(path string) *FileMarkerStore {
	return &FileMarkerStore{path: path}
}

// IsSet reports whether the marker file exists.
func (m *FileMarkerStore) IsSet() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Set creates the marker file atomically (write + rename), so a crash midway
// never leaves a half-created marker that would skip future login runs.
func (m *FileMarkerStore) Set() error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", m.path, os.Getpid())
	if err := os.WriteFile(tmpPath, nil, 0600); err != nil {
		return fmt.Errorf("failed to write marker: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to place marker: %w", err)
	}
	return nil
}

// Clear removes the marker. Missing is not an error: clearing an unset
// marker is a no-op.
func (m *FileMarkerStore) Clear() error {
	err := os.Remove(m.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path returns the marker file location.
func (m *FileMarkerStore) Path() string {
	return m.path
}

// Ensure FileMarkerStore implements domain.MarkerStore.
var _ domain.MarkerStore = (*FileMarkerStore)(nil)
