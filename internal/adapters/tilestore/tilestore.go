// Package tilestore lays out unpacked tile versions on the local filesystem.
package tilestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/jobrunner/offgrid/internal/domain"
)

const tilesDir = "tiles"

// Store implements output.TileStore below a root directory:
// <root>/tiles/<version>.
type Store struct {
	fs   afero.Fs
	root string
}

// New creates a store on the OS filesystem.
func New(root string) *Store {
	return NewWithFs(afero.NewOsFs(), root)
}

// NewWithFs creates a store on the given filesystem.
func NewWithFs(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: filepath.Clean(root)}
}

// Fs returns the underlying filesystem.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Root returns the tile root directory.
func (s *Store) Root() string {
	return filepath.Join(s.root, tilesDir)
}

// SuggestedTilePath returns the directory a version is unpacked into.
func (s *Store) SuggestedTilePath(version string) string {
	return filepath.Join(s.root, tilesDir, version)
}

// EnsureDirectoryExists creates path and its parents. An existing directory
// is not an error.
func (s *Store) EnsureDirectoryExists(path string) error {
	info, err := s.fs.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory: %w", path, domain.ErrInvalidInput)
		}
		return nil
	}
	if err := s.fs.MkdirAll(path, 0o755); err != nil {
		return &domain.StorageError{Operation: "mkdir", Key: path, Err: err}
	}
	return nil
}

// RemoveFile deletes a file. A missing file is not an error.
func (s *Store) RemoveFile(path string) error {
	if path == "" {
		return nil
	}
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &domain.StorageError{Operation: "remove", Key: path, Err: err}
	}
	return nil
}

// InstalledVersions lists the unpacked versions, newest name first.
func (s *Store) InstalledVersions() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.Root())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &domain.StorageError{Operation: "list", Key: s.Root(), Err: err}
	}

	var versions []string
	for _, e := range entries {
		if e.IsDir() && e.Name()[0] != '.' {
			versions = append(versions, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	return versions, nil
}
