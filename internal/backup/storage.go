// Package backup takes point-in-time snapshots of a connection and the
// offline cache before a link is dropped.
//
// Archives are written through a pluggable StorageBackend. The default
// implementation keeps them on the local filesystem.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrObjectNotFound is wrapped by Read for missing paths.
var ErrObjectNotFound = errors.New("storage: object not found")

// StorageBackend defines the interface for archive storage operations.
// Implementations must be safe for concurrent use.
type StorageBackend interface {
	// Write stores data at the given path, creating parent directories as needed.
	Write(ctx context.Context, path string, data []byte) error

	// Read retrieves data from the given path.
	Read(ctx context.Context, path string) ([]byte, error)

	// Delete removes the data at the given path.
	Delete(ctx context.Context, path string) error

	// List returns all paths under the given prefix, sorted alphabetically.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks whether data exists at the given path.
	Exists(ctx context.Context, path string) (bool, error)
}

// LocalStorage implements StorageBackend using the local filesystem.
// All paths are resolved relative to the configured root directory.
type LocalStorage struct {
	rootDir string
	mu      sync.RWMutex
}

// NewLocalStorage creates a LocalStorage rooted at rootDir, creating the
// directory if needed.
func NewLocalStorage(rootDir string) (*LocalStorage, error) {
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root directory %q: %w", rootDir, err)
	}
	if err := os.MkdirAll(absRoot, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create root directory %q: %w", absRoot, err)
	}
	return &LocalStorage{rootDir: absRoot}, nil
}

// Root returns the absolute root directory.
func (s *LocalStorage) Root() string { return s.rootDir }

// resolvePath joins the root directory with path and refuses anything that
// would escape it.
func (s *LocalStorage) resolvePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: invalid path %q: must be relative and not escape root", path)
	}
	fullPath := filepath.Join(s.rootDir, cleaned)
	if fullPath != s.rootDir && !strings.HasPrefix(fullPath, s.rootDir+string(filepath.Separator)) {
		return "", fmt.Errorf("storage: path %q resolves outside root directory", path)
	}
	return fullPath, nil
}

// Write stores data at path. The file is written to a temporary sibling and
// renamed into place.
func (s *LocalStorage) Write(ctx context.Context, path string, data []byte) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := s.resolvePath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("storage: create directory %q: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tether-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	_, writeErr := io.Copy(tmpFile, bytes.NewReader(data))
	closeErr := tmpFile.Close()
	if writeErr != nil {
		return fmt.Errorf("storage: write data: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("storage: close temp file: %w", closeErr)
	}
	if err = os.Rename(tmpPath, fullPath); err != nil {
		return fmt.Errorf("storage: rename temp file: %w", err)
	}
	return nil
}

// Read retrieves the data at path.
func (s *LocalStorage) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrObjectNotFound, path)
		}
		return nil, fmt.Errorf("storage: read %q: %w", path, err)
	}
	return data, nil
}

// Delete removes the data at path. Deleting a missing path is not an error.
func (s *LocalStorage) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := s.resolvePath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("storage: delete %q: %w", path, err)
	}
	return nil
}

// List returns the file paths under prefix, relative to the root directory.
// Temporary files from interrupted writes are skipped.
func (s *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPrefix, err := s.resolvePath(prefix)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []string
	err = filepath.Walk(fullPrefix, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return filepath.SkipAll
			}
			return walkErr
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".tether-tmp-") {
			return nil
		}
		rel, relErr := filepath.Rel(s.rootDir, path)
		if relErr != nil {
			return relErr
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list prefix %q: %w", prefix, err)
	}

	sort.Strings(paths)
	return paths, nil
}

// Exists reports whether a file exists at path.
func (s *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fullPath, err := s.resolvePath(path)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat %q: %w", path, err)
	}
	return true, nil
}
