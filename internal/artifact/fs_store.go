package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
)

// FileStore reads blobs from a directory tree.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("artifact root dir is required")
	}
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	clean, err := cleanRef(ref)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, filepath.FromSlash(clean)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NotFound("artifact", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", ref, err)
	}
	return data, nil
}

// Put implements Store. The write goes through a temp file and a rename.
func (s *FileStore) Put(_ context.Context, ref string, data []byte) error {
	clean, err := cleanRef(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, filepath.FromSlash(clean))
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}

	tmpPath := path + ".tmp"
	//nolint:gosec // G306: readable blob files
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to commit artifact: %w", err)
	}
	return nil
}
