package record

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Storage stores finished segments.
type Storage interface {
	// Write stores data under path, replacing any existing object.
	Write(ctx context.Context, path string, data []byte) error
	// List returns the names of the objects directly under dir, sorted.
	List(ctx context.Context, dir string) ([]string, error)
	// Delete removes path. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
}

// LocalStorage implements Storage on the local filesystem.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates baseDir if needed.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

func (s *LocalStorage) fullPath(path string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(path))
}

// Write writes data to a file, creating parent directories.
func (s *LocalStorage) Write(_ context.Context, path string, data []byte) error {
	full := s.fullPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	// write then rename so readers never see a partial segment
	tmp := full + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// List lists the files in dir.
func (s *LocalStorage) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(s.fullPath(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && !strings.HasSuffix(e.Name(), ".part") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Delete removes a file.
func (s *LocalStorage) Delete(_ context.Context, path string) error {
	if err := os.Remove(s.fullPath(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Path returns the filesystem path of a stored object.
func (s *LocalStorage) Path(path string) string {
	return s.fullPath(path)
}
