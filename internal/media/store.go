// Package media persists generated artifacts and hands out stable references
// to them. The gateway never returns raw image bytes to callers.
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store saves artifact bytes and returns a stable URL for them.
type Store interface {
	Save(ctx context.Context, ext string, data []byte) (string, error)
}

// FileStore writes artifacts to a local directory served as static files.
type FileStore struct {
	dir     string
	baseURL string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the artifact directory if needed.
func NewFileStore(dir, baseURL string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("media: empty dir")
	}
	if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
		return nil, fmt.Errorf("media: create dir: %w", errMkdir)
	}
	return &FileStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the artifact directory.
func (s *FileStore) Dir() string { return s.dir }

// Save writes the artifact under a random name and returns its URL.
func (s *FileStore) Save(_ context.Context, ext string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("media: empty artifact")
	}
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "png"
	}
	name := uuid.New().String() + "." + ext
	path := filepath.Join(s.dir, name)
	if errWrite := os.WriteFile(path, data, 0644); errWrite != nil {
		return "", fmt.Errorf("media: write artifact: %w", errWrite)
	}
	return s.baseURL + "/" + name, nil
}
