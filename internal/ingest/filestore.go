package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BlobStore persists an assembled image and returns a stable reference to
// it.
type BlobStore interface {
	Save(ctx context.Context, imageName string, data []byte) (string, error)
}

// FileStore writes assembled images to a local directory, prefixing the
// name with a millisecond timestamp so resent images never collide.
type FileStore struct {
	dir string
}

// NewFileStore creates the target directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("image directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the image bytes and returns the file path.
func (s *FileStore) Save(_ context.Context, imageName string, data []byte) (string, error) {
	unique := fmt.Sprintf("%d_%s", time.Now().UnixMilli(), imageName)
	path := filepath.Join(s.dir, unique)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image %s: %w", imageName, err)
	}
	return path, nil
}

var _ BlobStore = (*FileStore)(nil)
