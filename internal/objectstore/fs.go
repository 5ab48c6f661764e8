package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// fsStore serves a directory tree with the same path layout as the remote
// bucket: Bucket is the local directory standing in for the bucket. Used for
// local development and tests.
type fsStore struct {
	root string
}

func init() {
	Register("fs", newFS)
}

func newFS(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: fs requires Bucket (the local directory)")
	}
	return &fsStore{root: cfg.Bucket}, nil
}

func (s *fsStore) List(ctx context.Context, prefix string) ([]string, error) {
	dir := filepath.Join(s.root, filepath.FromSlash(prefix))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("objectstore: fs list %s: %w", prefix, err)
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		out = append(out, name)
	}
	return out, nil
}

func (s *fsStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(path)))
	if err != nil {
		return nil, fmt.Errorf("objectstore: fs get %s: %w", path, err)
	}
	return f, nil
}
