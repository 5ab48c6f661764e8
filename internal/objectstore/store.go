package objectstore

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Store is the object-store boundary the pipeline depends on.
//
// Path layout is assumed to be "<base>/<entityType>/<partitionLabel>/<file>",
// where partition labels sort lexicographically by time.
type Store interface {
	// List returns the immediate children under prefix: sub-prefixes carry a
	// trailing "/" (like `aws s3 ls`), object names do not. Names are relative
	// to the prefix. A missing prefix lists as empty, not as an error.
	List(ctx context.Context, prefix string) ([]string, error)

	// Get opens a streaming reader for one object. The caller must Close it.
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// Config selects and parameterizes a backend.
//
// Bucket names the S3 bucket for kind "s3", or the local directory standing
// in for one for kind "fs". Root is informational here; the snapshot layer
// owns prefixing.
type Config struct {
	Kind   string
	Bucket string
	Root   string
}

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind. Call from an init() function in
// a backend file. Registering the same kind twice panics, to fail fast on
// ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("objectstore: Register called with empty kind")
	}
	if f == nil {
		panic("objectstore: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("objectstore: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Store using the registered backend factory.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("objectstore: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported objectstore.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
