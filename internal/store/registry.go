package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
)

// Options configures a Registry.
type Options struct {
	// Dir is the data directory. Empty keeps every index in memory.
	Dir       string
	Backend   string
	BatchSize int
	Logger    *slog.Logger
}

// Registry owns exactly one Index per kind for the lifetime of the process.
type Registry struct {
	dir     string
	lock    *FileLock
	indices map[document.Kind]*Index
	logger  *slog.Logger
}

// OpenRegistry locks the data directory and opens every kind's index.
// An index that cannot be loaded is kept in the unavailable state and its
// error is logged; only lock and configuration errors fail the call.
func OpenRegistry(opts Options) (*Registry, error) {
	backend, err := NewBackend(opts.Backend)
	if err != nil {
		return nil, verrors.ConfigError(err.Error(), err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		dir:     opts.Dir,
		indices: make(map[document.Kind]*Index, len(document.Kinds())),
		logger:  logger,
	}

	if opts.Dir != "" {
		r.lock = NewFileLock(opts.Dir)
		ok, err := r.lock.TryLock()
		if err != nil {
			return nil, verrors.New(verrors.ErrCodeLocked, "cannot lock data directory", err).
				WithDetail("dir", opts.Dir)
		}
		if !ok {
			return nil, verrors.New(verrors.ErrCodeLocked,
				fmt.Sprintf("data directory %s is in use by another process", opts.Dir), nil).
				WithDetail("dir", opts.Dir).
				WithSuggestion("stop the other vulnsearch process or use a different index.dir")
		}
	}

	for _, kind := range document.Kinds() {
		var dir string
		if opts.Dir != "" {
			dir = filepath.Join(opts.Dir, kind.Label())
		}
		idx, err := OpenIndex(kind, IndexOptions{
			Dir:       dir,
			Backend:   backend,
			BatchSize: opts.BatchSize,
			Logger:    logger,
		})
		if idx == nil {
			_ = r.Close()
			return nil, err
		}
		r.indices[kind] = idx
	}
	return r, nil
}

// Index returns the index of kind.
func (r *Registry) Index(kind document.Kind) (*Index, error) {
	idx, ok := r.indices[kind]
	if !ok {
		return nil, verrors.UnsupportedKind(string(kind))
	}
	return idx, nil
}

// Dir returns the data directory, empty when in-memory.
func (r *Registry) Dir() string {
	return r.dir
}

// Statuses reports every index in canonical kind order.
func (r *Registry) Statuses(ctx context.Context) []Status {
	out := make([]Status, 0, len(r.indices))
	for _, kind := range document.Kinds() {
		if idx, ok := r.indices[kind]; ok {
			out = append(out, idx.Status(ctx))
		}
	}
	return out
}

// Close closes every index and releases the data directory lock.
func (r *Registry) Close() error {
	var errs []error
	for _, kind := range document.Kinds() {
		if idx, ok := r.indices[kind]; ok {
			if err := idx.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s index: %w", kind.Label(), err))
			}
		}
	}
	if r.lock != nil {
		if err := r.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
