package index

import (
	"context"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
	"github.com/Aman-CERP/vulnsearch/internal/store"
)

const (
	acmeUUID   = "6f1c2b9e-3a52-4d8b-9e33-0c1b2d3e4f50"
	widgetUUID = "0d6f1a52-9b0e-4c1f-8a77-5d4e3c2b1a09"
)

// memSource is an in-memory authoritative store.
type memSource struct {
	mu      sync.Mutex
	records map[document.Kind][]document.Record
	err     error
}

func newMemSource(recs ...document.Record) *memSource {
	s := &memSource{records: make(map[document.Kind][]document.Record)}
	for _, r := range recs {
		s.records[r.Kind()] = append(s.records[r.Kind()], r)
	}
	return s
}

func (s *memSource) Records(ctx context.Context, kind document.Kind) iter.Seq2[document.Record, error] {
	return func(yield func(document.Record, error) bool) {
		s.mu.Lock()
		recs := slices.Clone(s.records[kind])
		err := s.err
		s.mu.Unlock()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func newTestRegistry(t *testing.T) *store.Registry {
	t.Helper()
	reg, err := store.OpenRegistry(store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func fastRetry() verrors.RetryConfig {
	return verrors.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func search(t *testing.T, reg *store.Registry, kind document.Kind, terms ...string) []string {
	t.Helper()
	idx, err := reg.Index(kind)
	require.NoError(t, err)
	res, err := idx.Query(context.Background(), store.Query{Terms: terms}, 100, 0)
	require.NoError(t, err)
	keys := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		keys[i] = h.Key
	}
	return keys
}

func count(t *testing.T, reg *store.Registry, kind document.Kind) int {
	t.Helper()
	idx, err := reg.Index(kind)
	require.NoError(t, err)
	n, err := idx.Count(context.Background())
	require.NoError(t, err)
	return n
}
