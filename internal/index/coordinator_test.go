package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
)

func TestCoordinator_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	coord := NewCoordinator(CoordinatorConfig{Indices: reg, Retry: fastRetry()})
	rec := &document.Project{UUID: acmeUUID, Name: "Acme Example", Version: "1.0.0"}

	// When: the same create is delivered twice
	require.NoError(t, coord.OnCreate(ctx, document.KindProject, rec))
	require.NoError(t, coord.OnCreate(ctx, document.KindProject, rec))

	// Then: exactly one document exists and it is findable
	assert.Equal(t, 1, count(t, reg, document.KindProject))
	assert.Equal(t, []string{acmeUUID}, search(t, reg, document.KindProject, "acme"))
}

func TestCoordinator_UpdateReplacesFields(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	coord := NewCoordinator(CoordinatorConfig{Indices: reg, Retry: fastRetry()})

	require.NoError(t, coord.OnCreate(ctx, document.KindProject, &document.Project{UUID: acmeUUID, Name: "Acme Example"}))
	require.NoError(t, coord.OnUpdate(ctx, document.KindProject, &document.Project{UUID: acmeUUID, Name: "Renamed"}))

	assert.Empty(t, search(t, reg, document.KindProject, "acme"))
	assert.Equal(t, []string{acmeUUID}, search(t, reg, document.KindProject, "renamed"))
}

func TestCoordinator_DeleteThenQuery(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	coord := NewCoordinator(CoordinatorConfig{Indices: reg, Retry: fastRetry()})
	require.NoError(t, coord.OnCreate(ctx, document.KindProject, &document.Project{UUID: acmeUUID, Name: "Acme Example"}))

	// When: deleting with a differently-cased key
	require.NoError(t, coord.OnDelete(ctx, document.KindProject, strings.ToUpper(acmeUUID)))

	// Then: the document is gone, and a repeated delete is a no-op
	assert.Empty(t, search(t, reg, document.KindProject, "acme"))
	assert.NoError(t, coord.OnDelete(ctx, document.KindProject, acmeUUID))
}

func TestCoordinator_ApplyBatchKeepsEmissionOrder(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	coord := NewCoordinator(CoordinatorConfig{Indices: reg, Retry: fastRetry()})

	err := coord.ApplyBatch(ctx, []Event{
		{Op: OpCreate, Kind: document.KindLicense, Record: &document.License{LicenseID: "MIT", Name: "MIT License"}},
		{Op: OpCreate, Kind: document.KindProject, Record: &document.Project{UUID: acmeUUID, Name: "Acme"}},
		{Op: OpDelete, Kind: document.KindLicense, Key: "MIT"},
		{Op: OpCreate, Kind: document.KindProject, Record: &document.Project{UUID: widgetUUID, Name: "Widget"}},
		{Op: OpDelete, Kind: document.KindProject, Key: acmeUUID},
		{Op: OpCreate, Kind: document.KindProject, Record: &document.Project{UUID: acmeUUID, Name: "Acme Again"}},
	})
	require.NoError(t, err)

	assert.Zero(t, count(t, reg, document.KindLicense))
	assert.Equal(t, 2, count(t, reg, document.KindProject))
	assert.Equal(t, []string{acmeUUID}, search(t, reg, document.KindProject, "again"))
}

func TestCoordinator_InvalidEventsDoNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	coord := NewCoordinator(CoordinatorConfig{Indices: reg, Retry: fastRetry()})

	err := coord.ApplyBatch(ctx, []Event{
		{Op: OpCreate, Kind: document.KindProject, Record: &document.Project{UUID: "not-a-uuid", Name: "Broken"}},
		{Op: OpCreate, Kind: document.KindProject, Record: &document.Project{UUID: acmeUUID, Name: "Acme"}},
		{Op: OpCreate, Kind: document.Kind("BADGE")},
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, verrors.ErrInvalidRecord))
	assert.True(t, errors.Is(err, verrors.ErrUnsupportedKind))
	assert.Equal(t, []string{acmeUUID}, search(t, reg, document.KindProject, "acme"))
}

func TestCoordinator_FailedWriteSurfacesSyncFailed(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	type outcome struct {
		op  string
		err error
	}
	var mu sync.Mutex
	var seen []outcome
	coord := NewCoordinator(CoordinatorConfig{
		Indices: reg,
		Retry:   fastRetry(),
		Observer: func(kind document.Kind, op string, err error) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, outcome{op, err})
		},
	})

	// Given: an index that has become unavailable
	idx, err := reg.Index(document.KindCWE)
	require.NoError(t, err)
	idx.Invalidate(errors.New("disk gone"))

	// When: syncing a record into it
	err = coord.OnCreate(ctx, document.KindCWE, &document.CWE{CweID: 79, Name: "Cross-site Scripting"})

	// Then: the failure is a retryable SyncFailed and the kind is dirty
	require.Error(t, err)
	assert.True(t, errors.Is(err, verrors.ErrSyncFailed))
	assert.True(t, verrors.IsRetryable(err))
	assert.True(t, coord.IsDirty(document.KindCWE))
	assert.Equal(t, []document.Kind{document.KindCWE}, coord.DirtyKinds())
	require.Len(t, seen, 1)
	assert.Equal(t, "create", seen[0].op)
	assert.Error(t, seen[0].err)
}

func TestCoordinator_ConcurrentWritersPerKind(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	coord := NewCoordinator(CoordinatorConfig{Indices: reg, Retry: fastRetry()})

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := &document.CWE{CweID: i, Name: fmt.Sprintf("Weakness %d", i)}
			assert.NoError(t, coord.OnCreate(ctx, document.KindCWE, rec))
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, count(t, reg, document.KindCWE))
	assert.Len(t, search(t, reg, document.KindCWE, "weakness"), 20)
}
