package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
	"github.com/Aman-CERP/vulnsearch/internal/index"
	"github.com/Aman-CERP/vulnsearch/internal/store"
)

const (
	acmeUUID   = "6f1c2b9e-3a52-4d8b-9e33-0c1b2d3e4f50"
	widgetUUID = "0d6f1a52-9b0e-4c1f-8a77-5d4e3c2b1a09"
)

// failingSyncer fails every batch and records what it saw.
type failingSyncer struct {
	mu      sync.Mutex
	calls   int
	dirty   []document.Kind
	failErr error
}

func (f *failingSyncer) ApplyBatch(ctx context.Context, events []index.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.failErr
}

func (f *failingSyncer) MarkDirty(kind document.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty = append(f.dirty, kind)
}

type fixture struct {
	cat   *Catalog
	reg   *store.Registry
	coord *index.Coordinator
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg, err := store.OpenRegistry(store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	coord := index.NewCoordinator(index.CoordinatorConfig{
		Indices: reg,
		Retry:   verrors.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	cat, err := Open(Options{Path: filepath.Join(t.TempDir(), "catalog.db"), Syncer: coord})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return fixture{cat: cat, reg: reg, coord: coord}
}

func (f fixture) search(t *testing.T, kind document.Kind, terms ...string) []string {
	t.Helper()
	idx, err := f.reg.Index(kind)
	require.NoError(t, err)
	res, err := idx.Query(context.Background(), store.Query{Terms: terms}, 100, 0)
	require.NoError(t, err)
	keys := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		keys[i] = h.Key
	}
	return keys
}

func TestPut_CommitsThenSyncs(t *testing.T) {
	// Given: an empty catalog wired to a coordinator
	f := newFixture(t)
	ctx := context.Background()

	// When: a project is put
	res, err := f.cat.Put(ctx, document.KindProject, &document.Project{UUID: strings.ToUpper(acmeUUID), Name: "Acme Example"})

	// Then: it is created, synced, and findable under its normalized key
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Synced())
	assert.Equal(t, acmeUUID, res.Key)
	assert.Equal(t, []string{acmeUUID}, f.search(t, document.KindProject, "acme"))

	rec, err := f.cat.Get(ctx, document.KindProject, acmeUUID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Example", rec.(*document.Project).Name)
}

func TestPut_UpdateReplaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.cat.Put(ctx, document.KindProject, &document.Project{UUID: acmeUUID, Name: "Acme"})
	require.NoError(t, err)

	res, err := f.cat.Put(ctx, document.KindProject, &document.Project{UUID: acmeUUID, Name: "Widget"})

	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Empty(t, f.search(t, document.KindProject, "acme"))
	assert.Equal(t, []string{acmeUUID}, f.search(t, document.KindProject, "widget"))
	n, err := f.cat.Count(ctx, document.KindProject)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// gatedSyncer holds its first batch until release is closed, then forwards
// every batch to next.
type gatedSyncer struct {
	next    Syncer
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (g *gatedSyncer) ApplyBatch(ctx context.Context, events []index.Event) error {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.release
	}
	return g.next.ApplyBatch(ctx, events)
}

func (g *gatedSyncer) MarkDirty(kind document.Kind) { g.next.MarkDirty(kind) }

func TestPut_ConcurrentWritesSyncInCommitOrder(t *testing.T) {
	// Given: a catalog whose first sync is held back
	f := newFixture(t)
	ctx := context.Background()
	gate := &gatedSyncer{next: f.coord, entered: make(chan struct{}), release: make(chan struct{})}
	f.cat.SetSyncer(gate)

	first := make(chan error, 1)
	go func() {
		_, err := f.cat.Put(ctx, document.KindProject, &document.Project{UUID: acmeUUID, Name: "Alpha"})
		first <- err
	}()
	<-gate.entered

	// When: a second write to the same key arrives while the first syncs
	second := make(chan error, 1)
	go func() {
		_, err := f.cat.Put(ctx, document.KindProject, &document.Project{UUID: acmeUUID, Name: "Beta"})
		second <- err
	}()

	// Then: it waits for the first write's sync before committing
	select {
	case <-second:
		t.Fatal("second write finished while the first was still syncing")
	case <-time.After(50 * time.Millisecond):
	}
	rec, err := f.cat.Get(ctx, document.KindProject, acmeUUID)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", rec.(*document.Project).Name)

	close(gate.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	// And: catalog and index agree on the last write
	rec, err = f.cat.Get(ctx, document.KindProject, acmeUUID)
	require.NoError(t, err)
	assert.Equal(t, "Beta", rec.(*document.Project).Name)
	assert.Equal(t, []string{acmeUUID}, f.search(t, document.KindProject, "beta"))
	assert.Empty(t, f.search(t, document.KindProject, "alpha"))
	assert.Empty(t, f.coord.DirtyKinds())
}

func TestPut_InvalidRecordWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cat.Put(ctx, document.KindProject, &document.Project{UUID: "not-a-uuid", Name: "Bad"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, verrors.ErrInvalidRecord))
	n, err := f.cat.Count(ctx, document.KindProject)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDelete(t *testing.T) {
	// Given: a stored license
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.cat.Put(ctx, document.KindLicense, &document.License{LicenseID: "Apache-2.0", Name: "Apache License 2.0"})
	require.NoError(t, err)

	// When: deleting it, then deleting it again
	res, err := f.cat.Delete(ctx, document.KindLicense, "Apache-2.0")
	require.NoError(t, err)
	again, err := f.cat.Delete(ctx, document.KindLicense, "Apache-2.0")
	require.NoError(t, err)

	// Then: the first delete removes it everywhere, the second is a no-op
	assert.True(t, res.Deleted)
	assert.True(t, res.Synced())
	assert.False(t, again.Deleted)
	assert.Empty(t, f.search(t, document.KindLicense, "apache"))
	_, err = f.cat.Get(ctx, document.KindLicense, "Apache-2.0")
	assert.True(t, errors.Is(err, verrors.ErrNotFound))
}

func TestRecords_PagesInKeyOrder(t *testing.T) {
	// Given: more CWE records than one page
	cat, err := Open(Options{})
	require.NoError(t, err)
	defer cat.Close()
	ctx := context.Background()
	total := pageSize + 7
	for i := 1; i <= total; i++ {
		_, err := cat.Put(ctx, document.KindCWE, &document.CWE{CweID: i, Name: "weakness"})
		require.NoError(t, err)
	}

	// When: streaming them
	var keys []string
	for rec, err := range cat.Records(ctx, document.KindCWE) {
		require.NoError(t, err)
		keys = append(keys, rec.RecordKey())
	}

	// Then: every record is yielded once, sorted by stored key
	assert.Len(t, keys, total)
	assert.IsIncreasing(t, keys)
}

func TestRecords_UnknownKind(t *testing.T) {
	cat, err := Open(Options{})
	require.NoError(t, err)
	defer cat.Close()

	for _, err := range cat.Records(context.Background(), document.Kind("BOGUS")) {
		assert.True(t, errors.Is(err, verrors.ErrUnsupportedKind))
	}
}

func TestSyncFailure_KeepsWriteAndOpensCircuit(t *testing.T) {
	// Given: a syncer that always fails and a breaker tripping after two failures
	syncer := &failingSyncer{failErr: verrors.SyncFailed("project", acmeUUID, "create", errors.New("disk full"))}
	cat, err := Open(Options{Syncer: syncer, BreakerFailures: 2, BreakerReset: time.Hour})
	require.NoError(t, err)
	defer cat.Close()
	ctx := context.Background()

	// When: three writes are made
	var results []WriteResult
	for _, id := range []string{acmeUUID, widgetUUID, acmeUUID} {
		res, err := cat.Put(ctx, document.KindProject, &document.Project{UUID: id, Name: "p"})
		require.NoError(t, err)
		results = append(results, res)
	}

	// Then: every write stands, every sync is reported failed,
	// and the third skips the syncer and marks the kind dirty
	for _, r := range results {
		assert.False(t, r.Synced())
		assert.True(t, errors.Is(r.SyncErr, verrors.ErrSyncFailed))
	}
	assert.Equal(t, 2, syncer.calls)
	assert.Equal(t, []document.Kind{document.KindProject}, syncer.dirty)
	assert.Equal(t, verrors.StateOpen, cat.BreakerState(document.KindProject))
	assert.Equal(t, verrors.StateClosed, cat.BreakerState(document.KindLicense))

	n, err := cat.Count(ctx, document.KindProject)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCatalog_IsRebuildSource(t *testing.T) {
	// Given: records put while no syncer is attached
	cat, err := Open(Options{})
	require.NoError(t, err)
	defer cat.Close()
	ctx := context.Background()
	_, err = cat.Put(ctx, document.KindProject, &document.Project{UUID: acmeUUID, Name: "Acme Example"})
	require.NoError(t, err)

	reg, err := store.OpenRegistry(store.Options{})
	require.NoError(t, err)
	defer reg.Close()
	m := index.NewMaintainer(index.MaintainerConfig{Indices: reg, Source: cat})

	// When: rebuilding from the catalog
	stats, err := m.Rebuild(ctx, document.KindProject)

	// Then: the index holds the record
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "catalog.db")
	cat, err := Open(Options{Path: path})
	require.NoError(t, err)
	_, err = cat.Put(context.Background(), document.KindCWE, &document.CWE{CweID: 79, Name: "XSS"})
	require.NoError(t, err)
	require.NoError(t, cat.Close())

	reopened, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Get(context.Background(), document.KindCWE, "CWE-79")
	require.NoError(t, err)
	assert.Equal(t, "XSS", rec.(*document.CWE).Name)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
