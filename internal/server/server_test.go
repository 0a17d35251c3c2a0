package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vulnsearch/internal/async"
	"github.com/Aman-CERP/vulnsearch/internal/catalog"
	"github.com/Aman-CERP/vulnsearch/internal/document"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
	"github.com/Aman-CERP/vulnsearch/internal/index"
	"github.com/Aman-CERP/vulnsearch/internal/search"
	"github.com/Aman-CERP/vulnsearch/internal/store"
	"github.com/Aman-CERP/vulnsearch/internal/telemetry"
)

const acmeUUID = "6f1c2b9e-3a52-4d8b-9e33-0c1b2d3e4f50"

type fixture struct {
	srv     *Server
	handler http.Handler
	reg     *store.Registry
	cat     *catalog.Catalog
	metrics *telemetry.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg, err := store.OpenRegistry(store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	m := telemetry.New()
	coord := index.NewCoordinator(index.CoordinatorConfig{
		Indices:  reg,
		Retry:    verrors.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Observer: m.SyncObserver(),
	})
	cat, err := catalog.Open(catalog.Options{Path: filepath.Join(t.TempDir(), "catalog.db"), Syncer: coord})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	cfg := search.DefaultConfig()
	cfg.Observer = m.SearchObserver()
	fed, err := search.NewFederator(reg, cfg)
	require.NoError(t, err)

	maint := index.NewMaintainer(index.MaintainerConfig{
		Indices:     reg,
		Source:      cat,
		Coordinator: coord,
		Observer:    m.RebuildObserver(),
	})

	srv := New(Config{
		Searcher:  fed,
		Records:   cat,
		Rebuilder: maint,
		Statuses:  reg,
		Metrics:   m,
		QueryLog:  telemetry.NewQueryLog(100, 10),
	})
	t.Cleanup(srv.Close)
	return fixture{srv: srv, handler: srv.Handler(), reg: reg, cat: cat, metrics: m}
}

func (f fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != "" {
		r = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(method, target, r))
	return rr
}

func (f fixture) put(t *testing.T, recs ...document.Record) {
	t.Helper()
	for _, rec := range recs {
		res, err := f.cat.Put(context.Background(), rec.Kind(), rec)
		require.NoError(t, err)
		require.True(t, res.Synced())
	}
}

func decodeHits(t *testing.T, rr *httptest.ResponseRecorder) map[string][]map[string]any {
	t.Helper()
	var out map[string][]map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestSearch_Federated(t *testing.T) {
	// Given: an Acme project and an unrelated license
	f := newFixture(t)
	f.put(t,
		&document.Project{UUID: acmeUUID, Name: "Acme Example", Version: "1.0.0"},
		&document.License{LicenseID: "MIT", Name: "MIT License"},
	)

	// When: searching every kind
	rr := f.do(t, http.MethodGet, "/search?query=acme", "")

	// Then: the body is keyed by label and totals travel in headers
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.True(t, strings.HasPrefix(rr.Header().Get("Server"), "vulnsearch/"))
	assert.Equal(t, "1", rr.Header().Get("X-Total-Count-project"))
	assert.Equal(t, "0", rr.Header().Get("X-Total-Count-license"))
	assert.Empty(t, rr.Header().Get(TotalCountHeader))

	hits := decodeHits(t, rr)
	assert.Len(t, hits, len(document.Kinds()))
	require.Len(t, hits["project"], 1)
	assert.Equal(t, acmeUUID, hits["project"][0]["key"])
	assert.Contains(t, rr.Body.String(), `"license":[]`)
}

func TestSearch_Scoped(t *testing.T) {
	f := newFixture(t)
	f.put(t,
		&document.License{LicenseID: "Apache-2.0", Name: "Apache License 2.0"},
		&document.License{LicenseID: "Apache-1.1", Name: "Apache License 1.1"},
	)

	rr := f.do(t, http.MethodGet, "/search/license?query=apache&limit=1", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "2", rr.Header().Get(TotalCountHeader))
	hits := decodeHits(t, rr)
	assert.Len(t, hits, 1)
	assert.Len(t, hits["license"], 1)
}

func TestSearch_Errors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"unknown kind", "/search/badge?query=x", http.StatusNotFound, verrors.ErrCodeUnsupportedKind},
		{"bad limit", "/search?query=x&limit=ten", http.StatusBadRequest, verrors.ErrCodeInvalidInput},
		{"bad offset", "/search/project?query=x&offset=-", http.StatusBadRequest, verrors.ErrCodeInvalidInput},
	}

	f := newFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodGet, tt.target, "")

			assert.Equal(t, tt.status, rr.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	f := newFixture(t)
	f.put(t, &document.License{LicenseID: "MIT", Name: "MIT License"})

	rr := f.do(t, http.MethodGet, "/search", "")

	require.Equal(t, http.StatusOK, rr.Code)
	for label, list := range decodeHits(t, rr) {
		assert.NotNil(t, list, label)
		assert.Empty(t, list, label)
	}
}

func TestSearch_UnavailableIndex(t *testing.T) {
	// Given: a cwe index that failed to load
	f := newFixture(t)
	f.put(t, &document.Vulnerability{ID: "v-1", VulnID: "CVE-2020-1", Title: "Improper input"})
	idx, err := f.reg.Index(document.KindCWE)
	require.NoError(t, err)
	idx.Invalidate(errors.New("corrupt segment"))

	// When/Then: a federated search degrades
	rr := f.do(t, http.MethodGet, "/search?query=improper", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "cwe", rr.Header().Get("X-Degraded-Kinds"))
	assert.Len(t, decodeHits(t, rr)["vulnerability"], 1)

	// And: a scoped search fails
	rr = f.do(t, http.MethodGet, "/search/cwe?query=improper", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	// And: health reports degraded without failing
	rr = f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var health struct {
		Status  string `json:"status"`
		Indices []struct {
			Kind      string `json:"kind"`
			Available bool   `json:"available"`
		} `json:"indices"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Len(t, health.Indices, len(document.Kinds()))
}

func TestHealth_OK(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
}

func TestRecords_Lifecycle(t *testing.T) {
	f := newFixture(t)

	// Create
	rr := f.do(t, http.MethodPost, "/v1/records/license", `{"licenseId":"Apache-2.0","name":"Apache License 2.0"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"synced":true`)

	// Replace
	rr = f.do(t, http.MethodPost, "/v1/records/license", `{"licenseId":"Apache-2.0","name":"Apache Software License"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	// Read back
	rr = f.do(t, http.MethodGet, "/v1/records/license/Apache-2.0", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Apache Software License")

	// Visible to search
	rr = f.do(t, http.MethodGet, "/search/license?query=software", "")
	assert.Equal(t, "1", rr.Header().Get(TotalCountHeader))

	// Delete
	rr = f.do(t, http.MethodDelete, "/v1/records/license/Apache-2.0", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"deleted":true`)

	rr = f.do(t, http.MethodGet, "/v1/records/license/Apache-2.0", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = f.do(t, http.MethodGet, "/search/license?query=software", "")
	assert.Equal(t, "0", rr.Header().Get(TotalCountHeader))
}

func TestRecords_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"unknown kind", http.MethodPost, "/v1/records/badge", `{}`, http.StatusNotFound},
		{"malformed json", http.MethodPost, "/v1/records/license", `{"licenseId":`, http.StatusBadRequest},
		{"missing key", http.MethodPost, "/v1/records/license", `{"name":"No id"}`, http.StatusBadRequest},
		{"wrong method", http.MethodPut, "/v1/records/license/MIT", "", http.StatusMethodNotAllowed},
		{"no route", http.MethodGet, "/v2/nothing", "", http.StatusNotFound},
	}

	f := newFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, tt.method, tt.target, tt.body)

			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		})
	}
}

func TestReindex_Wait(t *testing.T) {
	// Given: a catalog record whose index entry was lost
	f := newFixture(t)
	f.put(t, &document.CWE{CweID: 79, Name: "Cross-site Scripting"})
	idx, err := f.reg.Index(document.KindCWE)
	require.NoError(t, err)
	idx.Delete("79")
	require.NoError(t, idx.Commit(context.Background()))

	// When: the cwe index is rebuilt synchronously
	rr := f.do(t, http.MethodPost, "/admin/reindex?kind=cwe&wait=true", "")

	// Then: the record is searchable again
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"kind":"cwe"`)
	rr = f.do(t, http.MethodGet, "/search/cwe?query=scripting", "")
	assert.Equal(t, "1", rr.Header().Get(TotalCountHeader))
}

func TestReindex_Background(t *testing.T) {
	// Given: a catalog with one license and no job yet
	f := newFixture(t)
	f.put(t, &document.License{LicenseID: "MIT", Name: "MIT License"})
	rr := f.do(t, http.MethodGet, "/admin/reindex", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	// When: a background reindex of the license kind is requested
	rr = f.do(t, http.MethodPost, "/admin/reindex?kind=license", "")

	// Then: the job is accepted with an id
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "/admin/reindex", rr.Header().Get("Location"))
	var started async.ProgressSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))
	assert.NotEmpty(t, started.ID)
	assert.Equal(t, 1, started.Total)

	// And: once finished the status route reports the rebuilt kind
	f.srv.jobs.Wait()
	rr = f.do(t, http.MethodGet, "/admin/reindex", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var done async.ProgressSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &done))
	assert.Equal(t, started.ID, done.ID)
	assert.Equal(t, async.StatusDone, done.Status)
	require.Len(t, done.Kinds, 1)
	assert.Equal(t, "license", done.Kinds[0].Kind)
	assert.Equal(t, async.KindRebuilt, done.Kinds[0].State)
	assert.Equal(t, 1, done.Kinds[0].Documents)

	rr = f.do(t, http.MethodPost, "/admin/reindex?kind=badge", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// blockingRebuilder holds every rebuild until release is closed.
type blockingRebuilder struct{ release chan struct{} }

func (b blockingRebuilder) RebuildKinds(ctx context.Context, _ []document.Kind, _ index.ProgressFunc) ([]store.RebuildStats, error) {
	select {
	case <-b.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestReindex_Conflict(t *testing.T) {
	b := blockingRebuilder{release: make(chan struct{})}
	srv := New(Config{Searcher: panicSearcher{}, Rebuilder: b})
	t.Cleanup(srv.Close)
	h := srv.Handler()

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/admin/reindex", http.NoBody))
	require.Equal(t, http.StatusAccepted, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/admin/reindex?kind=cwe", http.NoBody))
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Contains(t, second.Body.String(), `"status":"running"`)

	close(b.release)
	srv.jobs.Wait()
}

func TestQueriesAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.put(t, &document.License{LicenseID: "MIT", Name: "MIT License"})
	f.do(t, http.MethodGet, "/search?query=mit", "")
	f.do(t, http.MethodGet, "/search/license?query=nothing-here", "")

	rr := f.do(t, http.MethodGet, "/admin/queries?top=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var snap telemetry.QueryLogSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, int64(2), snap.TotalQueries)
	assert.Equal(t, []string{"nothing-here"}, snap.ZeroResultQueries)

	rr = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "vulnsearch_search_requests_total")
	assert.Contains(t, body, `route="/search/{kind}"`)
}

type panicSearcher struct{}

func (panicSearcher) Search(context.Context, search.Request) (*search.Response, error) {
	panic("boom")
}

func TestRecoverer(t *testing.T) {
	srv := New(Config{Searcher: panicSearcher{}})
	rr := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/search?query=x", http.NoBody))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), verrors.ErrCodeInternal)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{verrors.ErrNotFound, http.StatusNotFound},
		{verrors.ErrUnsupportedKind, http.StatusNotFound},
		{verrors.ErrInvalidRecord, http.StatusBadRequest},
		{verrors.ErrIndexUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, errorStatus(tt.err))
		})
	}
}
