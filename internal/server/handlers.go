package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Aman-CERP/vulnsearch/internal/catalog"
	"github.com/Aman-CERP/vulnsearch/internal/document"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
	"github.com/Aman-CERP/vulnsearch/internal/search"
	"github.com/Aman-CERP/vulnsearch/internal/store"
	"github.com/Aman-CERP/vulnsearch/internal/telemetry"
)

// maxRecordBytes bounds a record body.
const maxRecordBytes = 1 << 20

// TotalCountHeader carries a scoped search's total; federated searches use
// one TotalCountHeader-<label> header per kind.
const TotalCountHeader = "X-Total-Count"

// handleSearch serves GET /search and GET /search/{kind}.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	scope := search.ScopeAll()
	if k := chi.URLParam(r, "kind"); k != "" {
		var err error
		if scope, err = search.ParseScope(k); err != nil {
			s.handleError(w, r, err)
			return
		}
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	resp, err := s.searcher.Search(r.Context(), search.Request{
		Query:  q.Get("query"),
		Scope:  scope,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	total := 0
	for _, res := range resp.Results {
		total += res.Total
		if scope.IsAll() {
			w.Header().Set(TotalCountHeader+"-"+res.Kind.Label(), strconv.Itoa(res.Total))
		}
	}
	if !scope.IsAll() {
		w.Header().Set(TotalCountHeader, strconv.Itoa(total))
	}
	if len(resp.Degraded) > 0 {
		labels := make([]string, len(resp.Degraded))
		for i, k := range resp.Degraded {
			labels[i] = k.Label()
		}
		w.Header().Set("X-Degraded-Kinds", strings.Join(labels, ","))
	}

	if s.queryLog != nil {
		s.queryLog.Record(telemetry.QueryEvent{
			Query:    q.Get("query"),
			Scope:    scope.String(),
			Total:    total,
			Degraded: len(resp.Degraded) > 0,
			Latency:  time.Since(start),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, verrors.ValidationError(fmt.Sprintf("%s must be an integer", name), err).
			WithDetail("param", name)
	}
	return n, nil
}

type indexStatus struct {
	Kind       string    `json:"kind"`
	Backend    string    `json:"backend"`
	Generation uint64    `json:"generation"`
	Documents  int       `json:"documents"`
	Available  bool      `json:"available"`
	Rebuilding bool      `json:"rebuilding"`
	BuiltAt    time.Time `json:"built_at,omitzero"`
	Error      string    `json:"error,omitempty"`
}

func toIndexStatus(st store.Status) indexStatus {
	out := indexStatus{
		Kind:       st.Kind.Label(),
		Backend:    st.Backend,
		Generation: st.Generation,
		Documents:  st.Documents,
		Available:  st.Available,
		Rebuilding: st.Rebuilding,
		BuiltAt:    st.BuiltAt,
	}
	if st.Err != nil {
		out.Error = st.Err.Error()
	}
	return out
}

// handleHealth serves GET /healthz. Unavailable indices degrade the status
// without failing the probe: searches of other kinds still work.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Status  string        `json:"status"`
		Indices []indexStatus `json:"indices"`
	}{Status: "ok", Indices: []indexStatus{}}

	if s.statuses != nil {
		statuses := s.statuses.Statuses(r.Context())
		if s.metrics != nil {
			s.metrics.ObserveStatuses(statuses)
		}
		for _, st := range statuses {
			if !st.Available {
				body.Status = "degraded"
			}
			body.Indices = append(body.Indices, toIndexStatus(st))
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// handleReindex serves POST /admin/reindex[?kind=...][&wait=true]. Without
// wait the rebuild runs in the background and the response is 202.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if s.rebuilder == nil {
		writeError(w, http.StatusNotImplemented, verrors.InternalError("reindex is not configured", nil))
		return
	}

	kinds := document.Kinds()
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, err := document.ParseKind(k)
		if err != nil {
			s.handleError(w, r, err)
			return
		}
		kinds = []document.Kind{kind}
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		stats, err := s.rebuilder.RebuildKinds(r.Context(), kinds, nil)
		if err != nil {
			s.handleError(w, r, err)
			return
		}
		out := make([]map[string]any, len(stats))
		for i, st := range stats {
			out[i] = map[string]any{
				"kind":        st.Kind.Label(),
				"generation":  st.Generation,
				"documents":   st.Documents,
				"replayed":    st.Replayed,
				"duration_ms": st.Duration.Milliseconds(),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"rebuilt": out})
		return
	}

	job, started := s.jobs.Start(kinds)
	if !started {
		writeJSON(w, http.StatusConflict, job.Snapshot())
		return
	}
	w.Header().Set("Location", "/admin/reindex")
	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

// handleReindexStatus serves GET /admin/reindex: the most recent background
// job's per-kind progress.
func (s *Server) handleReindexStatus(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusNotImplemented, verrors.InternalError("reindex is not configured", nil))
		return
	}
	job, ok := s.jobs.Current()
	if !ok {
		writeError(w, http.StatusNotFound, verrors.New(verrors.ErrCodeNotFound, "no reindex job has run", nil))
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

// handleQueries serves GET /admin/queries?top=N.
func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	if s.queryLog == nil {
		writeError(w, http.StatusNotImplemented, verrors.InternalError("query log is disabled", nil))
		return
	}
	top, err := intParam(r.URL.Query().Get("top"), "top")
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if top <= 0 {
		top = 20
	}
	writeJSON(w, http.StatusOK, s.queryLog.Snapshot(top))
}

type writeResponse struct {
	Kind      string `json:"kind"`
	Key       string `json:"key"`
	Created   bool   `json:"created,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
	Synced    bool   `json:"synced"`
	SyncError string `json:"sync_error,omitempty"`
}

// writeResult answers a committed write. An unsynced write is 202: it is
// stored, and its index catches up on the next rebuild.
func writeResult(w http.ResponseWriter, ok int, res catalog.WriteResult) {
	out := writeResponse{
		Kind:    res.Kind.Label(),
		Key:     res.Key,
		Created: res.Created,
		Deleted: res.Deleted,
		Synced:  res.Synced(),
	}
	status := ok
	if res.SyncErr != nil {
		out.SyncError = res.SyncErr.Error()
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

func (s *Server) recordKind(w http.ResponseWriter, r *http.Request) (document.Kind, bool) {
	if s.records == nil {
		writeError(w, http.StatusNotImplemented, verrors.InternalError("record store is not configured", nil))
		return "", false
	}
	kind, err := document.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.handleError(w, r, err)
		return "", false
	}
	return kind, true
}

// handlePutRecord serves POST /v1/records/{kind}.
func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.recordKind(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRecordBytes))
	if err != nil {
		s.handleError(w, r, verrors.ValidationError("cannot read request body", err))
		return
	}
	rec, err := document.DecodeRecord(kind, body)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	res, err := s.records.Put(r.Context(), kind, rec)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeResult(w, status, res)
}

// handleGetRecord serves GET /v1/records/{kind}/{key}.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.recordKind(w, r)
	if !ok {
		return
	}
	rec, err := s.records.Get(r.Context(), kind, chi.URLParam(r, "key"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteRecord serves DELETE /v1/records/{kind}/{key}.
func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.recordKind(w, r)
	if !ok {
		return
	}
	res, err := s.records.Delete(r.Context(), kind, chi.URLParam(r, "key"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}
