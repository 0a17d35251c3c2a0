package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/Aman-CERP/vulnsearch/internal/document"
)

// SQLiteBackend stores each generation as one SQLite database with an FTS5
// table holding one column per indexed field.
type SQLiteBackend struct{}

// Name implements Backend.
func (SQLiteBackend) Name() string { return BackendSQLite }

// Ext implements Backend.
func (SQLiteBackend) Ext() string { return ".db" }

// Create implements Backend.
func (SQLiteBackend) Create(path string, kind document.Kind) (Segment, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
		}
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("segment %s already exists", path)
		}
	}
	seg, err := openSQLiteSegment(path, kind)
	if err != nil {
		return nil, err
	}
	if err := seg.initSchema(); err != nil {
		_ = seg.db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return seg, nil
}

// Open implements Backend.
func (SQLiteBackend) Open(path string, kind document.Kind) (Segment, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := validateSQLiteIntegrity(path, kind); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return openSQLiteSegment(path, kind)
}

// Remove implements Backend.
func (SQLiteBackend) Remove(path string) error {
	if path == "" {
		return nil
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// validateSQLiteIntegrity runs PRAGMA integrity_check and verifies the
// segment was built for kind.
func validateSQLiteIntegrity(path string, kind document.Kind) error {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var stored string
	if err := db.QueryRow(`SELECT value FROM segment_meta WHERE name = 'kind'`).Scan(&stored); err != nil {
		return fmt.Errorf("cannot read segment kind: %w", err)
	}
	if stored != string(kind) {
		return fmt.Errorf("segment holds %s documents, want %s", stored, kind)
	}
	return nil
}

// sqliteSegment is one FTS5-backed generation.
type sqliteSegment struct {
	mu      sync.RWMutex
	db      *sql.DB
	kind    document.Kind
	specs   []document.FieldSpec
	columns map[string]string
	closed  bool
}

func openSQLiteSegment(path string, kind document.Kind) (*sqliteSegment, error) {
	specs, err := document.FieldSpecs(kind)
	if err != nil {
		return nil, err
	}

	dsn := ":memory:"
	if path != "" {
		dsn = path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: it keeps an in-memory database alive and serializes
	// writers on disk.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	columns := make(map[string]string, len(specs))
	for i, spec := range specs {
		columns[spec.Name] = "f" + strconv.Itoa(i)
	}
	return &sqliteSegment{db: db, kind: kind, specs: specs, columns: columns}, nil
}

// initSchema creates the FTS5 table, the stored-fields table, and the
// segment metadata. Column values are pre-tokenized with analyzedText so
// FTS5 sees exactly the tokens the query parser produces.
func (s *sqliteSegment) initSchema() error {
	cols := make([]string, len(s.specs))
	for i := range s.specs {
		cols[i] = "f" + strconv.Itoa(i)
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS segment_meta (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS docs USING fts5(
		doc_key UNINDEXED,
		%s,
		tokenize = 'unicode61 remove_diacritics 0'
	);

	CREATE TABLE IF NOT EXISTS stored_fields (
		doc_key TEXT PRIMARY KEY,
		doc_row INTEGER NOT NULL,
		body    TEXT NOT NULL
	);
	`, strings.Join(cols, ",\n\t\t"))

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO segment_meta(name, value) VALUES ('kind', ?), ('field_set_version', ?)`,
		string(s.kind), strconv.Itoa(document.FieldSetVersion))
	return err
}

// Apply implements Segment. All ops run in one transaction.
func (s *sqliteSegment) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("segment is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(s.specs)+1)
	for i := range placeholders {
		placeholders[i] = "?"
	}
	cols := make([]string, len(s.specs))
	for i := range s.specs {
		cols[i] = "f" + strconv.Itoa(i)
	}
	insertSQL := fmt.Sprintf(`INSERT INTO docs(doc_key, %s) VALUES (%s)`,
		strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	for _, op := range ops {
		if err := s.deleteTx(ctx, tx, op.Key); err != nil {
			return err
		}
		if op.Type != OpUpsert {
			continue
		}

		args := make([]any, 0, len(s.specs)+1)
		args = append(args, op.Key)
		for _, spec := range s.specs {
			args = append(args, analyzedText(op.Doc.Fields[spec.Name]))
		}
		res, err := tx.ExecContext(ctx, insertSQL, args...)
		if err != nil {
			return fmt.Errorf("failed to index document %s: %w", op.Key, err)
		}
		row, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read rowid of %s: %w", op.Key, err)
		}
		body, err := json.Marshal(op.Doc.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode fields of %s: %w", op.Key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stored_fields(doc_key, doc_row, body) VALUES (?, ?, ?)`,
			op.Key, row, string(body)); err != nil {
			return fmt.Errorf("failed to store fields of %s: %w", op.Key, err)
		}
	}

	return tx.Commit()
}

func (s *sqliteSegment) deleteTx(ctx context.Context, tx *sql.Tx, key string) error {
	var row int64
	err := tx.QueryRowContext(ctx, `SELECT doc_row FROM stored_fields WHERE doc_key = ?`, key).Scan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM docs WHERE rowid = ?`, row); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stored_fields WHERE doc_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete fields of %s: %w", key, err)
	}
	return nil
}

// matchExpr ANDs the quoted terms. Terms are alphanumeric, quoting only
// guards against FTS5 keywords such as AND/OR/NEAR.
func matchExpr(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " AND ")
}

// bm25Args lists the column weights: 0 for doc_key, then each field's boost.
func (s *sqliteSegment) bm25Args() string {
	weights := make([]string, 0, len(s.specs)+1)
	weights = append(weights, "0")
	for _, spec := range s.specs {
		weights = append(weights, strconv.FormatFloat(spec.Boost, 'f', -1, 64))
	}
	return strings.Join(weights, ", ")
}

// Search implements Segment. FTS5 bm25() is negative with lower meaning
// better, so it is negated for the returned score.
func (s *sqliteSegment) Search(ctx context.Context, q Query, limit, offset int) (Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Result{}, fmt.Errorf("segment is closed")
	}
	if q.Empty() {
		return Result{Hits: []Hit{}}, nil
	}

	match := matchExpr(q.Terms)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM docs WHERE docs MATCH ?`, match).Scan(&total); err != nil {
		return Result{}, fmt.Errorf("count failed: %w", err)
	}
	if total == 0 || limit <= 0 {
		return Result{Total: total, Hits: []Hit{}}, nil
	}

	query := fmt.Sprintf(`
		SELECT docs.doc_key, bm25(docs, %s) AS rank_score, stored_fields.body
		FROM docs
		JOIN stored_fields ON stored_fields.doc_row = docs.rowid
		WHERE docs MATCH ?
		ORDER BY rank_score, docs.doc_key
		LIMIT ? OFFSET ?
	`, s.bm25Args())

	rows, err := s.db.QueryContext(ctx, query, match, limit, offset)
	if err != nil {
		return Result{}, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	hits := []Hit{}
	for rows.Next() {
		var key, body string
		var score float64
		if err := rows.Scan(&key, &score, &body); err != nil {
			return Result{}, fmt.Errorf("failed to scan result: %w", err)
		}
		var fields document.Fields
		if err := json.Unmarshal([]byte(body), &fields); err != nil {
			return Result{}, fmt.Errorf("%w: document %s: %v", ErrCorrupt, key, err)
		}
		hits = append(hits, Hit{
			Key:     key,
			Score:   -score,
			Fields:  fields,
			Matched: document.MatchedFields(fields, q.Terms),
		})
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return Result{Total: total, Hits: hits}, nil
}

// Keys implements Segment.
func (s *sqliteSegment) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("segment is closed")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT doc_key FROM stored_fields ORDER BY doc_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Count implements Segment.
func (s *sqliteSegment) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("segment is closed")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stored_fields`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// Close implements Segment. It checkpoints the WAL first.
func (s *sqliteSegment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

var _ Segment = (*sqliteSegment)(nil)
var _ Backend = SQLiteBackend{}
