// Package catalog is a reference authoritative record store backed by SQLite.
//
// The catalog owns records; search indices are derived from it. Every write
// commits to the catalog first and then notifies the sync coordinator. A
// failed or skipped notification is reported in the WriteResult and never
// undoes the write: the affected kind is marked dirty instead, so the
// maintenance loop rebuilds it from the catalog.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/Aman-CERP/vulnsearch/internal/document"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
	"github.com/Aman-CERP/vulnsearch/internal/index"
)

// pageSize bounds the rows read per query while streaming records.
const pageSize = 500

// Syncer receives change notifications. *index.Coordinator implements it.
type Syncer interface {
	ApplyBatch(ctx context.Context, events []index.Event) error
	MarkDirty(kind document.Kind)
}

// Options configures a Catalog.
type Options struct {
	// Path is the database file; empty means an in-memory catalog.
	Path string

	// Syncer is notified after every committed write. Nil disables sync.
	Syncer Syncer

	// BreakerFailures consecutive sync failures open a kind's circuit.
	BreakerFailures int

	// BreakerReset is how long an open circuit waits before a trial sync.
	BreakerReset time.Duration

	Logger *slog.Logger
}

// WriteResult describes one committed write and the fate of its sync.
type WriteResult struct {
	Kind    document.Kind `json:"kind"`
	Key     string        `json:"key"`
	Created bool          `json:"created,omitempty"`
	Deleted bool          `json:"deleted,omitempty"`

	// SyncErr is set when the index was not updated. The write still stands.
	SyncErr error `json:"-"`
}

// Synced reports whether the index reflects the write.
func (r WriteResult) Synced() bool { return r.SyncErr == nil }

// Catalog stores records as JSON bodies keyed by (kind, key).
type Catalog struct {
	db       *sql.DB
	path     string
	syncer   Syncer
	breakers map[document.Kind]*verrors.CircuitBreaker
	logger   *slog.Logger

	// writeMu holds a kind's catalog write and its sync together, so the
	// index sees writes to a key in the order the catalog committed them.
	writeMu map[document.Kind]*sync.Mutex
}

var _ index.Source = (*Catalog)(nil)

// Open opens or creates the catalog at opts.Path.
func Open(opts Options) (*Catalog, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 30 * time.Second
	}

	dsn := ":memory:"
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, verrors.New(verrors.ErrCodeFileNotFound, "cannot create catalog directory", err)
		}
		dsn = opts.Path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	stmts := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		`CREATE TABLE IF NOT EXISTS records (
			kind       TEXT NOT NULL,
			key        TEXT NOT NULL,
			body       TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (kind, key)
		) WITHOUT ROWID`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize catalog: %w", err)
		}
	}

	c := &Catalog{
		db:       db,
		path:     opts.Path,
		syncer:   opts.Syncer,
		breakers: make(map[document.Kind]*verrors.CircuitBreaker, len(document.Kinds())),
		logger:   opts.Logger,
		writeMu:  make(map[document.Kind]*sync.Mutex, len(document.Kinds())),
	}
	for _, k := range document.Kinds() {
		c.writeMu[k] = &sync.Mutex{}
		c.breakers[k] = verrors.NewCircuitBreaker("sync_"+k.Label(),
			verrors.WithMaxFailures(opts.BreakerFailures),
			verrors.WithResetTimeout(opts.BreakerReset))
	}
	return c, nil
}

// SetSyncer replaces the sync target. It must be called before concurrent use.
func (c *Catalog) SetSyncer(s Syncer) { c.syncer = s }

// Path returns the database path, empty for in-memory catalogs.
func (c *Catalog) Path() string { return c.path }

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Put creates or replaces record and syncs it into kind's index.
// An invalid record is rejected before anything is written.
func (c *Catalog) Put(ctx context.Context, kind document.Kind, record document.Record) (WriteResult, error) {
	doc, err := document.ToDocument(record, kind)
	if err != nil {
		return WriteResult{}, err
	}
	body, err := json.Marshal(record)
	if err != nil {
		return WriteResult{}, verrors.InvalidRecord(kind.Label(), "cannot encode record", err)
	}

	unlock := c.lockKind(kind)
	defer unlock()

	created, err := c.upsert(ctx, kind, doc.Key, body)
	if err != nil {
		return WriteResult{}, err
	}

	op := index.OpUpdate
	if created {
		op = index.OpCreate
	}
	res := WriteResult{Kind: kind, Key: doc.Key, Created: created}
	res.SyncErr = c.sync(ctx, kind, []index.Event{{Op: op, Kind: kind, Key: doc.Key, Record: record}})
	return res, nil
}

// Delete removes the record with key. Deleting a missing key is not an error
// and still tells the index, which may hold an orphan.
func (c *Catalog) Delete(ctx context.Context, kind document.Kind, key string) (WriteResult, error) {
	norm, err := document.NormalizeKey(kind, key)
	if err != nil {
		return WriteResult{}, err
	}

	unlock := c.lockKind(kind)
	defer unlock()

	r, err := c.db.ExecContext(ctx, "DELETE FROM records WHERE kind = ? AND key = ?", string(kind), norm)
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to delete %s %s: %w", kind.Label(), norm, err)
	}
	n, _ := r.RowsAffected()

	res := WriteResult{Kind: kind, Key: norm, Deleted: n > 0}
	res.SyncErr = c.sync(ctx, kind, []index.Event{{Op: index.OpDelete, Kind: kind, Key: norm}})
	return res, nil
}

// Get returns the record of kind with key.
func (c *Catalog) Get(ctx context.Context, kind document.Kind, key string) (document.Record, error) {
	norm, err := document.NormalizeKey(kind, key)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = c.db.QueryRowContext(ctx,
		"SELECT body FROM records WHERE kind = ? AND key = ?", string(kind), norm).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, verrors.New(verrors.ErrCodeNotFound,
			fmt.Sprintf("%s %s not found", kind.Label(), norm), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %s: %w", kind.Label(), norm, err)
	}
	return document.DecodeRecord(kind, body)
}

// Count returns the number of records of kind.
func (c *Catalog) Count(ctx context.Context, kind document.Kind) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE kind = ?", string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s records: %w", kind.Label(), err)
	}
	return n, nil
}

// Records yields every record of kind in key order. Rows are read a page at
// a time so writers are not blocked for the length of a rebuild.
func (c *Catalog) Records(ctx context.Context, kind document.Kind) iter.Seq2[document.Record, error] {
	return func(yield func(document.Record, error) bool) {
		if !kind.Valid() {
			yield(nil, verrors.UnsupportedKind(string(kind)))
			return
		}
		after := ""
		for {
			page, err := c.page(ctx, kind, after)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, row := range page {
				rec, err := document.DecodeRecord(kind, row.body)
				if !yield(rec, err) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].key
		}
	}
}

type row struct {
	key  string
	body []byte
}

func (c *Catalog) page(ctx context.Context, kind document.Kind, after string) ([]row, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT key, body FROM records WHERE kind = ? AND key > ? ORDER BY key LIMIT ?",
		string(kind), after, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", kind.Label(), err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.body); err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", kind.Label(), err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// upsert writes body and reports whether the key was new.
func (c *Catalog) upsert(ctx context.Context, kind document.Kind, key string, body []byte) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created, err := upsertTx(ctx, tx, kind, key, body)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit %s %s: %w", kind.Label(), key, err)
	}
	return created, nil
}

func upsertTx(ctx context.Context, tx *sql.Tx, kind document.Kind, key string, body []byte) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE kind = ? AND key = ?", string(kind), key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up %s %s: %w", kind.Label(), key, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (kind, key, body, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		string(kind), key, string(body), time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to write %s %s: %w", kind.Label(), key, err)
	}
	return exists == 0, nil
}

// lockKind serializes writers of kind until the returned func is called.
// Put, Delete and Import validate kind before locking.
func (c *Catalog) lockKind(kind document.Kind) func() {
	mu := c.writeMu[kind]
	mu.Lock()
	return mu.Unlock
}

// sync notifies the syncer through kind's circuit breaker. While the circuit
// is open the notification is skipped and the kind is marked dirty.
func (c *Catalog) sync(ctx context.Context, kind document.Kind, events []index.Event) error {
	if c.syncer == nil || len(events) == 0 {
		return nil
	}
	err := c.breakers[kind].Execute(func() error {
		return c.syncer.ApplyBatch(ctx, events)
	})
	if errors.Is(err, verrors.ErrCircuitOpen) {
		c.syncer.MarkDirty(kind)
		c.logger.Warn("sync_skipped",
			slog.String("kind", kind.Label()),
			slog.Int("events", len(events)),
			slog.String("reason", "circuit open"))
		return verrors.SyncFailed(kind.Label(), events[0].Key, "skipped", err)
	}
	return err
}

// BreakerState returns the state of kind's sync circuit.
func (c *Catalog) BreakerState(kind document.Kind) verrors.State {
	if b, ok := c.breakers[kind]; ok {
		return b.State()
	}
	return verrors.StateClosed
}
