package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
	"github.com/Aman-CERP/vulnsearch/internal/index"
)

// Feed is a batch of changes to one kind, as dropped into the feed directory:
//
//	{"kind": "component", "upsert": [{...}, ...], "delete": ["<key>", ...]}
//
// Upserts are applied before deletes.
type Feed struct {
	Kind   string            `json:"kind"`
	Upsert []json.RawMessage `json:"upsert,omitempty"`
	Delete []string          `json:"delete,omitempty"`
}

// Rejection is one feed entry that could not be applied.
type Rejection struct {
	// Entry is "upsert[i]" or "delete[i]".
	Entry string `json:"entry"`
	Error string `json:"error"`
}

// ImportResult summarizes an applied feed.
type ImportResult struct {
	Kind     document.Kind `json:"kind"`
	Created  int           `json:"created"`
	Updated  int           `json:"updated"`
	Deleted  int           `json:"deleted"`
	Rejected []Rejection   `json:"rejected,omitempty"`

	// SyncErr is set when the index did not take the batch.
	SyncErr error `json:"-"`
}

// ParseFeed decodes a feed document.
func ParseFeed(r io.Reader) (Feed, error) {
	var f Feed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return Feed{}, verrors.ValidationError("cannot decode feed", err)
	}
	return f, nil
}

// ImportFile reads and imports the feed at path.
func (c *Catalog) ImportFile(ctx context.Context, path string) (ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportResult{}, verrors.New(verrors.ErrCodeFileNotFound, "cannot open feed", err).
			WithDetail("path", path)
	}
	defer f.Close()

	feed, err := ParseFeed(f)
	if err != nil {
		return ImportResult{}, err
	}
	return c.Import(ctx, feed)
}

// Import applies feed in one catalog transaction and one sync batch.
// Invalid entries are rejected individually; an unknown kind rejects the feed.
func (c *Catalog) Import(ctx context.Context, feed Feed) (ImportResult, error) {
	kind, err := document.ParseKind(feed.Kind)
	if err != nil {
		return ImportResult{}, err
	}
	res := ImportResult{Kind: kind}

	type upsert struct {
		key    string
		body   []byte
		record document.Record
	}
	var upserts []upsert
	for i, raw := range feed.Upsert {
		rec, err := document.DecodeRecord(kind, raw)
		if err == nil {
			var doc document.SearchDocument
			if doc, err = document.ToDocument(rec, kind); err == nil {
				var body []byte
				if body, err = json.Marshal(rec); err == nil {
					upserts = append(upserts, upsert{key: doc.Key, body: body, record: rec})
					continue
				}
			}
		}
		res.Rejected = append(res.Rejected, Rejection{Entry: fmt.Sprintf("upsert[%d]", i), Error: err.Error()})
	}
	var deletes []string
	for i, key := range feed.Delete {
		norm, err := document.NormalizeKey(kind, key)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejection{Entry: fmt.Sprintf("delete[%d]", i), Error: err.Error()})
			continue
		}
		deletes = append(deletes, norm)
	}

	unlock := c.lockKind(kind)
	defer unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return ImportResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	events := make([]index.Event, 0, len(upserts)+len(deletes))
	for _, u := range upserts {
		created, err := upsertTx(ctx, tx, kind, u.key, u.body)
		if err != nil {
			return ImportResult{}, err
		}
		op := index.OpUpdate
		if created {
			op = index.OpCreate
			res.Created++
		} else {
			res.Updated++
		}
		events = append(events, index.Event{Op: op, Kind: kind, Key: u.key, Record: u.record})
	}
	for _, key := range deletes {
		r, err := tx.ExecContext(ctx, "DELETE FROM records WHERE kind = ? AND key = ?", string(kind), key)
		if err != nil {
			return ImportResult{}, fmt.Errorf("failed to delete %s %s: %w", kind.Label(), key, err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			res.Deleted++
		}
		events = append(events, index.Event{Op: index.OpDelete, Kind: kind, Key: key})
	}
	if err := tx.Commit(); err != nil {
		return ImportResult{}, fmt.Errorf("failed to commit feed: %w", err)
	}

	res.SyncErr = c.sync(ctx, kind, events)
	c.logger.Info("feed_imported",
		slog.String("kind", kind.Label()),
		slog.Int("created", res.Created),
		slog.Int("updated", res.Updated),
		slog.Int("deleted", res.Deleted),
		slog.Int("rejected", len(res.Rejected)),
		slog.Bool("synced", res.SyncErr == nil))
	return res, nil
}
