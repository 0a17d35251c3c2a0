package index

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
	"github.com/Aman-CERP/vulnsearch/internal/store"
)

// Source is the authoritative record store.
type Source interface {
	// Records lazily yields every live record of kind.
	Records(ctx context.Context, kind document.Kind) iter.Seq2[document.Record, error]
}

// Indices resolves the index of a kind. *store.Registry implements it.
type Indices interface {
	Index(kind document.Kind) (*store.Index, error)
}

// EventOp is the kind of change an authoritative write made.
type EventOp int

const (
	OpCreate EventOp = iota + 1
	OpUpdate
	OpDelete
)

func (o EventOp) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Event is one change notification. Record is unused for deletes.
type Event struct {
	Op     EventOp
	Kind   document.Kind
	Key    string
	Record document.Record
}

// SyncObserver is told the outcome of every applied event.
type SyncObserver func(kind document.Kind, op string, err error)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Indices  Indices
	Retry    verrors.RetryConfig
	Logger   *slog.Logger
	Observer SyncObserver
}

// Coordinator is the only writer of the search indices. Events for one kind
// are applied one at a time, so the last write to a key wins.
type Coordinator struct {
	indices  Indices
	retry    verrors.RetryConfig
	logger   *slog.Logger
	observer SyncObserver

	kindMu map[document.Kind]*sync.Mutex

	dirtyMu sync.Mutex
	dirty   map[document.Kind]struct{}
	// marks counts MarkDirty calls per kind. A rebuild clears dirty only if
	// no mark arrived after it started reading the source.
	marks map[document.Kind]uint64
}

// NewCoordinator creates a coordinator writing into cfg.Indices.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.ShouldRetry == nil {
		retry.ShouldRetry = retryableWrite
	}
	c := &Coordinator{
		indices:  cfg.Indices,
		retry:    retry,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		kindMu:   make(map[document.Kind]*sync.Mutex, len(document.Kinds())),
		dirty:    make(map[document.Kind]struct{}),
		marks:    make(map[document.Kind]uint64),
	}
	for _, k := range document.Kinds() {
		c.kindMu[k] = &sync.Mutex{}
	}
	return c
}

// retryableWrite rejects errors another attempt cannot fix.
func retryableWrite(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, verrors.ErrIndexClosed), errors.Is(err, verrors.ErrInvalidRecord):
		return false
	}
	return true
}

// OnCreate indexes a newly created record.
func (c *Coordinator) OnCreate(ctx context.Context, kind document.Kind, record document.Record) error {
	return c.ApplyBatch(ctx, []Event{{Op: OpCreate, Kind: kind, Record: record}})
}

// OnUpdate re-indexes a changed record.
func (c *Coordinator) OnUpdate(ctx context.Context, kind document.Kind, record document.Record) error {
	return c.ApplyBatch(ctx, []Event{{Op: OpUpdate, Kind: kind, Record: record}})
}

// OnDelete removes a record's document. Deleting an unindexed key is a no-op.
func (c *Coordinator) OnDelete(ctx context.Context, kind document.Kind, key string) error {
	return c.ApplyBatch(ctx, []Event{{Op: OpDelete, Kind: kind, Key: key}})
}

// ApplyBatch applies events grouped by kind, in emission order within each
// kind, with one commit per kind. Kinds are applied concurrently. Invalid
// events are reported without stopping the rest of their kind's batch.
func (c *Coordinator) ApplyBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	groups := make(map[document.Kind][]Event)
	var errs []error
	for _, ev := range events {
		if !ev.Kind.Valid() {
			errs = append(errs, verrors.UnsupportedKind(string(ev.Kind)))
			continue
		}
		groups[ev.Kind] = append(groups[ev.Kind], ev)
	}

	kinds := make([]document.Kind, 0, len(groups))
	for k := range groups {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var mu sync.Mutex
	var g errgroup.Group
	for _, kind := range kinds {
		g.Go(func() error {
			if err := c.applyKind(ctx, kind, groups[kind]); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// stagedOp pairs a store op with the event op it came from.
type stagedOp struct {
	op    store.Op
	event EventOp
}

func (c *Coordinator) applyKind(ctx context.Context, kind document.Kind, events []Event) error {
	var errs []error
	ops := make([]stagedOp, 0, len(events))
	for _, ev := range events {
		op, err := toOp(kind, ev)
		if err != nil {
			c.observe(kind, ev.Op.String(), err)
			errs = append(errs, err)
			continue
		}
		ops = append(ops, stagedOp{op: op, event: ev.Op})
	}
	if len(ops) == 0 {
		return errors.Join(errs...)
	}

	idx, err := c.indices.Index(kind)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}

	mu := c.kindMu[kind]
	mu.Lock()
	defer mu.Unlock()

	err = verrors.Retry(ctx, c.retry, func() error {
		idx.Discard()
		for _, s := range ops {
			if s.op.Type == store.OpDelete {
				idx.Delete(s.op.Key)
				continue
			}
			if err := idx.Upsert(s.op.Doc); err != nil {
				idx.Discard()
				return err
			}
		}
		return idx.Commit(ctx)
	})

	if err != nil {
		c.MarkDirty(kind)
		key, op := batchLabel(ops)
		syncErr := verrors.SyncFailed(kind.Label(), key, op, err)
		c.logger.Error("sync_failed",
			slog.String("kind", kind.Label()),
			slog.String("key", key),
			slog.String("op", op),
			slog.Int("events", len(ops)),
			slog.String("error", err.Error()))
		for _, s := range ops {
			c.observe(kind, s.event.String(), syncErr)
		}
		errs = append(errs, syncErr)
		return errors.Join(errs...)
	}

	for _, s := range ops {
		c.observe(kind, s.event.String(), nil)
	}
	c.logger.Debug("sync_applied",
		slog.String("kind", kind.Label()),
		slog.Int("events", len(ops)))
	return errors.Join(errs...)
}

// toOp converts an event into a store write with a normalized key.
func toOp(kind document.Kind, ev Event) (store.Op, error) {
	switch ev.Op {
	case OpCreate, OpUpdate:
		doc, err := document.ToDocument(ev.Record, kind)
		if err != nil {
			return store.Op{}, err
		}
		return store.Op{Type: store.OpUpsert, Key: doc.Key, Doc: doc}, nil
	case OpDelete:
		key, err := document.NormalizeKey(kind, ev.Key)
		if err != nil {
			return store.Op{}, err
		}
		return store.Op{Type: store.OpDelete, Key: key}, nil
	}
	return store.Op{}, verrors.ValidationError(fmt.Sprintf("unknown event op %d", ev.Op), nil)
}

func batchLabel(ops []stagedOp) (key, op string) {
	if len(ops) == 1 {
		return ops[0].op.Key, ops[0].event.String()
	}
	return fmt.Sprintf("%d keys", len(ops)), "batch"
}

func (c *Coordinator) observe(kind document.Kind, op string, err error) {
	if c.observer != nil {
		c.observer(kind, op, err)
	}
}

// MarkDirty records that kind may have drifted from the authoritative store.
func (c *Coordinator) MarkDirty(kind document.Kind) {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	if _, ok := c.dirty[kind]; !ok {
		c.logger.Warn("index_marked_dirty", slog.String("kind", kind.Label()))
	}
	c.dirty[kind] = struct{}{}
	c.marks[kind]++
}

// DirtyKinds returns the kinds marked dirty, in canonical order.
func (c *Coordinator) DirtyKinds() []document.Kind {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	var out []document.Kind
	for _, k := range document.Kinds() {
		if _, ok := c.dirty[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// IsDirty reports whether kind is marked dirty.
func (c *Coordinator) IsDirty(kind document.Kind) bool {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	_, ok := c.dirty[kind]
	return ok
}

// dirtyEpoch returns kind's mark count, to be passed to clearDirty.
func (c *Coordinator) dirtyEpoch(kind document.Kind) uint64 {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	return c.marks[kind]
}

// clearDirty clears kind unless it was marked again after epoch.
func (c *Coordinator) clearDirty(kind document.Kind, epoch uint64) bool {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	if c.marks[kind] != epoch {
		return false
	}
	delete(c.dirty, kind)
	return true
}
