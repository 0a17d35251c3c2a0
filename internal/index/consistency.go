package index

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/Aman-CERP/vulnsearch/internal/document"
)

// IssueType categorizes drift between the source and an index.
type IssueType int

const (
	// IssueOrphan is an indexed key with no live source record.
	IssueOrphan IssueType = iota
	// IssueMissing is a live source record absent from the index.
	IssueMissing
)

// String returns a human-readable description of the issue type.
func (t IssueType) String() string {
	switch t {
	case IssueOrphan:
		return "orphan"
	case IssueMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Issue is one drifted key.
type Issue struct {
	Type IssueType
	Kind document.Kind
	Key  string
}

// CheckResult is the outcome of checking one kind.
type CheckResult struct {
	Kind        document.Kind
	SourceCount int
	IndexCount  int
	Issues      []Issue
	Duration    time.Duration
}

// Consistent reports whether no drift was found.
func (r *CheckResult) Consistent() bool {
	return len(r.Issues) == 0
}

// RepairResult counts what Repair changed.
type RepairResult struct {
	Deleted  int
	Resynced int
}

// ConsistencyChecker compares index keys with source keys.
type ConsistencyChecker struct {
	indices Indices
	source  Source
	coord   *Coordinator
	logger  *slog.Logger
}

// NewConsistencyChecker creates a checker. Repairs are written through coord.
func NewConsistencyChecker(indices Indices, source Source, coord *Coordinator, logger *slog.Logger) *ConsistencyChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsistencyChecker{indices: indices, source: source, coord: coord, logger: logger}
}

// sourceKeys returns the normalized keys of kind's live records.
func (c *ConsistencyChecker) sourceKeys(ctx context.Context, kind document.Kind) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	for rec, err := range c.source.Records(ctx, kind) {
		if err != nil {
			return nil, err
		}
		key, err := document.NormalizeKey(kind, rec.RecordKey())
		if err != nil {
			continue
		}
		keys[key] = struct{}{}
	}
	return keys, nil
}

// Check scans kind for orphaned and missing keys. This is O(n) in the number
// of records plus indexed documents.
func (c *ConsistencyChecker) Check(ctx context.Context, kind document.Kind) (*CheckResult, error) {
	start := time.Now()

	idx, err := c.indices.Index(kind)
	if err != nil {
		return nil, err
	}
	indexKeys, err := idx.Keys(ctx)
	if err != nil {
		return nil, err
	}
	srcKeys, err := c.sourceKeys(ctx, kind)
	if err != nil {
		return nil, err
	}

	var issues []Issue
	indexed := make(map[string]struct{}, len(indexKeys))
	for _, key := range indexKeys {
		indexed[key] = struct{}{}
		if _, ok := srcKeys[key]; !ok {
			issues = append(issues, Issue{Type: IssueOrphan, Kind: kind, Key: key})
		}
	}
	var missing []string
	for key := range srcKeys {
		if _, ok := indexed[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	for _, key := range missing {
		issues = append(issues, Issue{Type: IssueMissing, Kind: kind, Key: key})
	}

	return &CheckResult{
		Kind:        kind,
		SourceCount: len(srcKeys),
		IndexCount:  len(indexKeys),
		Issues:      issues,
		Duration:    time.Since(start),
	}, nil
}

// CheckAll checks every kind. An unavailable index stops the scan.
func (c *ConsistencyChecker) CheckAll(ctx context.Context) ([]*CheckResult, error) {
	results := make([]*CheckResult, 0, len(document.Kinds()))
	for _, kind := range document.Kinds() {
		res, err := c.Check(ctx, kind)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// QuickCheck compares document counts only.
func (c *ConsistencyChecker) QuickCheck(ctx context.Context, kind document.Kind) (bool, error) {
	idx, err := c.indices.Index(kind)
	if err != nil {
		return false, err
	}
	n, err := idx.Count(ctx)
	if err != nil {
		return false, err
	}
	srcKeys, err := c.sourceKeys(ctx, kind)
	if err != nil {
		return false, err
	}
	return n == len(srcKeys), nil
}

// Repair deletes orphans and re-syncs missing records through the
// coordinator, in one batch.
func (c *ConsistencyChecker) Repair(ctx context.Context, result *CheckResult) (RepairResult, error) {
	if result == nil || result.Consistent() {
		return RepairResult{}, nil
	}
	kind := result.Kind

	var events []Event
	missing := make(map[string]struct{})
	for _, issue := range result.Issues {
		switch issue.Type {
		case IssueOrphan:
			events = append(events, Event{Op: OpDelete, Kind: kind, Key: issue.Key})
		case IssueMissing:
			missing[issue.Key] = struct{}{}
		}
	}
	deleted := len(events)

	if len(missing) > 0 {
		for rec, err := range c.source.Records(ctx, kind) {
			if err != nil {
				return RepairResult{}, err
			}
			key, err := document.NormalizeKey(kind, rec.RecordKey())
			if err != nil {
				continue
			}
			if _, ok := missing[key]; ok {
				events = append(events, Event{Op: OpUpdate, Kind: kind, Record: rec})
			}
		}
	}

	if err := c.coord.ApplyBatch(ctx, events); err != nil {
		return RepairResult{}, err
	}

	repaired := RepairResult{Deleted: deleted, Resynced: len(events) - deleted}
	c.logger.Info("consistency_repaired",
		slog.String("kind", kind.Label()),
		slog.Int("deleted", repaired.Deleted),
		slog.Int("resynced", repaired.Resynced))
	return repaired, nil
}
