package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vulnsearch/internal/document"
)

func TestConsistencyChecker_FindsAndRepairsDrift(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	coord := NewCoordinator(CoordinatorConfig{Indices: reg, Retry: fastRetry()})

	// Given: the index holds an orphan and lacks one source record
	require.NoError(t, coord.OnCreate(ctx, document.KindLicense, &document.License{LicenseID: "Gone-1", Name: "Removed"}))
	require.NoError(t, coord.OnCreate(ctx, document.KindLicense, &document.License{LicenseID: "MIT", Name: "MIT License"}))
	src := newMemSource(
		&document.License{LicenseID: "MIT", Name: "MIT License"},
		&document.License{LicenseID: "ISC", Name: "ISC License"},
	)
	checker := NewConsistencyChecker(reg, src, coord, nil)

	// When: checking
	res, err := checker.Check(ctx, document.KindLicense)
	require.NoError(t, err)

	// Then: both issues are reported
	assert.False(t, res.Consistent())
	assert.Equal(t, 2, res.SourceCount)
	assert.Equal(t, 2, res.IndexCount)
	assert.Equal(t, []Issue{
		{Type: IssueOrphan, Kind: document.KindLicense, Key: "Gone-1"},
		{Type: IssueMissing, Kind: document.KindLicense, Key: "ISC"},
	}, res.Issues)

	ok, err := checker.QuickCheck(ctx, document.KindLicense)
	require.NoError(t, err)
	assert.True(t, ok, "counts agree even though keys differ")

	// When: repairing
	repaired, err := checker.Repair(ctx, res)
	require.NoError(t, err)

	// Then: the index matches the source
	assert.Equal(t, RepairResult{Deleted: 1, Resynced: 1}, repaired)
	res, err = checker.Check(ctx, document.KindLicense)
	require.NoError(t, err)
	assert.True(t, res.Consistent())
	assert.Equal(t, []string{"ISC"}, search(t, reg, document.KindLicense, "isc"))
}

func TestConsistencyChecker_CheckAll(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	coord := NewCoordinator(CoordinatorConfig{Indices: reg, Retry: fastRetry()})
	checker := NewConsistencyChecker(reg, newMemSource(&document.CWE{CweID: 79, Name: "XSS"}), coord, nil)

	results, err := checker.CheckAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, len(document.Kinds()))
	for _, r := range results {
		if r.Kind == document.KindCWE {
			assert.Len(t, r.Issues, 1)
			continue
		}
		assert.True(t, r.Consistent(), r.Kind.Label())
	}
}
