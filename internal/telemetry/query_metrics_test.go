package telemetry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircularBuffer_MaintainsCapacity(t *testing.T) {
	// Given: a buffer of three
	buf := NewCircularBuffer[string](3)
	assert.Empty(t, buf.Items())

	// When: five items are added
	for i := 1; i <= 5; i++ {
		buf.Add(fmt.Sprintf("q%d", i))
	}

	// Then: the newest three remain, oldest first
	assert.Equal(t, 3, buf.Size())
	assert.Equal(t, []string{"q3", "q4", "q5"}, buf.Items())
}

func TestCircularBuffer_PartiallyFilled(t *testing.T) {
	buf := NewCircularBuffer[int](0)

	buf.Add(1)
	buf.Add(2)

	assert.Equal(t, []int{1, 2}, buf.Items())
}

func TestLatencyToBucket(t *testing.T) {
	tests := []struct {
		latency  time.Duration
		expected LatencyBucket
	}{
		{5 * time.Millisecond, BucketP10},
		{10 * time.Millisecond, BucketP50},
		{49 * time.Millisecond, BucketP50},
		{50 * time.Millisecond, BucketP100},
		{100 * time.Millisecond, BucketP500},
		{499 * time.Millisecond, BucketP500},
		{500 * time.Millisecond, BucketP1000},
		{5 * time.Second, BucketP1000},
	}

	for _, tt := range tests {
		t.Run(tt.latency.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, LatencyToBucket(tt.latency))
		})
	}
}

func TestQueryLog_Record(t *testing.T) {
	// Given: a query log
	l := NewQueryLog(100, 10)

	// When: recording a mix of queries
	l.Record(QueryEvent{Query: "Apache log4j", Scope: "all", Total: 4, Latency: 3 * time.Millisecond})
	l.Record(QueryEvent{Query: "apache", Scope: "license", Total: 2, Latency: 20 * time.Millisecond})
	l.Record(QueryEvent{Query: "zzz-nothing", Scope: "all", Total: 0, Degraded: true, Latency: 3 * time.Millisecond})
	l.Record(QueryEvent{Query: "", Scope: "all", Total: 0})

	// Then: aggregates reflect them
	snap := l.Snapshot(2)
	assert.Equal(t, int64(4), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.ZeroResultCount, "empty query is not a zero-result query")
	assert.Equal(t, int64(1), snap.DegradedCount)
	assert.Equal(t, map[string]int64{"all": 3, "license": 1}, snap.ScopeCounts)
	assert.Equal(t, []string{"zzz-nothing"}, snap.ZeroResultQueries)
	require.Len(t, snap.TopTerms, 2)
	assert.Equal(t, TermCount{Term: "apache", Count: 2}, snap.TopTerms[0])
	assert.Equal(t, int64(3), snap.Latency[BucketP10])
	assert.Equal(t, int64(1), snap.Latency[BucketP50])
}

func TestQueryLog_TermEviction(t *testing.T) {
	l := NewQueryLog(2, 10)

	l.Record(QueryEvent{Query: "alpha", Total: 1})
	l.Record(QueryEvent{Query: "beta", Total: 1})
	l.Record(QueryEvent{Query: "gamma", Total: 1})

	snap := l.Snapshot(0)
	assert.Len(t, snap.TopTerms, 2)
	for _, tc := range snap.TopTerms {
		assert.NotEqual(t, "alpha", tc.Term)
	}
}

func TestQueryLog_Concurrent(t *testing.T) {
	l := NewQueryLog(100, 100)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Record(QueryEvent{Query: "acme", Scope: "all", Total: i % 2})
				_ = l.Snapshot(5)
			}
		}(i)
	}
	wg.Wait()

	snap := l.Snapshot(5)
	assert.Equal(t, int64(1000), snap.TotalQueries)
	assert.Equal(t, int64(500), snap.ZeroResultCount)
}
