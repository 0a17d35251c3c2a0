package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	"github.com/Aman-CERP/vulnsearch/internal/watcher"
)

func TestFeed_DroppedFileBecomesSearchable(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Given: a feed processor polling a directory into the catalog
	dir := t.TempDir()
	sys := openSystem(t, dir, "bleve")
	t.Cleanup(func() { sys.close(t) })

	feedDir := filepath.Join(dir, "feed")
	fp, err := watcher.NewFeedProcessor(watcher.FeedConfig{
		Dir:      feedDir,
		Importer: sys.cat,
		Options: watcher.Options{
			DebounceWindow: 20 * time.Millisecond,
			PollInterval:   25 * time.Millisecond,
			ForcePolling:   true,
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fp.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(100 * time.Millisecond)

	// When: a CWE feed and a malformed file are dropped in
	require.NoError(t, os.WriteFile(filepath.Join(feedDir, "cwe.json"), []byte(`{
		"kind": "cwe",
		"upsert": [
			{"cweId": 79, "name": "Improper Neutralization of Input During Web Page Generation"},
			{"cweId": 89, "name": "SQL Injection"}
		]
	}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(feedDir, "broken.json"), []byte(`{"kind":`), 0o644))

	// Then: the records become searchable and both files leave the feed dir
	require.Eventually(t, func() bool {
		return sys.search(t, "injection", document.KindCWE).Total == 1
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		_, errOK := os.Stat(filepath.Join(feedDir, watcher.ProcessedDir, "cwe.json"))
		_, errBad := os.Stat(filepath.Join(feedDir, watcher.FailedDir, "broken.json.err"))
		return errOK == nil && errBad == nil
	}, 5*time.Second, 50*time.Millisecond)
	assert.NoFileExists(t, filepath.Join(feedDir, "cwe.json"))

	rec, err := sys.cat.Get(context.Background(), document.KindCWE, "89")
	require.NoError(t, err)
	assert.Equal(t, "SQL Injection", rec.(*document.CWE).Name)
}
