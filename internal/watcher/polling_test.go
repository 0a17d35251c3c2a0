package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(p *PollingWatcher) ([]FileEvent, error) {
	var out []FileEvent
	err := p.detectChanges(func(e FileEvent) { out = append(out, e) })
	return out, err
}

func TestPollingWatcher_DetectsChanges(t *testing.T) {
	// Given: a directory with one feed file and some noise
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".partial.json"), []byte("{"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ProcessedDir), 0755))
	p := NewPollingWatcher(dir, time.Second)

	// When: scanning the first time
	events, err := collect(p)

	// Then: only the feed file is reported, as created
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a.json", events[0].Name)
	assert.Equal(t, OpCreate, events[0].Operation)

	// When: the file grows, another appears, and nothing else changes
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"kind":"cwe"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(`{}`), 0644))
	events, err = collect(p)
	require.NoError(t, err)

	// Then: one modify and one create
	ops := map[string]Operation{}
	for _, e := range events {
		ops[e.Name] = e.Operation
	}
	assert.Equal(t, map[string]Operation{"a.json": OpModify, "b.json": OpCreate}, ops)

	// When: a file is removed
	require.NoError(t, os.Remove(filepath.Join(dir, "a.json")))
	events, err = collect(p)

	// Then: a delete is reported
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, FileEvent{Name: "a.json", Operation: OpDelete, Timestamp: events[0].Timestamp}, events[0])
}

func TestPollingWatcher_MissingDir(t *testing.T) {
	p := NewPollingWatcher(filepath.Join(t.TempDir(), "gone"), time.Second)

	_, err := collect(p)

	assert.Error(t, err)
}

func TestIsFeedFile(t *testing.T) {
	tests := map[string]bool{
		"feed.json":           true,
		"FEED.JSON":           true,
		".hidden.json":        false,
		"feed.json.tmp":       false,
		"processed/feed.json": false,
		"feed.yaml":           false,
	}
	for name, want := range tests {
		assert.Equal(t, want, isFeedFile(name), name)
	}
}
