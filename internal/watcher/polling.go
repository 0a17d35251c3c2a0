package watcher

import (
	"context"
	"fmt"
	"os"
	"time"
)

// PollingWatcher detects feed files by periodically listing a directory.
// It is the fallback when fsnotify is unavailable.
type PollingWatcher struct {
	dir      string
	interval time.Duration
	state    map[string]fileSnapshot
}

type fileSnapshot struct {
	modTime time.Time
	size    int64
}

// NewPollingWatcher creates a polling watcher over dir.
func NewPollingWatcher(dir string, interval time.Duration) *PollingWatcher {
	return &PollingWatcher{
		dir:      dir,
		interval: interval,
		state:    make(map[string]fileSnapshot),
	}
}

// Run scans every interval and passes changes to emit until ctx is done.
// The first scan happens immediately and reports existing files as created.
func (p *PollingWatcher) Run(ctx context.Context, emit func(FileEvent), onErr func(error)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.detectChanges(emit); err != nil {
			onErr(err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// detectChanges compares the directory with the last scan.
func (p *PollingWatcher) detectChanges(emit func(FileEvent)) error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("list feed directory: %w", err)
	}

	now := time.Now()
	current := make(map[string]fileSnapshot, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isFeedFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snap := fileSnapshot{modTime: info.ModTime(), size: info.Size()}
		current[e.Name()] = snap

		if prev, ok := p.state[e.Name()]; !ok {
			emit(FileEvent{Name: e.Name(), Operation: OpCreate, Timestamp: now})
		} else if prev != snap {
			emit(FileEvent{Name: e.Name(), Operation: OpModify, Timestamp: now})
		}
	}
	for name := range p.state {
		if _, ok := current[name]; !ok {
			emit(FileEvent{Name: name, Operation: OpDelete, Timestamp: now})
		}
	}
	p.state = current
	return nil
}
