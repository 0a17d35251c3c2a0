package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// BackendBleve stores generations as bleve scorch indices (default).
	BackendBleve = "bleve"

	// BackendSQLite stores generations as SQLite FTS5 databases.
	BackendSQLite = "sqlite"
)

// NewBackend returns the backend registered under name. An empty name
// selects bleve.
func NewBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case BackendBleve, "":
		return BleveBackend{}, nil
	case BackendSQLite:
		return SQLiteBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown index backend: %s (valid options: bleve, sqlite)", name)
	}
}

// generationPath returns <dir>/gen-<n><ext>.
func generationPath(dir string, gen uint64, b Backend) string {
	return filepath.Join(dir, "gen-"+strconv.FormatUint(gen, 10)+b.Ext())
}

// staleGenerations lists generation files in dir other than keep. They are
// leftovers of interrupted rebuilds or of a previous backend.
func staleGenerations(dir string, keep string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "gen-*"))
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, m := range matches {
		if m == keep || strings.HasSuffix(m, "-wal") || strings.HasSuffix(m, "-shm") {
			continue
		}
		stale = append(stale, m)
	}
	return stale, nil
}

// removeGeneration deletes a generation regardless of which backend wrote it.
func removeGeneration(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return BleveBackend{}.Remove(path)
	}
	return SQLiteBackend{}.Remove(path)
}
