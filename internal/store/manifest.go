package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"

	"github.com/Aman-CERP/vulnsearch/internal/document"
)

// ManifestFile names the pointer file inside each kind's directory.
const ManifestFile = "MANIFEST.json"

// Manifest records which generation is live for one kind.
type Manifest struct {
	Kind            document.Kind `json:"kind"`
	Generation      uint64        `json:"generation"`
	Backend         string        `json:"backend"`
	FieldSetVersion int           `json:"field_set_version"`
	Documents       int           `json:"documents"`
	BuiltAt         time.Time     `json:"built_at"`
}

// readManifest loads dir's manifest. It returns (nil, nil) if none exists.
func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrCorrupt, err)
	}
	return &m, nil
}

// writeManifest replaces dir's manifest atomically.
func writeManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
