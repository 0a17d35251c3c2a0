package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vulnsearch/internal/config"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
	"github.com/Aman-CERP/vulnsearch/pkg/version"
)

// isolate points every data path and the user config at temp directories.
func isolate(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "xdg"))
	t.Setenv(config.EnvPrefix+"INDEX_DIR", filepath.Join(root, "index"))
	t.Setenv(config.EnvPrefix+"CATALOG_PATH", filepath.Join(root, "catalog.db"))
	t.Setenv(config.EnvPrefix+"FEED_DIR", filepath.Join(root, "feed"))
	t.Setenv(config.EnvPrefix+"LOG_LEVEL", "error")
	for _, name := range []string{"INDEX_BACKEND", "SEARCH_DEFAULT_LIMIT", "SEARCH_MAX_LIMIT", "REBUILD_ON_STARTUP"} {
		t.Setenv(config.EnvPrefix+name, "")
	}
	return root
}

// run executes the CLI with args and returns its stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root, a := newRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--dir", t.TempDir()}, args...))
	err := root.ExecuteContext(context.Background())
	_ = a.stop()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, out string)
	}{
		{"default", nil, func(t *testing.T, out string) {
			assert.Contains(t, out, "vulnsearch")
			assert.Contains(t, out, version.Version)
			assert.Contains(t, out, "commit")
		}},
		{"short", []string{"--short"}, func(t *testing.T, out string) {
			assert.Equal(t, version.Version, strings.TrimSpace(out))
		}},
		{"json", []string{"--json"}, func(t *testing.T, out string) {
			var info version.BuildInfo
			require.NoError(t, json.Unmarshal([]byte(out), &info))
			assert.Equal(t, version.Version, info.Version)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newVersionCmd()
			buf := &bytes.Buffer{}
			cmd.SetOut(buf)
			cmd.SetArgs(tt.args)

			require.NoError(t, cmd.Execute())
			tt.check(t, buf.String())
		})
	}
}

func TestCatalogAndSearch_EndToEnd(t *testing.T) {
	isolate(t)

	// Given: a project and two licenses written through the CLI
	out, err := run(t, `{"uuid":"6F1C2B9E-3A52-4D8B-9E33-0C1B2D3E4F50","name":"Acme Example","version":"1.0.0"}`,
		"catalog", "put", "project")
	require.NoError(t, err)
	assert.Contains(t, out, "created project 6f1c2b9e-3a52-4d8b-9e33-0c1b2d3e4f50")

	feed := filepath.Join(t.TempDir(), "licenses.json")
	require.NoError(t, os.WriteFile(feed, []byte(`{
		"kind": "license",
		"upsert": [
			{"licenseId": "Apache-2.0", "name": "Apache License 2.0"},
			{"licenseId": "MIT", "name": "MIT License"},
			{"licenseId": "bad id!", "name": "Broken"}
		]
	}`), 0644))
	out, err = run(t, "", "catalog", "import", feed)
	require.NoError(t, err)
	assert.Contains(t, out, "created 2")
	assert.Contains(t, out, "upsert[2] rejected")

	// When: searching every kind for "acme"
	out, err = run(t, "", "search", "acme")

	// Then: the project is listed under its kind and others are empty
	require.NoError(t, err)
	assert.Contains(t, out, "project (1)")
	assert.Contains(t, out, "6f1c2b9e-3a52-4d8b-9e33-0c1b2d3e4f50")
	assert.Contains(t, out, "license (0)")

	// And: JSON output is keyed by label
	out, err = run(t, "", "search", "apache", "--kind", "license", "--format", "json")
	require.NoError(t, err)
	var hits map[string][]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.Len(t, hits["license"], 1)
	assert.Equal(t, "Apache-2.0", hits["license"][0]["key"])

	// And: records read back and delete idempotently
	out, err = run(t, "", "catalog", "get", "license", "MIT")
	require.NoError(t, err)
	assert.Contains(t, out, `"licenseId": "MIT"`)

	out, err = run(t, "", "catalog", "delete", "license", "MIT", "GPL-3.0-only")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted license MIT")
	assert.Contains(t, out, "absent license GPL-3.0-only")

	_, err = run(t, "", "catalog", "get", "license", "MIT")
	assert.ErrorIs(t, err, verrors.ErrNotFound)
}

func TestIndexCommands(t *testing.T) {
	isolate(t)
	_, err := run(t, `{"cweId":79,"name":"Cross-site Scripting"}`, "catalog", "put", "cwe")
	require.NoError(t, err)

	// Rebuild one kind
	out, err := run(t, "", "index", "rebuild", "cwe")
	require.NoError(t, err)
	assert.Contains(t, out, "cwe: 1 documents")

	// Check every kind
	out, err = run(t, "", "index", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "cwe: consistent (1 records)")

	// Status as JSON
	out, err = run(t, "", "index", "status", "--format", "json")
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 6)
	for _, r := range rows {
		assert.Equal(t, true, r["available"], r["kind"])
	}

	// Status as text
	out, err = run(t, "", "index", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "disk usage")

	// Unknown kinds are rejected
	_, err = run(t, "", "index", "rebuild", "badge")
	assert.ErrorIs(t, err, verrors.ErrUnsupportedKind)
}

func TestSearch_UnknownKind(t *testing.T) {
	isolate(t)

	_, err := run(t, "", "search", "x", "--kind", "badge")

	assert.ErrorIs(t, err, verrors.ErrUnsupportedKind)
}

func TestConfigCommands(t *testing.T) {
	isolate(t)
	userPath := config.GetUserConfigPath()

	// init creates the user config from the template
	out, err := run(t, "", "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, userPath)
	data, err := os.ReadFile(userPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rebuild_on_startup")

	// a second init refuses without --force
	_, err = run(t, "", "config", "init")
	require.Error(t, err)

	// --force backs up the old file and writes defaults
	out, err = run(t, "", "config", "init", "--force", "--defaults")
	require.NoError(t, err)
	assert.Contains(t, out, "Backed up")
	backups, err := config.ListUserConfigBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)

	// restore brings the template back
	_, err = run(t, "", "config", "restore")
	require.NoError(t, err)
	data, err = os.ReadFile(userPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# vulnsearch configuration")

	// show prints the effective config
	out, err = run(t, "", "config", "show", "--format", "json")
	require.NoError(t, err)
	var shown config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "error", shown.Server.LogLevel)

	out, err = run(t, "", "config", "path")
	require.NoError(t, err)
	assert.Equal(t, userPath, strings.TrimSpace(out))
}

func TestRoot_InvalidConfigFails(t *testing.T) {
	isolate(t)
	t.Setenv(config.EnvPrefix+"INDEX_BACKEND", "lucene")

	_, err := run(t, "", "index", "status")

	require.Error(t, err)
}

func TestRoot_Profiling(t *testing.T) {
	isolate(t)
	cpu := filepath.Join(t.TempDir(), "cpu.prof")

	_, err := run(t, "", "--profile-cpu", cpu, "index", "status")

	require.NoError(t, err)
	info, err := os.Stat(cpu)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestDoctorCmd(t *testing.T) {
	root := isolate(t)

	// The disk check may fail on a nearly full runner, so only the report is asserted.
	out, _ := run(t, "", "doctor", "--addr", "127.0.0.1:0", "--format", "json")

	var report struct {
		Status string `json:"status"`
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.NotEmpty(t, report.Status)
	names := make(map[string]string, len(report.Checks))
	for _, c := range report.Checks {
		names[c.Name] = c.Status
	}
	assert.Equal(t, "PASS", names["index_dir"])
	assert.Equal(t, "PASS", names["feed_dir"])
	assert.Equal(t, "PASS", names["listen_addr"])
	assert.DirExists(t, filepath.Join(root, "feed"))
}
