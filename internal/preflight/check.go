package preflight

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/Aman-CERP/vulnsearch/internal/output"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed successfully.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the status as its label.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Targets names the paths and address the service will use. Empty fields
// skip their checks.
type Targets struct {
	IndexDir    string
	CatalogPath string
	FeedDir     string
	Addr        string
}

// Checker performs preflight validation checks.
type Checker struct {
	targets  Targets
	minDisk  uint64
	minFiles uint64
}

// Option configures a Checker.
type Option func(*Checker)

// WithMinDiskSpace overrides MinDiskSpaceBytes.
func WithMinDiskSpace(bytes uint64) Option {
	return func(c *Checker) { c.minDisk = bytes }
}

// WithMinFileDescriptors overrides MinFileDescriptors.
func WithMinFileDescriptors(n uint64) Option {
	return func(c *Checker) { c.minFiles = n }
}

// New creates a Checker over targets.
func New(targets Targets, opts ...Option) *Checker {
	c := &Checker{
		targets:  targets,
		minDisk:  MinDiskSpaceBytes,
		minFiles: MinFileDescriptors,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs every applicable check. Directories that do not exist yet are
// created, as opening the stores would.
func (c *Checker) RunAll(ctx context.Context) []CheckResult {
	var results []CheckResult

	dirs := []struct{ name, path string }{
		{"index_dir", c.targets.IndexDir},
		{"catalog_dir", parentDir(c.targets.CatalogPath)},
		{"feed_dir", c.targets.FeedDir},
	}
	for _, d := range dirs {
		if d.path == "" {
			continue
		}
		results = append(results, c.CheckWritePermissions(d.name, d.path))
	}

	if c.targets.IndexDir != "" {
		results = append(results, c.CheckDiskSpace(c.targets.IndexDir))
	}
	results = append(results, c.CheckFileDescriptors())

	if c.targets.Addr != "" {
		results = append(results, c.CheckListenAddr(ctx, c.targets.Addr))
	}
	return results
}

// HasCriticalFailures returns true if any required check failed.
func HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus returns a summary status string for the results.
func SummaryStatus(results []CheckResult) string {
	hasWarnings := false
	hasCriticalFailure := false

	for _, r := range results {
		if r.IsCritical() {
			hasCriticalFailure = true
		}
		if r.Status == StatusWarn || (r.Status == StatusFail && !r.Required) {
			hasWarnings = true
		}
	}

	if hasCriticalFailure {
		return "failed"
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults writes one line per check and the summary status.
func PrintResults(out *output.Writer, results []CheckResult, verbose bool) {
	out.Header("System Check")
	for _, r := range results {
		line := fmt.Sprintf("%s: %s", r.Name, r.Message)
		switch {
		case r.Status == StatusPass:
			out.Success(line)
		case r.IsCritical():
			out.Error(line)
		default:
			out.Warning(line)
		}
		if r.Details != "" && (verbose || r.Status != StatusPass) {
			out.Status("", r.Details)
		}
	}
	out.Newline()
	out.KeyValue([][2]string{{"status", SummaryStatus(results)}})
}

// CheckWritePermissions creates dir if needed and verifies a file can be
// written into it.
func (c *Checker) CheckWritePermissions(name, dir string) CheckResult {
	result := CheckResult{
		Name:     name,
		Required: true,
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot create %s: %v", dir, err)
		return result
	}
	f, err := os.CreateTemp(dir, ".vulnsearch-preflight-*")
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	_ = f.Close()
	_ = os.Remove(f.Name())

	result.Status = StatusPass
	result.Message = dir + " writable"
	return result
}

// CheckListenAddr verifies addr can be bound. A taken address only warns:
// the service may be restarting behind a socket that is about to close.
func (c *Checker) CheckListenAddr(ctx context.Context, addr string) CheckResult {
	result := CheckResult{Name: "listen_addr"}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%s unavailable", addr)
		result.Details = err.Error()
		return result
	}
	_ = ln.Close()

	result.Status = StatusPass
	result.Message = addr + " available"
	return result
}

func parentDir(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Dir(path)
}
