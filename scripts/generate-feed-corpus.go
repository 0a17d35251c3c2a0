//go:build ignore

// Package main generates synthetic record feeds for load testing.
// Usage: go run scripts/generate-feed-corpus.go -records 5000 -output testdata/feeds
//
// One feed file is written per kind. Import them with
// `vulnsearch catalog import testdata/feeds/*.json` or drop them into the
// feed directory of a running server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/Aman-CERP/vulnsearch/internal/document"
)

var (
	numRecords = flag.Int("records", 1000, "Records per kind")
	outputDir  = flag.String("output", "testdata/feeds", "Output directory")
	seed       = flag.Uint64("seed", 42, "Random seed for reproducibility")
)

var (
	vendors  = []string{"acme", "globex", "initech", "umbrella", "hooli", "stark", "wayne", "tyrell"}
	nouns    = []string{"parser", "gateway", "logger", "scheduler", "cache", "auth", "billing", "ledger", "crawler", "renderer"}
	suffixes = []string{"core", "api", "client", "server", "utils", "plugin", "sdk", "cli"}
	flaws    = []string{
		"Cross-site scripting", "SQL injection", "Path traversal", "Heap buffer overflow",
		"Improper certificate validation", "Deserialization of untrusted data",
		"Server-side request forgery", "Denial of service via crafted input",
	}
	licenses = []string{"Apache", "MIT", "BSD", "GPL", "LGPL", "MPL", "EPL", "ISC"}
	sources  = []string{"NVD", "GITHUB", "OSV", "VULNDB"}
)

type feed struct {
	Kind   string            `json:"kind"`
	Upsert []document.Record `json:"upsert"`
}

func main() {
	flag.Parse()
	rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create output dir: %v\n", err)
		os.Exit(1)
	}

	for _, kind := range document.Kinds() {
		records := make([]document.Record, 0, *numRecords)
		for i := 0; i < *numRecords; i++ {
			records = append(records, generate(rng, kind, i))
		}
		path := filepath.Join(*outputDir, kind.Label()+".json")
		if err := write(path, feed{Kind: kind.Label(), Upsert: records}); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %d %s records to %s\n", len(records), kind.Label(), path)
	}
}

func generate(rng *rand.Rand, kind document.Kind, i int) document.Record {
	vendor := pick(rng, vendors)
	name := fmt.Sprintf("%s-%s", pick(rng, nouns), pick(rng, suffixes))
	version := fmt.Sprintf("%d.%d.%d", rng.IntN(5), rng.IntN(20), rng.IntN(10))

	switch kind {
	case document.KindProject:
		return &document.Project{
			UUID:        newUUID(rng),
			Name:        fmt.Sprintf("%s %s", vendor, name),
			Version:     version,
			Description: fmt.Sprintf("Internal %s service owned by the %s team", pick(rng, nouns), vendor),
			Tags:        []string{vendor, pick(rng, nouns)},
		}
	case document.KindComponent:
		group := "com." + vendor
		return &document.Component{
			UUID:    newUUID(rng),
			Group:   group,
			Name:    name,
			Version: version,
			PURL:    fmt.Sprintf("pkg:maven/%s/%s@%s", group, name, version),
			SHA1:    fmt.Sprintf("%040x", rng.Uint64()),
		}
	case document.KindServiceComponent:
		return &document.ServiceComponent{
			UUID:        newUUID(rng),
			Group:       vendor,
			Name:        name,
			Version:     version,
			Description: fmt.Sprintf("%s endpoint exposed by %s", pick(rng, nouns), vendor),
		}
	case document.KindLicense:
		family := pick(rng, licenses)
		return &document.License{
			LicenseID: fmt.Sprintf("LicenseRef-%s-%d", family, i),
			Name:      fmt.Sprintf("%s License variant %d", family, i),
		}
	case document.KindVulnerability:
		flaw := pick(rng, flaws)
		return &document.Vulnerability{
			ID:          newUUID(rng),
			VulnID:      fmt.Sprintf("CVE-%d-%d", 2015+rng.IntN(11), 10000+i),
			Source:      pick(rng, sources),
			Title:       fmt.Sprintf("%s in %s %s", flaw, vendor, name),
			Description: fmt.Sprintf("%s allows remote attackers to compromise %s before %s.", flaw, name, version),
			CWEs:        []int{1 + rng.IntN(1000)},
		}
	default:
		return &document.CWE{
			CweID: i + 1,
			Name:  fmt.Sprintf("%s (variant %d)", pick(rng, flaws), i+1),
		}
	}
}

func pick(rng *rand.Rand, from []string) string {
	return from[rng.IntN(len(from))]
}

// newUUID derives a random UUID from rng so output is reproducible.
func newUUID(rng *rand.Rand) string {
	var b [16]byte
	for i := range b {
		b[i] = byte(rng.UintN(256))
	}
	id, _ := uuid.FromBytes(b[:])
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id.String()
}

func write(path string, f feed) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
