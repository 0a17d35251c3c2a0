package document

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
)

// FieldSetVersion versions the extraction policy below. Indices built with a
// different version are treated as stale and rebuilt.
const FieldSetVersion = 1

// Field names shared across kinds.
const (
	FieldName        = "name"
	FieldVersion     = "version"
	FieldDescription = "description"
	FieldTags        = "tags"
	FieldGroup       = "group"
	FieldPURL        = "purl"
	FieldSHA1        = "sha1"
	FieldVulnID      = "vulnId"
	FieldSource      = "source"
	FieldTitle       = "title"
	FieldCWEIDs      = "cwe-ids"
	FieldLicenseID   = "licenseId"
	FieldCweID       = "cweId"
)

// FieldSpec describes one indexed field and its query-time boost.
type FieldSpec struct {
	Name  string
	Boost float64
}

// fieldSpecs is the fixed extraction policy per kind. Identifier-like fields
// carry the highest boost.
var fieldSpecs = map[Kind][]FieldSpec{
	KindProject: {
		{FieldName, 3}, {FieldVersion, 1}, {FieldDescription, 1}, {FieldTags, 2},
	},
	KindComponent: {
		{FieldGroup, 2}, {FieldName, 3}, {FieldVersion, 1}, {FieldPURL, 2}, {FieldSHA1, 1},
	},
	KindServiceComponent: {
		{FieldGroup, 2}, {FieldName, 3}, {FieldVersion, 1}, {FieldDescription, 1},
	},
	KindLicense: {
		{FieldLicenseID, 3}, {FieldName, 1},
	},
	KindVulnerability: {
		{FieldVulnID, 3}, {FieldSource, 1}, {FieldTitle, 2}, {FieldDescription, 1}, {FieldCWEIDs, 1},
	},
	KindCWE: {
		{FieldCweID, 3}, {FieldName, 2},
	},
}

// FieldSpecs returns the indexed fields of kind in extraction order.
func FieldSpecs(kind Kind) ([]FieldSpec, error) {
	specs, ok := fieldSpecs[kind]
	if !ok {
		return nil, verrors.UnsupportedKind(string(kind))
	}
	out := make([]FieldSpec, len(specs))
	copy(out, specs)
	return out, nil
}

// Fields maps a field name to one or more values.
type Fields map[string][]string

// add appends the non-blank values to name.
func (f Fields) add(name string, values ...string) {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		f[name] = append(f[name], v)
	}
}

// Clone returns a deep copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// SearchDocument is the indexable projection of one authoritative record.
type SearchDocument struct {
	Kind   Kind
	Key    string
	Fields Fields
}

// ToDocument projects record onto a SearchDocument of kind.
// The result depends only on the record's contents.
func ToDocument(record Record, kind Kind) (SearchDocument, error) {
	if !kind.Valid() {
		return SearchDocument{}, verrors.UnsupportedKind(string(kind))
	}
	if record == nil {
		return SearchDocument{}, verrors.InvalidRecord(kind.Label(), "record is nil", nil)
	}
	if record.Kind() != kind {
		return SearchDocument{}, verrors.InvalidRecord(kind.Label(),
			fmt.Sprintf("%s record cannot be indexed as %s", record.Kind().Label(), kind.Label()), nil)
	}

	key, err := NormalizeKey(kind, record.RecordKey())
	if err != nil {
		return SearchDocument{}, err
	}

	f := Fields{}
	switch r := record.(type) {
	case *Project:
		f.add(FieldName, r.Name)
		f.add(FieldVersion, r.Version)
		f.add(FieldDescription, r.Description)
		f.add(FieldTags, sortedUnique(r.Tags)...)
	case *Component:
		f.add(FieldGroup, r.Group)
		f.add(FieldName, r.Name)
		f.add(FieldVersion, r.Version)
		f.add(FieldPURL, r.PURL)
		f.add(FieldSHA1, strings.ToLower(r.SHA1))
	case *ServiceComponent:
		f.add(FieldGroup, r.Group)
		f.add(FieldName, r.Name)
		f.add(FieldVersion, r.Version)
		f.add(FieldDescription, r.Description)
	case *License:
		f.add(FieldLicenseID, r.LicenseID)
		f.add(FieldName, r.Name)
	case *Vulnerability:
		f.add(FieldVulnID, r.VulnID)
		f.add(FieldSource, r.Source)
		f.add(FieldTitle, r.Title)
		f.add(FieldDescription, r.Description)
		f.add(FieldCWEIDs, cweLabels(r.CWEs)...)
	case *CWE:
		f.add(FieldCweID, "CWE-"+strconv.Itoa(r.CweID))
		f.add(FieldName, r.Name)
	default:
		return SearchDocument{}, verrors.InvalidRecord(kind.Label(), fmt.Sprintf("unknown record type %T", record), nil)
	}

	return SearchDocument{Kind: kind, Key: key, Fields: f}, nil
}

// MatchedFields returns, sorted, the fields of doc whose values contain at
// least one of terms.
func MatchedFields(fields Fields, terms []string) []string {
	var matched []string
	for name, values := range fields {
		for _, term := range terms {
			if containsToken(values, term) {
				matched = append(matched, name)
				break
			}
		}
	}
	sort.Strings(matched)
	return matched
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func cweLabels(ids []int) []string {
	seen := make(map[int]struct{}, len(ids))
	var sorted []int
	for _, id := range ids {
		if _, ok := seen[id]; ok || id <= 0 {
			continue
		}
		seen[id] = struct{}{}
		sorted = append(sorted, id)
	}
	sort.Ints(sorted)
	out := make([]string, len(sorted))
	for i, id := range sorted {
		out[i] = "CWE-" + strconv.Itoa(id)
	}
	return out
}
