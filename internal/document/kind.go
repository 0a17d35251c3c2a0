package document

import (
	"strings"

	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
)

// Kind is the closed set of record categories that are indexed independently.
type Kind string

const (
	KindProject          Kind = "PROJECT"
	KindComponent        Kind = "COMPONENT"
	KindServiceComponent Kind = "SERVICE_COMPONENT"
	KindLicense          Kind = "LICENSE"
	KindVulnerability    Kind = "VULNERABILITY"
	KindCWE              Kind = "CWE"
)

// allKinds is the canonical order used for federation output and maintenance.
var allKinds = []Kind{
	KindProject,
	KindComponent,
	KindServiceComponent,
	KindLicense,
	KindVulnerability,
	KindCWE,
}

// Kinds returns every kind in canonical order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Valid reports whether k is a member of the enumeration.
func (k Kind) Valid() bool {
	switch k {
	case KindProject, KindComponent, KindServiceComponent, KindLicense, KindVulnerability, KindCWE:
		return true
	}
	return false
}

// Label is the lowercase name used in URLs, JSON responses, and on-disk paths.
func (k Kind) Label() string {
	switch k {
	case KindProject:
		return "project"
	case KindComponent:
		return "component"
	case KindServiceComponent:
		return "service"
	case KindLicense:
		return "license"
	case KindVulnerability:
		return "vulnerability"
	case KindCWE:
		return "cwe"
	}
	return strings.ToLower(string(k))
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}

// ParseKind accepts either the enumeration name or the label, case-insensitively.
func ParseKind(s string) (Kind, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	switch norm {
	case "SERVICE", "SERVICES":
		return KindServiceComponent, nil
	}
	k := Kind(norm)
	if !k.Valid() {
		return "", verrors.UnsupportedKind(s)
	}
	return k, nil
}
