package document

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
)

// Record is an authoritative entity owned by the external datastore.
type Record interface {
	// Kind returns the entity kind the record belongs to.
	Kind() Kind
	// RecordKey returns the record's identifier as supplied by the datastore.
	RecordKey() string
}

// Project is a tracked software project.
type Project struct {
	UUID        string   `json:"uuid"`
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (*Project) Kind() Kind { return KindProject }
func (p *Project) RecordKey() string { return p.UUID }

// Component is a software component found in a project's SBOM.
type Component struct {
	UUID    string `json:"uuid"`
	Group   string `json:"group,omitempty"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	PURL    string `json:"purl,omitempty"`
	SHA1    string `json:"sha1,omitempty"`
}

func (*Component) Kind() Kind { return KindComponent }
func (c *Component) RecordKey() string { return c.UUID }

// ServiceComponent is an external service a project depends on.
type ServiceComponent struct {
	UUID        string `json:"uuid"`
	Group       string `json:"group,omitempty"`
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
}

func (*ServiceComponent) Kind() Kind { return KindServiceComponent }
func (s *ServiceComponent) RecordKey() string { return s.UUID }

// License is an SPDX (or custom LicenseRef) license.
type License struct {
	LicenseID string `json:"licenseId"`
	Name      string `json:"name"`
}

func (*License) Kind() Kind { return KindLicense }
func (l *License) RecordKey() string { return l.LicenseID }

// Vulnerability is a published vulnerability. ID is the datastore's internal
// identifier; VulnID is the public one (CVE-..., GHSA-...).
type Vulnerability struct {
	ID          string `json:"id"`
	VulnID      string `json:"vulnId"`
	Source      string `json:"source,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	CWEs        []int  `json:"cwes,omitempty"`
}

func (*Vulnerability) Kind() Kind { return KindVulnerability }
func (v *Vulnerability) RecordKey() string { return v.ID }

// CWE is a Common Weakness Enumeration entry.
type CWE struct {
	CweID int    `json:"cweId"`
	Name  string `json:"name"`
}

func (*CWE) Kind() Kind { return KindCWE }
func (c *CWE) RecordKey() string {
	if c.CweID <= 0 {
		return ""
	}
	return strconv.Itoa(c.CweID)
}

// NewRecord returns an empty record of kind, ready for decoding.
func NewRecord(kind Kind) (Record, error) {
	switch kind {
	case KindProject:
		return &Project{}, nil
	case KindComponent:
		return &Component{}, nil
	case KindServiceComponent:
		return &ServiceComponent{}, nil
	case KindLicense:
		return &License{}, nil
	case KindVulnerability:
		return &Vulnerability{}, nil
	case KindCWE:
		return &CWE{}, nil
	}
	return nil, verrors.UnsupportedKind(string(kind))
}

// DecodeRecord decodes the JSON form of a record of kind.
func DecodeRecord(kind Kind, data []byte) (Record, error) {
	rec, err := NewRecord(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, verrors.InvalidRecord(kind.Label(), fmt.Sprintf("cannot decode %s record", kind.Label()), err)
	}
	return rec, nil
}

var spdxPattern = regexp.MustCompile(`^[A-Za-z0-9.+-]+$`)

// NormalizeKey validates key against kind's canonical key format and returns
// its canonical spelling (lower-case hyphenated UUIDs).
func NormalizeKey(kind Kind, key string) (string, error) {
	key = strings.TrimSpace(key)
	switch kind {
	case KindProject, KindComponent, KindServiceComponent:
		id, err := uuid.Parse(key)
		if err != nil {
			return "", verrors.InvalidRecord(kind.Label(), fmt.Sprintf("%s key %q is not a UUID", kind.Label(), key), err)
		}
		return id.String(), nil
	case KindLicense:
		if !spdxPattern.MatchString(key) {
			return "", verrors.InvalidRecord(kind.Label(), fmt.Sprintf("license key %q is not an SPDX identifier", key), nil)
		}
		return key, nil
	case KindVulnerability:
		if key == "" {
			return "", verrors.InvalidRecord(kind.Label(), "vulnerability key is empty", nil)
		}
		return key, nil
	case KindCWE:
		n, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(key), "CWE-"))
		if err != nil || n <= 0 {
			return "", verrors.InvalidRecord(kind.Label(), fmt.Sprintf("cwe key %q is not a positive number", key), err)
		}
		return strconv.Itoa(n), nil
	}
	return "", verrors.UnsupportedKind(string(kind))
}
