package document

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"project", KindProject},
		{"COMPONENT", KindComponent},
		{"service", KindServiceComponent},
		{"service_component", KindServiceComponent},
		{"License", KindLicense},
		{"vulnerability", KindVulnerability},
		{" cwe ", KindCWE},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseKind("badge")
	assert.True(t, errors.Is(err, verrors.ErrUnsupportedKind))
}

func TestKinds_LabelsRoundTrip(t *testing.T) {
	kinds := Kinds()
	require.Len(t, kinds, 6)

	for _, k := range kinds {
		assert.True(t, k.Valid())
		parsed, err := ParseKind(k.Label())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	assert.False(t, Kind("BADGE").Valid())
}
