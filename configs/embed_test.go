package configs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigTemplate_IsValidYAML(t *testing.T) {
	// Given: the embedded template
	require.NotEmpty(t, ConfigTemplate)

	// When: parsing it
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(ConfigTemplate), &doc))

	// Then: every section is present
	assert.Equal(t, 1, doc["version"])
	for _, section := range []string{"index", "search", "sync", "catalog", "feed", "server", "maintenance"} {
		assert.Contains(t, doc, section)
	}
}
