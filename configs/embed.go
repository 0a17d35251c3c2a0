// Package configs embeds the example configuration written by
// `vulnsearch config init`.
//
// The same template serves the user config (~/.config/vulnsearch/config.yaml)
// and a project config (vulnsearch.yaml); see internal/config Load for how
// the layers combine.
package configs

import _ "embed"

// ConfigTemplate is the commented example configuration.
//
//go:embed vulnsearch.example.yaml
var ConfigTemplate string
