// Package api embeds the colony API's OpenAPI document for serving at
// runtime.
package api

import _ "embed"

// OpenAPISpec is the raw OpenAPI 3.1 YAML document served at /openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
