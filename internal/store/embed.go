package store

import _ "embed"

//go:embed schema.sql
var embeddedSchema string

// Schema returns the bundled schema.sql contents, ready for EnsureSchema.
func Schema() string {
	return embeddedSchema
}
