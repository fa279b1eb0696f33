// Package migrations bundles the SQL schema for tutor-api.
package migrations

import "embed"

// FS holds the versioned migration files.
//
//go:embed *.sql
var FS embed.FS
