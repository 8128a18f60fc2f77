// Package migrations carries the goose SQL migrations for the authcore schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
