// Package migrations contains the embedded journal schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
