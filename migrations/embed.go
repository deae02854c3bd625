// Package migrations embeds the runner database schema.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in name order to each
// runner database when it is opened.
//
//go:embed *.sql
var FS embed.FS
