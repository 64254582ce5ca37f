// Package migrations embeds the SQL schema for the action queue database.
package migrations

import "embed"

// Files contains all SQL migration files named V<n>__<description>.(up|down).sql.
//
//go:embed *.sql
var Files embed.FS
