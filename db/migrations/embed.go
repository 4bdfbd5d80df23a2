// Package dbmigrations exposes embedded SQL migrations for execgate binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into execgate binaries.
//
//go:embed *.sql
var Files embed.FS
