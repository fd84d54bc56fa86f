// Package migrations embeds the bun SQL migrations for each database backend.
package migrations

import "embed"

//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
