// Package migrations embeds the SQL schemas of the solver and worker
// databases.
package migrations

import "embed"

//go:embed solver/*.sql worker/*.sql
var FS embed.FS
