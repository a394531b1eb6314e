// Package migrations embeds the SQL schema so binaries can migrate without a checkout.
package migrations

import "embed"

const (
	Dir      = "sql"
	SeedsDir = "seeds"
)

//go:embed sql/*.sql seeds/*.sql
var FS embed.FS
