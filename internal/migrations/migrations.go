// Package migrations embeds the schema migrations for the persisted
// address-allocation and layer-store databases (spec §4.5, §4.6),
// applied through golang-migrate at daemon startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
