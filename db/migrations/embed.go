package migrations

import "embed"

// Files contains the versioned SQL migrations (V<n>__<name>.sql).
//
//go:embed *.sql
var Files embed.FS
