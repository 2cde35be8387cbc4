// Package all registers every storage backend. Import it for side effects
// from main packages.
package all

import (
	_ "gymetl/internal/storage/mssql"
	_ "gymetl/internal/storage/postgres"
	_ "gymetl/internal/storage/sqlite"
)
