// Package all registers every storage backend with the storage registry.
package all

import (
	_ "econstats/internal/storage/mssql"
	_ "econstats/internal/storage/postgres"
	_ "econstats/internal/storage/sqlite"
)
