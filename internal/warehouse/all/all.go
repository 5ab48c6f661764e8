// Package all registers every warehouse backend with the factory.
// Blank-import it from a main package to make all kinds selectable by config.
package all

import (
	_ "openalexetl/internal/warehouse/mssql"
	_ "openalexetl/internal/warehouse/postgres"
	_ "openalexetl/internal/warehouse/sqlite"
)
