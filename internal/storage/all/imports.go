// Package all wires every built-in dialect into the storage registry.
//
// Importing it (blank import) runs the init functions of each backend, which
// register their capability records. It makes these kinds available:
//
//   - "postgres"  (rowpipe/internal/storage/postgres)
//   - "sqlserver" (rowpipe/internal/storage/mssql)
//   - "mysql"     (rowpipe/internal/storage/mysql)
//   - "sqlite"    (rowpipe/internal/storage/sqlite)
//
// A binary that needs only a subset can import the backends directly.
package all

import (
	_ "rowpipe/internal/storage/mssql"
	_ "rowpipe/internal/storage/mysql"
	_ "rowpipe/internal/storage/postgres"
	_ "rowpipe/internal/storage/sqlite"
)
