// Package migration applies versioned SQL schema changes to SQLite databases.
//
// Migrations are read from an fs.FS, usually an embed.FS compiled into the
// binary, and must follow the naming convention {version}_{description}.sql
// (e.g. "001_initial_schema.sql"). Each file runs inside its own transaction
// and is recorded in the schema_migrations table so it is applied once.
//
// Example usage:
//
//	manager := migration.NewManager(db, schemaFS, "schema", logger)
//	if err := manager.RunMigrations(ctx); err != nil {
//		return fmt.Errorf("migrate: %w", err)
//	}
package migration
