// Package db carries the relational schema.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var Schema string

// Apply executes the schema DDL. Every statement is IF NOT EXISTS, so
// applying against an existing database is a no-op. Production databases
// are migrated out of band; Apply is for development and tests.
func Apply(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("db: apply schema: %w", err)
	}
	return nil
}
