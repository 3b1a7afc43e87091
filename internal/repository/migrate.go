package repository

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema.sql
var bootstrapSchema string

// Migrate applies the bootstrap schema. Statements are idempotent
// (CREATE ... IF NOT EXISTS), so calling this on every start is safe.
// Comment lines are dropped before splitting so a semicolon inside one
// cannot truncate a statement.
func Migrate(ctx context.Context, db *DB) error {
	var sb strings.Builder
	for _, line := range strings.Split(bootstrapSchema, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	for _, stmt := range strings.Split(sb.String(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.SQL.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
