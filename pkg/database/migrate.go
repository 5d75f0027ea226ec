package database

import (
	"context"
	"fmt"
	"sort"

	dbsql "tallyhook/pkg/database/sql"
)

// Migrate applies every embedded schema file in lexical order. Files are
// numbered (001_, 002_, ...) so ordering is deterministic; each file must be
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE OR REPLACE VIEW) since
// Migrate runs on every process start rather than tracking applied versions.
func Migrate(ctx context.Context, db PostgresConn) error {
	entries, err := dbsql.Content.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("read embedded schema: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		contents, err := dbsql.Content.ReadFile("schema/" + name)
		if err != nil {
			return fmt.Errorf("read schema file %s: %w", name, err)
		}

		if _, err := db.ExecContext(ctx, string(contents)); err != nil {
			return fmt.Errorf("apply schema file %s: %w", name, err)
		}
	}

	return nil
}
