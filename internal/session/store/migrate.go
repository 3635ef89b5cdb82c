package store

import (
	"fmt"
	"strings"
	"time"
)

// A migration is a numbered batch of DDL statements. IDs are monotonic;
// applied IDs are recorded in _schema_migrations. Statements that fail
// with "duplicate column" or "already exists" are treated as already
// applied, which makes every migration idempotent — databases created
// from the full initial schema can replay later ALTERs harmlessly.
//
// When adding a migration, also fold its DDL into the initial schema in
// schema.go so fresh databases and migrated databases end up identical.
type migration struct {
	id         int
	statements []string
}

var migrations = []migration{
	{1, initialSchema},
	{2, []string{
		`ALTER TABLE sandboxes ADD COLUMN auth_token_hash TEXT`,
	}},
	{3, []string{
		`ALTER TABLE messages ADD COLUMN callback_context_json TEXT`,
	}},
	{4, []string{
		`CREATE INDEX IF NOT EXISTS events_created_id ON events(created_at, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS artifacts_one_pr ON artifacts(type) WHERE type = 'pr'`,
	}},
	{5, []string{
		`ALTER TABLE events ADD COLUMN data_compression INTEGER NOT NULL DEFAULT 0`,
	}},
}

// Migrate applies all pending migrations.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS _schema_migrations (
		id INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.Query(`SELECT id FROM _schema_migrations`)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan migration id: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate applied migrations: %w", err)
	}
	_ = rows.Close()

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.Exec(stmt); err != nil {
				if isIgnorableMigrationErr(err) {
					continue
				}
				return fmt.Errorf("migration %d: %w", m.id, err)
			}
		}
		_, err := s.db.Exec(`INSERT INTO _schema_migrations (id, applied_at) VALUES (?, ?)`,
			m.id, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("record migration %d: %w", m.id, err)
		}
	}

	return nil
}

func isIgnorableMigrationErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
