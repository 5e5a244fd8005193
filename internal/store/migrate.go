package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// MigrationError marks a failed schema migration. The store is unusable
// until the cause is fixed; by construction no partial schema state can
// remain because all pending migrations run in one transaction.
type MigrationError struct {
	FromVersion int
	Err         error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("schema migration from version %d failed: %v", e.FromVersion, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// migration is one schema version step.
type migration struct {
	version     int
	description string
	statements  []string
}

// migrations is the ordered schema history. Append only; never edit an
// entry that has shipped.
var migrations = []migration{
	{
		version:     1,
		description: "core capture tables",
		statements: []string{
			`CREATE TABLE meta (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
			`CREATE TABLE events (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				client_id   TEXT NOT NULL UNIQUE,
				kind        TEXT NOT NULL,
				actor_role  TEXT NOT NULL DEFAULT '',
				payload     BLOB NOT NULL,
				status      TEXT NOT NULL DEFAULT 'pending',
				last_error  TEXT,
				created_at  TEXT NOT NULL,
				updated_at  TEXT NOT NULL,
				occurred_at TEXT NOT NULL,
				server_id   TEXT
			)`,
			`CREATE TABLE media (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				event_id   INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
				kind       TEXT NOT NULL DEFAULT '',
				uri        TEXT NOT NULL,
				checksum   TEXT NOT NULL,
				size       INTEGER NOT NULL,
				status     TEXT NOT NULL DEFAULT 'pending',
				last_error TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				server_id  TEXT
			)`,
			`CREATE TABLE sync_cursors (
				id         TEXT PRIMARY KEY,
				cursor     INTEGER NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
	},
	{
		version:     2,
		description: "upload tickets and status indexes",
		statements: []string{
			`CREATE TABLE pending_uploads (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				event_id   INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
				media_id   INTEGER NOT NULL REFERENCES media(id) ON DELETE CASCADE,
				upload_url TEXT NOT NULL,
				method     TEXT NOT NULL,
				headers    TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX idx_events_status ON events(status)`,
			`CREATE INDEX idx_media_status ON media(status)`,
			`CREATE INDEX idx_media_event ON media(event_id)`,
		},
	},
}

// schemaVersionKey is the meta row holding the applied schema version.
const schemaVersionKey = "schema_version"

// TargetSchemaVersion is the version Migrate brings the store to.
func TargetSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate brings the schema up to the current version.
//
// All pending migration statements run inside a single transaction together
// with the version bump, so a crash or failure at any point leaves either
// the old schema or the new one, never anything in between. Calling Migrate
// on an up-to-date store is a no-op.
func (s *Store) Migrate(ctx context.Context) error {
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return &MigrationError{Err: err}
	}

	target := TargetSchemaVersion()
	if current >= target {
		return nil
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration v%d (%s): %w", m.version, m.description, err)
				}
			}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			schemaVersionKey, strconv.Itoa(target))
		if err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		return nil
	})
	if err != nil {
		return &MigrationError{FromVersion: current, Err: err}
	}

	s.logger.Infow("schema migrated", "from", current, "to", target)
	return nil
}

// SchemaVersion returns the currently applied schema version. A fresh
// database reports version 0.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return s.schemaVersion(ctx)
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	// The meta table itself is created by migration v1.
	var exists int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'meta'`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect schema: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var value string
	err = s.conn.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, schemaVersionKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	version, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("corrupt schema version %q: %w", value, err)
	}
	return version, nil
}
