// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migrationDef is an embedded migration. The engine ships its schema in
// the binary rather than reading .sql files from disk, so mobile
// backends and tests migrate identically.
type migrationDef struct {
	version     int
	description string
	sql         string
}

// migrations is the ordered list of schema versions.
var migrations = []migrationDef{
	{
		version:     1,
		description: "sync_schema",
		sql: `
CREATE TABLE IF NOT EXISTS device_sync_state (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	device_type TEXT NOT NULL DEFAULT '',
	is_online INTEGER NOT NULL DEFAULT 0,
	last_online INTEGER NOT NULL DEFAULT 0,
	quality TEXT NOT NULL DEFAULT 'unknown',
	auto_sync INTEGER NOT NULL DEFAULT 1,
	conflict_policy TEXT NOT NULL DEFAULT 'manual_resolve',
	max_offline_days INTEGER NOT NULL DEFAULT 30,
	last_seq INTEGER NOT NULL DEFAULT 0,
	claim_token TEXT NOT NULL DEFAULT '',
	claimed_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(user_id, device_id)
);

CREATE TABLE IF NOT EXISTS device_entity_state (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	last_sync_at INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0,
	pending_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, device_id, entity_type)
);

CREATE TABLE IF NOT EXISTS change_queue (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	operation TEXT NOT NULL CHECK(operation IN ('create','update','delete')),
	payload TEXT NOT NULL,
	baseline_at INTEGER NOT NULL DEFAULT 0,
	baseline_version INTEGER NOT NULL DEFAULT 0,
	client_timestamp INTEGER NOT NULL DEFAULT 0,
	sequence INTEGER NOT NULL,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending','syncing','completed','failed','conflict')),
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	last_attempt_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL DEFAULT 0,
	UNIQUE(user_id, device_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_change_queue_owner_status
	ON change_queue(user_id, device_id, status);
CREATE INDEX IF NOT EXISTS idx_change_queue_sweep
	ON change_queue(status, last_attempt_at);

CREATE TABLE IF NOT EXISTS conflict_records (
	id TEXT PRIMARY KEY,
	queue_item_id TEXT NOT NULL REFERENCES change_queue(id),
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	server_version TEXT NOT NULL DEFAULT '',
	server_modified_at INTEGER NOT NULL DEFAULT 0,
	client_version TEXT NOT NULL DEFAULT '',
	client_baseline_at INTEGER NOT NULL DEFAULT 0,
	detected_at INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open','resolved')),
	resolution TEXT NOT NULL DEFAULT '',
	resolved_data TEXT NOT NULL DEFAULT '',
	resolved_by TEXT NOT NULL DEFAULT '',
	resolved_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_conflict_records_owner_status
	ON conflict_records(user_id, device_id, status);
`,
	},
}

// Migrator applies embedded schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.UnixMilli(appliedAt)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations. Already-applied versions are
// verified against their recorded checksum and skipped.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedChecksums := make(map[int]string)
	for _, mig := range applied {
		appliedChecksums[mig.Version] = mig.Checksum
	}

	for _, def := range migrations {
		checksum := checksumOf(def.sql)

		if recorded, ok := appliedChecksums[def.version]; ok {
			if recorded != checksum {
				return fmt.Errorf("migration V%d checksum mismatch: recorded %s, embedded %s",
					def.version, recorded, checksum)
			}
			continue
		}

		if err := m.applyMigration(def, checksum); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", def.version, err)
		}
	}

	return nil
}

// applyMigration applies a single migration in a transaction.
func (m *Migrator) applyMigration(def migrationDef, checksum string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(def.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, def.version, time.Now().UnixMilli(), def.description, checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// checksumOf computes the SHA-256 checksum of migration SQL content.
func checksumOf(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}
