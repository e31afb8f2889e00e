package database

import (
	"database/sql"
	"fmt"
)

const schemaVersion = 1

func initSchema(db *sql.DB) error {
	var version int
	err := db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if version == schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := createTables(tx); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return tx.Commit()
}

func createTables(tx *sql.Tx) error {
	queries := []string{
		// One row per finished coverage run
		// - script: URI of the document that was executed
		// - started: unix nanoseconds, orders runs for pruning
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            script TEXT NOT NULL,
            started INTEGER NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_runs_script
            ON runs(script)`,

		// Every document a run reported coverage for, with the hash of the
		// text it ran against. Coverage is only restored onto identical text.
		`CREATE TABLE IF NOT EXISTS documents (
            run_id TEXT NOT NULL,
            uri TEXT NOT NULL,
            hash TEXT NOT NULL,
            FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE,
            PRIMARY KEY (run_id, uri)
        )`,

		`CREATE INDEX IF NOT EXISTS idx_documents_uri
            ON documents(uri, hash)`,

		// Covered regions, zero-based lines
		`CREATE TABLE IF NOT EXISTS hits (
            run_id TEXT NOT NULL,
            uri TEXT NOT NULL,
            start_line INTEGER NOT NULL,
            start_column INTEGER NOT NULL,
            end_line INTEGER NOT NULL,
            end_column INTEGER NOT NULL,
            node TEXT NOT NULL DEFAULT '',
            hits INTEGER NOT NULL DEFAULT 1,
            FOREIGN KEY (run_id, uri) REFERENCES documents(run_id, uri) ON DELETE CASCADE
        )`,

		`CREATE INDEX IF NOT EXISTS idx_hits_document
            ON hits(run_id, uri)`,
	}

	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %q: %w", query, err)
		}
	}

	return nil
}
