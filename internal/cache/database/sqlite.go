package database

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteDB struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// go-sqlite3 applies PRAGMAs per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
        PRAGMA foreign_keys = ON;
        PRAGMA journal_mode = WAL;
    `); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set PRAGMA: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

func (db *SQLiteDB) check() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	return nil
}

func (db *SQLiteDB) WithTx(fn func(Transaction) error) error {
	if err := db.check(); err != nil {
		return err
	}
	tx, err := db.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	defer tx.Rollback()

	if err := fn(&SQLiteTx{tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}

	return nil
}

func (db *SQLiteDB) GetRun(id string) (*RunRecord, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	var record RunRecord
	err := db.db.QueryRow(
		"SELECT id, script, started FROM runs WHERE id = ?",
		id,
	).Scan(&record.ID, &record.Script, &record.Started)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	return &record, nil
}

// GetRuns returns every run, newest first.
func (db *SQLiteDB) GetRuns() ([]RunRecord, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	rows, err := db.db.Query("SELECT id, script, started FROM runs ORDER BY started DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var record RunRecord
		if err := rows.Scan(&record.ID, &record.Script, &record.Started); err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run records: %w", err)
	}

	return records, nil
}

func (db *SQLiteDB) DeleteRun(id string) error {
	if err := db.check(); err != nil {
		return err
	}
	result, err := db.db.Exec("DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *SQLiteDB) DeleteRunsByScript(script string) (int, error) {
	if err := db.check(); err != nil {
		return 0, err
	}
	return deleteRunsByScript(db.db, script)
}

// PruneRuns deletes all but the keep most recent runs.
func (db *SQLiteDB) PruneRuns(keep int) (int, error) {
	if err := db.check(); err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	result, err := db.db.Exec(`
        DELETE FROM runs WHERE id NOT IN (
            SELECT id FROM runs ORDER BY started DESC LIMIT ?
        )
    `, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(affected), nil
}

// GetHits returns the regions recorded for uri by runs that executed the
// text hashed as hash.
func (db *SQLiteDB) GetHits(uri, hash string) ([]HitRecord, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	rows, err := db.db.Query(`
        SELECT h.run_id, h.uri, h.start_line, h.start_column, h.end_line, h.end_column, h.node, h.hits
        FROM hits h
        JOIN documents d ON d.run_id = h.run_id AND d.uri = h.uri
        WHERE d.uri = ? AND d.hash = ?
        ORDER BY h.start_line, h.start_column
    `, uri, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to query hits: %w", err)
	}
	defer rows.Close()

	var records []HitRecord
	for rows.Next() {
		var r HitRecord
		if err := rows.Scan(&r.RunID, &r.URI, &r.StartLine, &r.StartColumn, &r.EndLine, &r.EndColumn, &r.Node, &r.Hits); err != nil {
			return nil, fmt.Errorf("failed to scan hit record: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hit records: %w", err)
	}

	return records, nil
}

func (db *SQLiteDB) DeleteDocument(uri string) error {
	if err := db.check(); err != nil {
		return err
	}
	if _, err := db.db.Exec("DELETE FROM documents WHERE uri = ?", uri); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (db *SQLiteDB) Clear() error {
	if err := db.check(); err != nil {
		return err
	}
	if _, err := db.db.Exec("DELETE FROM runs"); err != nil {
		return fmt.Errorf("failed to clear runs: %w", err)
	}
	return nil
}

func (db *SQLiteDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.db.Close()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func deleteRunsByScript(x execer, script string) (int, error) {
	result, err := x.Exec("DELETE FROM runs WHERE script = ?", script)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs of %s: %w", script, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(affected), nil
}
