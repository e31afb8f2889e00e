package database

import (
	"database/sql"
	"fmt"
)

type SQLiteTx struct {
	tx *sql.Tx
}

func (tx *SQLiteTx) InsertRun(run *RunRecord) error {
	_, err := tx.tx.Exec(
		"INSERT INTO runs (id, script, started) VALUES (?, ?, ?)",
		run.ID, run.Script, run.Started,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to insert run %s: %v", ErrConstraintViolation, run.ID, err)
	}
	return nil
}

func (tx *SQLiteTx) InsertDocument(doc *DocumentRecord) error {
	_, err := tx.tx.Exec(
		"INSERT INTO documents (run_id, uri, hash) VALUES (?, ?, ?)",
		doc.RunID, doc.URI, doc.Hash,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to insert document %s: %v", ErrConstraintViolation, doc.URI, err)
	}
	return nil
}

func (tx *SQLiteTx) InsertHits(hits []HitRecord) error {
	if len(hits) == 0 {
		return nil
	}

	stmt, err := tx.tx.Prepare(`
        INSERT INTO hits (run_id, uri, start_line, start_column, end_line, end_column, node, hits)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `)
	if err != nil {
		return fmt.Errorf("failed to prepare hit insert statement: %w", err)
	}
	defer stmt.Close()

	for _, h := range hits {
		if _, err := stmt.Exec(h.RunID, h.URI, h.StartLine, h.StartColumn, h.EndLine, h.EndColumn, h.Node, h.Hits); err != nil {
			return fmt.Errorf("failed to insert hit: %w", err)
		}
	}

	return nil
}

func (tx *SQLiteTx) DeleteRunsByScript(script string) (int, error) {
	return deleteRunsByScript(tx.tx, script)
}
