package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"coverls/internal/cache/database"
	"coverls/internal/coverage"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("coverls.cache")

// Store is a Cache backed by a database.
type Store struct {
	db database.Database
}

// NewStore wraps db.
func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

// OpenSQLite opens (or creates) the SQLite coverage database at path.
func OpenSQLite(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
	}
	db, err := database.NewSQLiteDB(path)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	log.Infof("coverage database at %s", path)
	return NewStore(db), nil
}

func (s *Store) SaveRun(run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Started.IsZero() {
		run.Started = time.Now()
	}

	err := s.db.WithTx(func(tx database.Transaction) error {
		if _, err := tx.DeleteRunsByScript(run.Script); err != nil {
			return err
		}
		if err := tx.InsertRun(&database.RunRecord{
			ID:      run.ID,
			Script:  run.Script,
			Started: run.Started.UnixNano(),
		}); err != nil {
			return err
		}
		for _, doc := range run.Documents {
			if err := tx.InsertDocument(&database.DocumentRecord{RunID: run.ID, URI: doc.URI, Hash: doc.Hash}); err != nil {
				return err
			}
			hits := make([]database.HitRecord, 0, len(doc.Regions))
			for _, r := range doc.Regions {
				hits = append(hits, database.HitRecord{
					RunID:       run.ID,
					URI:         doc.URI,
					StartLine:   r.Location.StartLine,
					StartColumn: r.Location.StartColumn,
					EndLine:     r.Location.EndLine,
					EndColumn:   r.Location.EndColumn,
					Node:        r.Data.Node,
					Hits:        r.Data.Hits,
				})
			}
			if err := tx.InsertHits(hits); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.wrap(fmt.Errorf("saving run of %s: %w", run.Script, err))
	}
	log.Debugf("saved run %s of %s covering %d documents", run.ID, run.Script, len(run.Documents))
	return nil
}

func (s *Store) Restore(uri, hash string) ([]Region, error) {
	records, err := s.db.GetHits(uri, hash)
	if err != nil {
		return nil, s.wrap(err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	scripts := make(map[string]string)
	regions := make([]Region, 0, len(records))
	for _, h := range records {
		script, ok := scripts[h.RunID]
		if !ok {
			run, err := s.db.GetRun(h.RunID)
			if err != nil {
				return nil, s.wrap(err)
			}
			script = run.Script
			scripts[h.RunID] = script
		}
		regions = append(regions, Region{
			Location: coverage.Location{
				URI:         h.URI,
				StartLine:   h.StartLine,
				StartColumn: h.StartColumn,
				EndLine:     h.EndLine,
				EndColumn:   h.EndColumn,
			},
			Data: coverage.Data{Run: script, Node: h.Node, Hits: h.Hits},
		})
	}
	return regions, nil
}

func (s *Store) Forget(script string) error {
	_, err := s.db.DeleteRunsByScript(script)
	return s.wrap(err)
}

func (s *Store) ForgetDocument(uri string) error {
	return s.wrap(s.db.DeleteDocument(uri))
}

func (s *Store) Clear() error {
	return s.wrap(s.db.Clear())
}

func (s *Store) Prune(keep int) (int, error) {
	n, err := s.db.PruneRuns(keep)
	if err != nil {
		return 0, s.wrap(err)
	}
	if n > 0 {
		log.Infof("pruned %d coverage runs", n)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, database.ErrDatabaseClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return fmt.Errorf("cache: %w", err)
}
