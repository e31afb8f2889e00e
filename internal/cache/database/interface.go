package database

// RunRecord is one finished coverage run.
type RunRecord struct {
	ID      string
	Script  string
	Started int64
}

// DocumentRecord ties a run to the exact text of a document it covered.
type DocumentRecord struct {
	RunID string
	URI   string
	Hash  string
}

// HitRecord is one covered region of a document within a run.
type HitRecord struct {
	RunID       string
	URI         string
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
	Node        string
	Hits        int
}

type Database interface {
	// Transaction handling
	WithTx(fn func(tx Transaction) error) error

	// Run operations
	GetRun(id string) (*RunRecord, error)
	GetRuns() ([]RunRecord, error)
	DeleteRun(id string) error
	DeleteRunsByScript(script string) (int, error)
	PruneRuns(keep int) (int, error)

	// Document operations
	GetHits(uri, hash string) ([]HitRecord, error)
	DeleteDocument(uri string) error

	// Maintenance
	Clear() error
	Close() error
}

type Transaction interface {
	InsertRun(run *RunRecord) error
	InsertDocument(doc *DocumentRecord) error
	InsertHits(hits []HitRecord) error
	DeleteRunsByScript(script string) (int, error)
}
