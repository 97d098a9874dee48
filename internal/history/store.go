// Package history keeps a per-epoch ledger of training runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at  TEXT NOT NULL,
	seed        INTEGER NOT NULL,
	batch_size  INTEGER NOT NULL,
	emb_dim     INTEGER NOT NULL,
	emb_num     INTEGER NOT NULL,
	beta        REAL NOT NULL,
	loss_policy TEXT NOT NULL,
	device      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS epochs (
	run_id         INTEGER NOT NULL REFERENCES runs(id),
	epoch          INTEGER NOT NULL,
	train_loss     REAL NOT NULL,
	test_loss      REAL NOT NULL,
	reconstruction TEXT,
	sample         TEXT,
	duration_ms    INTEGER NOT NULL,
	PRIMARY KEY (run_id, epoch)
);`

// Run describes the configuration of one training run.
type Run struct {
	ID         int64
	StartedAt  time.Time
	Seed       int64
	BatchSize  int
	EmbDim     int
	EmbNum     int
	Beta       float64
	LossPolicy string
	Device     string
}

// Epoch is one row of the ledger.
type Epoch struct {
	Epoch          int
	TrainLoss      float64
	TestLoss       float64
	Reconstruction string
	Sample         string
	Duration       time.Duration
}

// Store is a SQLite-backed ledger.
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open history db")
	}
	// One writer; SQLite serialises anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create history schema")
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// BeginRun inserts r and returns its id.
func (s *Store) BeginRun(ctx context.Context, r Run) (int64, error) {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (started_at, seed, batch_size, emb_dim, emb_num, beta, loss_policy, device)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.Seed, r.BatchSize, r.EmbDim, r.EmbNum, r.Beta, r.LossPolicy, r.Device)
	if err != nil {
		return 0, errors.Wrap(err, "insert run")
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "run id")
}

// RecordEpoch upserts one epoch of run.
func (s *Store) RecordEpoch(ctx context.Context, runID int64, e Epoch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO epochs (run_id, epoch, train_loss, test_loss, reconstruction, sample, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Epoch, e.TrainLoss, e.TestLoss, e.Reconstruction, e.Sample, e.Duration.Milliseconds())
	return errors.Wrapf(err, "record epoch %d", e.Epoch)
}

// Epochs returns run's ledger ordered by epoch.
func (s *Store) Epochs(ctx context.Context, runID int64) ([]Epoch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, train_loss, test_loss, COALESCE(reconstruction, ''), COALESCE(sample, ''), duration_ms
		 FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query epochs")
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var e Epoch
		var ms int64
		if err := rows.Scan(&e.Epoch, &e.TrainLoss, &e.TestLoss, &e.Reconstruction, &e.Sample, &ms); err != nil {
			return nil, errors.Wrap(err, "scan epoch")
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate epochs")
}

// LastRun returns the most recent run, or false if the ledger is empty.
func (s *Store) LastRun(ctx context.Context) (Run, bool, error) {
	var r Run
	var started string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, seed, batch_size, emb_dim, emb_num, beta, loss_policy, device
		 FROM runs ORDER BY id DESC LIMIT 1`).
		Scan(&r.ID, &started, &r.Seed, &r.BatchSize, &r.EmbDim, &r.EmbNum, &r.Beta, &r.LossPolicy, &r.Device)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, errors.Wrap(err, "query last run")
	}
	r.StartedAt, err = time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return Run{}, false, errors.Wrap(err, "parse started_at")
	}
	return r, true, nil
}
