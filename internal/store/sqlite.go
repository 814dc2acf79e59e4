package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

// Compile-time interface checks.
var _ ResultStore = (*SQLiteStore)(nil)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	algorithm   TEXT NOT NULL,
	status      TEXT NOT NULL,
	start_date  INTEGER NOT NULL,
	end_date    INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS samples (
	run_id TEXT NOT NULL,
	series TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	ts     INTEGER NOT NULL,
	value  REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_run_series ON samples(run_id, series, ts);
CREATE TABLE IF NOT EXISTS orders (
	run_id      TEXT NOT NULL,
	id          TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	type        TEXT NOT NULL,
	qty         REAL NOT NULL,
	status      TEXT NOT NULL,
	filled_qty  REAL NOT NULL,
	filled_avg  REAL NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (run_id, id)
);
CREATE TABLE IF NOT EXISTS messages (
	run_id TEXT NOT NULL,
	level  TEXT NOT NULL,
	text   TEXT NOT NULL,
	ts     INTEGER NOT NULL
);
`

// SQLiteStore persists backtest results: run status, sample series, orders
// and messages.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and applies
// the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	// one writer; WAL lets the status API read while a run writes
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// RunStore
// ---------------------------------------------------------------------------

// SaveRun inserts or replaces a run row.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, algorithm, status, start_date, end_date, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, finished_at = excluded.finished_at`,
		run.ID, run.Algorithm, run.Status,
		run.StartDate.UnixMilli(), run.EndDate.UnixMilli(), run.StartedAt.UnixMilli(), unixMilliOrZero(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var (
		run                                       Run
		startDate, endDate, startedAt, finishedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, algorithm, status, start_date, end_date, started_at, finished_at
		FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.Algorithm, &run.Status, &startDate, &endDate, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}
	run.StartDate = time.UnixMilli(startDate)
	run.EndDate = time.UnixMilli(endDate)
	run.StartedAt = time.UnixMilli(startedAt)
	if finishedAt != 0 {
		run.FinishedAt = time.UnixMilli(finishedAt)
	}
	return &run, nil
}

// ---------------------------------------------------------------------------
// SampleStore
// ---------------------------------------------------------------------------

// SaveSamples appends samples in one transaction.
func (s *SQLiteStore) SaveSamples(ctx context.Context, runID string, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO samples (run_id, series, symbol, ts, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, smp := range samples {
		if _, err := stmt.ExecContext(ctx, runID, smp.Series, smp.Symbol, smp.Time.UnixMilli(), smp.Value); err != nil {
			return fmt.Errorf("saving sample %s@%s: %w", smp.Series, smp.Time, err)
		}
	}
	return tx.Commit()
}

// ListSamples returns a series in time order.
func (s *SQLiteStore) ListSamples(ctx context.Context, runID, series string) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT series, symbol, ts, value FROM samples
		WHERE run_id = ? AND series = ? ORDER BY ts, rowid`, runID, series)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			smp Sample
			ts  int64
		)
		if err := rows.Scan(&smp.Series, &smp.Symbol, &ts, &smp.Value); err != nil {
			return nil, err
		}
		smp.Time = time.UnixMilli(ts)
		out = append(out, smp)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// OrderStore
// ---------------------------------------------------------------------------

// SaveOrder inserts or updates an order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, runID string, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (run_id, id, symbol, side, type, qty, status, filled_qty, filled_avg, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, id) DO UPDATE SET
			status = excluded.status, filled_qty = excluded.filled_qty,
			filled_avg = excluded.filled_avg, reason = excluded.reason, updated_at = excluded.updated_at`,
		runID, o.ID, o.Symbol, string(o.Side), string(o.Type), o.Qty, string(o.Status),
		o.FilledQty, o.FilledAvgPrice, o.Reason, o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("saving order %s: %w", o.ID, err)
	}
	return nil
}

// ListOrders returns a run's orders by creation time.
func (s *SQLiteStore) ListOrders(ctx context.Context, runID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, side, type, qty, status, filled_qty, filled_avg, reason, created_at, updated_at
		FROM orders WHERE run_id = ? ORDER BY created_at, rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var (
			o                    domain.Order
			side, typ, status    string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&o.ID, &o.Symbol, &side, &typ, &o.Qty, &status,
			&o.FilledQty, &o.FilledAvgPrice, &o.Reason, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		o.Side = domain.OrderSide(side)
		o.Type = domain.OrderType(typ)
		o.Status = domain.OrderStatus(status)
		o.CreatedAt = time.UnixMilli(createdAt)
		o.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// MessageStore
// ---------------------------------------------------------------------------

// SaveMessage appends a run message.
func (s *SQLiteStore) SaveMessage(ctx context.Context, runID string, msg Message) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages (run_id, level, text, ts) VALUES (?, ?, ?, ?)`,
		runID, msg.Level, msg.Text, msg.Time.UnixMilli())
	return err
}

// ListMessages returns a run's messages in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, runID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT level, text, ts FROM messages WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.Level, &m.Text, &ts); err != nil {
			return nil, err
		}
		m.Time = time.UnixMilli(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
