package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Dispatch outcomes recorded in the ledger.
const (
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// ErrDuplicateDispatch is returned when an event key already has a ledger entry.
var ErrDuplicateDispatch = errors.New("dispatch already recorded")

// Store wraps SQLite-backed persistence for cursors, the dispatch ledger and sink notifications.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS cursors (
  source_id   TEXT PRIMARY KEY,
  height      INTEGER NOT NULL,
  hash        TEXT NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS dispatches (
  event_key      TEXT PRIMARY KEY,
  id             TEXT NOT NULL UNIQUE,
  block_number   INTEGER NOT NULL,
  log_index      INTEGER NOT NULL,
  order_index    TEXT,
  order_id       TEXT,
  value_wei      TEXT,
  status         TEXT NOT NULL,
  submit_txhash  TEXT,
  gas_used       INTEGER NOT NULL DEFAULT 0,
  error          TEXT,
  created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS dispatches_status ON dispatches(status);

CREATE TABLE IF NOT EXISTS notifications (
  dispatch_id   TEXT NOT NULL,
  sink_id       TEXT NOT NULL,
  status        TEXT NOT NULL,
  response_code INTEGER,
  created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(dispatch_id, sink_id)
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertCursor records the latest processed height/hash for a source.
func (s *Store) UpsertCursor(ctx context.Context, sourceID string, height uint64, hash string) error {
	return upsertCursor(ctx, s.db, sourceID, height, hash)
}

func upsertCursor(ctx context.Context, db execer, sourceID string, height uint64, hash string) error {
	if sourceID == "" {
		return errors.New("sourceID required")
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO cursors (source_id, height, hash, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(source_id) DO UPDATE SET
  height=excluded.height,
  hash=excluded.hash,
  updated_at=CURRENT_TIMESTAMP;
`, sourceID, height, hash)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// GetCursor retrieves the cursor for a source.
func (s *Store) GetCursor(ctx context.Context, sourceID string) (height uint64, hash string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT height, hash FROM cursors WHERE source_id = ?;
`, sourceID)
	switch err = row.Scan(&height, &hash); err {
	case nil:
		return height, hash, true, nil
	case sql.ErrNoRows:
		return 0, "", false, nil
	default:
		return 0, "", false, fmt.Errorf("get cursor: %w", err)
	}
}

// Dispatch is one ledger entry: the outcome of handling one event.
type Dispatch struct {
	ID           string    `json:"id"`
	EventKey     string    `json:"event_key"`
	BlockNumber  uint64    `json:"block_number"`
	LogIndex     uint      `json:"log_index"`
	OrderIndex   string    `json:"order_index"`
	OrderID      string    `json:"order_id"`
	ValueWei     string    `json:"value_wei"`
	Status       string    `json:"status"`
	SubmitTxHash string    `json:"submit_txhash,omitempty"`
	GasUsed      uint64    `json:"gas_used"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// InsertDispatch stores a ledger entry; the event key enforces exactly-once insertion.
// A missing ID is generated. Returns ErrDuplicateDispatch when the key is already recorded.
func (s *Store) InsertDispatch(ctx context.Context, d Dispatch) (Dispatch, error) {
	return insertDispatch(ctx, s.db, d)
}

func insertDispatch(ctx context.Context, db execer, d Dispatch) (Dispatch, error) {
	if d.EventKey == "" {
		return d, errors.New("event_key required")
	}
	switch d.Status {
	case StatusConfirmed, StatusFailed, StatusSkipped:
	default:
		return d, fmt.Errorf("invalid dispatch status %q", d.Status)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.CreatedAt = d.CreatedAt.UTC()

	res, err := db.ExecContext(ctx, `
INSERT INTO dispatches (event_key, id, block_number, log_index, order_index, order_id, value_wei, status, submit_txhash, gas_used, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_key) DO NOTHING;
`, d.EventKey, d.ID, d.BlockNumber, d.LogIndex, d.OrderIndex, d.OrderID, d.ValueWei, d.Status, d.SubmitTxHash, d.GasUsed, d.Error, d.CreatedAt)
	if err != nil {
		return d, fmt.Errorf("insert dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return d, fmt.Errorf("insert dispatch: %w", err)
	}
	if n == 0 {
		return d, fmt.Errorf("%w: %s", ErrDuplicateDispatch, d.EventKey)
	}
	return d, nil
}

// RecordDispatch stores the ledger entry and advances the source cursor in one transaction.
func (s *Store) RecordDispatch(ctx context.Context, d Dispatch, sourceID string, height uint64, hash string) (Dispatch, error) {
	var stored Dispatch
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		stored, err = insertDispatch(ctx, tx, d)
		if err != nil {
			return err
		}
		return upsertCursor(ctx, tx, sourceID, height, hash)
	})
	if err != nil {
		return d, err
	}
	return stored, nil
}

// HasDispatch reports whether the event key is already in the ledger.
func (s *Store) HasDispatch(ctx context.Context, eventKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dispatches WHERE event_key = ?;`, eventKey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check dispatch: %w", err)
	}
	return true, nil
}

// DispatchFilter narrows ListDispatches. Zero values mean no restriction.
type DispatchFilter struct {
	Status string
	Since  time.Time
	Limit  int
}

// ListDispatches returns ledger entries in event order.
func (s *Store) ListDispatches(ctx context.Context, f DispatchFilter) ([]Dispatch, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}

	q := `SELECT id, event_key, block_number, log_index, order_index, order_id, value_wei, status, submit_txhash, gas_used, error, created_at FROM dispatches`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY block_number, log_index"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		var (
			d                                            Dispatch
			orderIndex, orderID, value, txHash, errorMsg sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.EventKey, &d.BlockNumber, &d.LogIndex, &orderIndex, &orderID, &value, &d.Status, &txHash, &d.GasUsed, &errorMsg, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		d.OrderIndex = orderIndex.String
		d.OrderID = orderID.String
		d.ValueWei = value.String
		d.SubmitTxHash = txHash.String
		d.Error = errorMsg.String
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	return out, nil
}

// CountDispatches returns the number of ledger entries per status.
func (s *Store) CountDispatches(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM dispatches GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count dispatches: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Notification represents a sink delivery record.
type Notification struct {
	DispatchID   string
	SinkID       string
	Status       string
	ResponseCode int
	CreatedAt    time.Time
}

// InsertNotification records a sink delivery attempt; primary key enforces exactly-once per dispatch/sink.
func (s *Store) InsertNotification(ctx context.Context, n Notification) error {
	if n.DispatchID == "" || n.SinkID == "" || n.Status == "" {
		return errors.New("dispatch_id, sink_id, and status are required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notifications (dispatch_id, sink_id, status, response_code, created_at)
VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP));
`, n.DispatchID, n.SinkID, n.Status, n.ResponseCode, nullTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// WithTx executes a callback inside a transaction for callers needing atomicity.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
