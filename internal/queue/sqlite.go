// Package queue implements broker.Broker on a single SQLite file, for
// single-host deployments that do not run Redis.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"taskrelay/internal/broker"
	"taskrelay/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  body BLOB NOT NULL,
  enqueued_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
  task_id TEXT PRIMARY KEY,
  body BLOB NOT NULL,
  terminal INTEGER NOT NULL DEFAULT 0,
  expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_expires ON results(expires_at);
CREATE TABLE IF NOT EXISTS heartbeats (
  worker_id TEXT PRIMARY KEY,
  body BLOB NOT NULL,
  expires_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

type sqliteBroker struct {
	db    *sql.DB
	owned bool
	poll  time.Duration
	now   func() time.Time
}

// NewSQLiteBroker wraps db. Dequeue polls the table every 50ms while waiting.
func NewSQLiteBroker(db *sql.DB) broker.Broker {
	return &sqliteBroker{db: db, poll: 50 * time.Millisecond, now: time.Now}
}

// Dial opens path and returns a broker that closes the database on Close.
func Dial(path string) (broker.Broker, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &sqliteBroker{db: db, owned: true, poll: 50 * time.Millisecond, now: time.Now}, nil
}

func (r *sqliteBroker) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *sqliteBroker) Enqueue(ctx context.Context, body []byte) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (body, enqueued_at) VALUES (?, ?)`, body, r.now().UnixNano())
	return err
}

func (r *sqliteBroker) Dequeue(ctx context.Context, wait time.Duration) ([]byte, error) {
	deadline := r.now().Add(wait)
	for {
		body, err := r.popOne(ctx)
		if !errors.Is(err, broker.ErrNoMessage) {
			return body, err
		}
		if !r.now().Before(deadline) {
			return nil, broker.ErrNoMessage
		}
		t := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// popOne selects and deletes the oldest message in one transaction.
func (r *sqliteBroker) popOne(ctx context.Context) (body []byte, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT seq, body FROM messages ORDER BY seq ASC LIMIT 1`).Scan(&seq, &body)
	if err == sql.ErrNoRows {
		return nil, broker.ErrNoMessage
	}
	if err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE seq = ?`, seq); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return body, nil
}

func (r *sqliteBroker) StoreResult(ctx context.Context, id string, body []byte, terminal bool, ttl time.Duration) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := r.now().UnixNano()
	var cur int
	err = tx.QueryRowContext(ctx,
		`SELECT terminal FROM results WHERE task_id = ? AND expires_at > ?`, id, now).Scan(&cur)
	switch {
	case err == sql.ErrNoRows:
		err = nil
	case err != nil:
		return err
	case cur == 1:
		err = broker.ErrAlreadyFinalized
		return err
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO results (task_id, body, terminal, expires_at) VALUES (?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET body=excluded.body, terminal=excluded.terminal, expires_at=excluded.expires_at`,
		id, body, boolInt(terminal), now+ttl.Nanoseconds())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteBroker) LoadResult(ctx context.Context, id string) ([]byte, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT body FROM results WHERE task_id = ? AND expires_at > ?`, id, r.now().UnixNano()).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, broker.ErrNoResult
	}
	return body, err
}

func (r *sqliteBroker) Heartbeat(ctx context.Context, hb domain.WorkerHeartbeat, ttl time.Duration) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO heartbeats (worker_id, body, expires_at) VALUES (?, ?, ?)
ON CONFLICT(worker_id) DO UPDATE SET body=excluded.body, expires_at=excluded.expires_at`,
		hb.WorkerID, data, r.now().Add(ttl).UnixNano())
	return err
}

func (r *sqliteBroker) Heartbeats(ctx context.Context) ([]domain.WorkerHeartbeat, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT body FROM heartbeats WHERE expires_at > ? ORDER BY worker_id`, r.now().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WorkerHeartbeat
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var hb domain.WorkerHeartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			continue
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}

// Purge deletes expired results and heartbeats and reports how many rows went.
// Expired rows are already invisible to readers; this only reclaims space.
func (r *sqliteBroker) Purge(ctx context.Context) (int, error) {
	now := r.now().UnixNano()
	res, err := r.db.ExecContext(ctx, `DELETE FROM results WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	res, err = r.db.ExecContext(ctx, `DELETE FROM heartbeats WHERE expires_at <= ?`, now)
	if err != nil {
		return int(n), err
	}
	m, _ := res.RowsAffected()
	return int(n + m), nil
}

// Close closes the database only when Dial opened it.
func (r *sqliteBroker) Close() error {
	if r.owned {
		return r.db.Close()
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
