package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"icr-worker/internal/domain"
	"icr-worker/internal/queue"
)

//go:embed sql/queue.sql
var queueSchemaSQL string

//go:embed sql/counters.sql
var countersSchemaSQL string

const (
	QueueDBName    = "answers.db"
	CountersDBName = "pdf.status.db"

	sqliteSchemaVersion = 1
	sqliteStoreName     = "sqlite"
)

// openSQLite opens a database shared by several worker processes. Writes are
// serialised by SQLite itself; transactions take the write lock up front.
func openSQLite(path, schema string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return db, nil
}

// SQLiteQueue is the durable JobQueue kept under the queue root.
type SQLiteQueue struct {
	db    *sql.DB
	lease time.Duration
	poll  time.Duration
	now   func() time.Time
}

var _ queue.JobQueue = (*SQLiteQueue)(nil)

func OpenSQLiteQueue(path string, lease, poll time.Duration) (*SQLiteQueue, error) {
	db, err := openSQLite(path, queueSchemaSQL)
	if err != nil {
		return nil, err
	}
	if lease <= 0 {
		lease = queue.DefaultLease
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &SQLiteQueue{db: db, lease: lease, poll: poll, now: time.Now}, nil
}

func (q *SQLiteQueue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *SQLiteQueue) Push(ctx context.Context, job domain.Job) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, page_index, submission_id, image_path, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.PageIndex, job.SubmissionID, job.ImagePath, q.now().UnixNano())
	if err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return nil
}

// Pop polls until a visible job can be leased.
func (q *SQLiteQueue) Pop(ctx context.Context) (domain.Job, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		job, ok, err := q.tryLease(ctx)
		if err != nil || ok {
			return job, err
		}
		select {
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *SQLiteQueue) tryLease(ctx context.Context) (domain.Job, bool, error) {
	now := q.now()
	var job domain.Job
	err := q.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET leased_until = ?, deliveries = deliveries + 1
		WHERE seq = (
			SELECT seq FROM jobs
			WHERE leased_until <= ?
			ORDER BY seq ASC
			LIMIT 1
		)
		RETURNING id, page_index, submission_id, image_path
	`, now.Add(q.lease).UnixNano(), now.UnixNano()).Scan(&job.ID, &job.PageIndex, &job.SubmissionID, &job.ImagePath)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("lease job: %w", err)
	}
	return job, true, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, jobID string) error {
	return q.expectRow(ctx, "ack", jobID, `DELETE FROM jobs WHERE id = ?`, jobID)
}

func (q *SQLiteQueue) Release(ctx context.Context, jobID string) error {
	return q.expectRow(ctx, "release", jobID, `UPDATE jobs SET leased_until = 0 WHERE id = ?`, jobID)
}

// Len counts stored jobs, leased or not.
func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (q *SQLiteQueue) expectRow(ctx context.Context, op, jobID, stmt string, args ...any) error {
	res, err := q.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("%s job %s: %w", op, jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s job %s: %w", op, jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s job %s: %w", op, jobID, domain.ErrNotFound)
	}
	return nil
}

// SQLiteCounters is the durable CounterStore kept under the queue root.
type SQLiteCounters struct {
	db *sql.DB
}

var _ queue.CounterStore = (*SQLiteCounters)(nil)

func OpenSQLiteCounters(path string) (*SQLiteCounters, error) {
	db, err := openSQLite(path, countersSchemaSQL)
	if err != nil {
		return nil, err
	}
	return &SQLiteCounters{db: db}, nil
}

func (c *SQLiteCounters) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *SQLiteCounters) Get(ctx context.Context, key string) (int64, bool, error) {
	var v int64
	err := c.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, domain.CounterError(sqliteStoreName, "get "+key, err)
	}
	return v, true, nil
}

func (c *SQLiteCounters) Set(ctx context.Context, key string, value int64) error {
	return c.inTx(ctx, "set "+key, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO counters (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
		`, key, value); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM counter_marks WHERE key = ?`, key)
		return err
	})
}

func (c *SQLiteCounters) Increment(ctx context.Context, key, token string) (int64, error) {
	var out int64
	err := c.inTx(ctx, "increment "+key, func(tx *sql.Tx) error {
		marked, err := hasMark(ctx, tx, key, token)
		if err != nil {
			return err
		}
		if marked {
			return tx.QueryRowContext(ctx, `SELECT COALESCE((SELECT value FROM counters WHERE key = ?), 0)`, key).Scan(&out)
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO counters (key, value) VALUES (?, 1)
			ON CONFLICT (key) DO UPDATE SET value = counters.value + 1
			RETURNING value
		`, key).Scan(&out); err != nil {
			return err
		}
		return addMark(ctx, tx, key, token, 1)
	})
	return out, err
}

func (c *SQLiteCounters) DecrementAndFetch(ctx context.Context, key, token string) (int64, error) {
	var out int64
	err := c.inTx(ctx, "decrement "+key, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE key = ?`, key).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrCounterNotFound
		}
		if err != nil {
			return err
		}
		marked, err := hasMark(ctx, tx, key, token)
		if err != nil {
			return err
		}
		if marked {
			out = current
			return nil
		}
		if current <= 0 {
			return domain.ErrCounterUnderflow
		}
		if _, err := tx.ExecContext(ctx, `UPDATE counters SET value = value - 1 WHERE key = ?`, key); err != nil {
			return err
		}
		out = current - 1
		return addMark(ctx, tx, key, token, -1)
	})
	return out, err
}

func (c *SQLiteCounters) Revert(ctx context.Context, key, token string) error {
	return c.inTx(ctx, "revert "+key, func(tx *sql.Tx) error {
		var delta int64
		err := tx.QueryRowContext(ctx, `SELECT delta FROM counter_marks WHERE key = ? AND token = ?`, key, token).Scan(&delta)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM counter_marks WHERE key = ? AND token = ?`, key, token); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE counters SET value = value - ? WHERE key = ?`, delta, key)
		return err
	})
}

func (c *SQLiteCounters) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.inTx(ctx, "delete", func(tx *sql.Tx) error {
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, `DELETE FROM counters WHERE key = ?`, key); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM counter_marks WHERE key = ?`, key); err != nil {
				return err
			}
		}
		return nil
	})
}

// inTx runs fn in a write transaction. Not-found and underflow outcomes are
// passed through unwrapped by the store error kind.
func (c *SQLiteCounters) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CounterError(sqliteStoreName, op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		if errors.Is(err, domain.ErrCounterNotFound) || errors.Is(err, domain.ErrCounterUnderflow) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return domain.CounterError(sqliteStoreName, op, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.CounterError(sqliteStoreName, op, err)
	}
	return nil
}

func hasMark(ctx context.Context, tx *sql.Tx, key, token string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM counter_marks WHERE key = ? AND token = ?`, key, token).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func addMark(ctx context.Context, tx *sql.Tx, key, token string, delta int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO counter_marks (key, token, delta) VALUES (?, ?, ?)`, key, token, delta)
	return err
}
