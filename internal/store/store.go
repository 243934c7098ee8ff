// Package store provides the embedded SQLite storage engine shared by the
// client replica and the server.
//
// The database runs in embedded mode using the ncruces/go-sqlite3 driver
// (WASM build, no cgo) with WAL journaling for crash-safe persistence.
//
// SQLite has no concurrency control of its own across goroutines sharing a
// connection, and the replication engine depends on entity writes and their
// outbox rows landing in the same transaction with nothing interleaved.
// Every logical operation therefore funnels through a single-permit
// semaphore: at most one statement or one whole transaction runs at a time.
// A transaction holds the permit for its entire body and hands the caller a
// Tx handle whose statements do not re-acquire it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Querier is the statement surface shared by DB and Tx. Components that
// must run inside a caller-owned transaction (outbox enqueue/purge, row
// appliers) accept a Querier so they work against either.
type Querier interface {
	// Exec runs a statement and discards row metadata.
	Exec(ctx context.Context, query string, args ...any) error

	// Run runs a statement and returns affected-row metadata.
	Run(ctx context.Context, query string, args ...any) (Result, error)

	// Get runs a query expected to return one row and decodes it via scan.
	// Returns sql.ErrNoRows if the row is absent; a scan failure is
	// reported as a query error, never silently coerced.
	Get(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error

	// All runs a query and calls each for every returned row.
	All(ctx context.Context, each func(*sql.Rows) error, query string, args ...any) error
}

// Result holds affected-row metadata from a write statement.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// DB wraps the SQLite connection behind the single-permit semaphore.
type DB struct {
	conn *sql.DB
	path string
	sem  chan struct{}
}

// Open creates or opens the database at path and applies pragmas.
//
// The connection uses BEGIN IMMEDIATE for transactions so writers take the
// database lock up front, and a single pooled connection so the semaphore
// is the only gate that matters.
//
// The caller MUST call Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One connection: all statements observe the same transaction state.
	conn.SetMaxOpenConns(1)

	db := &DB{
		conn: conn,
		path: path,
		sem:  make(chan struct{}, 1),
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// Migrate applies a schema DDL blob. The DDL must be idempotent
// (CREATE TABLE IF NOT EXISTS style) - safe to call on every open.
func (db *DB) Migrate(ctx context.Context, ddl string) error {
	if err := db.acquire(ctx); err != nil {
		return err
	}
	defer db.release()

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// acquire takes the single permit, honoring context cancellation.
func (db *DB) acquire(ctx context.Context) error {
	select {
	case db.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (db *DB) release() {
	<-db.sem
}

// Exec implements Querier.
func (db *DB) Exec(ctx context.Context, query string, args ...any) error {
	_, err := db.Run(ctx, query, args...)
	return err
}

// Run implements Querier.
func (db *DB) Run(ctx context.Context, query string, args ...any) (Result, error) {
	if err := db.acquire(ctx); err != nil {
		return Result{}, err
	}
	defer db.release()
	return run(ctx, db.conn, query, args...)
}

// Get implements Querier.
func (db *DB) Get(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	if err := db.acquire(ctx); err != nil {
		return err
	}
	defer db.release()
	return scan(db.conn.QueryRowContext(ctx, query, args...))
}

// All implements Querier.
func (db *DB) All(ctx context.Context, each func(*sql.Rows) error, query string, args ...any) error {
	if err := db.acquire(ctx); err != nil {
		return err
	}
	defer db.release()
	return all(ctx, db.conn, each, query, args...)
}

// Tx is the non-relocking handle passed to a transaction body. Its
// statements run on the already-held permit, so the body can issue any
// number of statements without deadlocking on the engine's own lock.
type Tx struct {
	tx *sql.Tx
}

// Exec implements Querier.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.Run(ctx, query, args...)
	return err
}

// Run implements Querier.
func (t *Tx) Run(ctx context.Context, query string, args ...any) (Result, error) {
	return run(ctx, t.tx, query, args...)
}

// Get implements Querier.
func (t *Tx) Get(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	return scan(t.tx.QueryRowContext(ctx, query, args...))
}

// All implements Querier.
func (t *Tx) All(ctx context.Context, each func(*sql.Rows) error, query string, args ...any) error {
	return all(ctx, t.tx, each, query, args...)
}

// Transaction runs body inside one exclusive transaction.
//
// The permit is held from BEGIN to COMMIT/ROLLBACK. If body fails, the
// transaction is rolled back and the original failure propagates; if the
// rollback itself also fails, both failures are reported together rather
// than dropping either one.
func (db *DB) Transaction(ctx context.Context, body func(tx *Tx) error) error {
	if err := db.acquire(ctx); err != nil {
		return err
	}
	defer db.release()

	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := body(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (while handling: %w)", rbErr, err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("rollback failed: %v (while handling commit error: %w)", rbErr, err)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// execer abstracts *sql.DB and *sql.Tx for the shared statement helpers.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func run(ctx context.Context, e execer, query string, args ...any) (Result, error) {
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, fmt.Errorf("failed to execute statement: %w", err)
	}

	out := Result{}
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	return out, nil
}

func all(ctx context.Context, e execer, each func(*sql.Rows) error, query string, args ...any) error {
	rows, err := e.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := each(rows); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}
	return nil
}
