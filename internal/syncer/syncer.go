// Package syncer implements the client-side push/pull sync engine.
//
// Each attempt drains a bounded batch from the outbox, pushes it to the
// server together with the local pull cursor, and applies the returned
// delta, cursor, and acknowledgments in one local transaction. A failed
// attempt changes nothing locally: the same outbox rows are retried on
// the next tick, and the server's opId dedupe absorbs any duplicates.
//
// Attempts run on a fixed-interval timer and may be triggered on demand;
// both paths go through the same single-flight guard, so at most one
// attempt is ever in flight.
package syncer

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rosterd/rosterd/internal/outbox"
	"github.com/rosterd/rosterd/internal/roster"
	"github.com/rosterd/rosterd/internal/store"
)

// TokenSource supplies the bearer credential for sync requests. The
// engine treats identity as a black box: whatever the source returns is
// attached to the request, and a source error fails the attempt before
// any storage or network work.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed credential.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(ctx context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("no credential configured")
	}
	return string(t), nil
}

// Status is the projection exposed to the shell. Zero timestamps mean
// "never".
type Status struct {
	Running          bool   `json:"running"`
	LastAttemptAtMs  int64  `json:"lastAttemptAtMs"`
	LastSuccessAtMs  int64  `json:"lastSuccessAtMs"`
	LastErrorMessage string `json:"lastErrorMessage,omitempty"`
	PendingOutbox    int    `json:"pendingOutboxCount"`
}

// Config holds engine configuration.
type Config struct {
	// ServerURL is the base URL of the merge endpoint, e.g.
	// "https://roster.example.com".
	ServerURL string

	// Interval between timer-driven attempts.
	Interval time.Duration

	// BatchSize caps how many outbox rows one attempt pushes.
	BatchSize int

	// HTTPClient for sync requests. Defaults to a 30s-timeout client.
	HTTPClient *http.Client

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for serverURL.
func DefaultConfig(serverURL string) *Config {
	return &Config{
		ServerURL: serverURL,
		Interval:  30 * time.Second,
		BatchSize: 200,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Logger: log.New(os.Stderr, "[syncer] ", log.LstdFlags),
	}
}

// Engine is the sync client. Create with New, drive with Run (timer) or
// SyncNow (on demand); both are safe to use concurrently.
type Engine struct {
	db     *store.DB
	box    *outbox.Outbox
	tokens TokenSource
	config *Config
	logger *log.Logger

	// NowMs supplies attempt timestamps. Overridable in tests.
	NowMs func() int64

	mu               sync.Mutex
	running          bool
	lastAttemptAtMs  int64
	lastSuccessAtMs  int64
	lastErrorMessage string
	notify           func(Status)
}

// New creates an Engine. The database must already be migrated with the
// client schema.
func New(db *store.DB, box *outbox.Outbox, tokens TokenSource, config *Config) *Engine {
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Engine{
		db:     db,
		box:    box,
		tokens: tokens,
		config: config,
		logger: logger,
		NowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNotify registers a hook invoked with the refreshed status after
// every completed attempt. Used by the feed server; may be nil.
func (e *Engine) SetNotify(fn func(Status)) {
	e.mu.Lock()
	e.notify = fn
	e.mu.Unlock()
}

// Run drives timer-based attempts until ctx is cancelled. An attempt
// already executing when ctx is cancelled runs to completion; only future
// scheduling stops.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Printf("Starting sync loop (interval %v)", e.config.Interval)

	// Cancelling ctx stops future scheduling only. Attempts run on a
	// detached context so shutdown never aborts one mid-commit; the loop
	// exits after the current attempt finishes.
	attemptCtx := context.WithoutCancel(ctx)

	e.SyncNow(attemptCtx)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Printf("Sync loop stopped")
			return nil
		case <-ticker.C:
			e.SyncNow(attemptCtx)
		}
	}
}

// Status returns the current projection with a fresh pending count.
func (e *Engine) Status(ctx context.Context) Status {
	pending, err := e.box.PendingCount(ctx)
	if err != nil {
		e.logger.Printf("Warning: failed to count outbox: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Running:          e.running,
		LastAttemptAtMs:  e.lastAttemptAtMs,
		LastSuccessAtMs:  e.lastSuccessAtMs,
		LastErrorMessage: e.lastErrorMessage,
		PendingOutbox:    pending,
	}
}

// SyncNow runs one attempt and returns the refreshed status. If an
// attempt is already running, it returns the current status without
// starting a second one - no overlapping network calls, no duplicate
// local transactions.
func (e *Engine) SyncNow(ctx context.Context) Status {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return e.Status(ctx)
	}
	e.running = true
	e.lastAttemptAtMs = e.NowMs()
	e.mu.Unlock()

	err := e.attempt(ctx)

	e.mu.Lock()
	e.running = false
	if err != nil {
		e.lastErrorMessage = err.Error()
		e.logger.Printf("Sync attempt failed: %v", err)
	} else {
		e.lastErrorMessage = ""
		e.lastSuccessAtMs = e.NowMs()
	}
	notify := e.notify
	e.mu.Unlock()

	status := e.Status(ctx)
	if notify != nil {
		notify(status)
	}
	return status
}

// attempt performs one full push/pull cycle. Any error leaves the cursor
// and outbox untouched; the next attempt retries the same rows.
func (e *Engine) attempt(ctx context.Context) error {
	token, err := e.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}

	cursor, err := e.readCursor(ctx)
	if err != nil {
		return err
	}

	ops, err := e.box.Drain(ctx, e.config.BatchSize)
	if err != nil {
		return err
	}

	resp, err := e.exchange(ctx, token, &roster.SyncRequest{
		CursorMs:   cursor,
		Operations: ops,
	})
	if err != nil {
		return err
	}

	ackSet := make(map[string]bool, len(resp.AckOpIDs))
	for _, id := range resp.AckOpIDs {
		ackSet[id] = true
	}
	for _, op := range ops {
		if !ackSet[op.OpID] {
			return fmt.Errorf("%w: operation %s was not acknowledged", ErrDecode, op.OpID)
		}
	}

	// Apply the delta, advance the cursor, and purge acknowledged rows
	// atomically. A crash before this commit simply resends the same
	// operations next attempt; the server's dedupe absorbs them.
	err = e.db.Transaction(ctx, func(tx *store.Tx) error {
		if err := roster.ApplyChanges(ctx, tx, &resp.Changes); err != nil {
			return err
		}
		if err := tx.Exec(ctx, `
			UPDATE sync_state SET cursor_ms = MAX(COALESCE(cursor_ms, -1), ?) WHERE id = 1
		`, resp.CursorMs); err != nil {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}
		return e.box.Purge(ctx, tx, resp.AckOpIDs)
	})
	if err != nil {
		return err
	}

	if n := resp.Changes.Len(); n > 0 || len(resp.AckOpIDs) > 0 {
		e.logger.Printf("Sync complete: pushed %d, acked %d, pulled %d, cursor %d",
			len(ops), len(resp.AckOpIDs), n, resp.CursorMs)
	}
	return nil
}

// readCursor loads the persisted pull cursor; nil means never synced.
func (e *Engine) readCursor(ctx context.Context) (*int64, error) {
	var cursor sql.NullInt64
	err := e.db.Get(ctx, func(r *sql.Row) error {
		return r.Scan(&cursor)
	}, `SELECT cursor_ms FROM sync_state WHERE id = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync cursor: %w", err)
	}
	if !cursor.Valid {
		return nil, nil
	}
	ms := cursor.Int64
	return &ms, nil
}

// exchange sends one sync request and decodes the response.
func (e *Engine) exchange(ctx context.Context, token string, req *roster.SyncRequest) (*roster.SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.ServerURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := e.config.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var errBody roster.SyncErrorBody
		if err := json.Unmarshal(data, &errBody); err != nil || errBody.Error == "" {
			return nil, fmt.Errorf("%w: status %d", ErrServer, httpResp.StatusCode)
		}
		if errBody.Error == roster.ErrCodeUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrAuth, errBody.Message)
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrServer, errBody.Error, errBody.Message)
	}

	var resp roster.SyncResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if resp.CursorMs <= 0 {
		return nil, fmt.Errorf("%w: missing cursorMs", ErrDecode)
	}
	return &resp, nil
}
