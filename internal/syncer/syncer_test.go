package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rosterd/rosterd/internal/outbox"
	"github.com/rosterd/rosterd/internal/replica"
	"github.com/rosterd/rosterd/internal/roster"
	"github.com/rosterd/rosterd/internal/server"
	"github.com/rosterd/rosterd/internal/store"
)

const testToken = "sync-test-token"

// testClock hands out strictly increasing millisecond stamps so merge
// cursors and mutation timestamps are deterministic across both tiers.
type testClock struct{ now atomic.Int64 }

func newTestClock(start int64) *testClock {
	c := &testClock{}
	c.now.Store(start)
	return c
}

func (c *testClock) NowMs() int64 { return c.now.Add(1000) }

// startTestServer runs the real merge endpoint over httptest.
func startTestServer(t *testing.T, clock *testClock) *httptest.Server {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("Failed to open server database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background(), store.ServerSchema); err != nil {
		t.Fatalf("Failed to migrate server: %v", err)
	}

	config := server.DefaultConfig(testToken)
	config.Logger = log.New(io.Discard, "", 0)
	srv := server.New(db, config)
	srv.NowMs = clock.NowMs

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// newTestClient builds one client replica wired to serverURL.
func newTestClient(t *testing.T, serverURL string, clock *testClock) (*store.DB, *replica.Service, *Engine) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("Failed to open client database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background(), store.ClientSchema); err != nil {
		t.Fatalf("Failed to migrate client: %v", err)
	}

	box := outbox.New(db, log.New(io.Discard, "", 0))

	svc := replica.New(db, box)
	svc.NowMs = clock.NowMs

	config := DefaultConfig(serverURL)
	config.Logger = log.New(io.Discard, "", 0)
	engine := New(db, box, StaticToken(testToken), config)
	engine.NowMs = clock.NowMs
	return db, svc, engine
}

func clientCursor(t *testing.T, db *store.DB) sql.NullInt64 {
	t.Helper()
	var cursor sql.NullInt64
	err := db.Get(context.Background(), func(r *sql.Row) error {
		return r.Scan(&cursor)
	}, `SELECT cursor_ms FROM sync_state WHERE id = 1`)
	if err != nil {
		t.Fatalf("Failed to read cursor: %v", err)
	}
	return cursor
}

// TestSyncNowPushPullPurge verifies one successful attempt pushes the
// outbox, advances the cursor, stores the pulled stamps, and empties
// the queue.
func TestSyncNowPushPullPurge(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(1_000_000)
	ts := startTestServer(t, clock)
	db, svc, engine := newTestClient(t, ts.URL, clock)

	if err := svc.SavePerson(ctx, &roster.Person{ID: "p1", Name: "Ada"}); err != nil {
		t.Fatalf("SavePerson failed: %v", err)
	}

	status := engine.SyncNow(ctx)
	if status.LastErrorMessage != "" {
		t.Fatalf("SyncNow failed: %s", status.LastErrorMessage)
	}
	if status.PendingOutbox != 0 {
		t.Errorf("PendingOutbox = %d after success, want 0", status.PendingOutbox)
	}
	if status.LastSuccessAtMs == 0 {
		t.Error("LastSuccessAtMs not set after success")
	}

	cursor := clientCursor(t, db)
	if !cursor.Valid || cursor.Int64 <= 0 {
		t.Errorf("Cursor = %+v after success, want positive", cursor)
	}

	// The pushed row came back through the changefeed with the server
	// stamp, which the client stores verbatim.
	var serverStamp sql.NullInt64
	err := db.Get(ctx, func(r *sql.Row) error {
		return r.Scan(&serverStamp)
	}, `SELECT server_modified_at_ms FROM people WHERE id = ?`, "p1")
	if err != nil {
		t.Fatalf("Failed to read person: %v", err)
	}
	if !serverStamp.Valid {
		t.Error("server_modified_at_ms not set after pull")
	}
}

// TestFailedAttemptLeavesStateUntouched verifies a server failure keeps
// the outbox and cursor exactly as they were.
func TestFailedAttemptLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(1_000_000)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer failing.Close()

	db, svc, engine := newTestClient(t, failing.URL, clock)
	if err := svc.SavePerson(ctx, &roster.Person{ID: "p1", Name: "Ada"}); err != nil {
		t.Fatalf("SavePerson failed: %v", err)
	}

	status := engine.SyncNow(ctx)
	if status.LastErrorMessage == "" {
		t.Fatal("SyncNow against failing server reported success")
	}
	if status.PendingOutbox != 1 {
		t.Errorf("PendingOutbox = %d after failure, want 1", status.PendingOutbox)
	}
	if status.LastSuccessAtMs != 0 {
		t.Errorf("LastSuccessAtMs = %d after failure, want 0", status.LastSuccessAtMs)
	}
	if cursor := clientCursor(t, db); cursor.Valid {
		t.Errorf("Cursor = %+v after failure, want NULL", cursor)
	}
}

// TestRetryAfterFailureConverges verifies the retried batch is absorbed
// by the server dedupe and the client recovers cleanly.
func TestRetryAfterFailureConverges(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(1_000_000)
	ts := startTestServer(t, clock)

	// Fail the first request to simulate a blip, then pass through to
	// the real server.
	target, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("Failed to parse server URL: %v", err)
	}
	forward := httputil.NewSingleHostReverseProxy(target)
	var calls atomic.Int64
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		forward.ServeHTTP(w, r)
	}))
	defer proxy.Close()

	db, svc, engine := newTestClient(t, proxy.URL, clock)
	if err := svc.SavePerson(ctx, &roster.Person{ID: "p1", Name: "Ada"}); err != nil {
		t.Fatalf("SavePerson failed: %v", err)
	}

	if status := engine.SyncNow(ctx); status.LastErrorMessage == "" {
		t.Fatal("First attempt should have failed")
	}
	status := engine.SyncNow(ctx)
	if status.LastErrorMessage != "" {
		t.Fatalf("Retry failed: %s", status.LastErrorMessage)
	}
	if status.PendingOutbox != 0 {
		t.Errorf("PendingOutbox = %d after retry, want 0", status.PendingOutbox)
	}
	if cursor := clientCursor(t, db); !cursor.Valid {
		t.Error("Cursor still NULL after successful retry")
	}
}

// TestAuthFailureShortCircuits verifies a missing credential fails the
// attempt before any network traffic.
func TestAuthFailureShortCircuits(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(1_000_000)

	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	db, err := store.Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx, store.ClientSchema); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	config := DefaultConfig(ts.URL)
	config.Logger = log.New(io.Discard, "", 0)
	engine := New(db, outbox.New(db, log.New(io.Discard, "", 0)), StaticToken(""), config)
	engine.NowMs = clock.NowMs

	status := engine.SyncNow(ctx)
	if status.LastErrorMessage == "" {
		t.Fatal("SyncNow with empty credential reported success")
	}
	if hits.Load() != 0 {
		t.Errorf("Server was contacted %d times, want 0", hits.Load())
	}
}

// TestRejectedCredential verifies a server 401 surfaces as an auth
// error and changes nothing locally.
func TestRejectedCredential(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(1_000_000)
	ts := startTestServer(t, clock)

	db, err := store.Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx, store.ClientSchema); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	config := DefaultConfig(ts.URL)
	config.Logger = log.New(io.Discard, "", 0)
	engine := New(db, outbox.New(db, log.New(io.Discard, "", 0)), StaticToken("wrong"), config)
	engine.NowMs = clock.NowMs

	status := engine.SyncNow(ctx)
	if status.LastErrorMessage == "" {
		t.Fatal("SyncNow with wrong credential reported success")
	}
	if cursor := clientCursor(t, db); cursor.Valid {
		t.Errorf("Cursor = %+v after auth failure, want NULL", cursor)
	}
}

// TestUnackedOperationFailsAttempt verifies a response missing an ack
// for a pushed operation aborts the attempt without purging.
func TestUnackedOperationFailsAttempt(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(1_000_000)

	// A server that accepts but never acknowledges.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"cursorMs":1,"ackOpIds":[],"changes":{}}`))
	}))
	defer ts.Close()

	_, svc, engine := newTestClient(t, ts.URL, clock)
	if err := svc.SavePerson(ctx, &roster.Person{ID: "p1", Name: "Ada"}); err != nil {
		t.Fatalf("SavePerson failed: %v", err)
	}

	status := engine.SyncNow(ctx)
	if status.LastErrorMessage == "" {
		t.Fatal("SyncNow with missing ack reported success")
	}
	if status.PendingOutbox != 1 {
		t.Errorf("PendingOutbox = %d, want 1 (nothing purged)", status.PendingOutbox)
	}
}

// TestSingleFlight verifies a second SyncNow during a running attempt
// returns immediately instead of starting an overlapping attempt.
func TestSingleFlight(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(1_000_000)

	entered := make(chan struct{})
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"cursorMs":1,"ackOpIds":[],"changes":{}}`))
	}))
	defer ts.Close()

	_, _, engine := newTestClient(t, ts.URL, clock)

	done := make(chan Status, 1)
	go func() { done <- engine.SyncNow(ctx) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("First attempt never reached the server")
	}

	// The attempt is blocked in the HTTP exchange; a concurrent SyncNow
	// must observe it running and not start another.
	status := engine.SyncNow(ctx)
	if !status.Running {
		t.Error("Concurrent SyncNow did not report the running attempt")
	}

	close(release)
	select {
	case status := <-done:
		if status.LastErrorMessage != "" {
			t.Errorf("First attempt failed: %s", status.LastErrorMessage)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("First attempt never completed")
	}
}

// TestTwoClientConvergence drives two replicas through the real server
// and checks edits, conflicts, and deletes all converge.
func TestTwoClientConvergence(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(1_000_000)
	ts := startTestServer(t, clock)

	dbA, svcA, engineA := newTestClient(t, ts.URL, clock)
	dbB, svcB, engineB := newTestClient(t, ts.URL, clock)

	mustSync := func(name string, e *Engine) {
		t.Helper()
		if status := e.SyncNow(ctx); status.LastErrorMessage != "" {
			t.Fatalf("%s sync failed: %s", name, status.LastErrorMessage)
		}
	}
	readName := func(db *store.DB) (string, bool) {
		t.Helper()
		var name string
		var deleted sql.NullInt64
		err := db.Get(ctx, func(r *sql.Row) error {
			return r.Scan(&name, &deleted)
		}, `SELECT name, deleted_at_ms FROM people WHERE id = ?`, "p1")
		if errors.Is(err, sql.ErrNoRows) {
			return "", false
		}
		if err != nil {
			t.Fatalf("Failed to read person: %v", err)
		}
		return name, !deleted.Valid
	}

	// A creates, B pulls.
	if err := svcA.SavePerson(ctx, &roster.Person{ID: "p1", Name: "Ada"}); err != nil {
		t.Fatalf("SavePerson failed: %v", err)
	}
	mustSync("A", engineA)
	mustSync("B", engineB)
	if name, alive := readName(dbB); !alive || name != "Ada" {
		t.Fatalf("B after pull: (%q, %v), want (Ada, alive)", name, alive)
	}

	// B edits later, A pulls the winning version.
	if err := svcB.SavePerson(ctx, &roster.Person{ID: "p1", Name: "Ada Lovelace"}); err != nil {
		t.Fatalf("SavePerson failed: %v", err)
	}
	mustSync("B", engineB)
	mustSync("A", engineA)
	if name, _ := readName(dbA); name != "Ada Lovelace" {
		t.Fatalf("A after pull: %q, want Ada Lovelace", name)
	}

	// A deletes, B converges on the tombstone.
	if err := svcA.DeletePerson(ctx, "p1"); err != nil {
		t.Fatalf("DeletePerson failed: %v", err)
	}
	mustSync("A", engineA)
	mustSync("B", engineB)
	if name, alive := readName(dbB); alive {
		t.Fatalf("B still sees p1 alive as %q after delete", name)
	}
	if name, _ := readName(dbB); name != "Ada Lovelace" {
		t.Errorf("Tombstone on B wiped domain fields: %q", name)
	}

	// Both replicas are caught up and idle.
	for name, e := range map[string]*Engine{"A": engineA, "B": engineB} {
		status := e.Status(ctx)
		if status.PendingOutbox != 0 {
			t.Errorf("%s PendingOutbox = %d, want 0", name, status.PendingOutbox)
		}
	}
}

// TestCorruptResponseFailsAttempt verifies a 200 response with a body
// that does not decode fails the whole attempt: nothing from it is
// partially trusted, the cursor stays unset, and the outbox survives.
func TestCorruptResponseFailsAttempt(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(1_000_000)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"cursorMs": "garbage`))
	}))
	defer ts.Close()

	db, svc, engine := newTestClient(t, ts.URL, clock)
	if err := svc.SavePerson(ctx, &roster.Person{ID: "p1", Name: "Ada"}); err != nil {
		t.Fatalf("SavePerson failed: %v", err)
	}

	status := engine.SyncNow(ctx)
	if status.LastErrorMessage == "" {
		t.Fatal("SyncNow with corrupt response reported success")
	}
	if !strings.Contains(status.LastErrorMessage, ErrDecode.Error()) {
		t.Errorf("LastErrorMessage = %q, want a decode failure", status.LastErrorMessage)
	}
	if status.PendingOutbox != 1 {
		t.Errorf("PendingOutbox = %d, want 1 (nothing purged)", status.PendingOutbox)
	}
	if cursor := clientCursor(t, db); cursor.Valid {
		t.Errorf("Cursor = %+v after corrupt response, want NULL", cursor)
	}
}

// TestShutdownDoesNotAbortInFlightAttempt verifies cancelling the timer
// loop stops future scheduling only: an attempt already talking to the
// server runs to completion and commits.
func TestShutdownDoesNotAbortInFlightAttempt(t *testing.T) {
	clock := newTestClock(1_000_000)

	entered := make(chan struct{})
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req roster.SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		close(entered)
		<-release

		resp := roster.SyncResponse{CursorMs: clock.NowMs()}
		for _, op := range req.Operations {
			resp.AckOpIDs = append(resp.AckOpIDs, op.OpID)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	db, svc, engine := newTestClient(t, ts.URL, clock)
	if err := svc.SavePerson(context.Background(), &roster.Person{ID: "p1", Name: "Ada"}); err != nil {
		t.Fatalf("SavePerson failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Attempt never reached the server")
	}

	// Shut down while the attempt is mid-exchange, then let the server
	// respond. The attempt must finish and commit normally.
	cancel()
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	status := engine.Status(context.Background())
	if status.LastErrorMessage != "" {
		t.Errorf("In-flight attempt failed during shutdown: %s", status.LastErrorMessage)
	}
	if status.PendingOutbox != 0 {
		t.Errorf("PendingOutbox = %d after shutdown, want 0 (attempt committed)", status.PendingOutbox)
	}
	if cursor := clientCursor(t, db); !cursor.Valid {
		t.Error("Cursor still NULL: the in-flight attempt did not commit")
	}
}

// TestRunStopsOnCancel verifies the timer loop exits when its context
// is cancelled.
func TestRunStopsOnCancel(t *testing.T) {
	clock := newTestClock(1_000_000)
	ts := startTestServer(t, clock)
	_, _, engine := newTestClient(t, ts.URL, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	// Let the initial attempt go through, then stop.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
