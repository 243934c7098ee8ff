// Package server implements the authoritative merge and changefeed
// endpoint.
//
// POST /sync takes a client's cursor and outbox batch, deduplicates the
// operations by opId, applies each surviving one under the
// last-writer-wins guard, stamps every accepted write with the server
// clock, and answers with everything whose stamp exceeds the caller's
// cursor. The whole request runs in one database transaction: either the
// full merge commits or none of it does.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rosterd/rosterd/internal/roster"
	"github.com/rosterd/rosterd/internal/store"
)

// Config holds server configuration.
type Config struct {
	// Authorize gates every sync request. The identity service is a black
	// box to the merge logic; use StaticBearer for a shared-token setup or
	// plug in a real verifier.
	Authorize func(r *http.Request) error

	// Logger for request activity.
	Logger *log.Logger
}

// DefaultConfig returns a config gated by the given bearer token.
func DefaultConfig(token string) *Config {
	return &Config{
		Authorize: StaticBearer(token),
		Logger:    log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// StaticBearer authorizes requests carrying the exact bearer token.
func StaticBearer(token string) func(r *http.Request) error {
	return func(r *http.Request) error {
		header := r.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return errUnauthorized("missing bearer credential")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			return errUnauthorized("invalid credential")
		}
		return nil
	}
}

type authError string

func (e authError) Error() string { return string(e) }

func errUnauthorized(msg string) error { return authError(msg) }

// Server handles sync requests against the authoritative store.
type Server struct {
	db     *store.DB
	config *Config
	logger *log.Logger

	// NowMs supplies the merge clock: the response cursor and every
	// server_modified_at_ms stamp of a request come from one reading.
	// Overridable in tests.
	NowMs func() int64
}

// New creates a Server. The database must already be migrated with the
// server schema.
func New(db *store.DB, config *Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	return &Server{
		db:     db,
		config: config,
		logger: logger,
		NowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Handler returns the HTTP handler serving /sync and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/healthz", handleHealthz)
	return mux
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, roster.ErrCodeBadRequest, "method not allowed")
		return
	}

	if s.config.Authorize != nil {
		if err := s.config.Authorize(r); err != nil {
			writeError(w, http.StatusUnauthorized, roster.ErrCodeUnauthorized, err.Error())
			return
		}
	}

	var req roster.SyncRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, roster.ErrCodeBadRequest, err.Error())
		return
	}
	for _, op := range req.Operations {
		if op == nil {
			writeError(w, http.StatusBadRequest, roster.ErrCodeBadRequest, "null operation")
			return
		}
		if err := op.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, roster.ErrCodeBadRequest, err.Error())
			return
		}
	}

	resp, err := s.merge(r.Context(), &req)
	if err != nil {
		s.logger.Printf("Merge failed (ops=%d): %v", len(req.Operations), err)
		writeError(w, http.StatusInternalServerError, roster.ErrCodeInternal, "merge failed")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, roster.SyncErrorBody{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
