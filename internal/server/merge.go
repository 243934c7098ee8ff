package server

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rosterd/rosterd/internal/roster"
	"github.com/rosterd/rosterd/internal/store"
)

// merge runs one request's dedupe + apply + changefeed read inside a
// single transaction.
//
// Dedupe is an insert-if-absent on sync_ops: an opId seen before skips
// the operation's side effects but is still acknowledged, which is what
// lets a client crash between receiving a response and committing it,
// resend the same batch, and converge anyway.
func (s *Server) merge(ctx context.Context, req *roster.SyncRequest) (*roster.SyncResponse, error) {
	now := s.NowMs()

	cursor := int64(-1) // null cursor means "everything ever"
	if req.CursorMs != nil {
		cursor = *req.CursorMs
	}

	resp := &roster.SyncResponse{
		CursorMs: now,
		AckOpIDs: make([]string, 0, len(req.Operations)),
	}

	err := s.db.Transaction(ctx, func(tx *store.Tx) error {
		for _, op := range req.Operations {
			res, err := tx.Run(ctx, `
				INSERT OR IGNORE INTO sync_ops (op_id, applied_at_ms) VALUES (?, ?)
			`, op.OpID, now)
			if err != nil {
				return fmt.Errorf("failed to record operation %s: %w", op.OpID, err)
			}

			if res.RowsAffected > 0 {
				if _, err := roster.ApplyOperation(ctx, tx, op, now); err != nil {
					return err
				}
			}
			// Replayed opIds are acknowledged without re-applying.
			resp.AckOpIDs = append(resp.AckOpIDs, op.OpID)
		}

		changes, err := collectChanges(ctx, tx, cursor)
		if err != nil {
			return err
		}
		resp.Changes = *changes
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// collectChanges reads the changefeed: every row in every entity table
// whose server modification stamp strictly exceeds cursor, ordered by
// that stamp ascending.
func collectChanges(ctx context.Context, q store.Querier, cursor int64) (*roster.Changes, error) {
	changes := &roster.Changes{}

	err := q.All(ctx, func(rows *sql.Rows) error {
		p, err := roster.ScanPerson(rows)
		if err != nil {
			return err
		}
		changes.People = append(changes.People, p)
		return nil
	}, `
		SELECT `+roster.PersonColumns+` FROM people
		WHERE server_modified_at_ms IS NOT NULL AND server_modified_at_ms > ?
		ORDER BY server_modified_at_ms ASC, id ASC
	`, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to read people changefeed: %w", err)
	}

	err = q.All(ctx, func(rows *sql.Rows) error {
		e, err := roster.ScanEvent(rows)
		if err != nil {
			return err
		}
		changes.Events = append(changes.Events, e)
		return nil
	}, `
		SELECT `+roster.EventColumns+` FROM events
		WHERE server_modified_at_ms IS NOT NULL AND server_modified_at_ms > ?
		ORDER BY server_modified_at_ms ASC, id ASC
	`, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to read events changefeed: %w", err)
	}

	err = q.All(ctx, func(rows *sql.Rows) error {
		a, err := roster.ScanAttendance(rows)
		if err != nil {
			return err
		}
		changes.Attendance = append(changes.Attendance, a)
		return nil
	}, `
		SELECT `+roster.AttendanceColumns+` FROM attendance
		WHERE server_modified_at_ms IS NOT NULL AND server_modified_at_ms > ?
		ORDER BY server_modified_at_ms ASC, id ASC
	`, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to read attendance changefeed: %w", err)
	}

	return changes, nil
}
