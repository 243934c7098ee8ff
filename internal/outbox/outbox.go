// Package outbox implements the durable local write queue.
//
// Every local mutation enqueues one serialized operation in the same
// transaction as the entity write it records, so a committed mutation is
// never lost before the server acknowledges it. The sync engine is the
// only reader: it drains the oldest rows in creation order, pushes them,
// and purges the acknowledged ones inside its apply transaction.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/rosterd/rosterd/internal/roster"
	"github.com/rosterd/rosterd/internal/store"
)

// Outbox manages the outbox table of one client store.
type Outbox struct {
	db     *store.DB
	logger *log.Logger
}

// New creates an Outbox over db. If logger is nil, a default stderr
// logger is used.
func New(db *store.DB, logger *log.Logger) *Outbox {
	if logger == nil {
		logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	return &Outbox{db: db, logger: logger}
}

// Enqueue appends op to the queue. It MUST run on the same transaction as
// the entity write it records; q is the caller's transaction handle.
func (o *Outbox) Enqueue(ctx context.Context, q store.Querier, op *roster.Operation, createdAtMs int64) error {
	body, err := op.Encode()
	if err != nil {
		return err
	}

	if err := q.Exec(ctx, `
		INSERT INTO outbox (op_id, body_json, created_at_ms)
		VALUES (?, ?, ?)
	`, op.OpID, string(body), createdAtMs); err != nil {
		return fmt.Errorf("failed to enqueue operation %s: %w", op.OpID, err)
	}
	return nil
}

// Drain reads up to limit of the oldest queued operations in creation
// order and decodes them.
//
// A row whose body no longer decodes into a known operation (a stale or
// corrupt payload) is deleted on the spot and excluded from the batch;
// a bad entry must never permanently block the queue. The read and the
// corrupt-row deletes happen in one transaction.
func (o *Outbox) Drain(ctx context.Context, limit int) ([]*roster.Operation, error) {
	var ops []*roster.Operation

	err := o.db.Transaction(ctx, func(tx *store.Tx) error {
		type row struct {
			opID string
			body string
		}
		var rows []row

		err := tx.All(ctx, func(r *sql.Rows) error {
			var rw row
			if err := r.Scan(&rw.opID, &rw.body); err != nil {
				return err
			}
			rows = append(rows, rw)
			return nil
		}, `
			SELECT op_id, body_json FROM outbox
			ORDER BY created_at_ms ASC, op_id ASC
			LIMIT ?
		`, limit)
		if err != nil {
			return fmt.Errorf("failed to read outbox: %w", err)
		}

		var corrupt []string
		for _, rw := range rows {
			op, err := roster.DecodeOperation([]byte(rw.body))
			if err != nil {
				o.logger.Printf("Dropping undecodable outbox row %s: %v", rw.opID, err)
				corrupt = append(corrupt, rw.opID)
				continue
			}
			ops = append(ops, op)
		}

		if len(corrupt) > 0 {
			if err := deleteByOpID(ctx, tx, corrupt); err != nil {
				return fmt.Errorf("failed to drop corrupt outbox rows: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// Purge removes acknowledged rows. It MUST run on the sync attempt's
// apply transaction so acknowledgment and local apply commit atomically.
func (o *Outbox) Purge(ctx context.Context, q store.Querier, opIDs []string) error {
	if len(opIDs) == 0 {
		return nil
	}
	if err := deleteByOpID(ctx, q, opIDs); err != nil {
		return fmt.Errorf("failed to purge outbox: %w", err)
	}
	return nil
}

// PendingCount returns the number of not-yet-acknowledged operations.
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := o.db.Get(ctx, func(r *sql.Row) error {
		return r.Scan(&count)
	}, `SELECT COUNT(*) FROM outbox`)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return count, nil
}

func deleteByOpID(ctx context.Context, q store.Querier, opIDs []string) error {
	placeholders := strings.TrimRight(strings.Repeat("?,", len(opIDs)), ",")
	args := make([]any, len(opIDs))
	for i, id := range opIDs {
		args[i] = id
	}
	return q.Exec(ctx, `DELETE FROM outbox WHERE op_id IN (`+placeholders+`)`, args...)
}
