package roster

import (
	"context"
	"fmt"

	"github.com/rosterd/rosterd/internal/store"
)

// The appliers below are the one piece of write logic shared by both
// tiers. Every write is guarded in SQL by the last-writer-wins rule
// (excluded.updated_at_ms > stored.updated_at_ms), so applying the same
// change twice, or delivering two versions in either order, always leaves
// the strictly newest version in place.
//
// The server applies operations and stamps server_modified_at_ms with its
// own clock; the client applies pulled rows verbatim, including the
// server's stamp.

// UpsertPerson writes p if it wins against the stored row (or the row does
// not exist). Returns whether a write happened.
func UpsertPerson(ctx context.Context, q store.Querier, p *Person) (bool, error) {
	res, err := q.Run(ctx, `
		INSERT INTO people (id, name, email, role, updated_at_ms, deleted_at_ms, server_modified_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			updated_at_ms = excluded.updated_at_ms,
			deleted_at_ms = excluded.deleted_at_ms,
			server_modified_at_ms = excluded.server_modified_at_ms
		WHERE excluded.updated_at_ms > people.updated_at_ms
	`, p.ID, p.Name, p.Email, p.Role, p.UpdatedAtMs, p.DeletedAtMs, p.ServerModifiedAtMs)
	if err != nil {
		return false, fmt.Errorf("failed to upsert person %s: %w", p.ID, err)
	}
	return res.RowsAffected > 0, nil
}

// UpsertEvent writes e under the same guard.
func UpsertEvent(ctx context.Context, q store.Querier, e *Event) (bool, error) {
	res, err := q.Run(ctx, `
		INSERT INTO events (id, title, location, starts_at_ms, ends_at_ms, updated_at_ms, deleted_at_ms, server_modified_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			location = excluded.location,
			starts_at_ms = excluded.starts_at_ms,
			ends_at_ms = excluded.ends_at_ms,
			updated_at_ms = excluded.updated_at_ms,
			deleted_at_ms = excluded.deleted_at_ms,
			server_modified_at_ms = excluded.server_modified_at_ms
		WHERE excluded.updated_at_ms > events.updated_at_ms
	`, e.ID, e.Title, e.Location, e.StartsAtMs, e.EndsAtMs, e.UpdatedAtMs, e.DeletedAtMs, e.ServerModifiedAtMs)
	if err != nil {
		return false, fmt.Errorf("failed to upsert event %s: %w", e.ID, err)
	}
	return res.RowsAffected > 0, nil
}

// UpsertAttendance writes a under the same guard.
func UpsertAttendance(ctx context.Context, q store.Querier, a *Attendance) (bool, error) {
	res, err := q.Run(ctx, `
		INSERT INTO attendance (id, event_id, person_id, status, note, updated_at_ms, deleted_at_ms, server_modified_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			event_id = excluded.event_id,
			person_id = excluded.person_id,
			status = excluded.status,
			note = excluded.note,
			updated_at_ms = excluded.updated_at_ms,
			deleted_at_ms = excluded.deleted_at_ms,
			server_modified_at_ms = excluded.server_modified_at_ms
		WHERE excluded.updated_at_ms > attendance.updated_at_ms
	`, a.ID, a.EventID, a.PersonID, a.Status, a.Note, a.UpdatedAtMs, a.DeletedAtMs, a.ServerModifiedAtMs)
	if err != nil {
		return false, fmt.Errorf("failed to upsert attendance %s: %w", a.ID, err)
	}
	return res.RowsAffected > 0, nil
}

// Tombstone marks an entity row deleted without touching its domain
// columns. Deletion is a mutation like any other: the tombstone write sets
// updated_at_ms = deleted_at_ms and is subject to the same guard, so an
// older delete never clobbers a newer edit. A tombstone for an id this
// replica has never seen still creates a row (with empty domain fields),
// keeping "deleted" convergent across replicas.
func Tombstone(ctx context.Context, q store.Querier, table, id string, deletedAtMs int64, serverModifiedAtMs *int64) (bool, error) {
	stmt, ok := tombstoneStmts[table]
	if !ok {
		return false, fmt.Errorf("unknown entity table %q", table)
	}
	res, err := q.Run(ctx, stmt, id, deletedAtMs, deletedAtMs, serverModifiedAtMs)
	if err != nil {
		return false, fmt.Errorf("failed to tombstone %s %s: %w", table, id, err)
	}
	return res.RowsAffected > 0, nil
}

var tombstoneStmts = map[string]string{
	"people": `
		INSERT INTO people (id, updated_at_ms, deleted_at_ms, server_modified_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at_ms = excluded.updated_at_ms,
			deleted_at_ms = excluded.deleted_at_ms,
			server_modified_at_ms = excluded.server_modified_at_ms
		WHERE excluded.updated_at_ms > people.updated_at_ms
	`,
	"events": `
		INSERT INTO events (id, updated_at_ms, deleted_at_ms, server_modified_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at_ms = excluded.updated_at_ms,
			deleted_at_ms = excluded.deleted_at_ms,
			server_modified_at_ms = excluded.server_modified_at_ms
		WHERE excluded.updated_at_ms > events.updated_at_ms
	`,
	"attendance": `
		INSERT INTO attendance (id, updated_at_ms, deleted_at_ms, server_modified_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at_ms = excluded.updated_at_ms,
			deleted_at_ms = excluded.deleted_at_ms,
			server_modified_at_ms = excluded.server_modified_at_ms
		WHERE excluded.updated_at_ms > attendance.updated_at_ms
	`,
}

// ApplyOperation applies one client operation against the authoritative
// store, stamping server_modified_at_ms with the server clock on every
// write that takes effect. Used by the server merge inside its per-request
// transaction.
func ApplyOperation(ctx context.Context, q store.Querier, op *Operation, serverNowMs int64) (bool, error) {
	stamp := serverNowMs

	switch op.Type {
	case OpPersonUpsert:
		p := *op.Person
		p.ServerModifiedAtMs = &stamp
		return UpsertPerson(ctx, q, &p)
	case OpEventUpsert:
		e := *op.Event
		e.ServerModifiedAtMs = &stamp
		return UpsertEvent(ctx, q, &e)
	case OpAttendanceUpsert:
		a := *op.Attendance
		a.ServerModifiedAtMs = &stamp
		return UpsertAttendance(ctx, q, &a)
	case OpPersonDelete:
		return Tombstone(ctx, q, "people", op.EntityID, op.DeletedAtMs, &stamp)
	case OpEventDelete:
		return Tombstone(ctx, q, "events", op.EntityID, op.DeletedAtMs, &stamp)
	case OpAttendanceDelete:
		return Tombstone(ctx, q, "attendance", op.EntityID, op.DeletedAtMs, &stamp)
	default:
		return false, fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// ApplyChanges applies a pulled changefeed delta to the local replica.
// Rows arrive complete (tombstones included) and carry the server's
// modification stamp, which is stored verbatim. Used by the sync client
// inside its per-attempt transaction.
func ApplyChanges(ctx context.Context, q store.Querier, changes *Changes) error {
	for _, p := range changes.People {
		if _, err := UpsertPerson(ctx, q, p); err != nil {
			return err
		}
	}
	for _, e := range changes.Events {
		if _, err := UpsertEvent(ctx, q, e); err != nil {
			return err
		}
	}
	for _, a := range changes.Attendance {
		if _, err := UpsertAttendance(ctx, q, a); err != nil {
			return err
		}
	}
	return nil
}
