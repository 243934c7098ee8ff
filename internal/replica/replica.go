// Package replica is the local mutation service of one client store.
//
// Every mutation writes the entity row and its outbox operation in one
// storage transaction, which is the whole point of the outbox pattern: a
// committed local edit is guaranteed to eventually reach the server, and
// an edit that failed to commit leaves no stray queue entry behind.
//
// Local writes never touch server_modified_at_ms - that stamp belongs to
// the server and survives local edits unchanged until the next pull.
package replica

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rosterd/rosterd/internal/outbox"
	"github.com/rosterd/rosterd/internal/roster"
	"github.com/rosterd/rosterd/internal/store"
)

// Service performs local CRUD with transactional outbox capture.
type Service struct {
	db  *store.DB
	box *outbox.Outbox

	// NowMs supplies mutation timestamps. Overridable in tests.
	NowMs func() int64
}

// New creates a Service over db and box.
func New(db *store.DB, box *outbox.Outbox) *Service {
	return &Service{
		db:    db,
		box:   box,
		NowMs: func() int64 { return time.Now().UnixMilli() },
	}
}

// SavePerson upserts p locally and queues the matching operation.
// p.UpdatedAtMs is stamped with the current time; the caller supplies only
// domain fields and the id.
func (s *Service) SavePerson(ctx context.Context, p *roster.Person) error {
	if p.ID == "" {
		return fmt.Errorf("person id is required")
	}
	now := s.NowMs()
	p.UpdatedAtMs = now
	p.DeletedAtMs = nil
	p.ServerModifiedAtMs = nil

	op := &roster.Operation{OpID: roster.NewOpID(), Type: roster.OpPersonUpsert, Person: p}

	return s.db.Transaction(ctx, func(tx *store.Tx) error {
		if err := tx.Exec(ctx, `
			INSERT INTO people (id, name, email, role, updated_at_ms, deleted_at_ms)
			VALUES (?, ?, ?, ?, ?, NULL)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				email = excluded.email,
				role = excluded.role,
				updated_at_ms = excluded.updated_at_ms,
				deleted_at_ms = NULL
		`, p.ID, p.Name, p.Email, p.Role, now); err != nil {
			return fmt.Errorf("failed to save person %s: %w", p.ID, err)
		}
		return s.box.Enqueue(ctx, tx, op, now)
	})
}

// SaveEvent upserts e locally and queues the matching operation.
func (s *Service) SaveEvent(ctx context.Context, e *roster.Event) error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	now := s.NowMs()
	e.UpdatedAtMs = now
	e.DeletedAtMs = nil
	e.ServerModifiedAtMs = nil

	op := &roster.Operation{OpID: roster.NewOpID(), Type: roster.OpEventUpsert, Event: e}

	return s.db.Transaction(ctx, func(tx *store.Tx) error {
		if err := tx.Exec(ctx, `
			INSERT INTO events (id, title, location, starts_at_ms, ends_at_ms, updated_at_ms, deleted_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, NULL)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				location = excluded.location,
				starts_at_ms = excluded.starts_at_ms,
				ends_at_ms = excluded.ends_at_ms,
				updated_at_ms = excluded.updated_at_ms,
				deleted_at_ms = NULL
		`, e.ID, e.Title, e.Location, e.StartsAtMs, e.EndsAtMs, now); err != nil {
			return fmt.Errorf("failed to save event %s: %w", e.ID, err)
		}
		return s.box.Enqueue(ctx, tx, op, now)
	})
}

// SaveAttendance upserts a locally and queues the matching operation.
func (s *Service) SaveAttendance(ctx context.Context, a *roster.Attendance) error {
	if a.ID == "" {
		return fmt.Errorf("attendance id is required")
	}
	now := s.NowMs()
	a.UpdatedAtMs = now
	a.DeletedAtMs = nil
	a.ServerModifiedAtMs = nil

	op := &roster.Operation{OpID: roster.NewOpID(), Type: roster.OpAttendanceUpsert, Attendance: a}

	return s.db.Transaction(ctx, func(tx *store.Tx) error {
		if err := tx.Exec(ctx, `
			INSERT INTO attendance (id, event_id, person_id, status, note, updated_at_ms, deleted_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, NULL)
			ON CONFLICT(id) DO UPDATE SET
				event_id = excluded.event_id,
				person_id = excluded.person_id,
				status = excluded.status,
				note = excluded.note,
				updated_at_ms = excluded.updated_at_ms,
				deleted_at_ms = NULL
		`, a.ID, a.EventID, a.PersonID, a.Status, a.Note, now); err != nil {
			return fmt.Errorf("failed to save attendance %s: %w", a.ID, err)
		}
		return s.box.Enqueue(ctx, tx, op, now)
	})
}

// DeletePerson tombstones the person and queues the delete operation.
func (s *Service) DeletePerson(ctx context.Context, id string) error {
	return s.delete(ctx, "people", roster.OpPersonDelete, id)
}

// DeleteEvent tombstones the event and queues the delete operation.
func (s *Service) DeleteEvent(ctx context.Context, id string) error {
	return s.delete(ctx, "events", roster.OpEventDelete, id)
}

// DeleteAttendance tombstones the attendance record and queues the delete
// operation.
func (s *Service) DeleteAttendance(ctx context.Context, id string) error {
	return s.delete(ctx, "attendance", roster.OpAttendanceDelete, id)
}

func (s *Service) delete(ctx context.Context, table string, opType roster.OpType, id string) error {
	if id == "" {
		return fmt.Errorf("entity id is required")
	}
	now := s.NowMs()
	op := &roster.Operation{
		OpID:        roster.NewOpID(),
		Type:        opType,
		EntityID:    id,
		DeletedAtMs: now,
	}

	return s.db.Transaction(ctx, func(tx *store.Tx) error {
		// Local deletion always wins locally: the tombstone's timestamp is
		// the freshest this replica has seen for the row.
		if err := tx.Exec(ctx, `
			INSERT INTO `+table+` (id, updated_at_ms, deleted_at_ms)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				updated_at_ms = excluded.updated_at_ms,
				deleted_at_ms = excluded.deleted_at_ms
		`, id, now, now); err != nil {
			return fmt.Errorf("failed to delete %s %s: %w", table, id, err)
		}
		return s.box.Enqueue(ctx, tx, op, now)
	})
}

// GetPerson returns one person, tombstoned or not.
// Returns sql.ErrNoRows if the id has never been seen.
func (s *Service) GetPerson(ctx context.Context, id string) (*roster.Person, error) {
	var p *roster.Person
	err := s.db.All(ctx, func(rows *sql.Rows) error {
		var err error
		p, err = roster.ScanPerson(rows)
		return err
	}, `SELECT `+roster.PersonColumns+` FROM people WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, sql.ErrNoRows
	}
	return p, nil
}

// ListPeople returns people ordered by name, excluding tombstones unless
// includeDeleted is set.
func (s *Service) ListPeople(ctx context.Context, includeDeleted bool) ([]*roster.Person, error) {
	query := `SELECT ` + roster.PersonColumns + ` FROM people`
	if !includeDeleted {
		query += ` WHERE deleted_at_ms IS NULL`
	}
	query += ` ORDER BY name ASC, id ASC`

	var people []*roster.Person
	err := s.db.All(ctx, func(rows *sql.Rows) error {
		p, err := roster.ScanPerson(rows)
		if err != nil {
			return err
		}
		people = append(people, p)
		return nil
	}, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list people: %w", err)
	}
	return people, nil
}

// ListEvents returns events ordered by start time, excluding tombstones
// unless includeDeleted is set.
func (s *Service) ListEvents(ctx context.Context, includeDeleted bool) ([]*roster.Event, error) {
	query := `SELECT ` + roster.EventColumns + ` FROM events`
	if !includeDeleted {
		query += ` WHERE deleted_at_ms IS NULL`
	}
	query += ` ORDER BY starts_at_ms ASC, id ASC`

	var events []*roster.Event
	err := s.db.All(ctx, func(rows *sql.Rows) error {
		e, err := roster.ScanEvent(rows)
		if err != nil {
			return err
		}
		events = append(events, e)
		return nil
	}, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// ListAttendance returns non-tombstoned attendance rows for one event.
func (s *Service) ListAttendance(ctx context.Context, eventID string) ([]*roster.Attendance, error) {
	var records []*roster.Attendance
	err := s.db.All(ctx, func(rows *sql.Rows) error {
		a, err := roster.ScanAttendance(rows)
		if err != nil {
			return err
		}
		records = append(records, a)
		return nil
	}, `
		SELECT `+roster.AttendanceColumns+` FROM attendance
		WHERE event_id = ? AND deleted_at_ms IS NULL
		ORDER BY person_id ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance: %w", err)
	}
	return records, nil
}
