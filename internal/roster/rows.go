package roster

import (
	"database/sql"
	"fmt"
)

// Column lists matching the Scan* helpers below. Queries selecting these
// columns in this order can hand their rows straight to the scanner.
const (
	PersonColumns     = "id, name, email, role, updated_at_ms, deleted_at_ms, server_modified_at_ms"
	EventColumns      = "id, title, location, starts_at_ms, ends_at_ms, updated_at_ms, deleted_at_ms, server_modified_at_ms"
	AttendanceColumns = "id, event_id, person_id, status, note, updated_at_ms, deleted_at_ms, server_modified_at_ms"
)

// ScanPerson decodes one people row.
func ScanPerson(rows *sql.Rows) (*Person, error) {
	var p Person
	var deleted, serverModified sql.NullInt64
	if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.Role, &p.UpdatedAtMs, &deleted, &serverModified); err != nil {
		return nil, fmt.Errorf("failed to scan person: %w", err)
	}
	p.DeletedAtMs = nullableMs(deleted)
	p.ServerModifiedAtMs = nullableMs(serverModified)
	return &p, nil
}

// ScanEvent decodes one events row.
func ScanEvent(rows *sql.Rows) (*Event, error) {
	var e Event
	var deleted, serverModified sql.NullInt64
	if err := rows.Scan(&e.ID, &e.Title, &e.Location, &e.StartsAtMs, &e.EndsAtMs, &e.UpdatedAtMs, &deleted, &serverModified); err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	e.DeletedAtMs = nullableMs(deleted)
	e.ServerModifiedAtMs = nullableMs(serverModified)
	return &e, nil
}

// ScanAttendance decodes one attendance row.
func ScanAttendance(rows *sql.Rows) (*Attendance, error) {
	var a Attendance
	var deleted, serverModified sql.NullInt64
	if err := rows.Scan(&a.ID, &a.EventID, &a.PersonID, &a.Status, &a.Note, &a.UpdatedAtMs, &deleted, &serverModified); err != nil {
		return nil, fmt.Errorf("failed to scan attendance: %w", err)
	}
	a.DeletedAtMs = nullableMs(deleted)
	a.ServerModifiedAtMs = nullableMs(serverModified)
	return &a, nil
}

func nullableMs(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	ms := v.Int64
	return &ms
}
