// Package roster defines the replicated entity records, the mutation
// operation sum type carried through the outbox and the wire protocol, and
// the last-writer-wins appliers shared by the client and the server.
//
// Every record carries the same timestamp triple:
//
//   - UpdatedAtMs: set by the writer at mutation time; drives conflict
//     resolution. The last-writer-wins rule lives in the appliers' SQL
//     guards: the incoming version wins only when its UpdatedAtMs is
//     strictly greater, so ties keep the stored version and repeated
//     delivery converges instead of oscillating.
//   - DeletedAtMs: tombstone marker. Deletion is itself a mutation, so a
//     tombstone always has DeletedAtMs equal to its UpdatedAtMs. Rows are
//     never physically removed; readers filter tombstones themselves.
//   - ServerModifiedAtMs: stamped only by the server on every accepted
//     write; drives the changefeed cursor. Clients store it verbatim when
//     applying pulled changes and never invent it.
package roster

// Person is a roster member.
type Person struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`

	UpdatedAtMs        int64  `json:"updatedAtMs"`
	DeletedAtMs        *int64 `json:"deletedAtMs,omitempty"`
	ServerModifiedAtMs *int64 `json:"serverModifiedAtMs,omitempty"`
}

// Event is a scheduled gathering people attend.
type Event struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Location   string `json:"location,omitempty"`
	StartsAtMs int64  `json:"startsAtMs"`
	EndsAtMs   int64  `json:"endsAtMs,omitempty"`

	UpdatedAtMs        int64  `json:"updatedAtMs"`
	DeletedAtMs        *int64 `json:"deletedAtMs,omitempty"`
	ServerModifiedAtMs *int64 `json:"serverModifiedAtMs,omitempty"`
}

// Attendance records one person's standing for one event.
type Attendance struct {
	ID       string `json:"id"`
	EventID  string `json:"eventId"`
	PersonID string `json:"personId"`
	Status   string `json:"status"` // going, declined, tentative, attended, absent
	Note     string `json:"note,omitempty"`

	UpdatedAtMs        int64  `json:"updatedAtMs"`
	DeletedAtMs        *int64 `json:"deletedAtMs,omitempty"`
	ServerModifiedAtMs *int64 `json:"serverModifiedAtMs,omitempty"`
}

// Deleted reports whether the record is a tombstone.
func (p *Person) Deleted() bool     { return p.DeletedAtMs != nil }
func (e *Event) Deleted() bool      { return e.DeletedAtMs != nil }
func (a *Attendance) Deleted() bool { return a.DeletedAtMs != nil }
