package roster

// Wire protocol for POST /sync. The request carries the client's pull
// cursor and its drained outbox batch; the response carries the new
// cursor, the acknowledged opIds (including deduplicated replays), and
// the changefeed delta grouped by entity type.

// SyncRequest is the request body. CursorMs is absent before first sync.
type SyncRequest struct {
	CursorMs   *int64       `json:"cursorMs,omitempty"`
	Operations []*Operation `json:"operations"`
}

// Changes is the changefeed delta: every row whose server modification
// stamp exceeds the request cursor, ordered by that stamp ascending
// within each entity type.
type Changes struct {
	People     []*Person     `json:"people,omitempty"`
	Events     []*Event      `json:"events,omitempty"`
	Attendance []*Attendance `json:"attendance,omitempty"`
}

// Len returns the total number of changed rows.
func (c *Changes) Len() int {
	return len(c.People) + len(c.Events) + len(c.Attendance)
}

// SyncResponse is the success body.
type SyncResponse struct {
	CursorMs int64    `json:"cursorMs"`
	AckOpIDs []string `json:"ackOpIds"`
	Changes  Changes  `json:"changes"`
}

// Error codes of the wire error union.
const (
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeBadRequest   = "bad_request"
	ErrCodeInternal     = "internal"
)

// SyncErrorBody is the error body returned with a non-2xx status.
type SyncErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
