package roster

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// OpType is the on-wire discriminant of a mutation operation. The set is
// closed: one variant per entity type crossed with upsert/delete. Unknown
// discriminants are a decode error, never silently ignored.
type OpType string

const (
	OpPersonUpsert     OpType = "person.upsert"
	OpPersonDelete     OpType = "person.delete"
	OpEventUpsert      OpType = "event.upsert"
	OpEventDelete      OpType = "event.delete"
	OpAttendanceUpsert OpType = "attendance.upsert"
	OpAttendanceDelete OpType = "attendance.delete"
)

// Operation is one logical mutation: a full record for upserts, or an
// entity id plus deletion timestamp for deletes.
//
// OpID is the idempotency key. It is generated once per logical mutation
// (NewOpID), travels through the outbox to the server, and is deduplicated
// there, so replaying the same operation is a no-op everywhere.
type Operation struct {
	OpID string `json:"opId"`
	Type OpType `json:"type"`

	// Exactly one payload field is set for upserts.
	Person     *Person     `json:"person,omitempty"`
	Event      *Event      `json:"event,omitempty"`
	Attendance *Attendance `json:"attendance,omitempty"`

	// Delete payload.
	EntityID    string `json:"entityId,omitempty"`
	DeletedAtMs int64  `json:"deletedAtMs,omitempty"`
}

// NewOpID returns a globally unique idempotency key.
func NewOpID() string {
	return uuid.New().String()
}

// Validate checks the operation has a known discriminant and the payload
// matching it.
func (op *Operation) Validate() error {
	if op.OpID == "" {
		return fmt.Errorf("opId is required")
	}

	switch op.Type {
	case OpPersonUpsert:
		if op.Person == nil {
			return fmt.Errorf("operation %s: person payload is required", op.Type)
		}
		if op.Person.ID == "" {
			return fmt.Errorf("operation %s: person.id is required", op.Type)
		}
	case OpEventUpsert:
		if op.Event == nil {
			return fmt.Errorf("operation %s: event payload is required", op.Type)
		}
		if op.Event.ID == "" {
			return fmt.Errorf("operation %s: event.id is required", op.Type)
		}
	case OpAttendanceUpsert:
		if op.Attendance == nil {
			return fmt.Errorf("operation %s: attendance payload is required", op.Type)
		}
		if op.Attendance.ID == "" {
			return fmt.Errorf("operation %s: attendance.id is required", op.Type)
		}
	case OpPersonDelete, OpEventDelete, OpAttendanceDelete:
		if op.EntityID == "" {
			return fmt.Errorf("operation %s: entityId is required", op.Type)
		}
		if op.DeletedAtMs <= 0 {
			return fmt.Errorf("operation %s: deletedAtMs is required", op.Type)
		}
	case "":
		return fmt.Errorf("operation type is required")
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	return nil
}

// Encode serializes the operation for the outbox body or the wire.
func (op *Operation) Encode() ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("cannot encode invalid operation: %w", err)
	}
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operation %s: %w", op.OpID, err)
	}
	return data, nil
}

// DecodeOperation parses and validates a serialized operation. Callers
// treat any failure here as a decode error: corrupt outbox rows are
// dropped, corrupt wire payloads fail the whole attempt.
func DecodeOperation(data []byte) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("failed to parse operation: %w", err)
	}
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("invalid operation: %w", err)
	}
	return &op, nil
}
