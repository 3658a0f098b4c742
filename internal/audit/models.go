package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - actor and ip capture are best-effort; do not block call flows on audit failures.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorID is the identity causing the event; empty for system actions (ring timeout).
	ActorID   string `json:"actor_id,omitempty" db:"actor_id"`
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress is the resolved client IP when the event came from an HTTP request.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers (optional, depending on the event type).
	Identity string `json:"identity,omitempty" db:"identity"`
	CallID   string `json:"call_id,omitempty" db:"call_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallInitiated    EventType = "call_initiated"
	EventTypeCallAccepted     EventType = "call_accepted"
	EventTypeCallEnded        EventType = "call_ended"
	EventTypeCallCancelled    EventType = "call_cancelled"
	EventTypeSettlementFailed EventType = "settlement_failed"
	EventTypeAdminGrant       EventType = "admin_grant"
)
