package calls

import "time"

// Call is one consultation between a caller and a callee.
//
// DurationMinutes and CostTokens are set exactly once, on the transition to ENDED,
// and never change afterwards.
type Call struct {
	ID       string `json:"call_id" db:"id"`
	CallerID string `json:"caller_id" db:"caller_id"`
	CalleeID string `json:"callee_id" db:"callee_id"`

	Status Status `json:"status" db:"status"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	DurationMinutes *float64 `json:"duration_minutes,omitempty" db:"duration_minutes"`
	CostTokens      *int64   `json:"cost_tokens,omitempty" db:"cost_tokens"`
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// Participant reports whether identity is the caller or the callee.
func (c Call) Participant(identity string) bool {
	return identity != "" && (identity == c.CallerID || identity == c.CalleeID)
}

// Other returns the participant that is not identity.
func (c Call) Other(identity string) string {
	if identity == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// EndResult is returned to the party that ended the call.
type EndResult struct {
	DurationMinutes float64 `json:"duration_minutes"`
	CostTokens      int64   `json:"cost_tokens"`
}
