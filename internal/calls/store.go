package calls

import (
	"context"
	"time"
)

// DefaultListLimit applies when List is called without a positive limit.
const DefaultListLimit = 20

// Store persists call records.
//
// Transition is a compare-and-set on status: it writes next only when the stored
// status still equals from, and reports whether it did. Create rejects a second
// open call for the same callee with ErrConflict.
type Store interface {
	Create(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)
	Transition(ctx context.Context, next Call, from Status) (bool, error)

	// CalleeEngaged reports whether identity is the callee of a pending or active call.
	CalleeEngaged(ctx context.Context, identity string) (bool, error)

	// ListByParticipant returns calls where identity is caller or callee, most recent first.
	ListByParticipant(ctx context.Context, identity string, limit int) ([]Call, error)
	// ListBetween returns calls created in [from, to); zero bounds are open.
	ListBetween(ctx context.Context, identity string, from, to time.Time) ([]Call, error)
}
