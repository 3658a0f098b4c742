package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	return s.repo.Append(ctx, e)
}

// LogCall records a call lifecycle event.
func (s *Service) LogCall(ctx context.Context, typ EventType, actorID, callID, message, metadata string) error {
	if callID == "" {
		return ErrInvalidEvent
	}
	return s.Append(ctx, Event{
		Type:     typ,
		ActorID:  actorID,
		CallID:   callID,
		Message:  message,
		Metadata: metadata,
	})
}

// LogAdminGrant records a manual token grant.
func (s *Service) LogAdminGrant(ctx context.Context, actorID, actorRole, identity, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeAdminGrant,
		ActorID:   actorID,
		ActorRole: actorRole,
		Identity:  identity,
		Message:   message,
		Metadata:  metadata,
	})
}
