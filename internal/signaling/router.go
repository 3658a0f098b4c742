package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"consult-platform/pkg/logger"
)

// Deliverer is the registry side of the router: best-effort send to a live identity.
type Deliverer interface {
	Deliver(identity string, msg []byte) bool
}

// Router relays envelopes between connected identities, stamping provenance.
// Delivery is fire-and-forget: no queueing, no retry, no acknowledgment.
type Router struct {
	conns Deliverer
	log   *slog.Logger
	clock func() time.Time
}

func NewRouter(conns Deliverer, log *slog.Logger) *Router {
	return &Router{conns: conns, log: logger.OrDiscard(log), clock: time.Now}
}

// Route handles one frame sent by from. It reports whether anything was delivered.
// Bad frames are logged and dropped; they never produce an error for the sender.
func (r *Router) Route(from string, data []byte) bool {
	env, err := Decode(data)
	if err != nil {
		lvl := slog.LevelDebug
		if errors.Is(err, ErrMalformed) {
			lvl = slog.LevelWarn
		}
		r.log.Log(context.Background(), lvl, "dropping signaling message", "from", from, "error", err)
		return false
	}

	out, err := r.relay(from, env)
	if err != nil {
		r.log.Warn("encode relay failed", "from", from, "type", env.Kind(), "error", err)
		return false
	}

	ok := r.conns.Deliver(env.Target(), out)
	if !ok {
		r.log.Debug("target not reachable; message lost", "from", from, "target", env.Target(), "type", env.Kind())
	}
	return ok
}

func (r *Router) relay(from string, env Envelope) ([]byte, error) {
	switch m := env.(type) {
	case Negotiation:
		return encodeRelayed(m, from)
	case Chat:
		return json.Marshal(ChatRelay{
			Type:      TypeChatMessage,
			Message:   m.Message,
			From:      from,
			Timestamp: r.now(),
			CallID:    m.CallID,
		})
	case File:
		return json.Marshal(FileRelay{
			Type:      TypeFileMessage,
			File:      m.File,
			From:      from,
			Timestamp: r.now(),
			CallID:    m.CallID,
		})
	default:
		return nil, ErrUnknownType
	}
}

// Notify pushes a server-originated message to identity.
func (r *Router) Notify(identity string, msg any) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("encode notification failed", "identity", identity, "error", err)
		return false
	}
	ok := r.conns.Deliver(identity, b)
	if !ok {
		r.log.Debug("notification not delivered", "identity", identity)
	}
	return ok
}

func (r *Router) now() string {
	return r.clock().UTC().Format(time.RFC3339Nano)
}
