// Package registry tracks which identities currently hold a live signaling connection.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"consult-platform/pkg/logger"

	"github.com/google/uuid"
)

// Transport is one open bidirectional message stream owned by a connected identity.
type Transport interface {
	Send(msg []byte) error
	Close() error
}

// Conn is the handle returned by Register. It identifies one specific connection,
// so a superseded connection cannot evict the one that replaced it.
type Conn struct {
	ID          string
	Identity    string
	ConnectedAt time.Time

	transport Transport
}

// Registry maps identity -> transport with at most one entry per identity.
// Writes to a transport happen outside the lock; a transport is expected to
// serialize its own writes.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn

	log   *slog.Logger
	clock func() time.Time
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		log:   logger.OrDiscard(log),
		clock: time.Now,
	}
}

// Register stores transport as the identity's connection. Last connect wins:
// a prior entry is replaced but its transport is left open.
func (r *Registry) Register(identity string, t Transport) *Conn {
	c := &Conn{
		ID:          uuid.NewString(),
		Identity:    identity,
		ConnectedAt: r.clock().UTC(),
		transport:   t,
	}

	r.mu.Lock()
	prev, replaced := r.conns[identity]
	r.conns[identity] = c
	r.mu.Unlock()

	if replaced {
		r.log.Info("connection superseded", "identity", identity, "conn_id", c.ID, "prev_conn_id", prev.ID)
	} else {
		r.log.Debug("connection registered", "identity", identity, "conn_id", c.ID)
	}
	return c
}

// Deliver sends msg to identity's live connection. It returns false when there is
// no connection or the write fails; a failed write drops the stale mapping.
func (r *Registry) Deliver(identity string, msg []byte) bool {
	r.mu.Lock()
	c, ok := r.conns[identity]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := c.transport.Send(msg); err != nil {
		r.log.Warn("deliver failed; dropping connection", "identity", identity, "conn_id", c.ID, "error", err)
		r.Release(c)
		return false
	}
	return true
}

// Remove drops identity's mapping whatever connection it points at. Idempotent.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	delete(r.conns, identity)
	r.mu.Unlock()
}

// Release drops c's mapping only if c is still the identity's current connection.
// It reports whether the mapping was removed.
func (r *Registry) Release(c *Conn) bool {
	if c == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[c.Identity]
	if !ok || cur != c {
		return false
	}
	delete(r.conns, c.Identity)
	return true
}

// Current reports whether c is still the live connection for its identity.
func (r *Registry) Current(c *Conn) bool {
	if c == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[c.Identity] == c
}

func (r *Registry) Connected(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[identity]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
