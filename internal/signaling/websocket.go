package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"consult-platform/internal/auth"
	"consult-platform/internal/registry"
	"consult-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Presence is the directory side effect of a connection closing.
type Presence interface {
	MarkOffline(ctx context.Context, identity string) error
}

type Options struct {
	// AllowedOrigins is matched against the browser Origin header. Empty allows any origin.
	AllowedOrigins  []string
	MaxMessageBytes int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Handler upgrades GET /ws/:identity and runs one read loop per connection.
type Handler struct {
	conns    *registry.Registry
	router   *Router
	presence Presence
	opts     Options
	log      *slog.Logger

	upgrader websocket.Upgrader
	active   atomic.Int64

	// Hijacked connections are invisible to http.Server.Shutdown; open tracks
	// them so Shutdown can close them and wait for their cleanup.
	mu      sync.Mutex
	open    map[*wsTransport]struct{}
	closing bool
	serving sync.WaitGroup
}

func NewHandler(conns *registry.Registry, router *Router, presence Presence, opts Options, log *slog.Logger) *Handler {
	opts = opts.withDefaults()
	h := &Handler{
		conns:    conns,
		router:   router,
		presence: presence,
		opts:     opts,
		log:      logger.OrDiscard(log),
		open:     map[*wsTransport]struct{}{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Active is the number of open signaling connections served by this process.
func (h *Handler) Active() int {
	return int(h.active.Load())
}

// Serve must run behind auth.RequireAccessToken; the token must belong to the path identity.
func (h *Handler) Serve(c *gin.Context) {
	identity := strings.TrimSpace(c.Param("identity"))
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "unauthorized"})
		return
	}
	if identity == "" || identity != uid {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token does not match identity", "code": "forbidden"})
		return
	}

	log := logger.FromGin(c).With("identity", identity)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		log.Debug("websocket upgrade failed", "error", err)
		return
	}

	t := &wsTransport{conn: ws, writeTimeout: h.opts.WriteTimeout}
	if !h.track(t) {
		log.Debug("signaling rejected; shutting down")
		_ = t.Close()
		return
	}
	defer h.untrack(t)

	conn := h.conns.Register(identity, t)
	h.active.Add(1)
	log = log.With("conn_id", conn.ID)
	log.Info("signaling connected")

	done := make(chan struct{})
	go h.keepalive(t, done, log)

	h.readLoop(ws, identity, log)

	close(done)
	h.disconnect(conn, t, log)
}

// Shutdown closes every open signaling connection and waits until each one has
// run its disconnect cleanup, or ctx is done. Connections upgraded afterwards
// are closed immediately.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	open := make([]*wsTransport, 0, len(h.open))
	for t := range h.open {
		open = append(open, t)
	}
	h.mu.Unlock()

	for _, t := range open {
		_ = t.Close()
	}

	done := make(chan struct{})
	go func() {
		h.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) track(t *wsTransport) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.open[t] = struct{}{}
	h.serving.Add(1)
	return true
}

func (h *Handler) untrack(t *wsTransport) {
	h.mu.Lock()
	delete(h.open, t)
	h.mu.Unlock()
	h.serving.Done()
}

func (h *Handler) readLoop(ws *websocket.Conn, identity string, log *slog.Logger) {
	pongWait := 2 * h.opts.PingInterval
	ws.SetReadLimit(h.opts.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("signaling read ended", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			log.Debug("ignoring non-text frame", "frame_type", msgType)
			continue
		}
		h.router.Route(identity, data)
	}
}

// disconnect releases the registry entry before any other cleanup.
// The identity goes offline only if no newer connection took its place.
func (h *Handler) disconnect(conn *registry.Conn, t *wsTransport, log *slog.Logger) {
	h.conns.Release(conn)
	_ = t.Close()
	h.active.Add(-1)

	if h.conns.Connected(conn.Identity) {
		log.Info("signaling disconnected; superseded by newer connection")
		return
	}
	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.MarkOffline(ctx, conn.Identity); err != nil {
			log.Warn("mark offline failed", "error", err)
		}
	}
	log.Info("signaling disconnected")
}

func (h *Handler) keepalive(t *wsTransport, done <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.ping(); err != nil {
				log.Debug("ping failed", "error", err)
				_ = t.Close()
				return
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients do not send Origin.
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, allowed := range h.opts.AllowedOrigins {
		allowed = strings.TrimRight(strings.TrimSpace(allowed), "/")
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	h.log.Warn("websocket origin rejected", "origin", origin)
	return false
}

var errTransportClosed = errors.New("signaling: transport closed")

// wsTransport serializes writes to one websocket; gorilla allows a single concurrent writer.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (t *wsTransport) Send(msg []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *wsTransport) ping() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		t.closed = true
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.writeTimeout))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
