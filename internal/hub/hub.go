// Package hub implements the realtime collaboration core: per-resource-kind
// connection sessions, in-memory presence, and group fan-out. One Hub serves
// all resources of a kind (board or notebook); group namespaces are kept
// separate by prefixing resource ids with the kind.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Cademic/TableWorks-sub002/internal/access"
	"github.com/Cademic/TableWorks-sub002/internal/presence"
)

const (
	KindBoard    = "board"
	KindNotebook = "notebook"
)

type Hub struct {
	kind      string
	gate      access.Gate
	directory access.Directory

	registry    *presence.Registry
	broadcaster *Broadcaster

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session

	logger *slog.Logger
}

func New(kind string, gate access.Gate, directory access.Directory, logger *slog.Logger) *Hub {
	logger = logger.With(slog.String("component", "hub"), slog.String("kind", kind))
	return &Hub{
		kind:        kind,
		gate:        gate,
		directory:   directory,
		registry:    presence.NewRegistry(logger),
		broadcaster: NewBroadcaster(logger),
		sessions:    make(map[uuid.UUID]*Session),
		logger:      logger,
	}
}

func (h *Hub) Kind() string { return h.kind }

// Connect admits a connection and creates its session. userID is empty for
// unauthenticated connections, which may connect but will be rejected on
// every join. The display name is resolved here, once per connection.
func (h *Hub) Connect(ctx context.Context, conn Sender, userID string) *Session {
	sess := &Session{
		conn:      conn,
		hub:       h,
		createdAt: time.Now(),
		logger:    h.logger.With(slog.String("connID", conn.ID().String()), slog.String("userID", userID)),
	}
	if userID != "" {
		sess.authenticated = true
		sess.identity = Identity{UserID: userID, DisplayName: h.resolveDisplayName(ctx, userID)}
	}

	h.mu.Lock()
	h.sessions[conn.ID()] = sess
	h.mu.Unlock()
	return sess
}

// HandleMessage decodes a client envelope and routes it to the connection's
// session. It is the transport's MessageHandler.
func (h *Hub) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	h.mu.Lock()
	sess, ok := h.sessions[connID]
	h.mu.Unlock()
	if !ok {
		h.logger.Warn("message from unknown connection", slog.String("connID", connID.String()))
		return
	}

	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		h.logger.Warn("failed to unmarshal client message", slog.String("connID", connID.String()), slog.Any("error", err))
		sess.sendError("", CodeBadRequest, "malformed message")
		return
	}

	resourceID := gjson.GetBytes(clientMsg.Payload, "resourceId").String()

	switch {
	case clientMsg.Event == EventJoin:
		if resourceID == "" {
			sess.sendError("", CodeBadRequest, "join requires a resourceId")
			return
		}
		if err := sess.Join(ctx, resourceID); err != nil {
			h.rejectJoin(sess, resourceID, err)
		}
	case clientMsg.Event == EventLeave:
		if resourceID == "" {
			sess.sendError("", CodeBadRequest, "leave requires a resourceId")
			return
		}
		sess.Leave(resourceID)
	case isActivityEvent(clientMsg.Event):
		if resourceID == "" {
			return
		}
		sess.Activity(clientMsg.Event, resourceID, clientMsg.Payload)
	default:
		h.logger.Warn("received unknown event", slog.String("event", clientMsg.Event), slog.String("connID", connID.String()))
	}
}

// HandleClose runs disconnect cleanup. It is the transport's OnCloseHandler
// and fires for abnormal closures too; all cleanup is best-effort and must
// not block teardown.
func (h *Hub) HandleClose(connID uuid.UUID, err error) {
	h.mu.Lock()
	sess, ok := h.sessions[connID]
	delete(h.sessions, connID)
	h.mu.Unlock()
	if !ok {
		return
	}
	sess.Disconnect()
}

// Notify broadcasts a committed-change event to resourceID's group on behalf
// of the CRUD services. Fire-and-forget; an empty group is a no-op.
func (h *Hub) Notify(resourceID, event string, payload any) {
	h.broadcaster.Broadcast(h.groupKey(resourceID), event, payload)
}

// UserConnectionCount reports the user's live sessions on this hub, for the
// per-user connection limiter.
func (h *Hub) UserConnectionCount(userID string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, s := range h.sessions {
		if s.authenticated && s.identity.UserID == userID {
			n++
		}
	}
	return n, nil
}

// CycleOldestUserConnection closes the user's longest-lived connection on
// this hub to make room for a new one.
func (h *Hub) CycleOldestUserConnection(userID string) {
	h.mu.Lock()
	var oldest *Session
	for _, s := range h.sessions {
		if !s.authenticated || s.identity.UserID != userID {
			continue
		}
		if oldest == nil || s.createdAt.Before(oldest.createdAt) {
			oldest = s
		}
	}
	h.mu.Unlock()

	if oldest != nil {
		h.logger.Info("cycling oldest connection", slog.String("userID", userID), slog.String("connID", oldest.conn.ID().String()))
		oldest.conn.Close(errors.New("connection cycled by new connection"))
	}
}

// CloseAllConnections closes every live connection on this hub, for
// graceful shutdown. Each close fires the normal disconnect cleanup.
func (h *Hub) CloseAllConnections(reason error) {
	h.mu.Lock()
	conns := make([]Sender, 0, len(h.sessions))
	for _, s := range h.sessions {
		conns = append(conns, s.conn)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(reason)
	}
}

// registerIfLive subscribes and registers presence for sess, but only if the
// session is still the live one for its connection. Holding h.mu makes the
// check atomic with HandleClose's removal, so a join whose gate check was in
// flight during a disconnect can never register state that disconnect
// cleanup already swept.
func (h *Hub) registerIfLive(sess *Session, group string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[sess.conn.ID()] != sess {
		return false
	}
	h.broadcaster.Subscribe(group, sess.conn)
	h.registry.AddPresence(group, sess.conn.ID(), sess.identity.UserID, sess.identity.DisplayName)
	return true
}

func (h *Hub) rejectJoin(sess *Session, resourceID string, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		sess.sendError(resourceID, CodeUnauthenticated, "authentication required")
	case errors.Is(err, ErrAccessDenied):
		sess.sendError(resourceID, CodeAccessDenied, "you don't have access to this "+h.kind)
	case errors.Is(err, context.Canceled), errors.Is(err, errSessionClosed):
		// Connection already gone; nobody to reply to.
	default:
		h.logger.Error("join failed", slog.String("resourceID", resourceID), slog.Any("error", err))
		sess.sendError(resourceID, CodeInternal, "internal error")
	}
}

func (h *Hub) resolveDisplayName(ctx context.Context, userID string) string {
	name, err := h.directory.GetDisplayName(ctx, userID)
	if err != nil {
		h.logger.Warn("display name lookup failed", slog.String("userID", userID), slog.Any("error", err))
		return userID
	}
	if name == "" {
		return userID
	}
	return name
}

func (h *Hub) groupKey(resourceID string) string {
	return h.kind + ":" + resourceID
}

func (h *Hub) resourceID(group string) string {
	return strings.TrimPrefix(group, h.kind+":")
}

func isActivityEvent(event string) bool {
	_, ok := activityEvents[event]
	return ok
}
