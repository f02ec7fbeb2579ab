package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Cademic/TableWorks-sub002/internal/presence"
)

// Identity is the (userID, display name) pair shown to other watchers,
// resolved once when the connection is admitted.
type Identity struct {
	UserID      string
	DisplayName string
}

// Session is the per-connection protocol endpoint. A connection holds one
// session per hub; the transport serializes message handling per connection,
// so session methods never race with themselves, only with other sessions
// on the shared registry and broadcaster.
type Session struct {
	conn          Sender
	hub           *Hub
	identity      Identity
	authenticated bool
	createdAt     time.Time

	logger *slog.Logger
}

// Join subscribes the connection to resourceID's group and registers its
// presence, after the access gate allows it. On success the caller receives
// a private watcher snapshot and everyone else a user_joined event, in that
// registration order so concurrent observers never miss the joiner entirely.
func (s *Session) Join(ctx context.Context, resourceID string) error {
	if !s.authenticated {
		return ErrUnauthenticated
	}

	// External I/O happens before any shared state is touched; no lock is
	// held across the gate call.
	allowed, err := s.hub.gate.HasReadAccess(ctx, s.identity.UserID, resourceID)
	if err != nil {
		return fmt.Errorf("access check for %s %q: %w", s.hub.kind, resourceID, err)
	}
	if !allowed {
		return ErrAccessDenied
	}
	group := s.hub.groupKey(resourceID)
	if !s.hub.registerIfLive(s, group) {
		// Disconnect swept this session while the check was in flight;
		// register nothing, or it would outlive its cleanup.
		return errSessionClosed
	}

	// Snapshot is taken after our own registration, then filtered so the
	// joiner never sees their own user in the list.
	watchers := s.hub.registry.Snapshot(group)
	others := make([]presence.Watcher, 0, len(watchers))
	for _, w := range watchers {
		if w.UserID != s.identity.UserID {
			others = append(others, w)
		}
	}
	s.send(EventPresenceList, PresenceList{ResourceID: resourceID, Watchers: others})

	s.hub.broadcaster.BroadcastExcluding(group, EventUserJoined, UserJoined{
		ResourceID:  resourceID,
		UserID:      s.identity.UserID,
		DisplayName: s.identity.DisplayName,
	}, s.conn.ID())

	s.logger.Info("joined resource", slog.String("resourceID", resourceID))
	return nil
}

// Leave unsubscribes the connection from resourceID and announces the
// departure if this was the user's last watching connection. Leaving a
// resource the connection never joined is a no-op.
func (s *Session) Leave(resourceID string) {
	group := s.hub.groupKey(resourceID)
	s.hub.broadcaster.Unsubscribe(group, s.conn.ID())

	if userID, announce := s.hub.registry.Leave(group, s.conn.ID()); announce {
		s.hub.broadcaster.Broadcast(group, EventUserLeft, UserLeft{ResourceID: resourceID, UserID: userID})
	}
}

// Activity relays an ephemeral payload (cursor position, item focus) to the
// rest of the group. Best-effort: unauthenticated senders are dropped
// silently, nothing is recorded in presence, nothing is retried.
func (s *Session) Activity(event, resourceID string, data json.RawMessage) {
	if !s.authenticated {
		s.logger.Debug("dropped activity from unauthenticated connection", slog.String("event", event))
		return
	}

	group := s.hub.groupKey(resourceID)
	s.hub.broadcaster.BroadcastExcluding(group, event, ActivityRelay{
		ResourceID: resourceID,
		UserID:     s.identity.UserID,
		Data:       data,
	}, s.conn.ID())
}

// Disconnect clears all transport subscriptions and presence for the
// connection and announces the departure to each group the user vacated.
// Idempotent and best-effort: it runs on abnormal closure too and must
// never block transport teardown.
func (s *Session) Disconnect() {
	s.hub.broadcaster.DropConnection(s.conn.ID())

	watched, vacated := s.hub.registry.RemoveAllForConnection(s.conn.ID())
	for _, group := range vacated {
		// The registry entry is already gone; the departure uses the
		// session's own resolved identity.
		s.hub.broadcaster.Broadcast(group, EventUserLeft, UserLeft{
			ResourceID: s.hub.resourceID(group),
			UserID:     s.identity.UserID,
		})
	}

	if len(watched) > 0 {
		s.logger.Info("disconnected", slog.Int("watched", len(watched)), slog.Int("vacated", len(vacated)))
	}
}

func (s *Session) send(event string, payload any) {
	msg, err := json.Marshal(ServerMessage{Event: event, Payload: payload})
	if err != nil {
		s.logger.Error("failed to marshal message", slog.String("event", event), slog.Any("error", err))
		return
	}
	s.conn.Send(msg)
}

func (s *Session) sendError(resourceID, code, message string) {
	s.send(EventError, ErrorPayload{ResourceID: resourceID, Code: code, Message: message})
}
