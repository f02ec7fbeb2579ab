package hub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Sender is the transport-level handle the broadcaster delivers to. A
// *transport.Connection satisfies it.
type Sender interface {
	ID() uuid.UUID
	Send(message []byte)
	Close(err error)
}

// Broadcaster fans named events out to a group's current subscribers.
// Subscription state is transport-layer membership, kept deliberately
// separate from the presence registry's identity tracking: CRUD change
// notifications travel through here without ever touching presence.
type Broadcaster struct {
	mu     sync.RWMutex
	groups map[string]map[uuid.UUID]Sender
	// inverse index: connection -> groups it is subscribed to
	subs map[uuid.UUID]map[string]struct{}

	logger *slog.Logger
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		groups: make(map[string]map[uuid.UUID]Sender),
		subs:   make(map[uuid.UUID]map[string]struct{}),
		logger: logger.With(slog.String("component", "broadcaster")),
	}
}

func (b *Broadcaster) Subscribe(group string, s Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[group]
	if !ok {
		g = make(map[uuid.UUID]Sender)
		b.groups[group] = g
	}
	g[s.ID()] = s

	memberships, ok := b.subs[s.ID()]
	if !ok {
		memberships = make(map[string]struct{})
		b.subs[s.ID()] = memberships
	}
	memberships[group] = struct{}{}
}

func (b *Broadcaster) Unsubscribe(group string, connID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(group, connID)
}

// DropConnection removes the connection from every group it subscribed to.
// Safe no-op for unknown connections.
func (b *Broadcaster) DropConnection(connID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for group := range b.subs[connID] {
		b.unsubscribeLocked(group, connID)
	}
}

// Broadcast sends event to every subscriber of group. Fire-and-forget: an
// empty or unknown group is a no-op, and one unreachable subscriber never
// blocks delivery to the rest.
func (b *Broadcaster) Broadcast(group, event string, payload any) {
	b.deliver(group, event, payload, uuid.Nil)
}

// BroadcastExcluding sends event to every subscriber of group except
// excluded, for self-exclusion on joins and activity relays.
func (b *Broadcaster) BroadcastExcluding(group, event string, payload any, excluded uuid.UUID) {
	b.deliver(group, event, payload, excluded)
}

func (b *Broadcaster) deliver(group, event string, payload any, excluded uuid.UUID) {
	msg, err := json.Marshal(ServerMessage{Event: event, Payload: payload})
	if err != nil {
		b.logger.Error("failed to marshal broadcast", slog.String("event", event), slog.Any("error", err))
		return
	}

	b.mu.RLock()
	targets := make([]Sender, 0, len(b.groups[group]))
	for id, s := range b.groups[group] {
		if id == excluded {
			continue
		}
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	// Send outside the lock; Sender.Send must not block indefinitely.
	for _, s := range targets {
		s.Send(msg)
	}
}

func (b *Broadcaster) unsubscribeLocked(group string, connID uuid.UUID) {
	if g, ok := b.groups[group]; ok {
		delete(g, connID)
		if len(g) == 0 {
			delete(b.groups, group)
		}
	}
	if memberships, ok := b.subs[connID]; ok {
		delete(memberships, group)
		if len(memberships) == 0 {
			delete(b.subs, connID)
		}
	}
}
