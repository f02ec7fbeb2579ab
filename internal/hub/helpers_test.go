package hub_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/Cademic/TableWorks-sub002/internal/hub"
)

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// envelope mirrors the outbound wire shape for assertions.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// fakeConn is an in-memory Sender that records everything delivered to it.
type fakeConn struct {
	id uuid.UUID

	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.New()}
}

func (c *fakeConn) ID() uuid.UUID { return c.id }

func (c *fakeConn) Send(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *fakeConn) Close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// received decodes every message delivered so far.
func (c *fakeConn) received(t *testing.T) []envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]envelope, 0, len(c.messages))
	for _, msg := range c.messages {
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("Delivered message is not a valid envelope: %v (%s)", err, msg)
		}
		out = append(out, env)
	}
	return out
}

// eventsNamed filters delivered envelopes by event name.
func (c *fakeConn) eventsNamed(t *testing.T, name string) []envelope {
	t.Helper()
	var out []envelope
	for _, env := range c.received(t) {
		if env.Event == name {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// fakeGate allows (userID, resourceID) pairs registered via allowRead.
// afterCheck, when set, runs after the lookup and before the result is
// returned, standing in for work the caller does during the gate's I/O.
type fakeGate struct {
	mu         sync.Mutex
	allow      map[string]bool
	err        error
	afterCheck func()
}

func newFakeGate() *fakeGate {
	return &fakeGate{allow: make(map[string]bool)}
}

func (g *fakeGate) allowRead(userID, resourceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allow[userID+"/"+resourceID] = true
}

func (g *fakeGate) HasReadAccess(ctx context.Context, userID, resourceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	g.mu.Lock()
	allowed, err := g.allow[userID+"/"+resourceID], g.err
	hook := g.afterCheck
	g.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// fakeDirectory resolves display names from a fixed map; unknown users
// resolve to nothing, exercising the raw-id fallback.
type fakeDirectory struct {
	names map[string]string
	err   error
}

func (d *fakeDirectory) GetDisplayName(_ context.Context, userID string) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	return d.names[userID], nil
}

func newTestHub(gate *fakeGate) *hub.Hub {
	dir := &fakeDirectory{names: map[string]string{
		"alice": "Alice",
		"bob":   "Bob",
		"carol": "Carol",
	}}
	return hub.New(hub.KindBoard, gate, dir, newTestLogger())
}

func joinMsg(resourceID string) []byte {
	return []byte(fmt.Sprintf(`{"event":"join","payload":{"resourceId":%q}}`, resourceID))
}

func leaveMsg(resourceID string) []byte {
	return []byte(fmt.Sprintf(`{"event":"leave","payload":{"resourceId":%q}}`, resourceID))
}

// join connects userID over a fresh fake connection and processes a join for
// resourceID, failing the test unless the join produced a presence list.
func join(t *testing.T, h *hub.Hub, userID, resourceID string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	h.Connect(context.Background(), conn, userID)
	h.HandleMessage(context.Background(), conn.ID(), joinMsg(resourceID))
	if got := conn.eventsNamed(t, "presence_list"); len(got) != 1 {
		t.Fatalf("Expected exactly one presence_list after join, got %d (all: %+v)", len(got), conn.received(t))
	}
	return conn
}

func presenceListUsers(t *testing.T, env envelope) map[string]string {
	t.Helper()
	var payload struct {
		ResourceID string `json:"resourceId"`
		Watchers   []struct {
			UserID      string `json:"userId"`
			DisplayName string `json:"displayName"`
		} `json:"watchers"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("Failed to decode presence_list payload: %v", err)
	}
	users := make(map[string]string)
	for _, w := range payload.Watchers {
		users[w.UserID] = w.DisplayName
	}
	return users
}
