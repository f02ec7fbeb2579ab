package notify_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Cademic/TableWorks-sub002/internal/hub"
	"github.com/Cademic/TableWorks-sub002/internal/notify"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeConn struct {
	id       uuid.UUID
	mu       sync.Mutex
	messages [][]byte
}

func newFakeConn() *fakeConn { return &fakeConn{id: uuid.New()} }

func (c *fakeConn) ID() uuid.UUID { return c.id }

func (c *fakeConn) Send(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *fakeConn) Close(err error) {}

func (c *fakeConn) last(t *testing.T) (event string, payload []byte) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		t.Fatal("Expected a delivered message, got none")
	}
	msg := c.messages[len(c.messages)-1]
	var env struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("Delivered message is not a valid envelope: %v", err)
	}
	return env.Event, env.Payload
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

type openGate struct{}

func (openGate) HasReadAccess(context.Context, string, string) (bool, error) { return true, nil }

type emptyDirectory struct{}

func (emptyDirectory) GetDisplayName(context.Context, string) (string, error) { return "", nil }

// setup builds a board and notebook hub with one watcher each.
func setup(t *testing.T) (*notify.Notifier, *fakeConn, *fakeConn) {
	t.Helper()
	logger := newTestLogger()
	boards := hub.New(hub.KindBoard, openGate{}, emptyDirectory{}, logger)
	notebooks := hub.New(hub.KindNotebook, openGate{}, emptyDirectory{}, logger)

	boardWatcher := joinWatcher(t, boards, "watcher-1", "b1")
	notebookWatcher := joinWatcher(t, notebooks, "watcher-2", "nb1")

	return notify.New(boards, notebooks, logger), boardWatcher, notebookWatcher
}

func joinWatcher(t *testing.T, h *hub.Hub, userID, resourceID string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	h.Connect(context.Background(), conn, userID)
	msg := fmt.Sprintf(`{"event":"join","payload":{"resourceId":%q}}`, resourceID)
	h.HandleMessage(context.Background(), conn.ID(), []byte(msg))
	if conn.count() != 1 {
		t.Fatalf("Watcher join did not produce a presence list (got %d messages)", conn.count())
	}
	return conn
}

func TestNoteAddedReachesBoardWatchers(t *testing.T) {
	n, watcher, _ := setup(t)

	n.NoteAdded("b1", "n1", json.RawMessage(`{"id":"n1","text":"hello"}`))

	event, payload := watcher.last(t)
	if event != notify.EventNoteAdded {
		t.Fatalf("Expected %s, got %s", notify.EventNoteAdded, event)
	}
	if got := gjson.GetBytes(payload, "resourceId").String(); got != "b1" {
		t.Errorf("Expected resourceId b1, got %q", got)
	}
	if got := gjson.GetBytes(payload, "id").String(); got != "n1" {
		t.Errorf("Expected entity id n1, got %q", got)
	}
	if got := gjson.GetBytes(payload, "entity.text").String(); got != "hello" {
		t.Errorf("Expected full entity in payload, got %q", got)
	}
}

func TestDeletionCarriesNoEntity(t *testing.T) {
	n, watcher, _ := setup(t)

	n.NoteDeleted("b1", "n9")

	event, payload := watcher.last(t)
	if event != notify.EventNoteDeleted {
		t.Fatalf("Expected %s, got %s", notify.EventNoteDeleted, event)
	}
	if gjson.GetBytes(payload, "entity").Exists() {
		t.Errorf("Deletion payload should omit the entity: %s", payload)
	}
}

func TestNotebookContentUpdatedStaysOffBoards(t *testing.T) {
	n, boardWatcher, notebookWatcher := setup(t)
	before := boardWatcher.count()

	n.NotebookContentUpdated("nb1", "note-3")

	event, payload := notebookWatcher.last(t)
	if event != notify.EventNotebookContentUpdated {
		t.Fatalf("Expected %s, got %s", notify.EventNotebookContentUpdated, event)
	}
	if got := gjson.GetBytes(payload, "resourceId").String(); got != "nb1" {
		t.Errorf("Expected resourceId nb1, got %q", got)
	}
	if boardWatcher.count() != before {
		t.Error("Notebook change leaked to a board group")
	}
}

func TestNotifyWithZeroWatchersIsNoop(t *testing.T) {
	n, _, _ := setup(t)

	// Nobody watches b-empty; the CRUD write must not care.
	n.NoteUpdated("b-empty", "n1", nil)
	n.DrawingUpdated("b-empty", json.RawMessage(`{"strokes":[]}`))
}

func TestDispatchValidatesEventNames(t *testing.T) {
	n, watcher, _ := setup(t)

	if err := n.Dispatch("board", "b1", "not_a_change_event", "", nil); err == nil {
		t.Error("Expected unknown event to be rejected")
	}
	if err := n.Dispatch("folder", "b1", notify.EventNoteAdded, "", nil); err == nil {
		t.Error("Expected unknown kind to be rejected")
	}
	if err := n.Dispatch("board", "b1", notify.EventNotebookContentUpdated, "", nil); err == nil {
		t.Error("Expected notebook event on board kind to be rejected")
	}

	before := watcher.count()
	card := json.RawMessage(`{"id":"c4","title":"retro"}`)
	if err := n.Dispatch("board", "b1", notify.EventIndexCardUpdated, "c4", card); err != nil {
		t.Fatalf("Valid dispatch failed: %v", err)
	}
	if watcher.count() != before+1 {
		t.Fatal("Valid dispatch did not reach the watcher")
	}

	// Dispatched changes wear the same envelope as the typed methods.
	event, payload := watcher.last(t)
	if event != notify.EventIndexCardUpdated {
		t.Fatalf("Expected %s, got %s", notify.EventIndexCardUpdated, event)
	}
	if got := gjson.GetBytes(payload, "resourceId").String(); got != "b1" {
		t.Errorf("Expected resourceId b1, got %q", got)
	}
	if got := gjson.GetBytes(payload, "id").String(); got != "c4" {
		t.Errorf("Expected entity id c4, got %q", got)
	}
	if got := gjson.GetBytes(payload, "entity.title").String(); got != "retro" {
		t.Errorf("Expected full entity in payload, got %s", payload)
	}
}

func TestHTTPHandlerAuthAndDispatch(t *testing.T) {
	n, watcher, _ := setup(t)
	handler := notify.NewHTTPHandler(n, "shh-token", newTestLogger())

	post := func(token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/internal/notify", strings.NewReader(body))
		if token != "" {
			req.Header.Set("X-Service-Token", token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := post("", `{}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}
	if rec := post("wrong", `{}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong token, got %d", rec.Code)
	}
	if rec := post("shh-token", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid JSON, got %d", rec.Code)
	}
	if rec := post("shh-token", `{"kind":"board","event":"note_added"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing resourceId, got %d", rec.Code)
	}
	if rec := post("shh-token", `{"kind":"board","resourceId":"b1","event":"bogus"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown event, got %d", rec.Code)
	}

	before := watcher.count()
	body := `{"kind":"board","resourceId":"b1","event":"note_updated","id":"n2","entity":{"id":"n2","text":"edited"}}`
	if rec := post("shh-token", body); rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 for valid notify, got %d: %s", rec.Code, rec.Body.String())
	}
	if watcher.count() != before+1 {
		t.Fatal("Accepted notify did not reach the watcher")
	}
	event, payload := watcher.last(t)
	if event != notify.EventNoteUpdated {
		t.Errorf("Expected %s, got %s", notify.EventNoteUpdated, event)
	}
	if got := gjson.GetBytes(payload, "resourceId").String(); got != "b1" {
		t.Errorf("Expected resourceId b1, got %q", got)
	}
	if got := gjson.GetBytes(payload, "id").String(); got != "n2" {
		t.Errorf("Expected entity id n2, got %q", got)
	}
	if got := gjson.GetBytes(payload, "entity.text").String(); got != "edited" {
		t.Errorf("Expected full entity in payload, got %s", payload)
	}

	// Deletions carry only an id; the entity field must stay absent rather
	// than arriving as JSON null.
	delBody := `{"kind":"board","resourceId":"b1","event":"note_deleted","id":"n2"}`
	if rec := post("shh-token", delBody); rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 for deletion notify, got %d", rec.Code)
	}
	event, payload = watcher.last(t)
	if event != notify.EventNoteDeleted {
		t.Errorf("Expected %s, got %s", notify.EventNoteDeleted, event)
	}
	if gjson.GetBytes(payload, "entity").Exists() {
		t.Errorf("Deletion payload should omit the entity: %s", payload)
	}

	req := httptest.NewRequest(http.MethodGet, "/internal/notify", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", rec.Code)
	}
}
