// Package notify is the entry point for committed-change notifications. The
// CRUD services call it after a write lands; it pushes the change to every
// live watcher of the affected resource. All of it is fire-and-forget: a
// notification with zero subscribers is a no-op, and no failure here may
// ever surface back to the data mutation that triggered it.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Cademic/TableWorks-sub002/internal/hub"
)

// Change events delivered to board groups.
const (
	EventNoteAdded   = "note_added"
	EventNoteUpdated = "note_updated"
	EventNoteDeleted = "note_deleted"

	EventIndexCardAdded   = "index_card_added"
	EventIndexCardUpdated = "index_card_updated"
	EventIndexCardDeleted = "index_card_deleted"

	EventImageCardAdded   = "image_card_added"
	EventImageCardDeleted = "image_card_deleted"

	EventCardConnectionAdded   = "card_connection_added"
	EventCardConnectionDeleted = "card_connection_deleted"

	EventDrawingUpdated = "drawing_updated"
)

// Change events delivered to notebook groups.
const (
	EventNotebookContentUpdated = "notebook_content_updated"
)

var boardEvents = map[string]struct{}{
	EventNoteAdded:             {},
	EventNoteUpdated:           {},
	EventNoteDeleted:           {},
	EventIndexCardAdded:        {},
	EventIndexCardUpdated:      {},
	EventIndexCardDeleted:      {},
	EventImageCardAdded:        {},
	EventImageCardDeleted:      {},
	EventCardConnectionAdded:   {},
	EventCardConnectionDeleted: {},
	EventDrawingUpdated:        {},
}

var notebookEvents = map[string]struct{}{
	EventNotebookContentUpdated: {},
}

// ChangeEvent is the payload watchers receive: the resource the change
// happened on, the changed entity's id, and optionally the entity itself so
// clients can apply the change without a refetch.
type ChangeEvent struct {
	ResourceID string          `json:"resourceId"`
	ID         string          `json:"id,omitempty"`
	Entity     json.RawMessage `json:"entity,omitempty"`
}

type Notifier struct {
	boards    *hub.Hub
	notebooks *hub.Hub
	logger    *slog.Logger
}

func New(boards, notebooks *hub.Hub, logger *slog.Logger) *Notifier {
	return &Notifier{
		boards:    boards,
		notebooks: notebooks,
		logger:    logger.With(slog.String("component", "notifier")),
	}
}

func (n *Notifier) NoteAdded(boardID, noteID string, note json.RawMessage) {
	n.board(boardID, EventNoteAdded, ChangeEvent{ResourceID: boardID, ID: noteID, Entity: note})
}

func (n *Notifier) NoteUpdated(boardID, noteID string, note json.RawMessage) {
	n.board(boardID, EventNoteUpdated, ChangeEvent{ResourceID: boardID, ID: noteID, Entity: note})
}

func (n *Notifier) NoteDeleted(boardID, noteID string) {
	n.board(boardID, EventNoteDeleted, ChangeEvent{ResourceID: boardID, ID: noteID})
}

func (n *Notifier) IndexCardAdded(boardID, cardID string, card json.RawMessage) {
	n.board(boardID, EventIndexCardAdded, ChangeEvent{ResourceID: boardID, ID: cardID, Entity: card})
}

func (n *Notifier) IndexCardUpdated(boardID, cardID string, card json.RawMessage) {
	n.board(boardID, EventIndexCardUpdated, ChangeEvent{ResourceID: boardID, ID: cardID, Entity: card})
}

func (n *Notifier) IndexCardDeleted(boardID, cardID string) {
	n.board(boardID, EventIndexCardDeleted, ChangeEvent{ResourceID: boardID, ID: cardID})
}

func (n *Notifier) ImageCardAdded(boardID, cardID string, card json.RawMessage) {
	n.board(boardID, EventImageCardAdded, ChangeEvent{ResourceID: boardID, ID: cardID, Entity: card})
}

func (n *Notifier) ImageCardDeleted(boardID, cardID string) {
	n.board(boardID, EventImageCardDeleted, ChangeEvent{ResourceID: boardID, ID: cardID})
}

func (n *Notifier) CardConnectionAdded(boardID, connectionID string, connection json.RawMessage) {
	n.board(boardID, EventCardConnectionAdded, ChangeEvent{ResourceID: boardID, ID: connectionID, Entity: connection})
}

func (n *Notifier) CardConnectionDeleted(boardID, connectionID string) {
	n.board(boardID, EventCardConnectionDeleted, ChangeEvent{ResourceID: boardID, ID: connectionID})
}

// DrawingUpdated announces a change to the board's freehand drawing layer,
// which is board-scoped rather than card-scoped.
func (n *Notifier) DrawingUpdated(boardID string, drawing json.RawMessage) {
	n.board(boardID, EventDrawingUpdated, ChangeEvent{ResourceID: boardID, Entity: drawing})
}

func (n *Notifier) NotebookContentUpdated(notebookID, noteID string) {
	n.notebooks.Notify(notebookID, EventNotebookContentUpdated, ChangeEvent{ResourceID: notebookID, ID: noteID})
}

// Dispatch routes a change notification by hub kind, for out-of-process
// callers. Unlike the typed methods it validates the event name, since the
// caller is on the far side of an HTTP boundary. Watchers receive the same
// ChangeEvent envelope the typed methods produce.
func (n *Notifier) Dispatch(kind, resourceID, event, entityID string, entity json.RawMessage) error {
	ev := ChangeEvent{ResourceID: resourceID, ID: entityID, Entity: entity}
	switch kind {
	case hub.KindBoard:
		if _, ok := boardEvents[event]; !ok {
			return fmt.Errorf("unknown board change event %q", event)
		}
		n.boards.Notify(resourceID, event, ev)
	case hub.KindNotebook:
		if _, ok := notebookEvents[event]; !ok {
			return fmt.Errorf("unknown notebook change event %q", event)
		}
		n.notebooks.Notify(resourceID, event, ev)
	default:
		return fmt.Errorf("unknown hub kind %q", kind)
	}
	return nil
}

func (n *Notifier) board(boardID, event string, payload ChangeEvent) {
	n.boards.Notify(boardID, event, payload)
}
