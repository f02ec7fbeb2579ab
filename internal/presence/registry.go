package presence

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Watcher is one deduplicated identity currently watching a resource.
type Watcher struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// entry is the live bookkeeping for one connection: the identity it presents
// and the set of group keys it watches. An entry exists iff the connection
// watches at least one group.
type entry struct {
	userID      string
	displayName string
	groups      map[string]struct{}
}

// Registry tracks which connections watch which resource groups and the
// identity shown for each. All state lives behind one mutex; none of the
// operations perform I/O, so the lock is only ever held for map mutation.
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	// inverse index: group key -> connections watching it
	watchers map[string]map[uuid.UUID]*entry

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entries:  make(map[uuid.UUID]*entry),
		watchers: make(map[string]map[uuid.UUID]*entry),
		logger:   logger.With(slog.String("component", "presence_registry")),
	}
}

// AddPresence records that connID watches group under the given identity.
// Idempotent: joining a group the connection already watches is a no-op
// beyond refreshing the identity.
func (r *Registry) AddPresence(group string, connID uuid.UUID, userID, displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		e = &entry{
			userID:      userID,
			displayName: displayName,
			groups:      make(map[string]struct{}),
		}
		r.entries[connID] = e
	}
	e.userID = userID
	e.displayName = displayName
	e.groups[group] = struct{}{}

	w, ok := r.watchers[group]
	if !ok {
		w = make(map[uuid.UUID]*entry)
		r.watchers[group] = w
	}
	w[connID] = e

	r.logger.Debug("presence added", slog.String("group", group), slog.String("connID", connID.String()), slog.String("userID", userID))
}

// Leave removes one group from a connection's watch set, deleting the entry
// entirely if the set empties. It reports the userID with announce=true only
// when the removed connection was that user's last watcher of the group, so
// callers can decide whether a "user left" event is due.
func (r *Registry) Leave(group string, connID uuid.UUID) (userID string, announce bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		return "", false
	}
	if _, watching := e.groups[group]; !watching {
		return "", false
	}

	delete(e.groups, group)
	if len(e.groups) == 0 {
		delete(r.entries, connID)
	}
	r.removeWatcher(group, connID)

	r.logger.Debug("presence removed", slog.String("group", group), slog.String("connID", connID.String()))
	return e.userID, !r.userWatchesLocked(group, e.userID)
}

// RemoveAllForConnection drops the connection's entry entirely. watched lists
// every group the connection was in; vacated is the subset where no other
// connection of the same user remains, i.e. the groups that should receive a
// departure announcement. Safe no-op for unknown connections.
func (r *Registry) RemoveAllForConnection(connID uuid.UUID) (watched, vacated []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		return nil, nil
	}
	delete(r.entries, connID)

	for group := range e.groups {
		watched = append(watched, group)
		r.removeWatcher(group, connID)
		if !r.userWatchesLocked(group, e.userID) {
			vacated = append(vacated, group)
		}
	}

	r.logger.Debug("presence cleared for connection", slog.String("connID", connID.String()), slog.Int("groups", len(watched)))
	return watched, vacated
}

// Snapshot returns the identities currently watching group, deduplicated by
// user. Two tabs of the same user contribute one watcher.
func (r *Registry) Snapshot(group string) []Watcher {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.watchers[group]
	if !ok {
		return nil
	}

	seen := make(map[string]struct{}, len(w))
	out := make([]Watcher, 0, len(w))
	for _, e := range w {
		if _, dup := seen[e.userID]; dup {
			continue
		}
		seen[e.userID] = struct{}{}
		out = append(out, Watcher{UserID: e.userID, DisplayName: e.displayName})
	}
	return out
}

// removeWatcher detaches connID from the inverse index, pruning the group's
// map when it empties. Caller must hold r.mu.
func (r *Registry) removeWatcher(group string, connID uuid.UUID) {
	w, ok := r.watchers[group]
	if !ok {
		return
	}
	delete(w, connID)
	if len(w) == 0 {
		delete(r.watchers, group)
	}
}

// userWatchesLocked reports whether any remaining connection of userID still
// watches group. Caller must hold r.mu.
func (r *Registry) userWatchesLocked(group, userID string) bool {
	for _, e := range r.watchers[group] {
		if e.userID == userID {
			return true
		}
	}
	return false
}
