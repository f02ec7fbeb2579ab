package notify

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"
)

// maxNotifyBody bounds the ingress body; change payloads are small.
const maxNotifyBody = 1 << 20

// NewHTTPHandler exposes Dispatch over HTTP for the CRUD application:
//
//	POST /internal/notify
//	X-Service-Token: <shared secret>
//	{"kind": "board", "resourceId": "...", "event": "note_updated", "id": "...", "entity": {...}}
//
// id and entity are optional, matching the typed notifier methods: deletions
// carry only an id, drawing updates only an entity.
//
// Responds 202 on acceptance; delivery itself stays fire-and-forget.
func NewHTTPHandler(n *Notifier, serviceToken string, logger *slog.Logger) http.Handler {
	logger = logger.With(slog.String("component", "notify_http"))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		token := r.Header.Get("X-Service-Token")
		if serviceToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(serviceToken)) != 1 {
			logger.Warn("notify request with bad service token", slog.String("remoteAddr", r.RemoteAddr))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxNotifyBody))
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		if !gjson.ValidBytes(body) {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		kind := gjson.GetBytes(body, "kind").String()
		resourceID := gjson.GetBytes(body, "resourceId").String()
		event := gjson.GetBytes(body, "event").String()

		if kind == "" || resourceID == "" || event == "" {
			http.Error(w, "kind, resourceId and event are required", http.StatusBadRequest)
			return
		}

		entityID := gjson.GetBytes(body, "id").String()

		// A nil RawMessage stays absent from the envelope via omitempty.
		var entity json.RawMessage
		if raw := gjson.GetBytes(body, "entity").Raw; raw != "" {
			entity = json.RawMessage(raw)
		}

		if err := n.Dispatch(kind, resourceID, event, entityID, entity); err != nil {
			logger.Warn("rejected notify request", slog.String("event", event), slog.Any("error", err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})
}
