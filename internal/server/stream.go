package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"tdva/internal/deploy"
)

const (
	streamBuffer     = 64
	streamWriteLimit = 10 * time.Second
)

// streamMessage is one websocket frame: the update kind plus the snapshot and
// its progress percentage.
type streamMessage struct {
	Kind     deploy.UpdateKind `json:"kind"`
	StepID   string            `json:"step_id,omitempty"`
	Progress int               `json:"progress"`
	Snapshot deploy.Snapshot   `json:"snapshot"`
}

type streamHandler struct {
	registry *deploy.Registry
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func newStreamHandler(reg *deploy.Registry, logger *slog.Logger) *streamHandler {
	return &streamHandler{
		registry: reg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger,
	}
}

// ServeHTTP upgrades the connection, sends the current snapshot and then every
// update of the run until the client goes away. Slow clients drop frames
// rather than block the orchestrator.
func (h *streamHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	o, ok := h.registry.Get(id)
	if !ok {
		respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "deployment not found", map[string]any{"id": id}))
		return
	}
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	// Subscribe before reading the snapshot so no transition falls between
	// the two; frames queued meanwhile that predate the snapshot are skipped.
	out := make(chan streamMessage, streamBuffer)
	cancel := h.registry.Subscribe(id, func(u deploy.Update) {
		msg := streamMessage{Kind: u.Kind, StepID: u.StepID, Progress: h.registry.Progress(u.Snapshot), Snapshot: u.Snapshot}
		select {
		case out <- msg:
		default:
			h.log.Warn("stream client too slow, dropping update", "run_id", id, "kind", u.Kind)
		}
	})
	snap := o.Snapshot()
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteLimit))
	if err := conn.WriteJSON(streamMessage{Kind: "snapshot", Progress: h.registry.Progress(snap), Snapshot: snap}); err != nil {
		cancel()
		_ = conn.Close()
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		cancel()
		_ = conn.Close()
	}()
	for {
		select {
		case <-done:
			return
		case msg := <-out:
			if msg.Snapshot.UpdatedAt.Before(snap.UpdatedAt) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteLimit))
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Warn("websocket send failed", "run_id", id, "error", err)
				return
			}
		}
	}
}
