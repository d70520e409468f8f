// Package realtime exposes the backend change feed over WebSocket so
// remote clients get the same insert/update/delete stream the in-process
// router consumes. One connection carries one (table, filter)
// subscription; reads are ignored apart from keepalive.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"social/internal/backend"
	"social/internal/gateway"
	"social/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, restrict to configured origins.
		return true
	},
}

type Handler struct {
	Backend *backend.Backend
	log     *slog.Logger
}

func NewHandler(b *backend.Backend, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{Backend: b, log: log}
}

// wireEvent is the JSON frame sent per change.
type wireEvent struct {
	Kind   gateway.EventKind `json:"kind"`
	Table  models.Kind       `json:"table"`
	Record any               `json:"record"`
}

// ServeHTTP upgrades GET /realtime?token=...&table=...&field=...&value=...
// to a WebSocket and streams matching change events until either side
// goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if _, err := h.Backend.Authenticate(r.Context(), token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	table := models.Kind(r.URL.Query().Get("table"))
	if table == "" {
		http.Error(w, "missing table", http.StatusBadRequest)
		return
	}
	var filter gateway.Filter
	if field := r.URL.Query().Get("field"); field != "" {
		filter = gateway.Eq(field, r.URL.Query().Get("value"))
	}
	sub, err := h.Backend.Subscribe(r.Context(), table, filter)
	if err != nil {
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		return
	}
	go h.readPump(conn, sub)
	h.writePump(conn, sub, table)
}

func (h *Handler) readPump(conn *websocket.Conn, sub gateway.Subscription) {
	defer sub.Cancel()
	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, sub gateway.Subscription, table models.Kind) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Cancel()
		conn.Close()
	}()
	for {
		select {
		case ev, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			frame, err := json.Marshal(wireEvent{Kind: ev.Kind, Table: table, Record: ev.Entity})
			if err != nil {
				h.log.Warn("realtime: marshal event failed", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
