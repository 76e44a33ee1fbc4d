// pkg/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WebSocketMessage struct {
	Type   string          `json:"type"`
	TaskID string          `json:"task_id,omitempty"`
	Status string          `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msg WebSocketMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// WebSocketHandler pushes a state frame whenever the task changes and
// answers pings.
func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ws := &wsConn{conn: conn}
	done := make(chan struct{})
	go h.readLoop(ws, done)

	ticker := time.NewTicker(h.pushInterval)
	defer ticker.Stop()

	var sent uint64
	first := true
	for {
		if v := h.controller.Version(); first || v != sent {
			if err := h.pushState(ws); err != nil {
				log.Debug().Err(err).Msg("state push failed")
				return
			}
			sent = v
			first = false
		}

		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (h *Handlers) readLoop(ws *wsConn, done chan<- struct{}) {
	defer close(done)
	for {
		var msg WebSocketMessage
		if err := ws.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "ping":
			ws.send(WebSocketMessage{Type: "pong"})
		default:
			ws.send(WebSocketMessage{
				Type:  "error",
				Error: "Unknown message type",
			})
		}
	}
}

func (h *Handlers) pushState(ws *wsConn) error {
	state := h.state()
	return ws.send(WebSocketMessage{
		Type:   "state",
		TaskID: state.ID,
		Status: string(state.Status),
		Data:   mustMarshal(state),
		Error:  state.DisplayError,
	})
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
