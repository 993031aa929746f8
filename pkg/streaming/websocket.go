// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package streaming pushes Journal events (internal/journal, SPEC_FULL
// §3 C12) to subscribers over a websocket or Server-Sent Events, each
// supporting a replay cursor so a reconnecting subscriber receives only
// the suffix of events it missed.
package streaming

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// JournalEvent is a single posted event, as broadcast by internal/journal.
type JournalEvent struct {
	Seq       uint64    `json:"seq"`
	JobID     uint64    `json:"job_id"`
	Name      string    `json:"name"`
	Context   any       `json:"context,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JournalSource is the subset of internal/journal's broadcaster this
// package depends on. Subscribe returns events with Seq > since; since=0
// means "from the start of the ring buffer," not a full KVS replay.
type JournalSource interface {
	Subscribe(ctx context.Context, since uint64) (<-chan JournalEvent, error)
}

// WebSocketServer pushes journal events to subscribers over a websocket.
type WebSocketServer struct {
	journal  JournalSource
	upgrader websocket.Upgrader
}

// NewWebSocketServer creates a websocket server backed by journal.
func NewWebSocketServer(journal JournalSource) *WebSocketServer {
	return &WebSocketServer{
		journal: journal,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// StreamMessage is a single message sent over the websocket.
type StreamMessage struct {
	Type      string        `json:"type"`
	Event     *JournalEvent `json:"event,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// HandleWebSocket upgrades the connection and streams journal events
// starting after the sequence number in the "since" query parameter
// (default 0).
func (ws *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("websocket close error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go ws.watchForClose(conn, cancel)

	events, err := ws.journal.Subscribe(ctx, since)
	if err != nil {
		ws.sendMessage(conn, StreamMessage{
			Type:      "error",
			Error:     "failed to subscribe to journal: " + err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	ws.streamEvents(ctx, conn, events)
}

// watchForClose discards client-initiated messages but treats any read
// error (including the client closing the connection) as a signal to
// stop streaming.
func (ws *WebSocketServer) watchForClose(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket error: %v", err)
			}
			return
		}
	}
}

func (ws *WebSocketServer) streamEvents(ctx context.Context, conn *websocket.Conn, events <-chan JournalEvent) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				ws.sendMessage(conn, StreamMessage{
					Type:      "stream_closed",
					Timestamp: time.Now(),
				})
				return
			}
			ev := ev
			ws.sendMessage(conn, StreamMessage{
				Type:      "event",
				Event:     &ev,
				Timestamp: time.Now(),
			})
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("websocket ping error: %v", err)
				return
			}
		}
	}
}

func (ws *WebSocketServer) sendMessage(conn *websocket.Conn, msg StreamMessage) {
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("websocket write error: %v", err)
	}
}

func parseSince(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
