// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// SSEServer pushes journal events to subscribers over Server-Sent Events.
type SSEServer struct {
	journal JournalSource
}

// NewSSEServer creates an SSE server backed by journal.
func NewSSEServer(journal JournalSource) *SSEServer {
	return &SSEServer{journal: journal}
}

// SSEEvent is a single Server-Sent Event.
type SSEEvent struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data"`
	Retry int    `json:"retry,omitempty"`
}

// HandleSSE streams journal events starting after the sequence number
// given by the "since" query parameter or, if absent, the Last-Event-ID
// header sent automatically by an EventSource reconnecting after a drop.
func (sse *SSEServer) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	since, err := sse.parseCursor(r)
	if err != nil {
		sse.writeSSEEvent(w, flusher, SSEEvent{
			Event: "error",
			Data:  map[string]string{"error": err.Error()},
		})
		return
	}

	ctx := r.Context()

	events, err := sse.journal.Subscribe(ctx, since)
	if err != nil {
		sse.writeSSEEvent(w, flusher, SSEEvent{
			Event: "error",
			Data:  map[string]string{"error": "failed to subscribe to journal: " + err.Error()},
		})
		return
	}

	sse.writeSSEEvent(w, flusher, SSEEvent{
		Event: "connected",
		Data:  map[string]string{"status": "connected"},
	})

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				sse.writeSSEEvent(w, flusher, SSEEvent{
					Event: "stream_closed",
					Data:  map[string]string{"status": "closed"},
				})
				return
			}

			sse.writeSSEEvent(w, flusher, SSEEvent{
				ID:    strconv.FormatUint(ev.Seq, 10),
				Event: "journal_event",
				Data:  ev,
			})
		}
	}
}

// parseCursor prefers an explicit "since" query parameter, falling back
// to the Last-Event-ID header an EventSource sends on reconnect.
func (sse *SSEServer) parseCursor(r *http.Request) (uint64, error) {
	if raw := r.URL.Query().Get("since"); raw != "" {
		return strconv.ParseUint(raw, 10, 64)
	}
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		return strconv.ParseUint(raw, 10, 64)
	}
	return 0, nil
}

func (sse *SSEServer) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event SSEEvent) {
	if event.ID != "" {
		fmt.Fprintf(w, "id: %s\n", event.ID)
	}
	if event.Event != "" {
		fmt.Fprintf(w, "event: %s\n", event.Event)
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		fmt.Fprintf(w, "data: {\"error\": \"failed to marshal data\"}\n")
	} else {
		fmt.Fprintf(w, "data: %s\n", string(data))
	}

	if event.Retry > 0 {
		fmt.Fprintf(w, "retry: %d\n", event.Retry)
	}

	fmt.Fprintf(w, "\n")
	flusher.Flush()
}
