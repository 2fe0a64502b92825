package httpstatus

import (
	"encoding/json"
	"fmt"
	"net/http"

	"battleye-rcon/battleye"
)

// wireEvent is the JSON shape an SSE client receives for one
// battleye.Event — a flattened, string-ified view, since the engine's
// Event carries Go error values and a back-reference to the Connection
// that an SSE payload has no use for.
type wireEvent struct {
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	Resolved bool   `json:"resolved,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Err      string `json:"error,omitempty"`
	Remote   string `json:"remote,omitempty"`
	Bytes    int    `json:"bytes,omitempty"`
}

func kindName(k battleye.EventKind) string {
	switch k {
	case battleye.EventMessage:
		return "message"
	case battleye.EventCommand:
		return "command"
	case battleye.EventConnected:
		return "connected"
	case battleye.EventDisconnected:
		return "disconnected"
	case battleye.EventDebug:
		return "debug"
	case battleye.EventError:
		return "error"
	case battleye.EventListening:
		return "listening"
	case battleye.EventReceived:
		return "received"
	case battleye.EventSent:
		return "sent"
	default:
		return "unknown"
	}
}

func toWire(ev battleye.Event) wireEvent {
	w := wireEvent{
		Kind:     kindName(ev.Kind),
		Text:     ev.Text,
		Resolved: ev.Resolved,
		Remote:   ev.Remote,
		Bytes:    ev.Bytes,
	}
	if ev.Reason != nil {
		w.Reason = ev.Reason.Error()
	}
	if ev.Err != nil {
		w.Err = ev.Err.Error()
	}
	return w
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev battleye.Event) {
	data, err := json.Marshal(toWire(ev))
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// handleEvents streams a Connection's message/command/connection-
// lifecycle events as Server-Sent Events, replaying its recent buffer
// first so a client that just opened the stream isn't starting cold.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.lookupConnection(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", conn.ID())
	flusher.Flush()

	for _, ev := range conn.RecentEvents() {
		writeEvent(w, flusher, ev)
	}

	ch := conn.Subscribe(16)
	defer conn.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, flusher, ev)
		}
	}
}
