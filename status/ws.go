package status

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeJobEvents upgrades the request and streams the job's transitions
// as JSON frames until the client goes away or the subscription ends.
// The optional first event lets the handler push current state before any
// live transition arrives.
func ServeJobEvents(w http.ResponseWriter, r *http.Request, sub Subscriber, tenantID, jobID string, first *Event) {
	events, cancel, err := sub.Subscribe(tenantID, jobID)
	if err != nil {
		slog.Warn("status subscribe failed", "jobId", jobID, "err", err)
		http.Error(w, "subscribe failed", http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "jobId", jobID, "err", err)
		return
	}
	defer conn.Close()

	if first != nil {
		if err := conn.WriteJSON(first); err != nil {
			return
		}
	}

	// Read pump: we never expect client frames, but reading is the only
	// way to notice a closed connection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
