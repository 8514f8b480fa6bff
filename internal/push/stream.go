package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const pingInterval = 20 * time.Second

// ServeSSE streams userID's events as server-sent events until the client
// goes away.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := h.Subscribe(userID)
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, encode(event))
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

// ServeWS upgrades the request and writes userID's events as JSON text
// frames. Client frames are ignored.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string, logger *slog.Logger) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	ch, unsubscribe := h.Subscribe(userID)
	defer unsubscribe()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "hub closed")
				return
			}
			if err := writeFrame(ctx, conn, encode(event)); err != nil {
				logger.Debug("websocket write failed", "user", userID, "error", err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
