package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	logsWriteWait  = 10 * time.Second
	logsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLogs streams log lines as they are written: as websocket text
// messages when the client asks for an upgrade, otherwise as a chunked
// text/plain response flushed per line.
func (s *APIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.streamLogsWS(w, r)
		return
	}
	s.streamLogsHTTP(w, r)
}

func (s *APIServer) streamLogsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket.Upgrade", slog.Any("error", err))
		return
	}
	defer conn.Close()

	lines := s.logBroadcaster.Subscribe()
	defer s.logBroadcaster.Unsubscribe(lines)

	// the client never sends anything; reading only notices the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(logsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(logsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(logsWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (s *APIServer) streamLogsHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	lines := s.logBroadcaster.Subscribe()
	defer s.logBroadcaster.Unsubscribe(lines)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if _, err := w.Write(line); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
