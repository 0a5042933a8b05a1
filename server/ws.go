package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer; the stream is one-way, clients
	// only send control frames
	maxMessageSize = 4 * 1024
)

// HandleJobStream handles /ws/jobs: a one-way WebSocket stream of job
// snapshots, pushed on every state change (acquire, start, progress,
// release, stale reclaim).
func (s *Server) HandleJobStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed",
			"remote", r.RemoteAddr,
			"error", err,
		)
		return
	}

	sub := s.locks.Subscribe()
	s.logger.Debugw("Job stream connected", "remote", r.RemoteAddr)

	// readPump: the stream is one-way, but we must drain control frames and
	// notice the close. Closing done terminates the write loop.
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)

		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure,
					websocket.CloseNoStatusReceived,
				) {
					s.logger.Warnw("Job stream read error",
						"remote", r.RemoteAddr,
						"error", err,
					)
				}
				return
			}
		}
	}()

	// writePump runs on the handler goroutine; the HTTP server keeps the
	// connection alive until we return.
	defer func() {
		s.locks.Unsubscribe(sub)
		conn.Close()
		s.logger.Debugw("Job stream disconnected", "remote", r.RemoteAddr)
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case j := <-sub:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(map[string]interface{}{
				"type": "job_update",
				"job":  j,
			}); err != nil {
				s.logger.Debugw("Job stream write error",
					"remote", r.RemoteAddr,
					"error", err,
				)
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
