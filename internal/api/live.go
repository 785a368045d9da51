package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/uwb.report/internal/telemetry"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed is read-only diagnostics served on the local network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLive streams telemetry records as JSON text frames. The latest record
// is sent first, then every published record. A client that falls behind
// loses records rather than slowing the publisher.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.pub == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "no telemetry publisher")
		return
	}
	u, err := s.requestUnits(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Subscribe before the handshake completes so no record published after
	// the client connects is missed.
	id, records := s.pub.Subscribe(telemetry.DefaultSubscriberBuffer)
	defer s.pub.Unsubscribe(id)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Reading is required to process pongs and notice disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var sent bool
	var lastSeq uint64
	send := func(rec telemetry.Record) bool {
		if sent && rec.Sequence <= lastSeq {
			return true
		}
		sent, lastSeq = true, rec.Sequence
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(convertRecord(rec, u)) == nil
	}

	if rec, ok := s.pub.Latest(); ok && !send(rec) {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case rec, ok := <-records:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "telemetry closed")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			if !send(rec) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
