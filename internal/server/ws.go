package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"call-insights-go/internal/types"
	"call-insights-go/internal/voice"
)

const (
	writeTimeout   = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client -> server message types.
const (
	msgEvent = "event"
	msgPing  = "ping"
)

// Server -> client message types.
const (
	msgSnapshot = "snapshot"
	msgPong     = "pong"
	msgError    = "error"
)

type clientMessage struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event,omitempty"`
}

type serverMessage struct {
	Type     string          `json:"type"`
	Snapshot *types.Snapshot `json:"snapshot,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// handleWebSocket streams call snapshots to one browser and feeds the voice
// SDK events it forwards into the call controller.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithRequest(r).WithField("error", err.Error()).Warn("websocket upgrade failed")
		return
	}
	log := s.log.WithRequest(r).WithField("client_id", uuid.NewString())
	log.Info("websocket client connected")

	snaps, unsubscribe := s.calls.Subscribe()
	out := make(chan serverMessage, 8)
	done := make(chan struct{})

	go s.readPump(conn, out, done, log)
	s.writePump(conn, snaps, out, done)

	unsubscribe()
	conn.Close()
	log.Info("websocket client disconnected")
}

// readPump owns all reads on conn and closes done when the client goes away.
func (s *Server) readPump(conn *websocket.Conn, out chan<- serverMessage, done chan<- struct{}, log *logrus.Entry) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithField("error", err.Error()).Warn("websocket read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			queue(out, serverMessage{Type: msgError, Error: "invalid message"})
			continue
		}
		switch msg.Type {
		case msgPing:
			queue(out, serverMessage{Type: msgPong})
		case msgEvent:
			ev, err := voice.ParseClientEvent(msg.Event)
			if err != nil {
				log.WithField("error", err.Error()).Debug("bad voice event")
				queue(out, serverMessage{Type: msgError, Error: err.Error()})
				continue
			}
			s.calls.HandleEvent(ev)
		default:
			queue(out, serverMessage{Type: msgError, Error: "unknown message type " + msg.Type})
		}
	}
}

// writePump owns all writes on conn. It returns when the client is gone, the
// subscription is closed or a write fails.
func (s *Server) writePump(conn *websocket.Conn, snaps <-chan types.Snapshot, out <-chan serverMessage, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(msg serverMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(msg) == nil
	}

	for {
		select {
		case <-done:
			return
		case snap, ok := <-snaps:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if !write(serverMessage{Type: msgSnapshot, Snapshot: &snap}) {
				return
			}
		case msg := <-out:
			if !write(msg) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// queue drops the message when the writer is backed up or gone.
func queue(out chan<- serverMessage, msg serverMessage) {
	select {
	case out <- msg:
	default:
	}
}
