package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tutorloop/tutorloop/ai/session"
)

const startHandshakeTimeout = 10 * time.Second

// handleConverse runs the streaming conversation protocol over one
// websocket. The first message must be a start control frame; after that,
// binary frames carry audio and text frames carry control messages.
func (s *Server) handleConverse(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	start, err := readStart(conn)
	if err != nil {
		slog.Warn("server: websocket handshake failed", "error", err)
		_ = conn.WriteJSON(session.ControlMessage{Type: session.TypeError, Message: "expected start message"})
		return conn.Close()
	}

	ctx := c.Request().Context()
	lp, err := s.resolver.Resolve(ctx, start.LearnerID)
	if err != nil {
		_ = conn.WriteJSON(session.ControlMessage{Type: session.TypeError, Message: "learner profile unavailable"})
		return conn.Close()
	}
	if start.Level != "" {
		lp.Level = start.Level
	}

	sess, err := s.service.Sessions.Open(&wsTransport{conn: conn}, lp)
	if err != nil {
		_ = conn.WriteJSON(session.ControlMessage{Type: session.TypeError, Message: "too many sessions, try again later"})
		return conn.Close()
	}
	defer sess.Close()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			// Disconnect: tear down silently, this is not an application error.
			return nil
		}
		switch msgType {
		case websocket.BinaryMessage:
			sess.PushAudio(data)
		case websocket.TextMessage:
			var msg session.InboundMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				sess.Fail("malformed control message")
				return nil
			}
			switch msg.Type {
			case session.InboundText:
				sess.PushText(msg.Text)
			case session.InboundFinal:
				sess.PushFinal()
			case session.InboundStart:
				sess.Fail("duplicate start message")
				return nil
			default:
				sess.Fail("unknown control message type")
				return nil
			}
		}
	}
}

func readStart(conn *websocket.Conn) (session.InboundMessage, error) {
	_ = conn.SetReadDeadline(time.Now().Add(startHandshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var msg session.InboundMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return msg, err
	}
	if msg.Type != session.InboundStart {
		return msg, errors.Errorf("first message must be start, got %q", msg.Type)
	}
	return msg, nil
}

// wsTransport adapts a gorilla websocket connection to session.Transport.
// The session serializes its sends; the mutex only guards Close racing a
// late write.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) SendControl(msg session.ControlMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) SendAudio(chunk []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}
