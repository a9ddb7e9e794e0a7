package webchat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camino-travel/switchboard/internal/channels"
)

// wsSession is one open widget socket. A visitor with several tabs holds
// several sessions under the same visitor id.
type wsSession struct {
	c      *Connector
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	visitorID   string
	visitorName string

	mu     sync.Mutex
	closed bool
}

func newSession(c *Connector, conn *websocket.Conn, v *visitor) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSession{
		c:           c,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		ctx:         ctx,
		cancel:      cancel,
		visitorID:   v.ID,
		visitorName: v.Name,
	}
}

// run owns the socket until the peer disconnects or the connector stops.
func (s *wsSession) run() {
	if !s.c.register(s) {
		_ = s.conn.Close()
		return
	}
	defer func() {
		s.c.unregister(s)
		s.shutdown(websocket.CloseNormalClosure, "")
	}()

	go s.writePump()
	s.readPump()
}

func (s *wsSession) readPump() {
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := validateFrame(data)
		if err != nil {
			s.c.Counters().RecordError(channels.ErrCodeMalformedPayload)
			s.c.Logger().Debug("rejected webchat frame",
				"visitor_id", s.visitorID,
				"error", err)
			s.sendError("invalid_frame", err.Error())
			continue
		}
		s.c.handleInbound(s, frame, data)
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// enqueue hands a frame to the write pump without blocking the caller.
func (s *wsSession) enqueue(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return channels.ErrTransport("session closed", nil)
	}
	select {
	case s.send <- data:
		return nil
	default:
		return channels.ErrTransport("session send buffer full", nil)
	}
}

func (s *wsSession) sendError(code, message string) {
	data, err := json.Marshal(serverFrame{Type: "error", Code: code, Message: message})
	if err != nil {
		return
	}
	_ = s.enqueue(data)
}

// shutdown closes the socket once, sending a close frame best-effort.
func (s *wsSession) shutdown(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	s.mu.Unlock()

	s.cancel()
	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.conn.Close()
}
