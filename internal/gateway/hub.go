package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camino-travel/switchboard/internal/observability"
	"github.com/camino-travel/switchboard/internal/queue"
	"github.com/camino-travel/switchboard/internal/sessions"
	"github.com/camino-travel/switchboard/pkg/models"
)

const (
	hubSendBuffer   = 32
	hubPingInterval = 15 * time.Second
	hubPongWait     = 45 * time.Second
	hubWriteWait    = 10 * time.Second
)

// agentEvent is one frame pushed to a connected agent console.
type agentEvent struct {
	Type           string                      `json:"type"`
	ConversationID string                      `json:"conversation_id"`
	Department     models.Department           `json:"department,omitempty"`
	Priority       int                         `json:"priority,omitempty"`
	CustomerType   models.CustomerType         `json:"customer_type,omitempty"`
	CustomerName   string                      `json:"customer_name,omitempty"`
	CustomerEmail  string                      `json:"customer_email,omitempty"`
	CustomerPhone  string                      `json:"customer_phone,omitempty"`
	AISummary      string                      `json:"ai_summary,omitempty"`
	CustomerMood   models.CustomerMood         `json:"customer_mood,omitempty"`
	Context        *models.ConversationContext `json:"context,omitempty"`

	// Text carries the user's words on user_message events.
	Text string `json:"text,omitempty"`

	// Replay marks events re-sent on reconnect.
	Replay bool `json:"replay,omitempty"`
}

func newConversationEvent(qc *models.QueuedConversation, replay bool) agentEvent {
	ev := agentEvent{
		Type:           "new_conversation",
		ConversationID: qc.ConversationID,
		Department:     qc.Department,
		Priority:       qc.Priority,
		AISummary:      qc.AISummary,
		CustomerMood:   qc.CustomerMood,
		Context:        qc.Context,
		Replay:         replay,
	}
	if qc.Context != nil {
		ev.CustomerType = qc.Context.CustomerType
		ev.CustomerName = qc.Context.Contact.Name
		ev.CustomerEmail = qc.Context.Contact.Email
		ev.CustomerPhone = qc.Context.Contact.Phone
		if ev.CustomerName == "" {
			ev.CustomerName = qc.Context.DisplayName
		}
	}
	return ev
}

// Hub is the agent notification fan-out on /ws/agent. One agent may hold
// several sockets (tabs); every open socket gets every event. Delivery is
// best-effort: the queue's assignment stands whether or not any socket
// accepted the event, and active conversations replay on reconnect.
//
// Hub also keeps the session registry in step with assignments, which is why
// it, not the queue, owns the session lock interaction.
type Hub struct {
	tokens   *agentTokenService
	sessions *sessions.Registry
	locker   *sessions.Locker
	logger   *observability.Logger
	upgrader websocket.Upgrader

	// queue is bound after construction; the queue manager takes the hub as
	// its notifier, so the two cannot reference each other at build time.
	queue *queue.Manager

	mu     sync.RWMutex
	closed bool
	conns  map[string]map[*agentConn]struct{}
}

// NewHub builds the agent hub. An empty consoleSecret disables socket auth.
func NewHub(consoleSecret string, reg *sessions.Registry, locker *sessions.Locker, logger *observability.Logger) *Hub {
	return &Hub{
		tokens:   newAgentTokens(consoleSecret),
		sessions: reg,
		locker:   locker,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]map[*agentConn]struct{}),
	}
}

// BindQueue wires the queue manager used for reconnect replay.
func (h *Hub) BindQueue(qm *queue.Manager) {
	h.queue = qm
}

// NotifyAssignment implements queue.Notifier. It first folds the assignment
// into the live session, then pushes the event to the agent's sockets. The
// queue retries this call, so both halves are idempotent.
func (h *Hub) NotifyAssignment(ctx context.Context, agentID string, qc *models.QueuedConversation) error {
	h.recordAssignment(ctx, agentID, qc)

	data, err := json.Marshal(newConversationEvent(qc, false))
	if err != nil {
		return fmt.Errorf("gateway: encode assignment event: %w", err)
	}
	return h.push(agentID, data)
}

// RelayUserMessage pushes a live inbound message to the handling agent.
// Best-effort; a missed relay shows up in the transcript endpoint.
func (h *Hub) RelayUserMessage(agentID, conversationID, text string) {
	data, err := json.Marshal(agentEvent{
		Type:           "user_message",
		ConversationID: conversationID,
		Text:           text,
	})
	if err != nil {
		return
	}
	_ = h.push(agentID, data)
}

// recordAssignment marks the live session as human-handled. The queue's
// record carries a context clone, so the live session is looked up fresh.
func (h *Hub) recordAssignment(ctx context.Context, agentID string, qc *models.QueuedConversation) {
	if qc.Context == nil {
		return
	}
	s, ok := h.sessions.Get(qc.Context.SessionKey)
	if !ok {
		return
	}

	release, err := h.locker.Acquire(ctx, qc.Context.SessionKey)
	if err != nil {
		return
	}
	defer release()

	if s.Context.CurrentAgentID == agentID && s.Context.CurrentAgentKind == models.AgentKindHuman {
		return
	}
	s.Context.CurrentAgentKind = models.AgentKindHuman
	s.Context.CurrentAgentID = agentID
	h.sessions.Flush(s)
	h.sessions.RecordQueueEvent(sessions.QueueEvent{
		ConversationID: qc.ConversationID,
		Department:     qc.Department,
		Priority:       qc.Priority,
		Kind:           sessions.QueueEventAssigned,
		AgentID:        agentID,
		At:             time.Now().UTC(),
	})
}

// push fans data out to every socket the agent holds. It fails only when no
// socket accepted the frame.
func (h *Hub) push(agentID string, data []byte) error {
	h.mu.RLock()
	set := h.conns[agentID]
	targets := make([]*agentConn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("gateway: agent %s not connected", agentID)
	}
	delivered := 0
	for _, c := range targets {
		if c.enqueue(data) {
			delivered++
		}
	}
	if delivered == 0 {
		return fmt.Errorf("gateway: agent %s send buffers full", agentID)
	}
	return nil
}

// HandleUpgrade serves GET /ws/agent. Identity comes from the bearer token's
// subject; without a configured secret the agent id falls back to the
// agent_id query parameter.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	agentID, err := h.identify(r)
	if err != nil {
		h.logger.Warn(r.Context(), "agent socket rejected", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug(r.Context(), "agent socket upgrade failed", "error", err)
		return
	}

	c := &agentConn{
		hub:     h,
		agentID: agentID,
		conn:    conn,
		send:    make(chan []byte, hubSendBuffer),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if !h.register(c) {
		_ = conn.Close()
		return
	}
	h.logger.Info(r.Context(), "agent connected", "agent_id", agentID)

	h.replayActive(c)
	c.run()
}

func (h *Hub) identify(r *http.Request) (string, error) {
	if !h.tokens.enabled() {
		if id := r.URL.Query().Get("agent_id"); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("agent_id query parameter is required")
	}
	return h.tokens.validate(bearerToken(r))
}

// replayActive re-sends every conversation the agent is already handling so
// a reconnecting console can rebuild its list.
func (h *Hub) replayActive(c *agentConn) {
	if h.queue == nil {
		return
	}
	for _, qc := range h.queue.ActiveForAgent(c.agentID) {
		data, err := json.Marshal(newConversationEvent(qc, true))
		if err != nil {
			continue
		}
		c.enqueue(data)
	}
}

func (h *Hub) register(c *agentConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.conns[c.agentID]
	if !ok {
		set = make(map[*agentConn]struct{})
		h.conns[c.agentID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *agentConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[c.agentID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.agentID)
		}
	}
}

// Connected reports whether the agent holds at least one open socket.
func (h *Hub) Connected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[agentID]) > 0
}

// IssueToken mints a console bearer token for an agent. Returns the empty
// string when console auth is disabled.
func (h *Hub) IssueToken(agentID string) (string, error) {
	if !h.tokens.enabled() {
		return "", nil
	}
	return h.tokens.issue(agentID)
}

// Close tears down every agent socket. Safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*agentConn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.conns = make(map[string]map[*agentConn]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}

// bearerToken extracts a bearer credential from the Authorization header,
// falling back to the token query parameter for browser clients.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return header[7:]
	}
	return r.URL.Query().Get("token")
}

// agentConn is one console socket with its write pump state.
type agentConn struct {
	hub     *Hub
	agentID string
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (c *agentConn) run() {
	defer func() {
		c.hub.unregister(c)
		c.shutdown(websocket.CloseNormalClosure, "")
	}()

	go c.writePump()
	c.readPump()
}

// readPump drains control traffic and inbound frames. The console protocol is
// push-only; anything the agent writes beyond pings is ignored.
func (c *agentConn) readPump() {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	}
}

func (c *agentConn) writePump() {
	ticker := time.NewTicker(hubPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (c *agentConn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *agentConn) shutdown(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.cancel()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}
