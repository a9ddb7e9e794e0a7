// Package webchat implements the website chat connector. Visitors connect
// over a WebSocket mounted at /ws/chat, authenticated by a bearer JWT that
// the embedding site requests when it boots the chat widget. Inbound frames
// are validated against embedded JSON Schemas before normalization.
package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/camino-travel/switchboard/internal/channels"
	"github.com/camino-travel/switchboard/pkg/models"
)

const (
	maxFrameBytes = 1 << 20
	inboundBuffer = 100
	sendBuffer    = 64

	pingInterval = 15 * time.Second
	pongWait     = 45 * time.Second
	writeWait    = 10 * time.Second

	dedupTTL        = 10 * time.Minute
	dedupMaxEntries = 4096
	midSenderCap    = 4096

	// sessionCookie carries the visitor JWT for browsers, which cannot set
	// an Authorization header on a WebSocket upgrade.
	sessionCookie = "switchboard_session"
)

// Config holds webchat connector settings.
type Config struct {
	// JWTSecret signs and verifies visitor tokens. Required.
	JWTSecret string

	// AllowedOrigins restricts the Origin header on upgrades. Empty allows
	// any origin, which suits widgets embedded on customer-managed domains.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return channels.ErrConfig("webchat jwt_secret is required", nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Connector serves the visitor-facing chat WebSocket.
type Connector struct {
	*channels.Base

	cfg      Config
	tokens   tokenService
	dedup    *channels.Deduper
	upgrader websocket.Upgrader
	messages chan *models.NormalizedMessage

	mu        sync.RWMutex
	closed    bool
	sessions  map[string]map[*wsSession]struct{}
	midSender map[string]string
}

var _ channels.WebhookConnector = (*Connector)(nil)

// New creates a webchat connector.
func New(cfg Config) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Connector{
		Base:      channels.NewBase(models.ChannelWebChat, cfg.Logger),
		cfg:       cfg,
		tokens:    tokenService{secret: []byte(cfg.JWTSecret)},
		dedup:     channels.NewDeduper(dedupTTL, dedupMaxEntries),
		messages:  make(chan *models.NormalizedMessage, inboundBuffer),
		sessions:  make(map[string]map[*wsSession]struct{}),
		midSender: make(map[string]string),
	}
	c.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     c.checkOrigin,
	}
	return c, nil
}

func (c *Connector) checkOrigin(r *http.Request) bool {
	if len(c.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range c.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// Start compiles the frame schemas and marks the connector ready. The
// WebSocket itself is served by the gateway HTTP server via HandleWebhook.
func (c *Connector) Start(ctx context.Context) error {
	if err := initFrameSchemas(); err != nil {
		c.SetStatus(false, err.Error())
		return channels.ErrConfig("webchat frame schemas failed to compile", err)
	}
	c.SetStatus(true, "")
	c.Logger().Info("webchat connector started")
	return nil
}

// Stop closes every open socket and the inbound channel. Safe to call twice.
func (c *Connector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var open []*wsSession
	for _, set := range c.sessions {
		for s := range set {
			open = append(open, s)
		}
	}
	c.sessions = make(map[string]map[*wsSession]struct{})
	close(c.messages)
	c.mu.Unlock()

	for _, s := range open {
		s.shutdown(websocket.CloseGoingAway, "server shutting down")
	}

	c.SetStatus(false, "")
	c.Logger().Info("webchat connector stopped")
	return nil
}

// Type returns the channel identifier.
func (c *Connector) Type() models.ChannelType {
	return models.ChannelWebChat
}

// Messages returns the channel of normalized inbound messages.
func (c *Connector) Messages() <-chan *models.NormalizedMessage {
	return c.messages
}

// WebhookPath returns the WebSocket mount path.
func (c *Connector) WebhookPath() string {
	return "/ws/chat"
}

// HandleWebhook authenticates the visitor and upgrades to a WebSocket. It
// blocks for the lifetime of the socket, like any stream handler.
func (c *Connector) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	v, err := c.tokens.validate(bearerToken(r))
	if err != nil {
		c.Counters().RecordError(channels.ErrCodeUnauthorized)
		c.Logger().Warn("webchat upgrade rejected", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with a handshake error.
		c.Logger().Debug("websocket upgrade failed", "error", err)
		return
	}

	c.Logger().Debug("visitor connected", "visitor_id", v.ID)
	newSession(c, conn, v).run()
}

// bearerToken extracts the visitor JWT: Authorization header first, then the
// session cookie, then a token query parameter for clients that can set
// neither.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

// IssueToken mints a visitor JWT. The embedding site obtains one through the
// console API when it boots the chat widget.
func (c *Connector) IssueToken(visitorID, name string, ttl time.Duration) (string, error) {
	return c.tokens.issue(visitorID, name, ttl)
}

// SendText pushes a text frame to every open socket of the visitor.
func (c *Connector) SendText(ctx context.Context, to, text string) (*models.DeliveryReceipt, error) {
	if to == "" {
		return nil, channels.ErrInvalidInput("recipient is required", nil)
	}
	if text == "" {
		return nil, channels.ErrInvalidInput("message text is empty", nil)
	}
	return c.send(to, serverFrame{
		Type:   "message",
		ID:     uuid.NewString(),
		Text:   text,
		SentAt: time.Now().UnixMilli(),
	})
}

// SendMedia pushes a media frame. The widget renders the URL inline.
func (c *Connector) SendMedia(ctx context.Context, to string, kind models.MediaKind, url, caption string) (*models.DeliveryReceipt, error) {
	if to == "" {
		return nil, channels.ErrInvalidInput("recipient is required", nil)
	}
	if url == "" {
		return nil, channels.ErrInvalidInput("media url is required", nil)
	}
	switch kind {
	case models.MediaImage, models.MediaVideo, models.MediaAudio, models.MediaDocument:
	default:
		return nil, channels.ErrInvalidInput(fmt.Sprintf("unsupported media kind %q", kind), nil)
	}
	return c.send(to, serverFrame{
		Type:    "media",
		ID:      uuid.NewString(),
		Kind:    string(kind),
		URL:     url,
		Caption: caption,
		SentAt:  time.Now().UnixMilli(),
	})
}

// SendQuickReplies pushes a message with tappable choices. The widget has no
// platform cap, so choices pass through unbounded.
func (c *Connector) SendQuickReplies(ctx context.Context, to, text string, choices []models.QuickReply) (*models.DeliveryReceipt, error) {
	if len(choices) == 0 {
		return c.SendText(ctx, to, text)
	}
	if to == "" {
		return nil, channels.ErrInvalidInput("recipient is required", nil)
	}
	if text == "" {
		return nil, channels.ErrInvalidInput("message text is empty", nil)
	}
	return c.send(to, serverFrame{
		Type:    "quick_replies",
		ID:      uuid.NewString(),
		Text:    text,
		Choices: choices,
		SentAt:  time.Now().UnixMilli(),
	})
}

// SendTyping shows the typing indicator in the widget. Best-effort.
func (c *Connector) SendTyping(ctx context.Context, to string) {
	if _, err := c.deliver(to, serverFrame{Type: "typing"}); err != nil {
		c.Logger().Debug("typing indicator not delivered",
			"visitor_id", to,
			"error", err)
	}
}

// MarkRead shows a read receipt for an inbound message. Best-effort.
func (c *Connector) MarkRead(ctx context.Context, messageID string) {
	c.mu.RLock()
	visitorID := c.midSender[messageID]
	c.mu.RUnlock()
	if visitorID == "" {
		return
	}
	if _, err := c.deliver(visitorID, serverFrame{Type: "read", MessageID: messageID}); err != nil {
		c.Logger().Debug("read receipt not delivered",
			"message_id", messageID,
			"error", err)
	}
}

// HealthCheck reports the connector state and open socket counts.
func (c *Connector) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	c.mu.RLock()
	closed := c.closed
	visitors := len(c.sessions)
	sockets := 0
	for _, set := range c.sessions {
		sockets += len(set)
	}
	c.mu.RUnlock()

	health := channels.HealthStatus{
		LastCheck: start,
		Latency:   time.Since(start),
	}
	if closed {
		health.Message = "connector stopped"
		return health
	}
	health.Healthy = true
	health.Message = fmt.Sprintf("%d visitors on %d sockets", visitors, sockets)
	return health
}

// send wraps deliver with the delivery counters and a receipt.
func (c *Connector) send(to string, frame serverFrame) (*models.DeliveryReceipt, error) {
	start := time.Now()
	if err := c.deliverCounted(to, frame); err != nil {
		c.Counters().RecordMessageFailed()
		c.Counters().RecordError(channels.GetErrorCode(err))
		return nil, err
	}
	c.Counters().RecordMessageSent()
	c.Counters().RecordSendLatency(time.Since(start))
	return &models.DeliveryReceipt{
		TransportMessageID: frame.ID,
		SentAt:             time.Now(),
	}, nil
}

func (c *Connector) deliverCounted(to string, frame serverFrame) error {
	delivered, err := c.deliver(to, frame)
	if err != nil {
		return err
	}
	if delivered == 0 {
		return channels.ErrTransport("visitor send buffers full", nil)
	}
	return nil
}

// deliver fans a frame out to every open socket of one visitor. A visitor
// with no open socket is a transport error: the caller may retry, the widget
// reconnects on its own.
func (c *Connector) deliver(to string, frame serverFrame) (int, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return 0, channels.ErrInternal("failed to encode frame", err)
	}

	c.mu.RLock()
	open := make([]*wsSession, 0, len(c.sessions[to]))
	for s := range c.sessions[to] {
		open = append(open, s)
	}
	c.mu.RUnlock()

	if len(open) == 0 {
		return 0, channels.ErrTransport("visitor not connected", nil)
	}

	delivered := 0
	for _, s := range open {
		if s.enqueue(data) == nil {
			delivered++
		}
	}
	return delivered, nil
}

// register adds a session to the visitor's set. Returns false after Stop.
func (c *Connector) register(s *wsSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	set := c.sessions[s.visitorID]
	if set == nil {
		set = make(map[*wsSession]struct{})
		c.sessions[s.visitorID] = set
	}
	set[s] = struct{}{}
	return true
}

func (c *Connector) unregister(s *wsSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.sessions[s.visitorID]
	delete(set, s)
	if len(set) == 0 {
		delete(c.sessions, s.visitorID)
	}
}

// handleInbound processes one schema-valid frame from a visitor socket.
func (c *Connector) handleInbound(s *wsSession, frame *clientFrame, raw []byte) {
	switch frame.Type {
	case "ping":
		data, err := json.Marshal(serverFrame{Type: "pong"})
		if err != nil {
			return
		}
		_ = s.enqueue(data)

	case "message":
		clientID := frame.ID
		if clientID == "" {
			// No client id means no dedup scope; mint one.
			clientID = uuid.NewString()
		}
		messageID := s.visitorID + ":" + clientID
		if c.dedup.Seen(models.ChannelWebChat, messageID) {
			c.Counters().RecordMessageDropped()
			c.Logger().Debug("duplicate frame dropped", "message_id", messageID)
			return
		}

		msg := &models.NormalizedMessage{
			MessageID:      messageID,
			Channel:        models.ChannelWebChat,
			UserID:         s.visitorID,
			Username:       s.visitorName,
			Text:           frame.Text,
			Timestamp:      time.Now(),
			NativeUserID:   s.visitorID,
			ConversationID: s.visitorID,
			Raw:            json.RawMessage(raw),
		}
		c.recordSender(messageID, s.visitorID)
		c.emit(msg)
	}
}

// recordSender remembers which visitor sent a message so MarkRead can route
// the read receipt. Bounded; wholesale reset beats tracking eviction order.
func (c *Connector) recordSender(messageID, visitorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.midSender) >= midSenderCap {
		c.midSender = make(map[string]string)
	}
	c.midSender[messageID] = visitorID
}

// emit hands a message to the inbound channel without blocking the socket.
func (c *Connector) emit(msg *models.NormalizedMessage) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.messages <- msg:
		c.Counters().RecordMessageReceived()
		c.UpdateLastPing()
	default:
		c.Counters().RecordMessageDropped()
		c.Logger().Warn("inbound buffer full, dropping message",
			"message_id", msg.MessageID)
	}
}
