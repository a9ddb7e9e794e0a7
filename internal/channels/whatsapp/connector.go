// Package whatsapp implements the WhatsApp Cloud API connector: webhook
// verification and normalization inbound, Graph API sends outbound.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/camino-travel/switchboard/internal/channels"
	"github.com/camino-travel/switchboard/pkg/models"
)

const (
	// graphBaseURL is the default Graph API endpoint.
	graphBaseURL = "https://graph.facebook.com/v19.0"

	// textLimit is the maximum characters per text message body.
	textLimit = 4096

	// maxButtons is the interactive reply-button cap. Beyond it the
	// connector falls back to a numbered list.
	maxButtons = 3

	// buttonTitleLimit is the maximum characters per button title.
	buttonTitleLimit = 20

	// maxWebhookBodyBytes bounds webhook payload size.
	maxWebhookBodyBytes = 1 << 20

	inboundBuffer = 100

	dedupTTL        = 10 * time.Minute
	dedupMaxEntries = 4096
)

// Config holds configuration for the WhatsApp Cloud connector.
type Config struct {
	// Token is the system-user access token for the Graph API (required).
	Token string

	// PhoneNumberID is the sending phone number id (required).
	PhoneNumberID string

	// VerifyToken is matched during the webhook subscription handshake
	// (required).
	VerifyToken string

	// AppSecret signs webhook deliveries via X-Hub-Signature-256. Empty
	// disables signature checks.
	AppSecret string

	// BaseURL overrides the Graph API endpoint, for tests.
	BaseURL string

	// RateLimit is outbound API calls per second.
	RateLimit float64

	// RateBurst is the outbound burst capacity.
	RateBurst int

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.PhoneNumberID == "" {
		return channels.ErrConfig("phone_number_id is required", nil)
	}
	if c.VerifyToken == "" {
		return channels.ErrConfig("verify_token is required", nil)
	}
	if c.BaseURL == "" {
		c.BaseURL = graphBaseURL
	}
	if c.RateLimit == 0 {
		c.RateLimit = 20
	}
	if c.RateBurst == 0 {
		c.RateBurst = 40
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

// Connector is the WhatsApp Cloud API connector. Inbound traffic arrives on
// the webhook handler; outbound calls go to the Graph messages endpoint.
type Connector struct {
	*channels.Base

	cfg      Config
	limiter  *channels.RateLimiter
	dedup    *channels.Deduper
	messages chan *models.NormalizedMessage

	mu          sync.RWMutex
	closed      bool
	lastInbound map[string]string // wa_id -> last inbound message id
}

var _ channels.WebhookConnector = (*Connector)(nil)

// New creates a WhatsApp connector from the given configuration.
func New(cfg Config) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Connector{
		Base:        channels.NewBase(models.ChannelWhatsApp, cfg.Logger),
		cfg:         cfg,
		limiter:     channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		dedup:       channels.NewDeduper(dedupTTL, dedupMaxEntries),
		messages:    make(chan *models.NormalizedMessage, inboundBuffer),
		lastInbound: make(map[string]string),
	}, nil
}

// Start verifies the access token against the Graph API. Inbound delivery is
// webhook-driven, so no receive loop is spawned.
func (c *Connector) Start(ctx context.Context) error {
	if err := c.verifyCredentials(ctx); err != nil {
		c.SetStatus(false, err.Error())
		c.Counters().RecordError(channels.GetErrorCode(err))
		return err
	}
	c.SetStatus(true, "")
	c.Logger().Info("whatsapp connector started",
		"phone_number_id", c.cfg.PhoneNumberID)
	return nil
}

// Stop closes the inbound channel. Safe to call more than once.
func (c *Connector) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.messages)
	c.SetStatus(false, "")
	c.Logger().Info("whatsapp connector stopped")
	return nil
}

// Type returns the channel type.
func (c *Connector) Type() models.ChannelType {
	return models.ChannelWhatsApp
}

// Messages returns the stream of normalized inbound messages.
func (c *Connector) Messages() <-chan *models.NormalizedMessage {
	return c.messages
}

// SendText delivers text, splitting bodies above the transport limit.
func (c *Connector) SendText(ctx context.Context, to, text string) (*models.DeliveryReceipt, error) {
	if to == "" {
		return nil, channels.ErrInvalidInput("recipient is required", nil)
	}
	if text == "" {
		return nil, channels.ErrInvalidInput("text is required", nil)
	}

	var receipt *models.DeliveryReceipt
	for _, chunk := range channels.ChunkText(text, textLimit) {
		r, err := c.send(ctx, outboundPayload{
			MessagingProduct: "whatsapp",
			RecipientType:    "individual",
			To:               to,
			Type:             "text",
			Text:             &outboundText{Body: chunk},
		})
		if err != nil {
			return nil, err
		}
		receipt = r
	}
	return receipt, nil
}

// SendMedia delivers media by URL. Audio disallows inline captions, so the
// caption follows as a separate text message.
func (c *Connector) SendMedia(ctx context.Context, to string, kind models.MediaKind, url, caption string) (*models.DeliveryReceipt, error) {
	if to == "" {
		return nil, channels.ErrInvalidInput("recipient is required", nil)
	}
	if url == "" {
		return nil, channels.ErrInvalidInput("media url is required", nil)
	}

	payload := outboundPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
	}
	media := &outboundMedia{Link: url}

	switch kind {
	case models.MediaImage:
		payload.Type = "image"
		media.Caption = caption
		payload.Image = media
	case models.MediaVideo:
		payload.Type = "video"
		media.Caption = caption
		payload.Video = media
	case models.MediaDocument:
		payload.Type = "document"
		media.Caption = caption
		payload.Document = media
	case models.MediaAudio:
		payload.Type = "audio"
		payload.Audio = media
	default:
		return nil, channels.ErrInvalidInput(fmt.Sprintf("unsupported media kind %q", kind), nil)
	}

	receipt, err := c.send(ctx, payload)
	if err != nil {
		return nil, err
	}

	if kind == models.MediaAudio && caption != "" {
		if _, err := c.SendText(ctx, to, caption); err != nil {
			c.Logger().Warn("audio caption follow-up failed",
				"recipient", to,
				"error", err)
		}
	}
	return receipt, nil
}

// SendQuickReplies delivers text with up to three interactive reply buttons.
// Larger choice sets fall back to a numbered list so no option is lost.
func (c *Connector) SendQuickReplies(ctx context.Context, to, text string, choices []models.QuickReply) (*models.DeliveryReceipt, error) {
	if len(choices) == 0 {
		return c.SendText(ctx, to, text)
	}
	if len(choices) > maxButtons {
		return c.SendText(ctx, to, channels.NumberedFallback(text, choices))
	}
	if to == "" {
		return nil, channels.ErrInvalidInput("recipient is required", nil)
	}

	buttons := make([]interactiveButton, 0, len(choices))
	for _, choice := range choices {
		id := choice.Payload
		if id == "" {
			id = choice.Title
		}
		buttons = append(buttons, interactiveButton{
			Type: "reply",
			Reply: replyChoice{
				ID:    id,
				Title: channels.ClipRunes(choice.Title, buttonTitleLimit),
			},
		})
	}

	return c.send(ctx, outboundPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "interactive",
		Interactive: &outboundInteractive{
			Type:   "button",
			Body:   interactiveBody{Text: text},
			Action: interactiveAction{Buttons: buttons},
		},
	})
}

// SendTyping shows the typing indicator. The Cloud API attaches typing to a
// mark-read of the latest inbound message, so this no-ops until the user has
// written at least once.
func (c *Connector) SendTyping(ctx context.Context, to string) {
	c.mu.RLock()
	messageID := c.lastInbound[to]
	c.mu.RUnlock()
	if messageID == "" {
		return
	}

	_, err := c.call(ctx, outboundPayload{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        messageID,
		TypingIndicator:  &typingIndicator{Type: "text"},
	})
	if err != nil {
		c.Logger().Debug("typing indicator failed",
			"recipient", to,
			"error", err)
	}
}

// MarkRead acknowledges an inbound message. Best-effort.
func (c *Connector) MarkRead(ctx context.Context, messageID string) {
	if messageID == "" {
		return
	}
	_, err := c.call(ctx, outboundPayload{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        messageID,
	})
	if err != nil {
		c.Logger().Warn("mark read failed",
			"message_id", messageID,
			"error", err)
	}
}

// HealthCheck verifies the access token against the phone-number endpoint.
func (c *Connector) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	err := c.verifyCredentials(ctx)
	health := channels.HealthStatus{
		LastCheck: start,
		Latency:   time.Since(start),
	}
	if err != nil {
		health.Message = err.Error()
		return health
	}
	health.Healthy = true
	health.Message = "connected"
	return health
}

// send posts one message payload and records delivery metrics.
func (c *Connector) send(ctx context.Context, payload outboundPayload) (*models.DeliveryReceipt, error) {
	start := time.Now()
	resp, err := c.call(ctx, payload)
	if err != nil {
		c.Counters().RecordMessageFailed()
		c.Counters().RecordError(channels.GetErrorCode(err))
		return nil, err
	}

	c.Counters().RecordMessageSent()
	c.Counters().RecordSendLatency(time.Since(start))

	receipt := &models.DeliveryReceipt{SentAt: time.Now()}
	if len(resp.Messages) > 0 {
		receipt.TransportMessageID = resp.Messages[0].ID
	}
	return receipt, nil
}

// call performs one rate-limited Graph API request.
func (c *Connector) call(ctx context.Context, payload outboundPayload) (*sendResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, channels.ErrTimeout("rate limit wait cancelled", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, channels.ErrInternal("failed to marshal payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(), bytes.NewReader(data))
	if err != nil {
		return nil, channels.ErrInternal("failed to create request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, channels.ErrTimeout("graph api call cancelled", err)
		}
		return nil, channels.ErrTransport("graph api unreachable", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxWebhookBodyBytes))
	if err != nil {
		return nil, channels.ErrTransport("failed to read graph response", err)
	}

	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil && httpResp.StatusCode < 400 {
		return nil, channels.ErrTransport("unparseable graph response", err)
	}

	if httpResp.StatusCode >= 400 || resp.Error != nil {
		return nil, classifyAPIError(httpResp.StatusCode, resp.Error)
	}
	return &resp, nil
}

// verifyCredentials checks the token by reading the phone-number resource.
func (c *Connector) verifyCredentials(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.phoneURL()+"?fields=display_phone_number", nil)
	if err != nil {
		return channels.ErrInternal("failed to create request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return channels.ErrTransport("graph api unreachable", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return channels.ErrUnauthorized("graph api rejected access token",
			fmt.Errorf("status %d", resp.StatusCode))
	default:
		return channels.ErrTransport("graph api credential check failed",
			fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (c *Connector) phoneURL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + c.cfg.PhoneNumberID
}

func (c *Connector) messagesURL() string {
	return c.phoneURL() + "/messages"
}

// classifyAPIError maps Graph error codes onto connector error kinds.
func classifyAPIError(status int, apiErr *apiError) *channels.Error {
	if apiErr != nil {
		err := fmt.Errorf("graph error %d: %s", apiErr.Code, apiErr.Message)
		switch apiErr.Code {
		case 4, 80007, 130429, 131048, 131056:
			return channels.ErrRateLimit("throttled by graph api", err)
		case 131026, 131047:
			return channels.ErrPermanentRejection("recipient unreachable", err)
		case 0, 10, 190:
			return channels.ErrPermanentRejection("access token rejected", err)
		case 100, 131051:
			return channels.ErrInvalidInput("graph api rejected payload", err)
		}
	}
	switch {
	case status == http.StatusTooManyRequests:
		return channels.ErrRateLimit("throttled by graph api",
			fmt.Errorf("status %d", status))
	case status >= 500:
		return channels.ErrTransport("graph api unavailable",
			fmt.Errorf("status %d", status))
	default:
		return channels.ErrPermanentRejection("graph api refused send",
			fmt.Errorf("status %d", status))
	}
}
