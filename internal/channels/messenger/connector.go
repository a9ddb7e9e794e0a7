// Package messenger implements the Facebook Messenger connector on the Graph
// Send API. Instagram direct messages ride the same API and webhook shape, so
// the connector is parameterized by platform and the instagram package binds
// it to the instagram webhook object.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/camino-travel/switchboard/internal/channels"
	"github.com/camino-travel/switchboard/pkg/models"
)

const (
	// graphBaseURL is the default Graph API endpoint.
	graphBaseURL = "https://graph.facebook.com/v19.0"

	// textLimit is the maximum characters per text message.
	textLimit = 2000

	// maxQuickReplies is the Send API quick-reply cap. Beyond it the
	// connector falls back to a numbered list.
	maxQuickReplies = 13

	// quickReplyTitleLimit is the maximum characters per quick-reply title.
	quickReplyTitleLimit = 20

	// maxWebhookBodyBytes bounds webhook payload size.
	maxWebhookBodyBytes = 1 << 20

	inboundBuffer = 100

	dedupTTL        = 10 * time.Minute
	dedupMaxEntries = 4096

	// midSenderCap bounds the inbound-id-to-sender map used for read
	// receipts. The map resets wholesale at the cap; mark_seen is
	// best-effort.
	midSenderCap = 4096
)

// Platform selects which Graph messaging surface the connector speaks to.
type Platform string

const (
	PlatformMessenger Platform = "messenger"
	PlatformInstagram Platform = "instagram"
)

func (p Platform) channelType() models.ChannelType {
	if p == PlatformInstagram {
		return models.ChannelInstagram
	}
	return models.ChannelMessenger
}

// webhookObject is the envelope object field Meta sets for this surface.
func (p Platform) webhookObject() string {
	if p == PlatformInstagram {
		return "instagram"
	}
	return "page"
}

func (p Platform) webhookPath() string {
	if p == PlatformInstagram {
		return "/webhook/instagram"
	}
	return "/webhook/facebook"
}

// Config holds configuration for a Graph Send API connector.
type Config struct {
	// PageToken is the page access token for the Send API (required).
	PageToken string

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
	if c.PageToken == "" {
		return channels.ErrConfig("page_token is required", nil)
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

// Connector speaks the Graph Send API for Messenger or Instagram direct
// messages. Inbound traffic arrives on the webhook handler; outbound calls go
// to the me/messages endpoint.
type Connector struct {
	*channels.Base

	platform Platform
	cfg      Config
	limiter  *channels.RateLimiter
	dedup    *channels.Deduper
	messages chan *models.NormalizedMessage

	mu        sync.RWMutex
	closed    bool
	midSender map[string]string // inbound message id -> sender psid, for mark_seen
}

var _ channels.WebhookConnector = (*Connector)(nil)

// New creates a Messenger connector from the given configuration.
func New(cfg Config) (*Connector, error) {
	return newConnector(PlatformMessenger, cfg)
}

// NewInstagram creates the same connector bound to Instagram direct messages.
func NewInstagram(cfg Config) (*Connector, error) {
	return newConnector(PlatformInstagram, cfg)
}

func newConnector(platform Platform, cfg Config) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Connector{
		Base:      channels.NewBase(platform.channelType(), cfg.Logger),
		platform:  platform,
		cfg:       cfg,
		limiter:   channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		dedup:     channels.NewDeduper(dedupTTL, dedupMaxEntries),
		messages:  make(chan *models.NormalizedMessage, inboundBuffer),
		midSender: make(map[string]string),
	}, nil
}

// Start verifies the page token against the Graph API. Inbound delivery is
// webhook-driven, so no receive loop is spawned.
func (c *Connector) Start(ctx context.Context) error {
	if err := c.verifyCredentials(ctx); err != nil {
		c.SetStatus(false, err.Error())
		c.Counters().RecordError(channels.GetErrorCode(err))
		return err
	}
	c.SetStatus(true, "")
	c.Logger().Info("graph connector started", "platform", string(c.platform))
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
	c.Logger().Info("graph connector stopped", "platform", string(c.platform))
	return nil
}

// Type returns the channel type.
func (c *Connector) Type() models.ChannelType {
	return c.platform.channelType()
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
		r, err := c.send(ctx, sendRequest{
			Recipient:     recipientRef{ID: to},
			MessagingType: "RESPONSE",
			Message:       &outboundMessage{Text: chunk},
		})
		if err != nil {
			return nil, err
		}
		receipt = r
	}
	return receipt, nil
}

// SendMedia delivers media by URL. The Send API has no caption field on
// attachments, so a caption always follows as a separate text message.
func (c *Connector) SendMedia(ctx context.Context, to string, kind models.MediaKind, url, caption string) (*models.DeliveryReceipt, error) {
	if to == "" {
		return nil, channels.ErrInvalidInput("recipient is required", nil)
	}
	if url == "" {
		return nil, channels.ErrInvalidInput("media url is required", nil)
	}

	var attachType string
	switch kind {
	case models.MediaImage:
		attachType = "image"
	case models.MediaVideo:
		attachType = "video"
	case models.MediaAudio:
		attachType = "audio"
	case models.MediaDocument:
		attachType = "file"
	default:
		return nil, channels.ErrInvalidInput(fmt.Sprintf("unsupported media kind %q", kind), nil)
	}

	receipt, err := c.send(ctx, sendRequest{
		Recipient:     recipientRef{ID: to},
		MessagingType: "RESPONSE",
		Message: &outboundMessage{
			Attachment: &outboundAttachment{
				Type:    attachType,
				Payload: attachmentLink{URL: url},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	if caption != "" {
		if _, err := c.SendText(ctx, to, caption); err != nil {
			c.Logger().Warn("media caption follow-up failed",
				"recipient", to,
				"error", err)
		}
	}
	return receipt, nil
}

// SendQuickReplies delivers text with up to thirteen quick-reply chips.
// Larger choice sets fall back to a numbered list so no option is lost.
func (c *Connector) SendQuickReplies(ctx context.Context, to, text string, choices []models.QuickReply) (*models.DeliveryReceipt, error) {
	if len(choices) == 0 {
		return c.SendText(ctx, to, text)
	}
	if len(choices) > maxQuickReplies {
		return c.SendText(ctx, to, channels.NumberedFallback(text, choices))
	}
	if to == "" {
		return nil, channels.ErrInvalidInput("recipient is required", nil)
	}

	replies := make([]quickReply, 0, len(choices))
	for _, choice := range choices {
		payload := choice.Payload
		if payload == "" {
			payload = choice.Title
		}
		replies = append(replies, quickReply{
			ContentType: "text",
			Title:       channels.ClipRunes(choice.Title, quickReplyTitleLimit),
			Payload:     payload,
		})
	}

	return c.send(ctx, sendRequest{
		Recipient:     recipientRef{ID: to},
		MessagingType: "RESPONSE",
		Message: &outboundMessage{
			Text:         text,
			QuickReplies: replies,
		},
	})
}

// SendTyping shows the typing indicator via a typing_on sender action.
func (c *Connector) SendTyping(ctx context.Context, to string) {
	if to == "" {
		return
	}
	if err := c.senderAction(ctx, to, "typing_on"); err != nil {
		c.Logger().Debug("typing indicator failed",
			"recipient", to,
			"error", err)
	}
}

// MarkRead acknowledges an inbound message. mark_seen applies to the whole
// conversation, so the recipient is resolved from the inbound message id.
// Best-effort; unknown ids no-op.
func (c *Connector) MarkRead(ctx context.Context, messageID string) {
	c.mu.RLock()
	sender := c.midSender[messageID]
	c.mu.RUnlock()
	if sender == "" {
		return
	}
	if err := c.senderAction(ctx, sender, "mark_seen"); err != nil {
		c.Logger().Warn("mark read failed",
			"message_id", messageID,
			"error", err)
	}
}

// HealthCheck verifies the page token against the Graph API.
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

// senderAction posts a typing or read action. Actions are not messages and
// do not touch delivery counters.
func (c *Connector) senderAction(ctx context.Context, to, action string) error {
	_, err := c.call(ctx, sendRequest{
		Recipient:    recipientRef{ID: to},
		SenderAction: action,
	})
	return err
}

// send posts one message payload and records delivery metrics.
func (c *Connector) send(ctx context.Context, payload sendRequest) (*models.DeliveryReceipt, error) {
	start := time.Now()
	resp, err := c.call(ctx, payload)
	if err != nil {
		c.Counters().RecordMessageFailed()
		c.Counters().RecordError(channels.GetErrorCode(err))
		return nil, err
	}

	c.Counters().RecordMessageSent()
	c.Counters().RecordSendLatency(time.Since(start))

	return &models.DeliveryReceipt{
		TransportMessageID: resp.MessageID,
		SentAt:             time.Now(),
	}, nil
}

// call performs one rate-limited Send API request.
func (c *Connector) call(ctx context.Context, payload sendRequest) (*sendResponse, error) {
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
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, channels.ErrTimeout("send api call cancelled", err)
		}
		return nil, channels.ErrTransport("send api unreachable", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxWebhookBodyBytes))
	if err != nil {
		return nil, channels.ErrTransport("failed to read send api response", err)
	}

	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil && httpResp.StatusCode < 400 {
		return nil, channels.ErrTransport("unparseable send api response", err)
	}

	if httpResp.StatusCode >= 400 || resp.Error != nil {
		return nil, classifyAPIError(httpResp.StatusCode, resp.Error)
	}
	return &resp, nil
}

// verifyCredentials checks the page token by reading the me resource.
func (c *Connector) verifyCredentials(ctx context.Context) error {
	u := c.baseURL() + "/me?fields=id&access_token=" + url.QueryEscape(c.cfg.PageToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return channels.ErrInternal("failed to create request", err)
	}

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
		return channels.ErrUnauthorized("graph api rejected page token",
			fmt.Errorf("status %d", resp.StatusCode))
	default:
		return channels.ErrTransport("graph api credential check failed",
			fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (c *Connector) baseURL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/")
}

// messagesURL carries the page token as a query parameter, the Send API's
// documented auth form.
func (c *Connector) messagesURL() string {
	return c.baseURL() + "/me/messages?access_token=" + url.QueryEscape(c.cfg.PageToken)
}

// classifyAPIError maps Send API error codes onto connector error kinds.
func classifyAPIError(status int, apiErr *apiError) *channels.Error {
	if apiErr != nil {
		err := fmt.Errorf("graph error %d: %s", apiErr.Code, apiErr.Message)
		switch apiErr.Code {
		case 4, 17, 613:
			return channels.ErrRateLimit("throttled by send api", err)
		case 551:
			return channels.ErrPermanentRejection("recipient unavailable", err)
		case 10:
			return channels.ErrPermanentRejection("outside the messaging window", err)
		case 102, 190:
			return channels.ErrPermanentRejection("page token rejected", err)
		case 100, 105:
			return channels.ErrInvalidInput("send api rejected payload", err)
		}
	}
	switch {
	case status == http.StatusTooManyRequests:
		return channels.ErrRateLimit("throttled by send api",
			fmt.Errorf("status %d", status))
	case status >= 500:
		return channels.ErrTransport("send api unavailable",
			fmt.Errorf("status %d", status))
	default:
		return channels.ErrPermanentRejection("send api refused send",
			fmt.Errorf("status %d", status))
	}
}
