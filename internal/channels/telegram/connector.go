// Package telegram implements the Telegram Bot API connector. Updates
// arrive through a registered webhook or via long polling; outbound traffic
// goes through the go-telegram/bot client.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/camino-travel/switchboard/internal/channels"
	"github.com/camino-travel/switchboard/pkg/models"
	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

const (
	// textLimit is the maximum characters per message body.
	textLimit = 4096

	// callbackDataLimit is the Bot API cap on callback_data, in bytes.
	callbackDataLimit = 64

	inboundBuffer = 100

	dedupTTL        = 10 * time.Minute
	dedupMaxEntries = 4096
)

// Config holds configuration for the Telegram connector.
type Config struct {
	// Token is the bot token issued by @BotFather (required).
	Token string

	// WebhookURL is the public HTTPS endpoint registered with Telegram.
	// When empty the connector falls back to long polling, which needs no
	// public ingress and suits local development.
	WebhookURL string

	// WebhookSecret is registered with setWebhook and echoed back by
	// Telegram in the X-Telegram-Bot-Api-Secret-Token header on every
	// delivery. Empty disables the check.
	WebhookSecret string

	// RateLimit is outbound API calls per second.
	RateLimit float64

	// RateBurst is the outbound burst capacity.
	RateBurst int

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 30 // Telegram allows roughly 30 messages per second
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Connector is the Telegram connector. One bot account serves the channel;
// chat ids double as conversation ids, so private chats and group threads
// both map to stable sessions.
type Connector struct {
	*channels.Base

	cfg      Config
	limiter  *channels.RateLimiter
	dedup    *channels.Deduper
	messages chan *models.NormalizedMessage

	mu      sync.RWMutex
	client  BotClient
	handler http.HandlerFunc
	cancel  context.CancelFunc
	closed  bool

	wg sync.WaitGroup
}

var _ channels.WebhookConnector = (*Connector)(nil)

// New creates a Telegram connector from the given configuration.
func New(cfg Config) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Connector{
		Base:     channels.NewBase(models.ChannelTelegram, cfg.Logger),
		cfg:      cfg,
		limiter:  channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		dedup:    channels.NewDeduper(dedupTTL, dedupMaxEntries),
		messages: make(chan *models.NormalizedMessage, inboundBuffer),
	}, nil
}

// Start validates the bot token, registers the webhook when one is
// configured and launches the update dispatcher.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.client == nil {
		b, err := bot.New(c.cfg.Token,
			bot.WithSkipGetMe(),
			bot.WithDefaultHandler(c.handleUpdate))
		if err != nil {
			c.mu.Unlock()
			c.Counters().RecordError(channels.ErrCodeConfig)
			return channels.ErrConfig("failed to build telegram client", err)
		}
		c.client = newRealBotClient(b)
	}
	client := c.client
	c.handler = client.WebhookHandler()
	c.mu.Unlock()

	me, err := client.GetMe(ctx)
	if err != nil {
		c.SetStatus(false, "bot token rejected")
		c.Counters().RecordError(channels.ErrCodeUnauthorized)
		return channels.ErrUnauthorized("telegram rejected bot token", err)
	}

	if c.cfg.WebhookURL != "" {
		if _, err := client.SetWebhook(ctx, &bot.SetWebhookParams{
			URL:         c.cfg.WebhookURL,
			SecretToken: c.cfg.WebhookSecret,
		}); err != nil {
			c.SetStatus(false, "webhook registration failed")
			c.Counters().RecordError(channels.ErrCodeTransport)
			return channels.ErrTransport("failed to register telegram webhook", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.cfg.WebhookURL != "" {
			client.StartWebhook(runCtx)
		} else {
			client.Start(runCtx)
		}
	}()

	c.SetStatus(true, "")
	c.Logger().Info("telegram connector started",
		"bot", me.Username,
		"mode", c.mode())
	return nil
}

func (c *Connector) mode() string {
	if c.cfg.WebhookURL != "" {
		return "webhook"
	}
	return "long_polling"
}

// Stop cancels the update dispatcher and closes the inbound channel. Safe
// to call more than once.
func (c *Connector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.Counters().RecordError(channels.ErrCodeTimeout)
		return channels.ErrTimeout("stop timed out", ctx.Err())
	}

	c.mu.Lock()
	close(c.messages)
	c.mu.Unlock()

	c.SetStatus(false, "")
	c.Logger().Info("telegram connector stopped")
	return nil
}

// Type returns the channel type.
func (c *Connector) Type() models.ChannelType {
	return models.ChannelTelegram
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
		r, err := c.sendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatRef(to),
			Text:   chunk,
		})
		if err != nil {
			return nil, err
		}
		receipt = r
	}
	return receipt, nil
}

// SendMedia delivers media by URL. Telegram fetches the file itself and
// carries the caption inline for every kind.
func (c *Connector) SendMedia(ctx context.Context, to string, kind models.MediaKind, url, caption string) (*models.DeliveryReceipt, error) {
	if to == "" {
		return nil, channels.ErrInvalidInput("recipient is required", nil)
	}
	if url == "" {
		return nil, channels.ErrInvalidInput("media url is required", nil)
	}

	client, err := c.api()
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, channels.ErrTimeout("rate limit wait cancelled", err)
	}

	ref := chatRef(to)
	file := &tgmodels.InputFileString{Data: url}
	start := time.Now()

	var sent *tgmodels.Message
	switch kind {
	case models.MediaImage:
		sent, err = client.SendPhoto(ctx, &bot.SendPhotoParams{ChatID: ref, Photo: file, Caption: caption})
	case models.MediaVideo:
		sent, err = client.SendVideo(ctx, &bot.SendVideoParams{ChatID: ref, Video: file, Caption: caption})
	case models.MediaAudio:
		sent, err = client.SendAudio(ctx, &bot.SendAudioParams{ChatID: ref, Audio: file, Caption: caption})
	case models.MediaDocument:
		sent, err = client.SendDocument(ctx, &bot.SendDocumentParams{ChatID: ref, Document: file, Caption: caption})
	default:
		return nil, channels.ErrInvalidInput(fmt.Sprintf("unsupported media kind %q", kind), nil)
	}
	return c.finishSend(start, sent, err)
}

// SendQuickReplies delivers text with one inline keyboard button per
// choice. Telegram puts no hard cap on keyboard rows, so every option ships
// as its own button and a tap comes back as a callback query.
func (c *Connector) SendQuickReplies(ctx context.Context, to, text string, choices []models.QuickReply) (*models.DeliveryReceipt, error) {
	if len(choices) == 0 {
		return c.SendText(ctx, to, text)
	}
	if to == "" {
		return nil, channels.ErrInvalidInput("recipient is required", nil)
	}

	rows := make([][]tgmodels.InlineKeyboardButton, 0, len(choices))
	for _, choice := range choices {
		payload := choice.Payload
		if payload == "" {
			payload = choice.Title
		}
		rows = append(rows, []tgmodels.InlineKeyboardButton{{
			Text:         choice.Title,
			CallbackData: clipBytes(payload, callbackDataLimit),
		}})
	}

	return c.sendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatRef(to),
		Text:        text,
		ReplyMarkup: &tgmodels.InlineKeyboardMarkup{InlineKeyboard: rows},
	})
}

// SendTyping shows the typing indicator for up to five seconds.
func (c *Connector) SendTyping(ctx context.Context, to string) {
	client, err := c.api()
	if err != nil {
		return
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := client.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatRef(to),
		Action: tgmodels.ChatActionTyping,
	}); err != nil {
		c.Logger().Debug("typing action failed",
			"recipient", to,
			"error", err)
	}
}

// MarkRead is a no-op: the Bot API exposes no read receipts for bots.
func (c *Connector) MarkRead(ctx context.Context, messageID string) {}

// HealthCheck verifies the bot token with a getMe round trip.
func (c *Connector) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	health := channels.HealthStatus{LastCheck: start}

	client, err := c.api()
	if err != nil {
		health.Latency = time.Since(start)
		health.Message = err.Error()
		return health
	}

	if _, err := client.GetMe(ctx); err != nil {
		health.Latency = time.Since(start)
		health.Message = fmt.Sprintf("getMe failed: %v", err)
		return health
	}

	health.Latency = time.Since(start)
	health.Healthy = true
	health.Message = "connected"
	return health
}

// api returns the bot client, failing before Start has run.
func (c *Connector) api() (BotClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, channels.ErrInternal("connector not started", nil)
	}
	return c.client, nil
}

// sendMessage performs one rate-limited sendMessage call with metrics.
func (c *Connector) sendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.DeliveryReceipt, error) {
	client, err := c.api()
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, channels.ErrTimeout("rate limit wait cancelled", err)
	}

	start := time.Now()
	sent, err := client.SendMessage(ctx, params)
	return c.finishSend(start, sent, err)
}

// finishSend turns a Bot API result into a delivery receipt and records
// delivery metrics.
func (c *Connector) finishSend(start time.Time, sent *tgmodels.Message, err error) (*models.DeliveryReceipt, error) {
	if err != nil {
		c.Counters().RecordMessageFailed()
		cerr := classifySendError(err)
		c.Counters().RecordError(cerr.Code)
		return nil, cerr
	}

	c.Counters().RecordMessageSent()
	c.Counters().RecordSendLatency(time.Since(start))

	receipt := &models.DeliveryReceipt{SentAt: time.Now()}
	if sent != nil {
		receipt.TransportMessageID = strconv.Itoa(sent.ID)
	}
	return receipt, nil
}

// classifySendError maps Bot API failures onto connector error kinds.
func classifySendError(err error) *channels.Error {
	switch {
	case errors.Is(err, bot.ErrorForbidden):
		// The user blocked the bot or never opened the chat.
		return channels.ErrPermanentRejection("recipient unreachable", err)
	case errors.Is(err, bot.ErrorTooManyRequests):
		return channels.ErrRateLimit("throttled by bot api", err)
	case errors.Is(err, bot.ErrorBadRequest):
		return channels.ErrInvalidInput("bot api rejected payload", err)
	case errors.Is(err, bot.ErrorUnauthorized):
		return channels.ErrUnauthorized("bot token rejected", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return channels.ErrTimeout("send cancelled", err)
	default:
		return channels.ErrTransport("bot api send failed", err)
	}
}

// chatRef resolves the wire recipient: numeric ids pass as int64, anything
// else (an @channelname) passes through as-is.
func chatRef(to string) any {
	if id, err := strconv.ParseInt(to, 10, 64); err == nil {
		return id
	}
	return to
}

// clipBytes truncates s to at most max bytes without splitting a rune.
func clipBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
