package telegram

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/camino-travel/switchboard/internal/channels"
	"github.com/camino-travel/switchboard/pkg/models"
	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// secretTokenHeader is echoed by Telegram on every delivery when a secret
// was registered with setWebhook.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookPath returns the mount path for Bot API deliveries.
func (c *Connector) WebhookPath() string {
	return "/webhook/telegram"
}

// HandleWebhook checks the secret token and hands the update to the bot
// client's dispatcher.
func (c *Connector) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if c.cfg.WebhookSecret != "" {
		token := r.Header.Get(secretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(c.cfg.WebhookSecret)) != 1 {
			c.Counters().RecordError(channels.ErrCodeUnauthorized)
			c.Logger().Warn("webhook secret token mismatch")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		http.Error(w, "Connector not started", http.StatusServiceUnavailable)
		return
	}
	handler(w, r)
}

// handleUpdate is the default handler for every update the bot client
// dispatches, in both webhook and long-polling mode.
func (c *Connector) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update == nil {
		return
	}

	if c.dedup.Seen(models.ChannelTelegram, strconv.FormatInt(update.ID, 10)) {
		c.Counters().RecordMessageDropped()
		c.Logger().Debug("duplicate update dropped", "update_id", update.ID)
		return
	}

	switch {
	case update.Message != nil:
		c.handleMessage(update.Message)
	case update.CallbackQuery != nil:
		c.handleCallback(ctx, update.CallbackQuery)
	default:
		c.Logger().Debug("ignoring unsupported update", "update_id", update.ID)
	}
}

// handleMessage normalizes and emits one user message. Posts without a
// sender and messages from other bots are ignored.
func (c *Connector) handleMessage(m *tgmodels.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}

	msg, err := c.normalize(m)
	if err != nil {
		var chErr *channels.Error
		if errors.As(err, &chErr) && chErr.Code == channels.ErrCodeUnsupportedEvent {
			c.Logger().Debug("ignoring unsupported message", "chat_id", m.Chat.ID)
			return
		}
		c.Counters().RecordError(channels.ErrCodeMalformedPayload)
		c.Logger().Warn("failed to normalize message",
			"chat_id", m.Chat.ID,
			"error", err)
		return
	}
	c.emit(msg)
}

// normalize maps one Bot API message onto the canonical inbound form.
func (c *Connector) normalize(m *tgmodels.Message) (*models.NormalizedMessage, error) {
	msg := &models.NormalizedMessage{
		MessageID:      strconv.FormatInt(m.Chat.ID, 10) + ":" + strconv.Itoa(m.ID),
		Channel:        models.ChannelTelegram,
		UserID:         strconv.FormatInt(m.From.ID, 10),
		Username:       displayName(m.From),
		NativeUserID:   strconv.FormatInt(m.From.ID, 10),
		ConversationID: strconv.FormatInt(m.Chat.ID, 10),
		Timestamp:      time.Unix(int64(m.Date), 0),
	}

	switch {
	case m.Text != "":
		msg.Text = m.Text

	case len(m.Photo) > 0:
		// Sizes are listed ascending; keep the original resolution.
		largest := m.Photo[len(m.Photo)-1]
		att := models.Attachment{Type: models.AttachmentImage, RemoteID: largest.FileID}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = captionOrPlaceholder(m.Caption, att)

	case m.Voice != nil:
		att := models.Attachment{Type: models.AttachmentVoice, RemoteID: m.Voice.FileID, MimeType: m.Voice.MimeType}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = att.PlaceholderText()

	case m.Audio != nil:
		att := models.Attachment{Type: models.AttachmentAudio, RemoteID: m.Audio.FileID, MimeType: m.Audio.MimeType}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = captionOrPlaceholder(m.Caption, att)

	case m.Video != nil:
		att := models.Attachment{Type: models.AttachmentVideo, RemoteID: m.Video.FileID, MimeType: m.Video.MimeType}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = captionOrPlaceholder(m.Caption, att)

	case m.Document != nil:
		att := models.Attachment{
			Type:     models.AttachmentDocument,
			RemoteID: m.Document.FileID,
			MimeType: m.Document.MimeType,
			Filename: m.Document.FileName,
		}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = captionOrPlaceholder(m.Caption, att)

	case m.Sticker != nil:
		att := models.Attachment{Type: models.AttachmentSticker, RemoteID: m.Sticker.FileID}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = att.PlaceholderText()

	case m.Location != nil:
		att := models.Attachment{
			Type:      models.AttachmentLocation,
			Latitude:  m.Location.Latitude,
			Longitude: m.Location.Longitude,
		}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = att.PlaceholderText()

	case m.Contact != nil:
		att := models.Attachment{
			Type:     models.AttachmentContact,
			Metadata: map[string]string{"phone_number": m.Contact.PhoneNumber},
		}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = att.PlaceholderText()

	default:
		// Joins, pins and other service messages are not user content.
		return nil, channels.ErrUnsupportedEvent("message without displayable content")
	}

	return msg, nil
}

// handleCallback turns a quick-reply button tap into a synthetic text
// message carrying the button payload.
func (c *Connector) handleCallback(ctx context.Context, cb *tgmodels.CallbackQuery) {
	chatID, ok := callbackChat(cb)
	if !ok || cb.Data == "" {
		c.Logger().Debug("ignoring callback without chat or payload",
			"callback_id", cb.ID)
		return
	}

	c.emit(&models.NormalizedMessage{
		MessageID:      "callback:" + cb.ID,
		Channel:        models.ChannelTelegram,
		UserID:         strconv.FormatInt(cb.From.ID, 10),
		Username:       displayName(&cb.From),
		Text:           cb.Data,
		Timestamp:      time.Now(),
		NativeUserID:   strconv.FormatInt(cb.From.ID, 10),
		ConversationID: strconv.FormatInt(chatID, 10),
	})

	client, err := c.api()
	if err != nil {
		return
	}
	// Acknowledge so the client stops the button spinner.
	if _, err := client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: cb.ID,
	}); err != nil {
		c.Logger().Debug("answer callback failed", "error", err)
	}
}

// callbackChat extracts the originating chat id. Telegram replaces messages
// older than 48 hours with an inaccessible stub that still carries the chat.
func callbackChat(cb *tgmodels.CallbackQuery) (int64, bool) {
	if cb.Message.Message != nil {
		return cb.Message.Message.Chat.ID, true
	}
	if cb.Message.InaccessibleMessage != nil {
		return cb.Message.InaccessibleMessage.Chat.ID, true
	}
	return 0, false
}

// emit hands a message to the inbound channel without blocking the
// dispatcher.
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

// displayName builds a human-readable name, falling back to the handle.
func displayName(u *tgmodels.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	return u.Username
}

func captionOrPlaceholder(caption string, att models.Attachment) string {
	if caption != "" {
		return caption
	}
	return att.PlaceholderText()
}
