package messenger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/camino-travel/switchboard/internal/channels"
	"github.com/camino-travel/switchboard/pkg/models"
)

// WebhookPath returns the mount path for Graph webhook deliveries.
func (c *Connector) WebhookPath() string {
	return c.platform.webhookPath()
}

// HandleWebhook serves both the GET subscription handshake and POST message
// deliveries. Deliveries are acknowledged with 200 once parsed; processing
// happens downstream off the gateway's fan-in channel.
func (c *Connector) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		c.handleVerification(w, r)
	case http.MethodPost:
		c.handleDelivery(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerification echoes hub.challenge when the verify token matches.
func (c *Connector) handleVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != c.cfg.VerifyToken {
		c.Counters().RecordError(channels.ErrCodeUnauthorized)
		c.Logger().Warn("webhook verification rejected", "platform", string(c.platform))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// handleDelivery verifies the signature and fans incoming events out to the
// inbound channel.
func (c *Connector) handleDelivery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "Request entity too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if c.cfg.AppSecret != "" {
		if !channels.VerifyHubSignature(c.cfg.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
			c.Counters().RecordError(channels.ErrCodeUnauthorized)
			c.Logger().Warn("webhook signature mismatch", "platform", string(c.platform))
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if envelope.Object != c.platform.webhookObject() {
		c.Logger().Debug("ignoring delivery for foreign object", "object", envelope.Object)
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, entry := range envelope.Entry {
		for _, raw := range entry.Messaging {
			c.processEvent(raw)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// processEvent normalizes and emits one messaging event. Delivery and read
// receipts, reactions and echoes of the page's own sends are acknowledged
// silently.
func (c *Connector) processEvent(raw json.RawMessage) {
	var ev messagingEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.Counters().RecordError(channels.ErrCodeMalformedPayload)
		c.Logger().Warn("skipping unparseable messaging event", "error", err)
		return
	}

	if ev.Message != nil && ev.Message.IsEcho {
		c.Logger().Debug("ignoring echo of own send")
		return
	}
	if ev.Message == nil && ev.Postback == nil {
		c.Logger().Debug("ignoring non-message event")
		return
	}

	id := eventID(ev)
	if id == "" {
		c.Counters().RecordError(channels.ErrCodeMalformedPayload)
		c.Logger().Warn("messaging event without id")
		return
	}
	if c.dedup.Seen(c.platform.channelType(), id) {
		c.Counters().RecordMessageDropped()
		c.Logger().Debug("duplicate delivery dropped", "message_id", id)
		return
	}

	msg, err := c.normalize(ev, id)
	if err != nil {
		var chErr *channels.Error
		if errors.As(err, &chErr) && chErr.Code == channels.ErrCodeUnsupportedEvent {
			c.Logger().Debug("ignoring unsupported event", "message_id", id)
			return
		}
		c.Counters().RecordError(channels.ErrCodeMalformedPayload)
		c.Logger().Warn("failed to normalize event",
			"message_id", id,
			"error", err)
		return
	}
	msg.Raw = raw

	c.recordSender(id, ev.Sender.ID)
	c.emit(msg)
}

// eventID picks the dedup key: the mid where present, otherwise a composite
// for postbacks, which older clients deliver without one.
func eventID(ev messagingEvent) string {
	if ev.Message != nil {
		return ev.Message.MID
	}
	if ev.Postback == nil {
		return ""
	}
	if ev.Postback.MID != "" {
		return ev.Postback.MID
	}
	if ev.Sender.ID == "" {
		return ""
	}
	return fmt.Sprintf("postback:%s:%d", ev.Sender.ID, ev.Timestamp)
}

// normalize maps one messaging event onto the canonical inbound form. The
// sender's scoped id doubles as the conversation id; the Graph platforms have
// no thread concept for one-to-one chats.
func (c *Connector) normalize(ev messagingEvent, id string) (*models.NormalizedMessage, error) {
	if ev.Sender.ID == "" {
		return nil, channels.ErrMalformedPayload("event missing sender", nil)
	}

	msg := &models.NormalizedMessage{
		MessageID:      id,
		Channel:        c.platform.channelType(),
		UserID:         ev.Sender.ID,
		NativeUserID:   ev.Sender.ID,
		ConversationID: ev.Sender.ID,
		Timestamp:      millisToTime(ev.Timestamp),
	}

	if ev.Postback != nil {
		msg.Text = ev.Postback.Payload
		if msg.Text == "" {
			msg.Text = ev.Postback.Title
		}
		if msg.Text == "" {
			return nil, channels.ErrMalformedPayload("postback without payload", nil)
		}
		return msg, nil
	}

	m := ev.Message
	if m.QuickReply != nil && m.QuickReply.Payload != "" {
		msg.Text = m.QuickReply.Payload
		return msg, nil
	}

	for _, a := range m.Attachments {
		att, ok := normalizeAttachment(a)
		if !ok {
			continue
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	msg.Text = m.Text
	if msg.Text == "" && len(msg.Attachments) > 0 {
		msg.Text = attachmentText(msg.Attachments[0])
	}
	if msg.Text == "" {
		return nil, channels.ErrUnsupportedEvent("message without displayable content")
	}
	return msg, nil
}

// normalizeAttachment maps one Graph attachment. Share cards and fallback
// link previews carry no user content and are skipped.
func normalizeAttachment(a inAttachment) (models.Attachment, bool) {
	p := a.Payload
	switch a.Type {
	case "image":
		if p != nil && p.StickerID != 0 {
			return models.Attachment{
				Type:     models.AttachmentSticker,
				RemoteID: strconv.FormatInt(p.StickerID, 10),
				URL:      payloadURL(p),
			}, true
		}
		return models.Attachment{Type: models.AttachmentImage, URL: payloadURL(p)}, true
	case "video":
		return models.Attachment{Type: models.AttachmentVideo, URL: payloadURL(p)}, true
	case "audio":
		return models.Attachment{Type: models.AttachmentAudio, URL: payloadURL(p)}, true
	case "file":
		return models.Attachment{Type: models.AttachmentDocument, URL: payloadURL(p)}, true
	case "location":
		if p == nil || p.Coordinates == nil {
			return models.Attachment{}, false
		}
		return models.Attachment{
			Type:      models.AttachmentLocation,
			Latitude:  p.Coordinates.Lat,
			Longitude: p.Coordinates.Long,
		}, true
	case "story_mention":
		return models.Attachment{
			Type:     models.AttachmentImage,
			URL:      payloadURL(p),
			Metadata: map[string]string{"ig_source": "story_mention"},
		}, true
	default:
		return models.Attachment{}, false
	}
}

func payloadURL(p *attachmentPayload) string {
	if p == nil {
		return ""
	}
	return p.URL
}

// attachmentText returns the placeholder for the lead attachment. Story
// mentions read better called out as such than as a bare image.
func attachmentText(att models.Attachment) string {
	if att.Metadata["ig_source"] == "story_mention" {
		return "[story mention]"
	}
	return att.PlaceholderText()
}

// recordSender remembers which user sent an inbound id so MarkRead can
// resolve the mark_seen recipient later.
func (c *Connector) recordSender(messageID, sender string) {
	if sender == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.midSender) >= midSenderCap {
		c.midSender = make(map[string]string)
	}
	c.midSender[messageID] = sender
}

// emit hands a message to the inbound channel without blocking the webhook.
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

// millisToTime converts the platform's epoch-millisecond stamps.
func millisToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// Webhook payload shapes, per the Messenger Platform webhook reference.

type webhookEnvelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging,omitempty"`
}

type messagingEvent struct {
	Sender    userRef         `json:"sender"`
	Recipient userRef         `json:"recipient"`
	Timestamp int64           `json:"timestamp"`
	Message   *inboundMessage `json:"message,omitempty"`
	Postback  *postback       `json:"postback,omitempty"`
}

type userRef struct {
	ID string `json:"id"`
}

type inboundMessage struct {
	MID         string         `json:"mid"`
	Text        string         `json:"text,omitempty"`
	IsEcho      bool           `json:"is_echo,omitempty"`
	QuickReply  *quickReplyIn  `json:"quick_reply,omitempty"`
	Attachments []inAttachment `json:"attachments,omitempty"`
}

type quickReplyIn struct {
	Payload string `json:"payload"`
}

type inAttachment struct {
	Type    string             `json:"type"`
	Payload *attachmentPayload `json:"payload,omitempty"`
}

type attachmentPayload struct {
	URL         string       `json:"url,omitempty"`
	StickerID   int64        `json:"sticker_id,omitempty"`
	Coordinates *coordinates `json:"coordinates,omitempty"`
}

type coordinates struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

type postback struct {
	MID     string `json:"mid,omitempty"`
	Title   string `json:"title,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// Outbound payload shapes for the Send API me/messages endpoint.

type sendRequest struct {
	Recipient     recipientRef     `json:"recipient"`
	MessagingType string           `json:"messaging_type,omitempty"`
	Message       *outboundMessage `json:"message,omitempty"`
	SenderAction  string           `json:"sender_action,omitempty"`
}

type recipientRef struct {
	ID string `json:"id"`
}

type outboundMessage struct {
	Text         string              `json:"text,omitempty"`
	Attachment   *outboundAttachment `json:"attachment,omitempty"`
	QuickReplies []quickReply        `json:"quick_replies,omitempty"`
}

type outboundAttachment struct {
	Type    string         `json:"type"`
	Payload attachmentLink `json:"payload"`
}

type attachmentLink struct {
	URL        string `json:"url"`
	IsReusable bool   `json:"is_reusable,omitempty"`
}

type quickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

type sendResponse struct {
	RecipientID string    `json:"recipient_id,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	Error       *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}
