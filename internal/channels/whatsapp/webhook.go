package whatsapp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/camino-travel/switchboard/internal/channels"
	"github.com/camino-travel/switchboard/pkg/models"
)

// WebhookPath returns the mount path for Cloud API deliveries.
func (c *Connector) WebhookPath() string {
	return "/webhook/whatsapp"
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
		c.Logger().Warn("webhook verification rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// handleDelivery verifies the signature and fans incoming messages out to
// the inbound channel.
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
			c.Logger().Warn("webhook signature mismatch")
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if envelope.Object != "whatsapp_business_account" {
		c.Logger().Debug("ignoring delivery for foreign object", "object", envelope.Object)
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			c.processChange(change.Value)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// processChange normalizes and emits each message in one change value.
// Status callbacks (sent/delivered/read receipts) are acknowledged silently.
func (c *Connector) processChange(v changeValue) {
	for _, raw := range v.Messages {
		var m inboundMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			c.Counters().RecordError(channels.ErrCodeMalformedPayload)
			c.Logger().Warn("skipping unparseable message entry", "error", err)
			continue
		}

		if c.dedup.Seen(models.ChannelWhatsApp, m.ID) {
			c.Counters().RecordMessageDropped()
			c.Logger().Debug("duplicate delivery dropped", "message_id", m.ID)
			continue
		}

		msg, err := c.normalize(v, m)
		if err != nil {
			var chErr *channels.Error
			if errors.As(err, &chErr) && chErr.Code == channels.ErrCodeUnsupportedEvent {
				c.Logger().Debug("ignoring unsupported message", "type", m.Type)
				continue
			}
			c.Counters().RecordError(channels.ErrCodeMalformedPayload)
			c.Logger().Warn("failed to normalize message",
				"message_id", m.ID,
				"error", err)
			continue
		}
		msg.Raw = raw

		c.mu.Lock()
		c.lastInbound[m.From] = m.ID
		c.mu.Unlock()

		c.emit(msg)
	}
}

// normalize maps one Cloud API message onto the canonical inbound form.
// The user's wa_id doubles as the conversation id; WhatsApp has no thread
// concept.
func (c *Connector) normalize(v changeValue, m inboundMessage) (*models.NormalizedMessage, error) {
	if m.ID == "" || m.From == "" {
		return nil, channels.ErrMalformedPayload("message missing id or sender", nil)
	}

	msg := &models.NormalizedMessage{
		MessageID:      m.ID,
		Channel:        models.ChannelWhatsApp,
		UserID:         m.From,
		Username:       contactName(v.Contacts, m.From),
		NativeUserID:   m.From,
		ConversationID: m.From,
		Timestamp:      parseTimestamp(m.Timestamp),
	}

	switch m.Type {
	case "text":
		if m.Text == nil {
			return nil, channels.ErrMalformedPayload("text message without body", nil)
		}
		msg.Text = m.Text.Body

	case "button":
		if m.Button == nil {
			return nil, channels.ErrMalformedPayload("button message without payload", nil)
		}
		msg.Text = m.Button.Payload
		if msg.Text == "" {
			msg.Text = m.Button.Text
		}

	case "interactive":
		choice := m.Interactive.choice()
		if choice == nil {
			return nil, channels.ErrUnsupportedEvent("interactive event without reply")
		}
		msg.Text = choice.ID
		if msg.Text == "" {
			msg.Text = choice.Title
		}

	case "image":
		if m.Image == nil {
			return nil, channels.ErrMalformedPayload("image message without media", nil)
		}
		att := models.Attachment{Type: models.AttachmentImage, RemoteID: m.Image.ID, MimeType: m.Image.MimeType}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = captionOrPlaceholder(m.Image.Caption, att)

	case "video":
		if m.Video == nil {
			return nil, channels.ErrMalformedPayload("video message without media", nil)
		}
		att := models.Attachment{Type: models.AttachmentVideo, RemoteID: m.Video.ID, MimeType: m.Video.MimeType}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = captionOrPlaceholder(m.Video.Caption, att)

	case "audio":
		if m.Audio == nil {
			return nil, channels.ErrMalformedPayload("audio message without media", nil)
		}
		kind := models.AttachmentAudio
		if m.Audio.Voice {
			kind = models.AttachmentVoice
		}
		att := models.Attachment{Type: kind, RemoteID: m.Audio.ID, MimeType: m.Audio.MimeType}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = att.PlaceholderText()

	case "document":
		if m.Document == nil {
			return nil, channels.ErrMalformedPayload("document message without media", nil)
		}
		att := models.Attachment{
			Type:     models.AttachmentDocument,
			RemoteID: m.Document.ID,
			MimeType: m.Document.MimeType,
			Filename: m.Document.Filename,
		}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = captionOrPlaceholder(m.Document.Caption, att)

	case "sticker":
		if m.Sticker == nil {
			return nil, channels.ErrMalformedPayload("sticker message without media", nil)
		}
		att := models.Attachment{Type: models.AttachmentSticker, RemoteID: m.Sticker.ID, MimeType: m.Sticker.MimeType}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = att.PlaceholderText()

	case "location":
		if m.Location == nil {
			return nil, channels.ErrMalformedPayload("location message without coordinates", nil)
		}
		att := models.Attachment{
			Type:      models.AttachmentLocation,
			Latitude:  m.Location.Latitude,
			Longitude: m.Location.Longitude,
		}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = att.PlaceholderText()

	case "contacts":
		att := models.Attachment{Type: models.AttachmentContact}
		msg.Attachments = append(msg.Attachments, att)
		msg.Text = att.PlaceholderText()

	default:
		// Reactions, order updates and system notices are not user messages.
		return nil, channels.ErrUnsupportedEvent("event type " + m.Type)
	}

	return msg, nil
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

func captionOrPlaceholder(caption string, att models.Attachment) string {
	if caption != "" {
		return caption
	}
	return att.PlaceholderText()
}

func contactName(contacts []contact, waID string) string {
	for _, ct := range contacts {
		if ct.WaID == waID {
			return ct.Profile.Name
		}
	}
	return ""
}

func parseTimestamp(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}

// Webhook payload shapes, per the Cloud API messages field.

type webhookEnvelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         metadata          `json:"metadata"`
	Contacts         []contact         `json:"contacts,omitempty"`
	Messages         []json.RawMessage `json:"messages,omitempty"`
	Statuses         []json.RawMessage `json:"statuses,omitempty"`
}

type metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type contact struct {
	WaID    string  `json:"wa_id"`
	Profile profile `json:"profile"`
}

type profile struct {
	Name string `json:"name"`
}

type inboundMessage struct {
	From        string       `json:"from"`
	ID          string       `json:"id"`
	Timestamp   string       `json:"timestamp"`
	Type        string       `json:"type"`
	Text        *textBody    `json:"text,omitempty"`
	Image       *inMedia     `json:"image,omitempty"`
	Video       *inMedia     `json:"video,omitempty"`
	Audio       *inMedia     `json:"audio,omitempty"`
	Document    *inMedia     `json:"document,omitempty"`
	Sticker     *inMedia     `json:"sticker,omitempty"`
	Location    *inLocation  `json:"location,omitempty"`
	Button      *inButton    `json:"button,omitempty"`
	Interactive *interactive `json:"interactive,omitempty"`
}

type textBody struct {
	Body string `json:"body"`
}

type inMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

type inLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type inButton struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type interactive struct {
	Type        string       `json:"type"`
	ButtonReply *replyChoice `json:"button_reply,omitempty"`
	ListReply   *replyChoice `json:"list_reply,omitempty"`
}

// choice returns whichever reply variant is present.
func (i *interactive) choice() *replyChoice {
	if i == nil {
		return nil
	}
	if i.ButtonReply != nil {
		return i.ButtonReply
	}
	return i.ListReply
}

type replyChoice struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Outbound payload shapes for the Graph messages endpoint.

type outboundPayload struct {
	MessagingProduct string               `json:"messaging_product"`
	RecipientType    string               `json:"recipient_type,omitempty"`
	To               string               `json:"to,omitempty"`
	Type             string               `json:"type,omitempty"`
	Text             *outboundText        `json:"text,omitempty"`
	Image            *outboundMedia       `json:"image,omitempty"`
	Video            *outboundMedia       `json:"video,omitempty"`
	Audio            *outboundMedia       `json:"audio,omitempty"`
	Document         *outboundMedia       `json:"document,omitempty"`
	Interactive      *outboundInteractive `json:"interactive,omitempty"`

	// Mark-read and typing-indicator fields.
	Status          string           `json:"status,omitempty"`
	MessageID       string           `json:"message_id,omitempty"`
	TypingIndicator *typingIndicator `json:"typing_indicator,omitempty"`
}

type outboundText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type outboundMedia struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type outboundInteractive struct {
	Type   string            `json:"type"`
	Body   interactiveBody   `json:"body"`
	Action interactiveAction `json:"action"`
}

type interactiveBody struct {
	Text string `json:"text"`
}

type interactiveAction struct {
	Buttons []interactiveButton `json:"buttons"`
}

type interactiveButton struct {
	Type  string      `json:"type"`
	Reply replyChoice `json:"reply"`
}

type typingIndicator struct {
	Type string `json:"type"`
}

type sendResponse struct {
	Messages []sentMessage `json:"messages,omitempty"`
	Error    *apiError     `json:"error,omitempty"`
}

type sentMessage struct {
	ID string `json:"id"`
}

type apiError struct {
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}
