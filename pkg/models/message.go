package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChannelType identifies a messaging transport.
type ChannelType string

const (
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelTelegram  ChannelType = "telegram"
	ChannelMessenger ChannelType = "messenger"
	ChannelInstagram ChannelType = "instagram"
	ChannelWebChat   ChannelType = "webchat"
	ChannelSMS       ChannelType = "sms"
	ChannelEmail     ChannelType = "email"
)

// Valid reports whether the channel is one of the known transports.
func (c ChannelType) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelTelegram, ChannelMessenger, ChannelInstagram,
		ChannelWebChat, ChannelSMS, ChannelEmail:
		return true
	}
	return false
}

// Sender indicates who authored a conversation entry.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAI    Sender = "ai"
	SenderHuman Sender = "human"
)

// AttachmentType classifies non-text message content.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentVideo    AttachmentType = "video"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentVoice    AttachmentType = "voice"
	AttachmentDocument AttachmentType = "document"
	AttachmentLocation AttachmentType = "location"
	AttachmentContact  AttachmentType = "contact"
	AttachmentSticker  AttachmentType = "sticker"
)

// Attachment is a piece of non-text content carried by an inbound message.
type Attachment struct {
	Type      AttachmentType    `json:"type"`
	RemoteID  string            `json:"remote_id"`
	URL       string            `json:"url,omitempty"`
	MimeType  string            `json:"mime_type,omitempty"`
	Filename  string            `json:"filename,omitempty"`
	Latitude  float64           `json:"latitude,omitempty"`
	Longitude float64           `json:"longitude,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// PlaceholderText renders an attachment as a routable text stand-in so the
// router always operates on a non-empty string.
func (a Attachment) PlaceholderText() string {
	switch a.Type {
	case AttachmentLocation:
		return fmt.Sprintf("[location: %g,%g]", a.Latitude, a.Longitude)
	case AttachmentContact:
		return "[contact]"
	case AttachmentSticker:
		return "[sticker]"
	default:
		return "[" + string(a.Type) + "]"
	}
}

// NormalizedMessage is the canonical inbound message produced by every
// connector. It is treated as immutable after normalization.
type NormalizedMessage struct {
	MessageID string      `json:"message_id"`
	Channel   ChannelType `json:"channel"`
	UserID    string      `json:"user_id"`
	Username  string      `json:"username,omitempty"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// Transport-native identifiers. ConversationID is unique within a
	// channel and forms the session key together with Channel.
	NativeUserID   string `json:"native_user_id"`
	ConversationID string `json:"conversation_id"`

	Raw json.RawMessage `json:"raw,omitempty"`
}

// SessionKey returns the registry key for the conversation this message
// belongs to.
func (m *NormalizedMessage) SessionKey() string {
	return SessionKey(m.Channel, m.ConversationID)
}

// SessionKey builds the canonical session key for a channel conversation.
func SessionKey(channel ChannelType, conversationID string) string {
	return string(channel) + ":" + conversationID
}

// QuickReply is a structured button offered to the user. Selecting it sends
// Payload back as a regular message.
type QuickReply struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// MediaKind enumerates sendable outbound media.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// OutboundMessage is what the gateway hands to a connector for delivery.
type OutboundMessage struct {
	Recipient    string       `json:"recipient"`
	Text         string       `json:"text,omitempty"`
	MediaKind    MediaKind    `json:"media_kind,omitempty"`
	MediaURL     string       `json:"media_url,omitempty"`
	Caption      string       `json:"caption,omitempty"`
	QuickReplies []QuickReply `json:"quick_replies,omitempty"`
}

// DeliveryReceipt reports a successful transport send.
type DeliveryReceipt struct {
	TransportMessageID string    `json:"transport_message_id"`
	SentAt             time.Time `json:"sent_at"`
}

// HistoryEntry is one bounded-history record on a conversation.
type HistoryEntry struct {
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Intent    Intent    `json:"intent,omitempty"`
	Sentiment string    `json:"sentiment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
