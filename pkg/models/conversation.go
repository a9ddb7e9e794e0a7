package models

import (
	"time"
)

// Department is the coarse routing bucket for human agents.
type Department string

const (
	DeptCustomerService  Department = "customer_service"
	DeptGroupsQuotes     Department = "groups_quotes"
	DeptGeneralInfo      Department = "general_info"
	DeptSales            Department = "sales"
	DeptTechnicalSupport Department = "technical_support"
	DeptVIPService       Department = "vip_service"
	DeptUnknown          Department = "unknown"
)

// Departments lists every routable department.
func Departments() []Department {
	return []Department{
		DeptCustomerService, DeptGroupsQuotes, DeptGeneralInfo,
		DeptSales, DeptTechnicalSupport, DeptVIPService,
	}
}

// Valid reports whether d names a known department (including unknown).
func (d Department) Valid() bool {
	switch d {
	case DeptCustomerService, DeptGroupsQuotes, DeptGeneralInfo, DeptSales,
		DeptTechnicalSupport, DeptVIPService, DeptUnknown:
		return true
	}
	return false
}

// Intent is the classified purpose of an inbound message.
type Intent string

const (
	IntentBooking      Intent = "booking"
	IntentQuote        Intent = "quote"
	IntentInfo         Intent = "info"
	IntentComplaint    Intent = "complaint"
	IntentModification Intent = "modification"
	IntentCancellation Intent = "cancellation"
	IntentQuestion     Intent = "question"
	IntentBrowsing     Intent = "browsing"
	IntentUnknown      Intent = "unknown"
)

// CustomerType is the router's running classification of the customer.
type CustomerType string

const (
	CustomerNew        CustomerType = "new"
	CustomerReturning  CustomerType = "returning"
	CustomerVIP        CustomerType = "vip"
	CustomerGroup      CustomerType = "group"
	CustomerPotential  CustomerType = "potential"
	CustomerTimeWaster CustomerType = "time_waster"
)

// RoutingMode selects how sessions flow between AI and humans.
//
// ai_only and hybrid are reserved: they validate and are stored, but the
// router currently treats them exactly like ai_first.
type RoutingMode string

const (
	RoutingAIFirst     RoutingMode = "ai_first"
	RoutingHumanDirect RoutingMode = "human_direct"
	RoutingAIOnly      RoutingMode = "ai_only"
	RoutingHybrid      RoutingMode = "hybrid"
)

// Valid reports whether m is a recognized routing mode.
func (m RoutingMode) Valid() bool {
	switch m {
	case RoutingAIFirst, RoutingHumanDirect, RoutingAIOnly, RoutingHybrid:
		return true
	}
	return false
}

// AgentKind says what is currently handling a conversation.
type AgentKind string

const (
	AgentKindAI    AgentKind = "ai"
	AgentKindHuman AgentKind = "human"
	AgentKindNone  AgentKind = "none"
)

// ContactInfo accumulates identifiers extracted from the conversation.
// Verified values are never overwritten by later extraction.
type ContactInfo struct {
	Name        string     `json:"name,omitempty"`
	Email       string     `json:"email,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Country     string     `json:"country,omitempty"`
	Language    string     `json:"language,omitempty"`
	Verified    bool       `json:"verified"`
	CollectedAt *time.Time `json:"collected_at,omitempty"`
}

// HasReachableContact reports whether we can follow up outside the channel.
func (c ContactInfo) HasReachableContact() bool {
	return c.Email != "" || c.Phone != ""
}

// Populated reports whether any identifying field has been collected.
func (c ContactInfo) Populated() bool {
	return c.Name != "" || c.Email != "" || c.Phone != ""
}

// DefaultHistoryLimit bounds per-conversation message history.
const DefaultHistoryLimit = 50

// ConversationContext is the mutable per-session state. The gateway owns the
// registry of contexts; all mutation happens under the per-session lock, so
// the struct itself carries no synchronization.
type ConversationContext struct {
	SessionKey     string      `json:"session_key"`
	Channel        ChannelType `json:"channel"`
	ConversationID string      `json:"conversation_id"`
	UserID         string      `json:"user_id"`
	DisplayName    string      `json:"display_name,omitempty"`

	Department   Department   `json:"department"`
	Intent       Intent       `json:"intent"`
	CustomerType CustomerType `json:"customer_type"`
	RoutingMode  RoutingMode  `json:"routing_mode"`

	CurrentAgentKind AgentKind `json:"current_agent_kind"`
	CurrentAgentID   string    `json:"current_agent_id,omitempty"`

	Contact ContactInfo `json:"contact_info"`

	MessageCount    int `json:"message_count"`
	QuestionCount   int `json:"question_count"`
	PurchaseSignals int `json:"purchase_signals"`
	AIAttempts      int `json:"ai_attempts"`

	TimeWasterScore float64 `json:"time_waster_score"`

	// Priority runs 1..5 with 1 most urgent.
	Priority int `json:"priority"`

	Escalated        bool   `json:"escalated"`
	EscalationReason string `json:"escalation_reason,omitempty"`
	Resolved         bool   `json:"resolved"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	History []HistoryEntry `json:"history,omitempty"`
}

// NewConversationContext initializes state for a first-contact session.
func NewConversationContext(msg *NormalizedMessage, mode RoutingMode, now time.Time) *ConversationContext {
	return &ConversationContext{
		SessionKey:       msg.SessionKey(),
		Channel:          msg.Channel,
		ConversationID:   msg.ConversationID,
		UserID:           msg.UserID,
		DisplayName:      msg.Username,
		Department:       DeptUnknown,
		Intent:           IntentUnknown,
		CustomerType:     CustomerNew,
		RoutingMode:      mode,
		CurrentAgentKind: AgentKindNone,
		Priority:         3,
		CreatedAt:        now,
		LastActivityAt:   now,
	}
}

// AppendHistory records an entry, discarding the oldest once limit is hit.
func (c *ConversationContext) AppendHistory(entry HistoryEntry, limit int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	c.History = append(c.History, entry)
	if len(c.History) > limit {
		c.History = c.History[len(c.History)-limit:]
	}
}

// Touch updates the activity timestamp used for idle eviction.
func (c *ConversationContext) Touch(now time.Time) {
	c.LastActivityAt = now
}

// Clone returns a deep copy safe to hand outside the session lock.
func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Contact.CollectedAt != nil {
		t := *c.Contact.CollectedAt
		cp.Contact.CollectedAt = &t
	}
	if len(c.History) > 0 {
		cp.History = make([]HistoryEntry, len(c.History))
		copy(cp.History, c.History)
	}
	return &cp
}
