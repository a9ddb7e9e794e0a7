package models

import "time"

// CustomerMood is a coarse read of the customer handed to agents on pickup.
type CustomerMood string

const (
	MoodEnthusiastic CustomerMood = "enthusiastic"
	MoodCurious      CustomerMood = "curious"
	MoodNeutral      CustomerMood = "neutral"
	MoodExpectant    CustomerMood = "expectant"
	MoodUndecided    CustomerMood = "undecided"
	MoodFrustrated   CustomerMood = "frustrated"
	MoodAngry        CustomerMood = "angry"
)

// AISummaryMaxBytes caps the summary handed to a human on escalation.
const AISummaryMaxBytes = 2048

// QueuedConversation is a waiting record in a department queue. While queued,
// AssignedAgentID is empty; assignment removes the record from the queue and
// moves it to the active map in one step.
type QueuedConversation struct {
	ConversationID  string               `json:"conversation_id"`
	Context         *ConversationContext `json:"context"`
	Department      Department           `json:"department"`
	Priority        int                  `json:"priority"`
	QueuedAt        time.Time            `json:"queued_at"`
	EstimatedWaitS  float64              `json:"estimated_wait_s"`
	AssignedAgentID string               `json:"assigned_agent_id,omitempty"`
	AISummary       string               `json:"ai_summary,omitempty"`
	CustomerMood    CustomerMood         `json:"customer_mood"`
}
