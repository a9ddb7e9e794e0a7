package models

import "time"

// Timeline buckets how soon the customer intends to travel.
type Timeline string

const (
	TimelineImmediate   Timeline = "immediate"
	TimelineOneToTwoW   Timeline = "1-2w"
	TimelineOneToThreeM Timeline = "1-3m"
	TimelineLater       Timeline = ">3m"
	TimelineUnknown     Timeline = "unknown"
)

// QualifiedScoreFloor is the score at which a lead counts as qualified.
const QualifiedScoreFloor = 6.0

// SalesStage is where the sales conversation currently sits.
type SalesStage string

const (
	StageSmallTalk           SalesStage = "small_talk"
	StageQualifying          SalesStage = "qualifying"
	StageAnswering           SalesStage = "answering"
	StageClosing             SalesStage = "closing"
	StageEscalationRequested SalesStage = "escalation_requested"
)

// SalesQualification is the per-session lead-fitness record maintained by the
// sales agent. It is created and evicted together with its conversation.
type SalesQualification struct {
	SessionKey    string     `json:"session_key"`
	Stage         SalesStage `json:"stage"`
	BudgetRange   string     `json:"budget_range,omitempty"`
	Timeline      Timeline   `json:"timeline"`
	DecisionMaker bool       `json:"decision_maker"`
	GroupSize     int        `json:"group_size,omitempty"`
	Destinations  []string   `json:"destinations,omitempty"`
	SpecificNeeds []string   `json:"specific_needs,omitempty"`
	Score         float64    `json:"qualification_score"`
	ReadyToBuy    bool       `json:"ready_to_buy"`
	IsQualified   bool       `json:"is_qualified"`
	UpdatedAt     time.Time  `json:"updated_at"`
	QualifiedAt   *time.Time `json:"qualified_at,omitempty"`
}

// NewSalesQualification returns an empty record for a session.
func NewSalesQualification(sessionKey string) *SalesQualification {
	return &SalesQualification{
		SessionKey: sessionKey,
		Stage:      StageSmallTalk,
		Timeline:   TimelineUnknown,
	}
}

// SetScore clamps the score into [0,10] and keeps IsQualified in lockstep
// with the qualification floor.
func (q *SalesQualification) SetScore(score float64, now time.Time) {
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	q.Score = score
	q.UpdatedAt = now
	qualified := score >= QualifiedScoreFloor
	if qualified && !q.IsQualified {
		t := now
		q.QualifiedAt = &t
	}
	q.IsQualified = qualified
}

// HasDestination reports whether dest was already captured.
func (q *SalesQualification) HasDestination(dest string) bool {
	for _, d := range q.Destinations {
		if d == dest {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand outside the session lock.
func (q *SalesQualification) Clone() *SalesQualification {
	if q == nil {
		return nil
	}
	cp := *q
	if q.QualifiedAt != nil {
		t := *q.QualifiedAt
		cp.QualifiedAt = &t
	}
	if len(q.Destinations) > 0 {
		cp.Destinations = append([]string(nil), q.Destinations...)
	}
	if len(q.SpecificNeeds) > 0 {
		cp.SpecificNeeds = append([]string(nil), q.SpecificNeeds...)
	}
	return &cp
}
