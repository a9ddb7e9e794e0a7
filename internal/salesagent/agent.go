// Package salesagent advances AI-handled sessions through a qualification and
// closing state machine. Each call is a pure function of the message plus the
// session state passed in; the gateway serializes calls per session, so the
// agent keeps no state of its own.
package salesagent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/camino-travel/switchboard/internal/chatbot"
	"github.com/camino-travel/switchboard/internal/router"
	"github.com/camino-travel/switchboard/pkg/models"
)

// Escalation reasons the agent emits. The queue records them verbatim on the
// queued conversation.
const (
	ReasonHighValue         = "high_value"
	ReasonExhaustedAttempts = "exhausted_attempts"
	ReasonLowConfidence     = "low_confidence"
)

// PatternSource yields the current hot-reloadable pattern set. *router.Router
// satisfies it.
type PatternSource interface {
	Patterns() *router.Patterns
}

// Config tunes the agent. Zero values take the documented defaults.
type Config struct {
	// MaxSalesAttempts bounds answering turns before a non-buying session
	// escalates. Default 5.
	MaxSalesAttempts int
	// ConfidenceFloor is the chatbot confidence under which the session
	// hands over to a human. Default 0.5.
	ConfidenceFloor float64
}

func (c Config) withDefaults() Config {
	if c.MaxSalesAttempts <= 0 {
		c.MaxSalesAttempts = 5
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.5
	}
	return c
}

// Response is the agent's verdict for one message. ReplyText may be empty
// when the agent only wants the session escalated.
type Response struct {
	ReplyText        string
	Intent           string
	QuickReplies     []models.QuickReply
	Escalate         bool
	EscalationReason string
}

// Agent is the AI sales conversation handler.
type Agent struct {
	cfg      Config
	engine   chatbot.Engine
	patterns PatternSource
}

// New builds an agent on the given chatbot engine and pattern source.
func New(cfg Config, engine chatbot.Engine, patterns PatternSource) *Agent {
	return &Agent{cfg: cfg.withDefaults(), engine: engine, patterns: patterns}
}

// Handle processes one user message, mutating conv and qual under the
// caller's session lock.
//
// Order of checks: escalation triggers, then closing signals, then field
// extraction, then the current stage's behavior.
func (a *Agent) Handle(ctx context.Context, msg *models.NormalizedMessage, conv *models.ConversationContext, qual *models.SalesQualification) (Response, error) {
	now := msg.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	text := msg.Text
	if strings.TrimSpace(text) == "" && len(msg.Attachments) > 0 {
		text = msg.Attachments[0].PlaceholderText()
	}
	folded := router.Fold(text)
	pats := a.patterns.Patterns()

	if reason, ok := pats.MatchEscalationTrigger(folded); ok {
		qual.Stage = models.StageEscalationRequested
		qual.UpdatedAt = now
		return Response{Intent: "escalation", Escalate: true, EscalationReason: reason}, nil
	}

	// A session mid-handover should not reach the agent again; answer
	// gently if it does.
	if qual.Stage == models.StageEscalationRequested {
		return Response{ReplyText: waitingForAgentReply, Intent: "waiting"}, nil
	}

	if pats.MatchClosing(folded) {
		qual.ReadyToBuy = true
		qual.Stage = models.StageClosing
	}

	captured := applyExtraction(folded, qual)
	qual.SetScore(scoreQualification(qual), now)

	if qual.Stage == models.StageSmallTalk {
		qual.Stage = models.StageQualifying
		qual.UpdatedAt = now
		if greetingOnlyRe.MatchString(folded) {
			question, quick := nextFieldQuestion(qual)
			return Response{
				ReplyText:    greetingReply + " " + question,
				Intent:       "greeting",
				QuickReplies: quick,
			}, nil
		}
		// A substantive first message skips the pleasantries.
	}

	switch qual.Stage {
	case models.StageClosing:
		return a.handleClosing(conv, qual, now), nil
	case models.StageAnswering:
		return a.handleAnswering(ctx, text, conv, qual, now)
	default:
		return a.handleQualifying(qual, captured, now), nil
	}
}

func (a *Agent) handleQualifying(qual *models.SalesQualification, captured bool, now time.Time) Response {
	if qual.IsQualified {
		qual.Stage = models.StageAnswering
		qual.UpdatedAt = now
		return Response{
			ReplyText:    qualifiedSummary(qual),
			Intent:       "qualified",
			QuickReplies: offerQuickReplies(),
		}
	}

	question, quick := nextFieldQuestion(qual)
	reply := question
	if captured {
		reply = ackPrefix + " " + question
	}
	return Response{ReplyText: reply, Intent: "qualifying", QuickReplies: quick}
}

func (a *Agent) handleAnswering(ctx context.Context, text string, conv *models.ConversationContext, qual *models.SalesQualification, now time.Time) (Response, error) {
	answer, err := a.engine.Reply(ctx, chatbot.Request{
		SessionKey: conv.SessionKey,
		Text:       text,
		Language:   conv.Contact.Language,
		History:    priorHistory(conv, text),
	})
	if err != nil {
		return Response{}, fmt.Errorf("salesagent: chatbot: %w", err)
	}

	if answer.Confidence < a.cfg.ConfidenceFloor {
		qual.Stage = models.StageEscalationRequested
		qual.UpdatedAt = now
		return Response{Intent: answer.Intent, Escalate: true, EscalationReason: ReasonLowConfidence}, nil
	}

	reply := answer.Text + " " + pushToClose[conv.AIAttempts%len(pushToClose)]
	conv.AIAttempts++

	if conv.AIAttempts >= a.cfg.MaxSalesAttempts && !qual.ReadyToBuy {
		qual.Stage = models.StageEscalationRequested
		qual.UpdatedAt = now
		return Response{
			ReplyText:        reply,
			Intent:           answer.Intent,
			Escalate:         true,
			EscalationReason: ReasonExhaustedAttempts,
		}, nil
	}
	return Response{ReplyText: reply, Intent: answer.Intent}, nil
}

func (a *Agent) handleClosing(conv *models.ConversationContext, qual *models.SalesQualification, now time.Time) Response {
	if !conv.Contact.HasReachableContact() {
		return Response{ReplyText: requestContactReply, Intent: "closing"}
	}

	if isHighValue(qual) {
		qual.Stage = models.StageEscalationRequested
		qual.UpdatedAt = now
		return Response{
			ReplyText:        closingHighValueReply,
			Intent:           "ready_to_buy",
			Escalate:         true,
			EscalationReason: ReasonHighValue,
		}
	}
	return Response{ReplyText: closingConfirmReply, Intent: "ready_to_buy"}
}

// isHighValue flags bookings worth a human closer: larger groups or budgets
// quoted in thousands.
func isHighValue(q *models.SalesQualification) bool {
	if q.GroupSize > 5 {
		return true
	}
	return highValueBudgetRe.MatchString(q.BudgetRange)
}

// priorHistory strips the current inbound message off the bounded history so
// the chatbot does not see it twice.
func priorHistory(conv *models.ConversationContext, current string) []models.HistoryEntry {
	h := conv.History
	if n := len(h); n > 0 && h[n-1].Sender == models.SenderUser && h[n-1].Text == current {
		return h[:n-1]
	}
	return h
}
