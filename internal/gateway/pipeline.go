package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/camino-travel/switchboard/internal/channels"
	"github.com/camino-travel/switchboard/internal/observability"
	"github.com/camino-travel/switchboard/internal/queue"
	"github.com/camino-travel/switchboard/internal/salesagent"
	"github.com/camino-travel/switchboard/internal/sessions"
	"github.com/camino-travel/switchboard/pkg/models"
)

// escalationPriority is where AI-initiated handoffs land in the queue.
const escalationPriority = 2

// handleMessage processes one inbound message end to end. Panics are
// confined to the message: the session lock unwinds, the failure is logged
// sanitized, and the user gets the generic failure notice.
func (s *Server) handleMessage(ctx context.Context, msg *models.NormalizedMessage) {
	channel := string(msg.Channel)
	start := time.Now()
	defer func() {
		s.metrics.MessageDuration.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	}()

	ctx = context.WithValue(ctx, observability.RequestIDKey, uuid.NewString())
	ctx = context.WithValue(ctx, observability.SessionKeyKey, msg.SessionKey())
	ctx = context.WithValue(ctx, observability.ConversationIDKey, msg.ConversationID)
	ctx = context.WithValue(ctx, observability.ChannelKey, channel)

	ctx, span := s.tracer.Start(ctx, "message.process")
	defer span.End()
	s.tracer.SetAttributes(span, "channel", channel, "message_id", msg.MessageID)

	defer func() {
		if r := recover(); r != nil {
			s.metrics.ErrorsTotal.WithLabelValues("gateway", "panic").Inc()
			s.metrics.MessagesTotal.WithLabelValues(channel, "rejected").Inc()
			s.tracer.RecordError(span, fmt.Errorf("panic: %v", r))
			s.logger.Error(ctx, "message processing panicked",
				"message_id", msg.MessageID,
				"panic", fmt.Sprintf("%v", r),
			)
			s.sendFailureNotice(msg)
		}
	}()

	status := s.process(ctx, msg)
	s.metrics.MessagesTotal.WithLabelValues(channel, status).Inc()
}

// process runs the serialized part of the pipeline and returns the counter
// status label.
func (s *Server) process(ctx context.Context, msg *models.NormalizedMessage) string {
	if msg.ConversationID == "" || (msg.Text == "" && len(msg.Attachments) == 0) {
		s.logger.Warn(ctx, "dropping unroutable message", "message_id", msg.MessageID)
		return "malformed"
	}
	conn, ok := s.connectors.Get(msg.Channel)
	if !ok {
		s.logger.Warn(ctx, "message from unregistered channel")
		return "unsupported"
	}

	release, err := s.locker.Acquire(ctx, msg.SessionKey())
	if err != nil {
		s.logger.Warn(ctx, "session lock not acquired", "error", err)
		return "rejected"
	}
	defer release()

	now := msg.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	sess, created := s.sessions.GetOrCreate(msg, s.mode)
	if created {
		s.logger.Info(ctx, "session created", "user_id", msg.UserID)
	}
	conv := sess.Context

	// The router's contract: the snapshot counts this message, the '?' and
	// signal counters do not yet.
	conv.MessageCount++
	conv.Touch(now)
	conv.AppendHistory(models.HistoryEntry{
		Sender:    models.SenderUser,
		Text:      historyText(msg),
		Timestamp: now,
	}, s.historyLimit)

	_, routeSpan := s.tracer.Start(ctx, "router.decide")
	ev := s.router.Evaluate(msg, conv)
	routeSpan.End()

	ev.Apply(conv, now)
	if n := len(conv.History); n > 0 && conv.History[n-1].Sender == models.SenderUser {
		conv.History[n-1].Intent = ev.Intent
	}
	s.metrics.RoutingDecisions.WithLabelValues(string(ev.Decision.Action), string(ev.Decision.Department)).Inc()

	defer s.sessions.Flush(sess)

	if conv.Resolved {
		s.logger.Debug(ctx, "message for resolved session, not dispatching")
		return "processed"
	}

	// A conversation in human hands is relayed, never re-dispatched; one
	// still waiting in a queue gets a patience nudge. Scores above keep
	// accumulating either way.
	if agentID, active := s.queue.ActiveAgentFor(msg.ConversationID); active {
		conn.MarkRead(ctx, msg.MessageID)
		s.hub.RelayUserMessage(agentID, msg.ConversationID, historyText(msg))
		return "processed"
	}
	if s.queue.Queued(msg.ConversationID) {
		s.reply(ctx, msg, stillQueuedReply, nil, now, sess)
		return "processed"
	}

	switch ev.Decision.Action {
	case models.ActionRouteToHuman, models.ActionEscalateToHuman:
		s.dispatchHuman(ctx, msg, sess, ev.Decision, now)
	case models.ActionRouteToAI:
		s.dispatchAI(ctx, msg, conn, sess, ev.Decision, now)
	default:
		s.logger.Error(ctx, "unknown routing action", "action", string(ev.Decision.Action))
		s.dispatchAI(ctx, msg, conn, sess, ev.Decision, now)
	}
	return "processed"
}

// dispatchAI runs the sales agent and delivers its verdict.
func (s *Server) dispatchAI(ctx context.Context, msg *models.NormalizedMessage, conn channels.Connector, sess *sessions.Session, decision models.RoutingDecision, now time.Time) {
	conn.MarkRead(ctx, msg.MessageID)
	conn.SendTyping(ctx, msg.ConversationID)

	stageBefore := sess.Qualification.Stage

	agentCtx, agentSpan := s.tracer.Start(ctx, "salesagent.handle")
	resp, err := s.agent.Handle(agentCtx, msg, sess.Context, sess.Qualification)
	if err != nil {
		s.tracer.RecordError(agentSpan, err)
		agentSpan.End()
		s.metrics.ErrorsTotal.WithLabelValues("salesagent", "chatbot_error").Inc()
		s.logger.Error(ctx, "sales agent failed", "error", err)
		return
	}
	agentSpan.End()

	sess.Context.CurrentAgentKind = models.AgentKindAI

	escalate := resp.Escalate
	if escalate && !decision.AllowEscalation && agentInitiated(resp.EscalationReason) {
		// The router pinned this session to the AI path. Only an explicit
		// user request overrides that, so the agent's own escalation is
		// rolled back and the conversation stays with the bot.
		escalate = false
		sess.Qualification.Stage = stageBefore
		s.logger.Debug(ctx, "escalation suppressed", "reason", resp.EscalationReason)
		if resp.ReplyText == "" {
			resp.ReplyText = clarifyReply
		}
	}

	if resp.ReplyText != "" {
		// A lost reply does not cancel a pending handoff: the user can miss
		// one message, the queue cannot miss the conversation. Only a
		// permanent rejection, which resolves the session, stops outbound
		// work here.
		if !s.reply(ctx, msg, resp.ReplyText, resp.QuickReplies, now, sess) && sess.Context.Resolved {
			return
		}
	}

	if escalate {
		s.escalate(ctx, msg, sess, resp.EscalationReason, now)
	}
}

// dispatchHuman enqueues a router-decided human conversation and tells the
// user what to expect.
func (s *Server) dispatchHuman(ctx context.Context, msg *models.NormalizedMessage, sess *sessions.Session, decision models.RoutingDecision, now time.Time) {
	if decision.Action == models.ActionEscalateToHuman {
		sess.Context.Escalated = true
		sess.Context.EscalationReason = decision.Reason
		s.metrics.EscalationsTotal.WithLabelValues(decision.Reason).Inc()
	}

	rec, err := s.enqueue(ctx, msg, sess, decision.Department, decision.Priority, now)
	if err != nil {
		if errors.Is(err, queue.ErrAlreadyQueued) {
			s.reply(ctx, msg, stillQueuedReply, nil, now, sess)
			return
		}
		s.metrics.ErrorsTotal.WithLabelValues("queue", "enqueue").Inc()
		s.logger.Error(ctx, "enqueue failed", "error", err)
		return
	}
	s.reply(ctx, msg, humanAck(decision.Reason, rec.EstimatedWaitS), nil, now, sess)
}

// escalate hands an AI conversation to the humans.
func (s *Server) escalate(ctx context.Context, msg *models.NormalizedMessage, sess *sessions.Session, reason string, now time.Time) {
	conv := sess.Context
	conv.Escalated = true
	conv.EscalationReason = reason

	dept := conv.Department
	if dept == models.DeptUnknown {
		dept = models.DeptSales
	}
	s.metrics.EscalationsTotal.WithLabelValues(reason).Inc()

	rec, err := s.enqueue(ctx, msg, sess, dept, escalationPriority, now)
	if err != nil {
		if errors.Is(err, queue.ErrAlreadyQueued) {
			s.reply(ctx, msg, stillQueuedReply, nil, now, sess)
			return
		}
		s.metrics.ErrorsTotal.WithLabelValues("queue", "enqueue").Inc()
		s.logger.Error(ctx, "escalation enqueue failed", "reason", reason, "error", err)
		return
	}
	s.reply(ctx, msg, escalationAck(rec.EstimatedWaitS), nil, now, sess)
}

// enqueue places the conversation in a department queue and mirrors the
// transition. The effective priority may differ from the requested one when
// the department is orphaned.
func (s *Server) enqueue(ctx context.Context, msg *models.NormalizedMessage, sess *sessions.Session, dept models.Department, priority int, now time.Time) (*models.QueuedConversation, error) {
	qctx, span := s.tracer.Start(ctx, "queue.enqueue")
	defer span.End()

	rec, err := s.queue.Enqueue(qctx, queue.EnqueueRequest{
		ConversationID: msg.ConversationID,
		Context:        sess.Context,
		Department:     dept,
		Priority:       priority,
		AISummary:      composeSummary(sess.Context, sess.Qualification),
	})
	if err != nil {
		s.tracer.RecordError(span, err)
		return nil, err
	}

	sess.Context.Priority = rec.Priority
	sess.Context.CurrentAgentKind = models.AgentKindNone
	sess.Context.CurrentAgentID = ""

	s.sessions.RecordQueueEvent(sessions.QueueEvent{
		ConversationID: rec.ConversationID,
		Department:     rec.Department,
		Priority:       rec.Priority,
		Kind:           sessions.QueueEventEnqueued,
		At:             now,
	})
	s.logger.Info(ctx, "conversation queued",
		"department", string(rec.Department),
		"priority", rec.Priority,
		"estimated_wait_s", rec.EstimatedWaitS,
	)
	return rec, nil
}

// reply delivers one outbound text under the session lock and records it in
// history. Returns false when delivery failed; a permanent transport
// rejection additionally resolves the session so no further sends happen.
func (s *Server) reply(ctx context.Context, msg *models.NormalizedMessage, text string, quick []models.QuickReply, now time.Time, sess *sessions.Session) bool {
	if text == "" {
		return true
	}
	_, err := s.sender.deliver(ctx, msg.Channel, models.OutboundMessage{
		Recipient:    msg.ConversationID,
		Text:         text,
		QuickReplies: quick,
	})
	if err != nil {
		if isPermanentRejection(err) {
			sess.Context.Resolved = true
			s.logger.Warn(ctx, "transport rejected conversation permanently", "error", err)
			return false
		}
		s.metrics.ErrorsTotal.WithLabelValues("gateway", "delivery_failure").Inc()
		s.logger.Error(ctx, "reply delivery failed", "error", err)
		return false
	}
	sess.Context.AppendHistory(models.HistoryEntry{
		Sender:    models.SenderAI,
		Text:      text,
		Timestamp: now,
	}, s.historyLimit)
	return true
}

// sendFailureNotice tells the user something broke, without retrying hard.
// Used only from the panic handler, where the per-message context may be
// poisoned.
func (s *Server) sendFailureNotice(msg *models.NormalizedMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = s.sender.text(ctx, msg.Channel, msg.ConversationID, genericFailureReply)
}

// agentInitiated reports whether an escalation reason came from the agent's
// own judgment rather than an explicit user request.
func agentInitiated(reason string) bool {
	switch reason {
	case salesagent.ReasonLowConfidence, salesagent.ReasonExhaustedAttempts, salesagent.ReasonHighValue:
		return true
	}
	return false
}

// historyText renders the message for history and relays, substituting the
// first attachment's placeholder when there is no text.
func historyText(msg *models.NormalizedMessage) string {
	if msg.Text != "" {
		return msg.Text
	}
	if len(msg.Attachments) > 0 {
		return msg.Attachments[0].PlaceholderText()
	}
	return ""
}
