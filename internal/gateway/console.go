package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/camino-travel/switchboard/internal/observability"
	"github.com/camino-travel/switchboard/internal/queue"
	"github.com/camino-travel/switchboard/internal/sessions"
	"github.com/camino-travel/switchboard/pkg/models"
)

// console serves the agent-facing REST surface under /api/. All handlers
// speak JSON both ways and map queue sentinels onto HTTP status codes.
type console struct {
	queue        *queue.Manager
	sessions     *sessions.Registry
	locker       *sessions.Locker
	hub          *Hub
	sender       *sender
	tokens       *agentTokenService
	secret       string
	logger       *observability.Logger
	historyLimit int
}

type registerResponse struct {
	Agent *models.HumanAgent `json:"agent"`
	Token string             `json:"token,omitempty"`
}

type agentPerformance struct {
	AgentID            string             `json:"agent_id"`
	DisplayName        string             `json:"display_name"`
	Status             models.AgentStatus `json:"status"`
	Connected          bool               `json:"connected"`
	ActiveLoad         int                `json:"active_load"`
	MaxConcurrent      int                `json:"max_concurrent"`
	TotalConversations int                `json:"total_conversations"`
	SuccessfulClosures int                `json:"successful_closures"`
	CloseRate          float64            `json:"close_rate"`
	AvgResponseTimeS   float64            `json:"avg_response_time_s"`
	PerformanceRating  float64            `json:"performance_rating"`
}

type transcriptResponse struct {
	Context       *models.ConversationContext `json:"context"`
	Qualification *models.SalesQualification  `json:"qualification"`
}

func (c *console) register(mux *http.ServeMux) {
	mux.HandleFunc("/api/agents/register", c.requireAuth(c.handleAgentRegister))
	mux.HandleFunc("/api/agents/", c.requireAuth(c.handleAgents))
	mux.HandleFunc("/api/queue/status", c.requireAuth(c.handleQueueStatus))
	mux.HandleFunc("/api/conversations/", c.requireAuth(c.handleConversations))
}

// requireAuth accepts the shared console secret or a previously issued agent
// token. With no secret configured the console is open, for local runs.
func (c *console) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.secret == "" {
			next(w, r)
			return
		}
		raw := bearerToken(r)
		if raw != "" {
			if subtle.ConstantTimeCompare([]byte(raw), []byte(c.secret)) == 1 {
				next(w, r)
				return
			}
			if _, err := c.tokens.validate(raw); err == nil {
				next(w, r)
				return
			}
		}
		c.jsonError(w, "Unauthorized", http.StatusUnauthorized)
	}
}

func (c *console) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		c.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var reg queue.AgentRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		c.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	agent, err := c.queue.RegisterAgent(reg)
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateAgent) {
			c.jsonError(w, "Agent id already registered with a different profile", http.StatusConflict)
			return
		}
		c.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := registerResponse{Agent: agent}
	if c.tokens.enabled() {
		token, err := c.tokens.issue(agent.ID)
		if err != nil {
			c.logger.Error(r.Context(), "agent token issue failed", "agent_id", agent.ID, "error", err)
			c.jsonError(w, "Token issuance failed", http.StatusInternalServerError)
			return
		}
		resp.Token = token
	}
	c.logger.Info(r.Context(), "agent registered", "agent_id", agent.ID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		c.logger.Error(r.Context(), "response encode failed", "error", err)
	}
}

func (c *console) handleAgents(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		c.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	agentID := parts[0]

	switch parts[1] {
	case "status":
		c.handleAgentStatus(w, r, agentID)
	case "performance":
		c.handleAgentPerformance(w, r, agentID)
	default:
		c.jsonError(w, "Not found", http.StatusNotFound)
	}
}

func (c *console) handleAgentStatus(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		c.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Status models.AgentStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		c.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := c.queue.UpdateAgentStatus(agentID, body.Status); err != nil {
		if errors.Is(err, queue.ErrUnknownAgent) {
			c.jsonError(w, "Unknown agent", http.StatusNotFound)
			return
		}
		c.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.logger.Info(r.Context(), "agent status changed", "agent_id", agentID, "status", string(body.Status))

	agent, err := c.queue.Agent(agentID)
	if err != nil {
		c.jsonError(w, "Unknown agent", http.StatusNotFound)
		return
	}
	c.jsonResponse(w, agent)
}

func (c *console) handleAgentPerformance(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		c.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agent, err := c.queue.Agent(agentID)
	if err != nil {
		c.jsonError(w, "Unknown agent", http.StatusNotFound)
		return
	}

	perf := agentPerformance{
		AgentID:            agent.ID,
		DisplayName:        agent.DisplayName,
		Status:             agent.Status,
		Connected:          c.hub.Connected(agent.ID),
		ActiveLoad:         agent.Load(),
		MaxConcurrent:      agent.MaxConcurrent,
		TotalConversations: agent.TotalConversations,
		SuccessfulClosures: agent.SuccessfulClosures,
		AvgResponseTimeS:   agent.AvgResponseTimeS,
		PerformanceRating:  agent.PerformanceRating,
	}
	if agent.TotalConversations > 0 {
		perf.CloseRate = float64(agent.SuccessfulClosures) / float64(agent.TotalConversations)
	}
	c.jsonResponse(w, perf)
}

func (c *console) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		c.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if raw := r.URL.Query().Get("department"); raw != "" {
		dept := models.Department(raw)
		if !dept.Valid() || dept == models.DeptUnknown {
			c.jsonError(w, "Unknown department", http.StatusBadRequest)
			return
		}
		c.jsonResponse(w, c.queue.Status(dept))
		return
	}

	depts := models.Departments()
	out := make([]queue.DepartmentStatus, 0, len(depts))
	for _, d := range depts {
		out = append(out, c.queue.Status(d))
	}
	c.jsonResponse(w, out)
}

func (c *console) handleConversations(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/conversations/"), "/")
	if parts[0] == "" {
		c.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	conversationID := parts[0]

	switch {
	case len(parts) == 1:
		c.handleTranscript(w, r, conversationID)
	case len(parts) == 2 && parts[1] == "message":
		c.handleAgentMessage(w, r, conversationID)
	case len(parts) == 2 && parts[1] == "complete":
		c.handleComplete(w, r, conversationID)
	default:
		c.jsonError(w, "Not found", http.StatusNotFound)
	}
}

func (c *console) handleTranscript(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodGet {
		c.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := c.sessions.Find(conversationID)
	if !ok {
		c.jsonError(w, "Unknown conversation", http.StatusNotFound)
		return
	}

	release, err := c.locker.Acquire(r.Context(), sess.Context.SessionKey)
	if err != nil {
		c.jsonError(w, "Conversation busy", http.StatusServiceUnavailable)
		return
	}
	resp := transcriptResponse{
		Context:       sess.Context.Clone(),
		Qualification: sess.Qualification.Clone(),
	}
	release()

	c.jsonResponse(w, resp)
}

// handleAgentMessage delivers an agent's reply to the customer. Ownership is
// checked first: only the assigned agent may speak in a conversation.
func (c *console) handleAgentMessage(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodPost {
		c.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		AgentID string `json:"agent_id"`
		Text    string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		c.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.AgentID == "" || body.Text == "" {
		c.jsonError(w, "agent_id and text are required", http.StatusBadRequest)
		return
	}

	qc, err := c.queue.RecordAgentMessage(conversationID, body.AgentID)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrUnknownConversation):
			c.jsonError(w, "No active conversation", http.StatusNotFound)
		case errors.Is(err, queue.ErrUnknownAgent):
			c.jsonError(w, "Conversation is assigned to another agent", http.StatusForbidden)
		default:
			c.jsonError(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	receipt, err := c.sender.deliver(r.Context(), qc.Context.Channel, models.OutboundMessage{
		Recipient: conversationID,
		Text:      body.Text,
	})
	if err != nil {
		if isPermanentRejection(err) {
			c.resolveSession(r, qc.Context.SessionKey)
		}
		c.logger.Error(r.Context(), "agent message delivery failed",
			"agent_id", body.AgentID,
			"conversation_id", conversationID,
			"error", err,
		)
		c.jsonError(w, "Delivery failed", http.StatusBadGateway)
		return
	}

	now := time.Now().UTC()
	if sess, ok := c.sessions.Get(qc.Context.SessionKey); ok {
		release, lockErr := c.locker.Acquire(r.Context(), qc.Context.SessionKey)
		if lockErr == nil {
			sess.Context.AppendHistory(models.HistoryEntry{
				Sender:    models.SenderHuman,
				Text:      body.Text,
				Timestamp: now,
			}, c.historyLimit)
			sess.Context.CurrentAgentKind = models.AgentKindHuman
			sess.Context.CurrentAgentID = body.AgentID
			sess.Context.Touch(now)
			c.sessions.Flush(sess)
			release()
		}
	}

	c.jsonResponse(w, receipt)
}

func (c *console) handleComplete(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodPost {
		c.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		AgentID string `json:"agent_id"`
		Success bool   `json:"success"`
		Notes   string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		c.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	agentID := body.AgentID
	if agentID == "" {
		agentID, _ = c.queue.ActiveAgentFor(conversationID)
	}

	if err := c.queue.Complete(conversationID, body.Success, body.Notes); err != nil {
		if errors.Is(err, queue.ErrUnknownConversation) {
			c.jsonError(w, "No active conversation", http.StatusNotFound)
			return
		}
		c.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.logger.Info(r.Context(), "conversation completed",
		"conversation_id", conversationID,
		"agent_id", agentID,
		"success", body.Success,
	)

	now := time.Now().UTC()
	if sess, ok := c.sessions.Find(conversationID); ok {
		release, lockErr := c.locker.Acquire(r.Context(), sess.Context.SessionKey)
		if lockErr == nil {
			sess.Context.Resolved = true
			sess.Context.CurrentAgentKind = models.AgentKindNone
			sess.Context.CurrentAgentID = ""
			sess.Context.Touch(now)
			c.sessions.Flush(sess)

			c.sessions.RecordQueueEvent(sessions.QueueEvent{
				ConversationID: conversationID,
				Department:     sess.Context.Department,
				Priority:       sess.Context.Priority,
				Kind:           sessions.QueueEventCompleted,
				AgentID:        agentID,
				At:             now,
			})
			release()
		}
	}

	c.jsonResponse(w, map[string]string{"status": "completed"})
}

func (c *console) resolveSession(r *http.Request, sessionKey string) {
	sess, ok := c.sessions.Get(sessionKey)
	if !ok {
		return
	}
	release, err := c.locker.Acquire(r.Context(), sessionKey)
	if err != nil {
		return
	}
	sess.Context.Resolved = true
	c.sessions.Flush(sess)
	release()
}

func (c *console) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		c.logger.Error(context.Background(), "response encode failed", "error", err)
	}
}

func (c *console) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
