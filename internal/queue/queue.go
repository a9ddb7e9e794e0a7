// Package queue owns the human side of routing: per-department priority
// queues, the agent registry, assignment, and wait estimation. The Manager is
// the single synchronization point; agents and records never leak mutable
// references.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/camino-travel/switchboard/internal/observability"
	"github.com/camino-travel/switchboard/internal/retry"
	"github.com/camino-travel/switchboard/pkg/models"
)

// Sentinel errors surfaced to the agent console as 4xx.
var (
	ErrUnknownAgent        = errors.New("queue: unknown agent")
	ErrUnknownConversation = errors.New("queue: conversation not active")
	ErrDuplicateAgent      = errors.New("queue: agent id registered with different parameters")
	ErrAlreadyQueued       = errors.New("queue: conversation already queued or active")
)

// Notifier pushes assignment events to a connected agent. Delivery is
// best-effort: the assignment stands even when every attempt fails, and the
// hub replays active conversations on reconnect.
type Notifier interface {
	NotifyAssignment(ctx context.Context, agentID string, qc *models.QueuedConversation) error
}

// OnCallNotifier is pinged when an escalation lands in a department with no
// registered agents.
type OnCallNotifier interface {
	NotifyEscalationFailure(ctx context.Context, dept models.Department, qc *models.QueuedConversation) error
}

// Config tunes the queue manager.
type Config struct {
	// NotifyRetries bounds assignment notification attempts. Default 3.
	NotifyRetries int
}

// AgentRegistration is the console payload for register_agent.
type AgentRegistration struct {
	ID            string              `json:"agent_id"`
	Name          string              `json:"name"`
	Email         string              `json:"email"`
	Departments   []models.Department `json:"departments"`
	MaxConcurrent int                 `json:"max_concurrent"`
	Skills        []string            `json:"skills,omitempty"`
}

// EnqueueRequest hands a conversation to a department queue.
type EnqueueRequest struct {
	ConversationID string
	Context        *models.ConversationContext
	Department     models.Department
	Priority       int
	AISummary      string
}

// DepartmentStatus is a point-in-time queue snapshot for the console.
type DepartmentStatus struct {
	Department      models.Department `json:"department"`
	Depth           int               `json:"depth"`
	ActiveCount     int               `json:"active_conversations"`
	AgentCount      int               `json:"agents_registered"`
	AvailableAgents int               `json:"agents_with_capacity"`
	OpenCapacity    int               `json:"open_capacity"`
	AvgWaitS        float64           `json:"avg_wait_s"`
	OldestWaitS     float64           `json:"oldest_wait_s"`
}

// waitAverage is a per-department exponential moving average of realized
// waits, seeded by the first observation.
type waitAverage struct {
	value float64
	seen  bool
}

const waitEMAAlpha = 0.1

func (w *waitAverage) observe(seconds float64) {
	if !w.seen {
		w.value = seconds
		w.seen = true
		return
	}
	w.value = waitEMAAlpha*seconds + (1-waitEMAAlpha)*w.value
}

// activeConversation is an assigned record plus response bookkeeping.
type activeConversation struct {
	record     *models.QueuedConversation
	agentID    string
	assignedAt time.Time
	responded  bool
}

// Manager is the human-agent queue. Safe for concurrent use.
type Manager struct {
	cfg      Config
	notifier Notifier
	onCall   OnCallNotifier
	metrics  *observability.Metrics
	logger   *observability.Logger

	mu      sync.Mutex
	agents  map[string]*models.HumanAgent
	queues  map[models.Department]*conversationHeap
	active  map[string]*activeConversation
	avgWait map[models.Department]*waitAverage
	seq     uint64

	nowFn func() time.Time
	wg    sync.WaitGroup
}

// New builds a queue manager. notifier and onCall may be nil; notifications
// are then dropped (and counted as such).
func New(cfg Config, notifier Notifier, metrics *observability.Metrics, logger *observability.Logger) *Manager {
	if cfg.NotifyRetries <= 0 {
		cfg.NotifyRetries = 3
	}
	return &Manager{
		cfg:      cfg,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		agents:   make(map[string]*models.HumanAgent),
		queues:   make(map[models.Department]*conversationHeap),
		active:   make(map[string]*activeConversation),
		avgWait:  make(map[models.Department]*waitAverage),
		nowFn:    time.Now,
	}
}

// SetOnCall wires the channel pinged when a department has no agents.
func (m *Manager) SetOnCall(n OnCallNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCall = n
}

// SetNowFunc injects a clock for tests.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = now
}

// Close waits for in-flight notification deliveries.
func (m *Manager) Close() {
	m.wg.Wait()
}

// RegisterAgent adds an agent, idempotently: an identical re-registration
// returns the existing agent, a divergent one fails with ErrDuplicateAgent.
// A freshly registered agent immediately drains pending work.
func (m *Manager) RegisterAgent(reg AgentRegistration) (*models.HumanAgent, error) {
	if reg.ID == "" || reg.Name == "" {
		return nil, fmt.Errorf("queue: agent id and name are required")
	}
	if reg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("queue: max_concurrent must be at least 1")
	}
	if len(reg.Departments) == 0 {
		return nil, fmt.Errorf("queue: at least one department is required")
	}
	for _, d := range reg.Departments {
		if !d.Valid() || d == models.DeptUnknown {
			return nil, fmt.Errorf("queue: unknown department %q", d)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.agents[reg.ID]; ok {
		if sameRegistration(existing, reg) {
			return existing.Clone(), nil
		}
		return nil, ErrDuplicateAgent
	}

	now := m.nowFn()
	agent := &models.HumanAgent{
		ID:                   reg.ID,
		DisplayName:          reg.Name,
		Email:                reg.Email,
		Departments:          append([]models.Department(nil), reg.Departments...),
		Status:               models.AgentAvailable,
		CurrentConversations: make(map[string]bool),
		MaxConcurrent:        reg.MaxConcurrent,
		Skills:               append([]string(nil), reg.Skills...),
		PerformanceRating:    5.0,
		RegisteredAt:         now,
		LastActivityAt:       now,
	}
	m.agents[agent.ID] = agent

	for _, dept := range agent.Departments {
		m.assignPendingLocked(dept)
	}
	return agent.Clone(), nil
}

func sameRegistration(a *models.HumanAgent, reg AgentRegistration) bool {
	return a.DisplayName == reg.Name &&
		a.Email == reg.Email &&
		a.MaxConcurrent == reg.MaxConcurrent &&
		slices.Equal(a.Departments, reg.Departments) &&
		slices.Equal(a.Skills, reg.Skills)
}

// UpdateAgentStatus transitions an agent's availability. Turning available
// drains pending work for every department the agent serves.
func (m *Manager) UpdateAgentStatus(agentID string, status models.AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("queue: invalid agent status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	agent.Status = status
	agent.LastActivityAt = m.nowFn()

	if status == models.AgentAvailable {
		for _, dept := range agent.Departments {
			m.assignPendingLocked(dept)
		}
	}
	return nil
}

// Enqueue places a conversation in its department queue, computes mood and
// wait estimate, and immediately tries to assign it. The returned record is
// a snapshot; AssignedAgentID is set when assignment already happened.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueuedConversation, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("queue: conversation id is required")
	}
	if !req.Department.Valid() || req.Department == models.DeptUnknown {
		return nil, fmt.Errorf("queue: unknown department %q", req.Department)
	}
	priority := req.Priority
	if priority < 1 || priority > 5 {
		priority = 3
	}

	m.mu.Lock()

	if _, isActive := m.active[req.ConversationID]; isActive {
		m.mu.Unlock()
		return nil, ErrAlreadyQueued
	}
	if q := m.queues[req.Department]; q != nil && q.find(req.ConversationID) >= 0 {
		m.mu.Unlock()
		return nil, ErrAlreadyQueued
	}

	// A department nobody serves still accepts the conversation, at top
	// priority, and wakes the on-call channel.
	orphaned := m.agentCountLocked(req.Department) == 0
	if orphaned {
		priority = 1
	}

	now := m.nowFn()
	rec := &models.QueuedConversation{
		ConversationID: req.ConversationID,
		Context:        req.Context.Clone(),
		Department:     req.Department,
		Priority:       priority,
		QueuedAt:       now,
		AISummary:      truncateSummary(req.AISummary),
		CustomerMood:   moodFor(req.Context),
	}
	rec.EstimatedWaitS = m.estimateWaitLocked(req.Department, priority)

	q := m.queueForLocked(req.Department)
	m.seq++
	heap.Push(q, &queueItem{record: rec, seq: m.seq})
	m.setDepthLocked(req.Department)

	m.assignPendingLocked(req.Department)

	snapshot := cloneRecord(rec)
	onCall := m.onCall
	m.mu.Unlock()

	if orphaned && onCall != nil {
		m.notifyOnCall(ctx, onCall, req.Department, snapshot)
	}
	return snapshot, nil
}

// Complete closes out an active conversation. The agent's set shrinks by
// one, closure counters update, and freed capacity immediately pulls more
// work.
func (m *Manager) Complete(conversationID string, success bool, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ac, ok := m.active[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	delete(m.active, conversationID)

	agent, ok := m.agents[ac.agentID]
	if !ok {
		return fmt.Errorf("queue: active conversation %s references unknown agent %s", conversationID, ac.agentID)
	}
	delete(agent.CurrentConversations, conversationID)
	if success {
		agent.SuccessfulClosures++
	}
	agent.LastActivityAt = m.nowFn()
	if agent.Load() == 0 && agent.Status == models.AgentBusy {
		agent.Status = models.AgentAvailable
	}

	if m.logger != nil {
		m.logger.Info(context.Background(), "conversation completed",
			"conversation_id", conversationID,
			"agent_id", agent.ID,
			"success", success,
			"notes", notes,
		)
	}

	for _, dept := range agent.Departments {
		m.assignPendingLocked(dept)
	}
	return nil
}

// RecordAgentMessage validates that agentID owns the conversation and, on
// the agent's first message, folds the response time into their average.
func (m *Manager) RecordAgentMessage(conversationID, agentID string) (*models.QueuedConversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ac, ok := m.active[conversationID]
	if !ok {
		return nil, ErrUnknownConversation
	}
	if ac.agentID != agentID {
		return nil, fmt.Errorf("queue: conversation %s belongs to agent %s: %w", conversationID, ac.agentID, ErrUnknownAgent)
	}

	agent := m.agents[agentID]
	now := m.nowFn()
	if !ac.responded {
		ac.responded = true
		response := now.Sub(ac.assignedAt).Seconds()
		if agent.AvgResponseTimeS == 0 {
			agent.AvgResponseTimeS = response
		} else {
			agent.AvgResponseTimeS = waitEMAAlpha*response + (1-waitEMAAlpha)*agent.AvgResponseTimeS
		}
	}
	agent.LastActivityAt = now

	return cloneRecord(ac.record), nil
}

// Remove drops a conversation that is still waiting, for session eviction.
// Active conversations are untouched.
func (m *Manager) Remove(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for dept, q := range m.queues {
		if idx := q.find(conversationID); idx >= 0 {
			heap.Remove(q, idx)
			m.setDepthLocked(dept)
			return true
		}
	}
	return false
}

// Agent returns a snapshot of one agent.
func (m *Manager) Agent(agentID string) (*models.HumanAgent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	return agent.Clone(), nil
}

// ActiveForAgent snapshots the conversations an agent currently handles,
// oldest assignment first. The hub replays these on reconnect.
func (m *Manager) ActiveForAgent(agentID string) []*models.QueuedConversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []*activeConversation
	for _, ac := range m.active {
		if ac.agentID == agentID {
			items = append(items, ac)
		}
	}
	slices.SortFunc(items, func(a, b *activeConversation) int {
		return a.assignedAt.Compare(b.assignedAt)
	})

	out := make([]*models.QueuedConversation, 0, len(items))
	for _, ac := range items {
		out = append(out, cloneRecord(ac.record))
	}
	return out
}

// ActiveAgentFor reports which agent holds an active conversation.
func (m *Manager) ActiveAgentFor(conversationID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ac, ok := m.active[conversationID]
	if !ok {
		return "", false
	}
	return ac.agentID, true
}

// Queued reports whether a conversation is waiting in any department queue.
// Active (already assigned) conversations report false.
func (m *Manager) Queued(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, q := range m.queues {
		if q.find(conversationID) >= 0 {
			return true
		}
	}
	return false
}

// Status snapshots one department queue.
func (m *Manager) Status(dept models.Department) DepartmentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := DepartmentStatus{Department: dept}
	if q, ok := m.queues[dept]; ok {
		st.Depth = q.Len()
		now := m.nowFn()
		for _, item := range *q {
			if waited := now.Sub(item.record.QueuedAt).Seconds(); waited > st.OldestWaitS {
				st.OldestWaitS = waited
			}
		}
	}
	for _, ac := range m.active {
		if ac.record.Department == dept {
			st.ActiveCount++
		}
	}
	for _, a := range m.agents {
		if !a.ServesDepartment(dept) {
			continue
		}
		st.AgentCount++
		if free := a.AvailableCapacity(); free > 0 {
			st.AvailableAgents++
			st.OpenCapacity += free
		}
	}
	if avg, ok := m.avgWait[dept]; ok {
		st.AvgWaitS = avg.value
	}
	return st
}

// EstimateWait computes the user-facing wait estimate for a would-be
// enqueue at the given priority.
func (m *Manager) EstimateWait(dept models.Department, priority int) float64 {
	if priority < 1 || priority > 5 {
		priority = 3
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimateWaitLocked(dept, priority)
}

// estimateWaitLocked implements the published wait formula. With zero open
// capacity the estimate extrapolates from the realized average; otherwise it
// spreads the backlog over capacity at one minute per slot, scaled by
// priority.
func (m *Manager) estimateWaitLocked(dept models.Department, priority int) float64 {
	capacity := 0
	for _, a := range m.agents {
		if a.ServesDepartment(dept) {
			capacity += a.AvailableCapacity()
		}
	}
	depth := 0
	if q, ok := m.queues[dept]; ok {
		depth = q.Len()
	}

	if capacity == 0 {
		avg := 0.0
		if w, ok := m.avgWait[dept]; ok {
			avg = w.value
		}
		return avg * float64(1+depth)
	}

	base := float64(depth) / float64(capacity) * 60
	factor := float64(6-priority) / 5
	return base * factor
}

func (m *Manager) queueForLocked(dept models.Department) *conversationHeap {
	q, ok := m.queues[dept]
	if !ok {
		q = &conversationHeap{}
		m.queues[dept] = q
	}
	return q
}

func (m *Manager) agentCountLocked(dept models.Department) int {
	n := 0
	for _, a := range m.agents {
		if a.ServesDepartment(dept) {
			n++
		}
	}
	return n
}

// assignPendingLocked drains a department queue while an eligible agent
// exists. Assignment moves the record from the queue to the active map, bumps
// the agent's load, and fires the best-effort notification.
func (m *Manager) assignPendingLocked(dept models.Department) {
	q, ok := m.queues[dept]
	if !ok {
		return
	}

	for q.Len() > 0 {
		agent := m.bestAgentLocked(dept)
		if agent == nil {
			return
		}

		item := heap.Pop(q).(*queueItem)
		rec := item.record
		now := m.nowFn()

		rec.AssignedAgentID = agent.ID
		agent.CurrentConversations[rec.ConversationID] = true
		agent.Status = models.AgentBusy
		agent.TotalConversations++
		agent.LastActivityAt = now

		m.active[rec.ConversationID] = &activeConversation{
			record:     rec,
			agentID:    agent.ID,
			assignedAt: now,
		}

		waited := now.Sub(rec.QueuedAt).Seconds()
		m.observeWaitLocked(dept, waited)
		m.setDepthLocked(dept)

		if m.logger != nil {
			m.logger.Info(context.Background(), "conversation assigned",
				"conversation_id", rec.ConversationID,
				"agent_id", agent.ID,
				"department", string(dept),
				"priority", rec.Priority,
				"waited_s", waited,
			)
		}

		m.notifyAssignment(agent.ID, cloneRecord(rec))
	}
}

// bestAgentLocked ranks eligible agents by load, then rating, then response
// time, with the agent id as the final tiebreak.
func (m *Manager) bestAgentLocked(dept models.Department) *models.HumanAgent {
	var best *models.HumanAgent
	for _, a := range m.agents {
		if !a.CanAccept(dept) {
			continue
		}
		if best == nil || ranksAbove(a, best) {
			best = a
		}
	}
	return best
}

func ranksAbove(a, b *models.HumanAgent) bool {
	if a.Load() != b.Load() {
		return a.Load() < b.Load()
	}
	if a.PerformanceRating != b.PerformanceRating {
		return a.PerformanceRating > b.PerformanceRating
	}
	if a.AvgResponseTimeS != b.AvgResponseTimeS {
		return a.AvgResponseTimeS < b.AvgResponseTimeS
	}
	return a.ID < b.ID
}

func (m *Manager) observeWaitLocked(dept models.Department, seconds float64) {
	w, ok := m.avgWait[dept]
	if !ok {
		w = &waitAverage{}
		m.avgWait[dept] = w
	}
	w.observe(seconds)
	if m.metrics != nil {
		m.metrics.QueueWaitSeconds.WithLabelValues(string(dept)).Observe(seconds)
	}
}

func (m *Manager) setDepthLocked(dept models.Department) {
	if m.metrics == nil {
		return
	}
	depth := 0
	if q, ok := m.queues[dept]; ok {
		depth = q.Len()
	}
	m.metrics.QueueDepth.WithLabelValues(string(dept)).Set(float64(depth))
}

// notifyAssignment pushes the event to the agent off the lock, retrying a
// few times. Failure never revokes the assignment.
func (m *Manager) notifyAssignment(agentID string, rec *models.QueuedConversation) {
	if m.notifier == nil {
		if m.metrics != nil {
			m.metrics.AgentNotifications.WithLabelValues("dropped").Inc()
		}
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result := retry.Do(ctx, retry.Config{
			MaxAttempts:  m.cfg.NotifyRetries,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Factor:       2.0,
			Jitter:       true,
		}, func() error {
			return m.notifier.NotifyAssignment(ctx, agentID, rec)
		})

		status := "delivered"
		if result.Err != nil {
			status = "dropped"
			if m.logger != nil {
				m.logger.Warn(ctx, "agent notification dropped",
					"agent_id", agentID,
					"conversation_id", rec.ConversationID,
					"attempts", result.Attempts,
					"error", result.Err,
				)
			}
		}
		if m.metrics != nil {
			m.metrics.AgentNotifications.WithLabelValues(status).Inc()
		}
	}()
}

func (m *Manager) notifyOnCall(ctx context.Context, onCall OnCallNotifier, dept models.Department, rec *models.QueuedConversation) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := onCall.NotifyEscalationFailure(nctx, dept, rec); err != nil && m.logger != nil {
			m.logger.Warn(nctx, "on-call notification failed",
				"department", string(dept),
				"conversation_id", rec.ConversationID,
				"error", err,
			)
		}
	}()
}

func cloneRecord(rec *models.QueuedConversation) *models.QueuedConversation {
	cp := *rec
	cp.Context = rec.Context.Clone()
	return &cp
}

// truncateSummary caps the handoff summary, backing up to a rune boundary so
// the cut never corrupts UTF-8.
func truncateSummary(s string) string {
	if len(s) <= models.AISummaryMaxBytes {
		return s
	}
	cut := models.AISummaryMaxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
