package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/camino-travel/switchboard/internal/observability"
	"github.com/camino-travel/switchboard/pkg/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeNotifier struct {
	mu        sync.Mutex
	failures  int
	attempts  int
	events    []string
	delivered chan string
}

func newFakeNotifier(failures int) *fakeNotifier {
	return &fakeNotifier{failures: failures, delivered: make(chan string, 16)}
}

func (n *fakeNotifier) NotifyAssignment(_ context.Context, agentID string, qc *models.QueuedConversation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts++
	if n.attempts <= n.failures {
		return errors.New("agent socket closed")
	}
	n.events = append(n.events, agentID+"/"+qc.ConversationID)
	n.delivered <- qc.ConversationID
	return nil
}

type fakeOnCall struct {
	called chan models.Department
}

func (f *fakeOnCall) NotifyEscalationFailure(_ context.Context, dept models.Department, _ *models.QueuedConversation) error {
	f.called <- dept
	return nil
}

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	m := New(Config{}, nil, observability.NewMetricsWith(prometheus.NewRegistry()), quietLogger())
	clock := newFakeClock()
	m.SetNowFunc(clock.Now)
	t.Cleanup(m.Close)
	return m, clock
}

func salesRegistration(id string, maxConcurrent int) AgentRegistration {
	return AgentRegistration{
		ID:            id,
		Name:          "Agent " + id,
		Email:         id + "@camino.test",
		Departments:   []models.Department{models.DeptSales},
		MaxConcurrent: maxConcurrent,
	}
}

func salesEnqueue(id string, priority int) EnqueueRequest {
	return EnqueueRequest{
		ConversationID: id,
		Context:        &models.ConversationContext{SessionKey: "webchat:" + id, ConversationID: id},
		Department:     models.DeptSales,
		Priority:       priority,
	}
}

func mustEnqueue(t *testing.T, m *Manager, req EnqueueRequest) *models.QueuedConversation {
	t.Helper()
	rec, err := m.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue(%s) error: %v", req.ConversationID, err)
	}
	return rec
}

func TestAgentCapacityAndBacklog(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.RegisterAgent(salesRegistration("agent-1", 2)); err != nil {
		t.Fatalf("RegisterAgent error: %v", err)
	}

	r1 := mustEnqueue(t, m, salesEnqueue("conv-1", 3))
	r2 := mustEnqueue(t, m, salesEnqueue("conv-2", 3))
	r3 := mustEnqueue(t, m, salesEnqueue("conv-3", 3))

	if r1.AssignedAgentID != "agent-1" || r2.AssignedAgentID != "agent-1" {
		t.Fatalf("first two conversations not assigned: %q, %q", r1.AssignedAgentID, r2.AssignedAgentID)
	}
	if r3.AssignedAgentID != "" {
		t.Fatalf("third conversation assigned beyond capacity to %q", r3.AssignedAgentID)
	}

	agent, err := m.Agent("agent-1")
	if err != nil {
		t.Fatalf("Agent error: %v", err)
	}
	if agent.Load() != 2 {
		t.Errorf("load = %d, want 2", agent.Load())
	}
	if agent.Load() > agent.MaxConcurrent {
		t.Errorf("capacity exceeded: %d > %d", agent.Load(), agent.MaxConcurrent)
	}
	if agent.Status != models.AgentBusy {
		t.Errorf("status = %q, want busy", agent.Status)
	}
	if got := m.Status(models.DeptSales).Depth; got != 1 {
		t.Errorf("depth = %d, want 1", got)
	}

	// Completing one conversation frees a slot and pulls the third in.
	if err := m.Complete("conv-1", true, "booked"); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	agent, _ = m.Agent("agent-1")
	if agent.Load() != 2 {
		t.Errorf("load after backfill = %d, want 2", agent.Load())
	}
	if agent.SuccessfulClosures != 1 {
		t.Errorf("successful closures = %d, want 1", agent.SuccessfulClosures)
	}
	if _, active := m.ActiveAgentFor("conv-1"); active {
		t.Error("completed conversation still active")
	}
	if who, active := m.ActiveAgentFor("conv-3"); !active || who != "agent-1" {
		t.Errorf("conv-3 active = (%q, %v), want agent-1", who, active)
	}
	if got := m.Status(models.DeptSales).Depth; got != 0 {
		t.Errorf("depth after backfill = %d, want 0", got)
	}

	if err := m.Complete("conv-1", true, ""); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("double complete error = %v, want ErrUnknownConversation", err)
	}
}

func TestDequeueOrder(t *testing.T) {
	m, clock := newTestManager(t)

	if _, err := m.RegisterAgent(salesRegistration("agent-1", 1)); err != nil {
		t.Fatalf("RegisterAgent error: %v", err)
	}
	if err := m.UpdateAgentStatus("agent-1", models.AgentAway); err != nil {
		t.Fatalf("UpdateAgentStatus error: %v", err)
	}

	mustEnqueue(t, m, salesEnqueue("first-p3", 3))
	clock.Advance(time.Second)
	mustEnqueue(t, m, salesEnqueue("urgent-p1", 1))
	clock.Advance(time.Second)
	mustEnqueue(t, m, salesEnqueue("mid-p2", 2))
	clock.Advance(time.Second)
	mustEnqueue(t, m, salesEnqueue("second-p3", 3))

	if err := m.UpdateAgentStatus("agent-1", models.AgentAvailable); err != nil {
		t.Fatalf("UpdateAgentStatus error: %v", err)
	}

	wantOrder := []string{"urgent-p1", "mid-p2", "first-p3", "second-p3"}
	for _, want := range wantOrder {
		who, active := m.ActiveAgentFor(want)
		if !active || who != "agent-1" {
			t.Fatalf("expected %s to be the active conversation, active=%v agent=%q", want, active, who)
		}
		if err := m.Complete(want, true, ""); err != nil {
			t.Fatalf("Complete(%s) error: %v", want, err)
		}
	}
}

func TestSamePriorityPreservesInsertionOrder(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.RegisterAgent(salesRegistration("agent-1", 1)); err != nil {
		t.Fatalf("RegisterAgent error: %v", err)
	}
	if err := m.UpdateAgentStatus("agent-1", models.AgentAway); err != nil {
		t.Fatalf("UpdateAgentStatus error: %v", err)
	}

	// Same priority, same clock tick: seq must keep insertion order.
	for i := 0; i < 5; i++ {
		mustEnqueue(t, m, salesEnqueue(fmt.Sprintf("conv-%d", i), 3))
	}
	if err := m.UpdateAgentStatus("agent-1", models.AgentAvailable); err != nil {
		t.Fatalf("UpdateAgentStatus error: %v", err)
	}

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("conv-%d", i)
		if _, active := m.ActiveAgentFor(id); !active {
			t.Fatalf("expected %s next in line", id)
		}
		if err := m.Complete(id, false, ""); err != nil {
			t.Fatalf("Complete(%s) error: %v", id, err)
		}
	}
}

func TestIdempotentRegistration(t *testing.T) {
	m, _ := newTestManager(t)

	reg := salesRegistration("agent-1", 2)
	first, err := m.RegisterAgent(reg)
	if err != nil {
		t.Fatalf("first registration error: %v", err)
	}

	second, err := m.RegisterAgent(reg)
	if err != nil {
		t.Fatalf("identical re-registration error: %v", err)
	}
	if second.ID != first.ID || second.MaxConcurrent != first.MaxConcurrent {
		t.Errorf("re-registration changed the agent: %+v vs %+v", second, first)
	}

	reg.MaxConcurrent = 5
	if _, err := m.RegisterAgent(reg); !errors.Is(err, ErrDuplicateAgent) {
		t.Errorf("divergent registration error = %v, want ErrDuplicateAgent", err)
	}
}

func TestRegistrationValidation(t *testing.T) {
	m, _ := newTestManager(t)

	tests := []struct {
		name string
		reg  AgentRegistration
	}{
		{"missing id", AgentRegistration{Name: "Ana", Departments: []models.Department{models.DeptSales}, MaxConcurrent: 1}},
		{"zero capacity", AgentRegistration{ID: "x", Name: "Ana", Departments: []models.Department{models.DeptSales}}},
		{"no departments", AgentRegistration{ID: "x", Name: "Ana", MaxConcurrent: 1}},
		{"bad department", AgentRegistration{ID: "x", Name: "Ana", Departments: []models.Department{"billing"}, MaxConcurrent: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.RegisterAgent(tt.reg); err == nil {
				t.Error("invalid registration accepted")
			}
		})
	}
}

func TestAssignmentRanking(t *testing.T) {
	t.Run("fewest conversations wins", func(t *testing.T) {
		m, _ := newTestManager(t)
		if _, err := m.RegisterAgent(salesRegistration("agent-a", 3)); err != nil {
			t.Fatal(err)
		}
		if _, err := m.RegisterAgent(salesRegistration("agent-b", 3)); err != nil {
			t.Fatal(err)
		}

		// Both idle: lexicographic tiebreak gives agent-a the first one.
		r1 := mustEnqueue(t, m, salesEnqueue("conv-1", 3))
		if r1.AssignedAgentID != "agent-a" {
			t.Fatalf("first assignment = %q, want agent-a", r1.AssignedAgentID)
		}

		// agent-a now carries load 1, so agent-b gets the next.
		r2 := mustEnqueue(t, m, salesEnqueue("conv-2", 3))
		if r2.AssignedAgentID != "agent-b" {
			t.Fatalf("second assignment = %q, want agent-b", r2.AssignedAgentID)
		}
	})

	t.Run("rank ordering", func(t *testing.T) {
		base := func(id string) *models.HumanAgent {
			return &models.HumanAgent{
				ID:                   id,
				Status:               models.AgentAvailable,
				CurrentConversations: map[string]bool{},
				MaxConcurrent:        5,
				PerformanceRating:    5,
			}
		}

		lighter := base("x")
		heavier := base("y")
		heavier.CurrentConversations["c"] = true
		if !ranksAbove(lighter, heavier) {
			t.Error("lower load should rank above")
		}

		rated := base("x")
		rated.PerformanceRating = 8
		if !ranksAbove(rated, base("y")) {
			t.Error("higher rating should rank above at equal load")
		}

		faster := base("x")
		faster.AvgResponseTimeS = 10
		slower := base("y")
		slower.AvgResponseTimeS = 40
		if !ranksAbove(faster, slower) {
			t.Error("faster responder should rank above")
		}

		if !ranksAbove(base("a"), base("b")) {
			t.Error("lexicographic id should break full ties")
		}
	})
}

func TestNoDoubleAssignment(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.RegisterAgent(salesRegistration("agent-a", 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RegisterAgent(salesRegistration("agent-b", 2)); err != nil {
		t.Fatal(err)
	}

	rec := mustEnqueue(t, m, salesEnqueue("conv-1", 2))
	if rec.AssignedAgentID == "" {
		t.Fatal("conversation not assigned")
	}

	a, _ := m.Agent("agent-a")
	b, _ := m.Agent("agent-b")
	if a.Load()+b.Load() != 1 {
		t.Errorf("total load = %d, want exactly 1", a.Load()+b.Load())
	}

	if _, err := m.Enqueue(context.Background(), salesEnqueue("conv-1", 2)); !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("re-enqueue of active conversation error = %v, want ErrAlreadyQueued", err)
	}
}

func TestWaitEstimateWithoutCapacity(t *testing.T) {
	m, clock := newTestManager(t)

	if _, err := m.RegisterAgent(salesRegistration("agent-1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateAgentStatus("agent-1", models.AgentAway); err != nil {
		t.Fatal(err)
	}

	// One conversation waits 100s before the agent returns; that seeds the
	// department average.
	mustEnqueue(t, m, salesEnqueue("conv-1", 3))
	clock.Advance(100 * time.Second)
	if err := m.UpdateAgentStatus("agent-1", models.AgentAvailable); err != nil {
		t.Fatal(err)
	}
	if got := m.Status(models.DeptSales).AvgWaitS; got != 100 {
		t.Fatalf("avg wait = %v, want 100", got)
	}

	// Agent is now at capacity: estimates extrapolate from the average.
	if got := m.EstimateWait(models.DeptSales, 3); got != 100 {
		t.Errorf("estimate with empty queue = %v, want 100", got)
	}
	rec := mustEnqueue(t, m, salesEnqueue("conv-2", 3))
	if rec.EstimatedWaitS != 100 {
		t.Errorf("enqueue estimate = %v, want 100", rec.EstimatedWaitS)
	}
	// conv-2 now waits ahead of any newcomer.
	if got := m.EstimateWait(models.DeptSales, 3); got != 200 {
		t.Errorf("estimate behind one waiter = %v, want 200", got)
	}
}

func TestWaitEstimateWithCapacity(t *testing.T) {
	m, clock := newTestManager(t)

	if _, err := m.RegisterAgent(salesRegistration("agent-1", 2)); err != nil {
		t.Fatal(err)
	}

	// Craft two waiting records directly so the backlog survives alongside
	// open capacity.
	m.mu.Lock()
	q := m.queueForLocked(models.DeptSales)
	for i, id := range []string{"w1", "w2"} {
		m.seq++
		heap.Push(q, &queueItem{
			record: &models.QueuedConversation{
				ConversationID: id,
				Department:     models.DeptSales,
				Priority:       3,
				QueuedAt:       clock.Now().Add(time.Duration(i) * time.Second),
			},
			seq: m.seq,
		})
	}
	m.mu.Unlock()

	// base = 2 waiters / 2 slots * 60 = 60s, scaled by (6-priority)/5.
	tests := []struct {
		priority int
		want     float64
	}{
		{1, 60},
		{3, 36},
		{5, 12},
	}
	for _, tt := range tests {
		if got := m.EstimateWait(models.DeptSales, tt.priority); got != tt.want {
			t.Errorf("EstimateWait(p%d) = %v, want %v", tt.priority, got, tt.want)
		}
	}
}

func TestWaitAverageEMA(t *testing.T) {
	m, clock := newTestManager(t)

	if _, err := m.RegisterAgent(salesRegistration("agent-1", 1)); err != nil {
		t.Fatal(err)
	}

	observe := func(id string, wait time.Duration) {
		if err := m.UpdateAgentStatus("agent-1", models.AgentAway); err != nil {
			t.Fatal(err)
		}
		mustEnqueue(t, m, salesEnqueue(id, 3))
		clock.Advance(wait)
		if err := m.UpdateAgentStatus("agent-1", models.AgentAvailable); err != nil {
			t.Fatal(err)
		}
		if err := m.Complete(id, true, ""); err != nil {
			t.Fatal(err)
		}
	}

	observe("conv-1", 100*time.Second)
	if got := m.Status(models.DeptSales).AvgWaitS; got != 100 {
		t.Fatalf("seeded average = %v, want 100", got)
	}

	observe("conv-2", 50*time.Second)
	want := 0.1*50 + 0.9*100
	if got := m.Status(models.DeptSales).AvgWaitS; got != want {
		t.Errorf("average after second observation = %v, want %v", got, want)
	}
}

func TestCustomerMood(t *testing.T) {
	tests := []struct {
		name string
		ctx  *models.ConversationContext
		want models.CustomerMood
	}{
		{"vip", &models.ConversationContext{CustomerType: models.CustomerVIP}, models.MoodExpectant},
		{"time waster", &models.ConversationContext{CustomerType: models.CustomerTimeWaster}, models.MoodUndecided},
		{"hot lead", &models.ConversationContext{PurchaseSignals: 4}, models.MoodEnthusiastic},
		{"long and cold", &models.ConversationContext{MessageCount: 11, PurchaseSignals: 1}, models.MoodFrustrated},
		{"inquisitive", &models.ConversationContext{QuestionCount: 6}, models.MoodCurious},
		{"frustration outranks curiosity", &models.ConversationContext{MessageCount: 11, QuestionCount: 6}, models.MoodFrustrated},
		{"default", &models.ConversationContext{MessageCount: 2}, models.MoodNeutral},
		{"nil context", nil, models.MoodNeutral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := moodFor(tt.ctx); got != tt.want {
				t.Errorf("moodFor = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOrphanDepartmentEscalation(t *testing.T) {
	m, _ := newTestManager(t)
	onCall := &fakeOnCall{called: make(chan models.Department, 1)}
	m.SetOnCall(onCall)

	rec := mustEnqueue(t, m, EnqueueRequest{
		ConversationID: "conv-1",
		Context:        &models.ConversationContext{ConversationID: "conv-1"},
		Department:     models.DeptTechnicalSupport,
		Priority:       4,
	})

	if rec.Priority != 1 {
		t.Errorf("orphaned enqueue priority = %d, want 1", rec.Priority)
	}
	if rec.AssignedAgentID != "" {
		t.Errorf("orphaned enqueue assigned to %q", rec.AssignedAgentID)
	}

	select {
	case dept := <-onCall.called:
		if dept != models.DeptTechnicalSupport {
			t.Errorf("on-call for %q, want technical_support", dept)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("on-call channel never notified")
	}

	if got := m.Status(models.DeptTechnicalSupport).Depth; got != 1 {
		t.Errorf("depth = %d, want 1", got)
	}
}

func TestNotificationRetriesAndAssignmentStands(t *testing.T) {
	notifier := newFakeNotifier(2)
	m := New(Config{NotifyRetries: 3}, notifier, observability.NewMetricsWith(prometheus.NewRegistry()), quietLogger())
	t.Cleanup(m.Close)

	if _, err := m.RegisterAgent(salesRegistration("agent-1", 1)); err != nil {
		t.Fatal(err)
	}
	rec := mustEnqueue(t, m, salesEnqueue("conv-1", 3))
	if rec.AssignedAgentID != "agent-1" {
		t.Fatalf("assignment = %q, want agent-1", rec.AssignedAgentID)
	}

	select {
	case id := <-notifier.delivered:
		if id != "conv-1" {
			t.Errorf("delivered %q, want conv-1", id)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("notification never delivered despite retries")
	}

	notifier.mu.Lock()
	attempts := notifier.attempts
	notifier.mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	if who, active := m.ActiveAgentFor("conv-1"); !active || who != "agent-1" {
		t.Errorf("assignment did not stand: (%q, %v)", who, active)
	}
}

func TestRecordAgentMessage(t *testing.T) {
	m, clock := newTestManager(t)

	if _, err := m.RegisterAgent(salesRegistration("agent-1", 1)); err != nil {
		t.Fatal(err)
	}
	mustEnqueue(t, m, salesEnqueue("conv-1", 3))

	clock.Advance(30 * time.Second)
	rec, err := m.RecordAgentMessage("conv-1", "agent-1")
	if err != nil {
		t.Fatalf("RecordAgentMessage error: %v", err)
	}
	if rec.ConversationID != "conv-1" {
		t.Errorf("record = %q, want conv-1", rec.ConversationID)
	}

	agent, _ := m.Agent("agent-1")
	if agent.AvgResponseTimeS != 30 {
		t.Errorf("avg response = %v, want 30", agent.AvgResponseTimeS)
	}

	// Later messages in the same conversation do not re-observe.
	clock.Advance(500 * time.Second)
	if _, err := m.RecordAgentMessage("conv-1", "agent-1"); err != nil {
		t.Fatal(err)
	}
	agent, _ = m.Agent("agent-1")
	if agent.AvgResponseTimeS != 30 {
		t.Errorf("avg response after second message = %v, want 30", agent.AvgResponseTimeS)
	}

	if _, err := m.RecordAgentMessage("conv-1", "agent-2"); err == nil {
		t.Error("foreign agent accepted")
	}
	if _, err := m.RecordAgentMessage("ghost", "agent-1"); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("unknown conversation error = %v, want ErrUnknownConversation", err)
	}
}

func TestRemoveQueuedConversation(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.RegisterAgent(salesRegistration("agent-1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateAgentStatus("agent-1", models.AgentAway); err != nil {
		t.Fatal(err)
	}
	mustEnqueue(t, m, salesEnqueue("conv-1", 3))

	if !m.Remove("conv-1") {
		t.Fatal("Remove returned false for a queued conversation")
	}
	if got := m.Status(models.DeptSales).Depth; got != 0 {
		t.Errorf("depth = %d, want 0", got)
	}
	if m.Remove("conv-1") {
		t.Error("second Remove returned true")
	}
}

func TestActiveForAgentReplay(t *testing.T) {
	m, clock := newTestManager(t)

	if _, err := m.RegisterAgent(salesRegistration("agent-1", 3)); err != nil {
		t.Fatal(err)
	}
	mustEnqueue(t, m, salesEnqueue("conv-1", 3))
	clock.Advance(time.Second)
	mustEnqueue(t, m, salesEnqueue("conv-2", 3))

	active := m.ActiveForAgent("agent-1")
	if len(active) != 2 {
		t.Fatalf("active = %d records, want 2", len(active))
	}
	if active[0].ConversationID != "conv-1" || active[1].ConversationID != "conv-2" {
		t.Errorf("replay order = %s, %s; want conv-1, conv-2", active[0].ConversationID, active[1].ConversationID)
	}
}
