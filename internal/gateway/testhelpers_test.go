package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camino-travel/switchboard/internal/channels"
	"github.com/camino-travel/switchboard/internal/chatbot"
	"github.com/camino-travel/switchboard/internal/config"
	"github.com/camino-travel/switchboard/internal/observability"
	"github.com/camino-travel/switchboard/internal/queue"
	"github.com/camino-travel/switchboard/internal/router"
	"github.com/camino-travel/switchboard/internal/salesagent"
	"github.com/camino-travel/switchboard/internal/sessions"
	"github.com/camino-travel/switchboard/pkg/models"
)

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

// fakeConnector is an in-memory transport: tests inject inbound messages and
// observe outbound sends. Send failures are scripted with failNext.
type fakeConnector struct {
	channel models.ChannelType
	in      chan *models.NormalizedMessage

	mu      sync.Mutex
	started bool
	stopped bool
	failN   int // >0: that many sends fail; <0: all sends fail
	sendErr error
	sent    []models.OutboundMessage
	typing  int
	reads   int

	// sendStarted signals the first send attempt; sentCh carries successes.
	sendStarted chan struct{}
	startedOnce sync.Once
	blockSends  chan struct{} // when non-nil, sends wait until closed
	sentCh      chan models.OutboundMessage
}

func newFakeConnector(channel models.ChannelType) *fakeConnector {
	return &fakeConnector{
		channel:     channel,
		in:          make(chan *models.NormalizedMessage, 64),
		sendStarted: make(chan struct{}),
		sentCh:      make(chan models.OutboundMessage, 64),
	}
}

func (f *fakeConnector) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeConnector) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.in)
	}
	return nil
}

func (f *fakeConnector) Type() models.ChannelType                    { return f.channel }
func (f *fakeConnector) Messages() <-chan *models.NormalizedMessage { return f.in }

func (f *fakeConnector) send(out models.OutboundMessage) (*models.DeliveryReceipt, error) {
	f.startedOnce.Do(func() { close(f.sendStarted) })

	f.mu.Lock()
	block := f.blockSends
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN != 0 && f.sendErr != nil {
		if f.failN > 0 {
			f.failN--
		}
		return nil, f.sendErr
	}
	f.sent = append(f.sent, out)
	select {
	case f.sentCh <- out:
	default:
	}
	return &models.DeliveryReceipt{TransportMessageID: fmt.Sprintf("t-%d", len(f.sent)), SentAt: time.Now()}, nil
}

func (f *fakeConnector) SendText(_ context.Context, to, text string) (*models.DeliveryReceipt, error) {
	return f.send(models.OutboundMessage{Recipient: to, Text: text})
}

func (f *fakeConnector) SendMedia(_ context.Context, to string, kind models.MediaKind, url, caption string) (*models.DeliveryReceipt, error) {
	return f.send(models.OutboundMessage{Recipient: to, MediaKind: kind, MediaURL: url, Caption: caption})
}

func (f *fakeConnector) SendQuickReplies(_ context.Context, to, text string, choices []models.QuickReply) (*models.DeliveryReceipt, error) {
	return f.send(models.OutboundMessage{Recipient: to, Text: text, QuickReplies: choices})
}

func (f *fakeConnector) SendTyping(context.Context, string) {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
}

func (f *fakeConnector) MarkRead(context.Context, string) {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()
}

func (f *fakeConnector) Status() channels.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return channels.Status{Connected: f.started && !f.stopped}
}

func (f *fakeConnector) HealthCheck(context.Context) channels.HealthStatus {
	return channels.HealthStatus{Healthy: true, LastCheck: time.Now()}
}

func (f *fakeConnector) Metrics() channels.MetricsSnapshot {
	return channels.MetricsSnapshot{ChannelType: f.channel}
}

func (f *fakeConnector) failNext(n int, err error) {
	f.mu.Lock()
	f.failN = n
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeConnector) sentMessages() []models.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.OutboundMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// panicConnector wraps fakeConnector and panics on the first typing
// indicator, simulating a connector bug inside message processing.
type panicConnector struct {
	*fakeConnector
	panicked atomic.Bool
}

func (p *panicConnector) SendTyping(ctx context.Context, to string) {
	if p.panicked.CompareAndSwap(false, true) {
		panic("connector bug")
	}
	p.fakeConnector.SendTyping(ctx, to)
}

// fakeWebhookConnector adds an HTTP inbound path: POST bodies of the form
// {"conversation_id": ..., "text": ...} become normalized messages.
type fakeWebhookConnector struct {
	*fakeConnector
	path string
	seq  atomic.Int64
}

func (f *fakeWebhookConnector) WebhookPath() string { return f.path }

func (f *fakeWebhookConnector) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	var body struct {
		ConversationID string `json:"conversation_id"`
		Text           string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	f.in <- &models.NormalizedMessage{
		MessageID:      fmt.Sprintf("wh-%d", f.seq.Add(1)),
		Channel:        f.channel,
		UserID:         body.ConversationID,
		ConversationID: body.ConversationID,
		Text:           body.Text,
		Timestamp:      time.Now().UTC(),
	}
	w.WriteHeader(http.StatusOK)
}

// fixture is a fully wired gateway over fake transports: a plain connector
// on webchat for direct injection and a webhook connector on whatsapp for
// HTTP-path tests.
type fixture struct {
	t       *testing.T
	cfg     *config.Config
	srv     *Server
	conn    *fakeConnector
	web     *fakeWebhookConnector
	queue   *queue.Manager
	hub     *Hub
	reg     *sessions.Registry
	locker  *sessions.Locker
	metrics *observability.Metrics

	seq atomic.Int64
}

func newFixture(t *testing.T, mutate func(*config.Config), extra ...channels.Connector) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Queue.NotifyRetries = 1
	if mutate != nil {
		mutate(cfg)
	}

	logger := quietLogger()
	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(promReg)
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{})
	t.Cleanup(func() { _ = shutdownTracer(context.Background()) })

	reg := sessions.NewRegistry(cfg.IdleTTL(), nil, metrics, logger)
	locker := sessions.NewLocker()
	rt := router.New(router.Config{
		TimeWasterThreshold: cfg.Routing.TimeWasterThreshold,
		MaxAIAttempts:       cfg.Routing.MaxAIAttempts,
		VIPKeywords:         cfg.Routing.VIPKeywords,
	}, nil)
	agent := salesagent.New(salesagent.Config{
		MaxSalesAttempts: cfg.Routing.MaxSalesAttempts,
		ConfidenceFloor:  cfg.Routing.AIConfidenceThreshold,
	}, chatbot.NewRules(), rt)

	hub := NewHub(cfg.HTTP.ConsoleBearerSecret, reg, locker, logger)
	qm := queue.New(queue.Config{NotifyRetries: cfg.Queue.NotifyRetries}, hub, metrics, logger)
	hub.BindQueue(qm)

	connectors := channels.NewRegistry()
	conn := newFakeConnector(models.ChannelWebChat)
	connectors.Register(conn)
	web := &fakeWebhookConnector{
		fakeConnector: newFakeConnector(models.ChannelWhatsApp),
		path:          "/webhook/whatsapp",
	}
	connectors.Register(web)
	for _, c := range extra {
		connectors.Register(c)
	}

	srv, err := New(cfg, Deps{
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         tracer,
		Connectors:     connectors,
		Sessions:       reg,
		Locker:         locker,
		Router:         rt,
		SalesAgent:     agent,
		Queue:          qm,
		Hub:            hub,
		MetricsHandler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})

	return &fixture{
		t:       t,
		cfg:     cfg,
		srv:     srv,
		conn:    conn,
		web:     web,
		queue:   qm,
		hub:     hub,
		reg:     reg,
		locker:  locker,
		metrics: metrics,
	}
}

// inject delivers one webchat message and returns its id.
func (f *fixture) inject(conversationID, text string) string {
	id := fmt.Sprintf("m-%d", f.seq.Add(1))
	f.conn.in <- &models.NormalizedMessage{
		MessageID:      id,
		Channel:        models.ChannelWebChat,
		UserID:         conversationID,
		ConversationID: conversationID,
		Text:           text,
		Timestamp:      time.Now().UTC(),
	}
	return id
}

// awaitReply blocks for the next outbound webchat message.
func (f *fixture) awaitReply() models.OutboundMessage {
	f.t.Helper()
	select {
	case out := <-f.conn.sentCh:
		return out
	case <-time.After(5 * time.Second):
		f.t.Fatalf("no outbound message within 5s")
		return models.OutboundMessage{}
	}
}

// converse injects and waits for the reply.
func (f *fixture) converse(conversationID, text string) models.OutboundMessage {
	f.t.Helper()
	f.inject(conversationID, text)
	return f.awaitReply()
}

// session returns the live session for a conversation, failing if absent.
func (f *fixture) session(conversationID string) *sessions.Session {
	f.t.Helper()
	s, ok := f.reg.Find(conversationID)
	if !ok {
		f.t.Fatalf("no session for conversation %s", conversationID)
	}
	return s
}

// snapshotContext copies the conversation context under the session lock.
func (f *fixture) snapshotContext(conversationID string) *models.ConversationContext {
	f.t.Helper()
	s := f.session(conversationID)
	release, err := f.locker.Acquire(context.Background(), s.Context.SessionKey)
	if err != nil {
		f.t.Fatalf("lock session: %v", err)
	}
	defer release()
	return s.Context.Clone()
}

// findContext snapshots the conversation context without failing when the
// session does not exist or its lock is held. For polling predicates, which
// may run before the async worker has created the session.
func (f *fixture) findContext(conversationID string) (*models.ConversationContext, bool) {
	s, ok := f.reg.Find(conversationID)
	if !ok {
		return nil, false
	}
	release, ok := f.locker.TryAcquire(s.Context.SessionKey)
	if !ok {
		return nil, false
	}
	defer release()
	return s.Context.Clone(), true
}

// snapshotQualification copies the qualification under the session lock.
func (f *fixture) snapshotQualification(conversationID string) *models.SalesQualification {
	f.t.Helper()
	s := f.session(conversationID)
	release, err := f.locker.Acquire(context.Background(), s.Context.SessionKey)
	if err != nil {
		f.t.Fatalf("lock session: %v", err)
	}
	defer release()
	return s.Qualification.Clone()
}

// registerAgent adds a queue agent in the given status.
func (f *fixture) registerAgent(id string, dept models.Department, maxConcurrent int, status models.AgentStatus) {
	f.t.Helper()
	_, err := f.queue.RegisterAgent(queue.AgentRegistration{
		ID:            id,
		Name:          "Agente " + id,
		Email:         id + "@camino.test",
		Departments:   []models.Department{dept},
		MaxConcurrent: maxConcurrent,
	})
	if err != nil {
		f.t.Fatalf("RegisterAgent(%s): %v", id, err)
	}
	if status != models.AgentAvailable {
		if err := f.queue.UpdateAgentStatus(id, status); err != nil {
			f.t.Fatalf("UpdateAgentStatus(%s): %v", id, err)
		}
	}
}

// totalQueued sums waiting depth across every department.
func (f *fixture) totalQueued() int {
	total := 0
	for _, d := range models.Departments() {
		total += f.queue.Status(d).Depth
	}
	return total
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}
