// Package gateway fans every connector's inbound stream into one pipeline:
// route, qualify, answer or queue, reply. It also serves the HTTP surface
// that the transports, the agent console and the operators talk to.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/camino-travel/switchboard/internal/channels"
	"github.com/camino-travel/switchboard/internal/config"
	"github.com/camino-travel/switchboard/internal/observability"
	"github.com/camino-travel/switchboard/internal/queue"
	"github.com/camino-travel/switchboard/internal/router"
	"github.com/camino-travel/switchboard/internal/salesagent"
	"github.com/camino-travel/switchboard/internal/sessions"
	"github.com/camino-travel/switchboard/pkg/models"
)

// Deps are the collaborators the gateway coordinates. All fields except
// MetricsHandler are required; the hub must already be bound to the queue.
type Deps struct {
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
	Connectors *channels.Registry
	Sessions   *sessions.Registry
	Locker     *sessions.Locker
	Router     *router.Router
	SalesAgent *salesagent.Agent
	Queue      *queue.Manager
	Hub        *Hub

	// MetricsHandler serves /metrics. Defaults to the global prometheus
	// handler; tests inject one scoped to their own registry.
	MetricsHandler http.Handler
}

type pendingMsg struct {
	msg  *models.NormalizedMessage
	done func()
}

// Server is the gateway process: connector lifecycle, the message pipeline
// workers, the HTTP surface and the periodic housekeeping jobs.
type Server struct {
	cfg *config.Config

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	connectors *channels.Registry
	sessions   *sessions.Registry
	locker     *sessions.Locker
	router     *router.Router
	agent      *salesagent.Agent
	queue      *queue.Manager
	hub        *Hub
	console    *console
	sender     *sender
	gate       *inflightGate
	watcher    *router.Watcher
	jobs       *cron.Cron

	metricsHandler http.Handler

	mode         models.RoutingMode
	historyLimit int

	httpSrv   *http.Server
	listener  net.Listener
	startedAt time.Time

	baseCtx    context.Context
	cancelBase context.CancelFunc

	// messageSem bounds how many messages are processing at once. Order
	// within a session is kept by the per-session pending queues: one
	// worker goroutine drains each session, so a session never has two
	// messages in flight.
	messageSem chan struct{}
	pendingMu  sync.Mutex
	pending    map[string][]pendingMsg
	workerWG   sync.WaitGroup
	procWG     sync.WaitGroup

	stopOnce sync.Once
}

// New wires a gateway server from its collaborators. Start must be called to
// begin serving.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	switch {
	case cfg == nil:
		return nil, fmt.Errorf("gateway: config is required")
	case deps.Logger == nil || deps.Metrics == nil || deps.Tracer == nil:
		return nil, fmt.Errorf("gateway: observability deps are required")
	case deps.Connectors == nil || deps.Sessions == nil || deps.Locker == nil:
		return nil, fmt.Errorf("gateway: connector and session deps are required")
	case deps.Router == nil || deps.SalesAgent == nil || deps.Queue == nil || deps.Hub == nil:
		return nil, fmt.Errorf("gateway: routing deps are required")
	}

	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	snd := newSender(deps.Connectors, deps.Metrics, deps.Logger, deps.Tracer, cfg.SendTimeout(), cfg.Send.MaxRetries)
	tokens := newAgentTokens(cfg.HTTP.ConsoleBearerSecret)

	s := &Server{
		cfg:            cfg,
		logger:         deps.Logger,
		metrics:        deps.Metrics,
		tracer:         deps.Tracer,
		connectors:     deps.Connectors,
		sessions:       deps.Sessions,
		locker:         deps.Locker,
		router:         deps.Router,
		agent:          deps.SalesAgent,
		queue:          deps.Queue,
		hub:            deps.Hub,
		sender:         snd,
		gate:           newInflightGate(cfg.Channels.MaxInflight),
		jobs:           cron.New(),
		metricsHandler: metricsHandler,
		mode:           cfg.DefaultRoutingMode(),
		historyLimit:   cfg.Routing.HistoryLimit,
		messageSem:     make(chan struct{}, cfg.Channels.MaxInflight),
		pending:        make(map[string][]pendingMsg),
	}
	s.console = &console{
		queue:        deps.Queue,
		sessions:     deps.Sessions,
		locker:       deps.Locker,
		hub:          deps.Hub,
		sender:       snd,
		tokens:       tokens,
		secret:       cfg.HTTP.ConsoleBearerSecret,
		logger:       deps.Logger,
		historyLimit: cfg.Routing.HistoryLimit,
	}
	if cfg.Routing.PatternsFile != "" {
		s.watcher = router.NewWatcher(deps.Router, cfg.Routing.PatternsFile, deps.Logger)
	}
	return s, nil
}

// Start brings up connectors, the pipeline workers, housekeeping and HTTP.
// It returns once the listener is bound; serving continues in background
// goroutines until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	if err := s.connectors.StartAll(ctx); err != nil {
		return fmt.Errorf("gateway: start connectors: %w", err)
	}

	stream := s.connectors.AggregateMessages(s.baseCtx)
	s.procWG.Add(1)
	go s.processMessages(s.baseCtx, stream)

	if s.watcher != nil {
		if err := s.watcher.Start(s.baseCtx); err != nil {
			s.logger.Warn(ctx, "pattern watcher disabled", "path", s.cfg.Routing.PatternsFile, "error", err)
			s.watcher = nil
		}
	}

	if _, err := s.jobs.AddFunc(fmt.Sprintf("@every %ds", s.cfg.Queue.EvictionIntervalS), s.evictIdleSessions); err != nil {
		return fmt.Errorf("gateway: schedule eviction: %w", err)
	}
	if _, err := s.jobs.AddFunc("@every 30s", s.resyncQueueGauges); err != nil {
		return fmt.Errorf("gateway: schedule gauge resync: %w", err)
	}
	s.jobs.Start()

	if err := s.serveHTTP(); err != nil {
		return err
	}

	s.logger.Info(ctx, "gateway started",
		"addr", s.Addr(),
		"connectors", len(s.connectors.All()),
		"routing_mode", string(s.mode),
	)
	return nil
}

// Stop drains the gateway in dependency order: stop accepting HTTP, stop the
// transports, let in-flight messages finish, then flush queue and sessions.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		grace := time.Duration(s.cfg.HTTP.ShutdownGraceS) * time.Second
		httpCtx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()
		if shutdownErr := s.shutdownHTTP(httpCtx); shutdownErr != nil {
			err = shutdownErr
		}

		if s.watcher != nil {
			_ = s.watcher.Close()
		}
		<-s.jobs.Stop().Done()

		if stopErr := s.connectors.StopAll(ctx); stopErr != nil && err == nil {
			err = stopErr
		}

		// Connector streams are closed, so the fan-in ends and the session
		// workers drain whatever was already accepted.
		s.procWG.Wait()
		s.workerWG.Wait()
		s.cancelBase()

		s.queue.Close()
		s.hub.Close()
		if closeErr := s.sessions.Close(); closeErr != nil && err == nil {
			err = closeErr
		}

		s.logger.Info(ctx, "gateway stopped")
	})
	return err
}

// processMessages consumes the fan-in stream until every connector closes.
func (s *Server) processMessages(ctx context.Context, stream <-chan *models.NormalizedMessage) {
	defer s.procWG.Done()
	for msg := range stream {
		s.dispatch(ctx, msg)
	}
}

// dispatch appends the message to its session's pending queue, spawning the
// session worker when none is running. Messages for one session are handled
// strictly in arrival order.
func (s *Server) dispatch(ctx context.Context, msg *models.NormalizedMessage) {
	key := msg.SessionKey()
	item := pendingMsg{msg: msg, done: s.gate.begin(msg.Channel)}

	s.pendingMu.Lock()
	if q, running := s.pending[key]; running {
		s.pending[key] = append(q, item)
		s.pendingMu.Unlock()
		return
	}
	s.pending[key] = nil
	s.pendingMu.Unlock()

	s.workerWG.Add(1)
	go s.runSession(ctx, key, item)
}

func (s *Server) runSession(ctx context.Context, key string, first pendingMsg) {
	defer s.workerWG.Done()

	item := first
	for {
		select {
		case s.messageSem <- struct{}{}:
			s.handleMessage(ctx, item.msg)
			<-s.messageSem
		case <-ctx.Done():
			// Shutdown past the drain window: drop without processing.
		}
		item.done()

		s.pendingMu.Lock()
		q := s.pending[key]
		if len(q) == 0 {
			delete(s.pending, key)
			s.pendingMu.Unlock()
			return
		}
		item = q[0]
		s.pending[key] = q[1:]
		s.pendingMu.Unlock()
	}
}

// evictIdleSessions drops sessions idle past the TTL and removes any of them
// still waiting in a queue.
func (s *Server) evictIdleSessions() {
	ctx, cancel := context.WithTimeout(s.baseCtx, 30*time.Second)
	defer cancel()

	evicted := s.sessions.EvictIdle(ctx, s.locker)
	if len(evicted) == 0 {
		return
	}

	removed := 0
	for _, key := range evicted {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if s.queue.Remove(parts[1]) {
			removed++
		}
	}
	s.logger.Info(ctx, "idle sessions evicted", "count", len(evicted), "dequeued", removed)
}

// resyncQueueGauges republishes per-department depth so the gauges survive
// removals and restarts.
func (s *Server) resyncQueueGauges() {
	for _, d := range models.Departments() {
		st := s.queue.Status(d)
		s.metrics.QueueDepth.WithLabelValues(string(d)).Set(float64(st.Depth))
	}
}
