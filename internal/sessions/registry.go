// Package sessions owns the in-memory conversation state: the session
// registry, the per-session FIFO locks the gateway serializes on, TTL
// eviction, and the optional write-behind SQL mirror.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/camino-travel/switchboard/internal/observability"
	"github.com/camino-travel/switchboard/pkg/models"
)

// Session couples a conversation's routing context with its sales
// qualification record. Both are created and evicted together and are only
// mutated under the session lock.
type Session struct {
	Context       *models.ConversationContext
	Qualification *models.SalesQualification
}

// Registry is the authoritative map of session_key to live session state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	idleTTL time.Duration
	mirror  Mirror
	metrics *observability.Metrics
	logger  *observability.Logger
	nowFn   func() time.Time

	flushWG sync.WaitGroup
}

// NewRegistry creates an empty registry. A nil mirror disables mirroring.
func NewRegistry(idleTTL time.Duration, mirror Mirror, metrics *observability.Metrics, logger *observability.Logger) *Registry {
	if idleTTL <= 0 {
		idleTTL = time.Hour
	}
	if mirror == nil {
		mirror = NopMirror{}
	}
	return &Registry{
		sessions: make(map[string]*Session),
		idleTTL:  idleTTL,
		mirror:   mirror,
		metrics:  metrics,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// SetNowFunc injects a clock for tests.
func (r *Registry) SetNowFunc(now func() time.Time) {
	if now != nil {
		r.nowFn = now
	}
}

// GetOrCreate resolves the session for an inbound message, creating fresh
// state on first contact (or after eviction). The second return reports
// whether a new session was created.
func (r *Registry) GetOrCreate(msg *models.NormalizedMessage, mode models.RoutingMode) (*Session, bool) {
	key := msg.SessionKey()

	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s, false
	}

	now := r.nowFn()
	s = &Session{
		Context:       models.NewConversationContext(msg, mode, now),
		Qualification: models.NewSalesQualification(key),
	}
	r.sessions[key] = s
	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(len(r.sessions)))
	}
	return s, true
}

// Get returns the live session for a key, if present.
func (r *Registry) Get(sessionKey string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionKey]
	return s, ok
}

// Find returns the session whose conversation id matches, scanning all
// channels. Used by the agent console, which addresses conversations without
// a channel prefix.
func (r *Registry) Find(conversationID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Context.ConversationID == conversationID {
			return s, true
		}
	}
	return nil, false
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Evict removes one session and deletes its mirror row.
func (r *Registry) Evict(ctx context.Context, sessionKey string) bool {
	r.mu.Lock()
	_, ok := r.sessions[sessionKey]
	if ok {
		delete(r.sessions, sessionKey)
		if r.metrics != nil {
			r.metrics.ActiveSessions.Set(float64(len(r.sessions)))
		}
	}
	r.mu.Unlock()

	if ok {
		r.mirrorDelete(sessionKey)
	}
	return ok
}

// EvictIdle removes every session whose last activity is older than the idle
// TTL and returns the evicted keys. The scan reads each context under its
// session lock via TryAcquire: a held lock means a message is in flight, so
// the session is active and skipped. An incoming message for an evicted key
// recreates the context from scratch.
func (r *Registry) EvictIdle(ctx context.Context, locker *Locker) []string {
	now := r.nowFn()
	cutoff := now.Add(-r.idleTTL)

	r.mu.Lock()
	var evicted []string
	for key, s := range r.sessions {
		release, ok := locker.TryAcquire(key)
		if !ok {
			continue
		}
		last := s.Context.LastActivityAt
		if last.IsZero() {
			last = s.Context.CreatedAt
		}
		if last.Before(cutoff) {
			delete(r.sessions, key)
			evicted = append(evicted, key)
		}
		release()
	}
	if len(evicted) > 0 && r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	for _, key := range evicted {
		r.mirrorDelete(key)
	}
	if len(evicted) > 0 && r.logger != nil {
		r.logger.Info(ctx, "idle sessions evicted", "count", len(evicted))
	}
	return evicted
}

// Flush mirrors a snapshot of the session. Callers invoke it under the
// session lock; the write itself happens off the hot path and failures are
// logged, never returned.
func (r *Registry) Flush(s *Session) {
	snapCtx := s.Context.Clone()
	snapQual := s.Qualification.Clone()

	r.flushWG.Add(1)
	go func() {
		defer r.flushWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.mirror.SaveContext(ctx, snapCtx, snapQual); err != nil && r.logger != nil {
			r.logger.Warn(ctx, "session mirror write failed",
				"session_key", snapCtx.SessionKey,
				"error", err,
			)
		}
	}()
}

// RecordQueueEvent mirrors a queue transition, best-effort.
func (r *Registry) RecordQueueEvent(ev QueueEvent) {
	r.flushWG.Add(1)
	go func() {
		defer r.flushWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.mirror.RecordQueueEvent(ctx, ev); err != nil && r.logger != nil {
			r.logger.Warn(ctx, "queue event mirror write failed",
				"conversation_id", ev.ConversationID,
				"kind", string(ev.Kind),
				"error", err,
			)
		}
	}()
}

func (r *Registry) mirrorDelete(sessionKey string) {
	r.flushWG.Add(1)
	go func() {
		defer r.flushWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.mirror.DeleteContext(ctx, sessionKey); err != nil && r.logger != nil {
			r.logger.Warn(ctx, "session mirror delete failed",
				"session_key", sessionKey,
				"error", err,
			)
		}
	}()
}

// Close drains in-flight mirror writes and closes the mirror.
func (r *Registry) Close() error {
	r.flushWG.Wait()
	return r.mirror.Close()
}
