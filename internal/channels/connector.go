// Package channels defines the transport capability set every connector
// implements and the shared plumbing (errors, rate limiting, metrics,
// chunking) connectors are built from.
package channels

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/camino-travel/switchboard/pkg/models"
)

// Connector is the capability set the gateway uses to talk to a transport.
// Implementations exist for WhatsApp Cloud, Telegram, Messenger, Instagram
// and web chat; SMS and email arrive through upstream bridges that speak one
// of these.
type Connector interface {
	// Start begins receiving messages: registers webhooks, validates
	// credentials and opens the inbound channel.
	Start(ctx context.Context) error

	// Stop shuts the connector down and closes the inbound channel.
	Stop(ctx context.Context) error

	// Type returns the transport this connector serves.
	Type() models.ChannelType

	// Messages returns the stream of normalized inbound messages.
	Messages() <-chan *models.NormalizedMessage

	// SendText delivers plain text, chunking to the transport's limit.
	SendText(ctx context.Context, to, text string) (*models.DeliveryReceipt, error)

	// SendMedia delivers media by URL. Transports that disallow inline
	// captions send the caption as a follow-up text.
	SendMedia(ctx context.Context, to string, kind models.MediaKind, url, caption string) (*models.DeliveryReceipt, error)

	// SendQuickReplies delivers text with tappable choices, truncating to
	// the transport cap or falling back to numbered text where the
	// transport has no quick-reply concept.
	SendQuickReplies(ctx context.Context, to, text string, choices []models.QuickReply) (*models.DeliveryReceipt, error)

	// SendTyping shows a typing indicator. Best-effort: never returns an
	// error, silently no-ops where unsupported.
	SendTyping(ctx context.Context, to string)

	// MarkRead acknowledges an inbound message. Idempotent, best-effort.
	MarkRead(ctx context.Context, messageID string)

	// Status reports the connection state.
	Status() Status

	// HealthCheck verifies upstream connectivity.
	HealthCheck(ctx context.Context) HealthStatus

	// Metrics returns the connector's counters snapshot.
	Metrics() MetricsSnapshot
}

// WebhookConnector is implemented by connectors that receive inbound traffic
// on an HTTP endpoint mounted by the gateway.
type WebhookConnector interface {
	Connector

	// WebhookPath is the mount path, e.g. /webhook/whatsapp.
	WebhookPath() string

	// HandleWebhook verifies and parses one delivery. Handlers respond
	// within the transport SLA; heavy work happens downstream.
	HandleWebhook(w http.ResponseWriter, r *http.Request)
}

// Status is the connection state of a connector.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"` // Unix timestamp
}

// HealthStatus is the result of a connectivity check.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	LastCheck time.Time     `json:"last_check"`
	Degraded  bool          `json:"degraded,omitempty"`
}

// Registry holds the active connectors keyed by transport.
type Registry struct {
	mu         sync.RWMutex
	connectors map[models.ChannelType]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[models.ChannelType]Connector),
	}
}

// Register adds a connector, replacing any previous one for the transport.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Type()] = c
}

// Get returns the connector for a transport.
func (r *Registry) Get(channel models.ChannelType) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[channel]
	return c, ok
}

// All returns every registered connector.
func (r *Registry) All() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c)
	}
	return out
}

// StartAll starts every connector, failing on the first error.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, c := range r.All() {
		if err := c.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every connector, returning the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, c := range r.All() {
		if err := c.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// AggregateMessages fans all connectors' inbound streams into one channel.
// The returned channel closes once every connector stream has closed or the
// context ends.
func (r *Registry) AggregateMessages(ctx context.Context) <-chan *models.NormalizedMessage {
	out := make(chan *models.NormalizedMessage)

	var wg sync.WaitGroup
	for _, c := range r.All() {
		wg.Add(1)
		go func(c Connector) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-c.Messages():
					if !ok {
						return
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(c)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
