package channels

import (
	"log/slog"
	"sync"
	"time"

	"github.com/camino-travel/switchboard/pkg/models"
)

// Base provides the status, metrics and degraded-state tracking shared by
// every connector implementation.
type Base struct {
	channelType models.ChannelType
	logger      *slog.Logger

	status   Status
	statusMu sync.RWMutex

	metrics *Metrics
}

// NewBase creates connector base state with initialized metrics.
func NewBase(channelType models.ChannelType, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		channelType: channelType,
		logger:      logger.With("channel", string(channelType)),
		status:      Status{Connected: false},
		metrics:     NewMetrics(channelType),
	}
}

// Logger returns the connector-scoped logger.
func (b *Base) Logger() *slog.Logger {
	return b.logger
}

// Status returns the current connection status.
func (b *Base) Status() Status {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return b.status
}

// SetStatus updates the connection status and ping time.
func (b *Base) SetStatus(connected bool, errMsg string) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.status = Status{
		Connected: connected,
		Error:     errMsg,
		LastPing:  time.Now().Unix(),
	}
}

// UpdateLastPing refreshes the ping timestamp without changing state.
func (b *Base) UpdateLastPing() {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.status.LastPing = time.Now().Unix()
}

// Metrics returns a snapshot of the connector's counters.
func (b *Base) Metrics() MetricsSnapshot {
	return b.metrics.Snapshot()
}

// Counters exposes the live metrics tracker to the embedding connector.
func (b *Base) Counters() *Metrics {
	return b.metrics
}
