package gateway

import (
	"sync"

	"github.com/camino-travel/switchboard/pkg/models"
)

// inflightGate bounds concurrent in-flight messages per channel. The worker
// pool counts a message in from dequeue until processing ends; webhook
// deliveries for a saturated channel are rejected with a retryable status so
// the transport redelivers.
type inflightGate struct {
	mu     sync.Mutex
	max    int
	counts map[models.ChannelType]int
}

func newInflightGate(max int) *inflightGate {
	if max <= 0 {
		max = 1000
	}
	return &inflightGate{
		max:    max,
		counts: make(map[models.ChannelType]int),
	}
}

// begin counts a message in. The returned func counts it out and must be
// called exactly once.
func (g *inflightGate) begin(channel models.ChannelType) func() {
	g.mu.Lock()
	g.counts[channel]++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.counts[channel]--
			if g.counts[channel] <= 0 {
				delete(g.counts, channel)
			}
			g.mu.Unlock()
		})
	}
}

// saturated reports whether the channel is at its in-flight bound.
func (g *inflightGate) saturated(channel models.ChannelType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[channel] >= g.max
}

// inflight returns the current in-flight count for a channel.
func (g *inflightGate) inflight(channel models.ChannelType) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[channel]
}
