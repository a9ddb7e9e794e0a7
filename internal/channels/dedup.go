package channels

import (
	"sync"
	"time"

	"github.com/camino-travel/switchboard/pkg/models"
)

// Deduper remembers recently seen webhook message ids so redelivered
// events are acknowledged without being processed twice. Entries expire
// after a TTL and the set is bounded, oldest evicted first.
type Deduper struct {
	mu         sync.Mutex
	seen       map[string]int64 // key -> unix millis last seen
	ttl        time.Duration
	maxEntries int
}

// NewDeduper creates a replay guard. A ttl of zero keeps entries until
// evicted by size; maxEntries of zero disables the guard entirely.
func NewDeduper(ttl time.Duration, maxEntries int) *Deduper {
	if ttl < 0 {
		ttl = 0
	}
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &Deduper{
		seen:       make(map[string]int64),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Seen reports whether the message id was already observed within the TTL,
// recording it either way. Empty ids are never duplicates.
func (d *Deduper) Seen(channel models.ChannelType, messageID string) bool {
	return d.SeenAt(channel, messageID, time.Now())
}

// SeenAt is Seen with an explicit clock, for tests.
func (d *Deduper) SeenAt(channel models.ChannelType, messageID string, now time.Time) bool {
	if messageID == "" || d.maxEntries == 0 {
		return false
	}
	key := string(channel) + ":" + messageID

	d.mu.Lock()
	defer d.mu.Unlock()

	nowMs := now.UnixMilli()
	dup := false
	if ts, ok := d.seen[key]; ok {
		if d.ttl <= 0 || nowMs-ts < d.ttl.Milliseconds() {
			dup = true
		}
	}
	d.seen[key] = nowMs
	if !dup {
		d.prune(nowMs)
	}
	return dup
}

func (d *Deduper) prune(nowMs int64) {
	if d.ttl > 0 {
		cutoff := nowMs - d.ttl.Milliseconds()
		for key, ts := range d.seen {
			if ts < cutoff {
				delete(d.seen, key)
			}
		}
	}
	for len(d.seen) > d.maxEntries {
		var oldestKey string
		oldestTs := int64(1<<63 - 1)
		for k, ts := range d.seen {
			if ts < oldestTs {
				oldestTs = ts
				oldestKey = k
			}
		}
		if oldestKey == "" {
			return
		}
		delete(d.seen, oldestKey)
	}
}

// Size returns the number of remembered ids.
func (d *Deduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
