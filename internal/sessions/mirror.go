package sessions

import (
	"context"
	"time"

	"github.com/camino-travel/switchboard/pkg/models"
)

// QueueEventKind tags a mirrored queue transition.
type QueueEventKind string

const (
	QueueEventEnqueued  QueueEventKind = "enqueued"
	QueueEventAssigned  QueueEventKind = "assigned"
	QueueEventCompleted QueueEventKind = "completed"
)

// QueueEvent is one queue transition written to the durable mirror.
type QueueEvent struct {
	ConversationID string
	Department     models.Department
	Priority       int
	Kind           QueueEventKind
	AgentID        string
	At             time.Time
}

// Mirror receives write-behind copies of session state and queue events.
// The in-memory registry stays authoritative: mirror failures are logged by
// the caller and never fail the hot path, and nothing is read back on
// restart.
type Mirror interface {
	SaveContext(ctx context.Context, snap *models.ConversationContext, qual *models.SalesQualification) error
	DeleteContext(ctx context.Context, sessionKey string) error
	RecordQueueEvent(ctx context.Context, ev QueueEvent) error
	Close() error
}

// NopMirror discards everything. Used when store.driver is unset.
type NopMirror struct{}

func (NopMirror) SaveContext(context.Context, *models.ConversationContext, *models.SalesQualification) error {
	return nil
}

func (NopMirror) DeleteContext(context.Context, string) error { return nil }

func (NopMirror) RecordQueueEvent(context.Context, QueueEvent) error { return nil }

func (NopMirror) Close() error { return nil }
