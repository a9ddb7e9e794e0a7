package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/camino-travel/switchboard/internal/config"
	"github.com/camino-travel/switchboard/pkg/models"
)

// Numbered placeholders are understood by both lib/pq and SQLite, so the
// statement set below is shared across drivers.
const mirrorSchema = `
CREATE TABLE IF NOT EXISTS session_mirror (
	session_key        TEXT PRIMARY KEY,
	channel            TEXT NOT NULL,
	conversation_id    TEXT NOT NULL,
	context_json       TEXT NOT NULL,
	qualification_json TEXT,
	updated_at         TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_events (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	department      TEXT NOT NULL,
	priority        INTEGER NOT NULL,
	kind            TEXT NOT NULL,
	agent_id        TEXT,
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS queue_events_conversation_idx
	ON queue_events (conversation_id);
`

// SQLMirror is the durable write-behind store. It only ever writes: on
// restart the engine starts empty and new sessions are accepted, so there is
// no read path.
type SQLMirror struct {
	db     *sql.DB
	driver string

	stmtSaveContext   *sql.Stmt
	stmtDeleteContext *sql.Stmt
	stmtInsertEvent   *sql.Stmt
}

// OpenSQLMirror opens the store named by cfg.Driver: "sqlite" (default,
// file at cfg.Path) or "postgres" (cfg.DSN).
func OpenSQLMirror(cfg config.StoreConfig) (*SQLMirror, error) {
	var (
		driver string
		dsn    string
	)
	switch cfg.Driver {
	case "", "sqlite":
		driver = "sqlite"
		dsn = cfg.Path
		if dsn == "" {
			dsn = "switchboard.db"
		}
	case "postgres":
		driver = "postgres"
		dsn = cfg.DSN
		if dsn == "" {
			return nil, fmt.Errorf("sessions: store.dsn is required for postgres")
		}
	default:
		return nil, fmt.Errorf("sessions: unknown store driver %q", cfg.Driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sessions: open %s store: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: ping %s store: %w", driver, err)
	}

	m := &SQLMirror{db: db, driver: driver}
	if err := m.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := m.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// NewSQLMirrorFromDB wraps an existing connection; used by tests with sqlmock.
func NewSQLMirrorFromDB(db *sql.DB, driver string) (*SQLMirror, error) {
	m := &SQLMirror{db: db, driver: driver}
	if err := m.prepareStatements(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SQLMirror) initSchema(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, mirrorSchema); err != nil {
		return fmt.Errorf("sessions: init mirror schema: %w", err)
	}
	return nil
}

func (m *SQLMirror) prepareStatements() error {
	var err error

	m.stmtSaveContext, err = m.db.Prepare(`
		INSERT INTO session_mirror (session_key, channel, conversation_id, context_json, qualification_json, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_key) DO UPDATE SET
			context_json = EXCLUDED.context_json,
			qualification_json = EXCLUDED.qualification_json,
			updated_at = EXCLUDED.updated_at
	`)
	if err != nil {
		return fmt.Errorf("sessions: prepare save context: %w", err)
	}

	m.stmtDeleteContext, err = m.db.Prepare(`
		DELETE FROM session_mirror WHERE session_key = $1
	`)
	if err != nil {
		return fmt.Errorf("sessions: prepare delete context: %w", err)
	}

	m.stmtInsertEvent, err = m.db.Prepare(`
		INSERT INTO queue_events (id, conversation_id, department, priority, kind, agent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("sessions: prepare insert event: %w", err)
	}

	return nil
}

// SaveContext upserts the session snapshot as JSON.
func (m *SQLMirror) SaveContext(ctx context.Context, snap *models.ConversationContext, qual *models.SalesQualification) error {
	if snap == nil {
		return fmt.Errorf("sessions: nil context snapshot")
	}
	contextJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sessions: marshal context: %w", err)
	}
	var qualJSON []byte
	if qual != nil {
		qualJSON, err = json.Marshal(qual)
		if err != nil {
			return fmt.Errorf("sessions: marshal qualification: %w", err)
		}
	}

	_, err = m.stmtSaveContext.ExecContext(ctx,
		snap.SessionKey,
		string(snap.Channel),
		snap.ConversationID,
		string(contextJSON),
		nullableString(qualJSON),
		snap.LastActivityAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sessions: save context %s: %w", snap.SessionKey, err)
	}
	return nil
}

// DeleteContext removes the mirror row for an evicted session.
func (m *SQLMirror) DeleteContext(ctx context.Context, sessionKey string) error {
	if _, err := m.stmtDeleteContext.ExecContext(ctx, sessionKey); err != nil {
		return fmt.Errorf("sessions: delete context %s: %w", sessionKey, err)
	}
	return nil
}

// RecordQueueEvent appends one queue transition row.
func (m *SQLMirror) RecordQueueEvent(ctx context.Context, ev QueueEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := m.stmtInsertEvent.ExecContext(ctx,
		uuid.NewString(),
		ev.ConversationID,
		string(ev.Department),
		ev.Priority,
		string(ev.Kind),
		nullableString([]byte(ev.AgentID)),
		at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sessions: record queue event %s/%s: %w", ev.ConversationID, ev.Kind, err)
	}
	return nil
}

// Close releases the prepared statements and the connection pool.
func (m *SQLMirror) Close() error {
	var firstErr error
	for _, stmt := range []*sql.Stmt{m.stmtSaveContext, m.stmtDeleteContext, m.stmtInsertEvent} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

var _ Mirror = (*SQLMirror)(nil)
