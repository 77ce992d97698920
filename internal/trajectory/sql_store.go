package trajectory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ocx/vesselgate/internal/core"
)

// Dialect selects placeholder style and DDL for SQLTracker.
type Dialect string

const (
	DialectPostgres Dialect = "postgres" // github.com/lib/pq
	DialectSQLite   Dialect = "sqlite"   // modernc.org/sqlite
)

// SQLTracker persists the audit log in a SQL database. Rows are insert-only;
// the seq column fixes per-agent arrival order.
type SQLTracker struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLTracker wraps an open database handle. Call Migrate before use.
func NewSQLTracker(db *sql.DB, dialect Dialect) *SQLTracker {
	return &SQLTracker{db: db, dialect: dialect}
}

// OpenSQLTracker opens the driver registered for dialect and migrates the schema.
// The caller must blank-import the driver package.
func OpenSQLTracker(ctx context.Context, dialect Dialect, dsn string) (*SQLTracker, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// single writer keeps in-memory databases on one connection
		db.SetMaxOpenConns(1)
	}
	t := NewSQLTracker(db, dialect)
	if err := t.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

// Close closes the underlying database.
func (s *SQLTracker) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLTracker) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the audit tables if they do not exist.
func (s *SQLTracker) Migrate(ctx context.Context) error {
	seq := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		seq = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state_transitions (
			seq ` + seq + `,
			agent_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			cause TEXT NOT NULL,
			occurred_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_state_transitions_agent ON state_transitions (agent_id, seq)`,
		`CREATE TABLE IF NOT EXISTS security_events (
			seq ` + seq + `,
			event_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			decision_ref TEXT NOT NULL,
			metadata_json TEXT NOT NULL,
			occurred_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_agent ON security_events (agent_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate audit schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLTracker) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLTracker) RecordTransition(ctx context.Context, t core.StateTransition) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO state_transitions (agent_id, from_state, to_state, cause, occurred_at) VALUES (?, ?, ?, ?, ?)`),
		t.AgentID, string(t.From), string(t.To), t.Cause, t.OccurredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert state transition: %w", err)
	}
	return nil
}

func (s *SQLTracker) RecordEvent(ctx context.Context, e core.SecurityEvent) error {
	meta, err := json.Marshal(cloneMetadata(e.Metadata))
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO security_events (event_id, agent_id, event_type, decision_ref, metadata_json, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.AgentID, string(e.EventType), e.DecisionRef, string(meta), e.OccurredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	return nil
}

func (s *SQLTracker) GetStateTransitions(ctx context.Context, agentID string) ([]core.StateTransition, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT agent_id, from_state, to_state, cause, occurred_at FROM state_transitions WHERE agent_id = ? ORDER BY seq`),
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query state transitions: %w", err)
	}
	defer rows.Close()

	out := []core.StateTransition{}
	for rows.Next() {
		var t core.StateTransition
		var from, to, at string
		if err := rows.Scan(&t.AgentID, &from, &to, &t.Cause, &at); err != nil {
			return nil, fmt.Errorf("scan state transition: %w", err)
		}
		t.From = core.AgentState(from)
		t.To = core.AgentState(to)
		t.OccurredAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLTracker) GetSecurityEvents(ctx context.Context, agentID string) ([]core.SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT event_id, agent_id, event_type, decision_ref, metadata_json, occurred_at FROM security_events WHERE agent_id = ? ORDER BY seq`),
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	out := []core.SecurityEvent{}
	for rows.Next() {
		var e core.SecurityEvent
		var eventType, meta, at string
		if err := rows.Scan(&e.ID, &e.AgentID, &eventType, &e.DecisionRef, &meta, &at); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		e.EventType = core.SecurityEventType(eventType)
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode event metadata: %w", err)
		}
		e.OccurredAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Tracker = (*SQLTracker)(nil)
