package trajectory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/ocx/vesselgate/internal/core"
)

// SpannerTracker persists the audit log in Cloud Spanner. Expected schema:
//
//	CREATE TABLE StateTransitions (
//	  AgentID     STRING(MAX) NOT NULL,
//	  CommittedAt TIMESTAMP NOT NULL OPTIONS (allow_commit_timestamp=true),
//	  RecordID    STRING(36) NOT NULL,
//	  FromState   STRING(16) NOT NULL,
//	  ToState     STRING(16) NOT NULL,
//	  Cause       STRING(MAX) NOT NULL,
//	  OccurredAt  TIMESTAMP NOT NULL,
//	) PRIMARY KEY (AgentID, CommittedAt, RecordID);
//
//	CREATE TABLE SecurityEvents (
//	  AgentID      STRING(MAX) NOT NULL,
//	  CommittedAt  TIMESTAMP NOT NULL OPTIONS (allow_commit_timestamp=true),
//	  EventID      STRING(36) NOT NULL,
//	  EventType    STRING(64) NOT NULL,
//	  DecisionRef  STRING(MAX) NOT NULL,
//	  MetadataJSON STRING(MAX) NOT NULL,
//	  OccurredAt   TIMESTAMP NOT NULL,
//	) PRIMARY KEY (AgentID, CommittedAt, EventID);
//
// Commit timestamps are externally consistent, so a record committed after
// another one for the same agent always sorts after it.
type SpannerTracker struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerTracker connects to dbPath, which has the form
// projects/<project>/instances/<instance>/databases/<db>.
func NewSpannerTracker(ctx context.Context, dbPath string) (*SpannerTracker, error) {
	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}
	return &SpannerTracker{
		client: client,
		logger: log.New(log.Writer(), "[SpannerTracker] ", log.LstdFlags),
	}, nil
}

// Close releases the Spanner client.
func (s *SpannerTracker) Close() {
	s.client.Close()
}

func (s *SpannerTracker) RecordTransition(ctx context.Context, t core.StateTransition) error {
	m := spanner.Insert("StateTransitions",
		[]string{"AgentID", "CommittedAt", "RecordID", "FromState", "ToState", "Cause", "OccurredAt"},
		[]interface{}{t.AgentID, spanner.CommitTimestamp, uuid.NewString(), string(t.From), string(t.To), t.Cause, t.OccurredAt.UTC()},
	)
	if _, err := s.client.Apply(ctx, []*spanner.Mutation{m}); err != nil {
		return fmt.Errorf("spanner insert transition: %w", err)
	}
	return nil
}

func (s *SpannerTracker) RecordEvent(ctx context.Context, e core.SecurityEvent) error {
	meta, err := json.Marshal(cloneMetadata(e.Metadata))
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	m := spanner.Insert("SecurityEvents",
		[]string{"AgentID", "CommittedAt", "EventID", "EventType", "DecisionRef", "MetadataJSON", "OccurredAt"},
		[]interface{}{e.AgentID, spanner.CommitTimestamp, e.ID, string(e.EventType), e.DecisionRef, string(meta), e.OccurredAt.UTC()},
	)
	if _, err := s.client.Apply(ctx, []*spanner.Mutation{m}); err != nil {
		return fmt.Errorf("spanner insert event: %w", err)
	}
	return nil
}

func (s *SpannerTracker) GetStateTransitions(ctx context.Context, agentID string) ([]core.StateTransition, error) {
	stmt := spanner.Statement{
		SQL: `SELECT AgentID, FromState, ToState, Cause, OccurredAt
		      FROM StateTransitions WHERE AgentID = @agent
		      ORDER BY CommittedAt, RecordID`,
		Params: map[string]interface{}{"agent": agentID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	out := []core.StateTransition{}
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("spanner query transitions: %w", err)
		}
		var t core.StateTransition
		var from, to string
		var at time.Time
		if err := row.Columns(&t.AgentID, &from, &to, &t.Cause, &at); err != nil {
			return nil, err
		}
		t.From, t.To, t.OccurredAt = core.AgentState(from), core.AgentState(to), at
		out = append(out, t)
	}
	return out, nil
}

func (s *SpannerTracker) GetSecurityEvents(ctx context.Context, agentID string) ([]core.SecurityEvent, error) {
	stmt := spanner.Statement{
		SQL: `SELECT EventID, AgentID, EventType, DecisionRef, MetadataJSON, OccurredAt
		      FROM SecurityEvents WHERE AgentID = @agent
		      ORDER BY CommittedAt, EventID`,
		Params: map[string]interface{}{"agent": agentID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	out := []core.SecurityEvent{}
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("spanner query events: %w", err)
		}
		var e core.SecurityEvent
		var eventType, meta string
		if err := row.Columns(&e.ID, &e.AgentID, &eventType, &e.DecisionRef, &meta, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.EventType = core.SecurityEventType(eventType)
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			s.logger.Printf("⚠️  Corrupt metadata on event %s: %v", e.ID, err)
			e.Metadata = map[string]string{}
		}
		out = append(out, e)
	}
	return out, nil
}

var _ Tracker = (*SpannerTracker)(nil)
