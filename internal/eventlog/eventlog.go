// Package eventlog implements component A: the durable, append-only
// record of every significant state change produced by the other
// components, plus best-effort in-process fan-out for listeners.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetcp.sh/internal/database"
	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/metrics"
	"fleetcp.sh/internal/models"
)

// PublishInput is one event to append, used by both Publish and
// PublishBatch.
type PublishInput struct {
	Type          string
	AggregateKind string
	AggregateID   string
	Payload       any
	CorrelationID string
	CausationID   string
	Source        string
}

// Filter narrows Listen subscriptions; the query methods take their
// own arguments and do not use it.
type Filter struct {
	Type          string
	AggregateKind string
}

func (f Filter) matches(e models.Event) bool {
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	if f.AggregateKind != "" && f.AggregateKind != e.AggregateKind {
		return false
	}
	return true
}

// Stats summarizes event volume over a lookback window.
type Stats struct {
	Days       int            `json:"days"`
	Total      int64          `json:"total"`
	ByType     map[string]int64 `json:"by_type"`
}

type subscriber struct {
	filter Filter
	ch     chan models.Event
}

// Store is the event log's storage and fan-out engine.
type Store struct {
	db     *database.DB
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[int64]*subscriber
	nextSubID   int64
}

// New creates an event log store bound to db.
func New(db *database.DB) *Store {
	return &Store{
		db:          db,
		logger:      slog.Default().With("component", "eventlog"),
		subscribers: make(map[int64]*subscriber),
	}
}

// Publish appends a single event and stamps its checksum/timestamp
// server-side. Failure here is always a hard error for the caller;
// the event log has no soft-fail path (spec §4.1).
func (s *Store) Publish(ctx context.Context, in PublishInput) (string, error) {
	start := time.Now()
	defer func() { metrics.EventPublishDuration.Observe(time.Since(start).Seconds()) }()

	event, err := s.buildEvent(in)
	if err != nil {
		return "", err
	}

	if err := s.insert(ctx, s.db, event); err != nil {
		return "", ferrors.Wrap(err, ferrors.CodeInternal, "publish event")
	}

	s.notify(event)
	return event.EventID, nil
}

// PublishBatch appends every input atomically: either all events land
// or none do.
func (s *Store) PublishBatch(ctx context.Context, ins []PublishInput) ([]string, error) {
	if len(ins) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "begin publish batch")
	}
	defer tx.Rollback()

	events := make([]models.Event, 0, len(ins))
	ids := make([]string, 0, len(ins))
	for _, in := range ins {
		event, err := s.buildEvent(in)
		if err != nil {
			return nil, err
		}
		if err := s.insert(ctx, tx, event); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "publish batch event")
		}
		events = append(events, event)
		ids = append(ids, event.EventID)
	}

	if err := tx.Commit(); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "commit publish batch")
	}

	for _, event := range events {
		s.notify(event)
	}
	return ids, nil
}

// PublishTx appends an event as part of a caller-managed transaction,
// so it lands atomically with whatever else the caller writes in the
// same transaction. Callers MUST call Notify after their transaction
// commits; PublishTx itself does not fan out to listeners, since the
// event isn't durable until the caller's commit succeeds.
func (s *Store) PublishTx(ctx context.Context, tx *sql.Tx, in PublishInput) (models.Event, error) {
	start := time.Now()
	defer func() { metrics.EventPublishDuration.Observe(time.Since(start).Seconds()) }()

	event, err := s.buildEvent(in)
	if err != nil {
		return models.Event{}, err
	}
	if err := s.insert(ctx, tx, event); err != nil {
		return models.Event{}, ferrors.Wrap(err, ferrors.CodeInternal, "publish event in transaction")
	}
	return event, nil
}

// Notify fans an already-durable event out to listeners. Used after
// PublishTx once the caller's transaction has committed.
func (s *Store) Notify(e models.Event) {
	s.notify(e)
}

func (s *Store) buildEvent(in PublishInput) (models.Event, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return models.Event{}, ferrors.Wrap(err, ferrors.CodeInvalidInput, "marshal event payload")
	}

	now := time.Now().UTC()
	event := models.Event{
		EventID:       uuid.NewString(),
		Type:          in.Type,
		AggregateKind: in.AggregateKind,
		AggregateID:   in.AggregateID,
		Payload:       payload,
		CorrelationID: in.CorrelationID,
		CausationID:   in.CausationID,
		Source:        in.Source,
		Timestamp:     now,
	}
	if event.CorrelationID == "" {
		event.CorrelationID = event.EventID
	}
	event.Checksum = models.Checksum(event.Type, event.AggregateKind, event.AggregateID, event.Payload, event.Timestamp)
	return event, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insert(ctx context.Context, ex execer, e models.Event) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO events (event_id, type, aggregate_kind, aggregate_id, payload,
			correlation_id, causation_id, source, timestamp, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.EventID, e.Type, e.AggregateKind, e.AggregateID, string(e.Payload),
		e.CorrelationID, e.CausationID, e.Source, e.Timestamp, e.Checksum)
	return err
}

// GetAggregateEvents returns events for one aggregate, oldest first.
func (s *Store) GetAggregateEvents(ctx context.Context, kind, id string, since *time.Time, limit int) ([]models.Event, error) {
	query := `
		SELECT event_id, type, aggregate_kind, aggregate_id, payload,
			correlation_id, causation_id, source, timestamp, checksum
		FROM events
		WHERE aggregate_kind = ? AND aggregate_id = ?`
	args := []any{kind, id}

	if since != nil {
		query += " AND timestamp > ?"
		args = append(args, *since)
	}
	query += " ORDER BY timestamp ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return s.query(ctx, query, args...)
}

// GetEventChain returns every event sharing a correlation id, oldest first.
func (s *Store) GetEventChain(ctx context.Context, correlationID string) ([]models.Event, error) {
	return s.query(ctx, `
		SELECT event_id, type, aggregate_kind, aggregate_id, payload,
			correlation_id, causation_id, source, timestamp, checksum
		FROM events
		WHERE correlation_id = ?
		ORDER BY timestamp ASC
	`, correlationID)
}

// GetRecent returns the most recent events, newest first.
func (s *Store) GetRecent(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `
		SELECT event_id, type, aggregate_kind, aggregate_id, payload,
			correlation_id, causation_id, source, timestamp, checksum
		FROM events
		ORDER BY timestamp DESC
		LIMIT ?
	`, limit)
}

// GetStats summarizes event counts by type over the last `days` days.
func (s *Store) GetStats(ctx context.Context, days int) (Stats, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM events
		WHERE timestamp >= ?
		GROUP BY type
	`, since)
	if err != nil {
		return Stats{}, ferrors.Wrap(err, ferrors.CodeInternal, "query event stats")
	}
	defer rows.Close()

	stats := Stats{Days: days, ByType: make(map[string]int64)}
	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return Stats{}, ferrors.Wrap(err, ferrors.CodeInternal, "scan event stats")
		}
		stats.ByType[eventType] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "query events")
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var payload string
		if err := rows.Scan(&e.EventID, &e.Type, &e.AggregateKind, &e.AggregateID, &payload,
			&e.CorrelationID, &e.CausationID, &e.Source, &e.Timestamp, &e.Checksum); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "scan event")
		}
		e.Payload = []byte(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Listen registers a cooperative, in-process subscriber. The returned
// channel is closed when ctx is done; delivery is best-effort, a slow
// consumer drops events rather than blocking Publish.
func (s *Store) Listen(ctx context.Context, filter Filter) <-chan models.Event {
	ch := make(chan models.Event, 64)

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = &subscriber{filter: filter, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (s *Store) notify(e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subscribers {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			s.logger.Warn("dropping event for slow listener", "event_id", e.EventID, "type", e.Type)
		}
	}
}
