// Package state implements the per-saga progress and result store on Redis.
//
// Each saga owns one JSON document under saga:<saga_id> with a bounded TTL
// refreshed on every write. The terminal write (completed or error) is the
// point of visibility for callers polling the saga.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sqlinsight/engine/pkg/metrics"
	"github.com/sqlinsight/engine/pkg/saga"
)

// TTL is the lifetime of a saga record, refreshed on every write. A saga
// still pending past the TTL is lost and must be treated as unknown.
const TTL = 3600 * time.Second

// ErrSagaNotFound is returned when no record exists for a saga id.
var ErrSagaNotFound = errors.New("saga not found")

// Record is the stored saga document.
type Record struct {
	Result    map[string]any `json:"result"`
	Status    string         `json:"status"`
	StartedAt string         `json:"started_at"`
	UpdatedAt string         `json:"updated_at"`
}

// Store persists saga state in Redis. All operations are safe for concurrent
// use; go-redis pools connections internally.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Store on an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, ttl: TTL, logger: slog.Default()}
}

func key(sagaID string) string {
	return "saga:" + sagaID
}

// MarkPending creates the saga record with status pending and both timestamps
// set to now. The initial payload becomes the starting result document.
func (s *Store) MarkPending(ctx context.Context, sagaID string, initial map[string]any) error {
	now := time.Now().UTC().Format(time.RFC3339)
	rec := Record{
		Result:    saga.SanitizeMap(initial),
		Status:    saga.SagaPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	return s.write(ctx, sagaID, rec)
}

// UpdateResult merges patch into the stored result document and optionally
// transitions the status. Pass an empty status to leave it unchanged.
// A terminal record never transitions back to pending.
func (s *Store) UpdateResult(ctx context.Context, sagaID string, patch map[string]any, status string) error {
	rec, err := s.read(ctx, sagaID)
	if err != nil {
		if !errors.Is(err, ErrSagaNotFound) {
			return err
		}
		now := time.Now().UTC().Format(time.RFC3339)
		rec = Record{Result: map[string]any{}, Status: saga.SagaPending, StartedAt: now, UpdatedAt: now}
	}
	if rec.Result == nil {
		rec.Result = map[string]any{}
	}
	for k, v := range patch {
		rec.Result[k] = saga.Sanitize(v)
	}
	prev := rec.Status
	if status != "" && !(isTerminal(prev) && status == saga.SagaPending) {
		rec.Status = status
	}
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := s.write(ctx, sagaID, rec); err != nil {
		return err
	}
	s.observeCompletion(prev, rec)
	return nil
}

// StoreResult overwrites the result document and sets the status, preserving
// started_at from the existing record when present.
func (s *Store) StoreResult(ctx context.Context, sagaID string, result map[string]any, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	prev := ""
	startedAt := now
	if existing, err := s.read(ctx, sagaID); err == nil {
		prev = existing.Status
		if existing.StartedAt != "" {
			startedAt = existing.StartedAt
		}
		if isTerminal(prev) && status == saga.SagaPending {
			status = prev
		}
	}
	rec := Record{
		Result:    saga.SanitizeMap(result),
		Status:    status,
		StartedAt: startedAt,
		UpdatedAt: now,
	}
	if err := s.write(ctx, sagaID, rec); err != nil {
		return err
	}
	s.observeCompletion(prev, rec)
	return nil
}

// GetStatus returns the stored status, defaulting to pending when the record
// exists without one. Returns ErrSagaNotFound when no record exists.
func (s *Store) GetStatus(ctx context.Context, sagaID string) (string, error) {
	rec, err := s.read(ctx, sagaID)
	if err != nil {
		return "", err
	}
	if rec.Status == "" {
		return saga.SagaPending, nil
	}
	return rec.Status, nil
}

// GetResult returns the stored result document.
func (s *Store) GetResult(ctx context.Context, sagaID string) (map[string]any, error) {
	rec, err := s.read(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return rec.Result, nil
}

func (s *Store) read(ctx context.Context, sagaID string) (Record, error) {
	raw, err := s.rdb.Get(ctx, key(sagaID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrSagaNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("read saga %s: %w", sagaID, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode saga %s: %w", sagaID, err)
	}
	return rec, nil
}

func (s *Store) write(ctx context.Context, sagaID string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode saga %s: %w", sagaID, err)
	}
	if err := s.rdb.Set(ctx, key(sagaID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("write saga %s: %w", sagaID, err)
	}
	return nil
}

// observeCompletion emits completion metrics when a record transitions into a
// terminal state. Idempotent terminal overwrites do not re-emit.
func (s *Store) observeCompletion(prev string, rec Record) {
	if !isTerminal(rec.Status) || isTerminal(prev) {
		return
	}
	metrics.SagaCompletion.WithLabelValues(rec.Status).Inc()
	if started, err := time.Parse(time.RFC3339, rec.StartedAt); err == nil {
		metrics.SagaDuration.WithLabelValues(rec.Status).Observe(time.Since(started).Seconds())
	}
}

func isTerminal(status string) bool {
	return status == saga.SagaCompleted || status == saga.SagaError
}
