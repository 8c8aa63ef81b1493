// Package deadletter records batches that were dropped after a failed flush
// so they can be inspected and replayed by hand.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/postgres"
)

// Schema creates the table used by Store.
const Schema = `CREATE TABLE IF NOT EXISTS dropped_batches (
    id          BIGSERIAL PRIMARY KEY,
    batch_id    TEXT NOT NULL,
    kind        TEXT NOT NULL,
    reason      TEXT NOT NULL,
    event_count INTEGER NOT NULL,
    payload     JSONB NOT NULL,
    dropped_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Entry describes one dropped batch.
type Entry struct {
	BatchID   string    `json:"batchId"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	Events    any       `json:"events"`
	Count     int       `json:"count"`
	DroppedAt time.Time `json:"droppedAt"`
}

// Recorder persists dropped batches.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Store keeps dropped batches in PostgreSQL, one row per batch with the
// events serialised as JSONB.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewStore creates the dropped_batches table if needed.
func NewStore(ctx context.Context, db *postgres.Client) (*Store, error) {
	if err := db.Migrate(ctx, Schema); err != nil {
		return nil, fmt.Errorf("creating dead-letter schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "dead-letter-store"),
	}, nil
}

func (s *Store) Record(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e.Events)
	if err != nil {
		return fmt.Errorf("marshaling dropped events: %w", err)
	}
	if e.DroppedAt.IsZero() {
		e.DroppedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO dropped_batches (batch_id, kind, reason, event_count, payload, dropped_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.BatchID, e.Kind, e.Reason, e.Count, data, e.DroppedAt,
	)
	if err != nil {
		return fmt.Errorf("recording dropped batch %s: %w", e.BatchID, err)
	}
	s.logger.Warn("dropped batch recorded",
		"batch_id", e.BatchID,
		"kind", e.Kind,
		"event_count", e.Count,
	)
	return nil
}

// Latest loads up to limit most recently dropped batches, newest first.
// Events are returned as raw JSON.
func (s *Store) Latest(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT batch_id, kind, reason, event_count, payload, dropped_at
		 FROM dropped_batches ORDER BY dropped_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying dropped batches: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.BatchID, &e.Kind, &e.Reason, &e.Count, &payload, &e.DroppedAt); err != nil {
			return nil, fmt.Errorf("scanning dropped batch: %w", err)
		}
		e.Events = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Memory keeps entries in a slice. Used when the dead-letter store is
// disabled and in tests.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of everything recorded.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Discard drops entries after logging them.
type Discard struct{}

func (Discard) Record(_ context.Context, e Entry) error {
	slog.Default().Warn("dropped batch discarded",
		"component", "dead-letter",
		"batch_id", e.BatchID,
		"kind", e.Kind,
		"event_count", e.Count,
		"reason", e.Reason,
	)
	return nil
}
