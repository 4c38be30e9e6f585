// Package postgres adapts the gossip engine's store contracts onto
// PostgreSQL via database/sql and lib/pq: a single connection pool, tuned
// at Open time, behind hand-written SQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ruvnet/gossiped/internal/gerrors"
	"github.com/ruvnet/gossiped/internal/model"
	"github.com/ruvnet/gossiped/internal/store"
	"github.com/ruvnet/gossiped/pkg/vectorclock"
)

// Config names the connection parameters for a single Postgres database.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
	SSLMode  string
}

func (c Config) dsn() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
}

// Schema is the DDL an operator runs once before pointing a node at a fresh
// database. It is exposed as a constant rather than run automatically: the
// engine does not migrate schemas on its own behalf.
const Schema = `
CREATE TABLE IF NOT EXISTS gossip_events (
	id                 TEXT PRIMARY KEY,
	node_id            TEXT NOT NULL,
	logical_timestamp  BIGINT NOT NULL,
	creation_timestamp BIGINT NOT NULL,
	payload            JSONB NOT NULL,
	UNIQUE (node_id, logical_timestamp)
);
CREATE INDEX IF NOT EXISTS gossip_events_node_ts_idx ON gossip_events (node_id, logical_timestamp);
CREATE INDEX IF NOT EXISTS gossip_events_creation_idx ON gossip_events (creation_timestamp);

CREATE TABLE IF NOT EXISTS gossip_vector_clocks (
	node_id TEXT PRIMARY KEY,
	clock   JSONB NOT NULL
);
`

// EventStore is a PostgreSQL-backed store.EventStore.
type EventStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects, pings, and tunes the connection pool.
func Open(cfg Config, logger *zap.Logger) (*EventStore, error) {
	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, gerrors.NewStoreError(fmt.Errorf("open: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, gerrors.NewStoreError(fmt.Errorf("ping: %w", err))
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStore{db: db, logger: logger}, nil
}

// DB returns the underlying connection pool, so callers can share it with a
// ClockStore instead of opening a second pool against the same database.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

func (s *EventStore) Save(ctx context.Context, event *model.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return gerrors.NewSerializationError(err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gossip_events (id, node_id, logical_timestamp, creation_timestamp, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		event.ID, string(event.NodeID), event.LogicalTimestamp, event.CreationTimestamp, payload)
	if err != nil {
		s.logger.Error("failed to save event", zap.Error(err))
		return gerrors.NewStoreError(err)
	}
	return nil
}

func (s *EventStore) SaveBatch(ctx context.Context, events []*model.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return gerrors.NewStoreError(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO gossip_events (id, node_id, logical_timestamp, creation_timestamp, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return gerrors.NewStoreError(err)
	}
	defer stmt.Close()

	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return gerrors.NewSerializationError(err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, string(e.NodeID), e.LogicalTimestamp, e.CreationTimestamp, payload); err != nil {
			s.logger.Error("failed to save event in batch", zap.Error(err))
			return gerrors.NewStoreError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return gerrors.NewStoreError(err)
	}
	return nil
}

func (s *EventStore) EventsSince(ctx context.Context, node model.NodeID, afterTS uint64, limit int) ([]*model.Event, error) {
	query := `
		SELECT id, node_id, logical_timestamp, creation_timestamp, payload
		FROM gossip_events
		WHERE node_id = $1 AND logical_timestamp > $2
		ORDER BY logical_timestamp ASC`
	args := []any{string(node), afterTS}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, gerrors.NewStoreError(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *EventStore) Get(ctx context.Context, id string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, logical_timestamp, creation_timestamp, payload
		FROM gossip_events WHERE id = $1`, id)

	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, gerrors.NewStoreError(err)
	}
	return event, nil
}

func (s *EventStore) Has(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM gossip_events WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, gerrors.NewStoreError(err)
	}
	return exists, nil
}

func (s *EventStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gossip_events`).Scan(&count); err != nil {
		return 0, gerrors.NewStoreError(err)
	}
	return count, nil
}

func (s *EventStore) CountForNode(ctx context.Context, node model.NodeID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gossip_events WHERE node_id = $1`, string(node)).Scan(&count)
	if err != nil {
		return 0, gerrors.NewStoreError(err)
	}
	return count, nil
}

func (s *EventStore) LatestTimestamp(ctx context.Context, node model.NodeID) (uint64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(logical_timestamp) FROM gossip_events WHERE node_id = $1`, string(node)).Scan(&ts)
	if err != nil {
		return 0, gerrors.NewStoreError(err)
	}
	if !ts.Valid {
		return 0, nil
	}
	return uint64(ts.Int64), nil
}

func (s *EventStore) LatestTimestampsForAllNodes(ctx context.Context) (map[model.NodeID]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, MAX(logical_timestamp) FROM gossip_events GROUP BY node_id`)
	if err != nil {
		return nil, gerrors.NewStoreError(err)
	}
	defer rows.Close()

	out := make(map[model.NodeID]uint64)
	for rows.Next() {
		var node string
		var ts int64
		if err := rows.Scan(&node, &ts); err != nil {
			return nil, gerrors.NewStoreError(err)
		}
		out[model.NodeID(node)] = uint64(ts)
	}
	return out, rows.Err()
}

func (s *EventStore) EventsInRange(ctx context.Context, startTS, endTS uint64, node *model.NodeID, limit int) ([]*model.Event, error) {
	query := `
		SELECT id, node_id, logical_timestamp, creation_timestamp, payload
		FROM gossip_events
		WHERE logical_timestamp >= $1 AND logical_timestamp <= $2`
	args := []any{startTS, endTS}
	if node != nil {
		query += " AND node_id = $3"
		args = append(args, string(*node))
	}
	query += " ORDER BY logical_timestamp ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, gerrors.NewStoreError(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *EventStore) RemoveOlderThan(ctx context.Context, cutoffMS int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM gossip_events WHERE creation_timestamp < $1`, cutoffMS)
	if err != nil {
		return gerrors.NewStoreError(err)
	}
	return nil
}

func (s *EventStore) RemoveForNode(ctx context.Context, node model.NodeID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM gossip_events WHERE node_id = $1`, string(node))
	if err != nil {
		return gerrors.NewStoreError(err)
	}
	return nil
}

func (s *EventStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE TABLE gossip_events`)
	if err != nil {
		return gerrors.NewStoreError(err)
	}
	return nil
}

func (s *EventStore) Close() error {
	return s.db.Close()
}

func (s *EventStore) Stats(ctx context.Context) (store.Stats, error) {
	total, err := s.Count(ctx)
	if err != nil {
		return store.Stats{}, err
	}
	counts, err := s.LatestTimestampsForAllNodes(ctx)
	if err != nil {
		return store.Stats{}, err
	}
	nodeCounts := make(map[model.NodeID]int, len(counts))
	for node := range counts {
		n, err := s.CountForNode(ctx, node)
		if err != nil {
			return store.Stats{}, err
		}
		nodeCounts[node] = n
	}
	return store.Stats{TotalEvents: total, NodeCounts: nodeCounts}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*model.Event, error) {
	var e model.Event
	var nodeID string
	var payload []byte
	if err := row.Scan(&e.ID, &nodeID, &e.LogicalTimestamp, &e.CreationTimestamp, &payload); err != nil {
		return nil, err
	}
	e.NodeID = model.NodeID(nodeID)
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, gerrors.NewSerializationError(err)
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*model.Event, error) {
	var out []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, gerrors.NewStoreError(err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClockStore is a PostgreSQL-backed store.VectorClockStore, sharing the
// EventStore's connection pool.
type ClockStore struct {
	db *sql.DB
}

// NewClockStore wraps an already-opened pool, typically es.db from an
// EventStore opened against the same database.
func NewClockStore(db *sql.DB) *ClockStore {
	return &ClockStore{db: db}
}

func (s *ClockStore) Save(ctx context.Context, node model.NodeID, clock *vectorclock.Clock) error {
	encoded, err := json.Marshal(clock.Summary())
	if err != nil {
		return gerrors.NewSerializationError(err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gossip_vector_clocks (node_id, clock) VALUES ($1, $2)
		ON CONFLICT (node_id) DO UPDATE SET clock = EXCLUDED.clock`,
		string(node), encoded)
	if err != nil {
		return gerrors.NewStoreError(err)
	}
	return nil
}

func (s *ClockStore) Load(ctx context.Context, node model.NodeID) (*vectorclock.Clock, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT clock FROM gossip_vector_clocks WHERE node_id = $1`, string(node)).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, gerrors.NewStoreError(err)
	}
	var summary map[string]uint64
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, gerrors.NewSerializationError(err)
	}
	return vectorclock.FromMap(summary), nil
}

func (s *ClockStore) Has(ctx context.Context, node model.NodeID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM gossip_vector_clocks WHERE node_id = $1)`, string(node)).Scan(&exists)
	if err != nil {
		return false, gerrors.NewStoreError(err)
	}
	return exists, nil
}

func (s *ClockStore) Delete(ctx context.Context, node model.NodeID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM gossip_vector_clocks WHERE node_id = $1`, string(node))
	if err != nil {
		return gerrors.NewStoreError(err)
	}
	return nil
}

func (s *ClockStore) Close() error { return nil }

var (
	_ store.EventStore       = (*EventStore)(nil)
	_ store.VectorClockStore = (*ClockStore)(nil)
)
