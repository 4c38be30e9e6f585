// Package redisclock adapts store.VectorClockStore onto Redis, for
// deployments that want the vector clock snapshot kept separate from the
// event log store (e.g. an EventStore backed by postgres, with the clock
// kept in a fast, ephemeral side-store). Each node's clock is a single Redis
// hash, one field per tracked node id.
package redisclock

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/ruvnet/gossiped/internal/gerrors"
	"github.com/ruvnet/gossiped/internal/model"
	"github.com/ruvnet/gossiped/internal/store"
	"github.com/ruvnet/gossiped/pkg/vectorclock"
)

// ClockStore is a store.VectorClockStore backed by a Redis hash per node,
// keyed "gossip:clock:<nodeId>".
type ClockStore struct {
	client    *redis.Client
	keyPrefix string
}

// Options configures a ClockStore's connection.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // defaults to "gossip:clock:"
}

// New connects to Redis and pings it as a startup health check.
func New(ctx context.Context, opts Options) (*ClockStore, error) {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "gossip:clock:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, gerrors.NewStoreError(fmt.Errorf("redis ping: %w", err))
	}

	return &ClockStore{client: client, keyPrefix: prefix}, nil
}

func (s *ClockStore) key(node model.NodeID) string {
	return s.keyPrefix + string(node)
}

func (s *ClockStore) Save(ctx context.Context, node model.NodeID, clock *vectorclock.Clock) error {
	key := s.key(node)
	summary := clock.Summary()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(summary) > 0 {
		fields := make(map[string]any, len(summary))
		for n, ts := range summary {
			fields[n] = strconv.FormatUint(ts, 10)
		}
		pipe.HSet(ctx, key, fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return gerrors.NewStoreError(fmt.Errorf("save clock for %s: %w", node, err))
	}
	return nil
}

func (s *ClockStore) Load(ctx context.Context, node model.NodeID) (*vectorclock.Clock, error) {
	raw, err := s.client.HGetAll(ctx, s.key(node)).Result()
	if err != nil {
		return nil, gerrors.NewStoreError(fmt.Errorf("load clock for %s: %w", node, err))
	}
	if len(raw) == 0 {
		return nil, nil
	}

	summary := make(map[string]uint64, len(raw))
	for n, v := range raw {
		ts, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, gerrors.NewSerializationError(fmt.Errorf("field %s: %w", n, err))
		}
		summary[n] = ts
	}
	return vectorclock.FromMap(summary), nil
}

func (s *ClockStore) Has(ctx context.Context, node model.NodeID) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(node)).Result()
	if err != nil {
		return false, gerrors.NewStoreError(err)
	}
	return n > 0, nil
}

func (s *ClockStore) Delete(ctx context.Context, node model.NodeID) error {
	if err := s.client.Del(ctx, s.key(node)).Err(); err != nil {
		return gerrors.NewStoreError(err)
	}
	return nil
}

func (s *ClockStore) Close() error {
	return s.client.Close()
}

var _ store.VectorClockStore = (*ClockStore)(nil)
