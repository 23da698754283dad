// Package dlq stores dead-letter records in append-only per-family broker
// lists with a bounded retention.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deepinstinct/dsx-connect/internal/domain"
	"github.com/deepinstinct/dsx-connect/internal/names"
)

// Store appends terminal failure records per worker family.
type Store struct {
	rdb    *redis.Client
	expiry time.Duration
}

// New builds a DLQ store retaining records for expiry.
func New(rdb *redis.Client, expiry time.Duration) *Store {
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	return &Store{rdb: rdb, expiry: expiry}
}

// Enqueue appends rec to the family list and refreshes its expiry.
func (s *Store) Enqueue(ctx context.Context, family string, rec domain.DLQRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=dlq.Enqueue: %w", err)
	}
	key := names.DLQKey(family)
	if err := s.rdb.RPush(ctx, key, b).Err(); err != nil {
		return fmt.Errorf("op=dlq.Enqueue: %w", err)
	}
	if err := s.rdb.Expire(ctx, key, s.expiry).Err(); err != nil {
		return fmt.Errorf("op=dlq.Enqueue: %w", err)
	}
	return nil
}

// List returns up to n most recent records for a family, newest last.
func (s *Store) List(ctx context.Context, family string, n int64) ([]domain.DLQRecord, error) {
	if n <= 0 {
		n = 100
	}
	raw, err := s.rdb.LRange(ctx, names.DLQKey(family), -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=dlq.List: %w", err)
	}
	out := make([]domain.DLQRecord, 0, len(raw))
	for _, r := range raw {
		var rec domain.DLQRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Len returns the number of records currently retained for a family.
func (s *Store) Len(ctx context.Context, family string) (int64, error) {
	return s.rdb.LLen(ctx, names.DLQKey(family)).Result()
}
