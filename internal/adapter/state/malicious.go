package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deepinstinct/dsx-connect/internal/domain"
	"github.com/deepinstinct/dsx-connect/internal/names"
)

// MaliciousIndex maps root scan task ids to connector/file context for
// malicious verdicts, so SIEM-driven escalation can reference a task id
// without knowing connector topology.
type MaliciousIndex struct {
	rdb    *redis.Client
	retain time.Duration
}

// NewMaliciousIndex builds an index with the given retention in days.
func NewMaliciousIndex(rdb *redis.Client, retainDays int) *MaliciousIndex {
	if retainDays <= 0 {
		retainDays = 90
	}
	return &MaliciousIndex{rdb: rdb, retain: time.Duration(retainDays) * 24 * time.Hour}
}

// Put records the event under the root task id. Write-once-per-task: the
// verdict path only writes on a Malicious verdict.
func (m *MaliciousIndex) Put(ctx context.Context, scanRequestTaskID string, ev domain.MaliciousEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=malicious.Put: %w", err)
	}
	key := names.MaliciousEventKey(scanRequestTaskID)
	if err := m.rdb.Set(ctx, key, b, m.retain).Err(); err != nil {
		return fmt.Errorf("op=malicious.Put: %w", err)
	}
	return nil
}

// Get resolves the event recorded for a root task id; found is false when
// the id is unknown or expired.
func (m *MaliciousIndex) Get(ctx context.Context, scanRequestTaskID string) (domain.MaliciousEvent, bool, error) {
	v, err := m.rdb.Get(ctx, names.MaliciousEventKey(scanRequestTaskID)).Bytes()
	if err == redis.Nil {
		return domain.MaliciousEvent{}, false, nil
	}
	if err != nil {
		return domain.MaliciousEvent{}, false, fmt.Errorf("op=malicious.Get: %w", err)
	}
	var ev domain.MaliciousEvent
	if err := json.Unmarshal(v, &ev); err != nil {
		return domain.MaliciousEvent{}, false, fmt.Errorf("op=malicious.Get: %w", err)
	}
	return ev, true, nil
}
