package state

import (
	"context"
	"fmt"
	"time"

	"github.com/deepinstinct/dsx-connect/internal/names"
)

// JobTTL is the coordination-hash expiry, refreshed on every update.
const JobTTL = 7 * 24 * time.Hour

// JobControl is the operator-controlled portion of the job hash.
type JobControl struct {
	Paused    bool
	Cancelled bool
}

// TouchJob records scan-start timestamps for a job: first_scan_started_at is
// written once, last_scan_started_at and last_update on every touch. The
// hash is created on first worker touch and its TTL refreshed.
func (s *Store) TouchJob(ctx context.Context, jobID string, now time.Time) error {
	key := names.JobKey(jobID)
	ts := fmt.Sprintf("%d", now.Unix())
	if err := s.HSetNX(ctx, key, "job_id", jobID); err != nil {
		return fmt.Errorf("op=state.TouchJob: %w", err)
	}
	_ = s.HSetNX(ctx, key, "status", "running")
	_ = s.HSetNX(ctx, key, "first_scan_started_at", ts)
	if err := s.HSet(ctx, key, map[string]any{
		"last_scan_started_at": ts,
		"last_update":          ts,
	}); err != nil {
		return fmt.Errorf("op=state.TouchJob: %w", err)
	}
	return s.Expire(ctx, key, JobTTL)
}

// JobControl reads the paused and cancel flags of a job hash. Missing fields
// read as false; workers tolerate stale values for up to one scan cycle.
func (s *Store) JobControl(ctx context.Context, jobID string) (JobControl, error) {
	vals, err := s.HMGet(ctx, names.JobKey(jobID), "paused", "cancel")
	if err != nil {
		return JobControl{}, fmt.Errorf("op=state.JobControl: %w", err)
	}
	var jc JobControl
	if len(vals) > 0 {
		jc.Paused = vals[0] == "1"
	}
	if len(vals) > 1 {
		jc.Cancelled = vals[1] == "1"
	}
	return jc, nil
}

// SetJobPaused flips the paused flag; used by the operator control plane.
func (s *Store) SetJobPaused(ctx context.Context, jobID string, paused bool) error {
	return s.setJobFlag(ctx, jobID, "paused", paused)
}

// CancelJob flips the cancel flag; in-flight tasks drop on their next check.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	return s.setJobFlag(ctx, jobID, "cancel", true)
}

func (s *Store) setJobFlag(ctx context.Context, jobID, field string, on bool) error {
	key := names.JobKey(jobID)
	v := "0"
	if on {
		v = "1"
	}
	if err := s.HSet(ctx, key, map[string]any{
		field:         v,
		"last_update": fmt.Sprintf("%d", time.Now().Unix()),
	}); err != nil {
		return fmt.Errorf("op=state.setJobFlag: %w", err)
	}
	return s.Expire(ctx, key, JobTTL)
}
