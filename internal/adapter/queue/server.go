package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/deepinstinct/dsx-connect/internal/domain"
)

// TaskFunc processes one delivered task. The returned string is stored as
// the task result; a non-nil error marks the task FAILED (the kernel has
// already handled retry/DLQ routing by the time it returns an error).
type TaskFunc func(ctx context.Context, taskID string, env domain.TaskEnvelope) (string, error)

// Server drains the named queues with a process-wide worker pool.
type Server struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

// NewServer builds a queue server. queues maps queue name to priority
// weight, asynq-style.
func NewServer(redisURL string, concurrency int, queues map[string]int) (*Server, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.NewServer: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
	})
	return &Server{srv: srv, mux: asynq.NewServeMux()}, nil
}

// Handle registers fn for the task name.
func (s *Server) Handle(name string, fn TaskFunc) {
	s.mux.HandleFunc(name, func(ctx context.Context, t *asynq.Task) error {
		var env domain.TaskEnvelope
		if err := json.Unmarshal(t.Payload(), &env); err != nil {
			slog.Error("undecodable task payload",
				slog.String("task", t.Type()),
				slog.Any("error", err))
			return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
		}
		taskID, _ := asynq.GetTaskID(ctx)
		res, err := fn(ctx, taskID, env)
		if err != nil {
			// Framework retries stay disabled; archive as FAILED.
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if w := t.ResultWriter(); w != nil && res != "" {
			if _, werr := w.Write([]byte(res)); werr != nil {
				slog.Warn("task result write failed",
					slog.String("task", t.Type()),
					slog.String("task_id", taskID),
					slog.Any("error", werr))
			}
		}
		return nil
	})
}

// Start begins draining queues.
func (s *Server) Start() error { return s.srv.Start(s.mux) }

// Shutdown stops the server, waiting for in-flight tasks.
func (s *Server) Shutdown() { s.srv.Shutdown() }
