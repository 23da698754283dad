// Package notify fans scan results out to UI subscribers and to an optional
// syslog collector. Both sinks are best effort: delivery failures are logged
// and never fail the task that produced the event.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/deepinstinct/dsx-connect/internal/names"
)

// Notifier publishes pipeline events on the scan-results channel.
type Notifier struct {
	rdb *redis.Client
	log *slog.Logger
}

// New builds a notifier over an existing broker connection.
func New(rdb *redis.Client, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{rdb: rdb, log: log}
}

// PublishScanResult publishes ev as JSON. Errors are swallowed after
// logging.
func (n *Notifier) PublishScanResult(ctx context.Context, ev any) {
	b, err := json.Marshal(ev)
	if err != nil {
		n.log.Warn("scan result event not serializable", slog.Any("error", err))
		return
	}
	if err := n.rdb.Publish(ctx, names.ScanResultsChannel, b).Err(); err != nil {
		n.log.Warn("scan result publish failed", slog.Any("error", err))
	}
}
