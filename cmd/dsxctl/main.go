// Package main is the operator CLI: enqueue scans, inspect task state, drive
// job pause/resume/cancel, and browse dead-letter records.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/deepinstinct/dsx-connect/internal/adapter/dlq"
	"github.com/deepinstinct/dsx-connect/internal/adapter/queue"
	"github.com/deepinstinct/dsx-connect/internal/adapter/state"
	"github.com/deepinstinct/dsx-connect/internal/config"
	"github.com/deepinstinct/dsx-connect/internal/domain"
	"github.com/deepinstinct/dsx-connect/internal/names"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: dsxctl <command> [flags]

commands:
  scan     -location <path> -connector-url <url> [-metainfo <s>] [-job <id>] [-size <n>]
  batch    -file <requests.json> [-batch-size <n>]
  analyze  -location <path> -connector-url <url> [-password <s>]
  status   -task <id> [-queue <name>]
  pause    -job <id>
  resume   -job <id>
  cancel   -job <id>
  dlq      -family <task name> [-n <count>]`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "scan":
		cmdScan(ctx, cfg, args)
	case "batch":
		cmdBatch(ctx, cfg, args)
	case "analyze":
		cmdAnalyze(ctx, cfg, args)
	case "status":
		cmdStatus(ctx, cfg, args)
	case "pause", "resume", "cancel":
		cmdJob(ctx, cfg, cmd, args)
	case "dlq":
		cmdDLQ(ctx, cfg, args)
	default:
		usage()
	}
}

func newQueue(cfg config.Config) *queue.Queue {
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		fatal(err)
	}
	return q
}

func cmdScan(ctx context.Context, cfg config.Config, args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	location := fs.String("location", "", "file location on the connector")
	connectorURL := fs.String("connector-url", "", "connector base URL")
	metainfo := fs.String("metainfo", "", "display name or metadata")
	jobID := fs.String("job", "", "scan job id")
	size := fs.Int64("size", 0, "size hint in bytes")
	_ = fs.Parse(args)

	req := domain.ScanRequest{
		Location:     *location,
		ConnectorURL: *connectorURL,
		Metainfo:     *metainfo,
		ScanJobID:    *jobID,
	}
	if *size > 0 {
		req.SizeInBytes = size
	}
	raw, err := json.Marshal(req)
	if err != nil {
		fatal(err)
	}
	q := newQueue(cfg)
	defer q.Close()
	queues := names.QueuesFor(cfg.AppEnv)
	id, err := q.SendTask(ctx, names.TaskScanRequest, queues.Request, domain.TaskEnvelope{Args: raw}, 0)
	if err != nil {
		fatal(err)
	}
	fmt.Println(id)
}

func cmdBatch(ctx context.Context, cfg config.Config, args []string) {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	file := fs.String("file", "", "JSON file holding an array of scan requests")
	batchSize := fs.Int("batch-size", 0, "fan-out window size")
	_ = fs.Parse(args)

	data, err := os.ReadFile(*file)
	if err != nil {
		fatal(err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		fatal(fmt.Errorf("parse %s: %w", *file, err))
	}
	raw, err := json.Marshal(domain.BatchTaskArgs{ScanRequests: items, BatchSize: *batchSize})
	if err != nil {
		fatal(err)
	}
	q := newQueue(cfg)
	defer q.Close()
	queues := names.QueuesFor(cfg.AppEnv)
	id, err := q.SendTask(ctx, names.TaskScanRequestBatch, queues.RequestBatch, domain.TaskEnvelope{Args: raw}, 0)
	if err != nil {
		fatal(err)
	}
	fmt.Println(id)
}

func cmdAnalyze(ctx context.Context, cfg config.Config, args []string) {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	location := fs.String("location", "", "file location on the connector")
	connectorURL := fs.String("connector-url", "", "connector base URL")
	password := fs.String("password", "", "archive password, if any")
	_ = fs.Parse(args)

	raw, err := json.Marshal(domain.AnalyzeTaskArgs{
		ScanRequest: domain.ScanRequest{
			Location:     *location,
			ConnectorURL: *connectorURL,
		},
		ArchivePassword: *password,
	})
	if err != nil {
		fatal(err)
	}
	q := newQueue(cfg)
	defer q.Close()
	queues := names.QueuesFor(cfg.AppEnv)
	id, err := q.SendTask(ctx, names.TaskDiannaAnalyze, queues.Analyze, domain.TaskEnvelope{Args: raw}, 0)
	if err != nil {
		fatal(err)
	}
	fmt.Println(id)
}

func cmdStatus(ctx context.Context, cfg config.Config, args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	taskID := fs.String("task", "", "task id")
	queueName := fs.String("queue", "", "queue name (defaults to the request queue)")
	_ = fs.Parse(args)

	q := newQueue(cfg)
	defer q.Close()
	qn := *queueName
	if qn == "" {
		qn = names.QueuesFor(cfg.AppEnv).Request
	}
	st, err := q.AsyncResult(ctx, qn, *taskID)
	if err != nil {
		fatal(err)
	}
	fmt.Println(st.State)
	if len(st.Result) > 0 {
		fmt.Println(string(st.Result))
	}
}

func cmdJob(ctx context.Context, cfg config.Config, cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	jobID := fs.String("job", "", "scan job id")
	_ = fs.Parse(args)
	if *jobID == "" {
		usage()
	}

	store, err := state.FromURL(cfg.RedisURL)
	if err != nil {
		fatal(err)
	}
	defer store.Client().Close()

	switch cmd {
	case "pause":
		err = store.SetJobPaused(ctx, *jobID, true)
	case "resume":
		err = store.SetJobPaused(ctx, *jobID, false)
	case "cancel":
		err = store.CancelJob(ctx, *jobID)
	}
	if err != nil {
		fatal(err)
	}
	fmt.Println("ok")
}

func cmdDLQ(ctx context.Context, cfg config.Config, args []string) {
	fs := flag.NewFlagSet("dlq", flag.ExitOnError)
	family := fs.String("family", names.TaskScanRequest, "worker family (task name)")
	n := fs.Int64("n", 20, "max records")
	_ = fs.Parse(args)

	store, err := state.FromURL(cfg.RedisURL)
	if err != nil {
		fatal(err)
	}
	defer store.Client().Close()

	recs, err := dlq.New(store.Client(), cfg.DLQExpiry()).List(ctx, *family, *n)
	if err != nil {
		fatal(err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			fatal(err)
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "dsxctl:", err)
	os.Exit(1)
}
