// Package names centralizes queue names, task identifiers, and broker state
// keys. Queue names are environment-qualified; task names are stable dotted
// strings shared across environments.
package names

import "fmt"

const Service = "dsx_connect"

// Task identifiers. Keep these environment-agnostic.
const (
	TaskScanRequest      = "dsx_connect.tasks.scan.request"
	TaskScanRequestBatch = "dsx_connect.tasks.scan.request.batch"
	TaskScanVerdict      = "dsx_connect.tasks.scan.verdict"
	TaskScanResult       = "dsx_connect.tasks.scan.result"
	TaskScanResultNotify = "dsx_connect.tasks.scan.result.notify"
	TaskDiannaAnalyze    = "dsx_connect.tasks.dianna.analyze"
)

// Queues holds the environment-qualified queue names.
type Queues struct {
	Default      string
	Request      string
	RequestBatch string
	Verdict      string
	Result       string
	Notification string
	Analyze      string
}

// QueuesFor builds the queue name set for an application environment.
func QueuesFor(appEnv string) Queues {
	p := func(subject string) string {
		return fmt.Sprintf("%s.%s.scans.%s", appEnv, Service, subject)
	}
	return Queues{
		Default:      p("default"),
		Request:      p("request"),
		RequestBatch: p("request.batch"),
		Verdict:      p("verdict"),
		Result:       p("result"),
		Notification: p("result.notify"),
		Analyze:      p("analyze"),
	}
}

// Broker state keys.
const statePrefix = "dsxconnect"

// JobKey is the per-job coordination hash (status, paused, cancel,
// scan timestamps). 7-day TTL refreshed on each update.
func JobKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s", statePrefix, jobID)
}

// JobKeyPattern matches every job hash.
func JobKeyPattern() string { return statePrefix + ":job:*" }

// JobTasksKey is reserved for task-set membership of a job.
func JobTasksKey(jobID string) string { return JobKey(jobID) + ":tasks" }

// ScannerInflightKey is the integer gauge bounding concurrent scans.
func ScannerInflightKey() string { return statePrefix + ":scanner:inflight" }

// MaliciousEventKey indexes malicious-scan context by root task id for SIEM
// escalation lookups.
func MaliciousEventKey(scanRequestTaskID string) string {
	return fmt.Sprintf("%s:dianna:malicious:%s", statePrefix, scanRequestTaskID)
}

// DLQKey is the append-only dead-letter list for a worker family.
func DLQKey(family string) string {
	return fmt.Sprintf("%s:dlq:%s", statePrefix, family)
}

// ScanResultsChannel is the pub/sub channel UI notifications are published on.
const ScanResultsChannel = statePrefix + ":notify:scan_results"
