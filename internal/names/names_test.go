package names

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueuesFor(t *testing.T) {
	q := QueuesFor("prod")
	assert.Equal(t, "prod.dsx_connect.scans.default", q.Default)
	assert.Equal(t, "prod.dsx_connect.scans.request", q.Request)
	assert.Equal(t, "prod.dsx_connect.scans.request.batch", q.RequestBatch)
	assert.Equal(t, "prod.dsx_connect.scans.verdict", q.Verdict)
	assert.Equal(t, "prod.dsx_connect.scans.result", q.Result)
	assert.Equal(t, "prod.dsx_connect.scans.result.notify", q.Notification)
	assert.Equal(t, "prod.dsx_connect.scans.analyze", q.Analyze)
}

func TestStateKeys(t *testing.T) {
	assert.Equal(t, "dsxconnect:job:j-1", JobKey("j-1"))
	assert.Equal(t, "dsxconnect:job:*", JobKeyPattern())
	assert.Equal(t, "dsxconnect:job:j-1:tasks", JobTasksKey("j-1"))
	assert.Equal(t, "dsxconnect:scanner:inflight", ScannerInflightKey())
	assert.Equal(t, "dsxconnect:dianna:malicious:t-9", MaliciousEventKey("t-9"))
	assert.Equal(t, "dsxconnect:dlq:dsx_connect.tasks.scan.request", DLQKey(TaskScanRequest))
	assert.Equal(t, "dsxconnect:notify:scan_results", ScanResultsChannel)
}
