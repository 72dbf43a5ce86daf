package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMetricsHandler(t *testing.T) {
	// Record samples so the families appear in the scrape output.
	RecordQueueEnqueue("thread:t-1", 1)
	RecordQueueCompletion("thread:t-1", 120*time.Millisecond, true, 0)
	RecordRun("succeeded", 2*time.Second)
	RecordModelCall("anthropic", 800*time.Millisecond, true)
	RecordToolExecution("send_email", 50*time.Millisecond, false)
	RecordCheckpointOp("put")
	RecordCheckpointDegraded()
	RecordJobClaimed()
	RecordTriggerEvent(true)
	RecordWebhookRequest("accepted")

	handler := MetricsHandler()
	if handler == nil {
		t.Fatal("MetricsHandler returned nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	expectedMetrics := []string{
		"queue_size",
		"enqueue_total",
		"dequeue_total",
		"task_duration_seconds",
		"runs_total",
		"run_duration_seconds",
		"model_calls_total",
		"model_call_duration_seconds",
		"tool_executions_total",
		"tool_execution_duration_seconds",
		"tool_errors_total",
		"checkpoint_ops_total",
		"checkpoint_degraded_reads_total",
		"jobs_claimed_total",
		"trigger_events_total",
		"webhook_requests_total",
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Metrics output missing: %s", metric)
		}
	}
}

func TestEnsureRegisteredIdempotent(t *testing.T) {
	// A second registration of the same collectors would panic.
	EnsureRegistered()
	EnsureRegistered()
}

func TestToolErrorCounting(t *testing.T) {
	RecordToolExecution("flaky_tool", 10*time.Millisecond, false)
	RecordToolExecution("flaky_tool", 10*time.Millisecond, true)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `tool_errors_total{tool="flaky_tool"} 1`) {
		t.Errorf("Expected one recorded error for flaky_tool, body:\n%s", body)
	}
}

func TestAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	if err := InitAuditLogger(path); err != nil {
		t.Fatalf("InitAuditLogger failed: %v", err)
	}

	ctx := context.Background()
	RecordRunAudit(ctx, "run-1", "user-1", "run_suspended", "pending", map[string]interface{}{
		"checkpoint_id": "ckpt-1",
	})
	RecordSecurityAudit(ctx, "webhook_rejected", "10.0.0.9", "failure", map[string]interface{}{
		"header_present": false,
	})

	if err := GetAuditLogger().Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 audit entries, got %d", len(lines))
	}

	var run map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &run); err != nil {
		t.Fatalf("First entry is not JSON: %v", err)
	}
	if run["type"] != "run" || run["action"] != "run_suspended" || run["status"] != "pending" {
		t.Errorf("Unexpected run entry: %v", run)
	}
	meta, ok := run["metadata"].(map[string]interface{})
	if !ok || meta["run_id"] != "run-1" || meta["checkpoint_id"] != "ckpt-1" {
		t.Errorf("run_id not stamped into metadata: %v", run["metadata"])
	}

	var sec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &sec); err != nil {
		t.Fatalf("Second entry is not JSON: %v", err)
	}
	if sec["type"] != "security" || sec["action"] != "webhook_rejected" || sec["actor"] != "10.0.0.9" {
		t.Errorf("Unexpected security entry: %v", sec)
	}
}
