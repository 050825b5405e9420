package security

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"agent-webapp/internal/domain"
	"agent-webapp/internal/usecase/eventbus"
)

func newTestAuditLogger(t *testing.T, policy RetentionPolicy) (*FileAuditLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	a, err := NewFileAuditLogger(path, policy)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, path
}

func readEvents(t *testing.T, path string) []domain.AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var events []domain.AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev domain.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d invalid JSON: %v", len(events), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestFileAuditLoggerWriteAndRead(t *testing.T) {
	a, path := newTestAuditLogger(t, RetentionPolicy{})

	err := a.Log(context.Background(), domain.AuditEvent{
		Type:     domain.AuditApprovalDecision,
		Actor:    "browser",
		Resource: "req-1",
		Action:   "approve",
		Outcome:  "success",
		Detail:   map[string]string{"tool": "search_docs"},
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}

	events := readEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != domain.AuditApprovalDecision || ev.Actor != "browser" || ev.Resource != "req-1" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Detail["tool"] != "search_docs" {
		t.Errorf("Detail[tool] = %q", ev.Detail["tool"])
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp should be filled in")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}
}

func TestFileAuditLoggerConcurrentWrites(t *testing.T) {
	a, path := newTestAuditLogger(t, RetentionPolicy{})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Log(context.Background(), domain.AuditEvent{Type: domain.AuditApprovalRequested})
		}()
	}
	wg.Wait()

	if got := len(readEvents(t, path)); got != n {
		t.Errorf("got %d lines, want %d", got, n)
	}
}

func TestFileAuditLoggerWriteAfterClose(t *testing.T) {
	a, _ := newTestAuditLogger(t, RetentionPolicy{})
	a.Close()

	err := a.Log(context.Background(), domain.AuditEvent{Type: domain.AuditApprovalRequested})
	if err == nil {
		t.Fatal("expected error writing to closed file")
	}
	if !strings.Contains(err.Error(), domain.ErrAuditWrite.Error()) {
		t.Errorf("error = %v", err)
	}
}

func TestFileAuditLoggerSpanEvent(t *testing.T) {
	a, _ := newTestAuditLogger(t, RetentionPolicy{})

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "approval")
	if err := a.Log(ctx, domain.AuditEvent{Type: domain.AuditAccessDenied, Actor: "viewer"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "audit.access_denied" {
		t.Errorf("span events = %+v", events)
	}
}

func TestEnforceRetentionMaxAge(t *testing.T) {
	a, path := newTestAuditLogger(t, RetentionPolicy{MaxAge: time.Hour})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	for _, age := range []time.Duration{3 * time.Hour, 2 * time.Hour, 30 * time.Minute, 0} {
		_ = a.Log(context.Background(), domain.AuditEvent{Type: domain.AuditApprovalRequested, Timestamp: now.Add(-age)})
	}

	removed, err := a.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if got := len(readEvents(t, path)); got != 2 {
		t.Errorf("kept %d events, want 2", got)
	}

	// Still appending after the rewrite.
	if err := a.Log(context.Background(), domain.AuditEvent{Type: domain.AuditApprovalResolved}); err != nil {
		t.Fatalf("Log after retention: %v", err)
	}
	if got := len(readEvents(t, path)); got != 3 {
		t.Errorf("got %d events after append, want 3", got)
	}
}

func TestEnforceRetentionMaxSize(t *testing.T) {
	a, path := newTestAuditLogger(t, RetentionPolicy{MaxSize: 300})
	for i := 0; i < 20; i++ {
		_ = a.Log(context.Background(), domain.AuditEvent{Type: domain.AuditApprovalRequested, Resource: "req"})
	}

	removed, err := a.EnforceRetention(context.Background())
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed == 0 {
		t.Error("expected entries to be removed")
	}
	info, _ := os.Stat(path)
	if info.Size() > 300 {
		t.Errorf("size = %d, want <= 300", info.Size())
	}
	if got := len(readEvents(t, path)); got != 20-removed {
		t.Errorf("kept %d, want %d", got, 20-removed)
	}
}

func TestEnforceRetentionDisabled(t *testing.T) {
	a, _ := newTestAuditLogger(t, RetentionPolicy{})
	_ = a.Log(context.Background(), domain.AuditEvent{Type: domain.AuditApprovalRequested})
	removed, err := a.EnforceRetention(context.Background())
	if err != nil || removed != 0 {
		t.Errorf("EnforceRetention = %d, %v", removed, err)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"512", 512, false},
		{"100B", 100, false},
		{"4kb", 4096, false},
		{"10MB", 10 << 20, false},
		{" 1GB ", 1 << 30, false},
		{"lots", 0, true},
		{"-5MB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRecordApprovals(t *testing.T) {
	a, path := newTestAuditLogger(t, RetentionPolicy{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(logger)

	stop := RecordApprovals(bus, a, logger)
	ctx := context.Background()
	bus.Publish(ctx, domain.NewEvent(domain.EventToolApprovalReq, "c1", "m1",
		domain.McpApprovalRequest{ID: "req-1", ToolName: "search", ServerLabel: "kb"}))
	bus.Publish(ctx, domain.NewEvent(domain.EventToolApprovalResp, "c1", "m1",
		domain.ApprovalDecision{RequestID: "req-1", Approved: false}))
	bus.Close()
	stop()

	events := readEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != domain.AuditApprovalRequested || events[0].Resource != "req-1" || events[0].Detail["tool"] != "search" {
		t.Errorf("request event = %+v", events[0])
	}
	if events[1].Type != domain.AuditApprovalResolved || events[1].Action != "reject" || events[1].Detail["conversation_id"] != "c1" {
		t.Errorf("resolution event = %+v", events[1])
	}
}
