// Package security keeps the tool-approval audit trail: who was asked to
// approve which tool call, and what was decided.
package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"agent-webapp/internal/domain"
	"agent-webapp/internal/infra/tracer"
)

// RetentionPolicy controls how long audit entries are kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // 0 = no limit
	MaxSize int64         // bytes; 0 = no limit
}

func (p RetentionPolicy) enabled() bool { return p.MaxAge > 0 || p.MaxSize > 0 }

// FileAuditLogger implements domain.AuditLogger by appending JSON lines to a
// file.
type FileAuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention RetentionPolicy
	now       func() time.Time
}

// NewFileAuditLogger opens (or creates, mode 0600) the audit log at path.
func NewFileAuditLogger(path string, retention RetentionPolicy) (*FileAuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{file: f, path: path, retention: retention, now: time.Now}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// Log writes event as a single JSON line and mirrors it onto the active span.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	_, err = a.file.Write(append(data, '\n'))
	a.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := []attribute.KeyValue{
			tracer.StringAttr("audit.actor", event.Actor),
			tracer.StringAttr("audit.resource", event.Resource),
			tracer.StringAttr("audit.outcome", event.Outcome),
		}
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// Close closes the audit log file.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention rewrites the log keeping only entries the policy allows:
// entries older than MaxAge go first, then the oldest until the file fits
// MaxSize. Safe to call while the logger is in use.
func (a *FileAuditLogger) EnforceRetention(context.Context) (removed int, err error) {
	if !a.retention.enabled() {
		return 0, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.retention.MaxAge == 0 {
		info, err := os.Stat(a.path)
		if err != nil {
			return 0, fmt.Errorf("stat audit log: %w", err)
		}
		if info.Size() <= a.retention.MaxSize {
			return 0, nil
		}
	}

	if err := a.file.Close(); err != nil {
		return 0, fmt.Errorf("close for retention: %w", err)
	}
	// Whatever happens below, keep appending afterwards.
	defer func() {
		f, openErr := openAppend(a.path)
		if openErr != nil && err == nil {
			err = fmt.Errorf("reopen after retention: %w", openErr)
		}
		a.file = f
	}()

	kept, removed, err := a.filter()
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	if err := rewrite(a.path, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// filter reads the log and returns the lines that survive the policy.
func (a *FileAuditLogger) filter() (kept [][]byte, removed int, err error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, 0, fmt.Errorf("open for reading: %w", err)
	}
	defer f.Close()

	var cutoff time.Time
	if a.retention.MaxAge > 0 {
		cutoff = a.now().Add(-a.retention.MaxAge)
	}

	var size int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan audit log: %w", err)
	}

	if limit := a.retention.MaxSize; limit > 0 {
		for len(kept) > 0 && size > limit {
			size -= int64(len(kept[0])) + 1
			kept = kept[1:]
			removed++
		}
	}
	return kept, removed, nil
}

// rewrite replaces path with lines through a temp file and rename.
func rewrite(path string, lines [][]byte) error {
	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ParseSize parses a human-readable size such as "100MB" or "1GB".
// An empty string is 0.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.mult
			s = strings.TrimSuffix(s, unit.suffix)
			break
		}
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("parse size %q: invalid", s)
	}
	return n * multiplier, nil
}

var _ domain.AuditLogger = (*FileAuditLogger)(nil)
