package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditApprovalRequested AuditEventType = "approval_requested"
	AuditApprovalResolved  AuditEventType = "approval_resolved"
	AuditApprovalDecision  AuditEventType = "approval_decision" // a client's approve/reject call
	AuditAccessDenied      AuditEventType = "access_denied"
)

// AuditEvent is one entry in the tool-approval audit trail.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Actor     string            `json:"actor,omitempty"`
	Resource  string            `json:"resource,omitempty"` // approval request or message id
	Action    string            `json:"action,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
