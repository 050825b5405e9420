package security

import (
	"context"
	"encoding/json"
	"log/slog"

	"agent-webapp/internal/domain"
)

// RecordApprovals writes every approval request and resolution published on
// bus to audit. Call the returned function to stop recording.
func RecordApprovals(bus domain.EventBus, audit domain.AuditLogger, logger *slog.Logger) func() {
	// One subscriber keeps requests and resolutions in publish order.
	return bus.SubscribeAll(func(ctx context.Context, ev domain.Event) {
		switch ev.Type {
		case domain.EventToolApprovalReq:
			recordRequest(ctx, audit, logger, ev)
		case domain.EventToolApprovalResp:
			recordResolution(ctx, audit, logger, ev)
		}
	})
}

func recordRequest(ctx context.Context, audit domain.AuditLogger, logger *slog.Logger, ev domain.Event) {
	var req domain.McpApprovalRequest
	if err := json.Unmarshal(ev.Payload, &req); err != nil {
		logger.Warn("audit: bad approval request payload", "message_id", ev.MessageID, "error", err)
		return
	}
	write(ctx, audit, logger, domain.AuditEvent{
		Timestamp: ev.Timestamp,
		Type:      domain.AuditApprovalRequested,
		Resource:  req.ID,
		Action:    "request",
		Outcome:   "pending",
		Detail: map[string]string{
			"tool":            req.ToolName,
			"server":          req.ServerLabel,
			"message_id":      ev.MessageID,
			"conversation_id": ev.ConversationID,
		},
	})
}

func recordResolution(ctx context.Context, audit domain.AuditLogger, logger *slog.Logger, ev domain.Event) {
	var decision domain.ApprovalDecision
	if err := json.Unmarshal(ev.Payload, &decision); err != nil {
		logger.Warn("audit: bad approval decision payload", "message_id", ev.MessageID, "error", err)
		return
	}
	write(ctx, audit, logger, domain.AuditEvent{
		Timestamp: ev.Timestamp,
		Type:      domain.AuditApprovalResolved,
		Resource:  decision.RequestID,
		Action:    DecisionAction(decision.Approved),
		Outcome:   "sent",
		Detail: map[string]string{
			"message_id":      ev.MessageID,
			"conversation_id": ev.ConversationID,
		},
	})
}

// DecisionAction names an approval decision for the audit trail.
func DecisionAction(approved bool) string {
	if approved {
		return "approve"
	}
	return "reject"
}

func write(ctx context.Context, audit domain.AuditLogger, logger *slog.Logger, event domain.AuditEvent) {
	if err := audit.Log(ctx, event); err != nil {
		logger.Error("audit write failed", "type", string(event.Type), "resource", event.Resource, "error", err)
	}
}
