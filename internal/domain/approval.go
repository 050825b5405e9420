package domain

import "context"

// ApprovalDecision is the user's answer to an McpApprovalRequest, sent back
// to the transport so the agent can continue the same response.
type ApprovalDecision struct {
	RequestID          string `json:"requestId"`
	Approved           bool   `json:"approved"`
	PreviousResponseID string `json:"previousResponseId,omitempty"`
	ConversationID     string `json:"conversationId,omitempty"`
}

// ApprovalResumer is resumed once the approval it surfaced is resolved.
type ApprovalResumer interface {
	ResumeApproval(requestID string, approved bool) error
}

// ApprovalRegistrar accepts approval requests surfaced by a stream. Discard
// drops a pending request whose stream ended before it was resolved.
type ApprovalRegistrar interface {
	Register(ctx context.Context, req McpApprovalRequest, resumer ApprovalResumer) error
	Discard(requestID string)
}

// DecisionSender forwards a resolved decision to the transport.
type DecisionSender interface {
	SendDecision(ctx context.Context, decision ApprovalDecision) error
}

// DecisionSenderFunc adapts a function to DecisionSender.
type DecisionSenderFunc func(ctx context.Context, decision ApprovalDecision) error

// SendDecision implements DecisionSender.
func (f DecisionSenderFunc) SendDecision(ctx context.Context, decision ApprovalDecision) error {
	return f(ctx, decision)
}
