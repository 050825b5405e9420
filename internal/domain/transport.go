package domain

import "context"

// ChatRequest is one user turn sent to the agent.
type ChatRequest struct {
	ConversationID     string           `json:"conversationId,omitempty"`
	Message            string           `json:"message"`
	Attachments        []FileAttachment `json:"attachments,omitempty"`
	PreviousResponseID string           `json:"previousResponseId,omitempty"`
}

// ChunkStream delivers the chunks of one response in order. Recv returns
// io.EOF after the end-of-stream signal. Close releases the underlying
// connection and must be safe to call more than once.
type ChunkStream interface {
	Recv() (StreamChunk, error)
	Close() error
}

// Transport opens chunk streams for chat turns and approval continuations.
// Continue may return a nil stream when the decision was delivered and the
// remaining chunks arrive on the stream that raised the approval.
type Transport interface {
	Stream(ctx context.Context, req ChatRequest) (ChunkStream, error)
	Continue(ctx context.Context, decision ApprovalDecision) (ChunkStream, error)
}
