package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// McpApprovalRequest is an MCP tool call that needs a human decision before
// the agent may run it. ID correlates the decision with the request.
type McpApprovalRequest struct {
	ID                 string `json:"id"`
	ToolName           string `json:"toolName"`
	ServerLabel        string `json:"serverLabel"`
	Arguments          string `json:"arguments,omitempty"`
	PreviousResponseID string `json:"previousResponseId,omitempty"`
}

// ParsedArguments decodes Arguments into a generic map. An empty Arguments
// yields a nil map.
func (r McpApprovalRequest) ParsedArguments() (map[string]any, error) {
	if r.Arguments == "" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(r.Arguments), &args); err != nil {
		return nil, fmt.Errorf("approval %s arguments: %w", r.ID, err)
	}
	return args, nil
}

// ChunkKind tags the populated payload of a StreamChunk.
type ChunkKind int

const (
	ChunkInvalid ChunkKind = iota
	ChunkText
	ChunkAnnotations
	ChunkApproval
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkText:
		return "text"
	case ChunkAnnotations:
		return "annotations"
	case ChunkApproval:
		return "approval"
	default:
		return "invalid"
	}
}

// StreamChunk is one unit of a streamed response. Exactly one of the three
// payloads is populated.
type StreamChunk struct {
	TextDelta          *string             `json:"textDelta,omitempty"`
	Annotations        []Annotation        `json:"annotations,omitempty"`
	McpApprovalRequest *McpApprovalRequest `json:"mcpApprovalRequest,omitempty"`
}

// TextChunk creates a text delta chunk.
func TextChunk(delta string) StreamChunk { return StreamChunk{TextDelta: &delta} }

// AnnotationsChunk creates an annotations chunk.
func AnnotationsChunk(annotations ...Annotation) StreamChunk {
	return StreamChunk{Annotations: annotations}
}

// ApprovalChunk creates an MCP approval request chunk.
func ApprovalChunk(req McpApprovalRequest) StreamChunk {
	return StreamChunk{McpApprovalRequest: &req}
}

// IsText reports whether the chunk carries a text delta. An empty delta is
// still a text chunk.
func (c StreamChunk) IsText() bool { return c.Kind() == ChunkText }

// HasAnnotations reports whether the chunk carries a non-empty annotation batch.
func (c StreamChunk) HasAnnotations() bool { return c.Kind() == ChunkAnnotations }

// IsApprovalRequest reports whether the chunk carries an approval request.
func (c StreamChunk) IsApprovalRequest() bool { return c.Kind() == ChunkApproval }

// Kind returns the populated payload tag, or ChunkInvalid when zero or more
// than one payload is set.
func (c StreamChunk) Kind() ChunkKind {
	n := 0
	kind := ChunkInvalid
	if c.TextDelta != nil {
		n++
		kind = ChunkText
	}
	if len(c.Annotations) > 0 {
		n++
		kind = ChunkAnnotations
	}
	if c.McpApprovalRequest != nil {
		n++
		kind = ChunkApproval
	}
	if n != 1 {
		return ChunkInvalid
	}
	return kind
}

// Validate checks the single-payload invariant and the minimal content of
// each payload. Violations wrap ErrMalformedChunk.
func (c StreamChunk) Validate() error {
	switch c.Kind() {
	case ChunkText:
		return nil
	case ChunkAnnotations:
		for i, a := range c.Annotations {
			if !a.Type.Valid() {
				return NewDomainError("StreamChunk.Validate", ErrMalformedChunk,
					fmt.Sprintf("annotation %d has unknown type %q", i, a.Type))
			}
		}
		return nil
	case ChunkApproval:
		if c.McpApprovalRequest.ID == "" {
			return NewDomainError("StreamChunk.Validate", ErrMalformedChunk, "approval request without id")
		}
		return nil
	default:
		return NewDomainError("StreamChunk.Validate", ErrMalformedChunk, "chunk must carry exactly one payload")
	}
}

// StreamState is the lifecycle state of one streamed message.
type StreamState string

const (
	StateIdle             StreamState = "idle"
	StateStreaming        StreamState = "streaming"
	StateAwaitingApproval StreamState = "awaiting_approval"
	StateCompleted        StreamState = "completed"
	StateCancelled        StreamState = "cancelled"
	StateFailed           StreamState = "failed"
)

// Terminal reports whether no further chunks are accepted in s.
func (s StreamState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Snapshot is an immutable view of a message being streamed, handed to the
// rendering side after every change.
type Snapshot struct {
	MessageID       string              `json:"messageId"`
	ConversationID  string              `json:"conversationId,omitempty"`
	Seq             uint64              `json:"seq"`
	State           StreamState         `json:"state"`
	AccumulatedText string              `json:"accumulatedText"`
	ParsedContent   ParsedContent       `json:"parsedContent"`
	Annotations     []Annotation        `json:"annotations,omitempty"`
	PendingApproval *McpApprovalRequest `json:"pendingApproval,omitempty"`
	Error           *AppError           `json:"error,omitempty"`
	StartedAt       time.Time           `json:"startedAt,omitempty"`
	Duration        time.Duration       `json:"duration,omitempty"`
}
