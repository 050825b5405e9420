package domain

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleApproval  Role = "approval"
)

// FileAttachment describes a file sent with a user turn. Validation and
// encoding happen outside this module; the fields are passed through as-is.
type FileAttachment struct {
	FileID        string `json:"fileId,omitempty"`
	FileName      string `json:"fileName"`
	FileSizeBytes int64  `json:"fileSizeBytes"`
	DataURI       string `json:"dataUri,omitempty"`
}

// UsageInfo is token accounting reported by the backend.
type UsageInfo struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens,omitempty"`
}

// ConversationInfo summarises one conversation.
type ConversationInfo struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt *time.Time        `json:"updatedAt,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MessageInfo is one stored turn of a conversation.
type MessageInfo struct {
	ID          string           `json:"id"`
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	Timestamp   time.Time        `json:"timestamp"`
	Attachments []FileAttachment `json:"attachments,omitempty"`
	Annotations []Annotation     `json:"annotations,omitempty"`
	Usage       *UsageInfo       `json:"usage,omitempty"`
	Duration    time.Duration    `json:"duration,omitempty"`
}

// ConversationStore is the history collaborator: list, append, fetch.
type ConversationStore interface {
	Create(ctx context.Context, title string, metadata map[string]string) (*ConversationInfo, error)
	List(ctx context.Context) ([]ConversationInfo, error)
	Append(ctx context.Context, conversationID string, msg MessageInfo) error
	Messages(ctx context.Context, conversationID string) ([]MessageInfo, error)
}

// NewID returns a new lexically sortable identifier.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
