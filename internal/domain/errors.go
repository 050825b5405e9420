package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrInvalidInput         = fmt.Errorf("invalid input")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
	ErrConversationNotFound = fmt.Errorf("conversation not found")
	ErrMessageNotFound      = fmt.Errorf("message not streaming")

	// Approval gate errors.
	ErrDuplicateRequest = fmt.Errorf("approval request already pending")
	ErrUnknownRequest   = fmt.Errorf("approval request not pending")
	ErrAlreadyResolved  = fmt.Errorf("approval request already resolved")
	ErrAmbiguousRequest = fmt.Errorf("approval request pending in several messages")

	// Stream errors.
	ErrStreamTerminal    = fmt.Errorf("stream is no longer accepting chunks")
	ErrMalformedChunk    = fmt.Errorf("malformed stream chunk")
	ErrStreamInterrupted = fmt.Errorf("stream interrupted")

	// Transport errors. These are the causes the classifier maps onto ErrorCode.
	ErrNetwork     = fmt.Errorf("network connection failed")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	ErrServer      = fmt.Errorf("server error")

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrForbidden         = fmt.Errorf("forbidden")

	ErrAuditWrite = fmt.Errorf("audit log write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "ApprovalGate.Approve")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// StatusError is returned by transports for non-2xx HTTP responses.
type StatusError struct {
	StatusCode int
	Body       []byte
	Detail     string // message extracted from Body, if any
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// ErrorCode is the closed taxonomy surfaced to users.
type ErrorCode string

const (
	CodeNetwork ErrorCode = "NETWORK"
	CodeAuth    ErrorCode = "AUTH"
	CodeStream  ErrorCode = "STREAM"
	CodeServer  ErrorCode = "SERVER"
	CodeUnknown ErrorCode = "UNKNOWN"
)

// Recoverable reports whether errors of this code may succeed on retry.
// AUTH needs re-authentication; UNKNOWN is never retried.
func Recoverable(code ErrorCode) bool {
	switch code {
	case CodeNetwork, CodeStream, CodeServer:
		return true
	default:
		return false
	}
}

// ErrorMessage is the user-facing text for one ErrorCode.
type ErrorMessage struct {
	Title       string
	Description string
	Hint        string
}

var errorMessages = map[ErrorCode]ErrorMessage{
	CodeNetwork: {
		Title:       "Connection Lost",
		Description: "Unable to reach the server.",
		Hint:        "Check your internet connection and try again.",
	},
	CodeAuth: {
		Title:       "Session Expired",
		Description: "Your authentication session has timed out.",
		Hint:        `Click "Sign in again" below to continue.`,
	},
	CodeStream: {
		Title:       "Response Interrupted",
		Description: "The AI response was interrupted unexpectedly.",
		Hint:        `Click "Retry" to resend your message.`,
	},
	CodeServer: {
		Title:       "Server Error",
		Description: "The server encountered an unexpected error.",
		Hint:        "Please try again in a few moments.",
	},
	CodeUnknown: {
		Title:       "Unexpected Error",
		Description: "Something went wrong.",
		Hint:        "Try refreshing the page or contact support if this continues.",
	},
}

// MessageFor returns the user-facing text for code. Unrecognised codes get
// the UNKNOWN text.
func MessageFor(code ErrorCode) ErrorMessage {
	if m, ok := errorMessages[code]; ok {
		return m
	}
	return errorMessages[CodeUnknown]
}

// UserMessage returns the description for code, optionally followed by the
// recovery hint.
func UserMessage(code ErrorCode, includeHint bool) string {
	m := MessageFor(code)
	if includeHint {
		return m.Description + " " + m.Hint
	}
	return m.Description
}

// Action is an optional recovery affordance attached to an AppError.
// Handler is supplied by the caller and is never serialized.
type Action struct {
	Label   string `json:"label"`
	Handler func() `json:"-"`
}

// AppError is a classified failure ready for display.
type AppError struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	Recoverable   bool      `json:"recoverable"`
	Action        *Action   `json:"action,omitempty"`
	OriginalError error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.OriginalError != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.OriginalError)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.OriginalError }

// AsAppError extracts an AppError from err's chain.
func AsAppError(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
