package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"agent-webapp/internal/domain"
)

// ErrorClassifier maps raw failures onto the closed ErrorCode taxonomy. It is
// the only place that inspects raw error text; everything above it works with
// AppError.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// RecoveryActions are caller-supplied handlers attached to classified errors.
type RecoveryActions struct {
	Retry  func() // re-sends the original request
	Reauth func() // re-triggers external sign-in
}

// ClassifyResponse classifies a non-2xx HTTP response.
func (c *ErrorClassifier) ClassifyResponse(status int, _ []byte) domain.ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.CodeAuth
	case status >= 500:
		return domain.CodeServer
	case status >= 400:
		return domain.CodeServer
	default:
		return domain.CodeUnknown
	}
}

// Classify inspects an error and returns its code.
func (c *ErrorClassifier) Classify(err error) domain.ErrorCode {
	if err == nil {
		return domain.CodeUnknown
	}

	// Already classified.
	if appErr, ok := domain.AsAppError(err); ok {
		return appErr.Code
	}

	var statusErr *domain.StatusError
	if errors.As(err, &statusErr) {
		return c.ClassifyResponse(statusErr.StatusCode, statusErr.Body)
	}

	if code, ok := c.classifyBySentinel(err); ok {
		return code
	}

	return c.classifyByString(err.Error())
}

// classifyBySentinel checks wrapped domain sentinels and standard library
// error types.
func (c *ErrorClassifier) classifyBySentinel(err error) (domain.ErrorCode, bool) {
	switch {
	case errors.Is(err, domain.ErrAuthInvalid):
		return domain.CodeAuth, true
	case errors.Is(err, domain.ErrMalformedChunk),
		errors.Is(err, domain.ErrStreamInterrupted),
		errors.Is(err, io.ErrUnexpectedEOF):
		return domain.CodeStream, true
	case errors.Is(err, domain.ErrServer):
		return domain.CodeServer, true
	case errors.Is(err, domain.ErrNetwork):
		return domain.CodeNetwork, true
	case errors.Is(err, context.Canceled):
		return domain.CodeUnknown, true
	}

	// Transport failure before any response: dial, DNS, TLS, timeouts.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.CodeNetwork, true
	}
	return "", false
}

// classifyByString is the message heuristic for errors without a typed cause.
func (c *ErrorClassifier) classifyByString(msg string) domain.ErrorCode {
	lower := strings.ToLower(msg)

	for _, p := range []string{"token", "auth", "unauthorized"} {
		if strings.Contains(lower, p) {
			return domain.CodeAuth
		}
	}
	for _, p := range []string{"network", "fetch", "connection"} {
		if strings.Contains(lower, p) {
			return domain.CodeNetwork
		}
	}
	if strings.Contains(lower, "stream") {
		return domain.CodeStream
	}
	return domain.CodeUnknown
}

// NewAppError classifies err and builds the user-facing AppError. Recoverable
// errors get a Retry action when actions.Retry is set; AUTH errors get a
// "Sign in again" action when actions.Reauth is set.
func (c *ErrorClassifier) NewAppError(err error, actions RecoveryActions) *domain.AppError {
	if appErr, ok := domain.AsAppError(err); ok && appErr.Action != nil {
		return appErr
	}
	code := c.Classify(err)
	return c.appError(code, err, actions)
}

// NewAppErrorFromResponse builds an AppError for a non-2xx response, using the
// server-supplied message when the body carries one.
func (c *ErrorClassifier) NewAppErrorFromResponse(status int, body []byte, actions RecoveryActions) *domain.AppError {
	code := c.ClassifyResponse(status, body)
	appErr := c.appError(code, &domain.StatusError{StatusCode: status, Body: body}, actions)
	appErr.Message = ParseErrorBody(code, body)
	return appErr
}

func (c *ErrorClassifier) appError(code domain.ErrorCode, err error, actions RecoveryActions) *domain.AppError {
	appErr := &domain.AppError{
		Code:          code,
		Message:       domain.UserMessage(code, true),
		Recoverable:   domain.Recoverable(code),
		OriginalError: err,
	}
	switch {
	case appErr.Recoverable && actions.Retry != nil:
		appErr.Action = &domain.Action{Label: "Retry", Handler: actions.Retry}
	case code == domain.CodeAuth && actions.Reauth != nil:
		appErr.Action = &domain.Action{Label: "Sign in again", Handler: actions.Reauth}
	}
	return appErr
}

// problemBody covers RFC 7807 problem details and the common
// {"error": ...} / {"message": ...} shapes.
type problemBody struct {
	Title   string          `json:"title"`
	Detail  string          `json:"detail"`
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// ParseErrorBody extracts the most specific message from an error response
// body: problem detail, then title, then error (string or object with a
// message), then message. Without any of those it falls back to the
// user-facing message for code.
func ParseErrorBody(code domain.ErrorCode, body []byte) string {
	var p problemBody
	if len(body) > 0 && json.Unmarshal(body, &p) == nil {
		if p.Detail != "" {
			return p.Detail
		}
		if p.Title != "" {
			return p.Title
		}
		if msg := errorField(p.Error); msg != "" {
			return msg
		}
		if p.Message != "" {
			return p.Message
		}
	}
	return domain.UserMessage(code, false)
}

func errorField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Message
	}
	return ""
}

// IsTokenExpired reports whether err looks like an expired or invalid bearer
// token.
func IsTokenExpired(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *domain.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "token") &&
		(strings.Contains(msg, "expired") || strings.Contains(msg, "invalid"))
}

// IsNetworkError reports whether err classifies as NETWORK.
func (c *ErrorClassifier) IsNetworkError(err error) bool {
	return c.Classify(err) == domain.CodeNetwork
}
