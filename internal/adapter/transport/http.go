// Package transport connects the chat service to the agent backend over
// HTTP server-sent events.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"agent-webapp/internal/domain"
	"agent-webapp/internal/infra/config"
	"agent-webapp/internal/infra/tracer"
)

// HTTPTransport opens chat and approval streams against the backend. It
// implements domain.Transport.
type HTTPTransport struct {
	client      *http.Client
	streamURL   string
	approvalURL string
	tokens      domain.TokenSource
	limiter     *rate.Limiter // nil = unlimited
	decoder     *ChunkDecoder
	logger      *slog.Logger
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithHTTPClient replaces the pooled client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) { t.client = c }
}

// NewHTTPTransport builds a transport from cfg. tokens supplies the bearer
// token per request; nil sends no Authorization header.
func NewHTTPTransport(cfg config.TransportConfig, tokens domain.TokenSource, logger *slog.Logger, opts ...Option) (*HTTPTransport, error) {
	decoder, err := NewChunkDecoder(cfg.ValidateChunks)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	t := &HTTPTransport{
		client:      NewHTTPClient(cfg),
		streamURL:   base + cfg.StreamPath,
		approvalURL: base + cfg.ApprovalPath,
		tokens:      tokens,
		decoder:     decoder,
		logger:      logger,
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Stream implements domain.Transport.
func (t *HTTPTransport) Stream(ctx context.Context, req domain.ChatRequest) (domain.ChunkStream, error) {
	ctx, span := tracer.StartSpan(ctx, "transport.stream",
		trace.WithAttributes(tracer.StringAttr("chat.conversation_id", req.ConversationID)),
	)
	defer span.End()

	cs, err := t.open(ctx, t.streamURL, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	if cs == nil {
		err := domain.NewDomainError("HTTPTransport.Stream", domain.ErrMalformedChunk, "backend returned no stream")
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return cs, nil
}

// Continue implements domain.Transport. A 204 response means the decision
// was accepted and the rest of the reply arrives on the original stream.
func (t *HTTPTransport) Continue(ctx context.Context, decision domain.ApprovalDecision) (domain.ChunkStream, error) {
	ctx, span := tracer.StartSpan(ctx, "transport.continue",
		trace.WithAttributes(
			tracer.StringAttr("approval.request_id", decision.RequestID),
			tracer.BoolAttr("approval.approved", decision.Approved),
		),
	)
	defer span.End()

	cs, err := t.open(ctx, t.approvalURL, decision)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return cs, nil
}

func (t *HTTPTransport) open(ctx context.Context, url string, payload any) (domain.ChunkStream, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	headers := make(map[string]string, 1)
	if t.tokens != nil {
		token, err := t.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("bearer token: %w", err)
		}
		headers["Authorization"] = "Bearer " + token
	}

	resp, err := doStreamRequest(ctx, t.client, url, body, headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, nil
	}

	t.logger.Debug("stream opened", "url", url, "status", resp.StatusCode)
	return newSSEStream(resp.Body, t.decoder), nil
}

var _ domain.Transport = (*HTTPTransport)(nil)
