package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"agent-webapp/internal/domain"
	"agent-webapp/internal/infra/tracer"
)

type pendingApproval struct {
	req     domain.McpApprovalRequest
	resumer domain.ApprovalResumer
	order   uint64
}

// ApprovalGate tracks tool-approval requests awaiting a human decision.
// Request ids are unique only within the gate; the chat service keeps one
// gate per message.
//
// A decision is forwarded to the transport before the stream is resumed. If
// forwarding fails the request stays pending so the caller can try again;
// once forwarded the id is resolved and further calls fail with
// ErrAlreadyResolved.
type ApprovalGate struct {
	sender domain.DecisionSender
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]pendingApproval
	inflight map[string]bool
	resolved map[string]bool
	seq      *atomic.Uint64 // may be shared so Pending can order across gates
}

// NewApprovalGate creates a gate that forwards decisions through sender.
func NewApprovalGate(sender domain.DecisionSender, logger *slog.Logger) *ApprovalGate {
	return &ApprovalGate{
		sender:   sender,
		logger:   logger,
		pending:  make(map[string]pendingApproval),
		inflight: make(map[string]bool),
		resolved: make(map[string]bool),
		seq:      new(atomic.Uint64),
	}
}

// Register implements domain.ApprovalRegistrar.
func (g *ApprovalGate) Register(_ context.Context, req domain.McpApprovalRequest, resumer domain.ApprovalResumer) error {
	if req.ID == "" {
		return domain.NewDomainError("ApprovalGate.Register", domain.ErrInvalidInput, "empty request id")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.pending[req.ID]; ok || g.resolved[req.ID] {
		return domain.NewDomainError("ApprovalGate.Register", domain.ErrDuplicateRequest, req.ID)
	}
	g.pending[req.ID] = pendingApproval{req: req, resumer: resumer, order: g.seq.Add(1)}

	g.logger.Info("approval requested",
		"request_id", req.ID,
		"tool", req.ToolName,
		"server", req.ServerLabel,
	)
	return nil
}

// Discard implements domain.ApprovalRegistrar. The id is treated as resolved
// so a late decision fails with ErrAlreadyResolved.
func (g *ApprovalGate) Discard(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[requestID]; !ok {
		return
	}
	delete(g.pending, requestID)
	g.resolved[requestID] = true
	g.logger.Debug("approval discarded", "request_id", requestID)
}

// Approve sends an approval=true continuation and resumes the stream.
func (g *ApprovalGate) Approve(ctx context.Context, requestID string) error {
	return g.resolve(ctx, requestID, true)
}

// Reject sends an approval=false continuation and resumes the stream.
func (g *ApprovalGate) Reject(ctx context.Context, requestID string) error {
	return g.resolve(ctx, requestID, false)
}

// Pending returns the outstanding requests in registration order.
func (g *ApprovalGate) Pending() []domain.McpApprovalRequest {
	return sortedRequests(g.pendingEntries())
}

// lookup reports whether requestID is pending or already resolved here.
func (g *ApprovalGate) lookup(requestID string) (pending, resolved bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, pending = g.pending[requestID]
	return pending, g.resolved[requestID]
}

func (g *ApprovalGate) pendingEntries() []pendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()
	entries := make([]pendingApproval, 0, len(g.pending))
	for _, p := range g.pending {
		entries = append(entries, p)
	}
	return entries
}

func sortedRequests(entries []pendingApproval) []domain.McpApprovalRequest {
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	out := make([]domain.McpApprovalRequest, len(entries))
	for i, p := range entries {
		out[i] = p.req
	}
	return out
}

func (g *ApprovalGate) resolve(ctx context.Context, requestID string, approved bool) error {
	const op = "ApprovalGate.Resolve"

	ctx, span := tracer.StartSpan(ctx, "approval.resolve",
		trace.WithAttributes(
			tracer.StringAttr("approval.request_id", requestID),
			attribute.Bool("approval.approved", approved),
		),
	)
	defer span.End()

	g.mu.Lock()
	if g.resolved[requestID] || g.inflight[requestID] {
		g.mu.Unlock()
		err := domain.NewDomainError(op, domain.ErrAlreadyResolved, requestID)
		tracer.RecordError(span, err)
		return err
	}
	entry, ok := g.pending[requestID]
	if !ok {
		g.mu.Unlock()
		err := domain.NewDomainError(op, domain.ErrUnknownRequest, requestID)
		tracer.RecordError(span, err)
		return err
	}
	g.inflight[requestID] = true
	g.mu.Unlock()

	decision := domain.ApprovalDecision{
		RequestID:          requestID,
		Approved:           approved,
		PreviousResponseID: entry.req.PreviousResponseID,
	}
	if err := g.sender.SendDecision(ctx, decision); err != nil {
		g.mu.Lock()
		delete(g.inflight, requestID)
		g.mu.Unlock()
		tracer.RecordError(span, err)
		g.logger.Warn("approval decision not delivered",
			"request_id", requestID, "approved", approved, "error", err)
		return fmt.Errorf("send approval decision %s: %w", requestID, err)
	}

	g.mu.Lock()
	delete(g.inflight, requestID)
	delete(g.pending, requestID)
	g.resolved[requestID] = true
	g.mu.Unlock()

	g.logger.Info("approval resolved", "request_id", requestID, "approved", approved)

	if entry.resumer != nil {
		if err := entry.resumer.ResumeApproval(requestID, approved); err != nil {
			if errors.Is(err, domain.ErrStreamTerminal) {
				g.logger.Debug("stream ended before approval resumed", "request_id", requestID)
			} else {
				tracer.RecordError(span, err)
				return fmt.Errorf("resume after approval %s: %w", requestID, err)
			}
		}
	}

	tracer.SetOK(span)
	return nil
}

// ApprovalPolicy resolves approvals for tools on its allow or deny list
// without asking the user. Tools on neither list are left pending on the
// gate. The deny list takes precedence.
//
//	policy := NewApprovalPolicy(gate,
//	    []string{"search_docs"}, // auto-approve
//	    []string{"delete_index"}, // auto-reject
//	    logger)
type ApprovalPolicy struct {
	gate          *ApprovalGate
	alwaysApprove map[string]bool
	alwaysDeny    map[string]bool
	logger        *slog.Logger
}

// NewApprovalPolicy wraps gate with allow/deny lists.
func NewApprovalPolicy(gate *ApprovalGate, approve, deny []string, logger *slog.Logger) *ApprovalPolicy {
	p := &ApprovalPolicy{
		gate:          gate,
		alwaysApprove: make(map[string]bool, len(approve)),
		alwaysDeny:    make(map[string]bool, len(deny)),
		logger:        logger,
	}
	for _, name := range approve {
		p.alwaysApprove[name] = true
	}
	for _, name := range deny {
		p.alwaysDeny[name] = true
	}
	return p
}

// Decide returns the automatic decision for a tool, if any.
func (p *ApprovalPolicy) Decide(toolName string) (approved, decided bool) {
	if p.alwaysDeny[toolName] {
		return false, true
	}
	if p.alwaysApprove[toolName] {
		return true, true
	}
	return false, false
}

// Register implements domain.ApprovalRegistrar. The request is always
// registered on the gate; listed tools are then resolved through it so the
// transport sees the decision.
func (p *ApprovalPolicy) Register(ctx context.Context, req domain.McpApprovalRequest, resumer domain.ApprovalResumer) error {
	if err := p.gate.Register(ctx, req, resumer); err != nil {
		return err
	}
	approved, decided := p.Decide(req.ToolName)
	if !decided {
		return nil
	}
	p.logger.Info("approval decided by policy", "request_id", req.ID, "tool", req.ToolName, "approved", approved)
	if err := p.gate.resolve(ctx, req.ID, approved); err != nil {
		// Left pending for a manual decision.
		p.logger.Warn("policy decision failed", "request_id", req.ID, "error", err)
	}
	return nil
}

// Discard implements domain.ApprovalRegistrar.
func (p *ApprovalPolicy) Discard(requestID string) { p.gate.Discard(requestID) }
