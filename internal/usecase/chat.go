package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"agent-webapp/internal/domain"
	"agent-webapp/internal/infra/tracer"
	"agent-webapp/internal/usecase/stream"
)

const (
	titleMaxRunes       = 60
	continuationBacklog = 4
)

// ChatDeps holds injected dependencies for the chat service.
type ChatDeps struct {
	Transport     domain.Transport
	Store         domain.ConversationStore // optional, nil = no history
	Bus           domain.EventBus          // optional, nil = no events
	Classifier    *ErrorClassifier         // optional, nil = default classifier
	Retry         RetryConfig
	AlwaysApprove []string // tools approved without asking
	AlwaysDeny    []string // tools rejected without asking
	OnReauth      func()   // optional, attached to AUTH errors as "Sign in again"
	Logger        *slog.Logger
}

// ChatService sends user turns, streams the replies through a
// stream.Consumer per message and routes approval decisions back to the
// transport. Each message owns its approval gate, so request ids only need
// to be unique within a message.
type ChatService struct {
	deps        ChatDeps
	classifier  *ErrorClassifier
	retrier     *Retrier
	approvalSeq *atomic.Uint64

	mu     sync.Mutex
	active map[string]*activeMessage // by message id
}

type continuation struct {
	stream domain.ChunkStream
	src    stream.Source
}

// activeMessage is the per-message state owned by the service while the
// message streams.
type activeMessage struct {
	consumer       *stream.Consumer
	gate           *ApprovalGate
	conversationID string
	request        domain.ChatRequest
	ctx            context.Context
	cancel         context.CancelFunc
	continuations  chan continuation
}

// NewChatService creates a chat service.
func NewChatService(deps ChatDeps) *ChatService {
	if deps.Classifier == nil {
		deps.Classifier = NewErrorClassifier()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &ChatService{
		deps:        deps,
		classifier:  deps.Classifier,
		retrier:     NewRetrier(deps.Retry, deps.Classifier, deps.Logger),
		approvalSeq: new(atomic.Uint64),
		active:      make(map[string]*activeMessage),
	}
}

// Send records the user turn and starts streaming the reply to req. The
// returned consumer is always non-nil: when the stream cannot be opened it
// is already Failed and the classified AppError is returned alongside it.
func (s *ChatService) Send(ctx context.Context, req domain.ChatRequest) (*stream.Consumer, error) {
	return s.send(ctx, req, true)
}

// send streams a reply to req. A retry passes recordTurn=false: the user
// turn is already stored and req carries its conversation id.
func (s *ChatService) send(ctx context.Context, req domain.ChatRequest, recordTurn bool) (*stream.Consumer, error) {
	ctx, span := tracer.StartSpan(ctx, "chat.send",
		trace.WithAttributes(tracer.StringAttr("chat.conversation_id", req.ConversationID)),
	)
	defer span.End()

	if req.Message == "" && len(req.Attachments) == 0 {
		err := domain.NewDomainError("ChatService.Send", domain.ErrInvalidInput, "empty message")
		tracer.RecordError(span, err)
		return nil, err
	}

	if recordTurn {
		if err := s.recordUserTurn(ctx, &req); err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
	}

	messageID := domain.NewID()
	span.SetAttributes(tracer.StringAttr("chat.message_id", messageID))

	// The stream outlives the caller's request context.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &activeMessage{
		conversationID: req.ConversationID,
		request:        req,
		ctx:            streamCtx,
		cancel:         cancel,
		continuations:  make(chan continuation, continuationBacklog),
	}
	m.consumer = stream.New(messageID, s.registrar(m, messageID),
		s.deps.Logger, stream.WithConversationID(req.ConversationID))
	m.consumer.Subscribe(s.publisher(m))

	s.mu.Lock()
	s.active[messageID] = m
	s.mu.Unlock()
	go s.finalize(m)

	s.publish(streamCtx, domain.NewEvent(domain.EventStreamStarted, req.ConversationID, messageID, req))

	cs, err := RetryWithBackoff(streamCtx, s.retrier, func(ctx context.Context) (domain.ChunkStream, error) {
		return s.deps.Transport.Stream(ctx, req)
	})
	if err != nil {
		appErr := s.appError(err, req)
		_ = m.consumer.Fail(streamCtx, appErr)
		tracer.RecordError(span, err)
		return m.consumer, appErr
	}

	src := m.consumer.Attach(cs)
	go s.pump(m, cs, src)

	tracer.SetOK(span)
	return m.consumer, nil
}

// recordUserTurn creates the conversation when needed and stores the user
// message.
func (s *ChatService) recordUserTurn(ctx context.Context, req *domain.ChatRequest) error {
	if s.deps.Store == nil {
		return nil
	}
	if req.ConversationID == "" {
		conv, err := s.deps.Store.Create(ctx, title(req.Message), nil)
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		req.ConversationID = conv.ID
	}
	err := s.deps.Store.Append(ctx, req.ConversationID, domain.MessageInfo{
		ID:          domain.NewID(),
		Role:        domain.RoleUser,
		Content:     req.Message,
		Timestamp:   time.Now(),
		Attachments: req.Attachments,
	})
	if err != nil {
		return fmt.Errorf("store user message: %w", err)
	}
	return nil
}

// pump reads cs into the consumer and then follows continuation streams
// opened by approval decisions until the message is terminal.
func (s *ChatService) pump(m *activeMessage, cs domain.ChunkStream, src stream.Source) {
	c := m.consumer
	for {
		if !s.drain(m, cs, src) {
			return
		}
		select {
		case next := <-m.continuations:
			cs, src = next.stream, next.src
		case <-c.Done():
			return
		}
	}
}

// drain feeds one chunk stream into the consumer. It reports whether the
// message may continue on another stream.
func (s *ChatService) drain(m *activeMessage, cs domain.ChunkStream, src stream.Source) bool {
	c := m.consumer
	for {
		chunk, err := cs.Recv()
		if errors.Is(err, io.EOF) {
			if err := c.CompleteFrom(m.ctx, src); err != nil {
				return false
			}
			return true
		}
		if err != nil {
			if c.State().Terminal() {
				return false
			}
			s.deps.Logger.Warn("stream receive failed",
				"message_id", c.MessageID(), "error", err)
			_ = c.FailFrom(m.ctx, src, s.appError(err, m.request))
			return true
		}
		if err := c.Apply(m.ctx, chunk); err != nil {
			return false
		}
	}
}

// registrar builds the message's approval gate, wrapped in the configured
// allow/deny policy.
func (s *ChatService) registrar(m *activeMessage, messageID string) domain.ApprovalRegistrar {
	m.gate = NewApprovalGate(domain.DecisionSenderFunc(func(ctx context.Context, d domain.ApprovalDecision) error {
		return s.sendDecision(ctx, m, d)
	}), s.deps.Logger.With("message_id", messageID))
	m.gate.seq = s.approvalSeq
	if len(s.deps.AlwaysApprove) > 0 || len(s.deps.AlwaysDeny) > 0 {
		return NewApprovalPolicy(m.gate, s.deps.AlwaysApprove, s.deps.AlwaysDeny, s.deps.Logger)
	}
	return m.gate
}

// sendDecision opens the continuation stream for m and attaches it before
// the gate resumes the consumer.
func (s *ChatService) sendDecision(ctx context.Context, m *activeMessage, decision domain.ApprovalDecision) error {
	decision.ConversationID = m.conversationID

	// Waits honour the caller; the stream itself lives with the message.
	cs, err := RetryWithBackoff(ctx, s.retrier, func(context.Context) (domain.ChunkStream, error) {
		return s.deps.Transport.Continue(m.ctx, decision)
	})
	if err != nil {
		return err
	}

	s.publish(m.ctx, domain.NewEvent(domain.EventToolApprovalResp,
		m.conversationID, m.consumer.MessageID(), decision))

	if cs == nil {
		return nil
	}
	src := m.consumer.Attach(cs)
	select {
	case m.continuations <- continuation{stream: cs, src: src}:
	case <-m.consumer.Done():
	}
	return nil
}

// Resolve decides approval request requestID raised by message messageID.
// An empty messageID looks the request up across streaming messages; it
// fails with ErrAmbiguousRequest when more than one has it pending.
func (s *ChatService) Resolve(ctx context.Context, messageID, requestID string, approved bool) error {
	gate, err := s.gateFor(messageID, requestID)
	if err != nil {
		return err
	}
	return gate.resolve(ctx, requestID, approved)
}

func (s *ChatService) gateFor(messageID, requestID string) (*ApprovalGate, error) {
	const op = "ChatService.Resolve"

	s.mu.Lock()
	defer s.mu.Unlock()

	if messageID != "" {
		m, ok := s.active[messageID]
		if !ok {
			return nil, domain.NewDomainError(op, domain.ErrMessageNotFound, messageID)
		}
		return m.gate, nil
	}

	var match, done *ApprovalGate
	matches := 0
	for _, m := range s.active {
		pending, resolved := m.gate.lookup(requestID)
		switch {
		case pending:
			match = m.gate
			matches++
		case resolved:
			done = m.gate
		}
	}
	switch {
	case matches > 1:
		return nil, domain.NewDomainError(op, domain.ErrAmbiguousRequest, requestID)
	case match != nil:
		return match, nil
	case done != nil:
		// Reports ErrAlreadyResolved.
		return done, nil
	}
	return nil, domain.NewDomainError(op, domain.ErrUnknownRequest, requestID)
}

// Approve resolves a pending approval with approval=true.
func (s *ChatService) Approve(ctx context.Context, requestID string) error {
	return s.Resolve(ctx, "", requestID, true)
}

// Reject resolves a pending approval with approval=false.
func (s *ChatService) Reject(ctx context.Context, requestID string) error {
	return s.Resolve(ctx, "", requestID, false)
}

// Pending lists approval requests awaiting a decision across all streaming
// messages, oldest first.
func (s *ChatService) Pending() []domain.McpApprovalRequest {
	s.mu.Lock()
	var entries []pendingApproval
	for _, m := range s.active {
		entries = append(entries, m.gate.pendingEntries()...)
	}
	s.mu.Unlock()
	return sortedRequests(entries)
}

// Cancel stops a streaming message and releases its transport.
func (s *ChatService) Cancel(ctx context.Context, messageID string) error {
	s.mu.Lock()
	m, ok := s.active[messageID]
	s.mu.Unlock()
	if !ok {
		return domain.NewDomainError("ChatService.Cancel", domain.ErrMessageNotFound, messageID)
	}
	m.consumer.Cancel(ctx)
	m.cancel()
	return nil
}

// Active returns the consumer of a streaming message.
func (s *ChatService) Active(messageID string) (*stream.Consumer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.active[messageID]
	if !ok {
		return nil, false
	}
	return m.consumer, true
}

// Shutdown cancels every streaming message.
func (s *ChatService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.Cancel(ctx, id)
	}
}

// finalize waits for the message to end, stores it and forgets it.
func (s *ChatService) finalize(m *activeMessage) {
	<-m.consumer.Done()
	final := m.consumer.Snapshot()
	defer m.cancel()

	// The message's gate, with its resolved ids, goes with it.
	s.mu.Lock()
	delete(s.active, final.MessageID)
	s.mu.Unlock()

	if s.deps.Store == nil || m.conversationID == "" {
		return
	}
	switch {
	case final.State == domain.StateCompleted:
	case final.State == domain.StateCancelled && final.AccumulatedText != "":
	default:
		return
	}

	msg := domain.MessageInfo{
		ID:          final.MessageID,
		Role:        domain.RoleAssistant,
		Content:     final.AccumulatedText,
		Timestamp:   final.StartedAt,
		Annotations: final.Annotations,
		Duration:    final.Duration,
	}
	ctx := context.WithoutCancel(m.ctx)
	if err := s.deps.Store.Append(ctx, m.conversationID, msg); err != nil {
		s.deps.Logger.Error("store assistant message failed",
			"message_id", final.MessageID, "error", err)
		return
	}
	s.publish(ctx, domain.NewEvent(domain.EventMessageStored, m.conversationID, final.MessageID, msg))
}

// publisher forwards snapshots to the event bus. An approval request is
// announced once, when it first becomes pending.
func (s *ChatService) publisher(m *activeMessage) stream.Listener {
	var announced string
	return func(snap domain.Snapshot) {
		s.publish(m.ctx, domain.NewEvent(domain.EventForState(snap.State),
			snap.ConversationID, snap.MessageID, snap))
		if p := snap.PendingApproval; p != nil && p.ID != announced {
			announced = p.ID
			s.publish(m.ctx, domain.NewEvent(domain.EventToolApprovalReq,
				snap.ConversationID, snap.MessageID, p))
		}
	}
}

func (s *ChatService) publish(ctx context.Context, ev domain.Event) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(ctx, ev)
	}
}

// appError classifies err with a Retry action that re-sends req.
func (s *ChatService) appError(err error, req domain.ChatRequest) *domain.AppError {
	return s.classifier.NewAppError(err, RecoveryActions{
		Retry: func() {
			if _, err := s.send(context.Background(), req, false); err != nil {
				s.deps.Logger.Warn("retry send failed", "error", err)
			}
		},
		Reauth: s.deps.OnReauth,
	})
}

func title(message string) string {
	if utf8.RuneCountInString(message) <= titleMaxRunes {
		return message
	}
	runes := []rune(message)
	return string(runes[:titleMaxRunes]) + "…"
}
