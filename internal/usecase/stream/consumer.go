// Package stream accumulates the chunks of one streamed response into an
// in-progress message and drives its lifecycle:
//
//	Idle -> Streaming -> Completed | Cancelled | Failed
//	             \-> AwaitingApproval -/
//
// While an approval is pending, incoming chunks are buffered in arrival order
// and replayed once the decision is made. A second approval found in the
// buffer becomes pending in turn.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"agent-webapp/internal/domain"
	"agent-webapp/internal/usecase/citation"
)

// Source identifies one physical chunk stream attached to a Consumer. The
// zero Source is the stream the message started on.
type Source uint64

// Listener receives every snapshot in emission order. Listeners run without
// the consumer's lock held, so they may call State, Snapshot or Cancel.
// Snapshots raised from inside a listener are queued behind the current one.
type Listener func(domain.Snapshot)

// Option configures a Consumer.
type Option func(*Consumer)

// WithConversationID tags snapshots with the owning conversation.
func WithConversationID(id string) Option {
	return func(c *Consumer) { c.conversationID = id }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

// Consumer is the state machine for one message. It is safe for concurrent
// use; chunk delivery, approval resumption and cancellation may come from
// different goroutines.
type Consumer struct {
	messageID      string
	conversationID string
	gate           domain.ApprovalRegistrar
	logger         *slog.Logger
	now            func() time.Time

	mu          sync.Mutex
	state       domain.StreamState
	text        strings.Builder
	annotations []domain.Annotation
	cache       citation.Cache
	pending     *domain.McpApprovalRequest
	buffered    []domain.StreamChunk
	seenIDs     map[string]bool
	ended       bool
	appErr      *domain.AppError
	source      Source
	closers     []io.Closer
	startedAt   time.Time
	finishedAt  time.Time
	seq         uint64
	final       *domain.Snapshot
	done        chan struct{}

	// Snapshots wait in outbox until one goroutine at a time delivers them.
	outbox    []delivery
	draining  bool
	listeners map[int]Listener
	nextSub   int
}

type delivery struct {
	snapshot domain.Snapshot
	finished bool
}

// New creates a Consumer in the Idle state. gate receives approval requests
// surfaced by the stream and may be nil when approvals are not expected.
func New(messageID string, gate domain.ApprovalRegistrar, logger *slog.Logger, opts ...Option) *Consumer {
	c := &Consumer{
		messageID: messageID,
		gate:      gate,
		logger:    logger,
		now:       time.Now,
		state:     domain.StateIdle,
		seenIDs:   make(map[string]bool),
		done:      make(chan struct{}),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// effects are side effects collected under mu and run after it is released.
type effects struct {
	snapshot *domain.Snapshot
	close    []io.Closer
	register *domain.McpApprovalRequest
	discard  string
	finished bool
}

// MessageID returns the id of the message being streamed.
func (c *Consumer) MessageID() string { return c.messageID }

// State returns the current lifecycle state.
func (c *Consumer) State() domain.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the consumer reaches a terminal state.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// Snapshot returns the current view of the message without emitting it.
func (c *Consumer) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.final != nil {
		return *c.final
	}
	return c.snapshotLocked()
}

// Wait blocks until the consumer is terminal and returns the final snapshot.
func (c *Consumer) Wait(ctx context.Context) (domain.Snapshot, error) {
	select {
	case <-c.done:
		return c.Snapshot(), nil
	case <-ctx.Done():
		return domain.Snapshot{}, ctx.Err()
	}
}

// Subscribe registers fn for every subsequent snapshot and returns a function
// that removes it.
func (c *Consumer) Subscribe(fn Listener) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Attach makes closer the current source and returns its id. It is called
// when an approval continuation opens a new stream. Every attached closer is
// closed when the consumer becomes terminal; attaching to a terminal consumer
// closes closer immediately.
func (c *Consumer) Attach(closer io.Closer) Source {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		if closer != nil {
			_ = closer.Close()
		}
		return c.source
	}
	c.source++
	c.ended = false
	if closer != nil {
		c.closers = append(c.closers, closer)
	}
	src := c.source
	c.mu.Unlock()
	return src
}

// Apply feeds one chunk into the state machine. Chunks are rejected with
// ErrStreamTerminal once the message is terminal. A malformed chunk fails the
// stream with a STREAM error and the validation error is returned.
func (c *Consumer) Apply(ctx context.Context, chunk domain.StreamChunk) error {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return domain.NewDomainError("Consumer.Apply", domain.ErrStreamTerminal, c.messageID)
	}

	var fx effects
	if err := chunk.Validate(); err != nil {
		fx = c.failLocked(streamError(err))
		c.commit(ctx, fx)
		return err
	}

	if c.state == domain.StateAwaitingApproval {
		c.buffered = append(c.buffered, chunk)
		c.mu.Unlock()
		return nil
	}

	if c.state == domain.StateIdle {
		c.state = domain.StateStreaming
		c.startedAt = c.now()
	}
	fx = c.applyLocked(chunk)
	if fx.snapshot == nil {
		fx.snapshot = c.emitLocked()
	}
	c.commit(ctx, fx)
	return nil
}

// applyLocked processes one valid chunk while Streaming.
func (c *Consumer) applyLocked(chunk domain.StreamChunk) effects {
	switch chunk.Kind() {
	case domain.ChunkText:
		c.text.WriteString(*chunk.TextDelta)
	case domain.ChunkAnnotations:
		c.annotations = append(c.annotations, chunk.Annotations...)
	case domain.ChunkApproval:
		req := *chunk.McpApprovalRequest
		if c.seenIDs[req.ID] {
			return c.failLocked(streamError(domain.NewDomainError(
				"Consumer.Apply", domain.ErrDuplicateRequest, req.ID)))
		}
		c.seenIDs[req.ID] = true
		c.pending = &req
		c.state = domain.StateAwaitingApproval
		c.logger.Debug("stream awaiting approval",
			"message_id", c.messageID, "request_id", req.ID, "tool", req.ToolName)
		return effects{register: &req}
	}
	return effects{}
}

// Complete signals end-of-stream on the current source.
func (c *Consumer) Complete(ctx context.Context) error {
	c.mu.Lock()
	src := c.source
	c.mu.Unlock()
	return c.CompleteFrom(ctx, src)
}

// CompleteFrom signals end-of-stream on src. An end reported by a source that
// has been superseded by Attach is ignored. While an approval is pending the
// completion is deferred until every approval has been resolved.
func (c *Consumer) CompleteFrom(ctx context.Context, src Source) error {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return domain.NewDomainError("Consumer.Complete", domain.ErrStreamTerminal, c.messageID)
	}
	if src != c.source {
		c.mu.Unlock()
		return nil
	}
	if c.state == domain.StateAwaitingApproval {
		c.ended = true
		c.mu.Unlock()
		return nil
	}
	fx := c.finishLocked(domain.StateCompleted)
	c.commit(ctx, fx)
	return nil
}

// Fail moves the message to Failed with appErr.
func (c *Consumer) Fail(ctx context.Context, appErr *domain.AppError) error {
	c.mu.Lock()
	src := c.source
	c.mu.Unlock()
	return c.FailFrom(ctx, src, appErr)
}

// FailFrom fails the message on behalf of src. Failures reported by a
// superseded source are ignored.
func (c *Consumer) FailFrom(ctx context.Context, src Source, appErr *domain.AppError) error {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return domain.NewDomainError("Consumer.Fail", domain.ErrStreamTerminal, c.messageID)
	}
	if src != c.source {
		c.mu.Unlock()
		return nil
	}
	fx := c.failLocked(appErr)
	c.commit(ctx, fx)
	return nil
}

// Cancel stops the message. Accumulated text is kept in the final snapshot;
// pending and buffered state is dropped and every attached source is closed
// before Cancel returns. Cancel reports false if the message was already
// terminal.
func (c *Consumer) Cancel(ctx context.Context) bool {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	fx := c.finishLocked(domain.StateCancelled)
	c.commit(ctx, fx)
	return true
}

// ResumeApproval implements domain.ApprovalResumer. It leaves
// AwaitingApproval and replays buffered chunks until the next approval
// request or the end of the buffer.
func (c *Consumer) ResumeApproval(requestID string, approved bool) error {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return domain.NewDomainError("Consumer.ResumeApproval", domain.ErrStreamTerminal, requestID)
	}
	if c.state != domain.StateAwaitingApproval || c.pending == nil || c.pending.ID != requestID {
		c.mu.Unlock()
		return domain.NewDomainError("Consumer.ResumeApproval", domain.ErrUnknownRequest, requestID)
	}

	c.logger.Debug("approval resolved",
		"message_id", c.messageID, "request_id", requestID, "approved", approved)
	c.pending = nil
	c.state = domain.StateStreaming

	var fx effects
	for len(c.buffered) > 0 && c.state == domain.StateStreaming {
		next := c.buffered[0]
		c.buffered = c.buffered[1:]
		fx = c.applyLocked(next)
	}
	if len(c.buffered) == 0 {
		c.buffered = nil
	}
	switch {
	case c.state.Terminal():
	case c.state == domain.StateStreaming && c.ended:
		fx = c.finishLocked(domain.StateCompleted)
	default:
		fx.snapshot = c.emitLocked()
	}
	c.commit(context.Background(), fx)
	return nil
}

// failLocked transitions to Failed.
func (c *Consumer) failLocked(appErr *domain.AppError) effects {
	c.appErr = appErr
	c.logger.Warn("stream failed",
		"message_id", c.messageID, "code", string(appErr.Code), "error", appErr.Error())
	return c.finishLocked(domain.StateFailed)
}

// finishLocked enters a terminal state, freezes the final snapshot and
// releases working state.
func (c *Consumer) finishLocked(state domain.StreamState) effects {
	fx := effects{close: c.closers, finished: true}
	if c.pending != nil {
		fx.discard = c.pending.ID
	}
	if c.startedAt.IsZero() {
		c.startedAt = c.now()
	}
	c.finishedAt = c.now()
	c.state = state
	c.pending = nil
	c.buffered = nil
	c.closers = nil

	fx.snapshot = c.emitLocked()
	final := *fx.snapshot
	c.final = &final

	c.text.Reset()
	c.annotations = nil
	c.cache.Reset()

	c.logger.Debug("stream finished",
		"message_id", c.messageID, "state", string(state), "duration", c.finishedAt.Sub(c.startedAt))
	return fx
}

// emitLocked builds the next snapshot in sequence.
func (c *Consumer) emitLocked() *domain.Snapshot {
	c.seq++
	s := c.snapshotLocked()
	return &s
}

func (c *Consumer) snapshotLocked() domain.Snapshot {
	text := c.text.String()
	s := domain.Snapshot{
		MessageID:       c.messageID,
		ConversationID:  c.conversationID,
		Seq:             c.seq,
		State:           c.state,
		AccumulatedText: text,
		ParsedContent:   c.cache.Resolve(text, c.annotations),
		Annotations:     slices.Clone(c.annotations),
		Error:           c.appErr,
		StartedAt:       c.startedAt,
	}
	if c.pending != nil {
		p := *c.pending
		s.PendingApproval = &p
	}
	if c.state.Terminal() {
		s.Duration = c.finishedAt.Sub(c.startedAt)
	}
	return s
}

// commit releases mu and executes fx. Snapshots are queued under mu so they
// are delivered in Seq order. Sources are closed before the terminal
// snapshot is queued, and Done is closed once it has been delivered.
func (c *Consumer) commit(ctx context.Context, fx effects) {
	if fx.snapshot != nil && !fx.finished {
		c.outbox = append(c.outbox, delivery{snapshot: *fx.snapshot})
	}
	c.mu.Unlock()

	for _, cl := range fx.close {
		if err := cl.Close(); err != nil {
			c.logger.Debug("close stream source", "message_id", c.messageID, "error", err)
		}
	}
	if fx.discard != "" && c.gate != nil {
		c.gate.Discard(fx.discard)
	}

	c.mu.Lock()
	if fx.finished {
		c.outbox = append(c.outbox, delivery{snapshot: *fx.snapshot, finished: true})
	}
	drain := !c.draining && len(c.outbox) > 0
	if drain {
		c.draining = true
	}
	c.mu.Unlock()

	if drain {
		c.deliver()
	}
	if fx.register != nil {
		c.register(ctx, *fx.register)
	}
}

// deliver empties the outbox. Only the goroutine that set draining runs it.
func (c *Consumer) deliver() {
	for {
		c.mu.Lock()
		batch := c.outbox
		c.outbox = nil
		if len(batch) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		listeners := make([]Listener, 0, len(c.listeners))
		for _, id := range slices.Sorted(maps.Keys(c.listeners)) {
			listeners = append(listeners, c.listeners[id])
		}
		c.mu.Unlock()

		for _, d := range batch {
			for _, fn := range listeners {
				fn(d.snapshot)
			}
			if d.finished {
				close(c.done)
			}
		}
	}
}

// register hands an approval request to the gate. A request the gate refuses
// fails the stream.
func (c *Consumer) register(ctx context.Context, req domain.McpApprovalRequest) {
	if c.gate == nil {
		c.logger.Warn("approval requested without a gate", "message_id", c.messageID, "request_id", req.ID)
		return
	}
	if req.PreviousResponseID == "" {
		c.logger.Debug("approval request has no previous response id", "request_id", req.ID)
	}
	if err := c.gate.Register(ctx, req, c); err != nil {
		if errors.Is(err, domain.ErrStreamTerminal) {
			return
		}
		_ = c.Fail(ctx, streamError(fmt.Errorf("register approval %s: %w", req.ID, err)))
	}
}

// streamError wraps a chunk-level failure as a STREAM AppError.
func streamError(err error) *domain.AppError {
	return &domain.AppError{
		Code:          domain.CodeStream,
		Message:       domain.UserMessage(domain.CodeStream, true),
		Recoverable:   domain.Recoverable(domain.CodeStream),
		OriginalError: err,
	}
}
