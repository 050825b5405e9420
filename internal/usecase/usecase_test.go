package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"agent-webapp/internal/domain"
)

// --- Mocks ---

func newTestLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var errStreamClosed = errors.New("stream closed")

// mockStream replays chunks, then either ends with io.EOF or, when hold is
// set, blocks until closed.
type mockStream struct {
	mu     sync.Mutex
	chunks []domain.StreamChunk
	err    error // returned after chunks instead of io.EOF
	hold   bool
	idx    int

	closeOnce sync.Once
	closed    chan struct{}
}

func newMockStream(chunks ...domain.StreamChunk) *mockStream {
	return &mockStream{chunks: chunks, closed: make(chan struct{})}
}

func (s *mockStream) Recv() (domain.StreamChunk, error) {
	s.mu.Lock()
	if s.idx < len(s.chunks) {
		c := s.chunks[s.idx]
		s.idx++
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	select {
	case <-s.closed:
		return domain.StreamChunk{}, errStreamClosed
	default:
	}
	if s.err != nil {
		return domain.StreamChunk{}, s.err
	}
	if s.hold {
		<-s.closed
		return domain.StreamChunk{}, errStreamClosed
	}
	return domain.StreamChunk{}, io.EOF
}

func (s *mockStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *mockStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// mockTransport hands out queued streams and records decisions.
type mockTransport struct {
	mu            sync.Mutex
	streams       []*mockStream
	continuations []*mockStream
	streamErrs    []error
	continueErr   error
	streamCalls   int
	decisions     []domain.ApprovalDecision
}

func (t *mockTransport) Stream(_ context.Context, _ domain.ChatRequest) (domain.ChunkStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streamCalls++
	if len(t.streamErrs) > 0 {
		err := t.streamErrs[0]
		if len(t.streamErrs) > 1 {
			t.streamErrs = t.streamErrs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	if len(t.streams) == 0 {
		return newMockStream(), nil
	}
	s := t.streams[0]
	t.streams = t.streams[1:]
	return s, nil
}

func (t *mockTransport) Continue(_ context.Context, d domain.ApprovalDecision) (domain.ChunkStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.continueErr != nil {
		return nil, t.continueErr
	}
	t.decisions = append(t.decisions, d)
	if len(t.continuations) == 0 {
		return nil, nil
	}
	s := t.continuations[0]
	t.continuations = t.continuations[1:]
	return s, nil
}

func (t *mockTransport) recorded() []domain.ApprovalDecision {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.ApprovalDecision(nil), t.decisions...)
}

func (t *mockTransport) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamCalls
}

// mockStore is an in-memory ConversationStore.
type mockStore struct {
	mu       sync.Mutex
	convs    []domain.ConversationInfo
	messages map[string][]domain.MessageInfo
}

func newMockStore() *mockStore {
	return &mockStore{messages: make(map[string][]domain.MessageInfo)}
}

func (s *mockStore) Create(_ context.Context, title string, md map[string]string) (*domain.ConversationInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := domain.ConversationInfo{ID: domain.NewID(), Title: title, CreatedAt: time.Now(), Metadata: md}
	s.convs = append(s.convs, c)
	return &c, nil
}

func (s *mockStore) List(context.Context) ([]domain.ConversationInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ConversationInfo(nil), s.convs...), nil
}

func (s *mockStore) Append(_ context.Context, id string, msg domain.MessageInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = append(s.messages[id], msg)
	return nil
}

func (s *mockStore) Messages(_ context.Context, id string) ([]domain.MessageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MessageInfo(nil), s.messages[id]...), nil
}

// mockBus records published events synchronously.
type mockBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *mockBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *mockBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *mockBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *mockBus) Close()                                                 {}

func (b *mockBus) count(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// mockSender records decisions for the approval gate.
type mockSender struct {
	mu        sync.Mutex
	decisions []domain.ApprovalDecision
	err       error
}

func (s *mockSender) SendDecision(_ context.Context, d domain.ApprovalDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.decisions = append(s.decisions, d)
	return nil
}

// mockResumer records ResumeApproval calls.
type mockResumer struct {
	mu    sync.Mutex
	calls map[string]bool
	err   error
}

func (r *mockResumer) ResumeApproval(id string, approved bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]bool)
	}
	r.calls[id] = approved
	return r.err
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		RetryOn:      []domain.ErrorCode{domain.CodeNetwork},
	}
}
