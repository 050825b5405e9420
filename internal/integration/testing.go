package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"agent-webapp/internal/domain"
)

const (
	StreamPath   = "/api/chat/stream"
	ApprovalPath = "/api/chat/approval"
)

// Config holds integration test configuration from environment
type Config struct {
	BackendURL   string
	BackendToken string
	TestTimeout  time.Duration
	SkipSlow     bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		BackendURL:   os.Getenv("AGENTWEB_IT_BACKEND_URL"),
		BackendToken: os.Getenv("AGENTWEB_IT_BACKEND_TOKEN"),
		TestTimeout:  60 * time.Second,
		SkipSlow:     os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoBackend skips the test unless a live agent backend is configured.
func SkipIfNoBackend(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.BackendURL == "" {
		t.Skip("Skipping live backend test: AGENTWEB_IT_BACKEND_URL not set")
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Reply is one scripted backend response: SSE chunks, or an HTTP status
// with a body when Status is set.
type Reply struct {
	Chunks []domain.StreamChunk
	Status int
	Body   string
}

// FakeBackend is an agent backend speaking the SSE chat protocol. Stream
// and approval calls consume their scripted replies in order; an exhausted
// script answers 500.
type FakeBackend struct {
	URL   string
	Token string

	mu            sync.Mutex
	streams       []Reply
	continuations []Reply
	requests      []domain.ChatRequest
	decisions     []domain.ApprovalDecision
	srv           *httptest.Server
}

// NewFakeBackend starts a backend requiring token (empty = no auth).
func NewFakeBackend(t *testing.T, token string) *FakeBackend {
	t.Helper()
	b := &FakeBackend{Token: token}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+StreamPath, b.handleStream)
	mux.HandleFunc("POST "+ApprovalPath, b.handleApproval)
	b.srv = httptest.NewServer(mux)
	b.URL = b.srv.URL
	t.Cleanup(b.srv.Close)
	return b
}

// QueueStream scripts the next response to a chat request.
func (b *FakeBackend) QueueStream(r Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams = append(b.streams, r)
}

// QueueContinuation scripts the next response to an approval decision.
func (b *FakeBackend) QueueContinuation(r Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.continuations = append(b.continuations, r)
}

// Requests returns the chat requests received so far.
func (b *FakeBackend) Requests() []domain.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.ChatRequest(nil), b.requests...)
}

// Decisions returns the approval decisions received so far.
func (b *FakeBackend) Decisions() []domain.ApprovalDecision {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.ApprovalDecision(nil), b.decisions...)
}

func (b *FakeBackend) authorized(w http.ResponseWriter, r *http.Request) bool {
	if b.Token == "" || r.Header.Get("Authorization") == "Bearer "+b.Token {
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprint(w, `{"title":"Unauthorized","detail":"token expired"}`)
	return false
}

func (b *FakeBackend) handleStream(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(w, r) {
		return
	}
	var req domain.ChatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	b.requests = append(b.requests, req)
	reply, ok := pop(&b.streams)
	b.mu.Unlock()
	writeReply(w, reply, ok)
}

func (b *FakeBackend) handleApproval(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(w, r) {
		return
	}
	var decision domain.ApprovalDecision
	_ = json.NewDecoder(r.Body).Decode(&decision)

	b.mu.Lock()
	b.decisions = append(b.decisions, decision)
	reply, ok := pop(&b.continuations)
	b.mu.Unlock()
	writeReply(w, reply, ok)
}

func pop(q *[]Reply) (Reply, bool) {
	if len(*q) == 0 {
		return Reply{}, false
	}
	r := (*q)[0]
	*q = (*q)[1:]
	return r, true
}

func writeReply(w http.ResponseWriter, reply Reply, ok bool) {
	if !ok {
		http.Error(w, `{"error":"no scripted reply"}`, http.StatusInternalServerError)
		return
	}
	if reply.Status != 0 {
		w.WriteHeader(reply.Status)
		fmt.Fprint(w, reply.Body)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, c := range reply.Chunks {
		data, _ := json.Marshal(c)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}
