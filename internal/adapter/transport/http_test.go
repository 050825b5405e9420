package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"agent-webapp/internal/domain"
	"agent-webapp/internal/infra/config"
)

func testTransportConfig(baseURL string) config.TransportConfig {
	return config.TransportConfig{
		BaseURL:        baseURL,
		StreamPath:     "/api/chat/stream",
		ApprovalPath:   "/api/chat/approval",
		ConnTimeout:    2 * time.Second,
		RespTimeout:    5 * time.Second,
		ValidateChunks: true,
	}
}

func newTestTransport(t *testing.T, baseURL string, tokens domain.TokenSource) *HTTPTransport {
	t.Helper()
	tr, err := NewHTTPTransport(testTransportConfig(baseURL), tokens, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}
	return tr
}

func writeSSE(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, l := range lines {
		fmt.Fprintf(w, "data: %s\n\n", l)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func TestHTTPTransportStream(t *testing.T) {
	var gotAuth, gotAccept string
	var gotReq domain.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/stream" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		writeSSE(w, `{"textDelta":"Hello"}`, `{"textDelta":" world"}`, "[DONE]")
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL+"/", domain.StaticToken("tok-123"))
	cs, err := tr.Stream(context.Background(), domain.ChatRequest{ConversationID: "c1", Message: "hi"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer cs.Close()

	var text strings.Builder
	for {
		c, err := cs.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		text.WriteString(*c.TextDelta)
	}

	if text.String() != "Hello world" {
		t.Errorf("text = %q", text.String())
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAccept != "text/event-stream" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotReq.ConversationID != "c1" || gotReq.Message != "hi" {
		t.Errorf("request body = %+v", gotReq)
	}
}

func TestHTTPTransportStatusError(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantDetail string
	}{
		{"problem detail", http.StatusUnauthorized, `{"title":"Unauthorized","detail":"token expired"}`, "token expired"},
		{"error string", http.StatusBadGateway, `{"error":"upstream agent unavailable"}`, "upstream agent unavailable"},
		{"plain text", http.StatusInternalServerError, "boom", domain.UserMessage(domain.CodeServer, false)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			tr := newTestTransport(t, srv.URL, nil)
			_, err := tr.Stream(context.Background(), domain.ChatRequest{Message: "hi"})
			var statusErr *domain.StatusError
			if !errors.As(err, &statusErr) {
				t.Fatalf("expected StatusError, got %v", err)
			}
			if statusErr.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", statusErr.StatusCode, tt.status)
			}
			if statusErr.Detail != tt.wantDetail {
				t.Errorf("detail = %q, want %q", statusErr.Detail, tt.wantDetail)
			}
		})
	}
}

func TestHTTPTransportNoAuthHeaderWithoutTokens(t *testing.T) {
	var hadAuth atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hadAuth.Store(r.Header.Get("Authorization") != "")
		writeSSE(w, "[DONE]")
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, nil)
	cs, err := tr.Stream(context.Background(), domain.ChatRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	cs.Close()
	if hadAuth.Load() {
		t.Error("no Authorization header expected without a token source")
	}
}

func TestHTTPTransportTokenError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, domain.StaticToken(""))
	_, err := tr.Stream(context.Background(), domain.ChatRequest{Message: "hi"})
	if !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("expected ErrAuthInvalid, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("request must not be sent without a token")
	}
}

func TestHTTPTransportContinue(t *testing.T) {
	t.Run("no content keeps original stream", func(t *testing.T) {
		var got domain.ApprovalDecision
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/chat/approval" {
				http.NotFound(w, r)
				return
			}
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		tr := newTestTransport(t, srv.URL, nil)
		cs, err := tr.Continue(context.Background(), domain.ApprovalDecision{RequestID: "a1", Approved: true})
		if err != nil {
			t.Fatalf("Continue: %v", err)
		}
		if cs != nil {
			t.Error("expected nil continuation for 204")
		}
		if got.RequestID != "a1" || !got.Approved {
			t.Errorf("decision body = %+v", got)
		}
	})

	t.Run("continuation stream", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeSSE(w, `{"textDelta":"tool result"}`, "[DONE]")
		}))
		defer srv.Close()

		tr := newTestTransport(t, srv.URL, nil)
		cs, err := tr.Continue(context.Background(), domain.ApprovalDecision{RequestID: "a1", Approved: false})
		if err != nil {
			t.Fatalf("Continue: %v", err)
		}
		defer cs.Close()
		c, err := cs.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if *c.TextDelta != "tool result" {
			t.Errorf("delta = %q", *c.TextDelta)
		}
	})
}

func TestHTTPTransportStreamNoContentIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, nil)
	_, err := tr.Stream(context.Background(), domain.ChatRequest{Message: "hi"})
	if !errors.Is(err, domain.ErrMalformedChunk) {
		t.Errorf("expected ErrMalformedChunk, got %v", err)
	}
}

func TestHTTPTransportNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr := newTestTransport(t, url, nil)
	_, err := tr.Stream(context.Background(), domain.ChatRequest{Message: "hi"})
	if !errors.Is(err, domain.ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}

func TestHTTPTransportCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := tr.Stream(ctx, domain.ChatRequest{Message: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, domain.ErrNetwork) {
		t.Error("cancellation must not be reported as a network failure")
	}
}

func TestHTTPTransportRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, "[DONE]")
	}))
	defer srv.Close()

	cfg := testTransportConfig(srv.URL)
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}
	tr, err := NewHTTPTransport(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}

	cs, err := tr.Stream(context.Background(), domain.ChatRequest{Message: "first"})
	if err != nil {
		t.Fatalf("first Stream: %v", err)
	}
	cs.Close()

	// The bucket is empty; the next call cannot wait past its deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := tr.Stream(ctx, domain.ChatRequest{Message: "second"}); err == nil {
		t.Error("expected rate limit error")
	}
}
