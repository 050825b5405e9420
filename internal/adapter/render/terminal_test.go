package render

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"agent-webapp/internal/domain"
	"agent-webapp/internal/infra/config"
)

func newTestTerminal(t *testing.T, progress bool) (*Terminal, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	term, err := NewTerminal(&buf, config.RenderConfig{Style: "notty", WordWrap: 100},
		WithSymbols(asciiSymbols), WithProgress(progress))
	if err != nil {
		t.Fatalf("NewTerminal: %v", err)
	}
	return term, &buf
}

func TestTerminalMessageWithCitations(t *testing.T) {
	term, buf := newTestTerminal(t, false)
	term.Message(domain.Snapshot{
		State: domain.StateCompleted,
		ParsedContent: domain.ParsedContent{
			ProcessedText: "Paris is the capital [1] and largest city [2][1].",
			Citations: []domain.IndexedCitation{
				{Index: 1, Count: 2, Annotation: domain.Annotation{Type: domain.AnnotationURICitation, Label: "Wikipedia", URL: "https://en.wikipedia.org/wiki/Paris"}},
				{Index: 2, Count: 1, Annotation: domain.Annotation{Type: domain.AnnotationFileCitation, FileID: "file-42"}},
			},
		},
		Duration: 1500 * time.Millisecond,
	})

	out := buf.String()
	for _, want := range []string{
		"Paris is the capital [1]",
		"Sources",
		"[1] Wikipedia https://en.wikipedia.org/wiki/Paris (cited 2 times)",
		"[2] Document (file-42)",
		"[OK] completed in 1.5s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTerminalMessageStates(t *testing.T) {
	tests := []struct {
		name string
		snap domain.Snapshot
		want []string
	}{
		{
			name: "cancelled",
			snap: domain.Snapshot{State: domain.StateCancelled, ParsedContent: domain.ParsedContent{ProcessedText: "partial"}},
			want: []string{"partial", "[!] cancelled"},
		},
		{
			name: "failed",
			snap: domain.Snapshot{State: domain.StateFailed, Error: &domain.AppError{Code: domain.CodeNetwork}},
			want: []string{"[ERR] " + domain.MessageFor(domain.CodeNetwork).Title, domain.MessageFor(domain.CodeNetwork).Description, domain.MessageFor(domain.CodeNetwork).Hint},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			term, buf := newTestTerminal(t, false)
			term.Message(tt.snap)
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
			if strings.Contains(buf.String(), "Sources") {
				t.Error("no source list expected without citations")
			}
		})
	}
}

func TestTerminalProgress(t *testing.T) {
	term, buf := newTestTerminal(t, true)
	term.Progress(domain.Snapshot{State: domain.StateStreaming, AccumulatedText: "héllo"})
	if !strings.Contains(buf.String(), "receiving... 5 chars") {
		t.Errorf("progress = %q", buf.String())
	}

	buf.Reset()
	term.Message(domain.Snapshot{State: domain.StateCompleted})
	if !strings.HasPrefix(buf.String(), "\r\033[K") {
		t.Errorf("progress line not cleared: %q", buf.String())
	}

	quiet, qbuf := newTestTerminal(t, false)
	quiet.Progress(domain.Snapshot{State: domain.StateStreaming, AccumulatedText: "x"})
	if qbuf.Len() != 0 {
		t.Errorf("progress disabled but wrote %q", qbuf.String())
	}
}

func TestTerminalApprovalPrompt(t *testing.T) {
	term, buf := newTestTerminal(t, false)
	term.ApprovalPrompt(domain.McpApprovalRequest{
		ID:          "a1",
		ToolName:    "search_docs",
		ServerLabel: "knowledge-base",
		Arguments:   `{"query":"quarterly revenue"}`,
	})
	out := buf.String()
	for _, want := range []string{"Tool approval required", "search_docs", "knowledge-base", `"query": "quarterly revenue"`, "[y/N]"} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q:\n%s", want, out)
		}
	}
}

func TestTerminalApprovalPromptRawArguments(t *testing.T) {
	term, buf := newTestTerminal(t, false)
	term.ApprovalPrompt(domain.McpApprovalRequest{ID: "a1", ToolName: "run", Arguments: "not json"})
	if !strings.Contains(buf.String(), "not json") {
		t.Errorf("raw arguments not shown:\n%s", buf.String())
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes ", true},
		{"n\n", false},
		{"\n", false},
		{"sure\n", false},
	}
	for _, tt := range tests {
		got, err := Confirm(bufio.NewReader(strings.NewReader(tt.input)))
		if err != nil {
			t.Errorf("Confirm(%q): %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("Confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}

	if _, err := Confirm(bufio.NewReader(strings.NewReader(""))); err == nil {
		t.Error("expected error on empty input")
	}
}

func TestTerminalError(t *testing.T) {
	term, buf := newTestTerminal(t, false)
	term.Error(&domain.AppError{Code: domain.CodeAuth, Message: "Your session has expired."})
	if !strings.Contains(buf.String(), "Your session has expired.") {
		t.Errorf("missing message:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), domain.MessageFor(domain.CodeAuth).Title) {
		t.Errorf("missing title:\n%s", buf.String())
	}

	buf.Reset()
	term.Error(errors.New("something odd"))
	if !strings.Contains(buf.String(), "something odd") || !strings.Contains(buf.String(), domain.MessageFor(domain.CodeUnknown).Title) {
		t.Errorf("plain error:\n%s", buf.String())
	}
}

func TestTerminalErrorHintOnce(t *testing.T) {
	term, buf := newTestTerminal(t, false)
	hint := domain.MessageFor(domain.CodeNetwork).Hint
	term.Error(&domain.AppError{Code: domain.CodeNetwork, Message: domain.UserMessage(domain.CodeNetwork, true), Recoverable: true})

	out := buf.String()
	if n := strings.Count(out, hint); n != 1 {
		t.Errorf("hint printed %d times:\n%s", n, out)
	}
	if !strings.Contains(out, domain.MessageFor(domain.CodeNetwork).Description) {
		t.Errorf("missing description:\n%s", out)
	}
}
