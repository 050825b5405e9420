package render

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"

	"agent-webapp/internal/domain"
	"agent-webapp/internal/infra/config"
)

const defaultWordWrap = 80

// Terminal writes chat output to a terminal. Safe for concurrent use.
type Terminal struct {
	mu       sync.Mutex
	w        io.Writer
	md       *glamour.TermRenderer
	symbols  Symbols
	progress bool
	shown    bool // a progress line is on screen
}

// Option configures a Terminal.
type Option func(*Terminal)

// WithSymbols overrides the detected symbol set.
func WithSymbols(s Symbols) Option {
	return func(t *Terminal) { t.symbols = s }
}

// WithProgress enables the in-place progress line while a message streams.
// Only useful when w is an interactive terminal.
func WithProgress(enabled bool) Option {
	return func(t *Terminal) { t.progress = enabled }
}

// NewTerminal creates a Terminal writing to w.
func NewTerminal(w io.Writer, cfg config.RenderConfig, opts ...Option) (*Terminal, error) {
	wrap := cfg.WordWrap
	if wrap <= 0 {
		wrap = defaultWordWrap
	}

	styleOpt := glamour.WithAutoStyle()
	if cfg.Style != "" && cfg.Style != "auto" {
		styleOpt = glamour.WithStandardStyle(cfg.Style)
	}
	md, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(wrap))
	if err != nil {
		return nil, fmt.Errorf("markdown renderer: %w", err)
	}

	t := &Terminal{w: w, md: md, symbols: DetectSymbols()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Progress shows how much of a streaming message has arrived. It is a no-op
// unless progress output is enabled.
func (t *Terminal) Progress(snap domain.Snapshot) {
	if !t.progress || snap.State.Terminal() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var status string
	switch snap.State {
	case domain.StateAwaitingApproval:
		status = "waiting for approval"
	default:
		status = fmt.Sprintf("receiving%s %d chars", t.symbols.Ellipsis, len([]rune(snap.AccumulatedText)))
	}
	fmt.Fprint(t.w, "\r\033[K"+styleDim.Render(status))
	t.shown = true
}

func (t *Terminal) clearProgressLocked() {
	if t.shown {
		fmt.Fprint(t.w, "\r\033[K")
		t.shown = false
	}
}

// Message renders a finished message: its markdown body with [N] markers,
// the numbered source list, and a status footer. Failed messages show any
// partial text followed by the error.
func (t *Terminal) Message(snap domain.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearProgressLocked()

	if body := strings.TrimSpace(snap.ParsedContent.ProcessedText); body != "" {
		fmt.Fprint(t.w, t.markdown(body))
	}
	if len(snap.ParsedContent.Citations) > 0 {
		t.citationsLocked(snap.ParsedContent.Citations)
	}

	switch snap.State {
	case domain.StateCompleted:
		fmt.Fprintln(t.w, styleSuccess.Render(t.symbols.Success)+" "+
			styleMuted.Render("completed in "+snap.Duration.Round(10*time.Millisecond).String()))
	case domain.StateCancelled:
		fmt.Fprintln(t.w, styleWarning.Render(t.symbols.Warning+" cancelled"))
	case domain.StateFailed:
		if snap.Error != nil {
			t.errorLocked(snap.Error)
		}
	}
}

func (t *Terminal) markdown(text string) string {
	out, err := t.md.Render(text)
	if err != nil {
		return text + "\n"
	}
	return out
}

func (t *Terminal) citationsLocked(citations []domain.IndexedCitation) {
	fmt.Fprintln(t.w, styleBold.Render("Sources"))
	for _, c := range citations {
		line := fmt.Sprintf("  [%d] %s", c.Index, citationLabel(c.Annotation))
		if ref := citationRef(c.Annotation); ref != "" {
			line += " " + styleInfo.Render(ref)
		}
		if c.Count > 1 {
			line += styleMuted.Render(fmt.Sprintf(" (cited %d times)", c.Count))
		}
		fmt.Fprintln(t.w, line)
	}
	fmt.Fprintln(t.w)
}

func citationLabel(a domain.Annotation) string {
	if a.Label != "" {
		return a.Label
	}
	switch a.Type {
	case domain.AnnotationURICitation:
		return "Web source"
	case domain.AnnotationFilePath:
		return "File"
	default:
		return "Document"
	}
}

func citationRef(a domain.Annotation) string {
	if a.URL != "" {
		return a.URL
	}
	if a.FileID != "" {
		return "(" + a.FileID + ")"
	}
	return ""
}

// ApprovalPrompt describes a pending tool call and asks for a decision.
func (t *Terminal) ApprovalPrompt(req domain.McpApprovalRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearProgressLocked()

	var b strings.Builder
	b.WriteString(styleWarning.Render(t.symbols.Warning+" Tool approval required") + "\n\n")
	b.WriteString(styleBold.Render("Tool:   ") + req.ToolName + "\n")
	if req.ServerLabel != "" {
		b.WriteString(styleBold.Render("Server: ") + req.ServerLabel + "\n")
	}
	if args := formatArguments(req); args != "" {
		b.WriteString(styleBold.Render("Arguments:") + "\n" + args)
	}
	fmt.Fprintln(t.w, styleBox.Render(strings.TrimRight(b.String(), "\n")))
	fmt.Fprint(t.w, "Approve this call? [y/N] ")
}

func formatArguments(req domain.McpApprovalRequest) string {
	args, err := req.ParsedArguments()
	if err != nil {
		return req.Arguments + "\n"
	}
	if len(args) == 0 {
		return ""
	}
	pretty, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return req.Arguments + "\n"
	}
	return string(pretty) + "\n"
}

// Confirm reads one answer line. Only y and yes approve.
func Confirm(r *bufio.Reader) (bool, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// Error renders err with its title, description, and recovery hint.
func (t *Terminal) Error(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearProgressLocked()

	appErr, ok := domain.AsAppError(err)
	if !ok {
		appErr = &domain.AppError{Code: domain.CodeUnknown, Message: err.Error()}
	}
	t.errorLocked(appErr)
}

func (t *Terminal) errorLocked(appErr *domain.AppError) {
	msg := domain.MessageFor(appErr.Code)
	// Classified messages already end with the hint; it gets its own line.
	desc := appErr.Message
	if msg.Hint != "" {
		desc = strings.TrimSpace(strings.TrimSuffix(desc, msg.Hint))
	}
	if desc == "" {
		desc = msg.Description
	}
	fmt.Fprintln(t.w, styleError.Render(t.symbols.Error+" "+msg.Title))
	fmt.Fprintln(t.w, "  "+desc)
	if msg.Hint != "" {
		fmt.Fprintln(t.w, styleDim.Render("  "+t.symbols.ArrowR+" "+msg.Hint))
	}
}
