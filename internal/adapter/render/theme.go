// Package render draws streamed chat messages, citation lists, approval
// prompts, and errors on a terminal for the ask command.
//
// NO_COLOR is respected by lipgloss through its color profile detection.
package render

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	colorBorder  = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}
)

var (
	styleBold    = lipgloss.NewStyle().Bold(true)
	styleDim     = lipgloss.NewStyle().Faint(true)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	styleInfo    = lipgloss.NewStyle().Foreground(colorInfo)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)
)

// Symbols holds the glyphs used in terminal output.
type Symbols struct {
	Success  string
	Error    string
	Warning  string
	Bullet   string
	ArrowR   string
	Ellipsis string
}

var unicodeSymbols = Symbols{
	Success:  "\u2713", // ✓
	Error:    "\u2717", // ✗
	Warning:  "\u26A0", // ⚠
	Bullet:   "\u2022", // •
	ArrowR:   "\u2192", // →
	Ellipsis: "\u2026", // …
}

var asciiSymbols = Symbols{
	Success:  "[OK]",
	Error:    "[ERR]",
	Warning:  "[!]",
	Bullet:   "*",
	ArrowR:   "->",
	Ellipsis: "...",
}

// DetectSymbols picks Unicode glyphs when the locale looks UTF-8.
// AGENTWEB_ASCII_SYMBOLS=1 forces ASCII.
func DetectSymbols() Symbols {
	if v := os.Getenv("AGENTWEB_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return asciiSymbols
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return unicodeSymbols
		}
	}
	return asciiSymbols
}
