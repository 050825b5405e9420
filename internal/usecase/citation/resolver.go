// Package citation turns provider citation placeholders into numbered
// markers and a deduplicated citation list.
//
// Two placeholder syntaxes are recognised:
//
//	【4:0†source】  assistants / responses API
//	[doc1]         on-your-data
//
// Resolve is pure: the same content and annotations always produce the same
// ParsedContent, so results can be cached per message.
package citation

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"agent-webapp/internal/domain"
)

var (
	assistantsPattern = regexp.MustCompile(`【(\d+(?::\d+)?)†([^】]+)】`)
	onYourDataPattern = regexp.MustCompile(`\[doc(\d+)\]`)
)

// table assigns indices and counts references within one resolution.
type table struct {
	byKey     map[string]*domain.IndexedCitation
	citations []*domain.IndexedCitation
}

func newTable() *table {
	return &table{byKey: make(map[string]*domain.IndexedCitation)}
}

// cite returns the index for a, creating the citation on first sight and
// adding n references.
func (t *table) cite(a domain.Annotation, n int) int {
	key := a.Key()
	if c, ok := t.byKey[key]; ok {
		c.Count += n
		return c.Index
	}
	c := t.add(a, n)
	t.byKey[key] = c
	return c.Index
}

// synthesize creates an unkeyed citation that is never reused.
func (t *table) synthesize(label string) int {
	return t.add(domain.Annotation{Type: domain.AnnotationFileCitation, Label: label}, 1).Index
}

func (t *table) add(a domain.Annotation, n int) *domain.IndexedCitation {
	c := &domain.IndexedCitation{Index: len(t.citations) + 1, Annotation: a, Count: n}
	t.citations = append(t.citations, c)
	return c
}

func (t *table) sorted() []domain.IndexedCitation {
	out := make([]domain.IndexedCitation, len(t.citations))
	for i, c := range t.citations {
		out[i] = *c
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func marker(index int) string { return "[" + strconv.Itoa(index) + "]" }

// Resolve replaces citation placeholders in content with [N] markers.
//
// Explicit placeholders (Annotation.TextToReplace) are numbered first, in
// annotation order. Remaining bracket placeholders are then matched against
// the annotations by label, by placeholder, and finally by start offset. A
// placeholder that matches nothing gets a synthesized file citation so no
// marker is left dangling.
func Resolve(content string, annotations []domain.Annotation) domain.ParsedContent {
	if content == "" || len(annotations) == 0 {
		return domain.ParsedContent{Citations: []domain.IndexedCitation{}, ProcessedText: content}
	}

	t := newTable()
	processed := content

	// A placeholder is numbered at its first declaration but resolves to
	// the last annotation declaring it.
	var placeholders []string
	byPlaceholder := make(map[string]domain.Annotation)
	for _, a := range annotations {
		ph := a.TextToReplace
		if ph == "" {
			continue
		}
		if _, ok := byPlaceholder[ph]; !ok {
			placeholders = append(placeholders, ph)
		}
		byPlaceholder[ph] = a
	}
	for _, ph := range placeholders {
		n := strings.Count(processed, ph)
		if n == 0 {
			continue
		}
		processed = strings.ReplaceAll(processed, ph, marker(t.cite(byPlaceholder[ph], n)))
	}

	fallback := func(pattern *regexp.Regexp, label func(sub []string) string) {
		processed = pattern.ReplaceAllStringFunc(processed, func(match string) string {
			sub := pattern.FindStringSubmatch(match)
			lbl := label(sub)
			if a, ok := findAnnotation(annotations, content, match, lbl); ok {
				return marker(t.cite(a, 1))
			}
			return marker(t.synthesize(lbl))
		})
	}
	fallback(assistantsPattern, func(sub []string) string { return sub[2] })
	fallback(onYourDataPattern, func(sub []string) string { return "doc" + sub[1] })

	return domain.ParsedContent{Citations: t.sorted(), ProcessedText: processed}
}

// findAnnotation applies the fallback chain in order: label equality, then
// placeholder equality, then the match's first offset in the original content
// being at or after an annotation's declared start. Within each step the first
// annotation in list order wins.
func findAnnotation(annotations []domain.Annotation, content, match, label string) (domain.Annotation, bool) {
	for _, a := range annotations {
		if a.Label == label {
			return a, true
		}
	}
	for _, a := range annotations {
		if a.TextToReplace == match {
			return a, true
		}
	}
	pos := strings.Index(content, match)
	if pos < 0 {
		return domain.Annotation{}, false
	}
	offset := utf8.RuneCountInString(content[:pos])
	for _, a := range annotations {
		if a.StartIndex != nil && offset >= *a.StartIndex {
			return a, true
		}
	}
	return domain.Annotation{}, false
}

// Markers returns the indices of every [N] marker in text, in order of
// appearance.
func Markers(text string) []int {
	var out []int
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}

var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// Footnote formats a citation as a single reference line.
func Footnote(c domain.IndexedCitation) string {
	ref := c.Annotation.URL
	if ref == "" {
		ref = c.Annotation.FileID
	}
	if ref == "" {
		return fmt.Sprintf("[%d] %s", c.Index, c.Annotation.Label)
	}
	return fmt.Sprintf("[%d] %s (%s)", c.Index, c.Annotation.Label, ref)
}
