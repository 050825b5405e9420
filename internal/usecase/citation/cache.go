package citation

import (
	"slices"

	"agent-webapp/internal/domain"
)

// Cache memoizes the last Resolve call for one message. It is not safe for
// concurrent use; each message owns its own Cache.
type Cache struct {
	content     string
	annotations []domain.Annotation
	result      domain.ParsedContent
	valid       bool
}

// Resolve returns the cached result when content and annotations are
// unchanged since the previous call, and recomputes otherwise.
func (c *Cache) Resolve(content string, annotations []domain.Annotation) domain.ParsedContent {
	if c.valid && c.content == content && slices.EqualFunc(c.annotations, annotations, equalAnnotation) {
		return clone(c.result)
	}
	c.content = content
	c.annotations = slices.Clone(annotations)
	c.result = Resolve(content, annotations)
	c.valid = true
	return clone(c.result)
}

// Reset drops the cached result.
func (c *Cache) Reset() { *c = Cache{} }

func clone(p domain.ParsedContent) domain.ParsedContent {
	return domain.ParsedContent{Citations: slices.Clone(p.Citations), ProcessedText: p.ProcessedText}
}

func equalAnnotation(a, b domain.Annotation) bool {
	return a.Type == b.Type &&
		a.Label == b.Label &&
		a.URL == b.URL &&
		a.FileID == b.FileID &&
		a.Quote == b.Quote &&
		a.TextToReplace == b.TextToReplace &&
		equalOffset(a.StartIndex, b.StartIndex) &&
		equalOffset(a.EndIndex, b.EndIndex)
}

func equalOffset(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
