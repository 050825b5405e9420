package citation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-webapp/internal/domain"
)

func intPtr(i int) *int { return &i }

func TestResolveIdentity(t *testing.T) {
	for _, content := range []string{"", "plain", "See 【4:0†source】 and [doc1]."} {
		got := Resolve(content, nil)
		assert.Equal(t, content, got.ProcessedText)
		assert.Empty(t, got.Citations)
		assert.NotNil(t, got.Citations)
	}

	got := Resolve("", []domain.Annotation{{Type: domain.AnnotationFileCitation, Label: "x"}})
	assert.Equal(t, "", got.ProcessedText)
	assert.Empty(t, got.Citations)
}

func TestResolveExplicitPlaceholder(t *testing.T) {
	ann := domain.Annotation{
		Type:          domain.AnnotationFileCitation,
		Label:         "doc.pdf",
		TextToReplace: "【4:0†source】",
	}
	got := Resolve("See 【4:0†source】 for details.", []domain.Annotation{ann})

	assert.Equal(t, "See [1] for details.", got.ProcessedText)
	require.Len(t, got.Citations, 1)
	assert.Equal(t, domain.IndexedCitation{Index: 1, Annotation: ann, Count: 1}, got.Citations[0])
}

func TestResolveBracketLabelFallback(t *testing.T) {
	doc1 := domain.Annotation{Type: domain.AnnotationURICitation, Label: "doc1", URL: "https://a"}
	doc2 := domain.Annotation{Type: domain.AnnotationURICitation, Label: "doc2", URL: "https://b"}

	got := Resolve("[doc1] confirms [doc1] and [doc2].", []domain.Annotation{doc1, doc2})

	assert.Equal(t, "[1] confirms [1] and [2].", got.ProcessedText)
	require.Len(t, got.Citations, 2)
	assert.Equal(t, 1, got.Citations[0].Index)
	assert.Equal(t, doc1, got.Citations[0].Annotation)
	assert.Equal(t, 2, got.Citations[0].Count)
	assert.Equal(t, 2, got.Citations[1].Index)
	assert.Equal(t, 1, got.Citations[1].Count)
}

func TestResolveOrderFollowsAnnotationList(t *testing.T) {
	a := domain.Annotation{Type: domain.AnnotationFileCitation, Label: "a", FileID: "fa", TextToReplace: "【1†a】"}
	b := domain.Annotation{Type: domain.AnnotationFileCitation, Label: "b", FileID: "fb", TextToReplace: "【2†b】"}

	// b appears first in the text but a is declared first.
	got := Resolve("x 【2†b】 y 【1†a】 z 【1†a】", []domain.Annotation{a, b})

	assert.Equal(t, "x [2] y [1] z [1]", got.ProcessedText)
	require.Len(t, got.Citations, 2)
	assert.Equal(t, "a", got.Citations[0].Annotation.Label)
	assert.Equal(t, 2, got.Citations[0].Count)
	assert.Equal(t, "b", got.Citations[1].Annotation.Label)
}

func TestResolveDuplicateKeysCollapse(t *testing.T) {
	first := domain.Annotation{Type: domain.AnnotationURICitation, Label: "Go", URL: "https://go.dev", TextToReplace: "【1:0†source】"}
	second := domain.Annotation{Type: domain.AnnotationURICitation, Label: "Go", URL: "https://go.dev", TextToReplace: "【1:1†source】"}

	got := Resolve("A【1:0†source】 B【1:1†source】 C【1:0†source】", []domain.Annotation{first, second})

	assert.Equal(t, "A[1] B[1] C[1]", got.ProcessedText)
	require.Len(t, got.Citations, 1)
	assert.Equal(t, 3, got.Citations[0].Count)
}

func TestResolveSynthesizesUnmatched(t *testing.T) {
	known := domain.Annotation{Type: domain.AnnotationURICitation, Label: "known", URL: "https://k", TextToReplace: "【0†known】"}

	got := Resolve("【0†known】 then 【7:2†mystery.pdf】", []domain.Annotation{known})

	assert.Equal(t, "[1] then [2]", got.ProcessedText)
	require.Len(t, got.Citations, 2)
	assert.Equal(t, domain.AnnotationFileCitation, got.Citations[1].Annotation.Type)
	assert.Equal(t, "mystery.pdf", got.Citations[1].Annotation.Label)
	assert.Equal(t, 1, got.Citations[1].Count)
}

func TestResolveSynthesizedAreNotReused(t *testing.T) {
	other := domain.Annotation{Type: domain.AnnotationURICitation, Label: "other", URL: "https://o"}

	got := Resolve("[doc9] and [doc9]", []domain.Annotation{other})

	assert.Equal(t, "[1] and [2]", got.ProcessedText)
	require.Len(t, got.Citations, 2)
	assert.Equal(t, "doc9", got.Citations[0].Annotation.Label)
	assert.Equal(t, "doc9", got.Citations[1].Annotation.Label)
}

func TestResolveOffsetFallback(t *testing.T) {
	early := domain.Annotation{Type: domain.AnnotationURICitation, Label: "early", URL: "https://e", StartIndex: intPtr(100)}
	late := domain.Annotation{Type: domain.AnnotationURICitation, Label: "late", URL: "https://l", StartIndex: intPtr(2)}

	got := Resolve("ab【3†unlabelled】", []domain.Annotation{early, late})

	assert.Equal(t, "ab[1]", got.ProcessedText)
	require.Len(t, got.Citations, 1)
	assert.Equal(t, "late", got.Citations[0].Annotation.Label)
}

func TestResolveLabelBeatsOffset(t *testing.T) {
	byOffset := domain.Annotation{Type: domain.AnnotationURICitation, Label: "x", URL: "https://x", StartIndex: intPtr(0)}
	byLabel := domain.Annotation{Type: domain.AnnotationURICitation, Label: "doc2", URL: "https://d"}

	got := Resolve("see [doc2]", []domain.Annotation{byOffset, byLabel})

	assert.Equal(t, "see [1]", got.ProcessedText)
	require.Len(t, got.Citations, 1)
	assert.Equal(t, "doc2", got.Citations[0].Annotation.Label)
}

func TestResolveSharedPlaceholderUsesLastAnnotation(t *testing.T) {
	stale := domain.Annotation{Type: domain.AnnotationURICitation, Label: "old", URL: "https://old", TextToReplace: "【5†src】"}
	other := domain.Annotation{Type: domain.AnnotationURICitation, Label: "other", URL: "https://other", TextToReplace: "【6†src】"}
	fresh := domain.Annotation{Type: domain.AnnotationURICitation, Label: "new", URL: "https://new", TextToReplace: "【5†src】"}

	got := Resolve("a【6†src】 b【5†src】", []domain.Annotation{stale, other, fresh})

	// Numbered where the placeholder was first declared.
	assert.Equal(t, "a[2] b[1]", got.ProcessedText)
	require.Len(t, got.Citations, 2)
	assert.Equal(t, "new", got.Citations[0].Annotation.Label)
	assert.Equal(t, "other", got.Citations[1].Annotation.Label)
}

// Fallback matching tries every annotation's label before any offset, so a
// later label match beats an earlier annotation that only matches by offset.
func TestResolveFallbackTiersSpanAllAnnotations(t *testing.T) {
	byOffset := domain.Annotation{Type: domain.AnnotationURICitation, Label: "a", URL: "https://a", StartIndex: intPtr(0)}
	byLabel := domain.Annotation{Type: domain.AnnotationURICitation, Label: "doc2", URL: "https://d"}

	got := Resolve("see [doc2] and [doc7]", []domain.Annotation{byOffset, byLabel})

	assert.Equal(t, "see [1] and [2]", got.ProcessedText)
	require.Len(t, got.Citations, 2)
	assert.Equal(t, "doc2", got.Citations[0].Annotation.Label)
	assert.Equal(t, "a", got.Citations[1].Annotation.Label, "no label matches [doc7], so the offset tier applies")
}

func TestResolveMalformedBracketsAreLiteral(t *testing.T) {
	ann := domain.Annotation{Type: domain.AnnotationURICitation, Label: "x", URL: "https://x"}
	content := "half 【4:0 source】 and [docX] and [ doc1 ]"

	got := Resolve(content, []domain.Annotation{ann})

	assert.Equal(t, content, got.ProcessedText)
	assert.Empty(t, got.Citations)
}

func TestResolveIdempotentOnProcessedText(t *testing.T) {
	anns := []domain.Annotation{
		{Type: domain.AnnotationFileCitation, Label: "a", TextToReplace: "【1†a】"},
		{Type: domain.AnnotationURICitation, Label: "doc2", URL: "https://b"},
	}
	first := Resolve("x【1†a】 y[doc2] z【9†nope】", anns)
	again := Resolve(first.ProcessedText, anns)
	assert.Equal(t, first.ProcessedText, again.ProcessedText)
	assert.Empty(t, again.Citations)
}

func TestResolveDenseIndicesAndMarkersResolve(t *testing.T) {
	anns := []domain.Annotation{
		{Type: domain.AnnotationFileCitation, Label: "a", FileID: "1", TextToReplace: "【1†a】"},
		{Type: domain.AnnotationFileCitation, Label: "b", FileID: "2", TextToReplace: "【2†b】"},
		{Type: domain.AnnotationURICitation, Label: "doc3", URL: "https://c"},
	}
	got := Resolve("【2†b】【1†a】[doc3][doc4]【5†zz】【2†b】", anns)

	for i, c := range got.Citations {
		assert.Equal(t, i+1, c.Index)
		assert.GreaterOrEqual(t, c.Count, 1)
	}
	for _, n := range Markers(got.ProcessedText) {
		_, ok := got.Citation(n)
		assert.True(t, ok, "marker [%d] has no citation", n)
	}
}

func TestResolveDeterministic(t *testing.T) {
	anns := []domain.Annotation{
		{Type: domain.AnnotationFileCitation, Label: "a", TextToReplace: "【1†a】"},
		{Type: domain.AnnotationFileCitation, Label: "a", TextToReplace: "【1†a】"},
	}
	content := "【1†a】 [doc1] 【3†q】"
	assert.Equal(t, Resolve(content, anns), Resolve(content, anns))
}

func TestCacheRecomputesOnChange(t *testing.T) {
	var c Cache
	ann := domain.Annotation{Type: domain.AnnotationFileCitation, Label: "a", TextToReplace: "【1†a】"}

	first := c.Resolve("x【1†a】", []domain.Annotation{ann})
	assert.Equal(t, "x[1]", first.ProcessedText)

	first.Citations[0].Count = 99
	again := c.Resolve("x【1†a】", []domain.Annotation{ann})
	assert.Equal(t, 1, again.Citations[0].Count, "cached result must not alias caller copies")

	longer := c.Resolve("x【1†a】 more", []domain.Annotation{ann})
	assert.Equal(t, "x[1] more", longer.ProcessedText)

	c.Reset()
	assert.Equal(t, "plain", c.Resolve("plain", nil).ProcessedText)
}

func TestFootnote(t *testing.T) {
	assert.Equal(t, "[1] Go (https://go.dev)", Footnote(domain.IndexedCitation{
		Index: 1, Annotation: domain.Annotation{Label: "Go", URL: "https://go.dev"},
	}))
	assert.Equal(t, "[2] doc.pdf (file-1)", Footnote(domain.IndexedCitation{
		Index: 2, Annotation: domain.Annotation{Label: "doc.pdf", FileID: "file-1"},
	}))
	assert.Equal(t, "[3] x", Footnote(domain.IndexedCitation{Index: 3, Annotation: domain.Annotation{Label: "x"}}))
}
