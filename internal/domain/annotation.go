package domain

// AnnotationType identifies the kind of source an annotation points at.
type AnnotationType string

const (
	AnnotationURICitation           AnnotationType = "uri_citation"
	AnnotationFileCitation          AnnotationType = "file_citation"
	AnnotationFilePath              AnnotationType = "file_path"
	AnnotationContainerFileCitation AnnotationType = "container_file_citation"
)

// Valid reports whether t is one of the known annotation types.
func (t AnnotationType) Valid() bool {
	switch t {
	case AnnotationURICitation, AnnotationFileCitation, AnnotationFilePath, AnnotationContainerFileCitation:
		return true
	}
	return false
}

// Annotation is a reference to a source that accompanies a response.
// Offsets refer to the untransformed response text.
type Annotation struct {
	Type          AnnotationType `json:"type"`
	Label         string         `json:"label"`
	URL           string         `json:"url,omitempty"`
	FileID        string         `json:"fileId,omitempty"`
	Quote         string         `json:"quote,omitempty"`
	TextToReplace string         `json:"textToReplace,omitempty"`
	StartIndex    *int           `json:"startIndex,omitempty"`
	EndIndex      *int           `json:"endIndex,omitempty"`
}

// Key returns the deduplication key: two annotations with the same key are
// the same citation.
func (a Annotation) Key() string {
	ref := a.URL
	if ref == "" {
		ref = a.FileID
	}
	return string(a.Type) + ":" + a.Label + ":" + ref
}

// IndexedCitation is a deduplicated citation with its 1-based display index
// and the number of times it was referenced.
type IndexedCitation struct {
	Index      int        `json:"index"`
	Annotation Annotation `json:"annotation"`
	Count      int        `json:"count"`
}

// ParsedContent is message text with placeholders replaced by [N] markers,
// plus the citations those markers refer to, sorted by index.
type ParsedContent struct {
	Citations     []IndexedCitation `json:"citations"`
	ProcessedText string            `json:"processedText"`
}

// Citation returns the citation with the given index.
func (p ParsedContent) Citation(index int) (IndexedCitation, bool) {
	for _, c := range p.Citations {
		if c.Index == index {
			return c, true
		}
	}
	return IndexedCitation{}, false
}
