package parser

import (
	"context"
	"strings"
)

// ExtractedImage represents an image extracted from a document during parsing.
type ExtractedImage struct {
	Data         []byte
	MIMEType     string // e.g. "image/jpeg", "image/png"; DOCX/PPTX images follow mimeFromExt
	PageNumber   int    // page/slide number (0 for DOCX)
	SectionIndex int    // index into ParseResult.Sections this image belongs to
	Width        int
	Height       int
}

// ParseResult is what a parser produces from a document file.
type ParseResult struct {
	Sections []Section         // Ordered sections extracted from the document
	Images   []ExtractedImage  // Images extracted from the document
	Method   string            // "native", "llamaparse", "vision"
	Metadata map[string]string
}

// Section represents a logical section of a parsed document.
type Section struct {
	Heading    string
	Content    string
	Level      int    // Heading level (1=top, 2=sub, etc.)
	PageNumber int
	Type       string // "section", "table", "definition", "requirement", "annex", "paragraph"
	Children   []Section
	Metadata   map[string]string
}

// Parser can parse a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
	SupportedFormats() []string
}

// Flatten renders a ParseResult's section tree as a single ordered text
// stream, depth-first, suitable for feeding directly into the chunker.
// Headings are rendered as Markdown-style "#" prefixes by level so the
// structural signal survives flattening.
func (r *ParseResult) Flatten() string {
	var b strings.Builder
	for _, s := range r.Sections {
		flattenSection(&b, s)
	}
	return strings.TrimSpace(b.String())
}

// flattenSection renders one section, letting its classified Type shape the
// output: table sections are fenced so the graph builder's chunker sees them
// as one unit instead of prose, and definition sections are tagged so
// entity/node extraction can anchor on them.
func flattenSection(b *strings.Builder, s Section) {
	if s.Heading != "" {
		level := s.Level
		if level <= 0 {
			level = 1
		}
		b.WriteString(strings.Repeat("#", level))
		b.WriteString(" ")
		b.WriteString(s.Heading)
		b.WriteString("\n")
	}
	switch s.Type {
	case "table":
		if s.Content != "" {
			b.WriteString("```\n")
			b.WriteString(s.Content)
			b.WriteString("\n```\n\n")
		}
	case "definition":
		if s.Content != "" {
			b.WriteString("[concept] ")
			b.WriteString(s.Content)
			b.WriteString("\n\n")
		}
	default:
		if s.Content != "" {
			b.WriteString(s.Content)
			b.WriteString("\n\n")
		}
	}
	for _, child := range s.Children {
		flattenSection(b, child)
	}
}
