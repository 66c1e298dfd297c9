// Package chunker splits raw document text into overlapping windows.
//
// Two independent layers are produced from the same text: "big" windows
// drive intermediate knowledge-graph extraction, "small" windows drive
// retrieval and semantic drilldown.
package chunker

import (
	"fmt"

	"diagraph/internal/derrors"
)

// Granularity distinguishes the two chunking layers.
type Granularity string

const (
	Big   Granularity = "big"
	Small Granularity = "small"
)

// Chunk is one overlapping window of source text.
type Chunk struct {
	ID          string      `json:"id"`
	Text        string      `json:"text"`
	Source      string      `json:"source"`
	Vec         []float32   `json:"vec,omitempty"`
	Granularity Granularity `json:"granularity"`
}

// Config controls window size and overlap for each layer. Zero-value
// fields fall back to 1500/200 big, 500/100 small.
type Config struct {
	BigSize      int
	BigOverlap   int
	SmallSize    int
	SmallOverlap int
}

// Chunker performs dual-layer text splitting.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration, defaulting unset
// fields to the recommended window sizes.
func New(cfg Config) *Chunker {
	if cfg.BigSize == 0 {
		cfg.BigSize = 1500
	}
	if cfg.BigOverlap == 0 {
		cfg.BigOverlap = 200
	}
	if cfg.SmallSize == 0 {
		cfg.SmallSize = 500
	}
	if cfg.SmallOverlap == 0 {
		cfg.SmallOverlap = 100
	}
	return &Chunker{cfg: cfg}
}

// Split produces both big and small chunks for a single document's text.
// The returned chunk IDs are unique within the document; callers needing
// global uniqueness should prefix Source onto ID.
func (c *Chunker) Split(text, source string) (big, small []Chunk, err error) {
	if text == "" {
		return nil, nil, derrors.New(derrors.InputInvalid, "chunker: empty input text", nil)
	}
	big = window(text, source, Big, c.cfg.BigSize, c.cfg.BigOverlap)
	small = window(text, source, Small, c.cfg.SmallSize, c.cfg.SmallOverlap)
	return big, small, nil
}

// window slices text into fixed-size, overlapping windows. The step
// between consecutive window starts is size-overlap; the
// final window is clipped to the remaining text so no content is dropped.
func window(text, source string, gran Granularity, size, overlap int) []Chunk {
	if size <= 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}

	runes := []rune(text)
	n := len(runes)

	var chunks []Chunk
	ordinal := 0
	for start := 0; start < n; start += step {
		end := start + size
		if end > n {
			end = n
		}
		chunks = append(chunks, Chunk{
			ID:          fmt.Sprintf("%s_%d", gran, ordinal),
			Text:        string(runes[start:end]),
			Source:      source,
			Granularity: gran,
		})
		ordinal++
		if end == n {
			break
		}
	}
	return chunks
}
