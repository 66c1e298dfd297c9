// Package experience implements Experience Memory: two
// independent vector indices recording prior router strategies and prior
// revision mistakes, searched with threshold-aware dedup-by-original-query.
package experience

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"diagraph/embedding"
	"diagraph/vectorindex"
)

const (
	originalQField  = "original_q"
	sourceCodeField = "source_code"
)

// Record is a prior (question, answer) pair — a successful router
// strategy or a distilled revision rule. SourceCode carries the
// produced diagram code a router-success record was learned from; it
// is empty for revision-mistake records, which have no single
// associated code artifact.
type Record struct {
	Q          string `json:"q"`
	A          string `json:"a"`
	SourceCode string `json:"source_code,omitempty"`
}

// Store wraps a single vectorindex.VectorIndex with encode/dedup semantics.
// Callers keep one Store per memory (router strategies, revision
// mistakes).
type Store struct {
	embedder *embedding.Embedder
	index    *vectorindex.VectorIndex
}

// New returns a Store backed by index.
func New(embedder *embedding.Embedder, index *vectorindex.VectorIndex) *Store {
	return &Store{embedder: embedder, index: index}
}

// AddPairs encodes each record's Q, stores A as the payload, and keeps Q
// in the "original_q" metadata field.
func (s *Store) AddPairs(ctx context.Context, records []Record) error {
	for _, r := range records {
		if err := s.AddSingle(ctx, r.Q, r.A, ""); err != nil {
			return err
		}
	}
	return nil
}

// AddSingle encodes q and stores a single (q, a) record. sourceTag, if
// non-empty, is recorded alongside original_q for provenance.
func (s *Store) AddSingle(ctx context.Context, q, a, sourceTag string) error {
	return s.AddRecord(ctx, Record{Q: q, A: a}, sourceTag)
}

// AddRecord encodes r.Q and stores r, including r.SourceCode when
// present, as a single index entry. sourceTag, if non-empty, is recorded
// alongside original_q for provenance.
func (s *Store) AddRecord(ctx context.Context, r Record, sourceTag string) error {
	vecs, err := s.embedder.Encode(ctx, []string{r.Q})
	if err != nil {
		return fmt.Errorf("experience: embedding record: %w", err)
	}
	meta := map[string]string{originalQField: r.Q}
	if sourceTag != "" {
		meta["source"] = sourceTag
	}
	if r.SourceCode != "" {
		meta[sourceCodeField] = r.SourceCode
	}
	id := uuid.New().String()
	if err := s.index.Upsert(ctx, id, vecs[0], r.A, meta); err != nil {
		return fmt.Errorf("experience: storing record: %w", err)
	}
	return nil
}

// Search finds up to topK prior records similar to query whose score
// clears threshold, deduplicating by original_q. Index entries found to
// be duplicates of an already-kept result are actively deleted to keep
// the index clean.
func (s *Store) Search(ctx context.Context, query string, topK int, threshold float64) ([]Record, error) {
	vecs, err := s.embedder.Encode(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("experience: embedding query: %w", err)
	}

	raw, err := s.index.Query(ctx, vecs[0], topK*3, vectorindex.QueryOptions{Threshold: threshold})
	if err != nil {
		return nil, fmt.Errorf("experience: querying index: %w", err)
	}

	seen := make(map[string]bool)
	var out []Record
	var duplicates []string
	for _, item := range raw {
		origQ := item.Meta[originalQField]
		if seen[origQ] {
			duplicates = append(duplicates, item.ID)
			continue
		}
		seen[origQ] = true
		out = append(out, Record{Q: origQ, A: item.Payload, SourceCode: item.Meta[sourceCodeField]})
		if len(out) == topK {
			break
		}
	}

	if len(duplicates) > 0 {
		if err := s.index.Delete(ctx, duplicates); err != nil {
			return out, fmt.Errorf("experience: pruning duplicates: %w", err)
		}
	}
	return out, nil
}

// PersistAppend appends a record to the durable JSON experience file at
// path, deduplicating by Q. Returns false without writing if q already exists.
func PersistAppend(path string, r Record) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("experience: creating persistence dir: %w", err)
	}

	var records []Record
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &records); err != nil {
			return false, fmt.Errorf("experience: decoding existing persistence file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("experience: reading persistence file: %w", err)
	}

	for _, existing := range records {
		if existing.Q == r.Q {
			return false, nil
		}
	}

	records = append(records, r)
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return false, fmt.Errorf("experience: encoding persistence file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("experience: writing persistence file: %w", err)
	}
	return true, nil
}

// LoadPersisted reads the durable JSON experience file at path, returning
// an empty slice if it does not exist.
func LoadPersisted(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("experience: reading persistence file: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("experience: decoding persistence file: %w", err)
	}
	return records, nil
}
