package experience

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"diagraph/embedding"
	"diagraph/llm"
	"diagraph/vectorindex"
)

type fakeProvider struct{}

func (fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: "{}"}, nil
}
func (fakeProvider) ChatStream(ctx context.Context, req llm.ChatRequest, fn llm.StreamFunc) error {
	return nil
}
func (fakeProvider) UpdateConfig(cfg llm.Config) {}

func (fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := []float32{0, 0, 0, 0}
		switch {
		case strings.Contains(t, "flowchart bug"):
			v[0] = 1
		case strings.Contains(t, "unrelated"):
			v[1] = 1
		default:
			v[2] = 1
		}
		out[i] = v
	}
	return out, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	idx, err := vectorindex.Open(filepath.Join(t.TempDir(), "exp.db"), 4)
	if err != nil {
		t.Fatalf("vectorindex.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	e := embedding.New(fakeProvider{}, 4, 8)
	return New(e, idx)
}

func TestAddSingleAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddSingle(ctx, "flowchart bug: missing classDef", "always close classDef with ;", "reviser"); err != nil {
		t.Fatalf("AddSingle: %v", err)
	}

	results, err := s.Search(ctx, "flowchart bug", 5, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].A != "always close classDef with ;" {
		t.Errorf("A = %q, want the stored answer", results[0].A)
	}
}

func TestAddRecordRoundTripsSourceCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := Record{
		Q:          "trace a request across services",
		A:          "use sequenceDiagram with activation bars",
		SourceCode: "sequenceDiagram\nA->>B: hi",
	}
	if err := s.AddRecord(ctx, rec, "runtime_learning"); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	results, err := s.Search(ctx, "trace a request", 5, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].SourceCode != rec.SourceCode {
		t.Errorf("SourceCode = %q, want %q", results[0].SourceCode, rec.SourceCode)
	}
}

func TestAddSingleLeavesSourceCodeEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddSingle(ctx, "mistake book entry", "generic fix", "auto_recorded"); err != nil {
		t.Fatalf("AddSingle: %v", err)
	}

	results, err := s.Search(ctx, "mistake book entry", 5, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].SourceCode != "" {
		t.Errorf("expected empty SourceCode for a mistake-book entry, got %q", results[0].SourceCode)
	}
}

func TestSearchDedupsByOriginalQAndPrunes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddSingle(ctx, "flowchart bug dup", "answer 1", "")
	s.AddSingle(ctx, "flowchart bug dup", "answer 2", "")

	results, err := s.Search(ctx, "flowchart bug", 5, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected dedup to 1 result, got %d", len(results))
	}

	n, err := s.index.ListSize(ctx)
	if err != nil {
		t.Fatalf("ListSize: %v", err)
	}
	if n != 1 {
		t.Errorf("expected duplicate to be pruned from index, size = %d", n)
	}
}

func TestSearchRespectsThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddSingle(ctx, "unrelated record", "answer", "")

	results, err := s.Search(ctx, "flowchart bug", 5, 0.9)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results above threshold, got %d", len(results))
	}
}

func TestAddPairs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AddPairs(ctx, []Record{
		{Q: "flowchart bug one", A: "fix one"},
		{Q: "unrelated record", A: "fix two"},
	})
	if err != nil {
		t.Fatalf("AddPairs: %v", err)
	}
	n, err := s.index.ListSize(ctx)
	if err != nil {
		t.Fatalf("ListSize: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 records stored, got %d", n)
	}
}

func TestPersistAppendDedupsByQ(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "router.json")

	added, err := PersistAppend(path, Record{Q: "trace a request", A: "use sequenceDiagram"})
	if err != nil {
		t.Fatalf("PersistAppend: %v", err)
	}
	if !added {
		t.Fatal("expected first append to succeed")
	}

	added, err = PersistAppend(path, Record{Q: "trace a request", A: "different answer"})
	if err != nil {
		t.Fatalf("PersistAppend (dup): %v", err)
	}
	if added {
		t.Error("expected duplicate Q to be rejected")
	}

	records, err := LoadPersisted(path)
	if err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(records))
	}
	if records[0].A != "use sequenceDiagram" {
		t.Errorf("A = %q, want original answer kept", records[0].A)
	}
}

func TestLoadPersistedMissingFile(t *testing.T) {
	records, err := LoadPersisted(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	if records != nil {
		t.Errorf("expected nil records for missing file, got %v", records)
	}
}
