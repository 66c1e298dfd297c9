package retriever

import (
	"context"
	"strings"
	"testing"

	"diagraph/chunker"
	"diagraph/embedding"
	"diagraph/knowledge"
	"diagraph/llm"
)

// fakeProvider embeds deterministically: the vector is derived from a
// fixed keyword-to-axis mapping so cosine similarity is predictable.
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
		out[i] = keywordVec(t)
	}
	return out, nil
}

// keywordVec maps substrings to axes so that matching content has high
// cosine similarity, unrelated content near-orthogonal.
func keywordVec(text string) []float32 {
	v := []float32{0, 0, 0, 0}
	if strings.Contains(text, "auth") {
		v[0] = 1
	}
	if strings.Contains(text, "database") {
		v[1] = 1
	}
	if strings.Contains(text, "unrelated") {
		v[2] = 1
	}
	if v[0] == 0 && v[1] == 0 && v[2] == 0 {
		v[3] = 1
	}
	return v
}

func newTestRetriever() *Retriever {
	e := embedding.New(fakeProvider{}, 4, 8)
	return New(e, Config{})
}

func TestRetrieveFailsOnEmptyGraph(t *testing.T) {
	r := newTestRetriever()
	g := knowledge.New()
	_, err := r.Retrieve(context.Background(), g, "auth", nil)
	if err == nil {
		t.Fatal("expected error on empty graph")
	}
}

func TestRetrieveReturnsEmptyContextBelowThreshold(t *testing.T) {
	r := newTestRetriever()
	g := knowledge.New()
	g.UpsertNode("unrelated_node", "totally unrelated content", knowledge.Derived, "small_0", 0)

	out, err := r.Retrieve(context.Background(), g, "auth module", nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	// "auth module" has axis 0 set; "unrelated" node has axis 2 set -> cosine 0, below threshold.
	if out != EmptyContext {
		t.Errorf("expected EmptyContext marker, got %q", out)
	}
}

func TestRetrieveSelectsAnchorsAndExpandsOneHop(t *testing.T) {
	r := newTestRetriever()
	g := knowledge.New()
	g.UpsertNode("auth_service", "auth service handles login", knowledge.Backbone, "global_summary", 5.0)
	g.UpsertNode("session_store", "stores session tokens", knowledge.Derived, "small_0", 1.0)
	g.UpsertEdge("auth_service", "session_store", "writes to", "small_0", 1.0)

	chunks := map[string]chunker.Chunk{
		"small_0": {ID: "small_0", Text: "the auth_service writes session_store entries"},
	}

	out, err := r.Retrieve(context.Background(), g, "auth", chunks)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !strings.Contains(out, "auth_service") {
		t.Errorf("expected anchor auth_service in context, got %q", out)
	}
	if !strings.Contains(out, "session_store") {
		t.Errorf("expected one-hop neighbor session_store in context, got %q", out)
	}
	if !strings.Contains(out, "Chunk small_0") {
		t.Errorf("expected chunk small_0 section in context, got %q", out)
	}
}

func TestVoteChunksWeightsAnchorAndGranularity(t *testing.T) {
	anchorSet := map[string]struct{}{"a": {}}
	nodes := map[string]*knowledge.Node{
		"a": {ID: "a", SourceChunks: map[string]struct{}{"small_0": {}}},
		"b": {ID: "b", SourceChunks: map[string]struct{}{"big_0": {}}},
	}
	votes := voteChunks(nodes, anchorSet)
	// a is anchor + small chunk: 1.0 + 2.0 + 1.5 = 4.5
	if votes["small_0"] != 4.5 {
		t.Errorf("small_0 vote = %f, want 4.5", votes["small_0"])
	}
	// b is not anchor, big chunk: 1.0 + 0.5 = 1.5
	if votes["big_0"] != 1.5 {
		t.Errorf("big_0 vote = %f, want 1.5", votes["big_0"])
	}
}

func TestVoteChunksIgnoresGlobalSummary(t *testing.T) {
	nodes := map[string]*knowledge.Node{
		"a": {ID: "a", SourceChunks: map[string]struct{}{knowledge.GlobalSummarySentinel: {}}},
	}
	votes := voteChunks(nodes, map[string]struct{}{})
	if len(votes) != 0 {
		t.Errorf("expected no votes for global_summary-only node, got %v", votes)
	}
}
