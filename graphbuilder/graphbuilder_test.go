package graphbuilder

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"diagraph/chunker"
	"diagraph/embedding"
	"diagraph/knowledge"
	"diagraph/llm"
	"diagraph/vectorindex"
)

func newTestIndex(t *testing.T) *vectorindex.VectorIndex {
	t.Helper()
	idx, err := vectorindex.Open(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("vectorindex.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

// scriptedChat is a test double for llm.Provider that returns canned JSON
// responses keyed by a substring match on the prompt, in call order per key.
type scriptedChat struct {
	responses map[string][]string
	calls     map[string]int
}

func newScriptedChat() *scriptedChat {
	return &scriptedChat{responses: map[string][]string{}, calls: map[string]int{}}
}

func (s *scriptedChat) on(substr string, jsonBodies ...string) *scriptedChat {
	s.responses[substr] = jsonBodies
	return s
}

func (s *scriptedChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	for substr, bodies := range s.responses {
		if substrIn(prompt, substr) {
			i := s.calls[substr]
			if i >= len(bodies) {
				i = len(bodies) - 1
			}
			s.calls[substr]++
			return &llm.ChatResponse{Content: bodies[i]}, nil
		}
	}
	return &llm.ChatResponse{Content: `{"nodes": [], "edges": []}`}, nil
}

func (s *scriptedChat) ChatStream(ctx context.Context, req llm.ChatRequest, fn llm.StreamFunc) error {
	return nil
}

func (s *scriptedChat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (s *scriptedChat) UpdateConfig(cfg llm.Config) {}

func substrIn(s, substr string) bool {
	return len(substr) == 0 || (len(s) >= len(substr) && indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestStageBackboneCreatesBackboneNodes(t *testing.T) {
	chat := newScriptedChat().on("architectural summary",
		`{"nodes": [{"id": "core", "description": "the core module"}], "edges": []}`)

	b := New(chat, nil, nil, Config{})
	g := knowledge.New()

	if err := b.stageBackbone(context.Background(), g, "summarize", "full document text"); err != nil {
		t.Fatalf("stageBackbone: %v", err)
	}
	n := g.Node("core")
	if n == nil {
		t.Fatal("expected node 'core' to exist")
	}
	if n.Type != knowledge.Backbone {
		t.Errorf("type = %v, want Backbone", n.Type)
	}
	if n.Importance != backboneBoost {
		t.Errorf("importance = %f, want %f", n.Importance, backboneBoost)
	}
}

func TestStageIntermediateRunsBoundedConcurrently(t *testing.T) {
	chat := newScriptedChat().on("Anchor Context",
		`{"nodes": [{"id": "detail1", "description": "d1"}], "edges": [{"src": "detail1", "dst": "core", "description": "refines", "weight": 1}]}`)

	b := New(chat, nil, nil, Config{Concurrency: 2})
	g := knowledge.New()
	g.UpsertNode("core", "core module", knowledge.Backbone, knowledge.GlobalSummarySentinel, backboneBoost)

	big := []chunker.Chunk{
		{ID: "big_0", Text: "chunk one text"},
		{ID: "big_1", Text: "chunk two text"},
	}
	if err := b.stageIntermediate(context.Background(), g, "summarize", big); err != nil {
		t.Fatalf("stageIntermediate: %v", err)
	}
	if g.Node("detail1") == nil {
		t.Fatal("expected node 'detail1' to exist")
	}
	found := false
	for _, e := range g.Edges() {
		if e.Src == "detail1" && e.Dst == "core" {
			found = true
		}
	}
	if !found {
		t.Error("expected edge detail1 -> core")
	}
}

func TestStageDrilldownDedupsVisitedChunks(t *testing.T) {
	chat := newScriptedChat().on("Focus node",
		`{"nodes": [], "edges": [{"src": "core", "dst": "leaf", "description": "leads to", "weight": 1}]}`)

	embedder := embedding.New(chat, 4, 8)
	idx := newTestIndex(t)
	ctx := context.Background()
	idx.Upsert(ctx, "small_0", []float32{1, 0, 0, 0}, "small chunk text", nil)

	b := New(chat, embedder, idx, Config{Concurrency: 2, DrilldownTopK: 5})
	g := knowledge.New()
	g.UpsertNode("core", "core module", knowledge.Backbone, knowledge.GlobalSummarySentinel, backboneBoost)

	small := []chunker.Chunk{{ID: "small_0", Text: "small chunk text"}}
	if err := b.stageDrilldown(ctx, g, small); err != nil {
		t.Fatalf("stageDrilldown: %v", err)
	}
	if g.Node("leaf") == nil {
		t.Fatal("expected node 'leaf' to exist from drilldown extraction")
	}
}

func TestStageOptimizeConnectsFragmentToBackbone(t *testing.T) {
	chat := newScriptedChat().on("consolidating",
		`{"operations": [{"op": "CONNECT", "src": "core", "dst": "orphan", "description": "relates to", "weight": 2}]}`,
		`{"operations": []}`,
	)

	b := New(chat, nil, nil, Config{OptimizeMaxIterations: 3})
	g := knowledge.New()
	g.UpsertNode("core", "core module", knowledge.Backbone, knowledge.GlobalSummarySentinel, backboneBoost)
	g.UpsertNode("orphan", "disconnected node", knowledge.Derived, "c1", 0)

	if err := b.stageOptimize(context.Background(), g); err != nil {
		t.Fatalf("stageOptimize: %v", err)
	}

	comps := g.WeaklyConnectedComponents()
	if len(comps) != 1 {
		t.Errorf("expected graph fully connected after optimize, got %d components", len(comps))
	}
}

func TestStageOptimizeGuardsBackboneDelete(t *testing.T) {
	chat := newScriptedChat().on("consolidating",
		`{"operations": [{"op": "DELETE", "target": "core"}]}`,
	)

	b := New(chat, nil, nil, Config{OptimizeMaxIterations: 1})
	g := knowledge.New()
	g.UpsertNode("core", "core module", knowledge.Backbone, knowledge.GlobalSummarySentinel, backboneBoost)
	g.UpsertEdge("core", "module", "contains", knowledge.GlobalSummarySentinel, 1.0)
	g.UpsertNode("isolated", "isolated node", knowledge.Derived, "c1", 0)

	if err := b.stageOptimize(context.Background(), g); err != nil {
		t.Fatalf("stageOptimize: %v", err)
	}
	if g.Node("core") == nil {
		t.Error("expected backbone node 'core' to survive DELETE guard")
	}
}

func TestExtractJSONStripsCodeFence(t *testing.T) {
	raw := "```json\n{\"nodes\": [], \"edges\": []}\n```"
	out := extractJSON(raw)
	var result extractionResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("extractJSON produced invalid JSON: %v, got %q", err, out)
	}
}

func TestExtractJSONFallsBackOnNoBraces(t *testing.T) {
	out := extractJSON("no json here")
	if out != "{}" {
		t.Errorf("extractJSON = %q, want {}", out)
	}
}

func TestRankFocusNodesOrdersByImportanceThenDegree(t *testing.T) {
	g := knowledge.New()
	g.UpsertNode("a", "a", knowledge.Derived, "c1", 5.0)
	g.UpsertNode("b", "b", knowledge.Derived, "c1", 1.0)
	g.UpsertEdge("b", "c", "rel", "c1", 1.0)
	g.UpsertNode("c", "c", knowledge.Derived, "c1", 1.0)

	ranked := rankFocusNodes(g, 2)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 focus nodes, got %d", len(ranked))
	}
	if ranked[0].ID != "a" {
		t.Errorf("top focus node = %q, want a (highest importance)", ranked[0].ID)
	}
}
