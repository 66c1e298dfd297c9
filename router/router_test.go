package router

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"diagraph/embedding"
	"diagraph/experience"
	"diagraph/llm"
	"diagraph/vectorindex"
)

type scriptedProvider struct {
	content string
}

func (s scriptedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: s.content}, nil
}
func (scriptedProvider) ChatStream(ctx context.Context, req llm.ChatRequest, fn llm.StreamFunc) error {
	return nil
}
func (scriptedProvider) UpdateConfig(cfg llm.Config) {}
func (scriptedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func newTestExperience(t *testing.T, provider llm.Provider) *experience.Store {
	t.Helper()
	idx, err := vectorindex.Open(filepath.Join(t.TempDir(), "router.db"), 4)
	if err != nil {
		t.Fatalf("vectorindex.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	e := embedding.New(provider, 4, 8)
	return experience.New(e, idx)
}

func TestRouteAndAnalyzeNormalizesSuffix(t *testing.T) {
	chat := scriptedProvider{content: `{"reason": "fits", "target_prompt_file": "sequenceDiagram", "analysis_content": "trace"}`}
	r := New(chat, nil, Config{})

	bp, err := r.RouteAndAnalyze(context.Background(), "doc context", "trace a request", false)
	if err != nil {
		t.Fatalf("RouteAndAnalyze: %v", err)
	}
	if bp.TargetPromptFile != "sequenceDiagram.md" {
		t.Errorf("target_prompt_file = %q, want suffix-normalized", bp.TargetPromptFile)
	}
}

func TestRouteAndAnalyzeFallsBackOnParseFailure(t *testing.T) {
	chat := scriptedProvider{content: "not json"}
	r := New(chat, nil, Config{})

	bp, err := r.RouteAndAnalyze(context.Background(), "doc context", "trace a request", false)
	if err != nil {
		t.Fatalf("RouteAndAnalyze: %v", err)
	}
	if bp.TargetPromptFile != fallbackTemplate {
		t.Errorf("target_prompt_file = %q, want fallback %q", bp.TargetPromptFile, fallbackTemplate)
	}
}

func TestRouteAndAnalyzeInjectsExperience(t *testing.T) {
	chat := scriptedProvider{content: `{"reason": "r", "target_prompt_file": "flowchart", "analysis_content": "a"}`}
	exp := newTestExperience(t, chat)
	exp.AddSingle(context.Background(), "trace a request", "use sequenceDiagram with activation bars", "")

	r := New(chat, exp, Config{})
	_, err := r.RouteAndAnalyze(context.Background(), "doc context", "trace a request", true)
	if err != nil {
		t.Fatalf("RouteAndAnalyze: %v", err)
	}
}

func TestAnalyzeSpecificModeOverridesFilename(t *testing.T) {
	chat := scriptedProvider{content: `{"reason": "r", "target_prompt_file": "flowchart.md", "analysis_content": "a"}`}
	r := New(chat, nil, Config{})

	bp, err := r.AnalyzeSpecificMode(context.Background(), "doc context", "target", "gantt")
	if err != nil {
		t.Fatalf("AnalyzeSpecificMode: %v", err)
	}
	if bp.TargetPromptFile != "gantt.md" {
		t.Errorf("target_prompt_file = %q, want forced gantt.md despite model hallucination", bp.TargetPromptFile)
	}
}

func TestLearnFromSuccessPersistsAndHotInserts(t *testing.T) {
	chat := scriptedProvider{content: `{"q": "trace a request", "a": "use sequenceDiagram with activation bars"}`}
	exp := newTestExperience(t, chat)
	path := filepath.Join(t.TempDir(), "router_experience.json")

	const producedCode = "sequenceDiagram\nA->>B: hi"

	r := New(chat, exp, Config{ExperienceFile: path})
	if err := r.LearnFromSuccess(context.Background(), "trace a request", producedCode); err != nil {
		t.Fatalf("LearnFromSuccess: %v", err)
	}

	records, err := experience.LoadPersisted(path)
	if err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(records))
	}
	if records[0].Q == "" || records[0].A == "" {
		t.Fatalf("expected non-empty q/a, got %+v", records[0])
	}
	if records[0].SourceCode != producedCode {
		t.Errorf("persisted record SourceCode = %q, want %q", records[0].SourceCode, producedCode)
	}

	n, err := vectorindexSize(t, exp)
	if err != nil {
		t.Fatalf("size check: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 record hot-inserted into experience index, got %d", n)
	}

	hits, err := exp.Search(context.Background(), "trace a request", 5, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].SourceCode != producedCode {
		t.Fatalf("expected hot-inserted record to carry SourceCode %q, got %+v", producedCode, hits)
	}
}

func vectorindexSize(t *testing.T, exp *experience.Store) (int, error) {
	t.Helper()
	results, err := exp.Search(context.Background(), "trace a request", 5, 0.5)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

func TestDiagramTemplatesIncludesCoreTypes(t *testing.T) {
	joined := strings.Join(DiagramTemplates, ",")
	for _, want := range []string{"flowchart", "sequenceDiagram", "erDiagram", "gitgraph"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected DiagramTemplates to include %q", want)
		}
	}
}
