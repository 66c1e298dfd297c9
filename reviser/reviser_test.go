package reviser

import (
	"context"
	"fmt"
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

func newTestMistakeStore(t *testing.T, provider llm.Provider) *experience.Store {
	t.Helper()
	idx, err := vectorindex.Open(filepath.Join(t.TempDir(), "mistakes.db"), 4)
	if err != nil {
		t.Fatalf("vectorindex.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	e := embedding.New(provider, 4, 8)
	return experience.New(e, idx)
}

func TestReviseCodeStripsFences(t *testing.T) {
	chat := scriptedProvider{content: "```mermaid\nflowchart TD\nA-->B\n```"}
	r := New(chat, nil, Config{})

	out, err := r.ReviseCode(context.Background(), "flowchart TD\nA-->B", "parse error at A", nil, false)
	if err != nil {
		t.Fatalf("ReviseCode: %v", err)
	}
	if strings.Contains(out, "```") {
		t.Errorf("expected fences stripped, got %q", out)
	}
}

func TestReviseCodeIncludesFailedAttempts(t *testing.T) {
	var capturedPrompt string
	chat := capturingProvider{capture: &capturedPrompt}
	r := New(chat, nil, Config{})

	attempts := []Attempt{{Code: "flowchart TD\nA-->B", Error: "unexpected token"}}
	_, err := r.ReviseCode(context.Background(), "flowchart TD\nA-->B", "still broken", attempts, false)
	if err != nil {
		t.Fatalf("ReviseCode: %v", err)
	}
	if !strings.Contains(capturedPrompt, "FAILED ATTEMPTS") {
		t.Errorf("expected failed-attempts section in system prompt, got %q", capturedPrompt)
	}
	if !strings.Contains(capturedPrompt, "unexpected token") {
		t.Errorf("expected prior error in prompt, got %q", capturedPrompt)
	}
}

type capturingProvider struct {
	capture *string
}

func (c capturingProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	*c.capture = req.Messages[0].Content
	return &llm.ChatResponse{Content: "fixed code"}, nil
}
func (capturingProvider) ChatStream(ctx context.Context, req llm.ChatRequest, fn llm.StreamFunc) error {
	return nil
}
func (capturingProvider) UpdateConfig(cfg llm.Config) {}
func (capturingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func TestReviseCodeUsesMistakeBook(t *testing.T) {
	chat := scriptedProvider{content: "fixed"}
	mistakes := newTestMistakeStore(t, chat)
	mistakes.AddSingle(context.Background(), "parse error at node", "always quote labels containing spaces", "")

	r := New(chat, mistakes, Config{})
	_, err := r.ReviseCode(context.Background(), "flowchart TD\nA-->B", "parse error at node", nil, true)
	if err != nil {
		t.Fatalf("ReviseCode: %v", err)
	}
}

type streamingProvider struct {
	deltas []string
}

func (streamingProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, context.DeadlineExceeded
}
func (s streamingProvider) ChatStream(ctx context.Context, req llm.ChatRequest, fn llm.StreamFunc) error {
	for _, d := range s.deltas {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}
func (streamingProvider) UpdateConfig(cfg llm.Config) {}
func (streamingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func TestReviseCodeStreamForwardsDeltas(t *testing.T) {
	chat := streamingProvider{deltas: []string{"flowchart TD\n", "A-->B\n"}}
	r := New(chat, nil, Config{})

	var got strings.Builder
	err := r.ReviseCodeStream(context.Background(), "flowchart TD\nA-->B", "parse error", nil, false, func(delta string) error {
		got.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("ReviseCodeStream: %v", err)
	}
	if got.String() != "flowchart TD\nA-->B\n" {
		t.Errorf("ReviseCodeStream forwarded %q, want concatenated deltas", got.String())
	}
}

func TestReviseCodeStreamPropagatesCallbackError(t *testing.T) {
	chat := streamingProvider{deltas: []string{"partial"}}
	r := New(chat, nil, Config{})

	boom := fmt.Errorf("client disconnected")
	err := r.ReviseCodeStream(context.Background(), "code", "", nil, false, func(delta string) error {
		return boom
	})
	if err == nil {
		t.Fatal("expected error to propagate from stream callback")
	}
}

func TestOptimizeCodeDoesNotConsultMistakeBook(t *testing.T) {
	chat := scriptedProvider{content: "flowchart TD\nA-->B-->C"}
	r := New(chat, nil, Config{})

	out, err := r.OptimizeCode(context.Background(), "flowchart TD\nA-->B", "add a C node after B")
	if err != nil {
		t.Fatalf("OptimizeCode: %v", err)
	}
	if out != "flowchart TD\nA-->B-->C" {
		t.Errorf("OptimizeCode = %q", out)
	}
}

func TestOptimizeCodeDegradesToOriginalOnFailure(t *testing.T) {
	r := New(failingProvider{}, nil, Config{})
	out, err := r.OptimizeCode(context.Background(), "original code", "do something")
	if err != nil {
		t.Fatalf("OptimizeCode: %v", err)
	}
	if out != "original code" {
		t.Errorf("expected original code preserved on failure, got %q", out)
	}
}

type failingProvider struct{}

func (failingProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, context.DeadlineExceeded
}
func (failingProvider) ChatStream(ctx context.Context, req llm.ChatRequest, fn llm.StreamFunc) error {
	return nil
}
func (failingProvider) UpdateConfig(cfg llm.Config) {}
func (failingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func TestRecordMistakeDedupsByQAndPersists(t *testing.T) {
	chat := scriptedProvider{content: `{"q": "unexpected token error", "a": "quote labels with spaces"}`}
	mistakes := newTestMistakeStore(t, chat)
	path := filepath.Join(t.TempDir(), "mistakes.json")

	r := New(chat, mistakes, Config{MistakeFile: path})
	if err := r.RecordMistake(context.Background(), "A[bad label]", "unexpected token", "A[\"bad label\"]"); err != nil {
		t.Fatalf("RecordMistake: %v", err)
	}

	records, err := experience.LoadPersisted(path)
	if err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 persisted mistake, got %d", len(records))
	}

	if err := r.RecordMistake(context.Background(), "A[bad label]", "unexpected token", "A[\"bad label\"]"); err != nil {
		t.Fatalf("RecordMistake (dup): %v", err)
	}
	records, err = experience.LoadPersisted(path)
	if err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected dedup to keep 1 record, got %d", len(records))
	}
}
