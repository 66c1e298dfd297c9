package gitingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"diagraph/llm"
)

type scriptedProvider struct{}

func (scriptedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: "summary of " + req.Messages[1].Content[:6]}, nil
}
func (scriptedProvider) ChatStream(ctx context.Context, req llm.ChatRequest, fn llm.StreamFunc) error {
	return nil
}
func (scriptedProvider) UpdateConfig(cfg llm.Config) {}
func (scriptedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func TestClassifyCategorizesByExtensionAndName(t *testing.T) {
	cases := map[string]Category{
		"README.md":           CategoryDocumentation,
		"go.mod":              CategoryConfiguration,
		"config.yaml":         CategoryConfiguration,
		"internal/core/a.go":  CategorySourceCode,
		"image.png":           CategoryOther,
	}
	for path, want := range cases {
		if got := classify(path); got != want {
			t.Errorf("classify(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestScoreBoostsCoreAndPenalizesTest(t *testing.T) {
	core := score("internal/core/engine.go")
	test := score("internal/core/engine_test.go")
	example := score("examples/demo/main.go")

	if core <= test {
		t.Errorf("expected core file to outscore its test: core=%v test=%v", core, test)
	}
	if core <= example {
		t.Errorf("expected core file to outscore an example file: core=%v example=%v", core, example)
	}
}

func TestAnalyzeRanksAndAnalyzesTopSourceFiles(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, dir, "internal/core/engine.go", "package core\nfunc Run() {}\n")
	mustWrite(t, dir, "internal/core/engine_test.go", "package core\nfunc TestRun(t *testing.T) {}\n")
	mustWrite(t, dir, "README.md", "# demo\n")
	mustWrite(t, dir, ".gitignore", "vendor/\n")
	mustWrite(t, dir, "vendor/thirdparty/lib.go", "package thirdparty\n")

	c := New(scriptedProvider{}, 1)
	report, err := c.Analyze(context.Background(), "https://example.com/demo.git", dir)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if len(report.Analyzed) != 1 {
		t.Fatalf("expected 1 analyzed file (topN=1), got %d", len(report.Analyzed))
	}
	if report.Analyzed[0].Path != filepath.FromSlash("internal/core/engine.go") {
		t.Errorf("expected engine.go to rank first, got %q", report.Analyzed[0].Path)
	}
	for _, f := range report.Files {
		if f.Path == filepath.FromSlash("vendor/thirdparty/lib.go") {
			t.Error("expected vendor/ to be excluded by .gitignore")
		}
	}
	if report.Summary == "" {
		t.Error("expected a non-empty consolidated summary")
	}
}

func mustWrite(t *testing.T, dir, relPath, content string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}
