package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"diagraph"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "GOOGLE_API_KEY not set")
		os.Exit(1)
	}

	tmpDir, err := os.MkdirTemp("", "diagraph-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	cfg := diagraph.DefaultConfig()
	cfg.ProjectsRoot = tmpDir
	cfg.Chat = diagraph.LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash", APIKey: apiKey}
	cfg.Embedding = diagraph.LLMConfig{Provider: "gemini", Model: "gemini-embedding-001", APIKey: apiKey}
	cfg.Vision.Provider = ""
	cfg.EmbeddingDim = 3072

	engine, err := diagraph.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	docPath := "data/corpus/cuad/ACCURAYINC_09_01_2010-EX-10.31-DISTRIBUTOR AGREEMENT.txt"
	content, err := os.ReadFile(docPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading %s: %v\n", docPath, err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "\n=== UPLOADING %s ===\n", docPath)
	if err := engine.UploadFile("distributor_agreement.txt", content); err != nil {
		fmt.Fprintf(os.Stderr, "upload error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintln(os.Stderr, "\n=== INGESTING ===")
	intent := "summarize the structure and obligations of a distributor agreement"
	if err := engine.IngestCurrentWorkspace(ctx, intent); err != nil {
		fmt.Fprintf(os.Stderr, "ingest error: %v\n", err)
		os.Exit(1)
	}

	query := "diagram the termination conditions and notice periods in this agreement"
	fmt.Fprintf(os.Stderr, "\n=== GENERATING: %s ===\n", query)
	result, err := engine.Generate(ctx, query, true, true, true, "", 0.5)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "\n=== RESULT (residual error: %q) ===\n", result.Error)
	fmt.Println(result.Code)
}
