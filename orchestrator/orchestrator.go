// Package orchestrator implements the pipeline orchestrator: the
// ingestion pipeline that feeds the Graph Builder, the generate
// pipeline (context build -> route -> generate), the bounded
// validate-revise loop shared by /generate, /fix, and /optimize, and
// the background upload/repo-analysis tasks that drive them.
package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"diagraph/chunker"
	"diagraph/codegen"
	"diagraph/embedding"
	"diagraph/gitingest"
	"diagraph/graphbuilder"
	"diagraph/internal/derrors"
	"diagraph/llm"
	"diagraph/parser"
	"diagraph/retriever"
	"diagraph/reviser"
	"diagraph/router"
	"diagraph/tasktracker"
	"diagraph/validator"
	"diagraph/workspace"
)

const (
	// graphCorpusTokensPerFile is the document-analyzer budget for a
	// binary/image file summarized ahead of Graph Builder ingestion.
	graphCorpusTokensPerFile = 2400
	// directAnalysisTokenBudget is the total budget for direct-analysis
	// mode, divided across the file count.
	directAnalysisTokenBudget = 1200

	defaultMaxRevisions = 3

	imageTextExtractionPrompt = "Describe this file's content for inclusion in a document corpus. " +
		"Summarize its structure and key information in plain text."
)

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".rst": true, ".adoc": true, ".json": true,
	".yaml": true, ".yml": true, ".csv": true, ".log": true,
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

// Config tunes orchestrator-level defaults; it mirrors the root
// diagraph.Config field names so callers can build it from there.
type Config struct {
	Chunker       chunker.Config
	GraphBuilder  graphbuilder.Config
	Retriever     retriever.Config
	Router        router.Config
	Reviser       reviser.Config
	MaxRevisions  int
	GitIngestTopN int

	// LlamaParseAPIKey, when set, lets extractFileText fall back to the
	// LlamaParse hosted API for legacy binary formats (doc, xls, ppt).
	LlamaParseAPIKey  string
	LlamaParseBaseURL string
}

func (c Config) withDefaults() Config {
	if c.MaxRevisions <= 0 {
		c.MaxRevisions = defaultMaxRevisions
	}
	return c
}

// Engine wires the full pipeline: Chunker, Embedder, Graph Builder,
// Retriever, Router, Code Generator, Reviser, and Validator, each
// constructed fresh per call against the workspace's own graph/indices.
type Engine struct {
	chat        llm.Provider
	docAnalyzer llm.Provider
	embedder    *embedding.Embedder
	val         *validator.Validator
	tasks       *tasktracker.Tracker
	cfg         Config
}

// New returns an Engine. docAnalyzer may equal chat; it is used for
// binary/image file summarization ahead of ingestion.
func New(chat, docAnalyzer llm.Provider, embedder *embedding.Embedder, val *validator.Validator, tasks *tasktracker.Tracker, cfg Config) *Engine {
	return &Engine{chat: chat, docAnalyzer: docAnalyzer, embedder: embedder, val: val, tasks: tasks, cfg: cfg.withDefaults()}
}

// GenerateResult is the outcome of the generate pipeline and the
// validate-revise loop. The loop never throws; it returns the
// best-effort code plus the residual error.
type GenerateResult struct {
	Code  string
	Error string
}

// IngestWorkspace scans ws.UploadsDir, skips files whose mtime has not
// advanced past their recorded last_graph_sync, assembles a corpus from
// the rest (plain text concatenated directly, binary/image files
// summarized via docAnalyzer first), and runs the Graph Builder over
// it. Re-ingesting with no stale files performs zero LLM calls and
// leaves the graph unchanged.
func (e *Engine) IngestWorkspace(ctx context.Context, ws *workspace.Workspace, intent string) error {
	entries, err := os.ReadDir(ws.UploadsDir)
	if err != nil {
		return fmt.Errorf("orchestrator: reading uploads dir: %w", err)
	}

	records := indexFileRecords(ws.Files())
	var staleFiles []os.DirEntry
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		rec, known := records[entry.Name()]
		if known && float64(info.ModTime().Unix()) <= rec.LastGraphSync {
			continue
		}
		staleFiles = append(staleFiles, entry)
	}

	if len(staleFiles) == 0 {
		slog.Info("orchestrator: ingestion skipped, no stale files", "workspace", ws.Name)
		return nil
	}

	var corpus strings.Builder
	now := time.Now()
	for _, entry := range staleFiles {
		path := filepath.Join(ws.UploadsDir, entry.Name())
		text, err := e.extractFileText(ctx, path, len(staleFiles))
		if err != nil {
			slog.Warn("orchestrator: skipping unreadable upload", "file", entry.Name(), "error", err)
			continue
		}
		fmt.Fprintf(&corpus, "\n\n--- %s ---\n\n%s", entry.Name(), text)

		rec, known := records[entry.Name()]
		if !known {
			rec = workspace.FileRecord{ID: entry.Name(), Filename: entry.Name()}
		}
		rec.Status = workspace.FileStatusIndexed
		rec.LastGraphSync = float64(now.Unix())
		if err := ws.UpsertFile(rec); err != nil {
			slog.Warn("orchestrator: failed to persist file record", "file", entry.Name(), "error", err)
		}
	}

	return e.buildGraph(ctx, ws, intent, corpus.String())
}

// buildGraph chunks fullText, embeds and upserts its small chunks into
// ws.SmallIndex/ws.Chunks, and runs the Graph Builder 4-stage pipeline
// over ws.Graph.
func (e *Engine) buildGraph(ctx context.Context, ws *workspace.Workspace, intent, fullText string) error {
	if strings.TrimSpace(fullText) == "" {
		return nil
	}

	c := chunker.New(e.cfg.Chunker)
	big, small, err := c.Split(fullText, "corpus")
	if err != nil {
		return fmt.Errorf("orchestrator: chunking corpus: %w", err)
	}

	for _, chunk := range big {
		ws.Chunks[chunk.ID] = chunk
	}
	for _, chunk := range small {
		ws.Chunks[chunk.ID] = chunk
	}

	if err := e.indexSmallChunks(ctx, ws, small); err != nil {
		return err
	}

	builder := graphbuilder.New(e.chat, e.embedder, ws.SmallIndex, e.cfg.GraphBuilder)
	if err := builder.Build(ctx, ws.Graph, intent, fullText, big, small); err != nil {
		return fmt.Errorf("orchestrator: graph builder: %w", err)
	}
	return ws.SaveGraph()
}

func (e *Engine) indexSmallChunks(ctx context.Context, ws *workspace.Workspace, small []chunker.Chunk) error {
	if len(small) == 0 {
		return nil
	}
	texts := make([]string, len(small))
	for i, chunk := range small {
		texts[i] = chunk.Text
	}
	vecs, err := e.embedder.Encode(ctx, texts)
	if err != nil {
		return fmt.Errorf("orchestrator: embedding small chunks: %w", err)
	}
	for i, chunk := range small {
		if err := ws.SmallIndex.Upsert(ctx, chunk.ID, vecs[i], chunk.Text, map[string]string{"source": chunk.Source}); err != nil {
			return fmt.Errorf("orchestrator: indexing small chunk %s: %w", chunk.ID, err)
		}
	}
	return nil
}

// extractFileText reads path and returns its plain-text content:
// directly for text files, flattened through the parser registry for
// recognized document formats, or summarized by the document-analyzer
// LLM for images, within a fixed token budget.
func (e *Engine) extractFileText(ctx context.Context, path string, fileCount int) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))

	if textExtensions[ext] {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	if imageExtensions[ext] {
		return e.summarizeImage(ctx, path, fileCount)
	}

	var vision llm.VisionProvider
	if v, ok := e.docAnalyzer.(llm.VisionProvider); ok {
		vision = v
	}
	reg := parser.NewRegistry(vision)
	if e.cfg.LlamaParseAPIKey != "" {
		reg.SetLlamaParse(parser.LlamaParseConfig{APIKey: e.cfg.LlamaParseAPIKey, BaseURL: e.cfg.LlamaParseBaseURL})
	}
	format := strings.TrimPrefix(ext, ".")
	p, err := reg.Get(format)
	if err != nil {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return "", fmt.Errorf("no parser for %s and raw read failed: %w", format, readErr)
		}
		return string(data), nil
	}

	result, err := p.Parse(ctx, path)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", path, err)
	}
	return result.Flatten(), nil
}

func (e *Engine) summarizeImage(ctx context.Context, path string, fileCount int) (string, error) {
	vision, ok := e.docAnalyzer.(llm.VisionProvider)
	if !ok {
		return "", derrors.New(derrors.BackendUnavailable, "orchestrator: document analyzer does not support vision", nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mimeType := "image/png"
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".jpg" || ext == ".jpeg" {
		mimeType = "image/jpeg"
	}

	budget := graphCorpusTokensPerFile

	resp, err := vision.ChatWithImages(ctx, llm.VisionChatRequest{
		Messages: []llm.VisionMessage{
			{
				Role: "user",
				Content: []llm.ContentPart{
					{Type: "text", Text: imageTextExtractionPrompt},
					{Type: "image_url", ImageURL: &llm.ImageURL{URL: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)}},
				},
			},
		},
		MaxTokens: budget,
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: summarizing image %s: %w", path, err)
	}
	return resp.Content, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// routerConfig binds the engine-wide router tuning to the calling
// workspace's own durable experience-memory file, so learn_from_success
// persists alongside that workspace rather than a shared global path.
func (e *Engine) routerConfig(ws *workspace.Workspace) router.Config {
	cfg := e.cfg.Router
	cfg.ExperienceFile = ws.RouterFile
	return cfg
}

// reviserConfig binds the engine-wide reviser tuning to the calling
// workspace's own mistake-book file.
func (e *Engine) reviserConfig(ws *workspace.Workspace) reviser.Config {
	cfg := e.cfg.Reviser
	cfg.MistakeFile = ws.MistakeFile
	return cfg
}

func indexFileRecords(records []workspace.FileRecord) map[string]workspace.FileRecord {
	out := make(map[string]workspace.FileRecord, len(records))
	for _, r := range records {
		out[r.Filename] = r
	}
	return out
}

// BuildFileContext assembles the context string consumed by the
// router, combining graph-retrieval context with an optional raw
// excerpt of the corpus.
func (e *Engine) BuildFileContext(ctx context.Context, ws *workspace.Workspace, query string, useGraph, useFileContext bool) (string, error) {
	var parts []string
	if useGraph {
		ret := retriever.New(e.embedder, e.cfg.Retriever)
		graphCtx, err := ret.Retrieve(ctx, ws.Graph, query, ws.Chunks)
		if err != nil {
			if derrErr, ok := err.(*derrors.Error); ok && derrErr.Kind == derrors.NotFound {
				slog.Warn("orchestrator: empty graph, continuing without graph context")
			} else {
				return "", fmt.Errorf("orchestrator: retrieving graph context: %w", err)
			}
		} else {
			parts = append(parts, graphCtx)
		}
	}
	if useFileContext {
		for _, chunk := range ws.Chunks {
			parts = append(parts, chunk.Text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// Generate runs the generate pipeline (context build already done by
// the caller via BuildFileContext) followed by the bounded
// validate-revise loop, and records success into experience memory.
func (e *Engine) Generate(ctx context.Context, ws *workspace.Workspace, docContext, query string, useExperience bool, specificType string, richness float64) (GenerateResult, error) {
	rtr := router.New(e.chat, ws.RouterExperience, e.routerConfig(ws))

	var bp router.Blueprint
	var err error
	if specificType != "" {
		bp, err = rtr.AnalyzeSpecificMode(ctx, docContext, query, specificType)
	} else {
		bp, err = rtr.RouteAndAnalyze(ctx, docContext, query, useExperience)
	}
	if err != nil {
		return GenerateResult{}, fmt.Errorf("orchestrator: routing: %w", err)
	}

	gen := codegen.New(e.chat)
	code, err := gen.GenerateCode(ctx, bp.AnalysisContent, bp.TargetPromptFile, richness)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("orchestrator: generating code: %w", err)
	}

	result := e.validateRevise(ctx, ws, code)

	if result.Error == "" && query != "" {
		if err := rtr.LearnFromSuccess(ctx, query, result.Code); err != nil {
			slog.Warn("orchestrator: learn_from_success failed", "error", err)
		}
		if err := ws.AppendHistory(workspace.HistoryEntry{
			ID: fmt.Sprintf("h-%d", time.Now().UnixNano()), Query: query, Code: result.Code,
			DiagramType: strings.TrimSuffix(bp.TargetPromptFile, ".md"), Timestamp: time.Now().Unix(),
		}); err != nil {
			slog.Warn("orchestrator: appending history failed", "error", err)
		}
	}

	return result, nil
}

// OptimizeExisting applies a free-form instruction to existing code via
// the reviser's pure-transform path, then re-runs the validate-revise
// loop on the result.
func (e *Engine) OptimizeExisting(ctx context.Context, ws *workspace.Workspace, code, instruction string) GenerateResult {
	rev := reviser.New(e.chat, ws.MistakeExperience, e.reviserConfig(ws))
	optimized, err := rev.OptimizeCode(ctx, code, instruction)
	if err != nil {
		slog.Warn("orchestrator: optimize_code failed, keeping original", "error", err)
		optimized = code
	}
	return e.validateRevise(ctx, ws, optimized)
}

// FixExisting re-enters the validate-revise loop on code that a caller
// has already rendered and found broken (client-side render failure,
// hand edit, etc). It is the same loop Generate and OptimizeExisting
// use; the first iteration's validator call rediscovers the failure and
// seeds the revision history from there.
func (e *Engine) FixExisting(ctx context.Context, ws *workspace.Workspace, code string) GenerateResult {
	return e.validateRevise(ctx, ws, code)
}

// FixStream delivers a single mistake-book-informed revision pass as a
// stream of content deltas via fn, for callers rendering the fix live.
// Unlike FixExisting it does not run the bounded validate-revise loop: it
// is one revision attempt against whatever error message the caller
// supplies, with no round-trip to the validator in between.
func (e *Engine) FixStream(ctx context.Context, ws *workspace.Workspace, code, errorMessage string, fn llm.StreamFunc) error {
	rev := reviser.New(e.chat, ws.MistakeExperience, e.reviserConfig(ws))
	return rev.ReviseCodeStream(ctx, code, errorMessage, nil, true, fn)
}

// validateRevise runs the bounded validate-revise loop shared by
// /generate, /fix, and /optimize. It never returns an error: residual
// failure is reported in GenerateResult.Error.
func (e *Engine) validateRevise(ctx context.Context, ws *workspace.Workspace, code0 string) GenerateResult {
	rev := reviser.New(e.chat, ws.MistakeExperience, e.reviserConfig(ws))

	code := code0
	var firstFailCode, firstFailError string
	var lastResult validator.Result
	var attempts []reviser.Attempt
	revised := false

	for attempt := 0; attempt <= e.cfg.MaxRevisions; attempt++ {
		result, err := e.val.Check(ctx, code)
		if err != nil {
			slog.Warn("orchestrator: validator call failed", "error", err)
			lastResult = validator.Result{Valid: false, Error: err.Error()}
			break
		}
		lastResult = result
		if result.Valid {
			break
		}

		if firstFailCode == "" {
			firstFailCode, firstFailError = code, result.Error
		}
		attempts = append(attempts, reviser.Attempt{Code: code, Error: result.Error})

		if attempt == e.cfg.MaxRevisions {
			break
		}

		revisedCode, err := rev.ReviseCode(ctx, code, result.Error, attempts, ws.MistakeExperience != nil)
		if err != nil {
			slog.Warn("orchestrator: revise_code failed, stopping loop", "error", err)
			break
		}
		code = revisedCode
		revised = true
	}

	if lastResult.Valid && revised && ws.MistakeExperience != nil {
		if err := rev.RecordMistake(ctx, firstFailCode, firstFailError, code); err != nil {
			slog.Warn("orchestrator: record_mistake failed", "error", err)
		}
	}

	if lastResult.Valid {
		return GenerateResult{Code: code}
	}
	return GenerateResult{Code: code, Error: lastResult.Error}
}

// AnalyzeRepository clones repoURL (shallow), classifies and scores its
// files, analyzes the top-N via LLM, assembles a report, and feeds it
// through the generate pipeline as the query/context. It is intended to
// run as a background task tracked by a tasktracker.Tracker.
func (e *Engine) AnalyzeRepository(ctx context.Context, ws *workspace.Workspace, taskID, repoURL, localPath string, now func() int64) (GenerateResult, error) {
	topN := e.cfg.GitIngestTopN
	e.tasks.Update(taskID, tasktracker.StatusProcessing, "cloning repository", now())

	if err := gitingest.CloneShallow(repoURL, localPath); err != nil {
		e.tasks.Fail(taskID, err.Error(), now())
		return GenerateResult{}, fmt.Errorf("orchestrator: cloning %s: %w", repoURL, err)
	}

	e.tasks.Update(taskID, tasktracker.StatusProcessing, "analyzing repository files", now())
	classifier := gitingest.New(e.chat, topN)
	report, err := classifier.Analyze(ctx, repoURL, localPath)
	if err != nil {
		e.tasks.Fail(taskID, err.Error(), now())
		return GenerateResult{}, fmt.Errorf("orchestrator: analyzing %s: %w", repoURL, err)
	}

	if err := e.buildGraph(ctx, ws, "Summarize the architecture of this repository", report.Summary); err != nil {
		e.tasks.Fail(taskID, err.Error(), now())
		return GenerateResult{}, fmt.Errorf("orchestrator: building graph from repo report: %w", err)
	}

	e.tasks.Update(taskID, tasktracker.StatusProcessing, "generating diagram", now())
	result, err := e.Generate(ctx, ws, report.Summary, "Summarize the architecture of this repository", true, "", 0.7)
	if err != nil {
		e.tasks.Fail(taskID, err.Error(), now())
		return GenerateResult{}, err
	}

	e.tasks.Succeed(taskID, "repository analysis complete", result, now())
	return result, nil
}
