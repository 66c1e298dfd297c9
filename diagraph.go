// Package diagraph is the root engine: it wires the chunker, embedder,
// knowledge graph, retriever, router, reviser, validator, and workspace
// manager into the public operations a caller (the HTTP server, a CLI,
// a test harness) actually drives: upload a file, ingest the current
// workspace's staged uploads into its graph, generate/fix/optimize a
// diagram, switch workspaces, and kick off a background repository
// analysis.
package diagraph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"diagraph/chunker"
	"diagraph/embedding"
	"diagraph/graphbuilder"
	"diagraph/internal/derrors"
	"diagraph/llm"
	"diagraph/orchestrator"
	"diagraph/reviser"
	"diagraph/retriever"
	"diagraph/router"
	"diagraph/tasktracker"
	"diagraph/validator"
	"diagraph/workspace"
)

const defaultEmbeddingBatchSize = 32

// Engine is the top-level entry point. All of its methods operate on
// the workspace manager's current workspace unless a workspace name is
// given explicitly (Switch).
type Engine struct {
	cfg Config

	chat          llm.Provider
	embedProvider llm.Provider
	embedder      *embedding.Embedder

	manager *workspace.Manager
	val     *validator.Validator
	tasks   *tasktracker.Tracker
	orch    *orchestrator.Engine
}

// New builds every component from cfg: the chat/embedding/vision LLM
// providers, the embedder, the external validator, the workspace
// manager (opening or creating DefaultWorkspace), the task tracker, and
// the pipeline orchestrator that ties them together.
func New(cfg Config) (*Engine, error) {
	if cfg.EmbeddingDim <= 0 {
		cfg.EmbeddingDim = 768
	}

	chat, err := llm.NewProvider(cfg.Chat.toProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("diagraph: building chat provider: %w", err)
	}
	embedProvider, err := llm.NewProvider(cfg.Embedding.toProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("diagraph: building embedding provider: %w", err)
	}

	// The document analyzer handles image summarization during ingestion.
	// It falls back to the chat provider when no distinct vision endpoint
	// is configured; that only works if the chat provider also satisfies
	// llm.VisionProvider, which orchestrator.summarizeImage checks for
	// at call time and fails gracefully if not.
	docAnalyzer := chat
	if cfg.Vision.Provider != "" {
		docAnalyzer, err = llm.NewProvider(cfg.Vision.toProviderConfig())
		if err != nil {
			return nil, fmt.Errorf("diagraph: building vision provider: %w", err)
		}
	}

	embedder := embedding.New(embedProvider, cfg.EmbeddingDim, defaultEmbeddingBatchSize)

	if err := os.MkdirAll(cfg.ProjectsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("diagraph: creating projects root: %w", err)
	}
	manager, err := workspace.NewManager(cfg.ProjectsRoot, cfg.DefaultWorkspace, embedder, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("diagraph: opening default workspace: %w", err)
	}

	val := validator.New(cfg.ValidatorURL, time.Duration(cfg.LLMTimeoutSeconds)*time.Second)

	tasksPath := filepath.Join(cfg.ProjectsRoot, "tasks.jsonl")
	tasks := tasktracker.New(fileMirror(tasksPath))

	orch := orchestrator.New(chat, docAnalyzer, embedder, val, tasks, orchestrator.Config{
		Chunker: chunker.Config{
			BigSize:      cfg.BigChunkSize,
			BigOverlap:   cfg.BigChunkOverlap,
			SmallSize:    cfg.SmallChunkSize,
			SmallOverlap: cfg.SmallChunkOverlap,
		},
		GraphBuilder: graphbuilder.Config{
			Concurrency:           cfg.GraphConcurrency,
			DrilldownTopK:         cfg.DrilldownTopK,
			OptimizeMaxIterations: cfg.OptimizeMaxIterations,
		},
		Retriever: retriever.Config{
			AnchorThreshold: cfg.RetrieverAnchorThreshold,
		},
		Router: router.Config{
			ExperienceThreshold: cfg.RouterExperienceThreshold,
		},
		Reviser:           reviser.Config{},
		MaxRevisions:      cfg.MaxRevisions,
		GitIngestTopN:     cfg.GitIngestTopN,
		LlamaParseAPIKey:  cfg.LlamaParseAPIKey,
		LlamaParseBaseURL: cfg.LlamaParseBaseURL,
	})

	return &Engine{cfg: cfg, chat: chat, embedProvider: embedProvider, embedder: embedder, manager: manager, val: val, tasks: tasks, orch: orch}, nil
}

// fileMirror returns a tasktracker.Mirror that appends each state
// transition to a JSON-lines file, leaving a durable log of each
// background task's last known state. The tracker does not read this
// file back on startup.
func fileMirror(path string) tasktracker.Mirror {
	return func(taskID string, s tasktracker.State) {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Warn("diagraph: opening task log", "error", err)
			return
		}
		defer f.Close()

		line, err := json.Marshal(struct {
			TaskID string `json:"task_id"`
			tasktracker.State
		}{TaskID: taskID, State: s})
		if err != nil {
			slog.Warn("diagraph: marshaling task state", "error", err)
			return
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			slog.Warn("diagraph: writing task log", "error", err)
		}
	}
}

// CurrentWorkspace returns the active workspace.
func (e *Engine) CurrentWorkspace() *workspace.Workspace {
	return e.manager.Current()
}

// SwitchWorkspace saves and closes the current workspace, then opens
// (creating if absent) and activates name.
func (e *Engine) SwitchWorkspace(name string) (*workspace.Workspace, error) {
	return e.manager.Switch(name)
}

// UploadFile writes content under the current workspace's uploads
// directory as filename. It does not ingest the file; call
// IngestCurrentWorkspace afterward to fold staged uploads into the
// knowledge graph.
func (e *Engine) UploadFile(filename string, content []byte) error {
	ws := e.manager.Current()
	if filename == "" || filepath.Base(filename) != filename {
		return derrors.New(derrors.InputInvalid, fmt.Sprintf("diagraph: illegal upload filename %q", filename), nil)
	}
	dest := filepath.Join(ws.UploadsDir, filename)
	if err := os.WriteFile(dest, content, 0o644); err != nil {
		return derrors.New(derrors.BackendUnavailable, "diagraph: writing upload", err)
	}
	return nil
}

// IngestCurrentWorkspace scans the current workspace's uploads
// directory for files staged or modified since their last graph sync,
// extracts their text (or a vision summary for images), and folds the
// result into the workspace's knowledge graph. It is a no-op if
// nothing is stale.
func (e *Engine) IngestCurrentWorkspace(ctx context.Context, intent string) error {
	return e.orch.IngestWorkspace(ctx, e.manager.Current(), intent)
}

// Generate builds the routing context for query from the current
// workspace's graph and/or staged file chunks, routes to a blueprint
// (or a specific forced diagram type), generates code, and runs it
// through the validate-revise loop.
func (e *Engine) Generate(ctx context.Context, query string, useGraph, useFileContext, useExperience bool, specificType string, richness float64) (orchestrator.GenerateResult, error) {
	ws := e.manager.Current()
	docContext, err := e.orch.BuildFileContext(ctx, ws, query, useGraph, useFileContext)
	if err != nil {
		return orchestrator.GenerateResult{}, err
	}
	return e.orch.Generate(ctx, ws, docContext, query, useExperience, specificType, richness)
}

// Fix re-enters the validate-revise loop on code a caller has already
// found broken.
func (e *Engine) Fix(ctx context.Context, code string) orchestrator.GenerateResult {
	return e.orch.FixExisting(ctx, e.manager.Current(), code)
}

// FixStream delivers one mistake-book-informed revision pass against code
// as a stream of content deltas via fn (typewriter-effect delivery), bypassing
// the bounded validate-revise loop Fix uses.
func (e *Engine) FixStream(ctx context.Context, code, errorMessage string, fn func(delta string) error) error {
	return e.orch.FixStream(ctx, e.manager.Current(), code, errorMessage, fn)
}

// Optimize applies a free-form instruction to existing code and
// re-validates the result.
func (e *Engine) Optimize(ctx context.Context, code, instruction string) orchestrator.GenerateResult {
	return e.orch.OptimizeExisting(ctx, e.manager.Current(), code, instruction)
}

// AnalyzeRepository starts a background task that clones repoURL,
// classifies and scores its files, analyzes the top-ranked ones, folds
// the resulting report into the current workspace's graph, and runs
// the generate pipeline over it. It returns immediately with a task ID
// that Task can be polled with.
func (e *Engine) AnalyzeRepository(repoURL string) string {
	ws := e.manager.Current()
	localPath := filepath.Join(ws.Root, "repo_clone")
	taskID := e.tasks.Start("cloning repository", time.Now().Unix())

	go func() {
		ctx := context.Background()
		result, err := e.orch.AnalyzeRepository(ctx, ws, taskID, repoURL, localPath, func() int64 { return time.Now().Unix() })
		if err != nil {
			e.tasks.Fail(taskID, err.Error(), time.Now().Unix())
			return
		}
		e.tasks.Succeed(taskID, "repository analysis complete", result, time.Now().Unix())
	}()

	return taskID
}

// Task returns the current state of a background task started by
// AnalyzeRepository.
func (e *Engine) Task(taskID string) (tasktracker.State, bool) {
	return e.tasks.Get(taskID)
}

// UpdateLLMConfig hot-swaps the chat and embedding provider credentials
// without restarting the process. An empty Provider field leaves that
// endpoint unchanged.
func (e *Engine) UpdateLLMConfig(chat, embed LLMConfig) {
	if chat.Provider != "" {
		e.chat.UpdateConfig(chat.toProviderConfig())
		e.cfg.Chat = chat
	}
	if embed.Provider != "" {
		e.embedProvider.UpdateConfig(embed.toProviderConfig())
		e.cfg.Embedding = embed
	}
}

// Close saves and releases the current workspace's resources.
func (e *Engine) Close() error {
	ws := e.manager.Current()
	if err := ws.SaveGraph(); err != nil {
		return err
	}
	return ws.Close()
}
