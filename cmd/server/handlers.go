package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"diagraph"
)

type handler struct {
	engine *diagraph.Engine
}

func newHandler(e *diagraph.Engine) *handler {
	return &handler{engine: e}
}

// POST /upload
// Accepts a multipart file upload and stages it in the current
// workspace's uploads directory. It does not fold the file into the
// knowledge graph; call /ingest afterward for that.
func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(100 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form with a 'file' field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing 'file' field")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read upload")
		slog.Error("reading upload", "error", err)
		return
	}

	safeName := filepath.Base(header.Filename)
	if err := h.engine.UploadFile(safeName, content); err != nil {
		writeError(w, http.StatusBadRequest, "upload failed")
		slog.Error("upload error", "filename", safeName, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"filename": safeName})
}

// POST /ingest
// Folds any staged uploads modified since their last graph sync into
// the current workspace's knowledge graph.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		Intent string `json:"intent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := h.engine.IngestCurrentWorkspace(ctx, req.Intent); err != nil {
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		slog.Error("ingest error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ingested"})
}

// POST /generate
func (h *handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req struct {
		Query          string  `json:"query"`
		UseGraph       bool    `json:"use_graph"`
		UseFileContext bool    `json:"use_file_context"`
		UseExperience  bool    `json:"use_experience"`
		DiagramType    string  `json:"diagram_type,omitempty"`
		Richness       float64 `json:"richness,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := h.engine.Generate(ctx, req.Query, req.UseGraph, req.UseFileContext, req.UseExperience, req.DiagramType, req.Richness)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generation failed")
		slog.Error("generate error", "query", req.Query, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// POST /fix
func (h *handler) handleFix(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	writeJSON(w, http.StatusOK, h.engine.Fix(ctx, req.Code))
}

// POST /fix/stream
// Server-Sent Events variant of /fix: streams the revision's content
// deltas as they arrive instead of waiting for the full validate-revise
// loop. Does not retry against the validator; one revision pass only.
func (h *handler) handleFixStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code         string `json:"code"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	err := h.engine.FixStream(r.Context(), req.Code, req.ErrorMessage, func(delta string) error {
		payload, err := json.Marshal(map[string]string{"delta": delta})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		slog.Error("fix stream error", "error", err)
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", mustJSONError(err))
		flusher.Flush()
	}
}

func mustJSONError(err error) string {
	data, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return `{"error":"internal error"}`
	}
	return string(data)
}

// POST /optimize
func (h *handler) handleOptimize(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req struct {
		Code        string `json:"code"`
		Instruction string `json:"instruction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Code == "" || req.Instruction == "" {
		writeError(w, http.StatusBadRequest, "code and instruction are required")
		return
	}

	writeJSON(w, http.StatusOK, h.engine.Optimize(ctx, req.Code, req.Instruction))
}

// POST /repo-analysis
// Starts a background clone-classify-analyze-generate task and returns
// its task ID immediately; poll GET /tasks/{id} for completion.
func (h *handler) handleRepoAnalysis(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RepoURL string `json:"repo_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RepoURL == "" {
		writeError(w, http.StatusBadRequest, "repo_url is required")
		return
	}

	taskID := h.engine.AnalyzeRepository(req.RepoURL)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// GET /tasks/{id}
func (h *handler) handleTask(w http.ResponseWriter, r *http.Request) {
	state, ok := h.engine.Task(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task id")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// POST /workspaces/{name}
// Switches the active workspace, creating it if absent.
func (h *handler) handleSwitchWorkspace(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ws, err := h.engine.SwitchWorkspace(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "switching workspace failed")
		slog.Error("switch workspace error", "name", name, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workspace": ws.Name})
}

// GET /workspaces/current
func (h *handler) handleCurrentWorkspace(w http.ResponseWriter, r *http.Request) {
	ws := h.engine.CurrentWorkspace()
	writeJSON(w, http.StatusOK, map[string]string{"workspace": ws.Name})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf("%s", msg)})
}
