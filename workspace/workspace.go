// Package workspace implements the Project Workspace:
// named, isolated directories holding a knowledge graph, its small-chunk
// vector index, file records, and generation history, with hot-swap
// between workspaces.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"diagraph/chunker"
	"diagraph/embedding"
	"diagraph/experience"
	"diagraph/internal/derrors"
	"diagraph/knowledge"
	"diagraph/vectorindex"
)

// nameRe restricts workspace names to the allowed character set.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const (
	uploadsDirName   = "uploads"
	graphDBDirName   = "graph_db"
	historyFileName  = "history.json"
	filesFileName    = "files.json"
	graphFileName    = "graph.json"
	smallIndexName   = "small.db"
	routerIndexName  = "router_experience.db"
	mistakeIndexName = "mistakes.db"
	routerFileName   = "router.json"
	mistakeFileName  = "mistakes.json"
)

// FileStatus is the lifecycle state of an uploaded file record.
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusUploaded   FileStatus = "uploaded"
	FileStatusProcessing FileStatus = "processing"
	FileStatusSuccess    FileStatus = "success"
	FileStatusIndexed    FileStatus = "indexed"
	FileStatusError      FileStatus = "error"
)

// FileRecord is a durable record of one uploaded file.
type FileRecord struct {
	ID            string     `json:"id"`
	Filename      string     `json:"filename"`
	Status        FileStatus `json:"status"`
	Message       string     `json:"message"`
	Timestamp     int64      `json:"timestamp"`
	Location      string     `json:"location"`
	LastGraphSync float64    `json:"last_graph_sync"`
	Size          int64      `json:"size"`
}

// HistoryEntry is one past generate result.
type HistoryEntry struct {
	ID          string `json:"id"`
	Query       string `json:"query"`
	Code        string `json:"code"`
	DiagramType string `json:"diagramType"`
	Timestamp   int64  `json:"timestamp"`
}

// Workspace is one named, isolated project: its directories, its
// in-memory knowledge graph and small-chunk vector index, and its
// durable file/history records.
type Workspace struct {
	Name string
	Root string

	UploadsDir string
	GraphDBDir string

	mu sync.RWMutex

	Graph      *knowledge.Graph
	Chunks     map[string]chunker.Chunk
	SmallIndex *vectorindex.VectorIndex

	RouterExperience  *experience.Store
	MistakeExperience *experience.Store
	RouterFile        string
	MistakeFile       string

	files   []FileRecord
	history []HistoryEntry

	routerIdx  *vectorindex.VectorIndex
	mistakeIdx *vectorindex.VectorIndex
}

// ValidateName reports whether name only uses the allowed character set.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return derrors.New(derrors.InputInvalid, fmt.Sprintf("workspace: illegal name %q, allowed characters are [A-Za-z0-9_-]+", name), nil)
	}
	return nil
}

// Open creates (if absent) and loads the named workspace under root,
// binding its persistence paths, reloading its graph, file records and
// history, and opening its small-chunk and experience vector indices.
// Chunks is not persisted; it starts empty on every Open. embedder encodes experience-memory queries; it may be nil,
// in which case RouterExperience/MistakeExperience stay nil and callers
// must skip experience-augmented flows.
func Open(root, name string, embedder *embedding.Embedder, embeddingDim int) (*Workspace, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	wsRoot := filepath.Join(root, name)
	uploadsDir := filepath.Join(wsRoot, uploadsDirName)
	graphDBDir := filepath.Join(wsRoot, graphDBDirName)
	for _, dir := range []string{wsRoot, uploadsDir, graphDBDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("workspace: creating %s: %w", dir, err)
		}
	}

	w := &Workspace{
		Name:        name,
		Root:        wsRoot,
		UploadsDir:  uploadsDir,
		GraphDBDir:  graphDBDir,
		Chunks:      make(map[string]chunker.Chunk),
		RouterFile:  filepath.Join(wsRoot, routerFileName),
		MistakeFile: filepath.Join(wsRoot, mistakeFileName),
	}

	if err := w.reload(embedder, embeddingDim); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Workspace) reload(embedder *embedding.Embedder, embeddingDim int) error {
	graphPath := filepath.Join(w.GraphDBDir, graphFileName)
	if _, err := os.Stat(graphPath); err == nil {
		g, err := knowledge.Load(graphPath)
		if err != nil {
			return fmt.Errorf("workspace: loading graph: %w", err)
		}
		w.Graph = g
	} else {
		w.Graph = knowledge.New()
	}

	idx, err := vectorindex.Open(filepath.Join(w.GraphDBDir, smallIndexName), embeddingDim)
	if err != nil {
		return fmt.Errorf("workspace: opening small-chunk index: %w", err)
	}
	w.SmallIndex = idx

	if embedder != nil {
		routerIdx, err := vectorindex.Open(filepath.Join(w.GraphDBDir, routerIndexName), embeddingDim)
		if err != nil {
			return fmt.Errorf("workspace: opening router experience index: %w", err)
		}
		w.routerIdx = routerIdx
		w.RouterExperience = experience.New(embedder, routerIdx)

		mistakeIdx, err := vectorindex.Open(filepath.Join(w.GraphDBDir, mistakeIndexName), embeddingDim)
		if err != nil {
			return fmt.Errorf("workspace: opening mistake index: %w", err)
		}
		w.mistakeIdx = mistakeIdx
		w.MistakeExperience = experience.New(embedder, mistakeIdx)

		for _, rec := range mustLoadExperience(w.RouterFile) {
			if err := w.RouterExperience.AddRecord(context.Background(), rec, "persisted"); err != nil {
				slog.Warn("workspace: failed to warm router experience index", "error", err)
			}
		}
		for _, rec := range mustLoadExperience(w.MistakeFile) {
			if err := w.MistakeExperience.AddRecord(context.Background(), rec, "persisted"); err != nil {
				slog.Warn("workspace: failed to warm mistake index", "error", err)
			}
		}
	}

	w.files, err = loadJSONArray[FileRecord](filepath.Join(w.Root, filesFileName))
	if err != nil {
		return err
	}
	w.history, err = loadJSONArray[HistoryEntry](filepath.Join(w.Root, historyFileName))
	if err != nil {
		return err
	}
	return nil
}

func mustLoadExperience(path string) []experience.Record {
	records, err := experience.LoadPersisted(path)
	if err != nil {
		slog.Warn("workspace: failed to load persisted experience file", "path", path, "error", err)
		return nil
	}
	return records
}

func loadJSONArray[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: reading %s: %w", path, err)
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("workspace: decoding %s: %w", path, err)
	}
	return out, nil
}

func writeJSONArray[T any](path string, items []T) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: encoding %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("workspace: writing %s: %w", path, err)
	}
	return nil
}

// SaveGraph persists the current graph snapshot to graph_db/graph.json.
func (w *Workspace) SaveGraph() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.Graph.Save(filepath.Join(w.GraphDBDir, graphFileName))
}

// Close releases the workspace's open resources (its vector indices).
func (w *Workspace) Close() error {
	for _, idx := range []*vectorindex.VectorIndex{w.SmallIndex, w.routerIdx, w.mistakeIdx} {
		if idx == nil {
			continue
		}
		if err := idx.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Files returns a snapshot copy of the durable file records.
func (w *Workspace) Files() []FileRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]FileRecord, len(w.files))
	copy(out, w.files)
	return out
}

// UpsertFile inserts or updates (by ID) a file record and persists the
// full record list, guarded by a per-workspace mutex.
func (w *Workspace) UpsertFile(rec FileRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	found := false
	for i, existing := range w.files {
		if existing.ID == rec.ID {
			w.files[i] = rec
			found = true
			break
		}
	}
	if !found {
		w.files = append(w.files, rec)
	}
	return writeJSONArray(filepath.Join(w.Root, filesFileName), w.files)
}

// AppendHistory inserts entry at the front of the history list (most
// recent first) and persists it.
func (w *Workspace) AppendHistory(entry HistoryEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.history = append([]HistoryEntry{entry}, w.history...)
	return writeJSONArray(filepath.Join(w.Root, historyFileName), w.history)
}

// History returns a snapshot copy of the generation history.
func (w *Workspace) History() []HistoryEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]HistoryEntry, len(w.history))
	copy(out, w.history)
	return out
}

// Manager owns the single "current workspace" pointer and the atomic
// switch operation that rebinds it.
type Manager struct {
	root         string
	embedder     *embedding.Embedder
	embeddingDim int

	mu      sync.RWMutex
	current *Workspace
}

// NewManager opens the default workspace under root and returns a
// Manager bound to it.
func NewManager(root, defaultWorkspace string, embedder *embedding.Embedder, embeddingDim int) (*Manager, error) {
	m := &Manager{root: root, embedder: embedder, embeddingDim: embeddingDim}
	ws, err := Open(root, defaultWorkspace, embedder, embeddingDim)
	if err != nil {
		return nil, err
	}
	m.current = ws
	return m, nil
}

// Current returns the active workspace.
func (m *Manager) Current() *Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Switch saves the current workspace's graph, closes its resources,
// opens (or creates) name, and rebinds it as current. This is the one
// operation permitted to mutate the ambient "current workspace"
// pointer.
func (m *Manager) Switch(name string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if err := m.current.SaveGraph(); err != nil {
			return nil, fmt.Errorf("workspace: saving current graph before switch: %w", err)
		}
		if err := m.current.Close(); err != nil {
			return nil, fmt.Errorf("workspace: closing current workspace: %w", err)
		}
	}

	next, err := Open(m.root, name, m.embedder, m.embeddingDim)
	if err != nil {
		return nil, err
	}
	m.current = next
	return next, nil
}

// Exists reports whether a workspace directory already exists under root.
func Exists(root, name string) bool {
	_, err := os.Stat(filepath.Join(root, name))
	return err == nil
}
