// Package graphbuilder implements the Graph Builder's 4-stage ingestion
// pipeline: Backbone, Intermediate enrichment, Semantic drilldown, and
// Backbone-preserving optimization.
package graphbuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"diagraph/chunker"
	"diagraph/embedding"
	"diagraph/internal/derrors"
	"diagraph/knowledge"
	"diagraph/llm"
	"diagraph/vectorindex"
)

const (
	// DefaultConcurrency bounds Stage 2/3 worker pools.
	DefaultConcurrency = 8
	// DefaultDrilldownTopK bounds the number of focus nodes in Stage 3.
	DefaultDrilldownTopK = 20
	// DefaultOptimizeMaxIterations bounds Stage 4's convergence loop.
	DefaultOptimizeMaxIterations = 3
	// drilldownSearchTopK is the small-chunk vector search width per focus node.
	drilldownSearchTopK = 50

	backboneBoost     = 5.0
	intermediateBoost = 5.0
	drilldownBoost    = 1.0
	connectDefaultW   = 2.0

	perTaskTimeout = 90 * time.Second
)

// Config tunes the pipeline's concurrency and stopping conditions.
type Config struct {
	Concurrency           int
	DrilldownTopK         int
	OptimizeMaxIterations int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.DrilldownTopK <= 0 {
		c.DrilldownTopK = DefaultDrilldownTopK
	}
	if c.OptimizeMaxIterations <= 0 {
		c.OptimizeMaxIterations = DefaultOptimizeMaxIterations
	}
	return c
}

// Builder orchestrates the four-stage ingestion pipeline against a
// knowledge.Graph, using an LLM for extraction and a small-chunk vector
// index for semantic drilldown search.
type Builder struct {
	chat       llm.Provider
	embedder   *embedding.Embedder
	smallIndex *vectorindex.VectorIndex
	cfg        Config
}

// New returns a Builder. smallIndex may be nil, in which case Stage 3
// (drilldown) is skipped since it has no chunk corpus to search.
func New(chat llm.Provider, embedder *embedding.Embedder, smallIndex *vectorindex.VectorIndex, cfg Config) *Builder {
	return &Builder{chat: chat, embedder: embedder, smallIndex: smallIndex, cfg: cfg.withDefaults()}
}

// Build runs Backbone, Intermediate, Drilldown, and Optimize in sequence
// against g. Each stage's worker pool fully drains before the next stage
// starts.
func (b *Builder) Build(ctx context.Context, g *knowledge.Graph, intent, fullText string, big, small []chunker.Chunk) error {
	if err := b.stageBackbone(ctx, g, intent, fullText); err != nil {
		return err
	}
	if err := b.stageIntermediate(ctx, g, intent, big); err != nil {
		return err
	}
	if err := b.stageDrilldown(ctx, g, small); err != nil {
		return err
	}
	return b.stageOptimize(ctx, g)
}

// --- shared extraction types and helpers ---

type extractedNode struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

type extractedEdge struct {
	Src         string  `json:"src"`
	Dst         string  `json:"dst"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

type extractionResult struct {
	Nodes []extractedNode `json:"nodes"`
	Edges []extractedEdge `json:"edges"`
}

var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON finds the widest balanced `{...}` object in raw, stripping
// markdown code fences first. Falls back to "{}" if nothing balances.
func extractJSON(raw string) string {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)

	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "{}"
	}
	depth := 0
	for i := start; i < len(raw); i++ {
		switch raw[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return "{}"
}

func (b *Builder) callExtraction(ctx context.Context, prompt string) (extractionResult, error) {
	cctx, cancel := context.WithTimeout(ctx, perTaskTimeout)
	defer cancel()

	resp, err := b.chat.Chat(cctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return extractionResult{}, fmt.Errorf("extraction chat: %w", err)
	}

	var result extractionResult
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &result); err != nil {
		return extractionResult{}, fmt.Errorf("decoding extraction result: %w", err)
	}
	return result, nil
}

// --- Stage 1: Backbone ---

const backbonePrompt = `You are building the top-level architectural summary of a document.
User intent: %s

Extract 10 to 20 top-level nodes representing the document's main components, concepts, or sections, and the architectural edges (directed relationships) between them.

Return a JSON object with exactly two keys:
  "nodes": array of {"id": string, "description": string}
  "edges": array of {"src": string, "dst": string, "description": string, "weight": number}

Rules:
- Node ids are short, stable, lowercase-with-underscores identifiers.
- Only include edges between nodes you returned in "nodes".
- If there is nothing to extract, return {"nodes": [], "edges": []}.
- Do NOT include any text outside the JSON object.`

func (b *Builder) stageBackbone(ctx context.Context, g *knowledge.Graph, intent, fullText string) error {
	prompt := fmt.Sprintf(backbonePrompt, intent)

	var resp *llm.ChatResponse
	var err error
	cctx, cancel := context.WithTimeout(ctx, perTaskTimeout)
	defer cancel()

	if fp, ok := b.chat.(llm.FileProvider); ok {
		resp, err = fp.ChatWithFile(cctx, llm.ChatRequest{
			Messages:       []llm.Message{{Role: "user", Content: prompt}},
			Temperature:    0.0,
			ResponseFormat: "json_object",
		}, "document.txt", []byte(fullText))
	} else {
		resp, err = b.chat.Chat(cctx, llm.ChatRequest{
			Messages:       []llm.Message{{Role: "user", Content: prompt + "\n\nDOCUMENT:\n" + fullText}},
			Temperature:    0.0,
			ResponseFormat: "json_object",
		})
	}
	if err != nil {
		return derrors.New(derrors.BackendUnavailable, "graphbuilder: backbone extraction", err)
	}

	var result extractionResult
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &result); err != nil {
		return derrors.New(derrors.ParseFailure, "graphbuilder: decoding backbone result", err)
	}

	for _, n := range result.Nodes {
		if n.ID == "" {
			continue
		}
		g.UpsertNode(n.ID, n.Description, knowledge.Backbone, knowledge.GlobalSummarySentinel, backboneBoost)
	}
	for _, e := range result.Edges {
		if e.Src == "" || e.Dst == "" {
			continue
		}
		g.UpsertEdge(e.Src, e.Dst, e.Description, knowledge.GlobalSummarySentinel, weightOrDefault(e.Weight, 1.0))
	}
	slog.Info("graphbuilder: backbone stage complete", "nodes", len(result.Nodes), "edges", len(result.Edges))
	return nil
}

func weightOrDefault(w, def float64) float64 {
	if w <= 0 {
		return def
	}
	return w
}

// --- Stage 2: Intermediate enrichment ---

const intermediatePrompt = `User intent: %s

Anchor Context (existing backbone node ids): %s

For the following document chunk, extract new nodes and edges, prioritizing edges that connect to the anchor nodes above when the text supports it.

Return a JSON object with exactly two keys:
  "nodes": array of {"id": string, "description": string}
  "edges": array of {"src": string, "dst": string, "description": string, "weight": number}

Rules:
- Reuse an anchor node id exactly as given when referring to it; do not invent a new id for an existing concept.
- If there is nothing to extract, return {"nodes": [], "edges": []}.
- Do NOT include any text outside the JSON object.

CHUNK:
%s`

func (b *Builder) stageIntermediate(ctx context.Context, g *knowledge.Graph, intent string, big []chunker.Chunk) error {
	if len(big) == 0 {
		return nil
	}

	var backboneIDs []string
	for _, n := range g.Nodes() {
		if n.Type == knowledge.Backbone {
			backboneIDs = append(backboneIDs, n.ID)
		}
	}
	anchorList := strings.Join(backboneIDs, ", ")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.cfg.Concurrency)

	for _, chunk := range big {
		chunk := chunk
		eg.Go(func() error {
			prompt := fmt.Sprintf(intermediatePrompt, intent, anchorList, chunk.Text)
			result, err := b.callExtraction(egCtx, prompt)
			if err != nil {
				slog.Warn("graphbuilder: intermediate chunk failed, skipping", "chunk", chunk.ID, "error", err)
				return nil
			}
			for _, n := range result.Nodes {
				if n.ID == "" {
					continue
				}
				g.UpsertNode(n.ID, n.Description, knowledge.Intermediate, chunk.ID, intermediateBoost)
			}
			for _, e := range result.Edges {
				if e.Src == "" || e.Dst == "" {
					continue
				}
				g.UpsertEdge(e.Src, e.Dst, e.Description, chunk.ID, weightOrDefault(e.Weight, 1.0))
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return derrors.New(derrors.BackendUnavailable, "graphbuilder: intermediate stage", err)
	}
	slog.Info("graphbuilder: intermediate stage complete", "chunks", len(big))
	return nil
}

// --- Stage 3: Semantic drilldown ---

const drilldownPrompt = `Focus node: %s: %s

Extract additional edges primarily involving the focus node above (plus any other high-value, dense relationships in the chunk below).

Return a JSON object with exactly two keys:
  "nodes": array of {"id": string, "description": string}
  "edges": array of {"src": string, "dst": string, "description": string, "weight": number}

Rules:
- Reuse the focus node's id exactly as given.
- If there is nothing to extract, return {"nodes": [], "edges": []}.
- Do NOT include any text outside the JSON object.

CHUNK:
%s`

func (b *Builder) stageDrilldown(ctx context.Context, g *knowledge.Graph, small []chunker.Chunk) error {
	if b.smallIndex == nil || len(small) == 0 {
		return nil
	}

	focusNodes := rankFocusNodes(g, b.cfg.DrilldownTopK)
	if len(focusNodes) == 0 {
		return nil
	}

	chunkByID := make(map[string]chunker.Chunk, len(small))
	for _, c := range small {
		chunkByID[c.ID] = c
	}

	var visited sync.Map // chunk id -> struct{}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.cfg.Concurrency)

	for _, focus := range focusNodes {
		focus := focus
		eg.Go(func() error {
			query := focus.ID + ": " + focus.Description
			vecs, err := b.embedder.Encode(egCtx, []string{query})
			if err != nil {
				slog.Warn("graphbuilder: drilldown embed failed, skipping focus node", "node", focus.ID, "error", err)
				return nil
			}
			results, err := b.smallIndex.Query(egCtx, vecs[0], drilldownSearchTopK, vectorindex.QueryOptions{})
			if err != nil {
				slog.Warn("graphbuilder: drilldown search failed, skipping focus node", "node", focus.ID, "error", err)
				return nil
			}

			for _, r := range results {
				if _, alreadyVisited := visited.LoadOrStore(r.ID, struct{}{}); alreadyVisited {
					continue
				}
				chunk, ok := chunkByID[r.ID]
				if !ok {
					continue
				}
				prompt := fmt.Sprintf(drilldownPrompt, focus.ID, focus.Description, chunk.Text)
				result, err := b.callExtraction(egCtx, prompt)
				if err != nil {
					slog.Warn("graphbuilder: drilldown extraction failed, skipping chunk", "node", focus.ID, "chunk", chunk.ID, "error", err)
					continue
				}
				for _, n := range result.Nodes {
					if n.ID == "" {
						continue
					}
					g.UpsertNode(n.ID, n.Description, knowledge.Derived, chunk.ID, drilldownBoost)
				}
				for _, e := range result.Edges {
					if e.Src == "" || e.Dst == "" {
						continue
					}
					g.UpsertEdge(e.Src, e.Dst, e.Description, chunk.ID, weightOrDefault(e.Weight, 1.0))
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return derrors.New(derrors.BackendUnavailable, "graphbuilder: drilldown stage", err)
	}
	slog.Info("graphbuilder: drilldown stage complete", "focus_nodes", len(focusNodes))
	return nil
}

// rankFocusNodes orders nodes by (importance, degree) descending and
// returns the top-k.
func rankFocusNodes(g *knowledge.Graph, k int) []*knowledge.Node {
	nodes := g.Nodes()
	degree := make(map[string]int, len(nodes))
	for _, e := range g.Edges() {
		degree[e.Src]++
		degree[e.Dst]++
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Importance != nodes[j].Importance {
			return nodes[i].Importance > nodes[j].Importance
		}
		return degree[nodes[i].ID] > degree[nodes[j].ID]
	})
	if len(nodes) > k {
		nodes = nodes[:k]
	}
	return nodes
}

// --- Stage 4: Backbone-preserving optimization ---

const optimizePrompt = `You are consolidating a knowledge graph that has fragmented into disconnected pieces.

Backbone edges (the largest, authoritative component, read-only context):
%s

Fragment edges and isolated fragment nodes (candidates for consolidation):
%s

Propose up to 20 operations to connect or clean up the fragments. Each operation is one of:
  {"op": "DELETE", "target": node_id}
  {"op": "MERGE", "source": node_id, "target": node_id}
  {"op": "CONNECT", "src": node_id, "dst": node_id, "description": string, "weight": number}

Return a JSON object with exactly one key:
  "operations": array of the above

Rules:
- Prefer CONNECT and MERGE over DELETE.
- If nothing should change, return {"operations": []}.
- Do NOT include any text outside the JSON object.`

type optimizeOp struct {
	Op          string  `json:"op"`
	Target      string  `json:"target"`
	Source      string  `json:"source"`
	Src         string  `json:"src"`
	Dst         string  `json:"dst"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

type optimizeResult struct {
	Operations []optimizeOp `json:"operations"`
}

func (b *Builder) stageOptimize(ctx context.Context, g *knowledge.Graph) error {
	for iter := 0; iter < b.cfg.OptimizeMaxIterations; iter++ {
		comps := g.WeaklyConnectedComponents()
		if len(comps) <= 1 {
			break
		}

		backboneSet, fragments := splitLargestComponent(comps)

		cctx, cancel := context.WithTimeout(ctx, perTaskTimeout)
		prompt := fmt.Sprintf(optimizePrompt, formatBackboneEdges(g, backboneSet), formatFragments(g, fragments))
		resp, err := b.chat.Chat(cctx, llm.ChatRequest{
			Messages:       []llm.Message{{Role: "user", Content: prompt}},
			Temperature:    0.0,
			ResponseFormat: "json_object",
		})
		cancel()
		if err != nil {
			slog.Warn("graphbuilder: optimize call failed, stopping", "iteration", iter, "error", err)
			break
		}

		var result optimizeResult
		if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &result); err != nil {
			slog.Warn("graphbuilder: optimize decode failed, stopping", "iteration", iter, "error", err)
			break
		}
		if len(result.Operations) == 0 {
			break
		}

		for _, op := range result.Operations {
			applyOptimizeOp(g, backboneSet, op)
		}
	}

	g.RemoveNodes(g.Isolates())
	return nil
}

func applyOptimizeOp(g *knowledge.Graph, backboneSet map[string]struct{}, op optimizeOp) {
	switch strings.ToUpper(op.Op) {
	case "DELETE":
		if _, inBackbone := backboneSet[op.Target]; inBackbone {
			return
		}
		if op.Target != "" {
			g.RemoveNodes([]string{op.Target})
		}
	case "MERGE":
		if op.Source == "" || op.Target == "" {
			return
		}
		if err := g.MergeNode(op.Source, op.Target); err != nil {
			slog.Warn("graphbuilder: optimize merge failed", "source", op.Source, "target", op.Target, "error", err)
		}
	case "CONNECT":
		if op.Src == "" || op.Dst == "" {
			return
		}
		g.UpsertEdge(op.Src, op.Dst, op.Description, "", weightOrDefault(op.Weight, connectDefaultW))
	}
}

// splitLargestComponent returns the largest weakly-connected component
// and the remaining node ids
// (Fragments).
func splitLargestComponent(comps []map[string]struct{}) (backbone map[string]struct{}, fragments map[string]struct{}) {
	largestIdx := 0
	for i, c := range comps {
		if len(c) > len(comps[largestIdx]) {
			largestIdx = i
		}
	}
	backbone = comps[largestIdx]
	fragments = make(map[string]struct{})
	for i, c := range comps {
		if i == largestIdx {
			continue
		}
		for id := range c {
			fragments[id] = struct{}{}
		}
	}
	return backbone, fragments
}

// formatBackboneEdges returns up to the 100 backbone-internal edges with
// the highest combined endpoint importance, one per line.
func formatBackboneEdges(g *knowledge.Graph, backboneSet map[string]struct{}) string {
	importance := nodeImportanceIndex(g)
	var edges []*knowledge.Edge
	for _, e := range g.Edges() {
		_, sOK := backboneSet[e.Src]
		_, dOK := backboneSet[e.Dst]
		if sOK && dOK {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		return importance[edges[i].Src]+importance[edges[i].Dst] > importance[edges[j].Src]+importance[edges[j].Dst]
	})
	if len(edges) > 100 {
		edges = edges[:100]
	}
	var b strings.Builder
	for _, e := range edges {
		fmt.Fprintf(&b, "- %s -> %s: %s\n", e.Src, e.Dst, e.Description)
	}
	return b.String()
}

// formatFragments lists fragment edges plus isolated fragment nodes with
// descriptions.
func formatFragments(g *knowledge.Graph, fragments map[string]struct{}) string {
	var b strings.Builder
	connected := make(map[string]bool)
	for _, e := range g.Edges() {
		_, sOK := fragments[e.Src]
		_, dOK := fragments[e.Dst]
		if sOK || dOK {
			fmt.Fprintf(&b, "- edge %s -> %s: %s\n", e.Src, e.Dst, e.Description)
			connected[e.Src] = true
			connected[e.Dst] = true
		}
	}
	for id := range fragments {
		n := g.Node(id)
		if n == nil || connected[id] {
			continue
		}
		fmt.Fprintf(&b, "- isolated node %s: %s\n", n.ID, n.Description)
	}
	return b.String()
}

func nodeImportanceIndex(g *knowledge.Graph) map[string]float64 {
	idx := make(map[string]float64)
	for _, n := range g.Nodes() {
		idx[n.ID] = n.Importance
	}
	return idx
}
