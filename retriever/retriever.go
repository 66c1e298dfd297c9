// Package retriever implements the graph-first Retriever:
// anchor selection over cosine similarity, 1-hop subgraph expansion,
// chunk voting, and deterministic context assembly.
package retriever

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"diagraph/chunker"
	"diagraph/embedding"
	"diagraph/internal/derrors"
	"diagraph/knowledge"
)

const (
	// EmptyContext is returned when no node clears the anchor threshold
	//, rather than an error.
	EmptyContext = "(no relevant context found in the knowledge graph)"

	defaultAnchorThreshold = 0.35
	defaultAnchorTopK      = 5
	defaultContextTopK     = 8
	maxEdgeDescriptions    = 15
	maxEntityHitsPerChunk  = 5

	anchorVoteBoost = 2.0
	smallChunkBoost = 1.5
	bigChunkBoost   = 0.5
	baseVote        = 1.0
)

// Config tunes anchor selection and chunk budget.
type Config struct {
	AnchorThreshold float64
	AnchorTopK      int
	ContextTopK     int
}

func (c Config) withDefaults() Config {
	if c.AnchorThreshold <= 0 {
		c.AnchorThreshold = defaultAnchorThreshold
	}
	if c.AnchorTopK <= 0 {
		c.AnchorTopK = defaultAnchorTopK
	}
	if c.ContextTopK <= 0 {
		c.ContextTopK = defaultContextTopK
	}
	return c
}

// Retriever answers queries against a knowledge.Graph and a chunk corpus.
type Retriever struct {
	embedder *embedding.Embedder
	cfg      Config
}

// New returns a Retriever.
func New(embedder *embedding.Embedder, cfg Config) *Retriever {
	return &Retriever{embedder: embedder, cfg: cfg.withDefaults()}
}

type scoredNode struct {
	node  *knowledge.Node
	score float64
}

// Retrieve embeds query, ranks graph nodes by cosine similarity, expands
// the top anchors by one hop, votes on chunks, and assembles a
// deterministic context string. chunks is keyed by chunk id.
func (r *Retriever) Retrieve(ctx context.Context, g *knowledge.Graph, query string, chunks map[string]chunker.Chunk) (string, error) {
	nodes := g.Nodes()
	if len(nodes) == 0 {
		return "", derrors.New(derrors.NotFound, "retriever: graph has no nodes", nil)
	}

	queryVecs, err := r.embedder.Encode(ctx, []string{query})
	if err != nil {
		return "", fmt.Errorf("retriever: embedding query: %w", err)
	}
	queryVec := queryVecs[0]

	nodeTexts := make([]string, len(nodes))
	for i, n := range nodes {
		nodeTexts[i] = n.ID + ": " + n.Description
	}
	nodeVecs, err := r.embedder.Encode(ctx, nodeTexts)
	if err != nil {
		return "", fmt.Errorf("retriever: embedding nodes: %w", err)
	}

	scored := make([]scoredNode, len(nodes))
	for i, n := range nodes {
		scored[i] = scoredNode{node: n, score: cosine(queryVec, nodeVecs[i])}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	var anchors []scoredNode
	for _, s := range scored {
		if s.score < r.cfg.AnchorThreshold {
			break
		}
		anchors = append(anchors, s)
		if len(anchors) == r.cfg.AnchorTopK {
			break
		}
	}
	if len(anchors) == 0 {
		return EmptyContext, nil
	}

	anchorSet := make(map[string]struct{}, len(anchors))
	anchorScore := make(map[string]float64, len(anchors))
	for _, a := range anchors {
		anchorSet[a.node.ID] = struct{}{}
		anchorScore[a.node.ID] = a.score
	}

	subgraphNodes, subgraphEdges := expandOneHop(g, anchorSet)

	chunkVotes := voteChunks(subgraphNodes, anchorSet)
	topChunks := topKChunkIDs(chunkVotes, r.cfg.ContextTopK)

	return assembleContext(anchors, anchorScore, subgraphEdges, topChunks, subgraphNodes, chunks), nil
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// expandOneHop returns every node reachable within one hop of anchors
// (both directions) union the anchors themselves, plus the edges traversed
// to reach them.
func expandOneHop(g *knowledge.Graph, anchorSet map[string]struct{}) (map[string]*knowledge.Node, []*knowledge.Edge) {
	nodes := make(map[string]*knowledge.Node)
	for id := range anchorSet {
		if n := g.Node(id); n != nil {
			nodes[id] = n
		}
	}

	var edges []*knowledge.Edge
	for _, e := range g.Edges() {
		_, srcAnchor := anchorSet[e.Src]
		_, dstAnchor := anchorSet[e.Dst]
		if !srcAnchor && !dstAnchor {
			continue
		}
		edges = append(edges, e)
		if n := g.Node(e.Src); n != nil {
			nodes[e.Src] = n
		}
		if n := g.Node(e.Dst); n != nil {
			nodes[e.Dst] = n
		}
	}
	return nodes, edges
}

// voteChunks scores every chunk cited by a subgraph node's source_chunks.
func voteChunks(subgraphNodes map[string]*knowledge.Node, anchorSet map[string]struct{}) map[string]float64 {
	votes := make(map[string]float64)
	for id, n := range subgraphNodes {
		_, isAnchor := anchorSet[id]
		for chunkID := range n.SourceChunks {
			if chunkID == knowledge.GlobalSummarySentinel {
				continue
			}
			vote := baseVote
			if isAnchor {
				vote += anchorVoteBoost
			}
			vote += granularityBoost(chunkID)
			votes[chunkID] += vote
		}
	}
	return votes
}

// granularityBoost infers chunk granularity from its id prefix, matching
// chunker.Chunk's id convention ("small_N" / "big_N").
func granularityBoost(chunkID string) float64 {
	switch {
	case strings.HasPrefix(chunkID, "small_"):
		return smallChunkBoost
	case strings.HasPrefix(chunkID, "big_"):
		return bigChunkBoost
	default:
		return 0
	}
}

func topKChunkIDs(votes map[string]float64, k int) []string {
	ids := make([]string, 0, len(votes))
	for id := range votes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if votes[ids[i]] != votes[ids[j]] {
			return votes[ids[i]] > votes[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > k {
		ids = ids[:k]
	}
	return ids
}

// assembleContext builds the deterministic 3-section (A/B/C) context
// string handed to the router.
func assembleContext(
	anchors []scoredNode,
	anchorScore map[string]float64,
	edges []*knowledge.Edge,
	topChunks []string,
	subgraphNodes map[string]*knowledge.Node,
	chunks map[string]chunker.Chunk,
) string {
	var b strings.Builder

	b.WriteString("## Anchor Definitions\n")
	for _, a := range anchors {
		fmt.Fprintf(&b, "- %s (confidence %.2f): %s\n", a.node.ID, anchorScore[a.node.ID], a.node.Description)
	}

	b.WriteString("\n## Relationships\n")
	for _, e := range longestEdgeDescriptions(edges, maxEdgeDescriptions) {
		fmt.Fprintf(&b, "- %s -> %s: %s\n", e.Src, e.Dst, e.Description)
	}

	b.WriteString("\n## Source Chunks\n")
	entityIDs := make([]string, 0, len(subgraphNodes))
	for id := range subgraphNodes {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs)

	anchorIDs := make([]string, 0, len(anchorScore))
	for id := range anchorScore {
		anchorIDs = append(anchorIDs, id)
	}
	sort.Strings(anchorIDs)

	for _, chunkID := range topChunks {
		chunk, ok := chunks[chunkID]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n### Chunk %s\n", chunkID)
		fmt.Fprintf(&b, "Anchor hits: %s\n", strings.Join(anchorHitsIn(chunk, anchorIDs), ", "))
		fmt.Fprintf(&b, "Other entity hits: %s\n", strings.Join(otherEntityHitsIn(chunk, entityIDs, anchorIDs, maxEntityHitsPerChunk), ", "))
		b.WriteString(chunk.Text)
		b.WriteString("\n")
	}

	return b.String()
}

func longestEdgeDescriptions(edges []*knowledge.Edge, k int) []*knowledge.Edge {
	sorted := append([]*knowledge.Edge(nil), edges...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i].Description) > len(sorted[j].Description) })
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

func anchorHitsIn(chunk chunker.Chunk, anchorIDs []string) []string {
	var hits []string
	for _, id := range anchorIDs {
		if strings.Contains(chunk.Text, id) {
			hits = append(hits, id)
		}
	}
	if len(hits) == 0 {
		return []string{"none"}
	}
	return hits
}

func otherEntityHitsIn(chunk chunker.Chunk, entityIDs, anchorIDs []string, limit int) []string {
	anchorSet := make(map[string]struct{}, len(anchorIDs))
	for _, id := range anchorIDs {
		anchorSet[id] = struct{}{}
	}
	var hits []string
	for _, id := range entityIDs {
		if _, isAnchor := anchorSet[id]; isAnchor {
			continue
		}
		if strings.Contains(chunk.Text, id) {
			hits = append(hits, id)
			if len(hits) == limit {
				break
			}
		}
	}
	if len(hits) == 0 {
		return []string{"none"}
	}
	return hits
}
