package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/trimodal-rag/backend/internal/capability"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/pkg/stats"
	"github.com/trimodal-rag/backend/pkg/vecmath"
)

// LegRequest is what every leg receives for one search.
type LegRequest struct {
	Query  string
	Domain string
	Config *models.GraphConfig
}

// Leg is one retrieval modality. Search must return promptly once ctx is
// done and must not keep work running after it returns.
type Leg interface {
	Modality() models.Modality
	Search(ctx context.Context, req LegRequest) ([]models.Hit, error)
}

// EntityExtractor finds the entities a query mentions, normalized the way
// they are stored in the graph.
type EntityExtractor interface {
	QueryEntities(ctx context.Context, query, domain string) ([]string, error)
}

// rank sorts hits by score, ties by id, and keeps at most limit.
func rank(hits []models.Hit, limit int) []models.Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

type VectorLeg struct {
	embedder capability.EmbeddingService
	index    capability.VectorIndex
}

func NewVectorLeg(embedder capability.EmbeddingService, index capability.VectorIndex) *VectorLeg {
	return &VectorLeg{embedder: embedder, index: index}
}

func (l *VectorLeg) Modality() models.Modality { return models.ModalityVector }

// Search returns indexed chunks at or above the learned similarity
// threshold.
func (l *VectorLeg) Search(ctx context.Context, req LegRequest) ([]models.Hit, error) {
	vec, err := l.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	found, err := l.index.Search(ctx, req.Domain, vec, req.Config.MaxResults)
	if err != nil {
		return nil, fmt.Errorf("vector index search failed: %w", err)
	}

	hits := make([]models.Hit, 0, len(found))
	for _, h := range found {
		h.Score = stats.Clamp(h.Score, 0, 1)
		if h.Score < req.Config.SimilarityThreshold {
			continue
		}
		hits = append(hits, h)
	}
	return rank(hits, req.Config.MaxResults), nil
}

type GraphLeg struct {
	extractor EntityExtractor
	store     capability.GraphStore
}

func NewGraphLeg(extractor EntityExtractor, store capability.GraphStore) *GraphLeg {
	return &GraphLeg{extractor: extractor, store: store}
}

func (l *GraphLeg) Modality() models.Modality { return models.ModalityGraph }

// Search walks the graph from the query's entities up to the configured hop
// count. Each path becomes one hit scored by its confidence. A query that
// names no entity yields no hits.
func (l *GraphLeg) Search(ctx context.Context, req LegRequest) ([]models.Hit, error) {
	entities, err := l.extractor.QueryEntities(ctx, req.Query, req.Domain)
	if err != nil {
		return nil, fmt.Errorf("failed to extract query entities: %w", err)
	}
	if len(entities) == 0 {
		return nil, nil
	}

	paths, err := l.store.Traverse(ctx, req.Domain, entities, req.Config.HopCount)
	if err != nil {
		return nil, fmt.Errorf("graph traversal failed: %w", err)
	}

	hits := make([]models.Hit, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if len(p.Nodes) == 0 {
			continue
		}
		id := pathID(p)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		hits = append(hits, models.Hit{
			ID:      id,
			Content: renderPath(p),
			Source:  string(models.ModalityGraph),
			Score:   stats.Clamp(p.Confidence, 0, 1),
			Metadata: map[string]string{
				"hops":  fmt.Sprint(len(p.Predicates)),
				"start": p.Nodes[0].Name,
			},
		})
	}
	return rank(hits, req.Config.MaxResults), nil
}

func pathID(p capability.GraphPath) string {
	ids := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		ids[i] = n.ID
	}
	return "graph:" + strings.Join(ids, ">")
}

// renderPath writes a path as "a pred b pred c". A single node renders as
// its text when it has one.
func renderPath(p capability.GraphPath) string {
	if len(p.Nodes) == 1 {
		if p.Nodes[0].Text != "" {
			return p.Nodes[0].Text
		}
		return p.Nodes[0].Name
	}
	var b strings.Builder
	for i, n := range p.Nodes {
		if i > 0 {
			b.WriteByte(' ')
			if i-1 < len(p.Predicates) {
				b.WriteString(strings.ToLower(p.Predicates[i-1]))
				b.WriteByte(' ')
			}
		}
		b.WriteString(n.Name)
	}
	return b.String()
}

// GNNLeg scores entities of the traversed neighborhood by one round of
// mean-aggregation message passing over node embeddings, compared with the
// query embedding.
type GNNLeg struct {
	extractor EntityExtractor
	store     capability.GraphStore
	embedder  capability.EmbeddingService
}

func NewGNNLeg(extractor EntityExtractor, store capability.GraphStore, embedder capability.EmbeddingService) *GNNLeg {
	return &GNNLeg{extractor: extractor, store: store, embedder: embedder}
}

func (l *GNNLeg) Modality() models.Modality { return models.ModalityGNN }

func (l *GNNLeg) Search(ctx context.Context, req LegRequest) ([]models.Hit, error) {
	entities, err := l.extractor.QueryEntities(ctx, req.Query, req.Domain)
	if err != nil {
		return nil, fmt.Errorf("failed to extract query entities: %w", err)
	}
	if len(entities) == 0 {
		return nil, nil
	}

	paths, err := l.store.Traverse(ctx, req.Domain, entities, req.Config.HopCount)
	if err != nil {
		return nil, fmt.Errorf("graph traversal failed: %w", err)
	}
	g := neighborhood(paths)
	if len(g.nodes) == 0 {
		return nil, nil
	}

	q, err := l.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	features := make(map[string][]float32, len(g.nodes))
	for _, id := range g.order {
		n := g.nodes[id]
		if len(n.Embedding) > 0 {
			features[id] = n.Embedding
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := l.embedder.Embed(ctx, nodeText(n))
		if err != nil {
			return nil, fmt.Errorf("failed to embed node %s: %w", id, err)
		}
		features[id] = v
	}

	hits := make([]models.Hit, 0, len(g.order))
	for _, id := range g.order {
		msgs := [][]float32{features[id]}
		for _, nb := range g.adjacent[id] {
			msgs = append(msgs, features[nb])
		}
		h := vecmath.Mean(msgs)
		score := stats.Clamp(vecmath.Cosine(h, q), 0, 1)
		if score < req.Config.SimilarityThreshold {
			continue
		}
		n := g.nodes[id]
		hits = append(hits, models.Hit{
			ID:      "gnn:" + id,
			Content: nodeText(n),
			Source:  string(models.ModalityGNN),
			Score:   score,
			Metadata: map[string]string{
				"entity_type": n.Type,
				"neighbors":   fmt.Sprint(len(g.adjacent[id])),
			},
		})
	}
	return rank(hits, req.Config.MaxResults), nil
}

func nodeText(n capability.GraphNode) string {
	if n.Text != "" {
		return n.Text
	}
	return n.Name
}

type graph struct {
	nodes    map[string]capability.GraphNode
	adjacent map[string][]string
	order    []string
}

// neighborhood merges paths into an undirected graph. Node order follows
// first appearance so results are deterministic.
func neighborhood(paths []capability.GraphPath) *graph {
	g := &graph{nodes: map[string]capability.GraphNode{}, adjacent: map[string][]string{}}
	edges := map[[2]string]struct{}{}
	link := func(a, b string) {
		if a == b {
			return
		}
		key := [2]string{a, b}
		if a > b {
			key = [2]string{b, a}
		}
		if _, ok := edges[key]; ok {
			return
		}
		edges[key] = struct{}{}
		g.adjacent[a] = append(g.adjacent[a], b)
		g.adjacent[b] = append(g.adjacent[b], a)
	}

	for _, p := range paths {
		for i, n := range p.Nodes {
			if _, ok := g.nodes[n.ID]; !ok {
				g.nodes[n.ID] = n
				g.order = append(g.order, n.ID)
			}
			if i > 0 {
				link(p.Nodes[i-1].ID, n.ID)
			}
		}
	}
	return g
}
