package knowledge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trimodal-rag/backend/internal/capability"
	"github.com/trimodal-rag/backend/internal/models"
)

func domainConfig() *models.DomainConfig {
	return &models.DomainConfig{
		Domain:                          "net",
		EntityConfidenceThreshold:       0.2,
		RelationshipConfidenceThreshold: 0.3,
		EntityTypes:                     []string{"router", "bgp", "ospf"},
		RelationshipTypes:               []string{"advertises", "uses"},
	}
}

type cannedCompletion struct {
	reply string
	err   error
	got   []capability.Message
}

func (c *cannedCompletion) Complete(_ context.Context, msgs []capability.Message, _ capability.CompletionParams) (string, error) {
	c.got = msgs
	return c.reply, c.err
}

func (c *cannedCompletion) HealthCheck(context.Context) capability.HealthStatus {
	return capability.HealthStatus{Success: true}
}

type memGraph struct {
	mu    sync.Mutex
	nodes map[string]capability.GraphNode
	edges []capability.GraphEdge
	err   error
}

func (g *memGraph) UpsertEntities(_ context.Context, _ string, nodes []capability.GraphNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	if g.nodes == nil {
		g.nodes = map[string]capability.GraphNode{}
	}
	for _, n := range nodes {
		g.nodes[n.ID] = n
	}
	return nil
}

func (g *memGraph) UpsertRelations(_ context.Context, _ string, edges []capability.GraphEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = append(g.edges, edges...)
	return nil
}

type lengthEmbedder struct{}

func (lengthEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func (lengthEmbedder) HealthCheck(context.Context) capability.HealthStatus {
	return capability.HealthStatus{Success: true}
}

const doc = "The border router advertises BGP routes. OSPF uses link state."

func TestLLMExtractor_AnchorsEntitiesInText(t *testing.T) {
	llm := &cannedCompletion{reply: "```json\n" + `{
		"entities": [
			{"name": "BGP", "type": "protocol", "confidence": 0.9},
			{"name": "Router", "type": "device", "confidence": 0.8},
			{"name": "MPLS", "type": "protocol", "confidence": 0.9},
			{"name": "state", "type": "term", "confidence": 0.1}
		],
		"relationships": [
			{"subject": "router", "predicate": "advertises", "object": "bgp", "confidence": 0.7},
			{"subject": "router", "predicate": "uses", "object": "mpls", "confidence": 0.9},
			{"subject": "bgp", "predicate": "near", "object": "router", "confidence": 0.1}
		]
	}` + "\n```"}
	ex := NewLLMExtractor(llm, capability.CompletionParams{}, nil)

	ext, err := ex.Extract(context.Background(), models.Document{ID: "d1", Text: doc}, domainConfig())
	require.NoError(t, err)

	require.Len(t, ext.Entities, 2)
	assert.Equal(t, "bgp", ext.Entities[0].Text)
	assert.Equal(t, strings.Index(strings.ToLower(doc), "bgp"), ext.Entities[0].StartPos)
	assert.Equal(t, MethodLLM, ext.Entities[0].ExtractionMethod)

	require.Len(t, ext.Relationships, 1)
	assert.Equal(t, models.RelationshipResult{Subject: "router", Predicate: "ADVERTISES", Object: "bgp", Confidence: 0.7}, ext.Relationships[0])
	assert.Equal(t, 1.0, ext.RelationshipCoverage)
	assert.Contains(t, llm.got[0].Content, "router, bgp, ospf")

	_, err = NewValidator().Validate(ext)
	assert.NoError(t, err)
}

func TestLLMExtractor_Errors(t *testing.T) {
	_, err := NewLLMExtractor(&cannedCompletion{reply: "no json here"}, capability.CompletionParams{}, nil).
		Extract(context.Background(), models.Document{ID: "d1", Text: doc}, domainConfig())
	assert.Error(t, err)

	boom := errors.New("upstream down")
	_, err = NewLLMExtractor(&cannedCompletion{err: boom}, capability.CompletionParams{}, nil).
		Extract(context.Background(), models.Document{ID: "d1", Text: doc}, domainConfig())
	assert.ErrorIs(t, err, boom)
}

func TestProseExtractor_ProducesCoherentExtraction(t *testing.T) {
	ex := NewProseExtractor(nil)
	ext, err := ex.Extract(context.Background(), models.Document{ID: "d1", Text: doc + " The router uses ospf-area1."}, domainConfig())
	require.NoError(t, err)

	var texts []string
	for _, e := range ext.Entities {
		texts = append(texts, e.Text)
		assert.Greater(t, e.EndPos, e.StartPos)
		assert.InDelta(t, 0.5, e.Confidence, 0.5)
	}
	assert.Contains(t, texts, "router")
	assert.Contains(t, texts, "ospf-area1")

	_, err = NewValidator().Validate(ext)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, ext.EntityCoverage, 0.0)
	assert.LessOrEqual(t, ext.EntityCoverage, 1.0)
}

func TestProseExtractor_RequiresConfig(t *testing.T) {
	_, err := NewProseExtractor(nil).Extract(context.Background(), models.Document{ID: "d1", Text: doc}, nil)
	assert.Error(t, err)
}

func TestProseExtractor_QueryEntities(t *testing.T) {
	got, err := NewProseExtractor(nil).QueryEntities(context.Background(), "Why does the router drop ospf-area1 routes?", "net")
	require.NoError(t, err)
	assert.Contains(t, got, "router")
	assert.Contains(t, got, "ospf-area1")
	assert.NotContains(t, got, "the")
}

func TestGraphBuilder_WritesValidatedExtraction(t *testing.T) {
	g := &memGraph{}
	b := NewGraphBuilder(g, nil, lengthEmbedder{}, nil)
	ext := &models.KnowledgeExtraction{
		DocumentID:    "d1",
		Entities:      []models.EntityResult{entity("bgp"), entity("router")},
		Relationships: []models.RelationshipResult{{Subject: "bgp", Predicate: "RUNS_ON", Object: "router", Confidence: 0.8}},
	}

	res, err := b.Build(context.Background(), "net", "docs/a.md", ext)
	require.NoError(t, err)
	assert.Equal(t, &BuildResult{DocumentID: "d1", Entities: 2, Relations: 1}, res)

	node := g.nodes[EntityID("net", "bgp")]
	assert.Equal(t, "bgp", node.Name)
	assert.Equal(t, []float32{3, 1}, node.Embedding)
	require.Len(t, g.edges, 1)
	assert.Equal(t, EntityID("net", "router"), g.edges[0].ObjectID)
	assert.Equal(t, []string{"docs/a.md"}, g.edges[0].SourceDocs)

	// the same name in another domain is another node
	assert.NotEqual(t, EntityID("net", "bgp"), EntityID("web", "bgp"))
}

func TestGraphBuilder_RejectsIncoherentExtraction(t *testing.T) {
	g := &memGraph{}
	ext := &models.KnowledgeExtraction{
		DocumentID:    "d1",
		Entities:      []models.EntityResult{entity("bgp")},
		Relationships: []models.RelationshipResult{{Subject: "bgp", Predicate: "USES", Object: "tcp", Confidence: 0.5}},
	}
	_, err := NewGraphBuilder(g, nil, nil, nil).Build(context.Background(), "net", "", ext)
	assert.ErrorIs(t, err, ErrIncoherent)
	assert.Empty(t, g.nodes)
	assert.Empty(t, g.edges)
}

func TestGraphBuilder_WriterFailure(t *testing.T) {
	g := &memGraph{err: errors.New("neo4j unavailable")}
	ext := &models.KnowledgeExtraction{DocumentID: "d1", Entities: []models.EntityResult{entity("bgp")}}
	_, err := NewGraphBuilder(g, nil, nil, nil).Build(context.Background(), "net", "", ext)
	assert.ErrorContains(t, err, "neo4j unavailable")
}
