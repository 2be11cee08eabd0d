package knowledge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/capability"
	"github.com/trimodal-rag/backend/internal/metrics"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/pkg/fingerprint"
)

// EntityID is the graph id of an entity name within a domain. The same name
// extracted from different documents maps to the same node.
func EntityID(domain, name string) string {
	return fingerprint.HashString(domain + "\x00" + name)[:24]
}

// BuildResult counts what one extraction added to the graph.
type BuildResult struct {
	DocumentID string `json:"document_id"`
	Entities   int    `json:"entities"`
	Relations  int    `json:"relations"`
}

// GraphBuilder writes validated extractions into the knowledge graph.
type GraphBuilder struct {
	writer    capability.GraphWriter
	validator *Validator
	// embedder is optional. When set, entity nodes carry embeddings for
	// message passing at search time.
	embedder capability.EmbeddingService
	log      *zap.Logger
}

func NewGraphBuilder(writer capability.GraphWriter, validator *Validator, embedder capability.EmbeddingService, log *zap.Logger) *GraphBuilder {
	if log == nil {
		log = zap.NewNop()
	}
	if validator == nil {
		validator = NewValidator()
	}
	return &GraphBuilder{writer: writer, validator: validator, embedder: embedder, log: log}
}

// Build validates ext and upserts its entities, then its relationships.
// An incoherent extraction writes nothing.
func (b *GraphBuilder) Build(ctx context.Context, domain, source string, ext *models.KnowledgeExtraction) (*BuildResult, error) {
	if _, err := b.validator.Validate(ext); err != nil {
		b.log.Warn("Extraction rejected", zap.String("domain", domain), zap.Error(err))
		return nil, err
	}

	nodes := make([]capability.GraphNode, 0, len(ext.Entities))
	for _, e := range ext.Entities {
		node := capability.GraphNode{
			ID:   EntityID(domain, e.Text),
			Name: e.Text,
			Type: e.EntityType,
		}
		if b.embedder != nil {
			vec, err := b.embedder.Embed(ctx, e.Text)
			if err != nil {
				return nil, fmt.Errorf("failed to embed entity %q: %w", e.Text, err)
			}
			node.Embedding = vec
		}
		nodes = append(nodes, node)
	}

	edges := make([]capability.GraphEdge, 0, len(ext.Relationships))
	for _, r := range ext.Relationships {
		edge := capability.GraphEdge{
			SubjectID:  EntityID(domain, r.Subject),
			Predicate:  r.Predicate,
			ObjectID:   EntityID(domain, r.Object),
			Confidence: r.Confidence,
		}
		if source != "" {
			edge.SourceDocs = []string{source}
		}
		edges = append(edges, edge)
	}

	if len(nodes) > 0 {
		if err := b.writer.UpsertEntities(ctx, domain, nodes); err != nil {
			return nil, fmt.Errorf("failed to write entities: %w", err)
		}
		metrics.KGEntitiesWritten.Add(float64(len(nodes)))
	}
	if len(edges) > 0 {
		if err := b.writer.UpsertRelations(ctx, domain, edges); err != nil {
			return nil, fmt.Errorf("failed to write relations: %w", err)
		}
		metrics.KGRelationsWritten.Add(float64(len(edges)))
	}

	b.log.Info("Knowledge graph updated",
		zap.String("domain", domain),
		zap.String("document_id", ext.DocumentID),
		zap.Int("entities", len(nodes)),
		zap.Int("relations", len(edges)),
	)
	return &BuildResult{DocumentID: ext.DocumentID, Entities: len(nodes), Relations: len(edges)}, nil
}
