// Package milvus stores document chunk embeddings in a Milvus collection and
// serves them as the vector index.
package milvus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/capability"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/pkg/circuitbreaker"
	"github.com/trimodal-rag/backend/pkg/logger"
	"github.com/trimodal-rag/backend/pkg/retry"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

var _ capability.VectorIndex = (*Client)(nil)

// Chunk is one indexed slice of a corpus document.
type Chunk struct {
	ID         string
	Domain     string
	DocumentID string
	Source     string
	Text       string
	Embedding  []float32
	CreatedAt  time.Time
}

func NewClient(ctx context.Context, address, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{Address: address, APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	logger.Info("Milvus client initialized",
		zap.String("address", address),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
		cb:             cb,
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       3 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) schema() *entity.Schema {
	varchar := func(name string, maxLen int) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
		}
	}
	id := varchar("chunk_id", 64)
	id.PrimaryKey = true

	return &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "corpus chunk embeddings",
		Fields: []*entity.Field{
			id,
			varchar("domain", 128),
			varchar("document_id", 256),
			varchar("source", 512),
			varchar("text", 8192),
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(m.vectorDim)},
			},
			{Name: "created_at", DataType: entity.FieldTypeInt64},
		},
	}
}

// EnsureCollection creates, indexes and loads the collection when missing.
func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		if err := m.client.CreateCollection(ctx, m.schema(), entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
		if err != nil {
			return fmt.Errorf("failed to build index params: %w", err)
		}
		if err := m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		logger.Info("Collection created", zap.String("collection", m.collectionName))
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

// Insert upserts chunks by id and flushes so they are searchable at once.
func (m *Client) Insert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	ids := make([]string, len(chunks))
	domains := make([]string, len(chunks))
	docIDs := make([]string, len(chunks))
	sources := make([]string, len(chunks))
	texts := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))
	created := make([]int64, len(chunks))
	for i, c := range chunks {
		if len(c.Embedding) != m.vectorDim {
			return fmt.Errorf("chunk %s has dimension %d, collection expects %d", c.ID, len(c.Embedding), m.vectorDim)
		}
		ids[i] = c.ID
		domains[i] = c.Domain
		docIDs[i] = c.DocumentID
		sources[i] = c.Source
		texts[i] = c.Text
		embeddings[i] = c.Embedding
		created[i] = c.CreatedAt.Unix()
	}

	err := m.do(ctx, func() error {
		_, err := m.client.Upsert(ctx, m.collectionName, "",
			entity.NewColumnVarChar("chunk_id", ids),
			entity.NewColumnVarChar("domain", domains),
			entity.NewColumnVarChar("document_id", docIDs),
			entity.NewColumnVarChar("source", sources),
			entity.NewColumnVarChar("text", texts),
			entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
			entity.NewColumnInt64("created_at", created),
		)
		if err != nil {
			return err
		}
		return m.client.Flush(ctx, m.collectionName, false)
	})
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	logger.Info("Chunks indexed", zap.Int("count", len(chunks)))
	return nil
}

// Search returns the topK chunks of domain nearest to vector by cosine
// similarity.
func (m *Client) Search(ctx context.Context, domain string, vector []float32, topK int) ([]models.Hit, error) {
	if len(vector) != m.vectorDim {
		return nil, retry.Permanent(fmt.Errorf("query has dimension %d, collection expects %d", len(vector), m.vectorDim))
	}
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	var results []client.SearchResult
	err = m.do(ctx, func() error {
		var err error
		results, err = m.client.Search(ctx, m.collectionName, nil,
			domainFilter(domain),
			fields(),
			[]entity.Vector{entity.FloatVector(vector)},
			"embedding",
			entity.COSINE,
			topK,
			sp,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits, err := hitsFrom(results)
	if err != nil {
		return nil, err
	}
	logger.Debug("Vector search completed",
		zap.String("domain", domain),
		zap.Int("top_k", topK),
		zap.Int("results", len(hits)),
	)
	return hits, nil
}

func (m *Client) do(ctx context.Context, fn func() error) error {
	return m.cb.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, fn)
	})
}

func fields() []string {
	return []string{"chunk_id", "domain", "document_id", "source", "text"}
}

func domainFilter(domain string) string {
	return "domain == " + strconv.Quote(domain)
}

func hitsFrom(results []client.SearchResult) ([]models.Hit, error) {
	var hits []models.Hit
	for _, sr := range results {
		if sr.Err != nil {
			return nil, fmt.Errorf("search result: %w", sr.Err)
		}
		for i := 0; i < sr.ResultCount; i++ {
			id, err := sr.Fields.GetColumn("chunk_id").GetAsString(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read chunk id: %w", err)
			}
			text, _ := sr.Fields.GetColumn("text").GetAsString(i)
			source, _ := sr.Fields.GetColumn("source").GetAsString(i)
			docID, _ := sr.Fields.GetColumn("document_id").GetAsString(i)
			hits = append(hits, models.Hit{
				ID:       id,
				Content:  text,
				Source:   source,
				Score:    float64(sr.Scores[i]),
				Metadata: map[string]string{"document_id": docID},
			})
		}
	}
	return hits, nil
}

func (m *Client) HealthCheck(ctx context.Context) capability.HealthStatus {
	return capability.Probe(ctx, func(ctx context.Context) error {
		_, err := m.client.HasCollection(ctx, m.collectionName)
		return err
	})
}
