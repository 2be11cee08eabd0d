// Package evaluation estimates how relevant a synthesized result set is to
// its query.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/capability"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/pkg/stats"
	"github.com/trimodal-rag/backend/pkg/vecmath"
)

type Evaluator struct {
	embedder capability.EmbeddingService
	log      *zap.Logger
}

// Evaluation is the per-result similarity to the query and their
// score-weighted mean.
type Evaluation struct {
	Relevance    float64   `json:"relevance"`
	Similarities []float64 `json:"similarities"`
}

func NewEvaluator(embedder capability.EmbeddingService, log *zap.Logger) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{embedder: embedder, log: log}
}

// Evaluate embeds the query and every result. The relevance is the mean
// cosine similarity weighted by each result's combined score, clamped to
// [0,1]. An empty result set has relevance 0.
func (e *Evaluator) Evaluate(ctx context.Context, query string, results []models.SearchResult) (*Evaluation, error) {
	if len(results) == 0 {
		return &Evaluation{}, nil
	}

	q, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	sims := make([]float64, len(results))
	var weighted, total float64
	for i, r := range results {
		v, err := e.embedder.Embed(ctx, r.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to embed result %s: %w", r.ID, err)
		}
		sims[i] = stats.Clamp(vecmath.Cosine(q, v), 0, 1)
		weighted += r.CombinedScore * sims[i]
		total += r.CombinedScore
	}

	relevance := stats.Mean(sims)
	if total > 0 {
		relevance = weighted / total
	}

	e.log.Debug("Results evaluated",
		zap.Int("results", len(results)),
		zap.Float64("relevance", relevance),
	)
	return &Evaluation{Relevance: stats.Clamp(relevance, 0, 1), Similarities: sims}, nil
}

// EstimateRelevance is Evaluate reduced to the single score the
// performance log records.
func (e *Evaluator) EstimateRelevance(ctx context.Context, query string, results []models.SearchResult) (float64, error) {
	ev, err := e.Evaluate(ctx, query, results)
	if err != nil {
		return 0, err
	}
	return ev.Relevance, nil
}

type DatasetItem struct {
	Query       string `json:"query"`
	GroundTruth string `json:"ground_truth"`
	Category    string `json:"category"`
}

type Dataset struct {
	Items []DatasetItem `json:"items"`
}

func LoadDatasetFromJSON(data []byte) (*Dataset, error) {
	var dataset Dataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	return &dataset, nil
}

// Report summarizes a dataset run by category.
type Report struct {
	TotalQueries  int                `json:"total_queries"`
	Failed        int                `json:"failed"`
	MeanRelevance float64            `json:"mean_relevance"`
	P5Relevance   float64            `json:"p5_relevance"`
	ByCategory    map[string]float64 `json:"by_category"`
}

// SearchFunc runs one query and returns its ranked results.
type SearchFunc func(ctx context.Context, query string) ([]models.SearchResult, error)

// RunDataset searches every item and scores the results against the item's
// ground truth, not the query.
func (e *Evaluator) RunDataset(ctx context.Context, dataset *Dataset, search SearchFunc) (*Report, error) {
	report := &Report{TotalQueries: len(dataset.Items), ByCategory: map[string]float64{}}
	perCategory := map[string][]float64{}
	var all []float64

	for i, item := range dataset.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results, err := search(ctx, item.Query)
		if err != nil {
			e.log.Warn("Dataset query failed", zap.Int("index", i), zap.Error(err))
			report.Failed++
			continue
		}
		target := item.GroundTruth
		if target == "" {
			target = item.Query
		}
		rel, err := e.EstimateRelevance(ctx, target, results)
		if err != nil {
			e.log.Warn("Dataset evaluation failed", zap.Int("index", i), zap.Error(err))
			report.Failed++
			continue
		}
		all = append(all, rel)
		perCategory[item.Category] = append(perCategory[item.Category], rel)
	}

	report.MeanRelevance = stats.Mean(all)
	report.P5Relevance = stats.Percentile(all, 5)
	for c, rels := range perCategory {
		report.ByCategory[c] = stats.Mean(rels)
	}

	e.log.Info("Dataset evaluation completed",
		zap.Int("total", report.TotalQueries),
		zap.Int("failed", report.Failed),
		zap.Float64("mean_relevance", report.MeanRelevance),
	)
	return report, nil
}
