package perf

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/params"
)

func settled(score float64, ok bool, components map[string]float64) models.NegotiationRecord {
	return models.NegotiationRecord{Domain: "d", Score: score, Components: components, Accepted: ok, Succeeded: &ok}
}

func TestAggregates_NotAvailableWithoutHistory(t *testing.T) {
	agg := NewAggregates(&memStore{}, 100)
	ctx := context.Background()

	for _, name := range []string{
		params.CompatibilityThreshold,
		params.CompatibilityWeightDomain,
		params.DriftSignificanceThreshold,
		params.ObservedP95ResponseTime,
		params.ObservedMeanRelevance,
		"unheard_of",
	} {
		_, _, err := agg.PerformanceParameter(ctx, name, "d")
		assert.Equal(t, apperrors.KindConfigurationNotAvailable, apperrors.KindOf(err), name)
	}
}

func TestAggregates_CompatibilityThreshold(t *testing.T) {
	store := &memStore{negotiations: []models.NegotiationRecord{
		settled(0.9, true, nil),
		settled(0.8, true, nil),
		settled(0.7, true, nil),
		settled(0.6, true, nil),
		settled(0.3, false, nil),
	}}
	agg := NewAggregates(store, 100)

	v, src, err := agg.PerformanceParameter(context.Background(), params.CompatibilityThreshold, "d")
	require.NoError(t, err)
	assert.Equal(t, SourceTag, src)
	// 20% failures puts the bar at the 20th percentile of successful scores.
	assert.InDelta(t, 0.66, v, 1e-9)
}

func TestAggregates_CompatibilityWeightsSumToOne(t *testing.T) {
	store := &memStore{negotiations: []models.NegotiationRecord{
		settled(0.9, true, map[string]float64{"domain": 1, "coverage": 1, "constraints": 0.8}),
		settled(0.8, true, map[string]float64{"domain": 1, "coverage": 0.9, "constraints": 0.6}),
		settled(0.4, false, map[string]float64{"domain": 1, "coverage": 0.5, "constraints": 0.2}),
	}}
	agg := NewAggregates(store, 100)
	ctx := context.Background()

	var sum float64
	weights := map[string]float64{}
	for _, name := range []string{params.CompatibilityWeightDomain, params.CompatibilityWeightCoverage, params.CompatibilityWeightConstraints} {
		v, _, err := agg.PerformanceParameter(ctx, name, "d")
		require.NoError(t, err)
		weights[name] = v
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-9)
	assert.Zero(t, weights[params.CompatibilityWeightDomain], "domain match does not separate outcomes")
	assert.Greater(t, weights[params.CompatibilityWeightConstraints], weights[params.CompatibilityWeightCoverage])
}

func TestAggregates_DriftThresholdAndObserved(t *testing.T) {
	store := &memStore{}
	rels := make([]float64, 64)
	for i := range rels {
		rels[i] = 0.5 + 0.1*float64(i%3) - 0.05*float64(i%2)
	}
	seed(store, "h", rels, time.Now())
	agg := NewAggregates(store, 1000)
	ctx := context.Background()

	v, _, err := agg.PerformanceParameter(ctx, params.DriftSignificanceThreshold, "d")
	require.NoError(t, err)
	assert.Greater(t, v, 0.0)

	p95, _, err := agg.PerformanceParameter(ctx, params.ObservedP95ResponseTime, "d")
	require.NoError(t, err)
	assert.Equal(t, 0.5, p95)

	mean, _, err := agg.PerformanceParameter(ctx, params.ObservedMeanRelevance, "d")
	require.NoError(t, err)
	assert.Greater(t, mean, 0.4)
}
