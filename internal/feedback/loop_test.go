package feedback

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/perf"
)

type fakeMonitor struct {
	analysis    *models.ConfigAnalysis
	analysisErr error
	drift       *models.DriftReport
	driftErr    error
	suggestions []models.Suggestion
}

func (f *fakeMonitor) AnalyzeConfigEffectiveness(context.Context, string, int) (*models.ConfigAnalysis, error) {
	return f.analysis, f.analysisErr
}

func (f *fakeMonitor) DetectConfigurationDrift(context.Context, string, int, int) (*models.DriftReport, error) {
	return f.drift, f.driftErr
}

func (f *fakeMonitor) GenerateOptimizationSuggestions(*models.ConfigAnalysis, *models.DomainConfig) []models.Suggestion {
	return f.suggestions
}

type memConfigs struct {
	cfg    *models.DomainConfig
	stored []*models.DomainConfig
}

func (m *memConfigs) GetConfig(context.Context, string) (*models.DomainConfig, error) {
	return m.cfg, nil
}

func (m *memConfigs) StoreConfig(_ context.Context, _ string, cfg *models.DomainConfig) error {
	m.stored = append(m.stored, cfg)
	m.cfg = cfg
	return nil
}

type shiftAdjuster struct{}

func (shiftAdjuster) ApplySuggestions(cfg *models.DomainConfig, s []models.Suggestion, at time.Time) (*models.DomainConfig, []models.Suggestion, error) {
	out := cfg.Clone()
	for _, sg := range s {
		v, _ := out.Value(sg.Parameter)
		out.SetValue(sg.Parameter, v+sg.Delta)
	}
	out.CreatedAt = at
	return out, s, nil
}

type status struct {
	domain, status string
	details        map[string]any
}

type recordingPublisher struct {
	sent []status
	err  error
}

func (p *recordingPublisher) PublishStatus(_ context.Context, domain, st string, details map[string]any) error {
	p.sent = append(p.sent, status{domain, st, details})
	return p.err
}

func fixture(trend models.Trend, drifted bool) (*fakeMonitor, *memConfigs, *recordingPublisher, *Loop) {
	mon := &fakeMonitor{
		analysis: &models.ConfigAnalysis{ConfigHash: "h1", Domain: "net", SampleSize: 60, RelevanceTrend: trend},
		drift:    &models.DriftReport{ConfigHash: "h1", Drifted: drifted, ZScore: 3, Threshold: 2},
		suggestions: []models.Suggestion{
			{Parameter: models.ParamSimilarityThreshold, Delta: 0.05, Reason: "relevance declining"},
		},
	}
	cfgs := &memConfigs{cfg: &models.DomainConfig{Domain: "net", SimilarityThreshold: 0.4, MaxResults: 10}}
	pub := &recordingPublisher{}
	loop := NewLoop(mon, cfgs, shiftAdjuster{}, pub, Windows{Analysis: 100, Baseline: 50, Recent: 10}, nil)
	loop.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return mon, cfgs, pub, loop
}

func TestProcess_DecliningConfigIsAdjustedAndAnnounced(t *testing.T) {
	_, cfgs, pub, loop := fixture(models.TrendDeclining, false)

	out, err := loop.Process(context.Background(), "net", "h1")
	require.NoError(t, err)

	assert.True(t, out.Updated)
	require.Len(t, cfgs.stored, 1)
	assert.InDelta(t, 0.45, cfgs.stored[0].SimilarityThreshold, 1e-12)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "net", pub.sent[0].domain)
	assert.Equal(t, StatusConfigUpdated, pub.sent[0].status)
	assert.Equal(t, 1, pub.sent[0].details["applied"])
}

func TestProcess_ImprovingConfigIsLeftAlone(t *testing.T) {
	_, cfgs, pub, loop := fixture(models.TrendImproving, false)

	out, err := loop.Process(context.Background(), "net", "h1")
	require.NoError(t, err)
	assert.False(t, out.Updated)
	assert.Len(t, out.Suggestions, 1)
	assert.Empty(t, cfgs.stored)
	assert.Empty(t, pub.sent)
}

func TestProcess_DriftOverridesImprovingTrend(t *testing.T) {
	_, cfgs, _, loop := fixture(models.TrendImproving, true)

	out, err := loop.Process(context.Background(), "net", "h1")
	require.NoError(t, err)
	assert.True(t, out.Updated)
	assert.Len(t, cfgs.stored, 1)
}

func TestProcess_DriftSkippedWithoutHistory(t *testing.T) {
	for _, driftErr := range []error{
		fmt.Errorf("%w: too few", perf.ErrNoExecutions),
		apperrors.NotAvailable("drift_significance_threshold", "net", "no history"),
	} {
		mon, cfgs, _, loop := fixture(models.TrendDeclining, false)
		mon.drift, mon.driftErr = nil, driftErr

		out, err := loop.Process(context.Background(), "net", "h1")
		require.NoError(t, err)
		assert.Nil(t, out.Drift)
		assert.True(t, out.Updated)
		assert.Len(t, cfgs.stored, 1)
	}
}

func TestProcess_StableConfigWithoutDriftIsLeftAlone(t *testing.T) {
	_, cfgs, _, loop := fixture(models.TrendStable, false)

	out, err := loop.Process(context.Background(), "net", "h1")
	require.NoError(t, err)
	assert.False(t, out.Updated)
	assert.NotEmpty(t, out.Suggestions)
	assert.Empty(t, cfgs.stored)
}

func TestProcess_HeldBelowEvidenceFloor(t *testing.T) {
	mon, cfgs, pub, loop := fixture(models.TrendDeclining, true)
	mon.analysis.SampleSize = loop.windows.Evidence() - 1

	out, err := loop.Process(context.Background(), "net", "h1")
	require.NoError(t, err)
	assert.False(t, out.Updated)
	assert.NotEmpty(t, out.Suggestions)
	assert.Empty(t, cfgs.stored)
	assert.Empty(t, pub.sent)
}

func TestProcess_Errors(t *testing.T) {
	t.Run("analysis", func(t *testing.T) {
		mon, _, _, loop := fixture(models.TrendStable, false)
		mon.analysisErr = perf.ErrNoExecutions
		_, err := loop.Process(context.Background(), "net", "h1")
		assert.ErrorIs(t, err, perf.ErrNoExecutions)
	})

	t.Run("drift", func(t *testing.T) {
		mon, _, _, loop := fixture(models.TrendStable, false)
		mon.driftErr = errors.New("sqlite locked")
		_, err := loop.Process(context.Background(), "net", "h1")
		assert.ErrorContains(t, err, "sqlite locked")
	})

	t.Run("no stored config", func(t *testing.T) {
		_, cfgs, _, loop := fixture(models.TrendStable, false)
		cfgs.cfg = nil
		_, err := loop.Process(context.Background(), "net", "h1")
		assert.Equal(t, apperrors.KindConfigurationNotAvailable, apperrors.KindOf(err))
	})
}

func TestProcess_PublishFailureKeepsStoredConfig(t *testing.T) {
	_, cfgs, pub, loop := fixture(models.TrendDeclining, false)
	pub.err = errors.New("bus down")

	out, err := loop.Process(context.Background(), "net", "h1")
	require.NoError(t, err)
	assert.True(t, out.Updated)
	assert.Len(t, cfgs.stored, 1)
}
