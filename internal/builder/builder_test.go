package builder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/enforcement"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/params"
	"github.com/trimodal-rag/backend/pkg/fingerprint"
)

var analysisTime = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func newBuilder(t testing.TB) *Builder {
	t.Helper()
	enf, err := enforcement.NewEnforcer("production", []string{`(?i)hardcoded`, `(?i)\bdefault`, `(?i)fallback`, `(?i)placeholder`, `(?i)\bmock`}, nil)
	require.NoError(t, err)
	return NewBuilder(params.Standard(), enf, nil)
}

func th(v float64) models.Threshold {
	return models.Threshold{Value: v, Lower: v, Upper: v, Confidence: 0.8, Source: "learned:pattern_learner/test"}
}

func patterns() *models.LearnedPatterns {
	return &models.LearnedPatterns{
		Domain:            "networking",
		AnalysisTimestamp: analysisTime,
		DocumentCount:     80,
		Thresholds: map[string]models.Threshold{
			models.ParamSimilarityThreshold:             th(0.42),
			models.ParamMaxResults:                      th(18),
			models.ParamEntityConfidenceThreshold:       th(0.3),
			models.ParamRelationshipConfidenceThreshold: th(0.25),
			models.ParamResponseTimeTarget:              th(1.4),
			models.ParamDedupThreshold:                  th(0.85),
			models.ParamHopCount:                        th(2),
		},
		QueryTypeThresholds: map[models.QueryType]map[string]models.Threshold{
			models.QueryTechnical: {models.ParamSimilarityThreshold: th(0.6)},
			models.QueryCreative:  {models.ParamSimilarityThreshold: th(0.2)},
		},
		ModalityWeights: models.ModalityWeights{Vector: 1.2, Graph: 0.6, GNN: 0.4},
		EntityTypes:     []string{"router", "packet"},
		Confidence:      0.8,
		Reliable:        true,
	}
}

func TestBuildDomainConfig(t *testing.T) {
	cfg, err := newBuilder(t).BuildDomainConfig("networking", patterns())
	require.NoError(t, err)

	assert.Equal(t, "networking", cfg.Domain)
	assert.Equal(t, analysisTime, cfg.CreatedAt)
	assert.Equal(t, 0.42, cfg.SimilarityThreshold)
	assert.Equal(t, 18, cfg.MaxResults)
	assert.Equal(t, 2, cfg.HopCount)
	assert.InDelta(t, 1.0, cfg.ModalityWeights.Sum(), models.WeightTolerance)
	assert.Equal(t, 0.6, cfg.QueryTypeOverrides[models.QueryTechnical][models.ParamSimilarityThreshold])
	assert.Equal(t, "learned:pattern_learner/test", cfg.FieldSources[models.ParamSimilarityThreshold])
	assert.Equal(t, "learned:pattern_learner/test", cfg.FieldSources["technical."+models.ParamSimilarityThreshold])
	assert.Equal(t, SourcePatternLearner, cfg.ConfigSource)
}

func TestBuildDomainConfig_IsDeterministic(t *testing.T) {
	b := newBuilder(t)

	first, err := b.BuildDomainConfig("networking", patterns())
	require.NoError(t, err)
	second, err := b.BuildDomainConfig("networking", patterns())
	require.NoError(t, err)

	assert.Equal(t, first, second)

	f1, err := fingerprint.Of(first)
	require.NoError(t, err)
	f2, err := fingerprint.Of(second)
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
}

func TestBuildDomainConfig_ClampsIntoBounds(t *testing.T) {
	lp := patterns()
	lp.Thresholds[models.ParamSimilarityThreshold] = th(1.7)
	lp.Thresholds[models.ParamMaxResults] = th(10000)
	lp.Thresholds[models.ParamHopCount] = th(-3)

	cfg, err := newBuilder(t).BuildDomainConfig("networking", lp)
	require.NoError(t, err)

	assert.Equal(t, 0.99, cfg.SimilarityThreshold)
	assert.Equal(t, 200, cfg.MaxResults)
	assert.Equal(t, 0, cfg.HopCount)
}

func TestBuildDomainConfig_MissingPattern(t *testing.T) {
	lp := patterns()
	delete(lp.Thresholds, models.ParamDedupThreshold)

	_, err := newBuilder(t).BuildDomainConfig("networking", lp)

	var na *apperrors.ConfigurationNotAvailableError
	require.ErrorAs(t, err, &na)
	assert.Equal(t, models.ParamDedupThreshold, na.Parameter)
}

func TestBuildDomainConfig_NoModalitySignal(t *testing.T) {
	lp := patterns()
	lp.ModalityWeights = models.ModalityWeights{}

	_, err := newBuilder(t).BuildDomainConfig("networking", lp)
	assert.Equal(t, apperrors.KindConfigurationNotAvailable, apperrors.KindOf(err))

	_, err = newBuilder(t).BuildDomainConfig("networking", nil)
	assert.Equal(t, apperrors.KindConfigurationNotAvailable, apperrors.KindOf(err))
}

func TestBuildDomainConfig_EnforcesProvenance(t *testing.T) {
	lp := patterns()
	bad := th(0.5)
	bad.Source = "hardcoded"
	lp.Thresholds[models.ParamEntityConfidenceThreshold] = bad

	_, err := newBuilder(t).BuildDomainConfig("networking", lp)
	assert.Equal(t, apperrors.KindConfigEnforcement, apperrors.KindOf(err))
}

func TestBuildDomainConfig_WeightsAlwaysSumToOne(t *testing.T) {
	b := newBuilder(t)
	rapid.Check(t, func(rt *rapid.T) {
		lp := patterns()
		lp.ModalityWeights = models.ModalityWeights{
			Vector: rapid.Float64Range(0, 50).Draw(rt, "vector"),
			Graph:  rapid.Float64Range(0, 50).Draw(rt, "graph"),
			GNN:    rapid.Float64Range(0.001, 50).Draw(rt, "gnn"),
		}
		lp.Thresholds[models.ParamSimilarityThreshold] = th(rapid.Float64Range(-2, 2).Draw(rt, "sim"))

		cfg, err := b.BuildDomainConfig("prop", lp)
		if err != nil {
			rt.Fatalf("build failed: %v", err)
		}
		if !cfg.ModalityWeights.Balanced() {
			rt.Fatalf("weights sum to %v", cfg.ModalityWeights.Sum())
		}
	})
}

func TestApplySuggestions_BoundedByMaxStep(t *testing.T) {
	b := newBuilder(t)
	cfg, err := b.BuildDomainConfig("networking", patterns())
	require.NoError(t, err)

	at := analysisTime.Add(time.Hour)
	out, applied, err := b.ApplySuggestions(cfg, []models.Suggestion{
		{Parameter: models.ParamSimilarityThreshold, Delta: 0.4},
		{Parameter: models.ParamGraphWeight, Delta: 0.05},
		{Parameter: "compatibility_threshold", Delta: 0.1},
	}, at)
	require.NoError(t, err)

	require.Len(t, applied, 2)
	assert.InDelta(t, 0.47, out.SimilarityThreshold, 1e-9, "delta limited to MaxStep")
	assert.InDelta(t, 1.0, out.ModalityWeights.Sum(), models.WeightTolerance)
	assert.Equal(t, SourceFeedbackAdjusted, out.FieldSources[models.ParamSimilarityThreshold])
	assert.Equal(t, SourceFeedbackAdjusted, out.ConfigSource)
	assert.Equal(t, at, out.CreatedAt)
	assert.Equal(t, 0.42, cfg.SimilarityThreshold, "input is not mutated")
}

func TestApplySuggestions_NothingApplicable(t *testing.T) {
	b := newBuilder(t)
	cfg, err := b.BuildDomainConfig("networking", patterns())
	require.NoError(t, err)

	out, applied, err := b.ApplySuggestions(cfg, []models.Suggestion{{Parameter: "unknown", Delta: 1}}, analysisTime)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Same(t, cfg, out)
}
