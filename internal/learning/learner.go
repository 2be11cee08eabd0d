// Package learning turns a corpus profile into confidence-scored thresholds
// and modality weights.
package learning

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/pkg/stats"
)

// MinDocsForReliableStats is the corpus size below which learned thresholds
// are reported with proportionally reduced confidence.
const MinDocsForReliableStats = 30

const sourcePrefix = "learned:pattern_learner/"

type Learner struct {
	minDocs int
	logger  *zap.Logger
}

func NewLearner(minDocs int, log *zap.Logger) *Learner {
	if minDocs <= 0 {
		minDocs = MinDocsForReliableStats
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Learner{minDocs: minDocs, logger: log}
}

// LearnThresholds derives thresholds from the analysis signals. A small
// corpus never fails; it lowers confidence and clears Reliable, and callers
// must check both before trusting the result.
func (l *Learner) LearnThresholds(analysis *models.CorpusAnalysis) (*models.LearnedPatterns, error) {
	if analysis == nil {
		return nil, fmt.Errorf("nil corpus analysis")
	}

	st := analysis.Statistics
	sig := analysis.Signals
	sampleFactor := math.Min(1, float64(st.DocumentCount)/float64(l.minDocs))

	out := &models.LearnedPatterns{
		Domain:              analysis.Domain,
		AnalysisTimestamp:   analysis.AnalysisTimestamp,
		DocumentCount:       st.DocumentCount,
		Thresholds:          make(map[string]models.Threshold),
		QueryTypeThresholds: make(map[models.QueryType]map[string]models.Threshold),
		EntityTypes:         append([]string(nil), st.EntityPatterns...),
		RelationshipTypes:   append([]string(nil), st.RelationshipPatterns...),
		Reliable:            st.DocumentCount >= l.minDocs,
	}

	simSample, simName := sig.PairwiseSimilarities, "pairwise_similarity"
	if len(simSample) == 0 {
		simSample, simName = sig.TermWeights, "term_weight"
	}

	if len(simSample) > 0 {
		baseLevel := 50 + 40*st.TechnicalDensity
		out.Thresholds[models.ParamSimilarityThreshold] = percentileThreshold(simSample, baseLevel, sampleFactor, simName)
		out.Thresholds[models.ParamDedupThreshold] = percentileThreshold(simSample, 95, sampleFactor, simName)

		levels := map[models.QueryType]float64{
			models.QueryTechnical:   (baseLevel + 100) / 2,
			models.QueryAnalytical:  baseLevel,
			models.QueryExploratory: baseLevel * 2 / 3,
			models.QueryCreative:    baseLevel / 2,
		}
		for qt, level := range levels {
			out.QueryTypeThresholds[qt] = map[string]models.Threshold{
				models.ParamSimilarityThreshold: percentileThreshold(simSample, level, sampleFactor, simName),
			}
		}
	}

	if len(sig.TermWeights) > 0 {
		out.Thresholds[models.ParamEntityConfidenceThreshold] = percentileThreshold(sig.TermWeights, 50, sampleFactor, "term_weight")
	}

	if len(sig.RelationshipCounts) > 0 {
		scaled := scaleToUnit(sig.RelationshipCounts)
		out.Thresholds[models.ParamRelationshipConfidenceThreshold] = percentileThreshold(scaled, 50, sampleFactor, "relationship_density")
	}

	if len(sig.DocumentLengths) > 0 {
		n := float64(st.DocumentCount)
		cv := stats.CoefficientOfVariation(sig.DocumentLengths)

		out.Thresholds[models.ParamResponseTimeTarget] = derived(
			0.5*(1+math.Log10(1+n))*(1+math.Min(cv, 1)), sampleFactor, "document_length_distribution")
		out.Thresholds[models.ParamMaxResults] = derived(
			math.Ceil(2*math.Sqrt(n)*(1+st.ComplexityScore)), sampleFactor, "corpus_size")
		out.Thresholds[models.ParamHopCount] = derived(
			1+math.Round(2*st.ComplexityScore), sampleFactor, "complexity")

		richness := analysis.QualityMetrics["vocabulary_richness"]
		out.ModalityWeights = models.ModalityWeights{
			Vector: (1 - st.TechnicalDensity) + richness,
			Graph:  st.TechnicalDensity + stats.Mean(sig.RelationshipCounts),
			GNN:    st.ComplexityScore,
		}
	}

	var confSum float64
	for _, th := range out.Thresholds {
		confSum += th.Confidence
	}
	if len(out.Thresholds) > 0 {
		out.Confidence = confSum / float64(len(out.Thresholds))
	}

	l.logger.Info("Thresholds learned",
		zap.String("domain", out.Domain),
		zap.Int("documents", out.DocumentCount),
		zap.Int("thresholds", len(out.Thresholds)),
		zap.Float64("confidence", out.Confidence),
		zap.Bool("reliable", out.Reliable),
	)
	if !out.Reliable {
		l.logger.Warn("Corpus below reliable sample size; thresholds carry reduced confidence",
			zap.String("domain", out.Domain),
			zap.Int("documents", out.DocumentCount),
			zap.Int("required", l.minDocs),
		)
	}

	return out, nil
}

// percentileThreshold estimates the level-th percentile of sample with a
// 95% order-statistic interval. Confidence shrinks with interval width
// relative to the sample range and with sampleFactor.
func percentileThreshold(sample []float64, level, sampleFactor float64, signal string) models.Threshold {
	level = stats.Clamp(level, 0, 100)
	iv := stats.PercentileInterval(sample, level, stats.Z95)

	spread := stats.Percentile(sample, 100) - stats.Percentile(sample, 0)
	widthPenalty := 0.0
	if spread > 0 {
		widthPenalty = iv.Width() / spread
	}

	return models.Threshold{
		Value:      iv.Value,
		Lower:      iv.Lower,
		Upper:      iv.Upper,
		Confidence: stats.Clamp(sampleFactor*(1-widthPenalty), 0, 1),
		Percentile: level,
		Source:     fmt.Sprintf("%s%s_p%.1f", sourcePrefix, signal, level),
	}
}

// derived wraps a value computed from corpus size or shape rather than
// estimated from a sample; its interval is the point itself.
func derived(value, confidence float64, signal string) models.Threshold {
	return models.Threshold{
		Value:      value,
		Lower:      value,
		Upper:      value,
		Confidence: confidence,
		Source:     sourcePrefix + signal,
	}
}

func scaleToUnit(xs []float64) []float64 {
	var top float64
	for _, x := range xs {
		top = math.Max(top, x)
	}
	out := make([]float64, len(xs))
	if top == 0 {
		return out
	}
	for i, x := range xs {
		out[i] = x / top
	}
	return out
}
