package perf

import (
	"fmt"
	"math"
	"sort"

	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/pkg/stats"
)

// GenerateOptimizationSuggestions proposes bounded deltas for cfg from an
// effectiveness analysis. Every delta is limited to the parameter's
// registered MaxStep. Suggestions are advisory; they take effect only
// through the config builder.
func (m *Monitor) GenerateOptimizationSuggestions(analysis *models.ConfigAnalysis, cfg *models.DomainConfig) []models.Suggestion {
	if analysis == nil || cfg == nil || analysis.SampleSize == 0 {
		return nil
	}

	// Evidence grows with the square root of the sample.
	confidence := 1 - 1/math.Sqrt(float64(analysis.SampleSize)+1)
	var out []models.Suggestion

	if cfg.ResponseTimeTarget > 0 && analysis.P95ResponseTime > cfg.ResponseTimeTarget {
		overshoot := analysis.P95ResponseTime/cfg.ResponseTimeTarget - 1
		improvement := (analysis.P95ResponseTime - cfg.ResponseTimeTarget) / analysis.P95ResponseTime
		out = append(out, m.bounded(models.ParamMaxResults, -overshoot*m.registry.MaxStep(models.ParamMaxResults),
			fmt.Sprintf("p95 response time %.3fs exceeds target %.3fs", analysis.P95ResponseTime, cfg.ResponseTimeTarget),
			improvement, confidence))

		if rate := analysis.LegFailureRates[string(models.ModalityGraph)]; rate > 0 && cfg.HopCount > 0 {
			out = append(out, m.bounded(models.ParamHopCount, -m.registry.MaxStep(models.ParamHopCount),
				fmt.Sprintf("graph leg fails %.0f%% of the time under the latency target", rate*100),
				improvement*rate, confidence*rate))
		}
	}

	if analysis.RelevanceTrend == models.TrendDeclining {
		drop := math.Abs(analysis.TrendSlope) * float64(analysis.SampleSize)
		out = append(out, m.bounded(models.ParamSimilarityThreshold,
			math.Min(drop, 1)*m.registry.MaxStep(models.ParamSimilarityThreshold),
			fmt.Sprintf("relevance declining by %.4f per execution", analysis.TrendSlope),
			stats.Clamp(drop, 0, 1), confidence))
	}

	// Move each modality weight toward the share of results it actually
	// contributed, discounted by how often the leg failed.
	for _, mod := range models.Modalities {
		share, ok := analysis.ModalityContributions[string(mod)]
		if !ok {
			continue
		}
		weight := cfg.ModalityWeights.Get(mod)
		target := share * (1 - analysis.LegFailureRates[string(mod)])
		delta := target - weight
		if math.Abs(delta) <= models.WeightTolerance {
			continue
		}
		name := string(mod) + "_weight"
		out = append(out, m.bounded(name, delta,
			fmt.Sprintf("%s leg contributed %.3f of results against weight %.3f", mod, share, weight),
			math.Abs(delta)*analysis.MeanRelevance, confidence))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Parameter < out[j].Parameter })
	return out
}

func (m *Monitor) bounded(name string, delta float64, reason string, improvement, confidence float64) models.Suggestion {
	if step := m.registry.MaxStep(name); step > 0 {
		delta = stats.Clamp(delta, -step, step)
	}
	return models.Suggestion{
		Parameter:           name,
		Delta:               delta,
		Reason:              reason,
		ExpectedImprovement: stats.Clamp(improvement, 0, 1),
		Confidence:          stats.Clamp(confidence, 0, 1),
	}
}
