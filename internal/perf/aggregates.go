package perf

import (
	"context"
	"fmt"
	"math"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/params"
	"github.com/trimodal-rag/backend/pkg/stats"
)

// SourceTag is the provenance of every value Aggregates produces.
const SourceTag = "learned:performance_monitor"

// Aggregates derives performance parameters from the execution log and the
// negotiation history.
type Aggregates struct {
	store Store
	// Horizon caps how many log entries a single derivation reads.
	Horizon int
}

func NewAggregates(store Store, horizon int) *Aggregates {
	return &Aggregates{store: store, Horizon: horizon}
}

// PerformanceParameter resolves one performance parameter for a domain. An
// empty domain spans every domain where the underlying log supports it.
func (a *Aggregates) PerformanceParameter(ctx context.Context, name, domain string) (float64, string, error) {
	var (
		v   float64
		err error
	)
	switch name {
	case params.CompatibilityThreshold:
		v, err = a.compatibilityThreshold(ctx, domain)
	case params.CompatibilityWeightDomain:
		v, err = a.compatibilityWeight(ctx, domain, models.ComponentDomainMatch)
	case params.CompatibilityWeightCoverage:
		v, err = a.compatibilityWeight(ctx, domain, models.ComponentCoverage)
	case params.CompatibilityWeightConstraints:
		v, err = a.compatibilityWeight(ctx, domain, models.ComponentConstraints)
	case params.DriftSignificanceThreshold:
		v, err = a.driftThreshold(ctx, domain)
	case params.ObservedP95ResponseTime:
		v, err = a.observed(ctx, name, domain, func(xs []models.ExecutionMetrics) float64 {
			return stats.Percentile(responseTimes(xs), 95)
		})
	case params.ObservedMeanRelevance:
		v, err = a.observed(ctx, name, domain, func(xs []models.ExecutionMetrics) float64 {
			return stats.Mean(relevances(xs))
		})
	default:
		return 0, "", apperrors.NotAvailable(name, domain, "no performance aggregate is defined for this parameter")
	}
	if err != nil {
		return 0, "", err
	}
	return v, SourceTag, nil
}

func (a *Aggregates) negotiations(ctx context.Context, name, domain string) ([]models.NegotiationRecord, error) {
	recs, err := a.store.RecentNegotiations(ctx, domain, a.Horizon)
	if err != nil {
		return nil, fmt.Errorf("failed to load negotiation history: %w", err)
	}
	var settled []models.NegotiationRecord
	for _, r := range recs {
		if r.Succeeded != nil {
			settled = append(settled, r)
		}
	}
	if len(settled) == 0 {
		return nil, apperrors.NotAvailable(name, domain, "no settled negotiations recorded yet")
	}
	return settled, nil
}

// compatibilityThreshold accepts scores at least as good as the lowest
// scores that historically led to a successful search. The percentile
// tracks the historical failure share so a history of failures raises the
// bar.
func (a *Aggregates) compatibilityThreshold(ctx context.Context, domain string) (float64, error) {
	recs, err := a.negotiations(ctx, params.CompatibilityThreshold, domain)
	if err != nil {
		return 0, err
	}
	var succeeded []float64
	for _, r := range recs {
		if *r.Succeeded {
			succeeded = append(succeeded, r.Score)
		}
	}
	if len(succeeded) == 0 {
		return 0, apperrors.NotAvailable(params.CompatibilityThreshold, domain, "no negotiation has led to a successful search")
	}
	failureShare := 1 - float64(len(succeeded))/float64(len(recs))
	return stats.Percentile(succeeded, 100*failureShare), nil
}

// compatibilityWeight weighs a score component by how well it separates
// successful from failed negotiations. Without failures on record the
// component's mean among successes is used.
func (a *Aggregates) compatibilityWeight(ctx context.Context, domain, component string) (float64, error) {
	name := "compatibility_weight_" + component
	recs, err := a.negotiations(ctx, name, domain)
	if err != nil {
		return 0, err
	}

	raw := make(map[string]float64, len(models.CompatibilityComponents))
	var succ, fail []models.NegotiationRecord
	for _, r := range recs {
		if *r.Succeeded {
			succ = append(succ, r)
		} else {
			fail = append(fail, r)
		}
	}
	for _, c := range models.CompatibilityComponents {
		ms := componentMean(succ, c)
		if len(fail) > 0 {
			raw[c] = math.Max(ms-componentMean(fail, c), 0)
		} else {
			raw[c] = ms
		}
	}

	var sum float64
	for _, v := range raw {
		sum += v
	}
	if sum == 0 && len(fail) > 0 {
		for _, c := range models.CompatibilityComponents {
			raw[c] = componentMean(succ, c)
			sum += raw[c]
		}
	}
	if sum == 0 {
		return 0, apperrors.NotAvailable(name, domain, "negotiation history carries no component signal")
	}
	return raw[component] / sum, nil
}

func componentMean(recs []models.NegotiationRecord, component string) float64 {
	if len(recs) == 0 {
		return 0
	}
	var sum float64
	for _, r := range recs {
		sum += r.Components[component]
	}
	return sum / float64(len(recs))
}

// driftThreshold is the 95th percentile of absolute z-scores between
// consecutive historical windows of the domain's relevance series.
func (a *Aggregates) driftThreshold(ctx context.Context, domain string) (float64, error) {
	execs, err := a.store.DomainExecutions(ctx, domain, a.Horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to load executions: %w", err)
	}
	series := relevances(execs)
	size := int(math.Sqrt(float64(len(series))))
	if size < 2 {
		return 0, apperrors.NotAvailable(params.DriftSignificanceThreshold, domain, "not enough executions to form historical windows")
	}

	var zs []float64
	for start := size; start+size <= len(series); start += size {
		z := stats.ZScore(series[start-size:start], series[start:start+size])
		if !math.IsInf(z, 0) && !math.IsNaN(z) {
			zs = append(zs, math.Abs(z))
		}
	}
	if len(zs) < 2 {
		return 0, apperrors.NotAvailable(params.DriftSignificanceThreshold, domain, "historical windows carry no spread")
	}
	return stats.Percentile(zs, 95), nil
}

func (a *Aggregates) observed(ctx context.Context, name, domain string, fn func([]models.ExecutionMetrics) float64) (float64, error) {
	execs, err := a.store.DomainExecutions(ctx, domain, a.Horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to load executions: %w", err)
	}
	if len(execs) == 0 {
		return 0, apperrors.NotAvailable(name, domain, "no executions recorded yet")
	}
	return fn(execs), nil
}

func responseTimes(execs []models.ExecutionMetrics) []float64 {
	out := make([]float64, len(execs))
	for i, e := range execs {
		out[i] = e.ResponseTime
	}
	return out
}
