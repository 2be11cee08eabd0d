// Package builder assembles a DomainConfig from learned patterns and keeps
// it inside registry bounds.
package builder

import (
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/enforcement"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/params"
)

const (
	SourcePatternLearner   = "learned:pattern_learner"
	SourceFeedbackAdjusted = "learned:feedback_adjusted"
	sourceModalitySignal   = "learned:pattern_learner/modality_signal"
)

// requiredThresholds must all be present in the learned patterns.
var requiredThresholds = []string{
	models.ParamSimilarityThreshold,
	models.ParamMaxResults,
	models.ParamEntityConfidenceThreshold,
	models.ParamRelationshipConfidenceThreshold,
	models.ParamResponseTimeTarget,
	models.ParamDedupThreshold,
	models.ParamHopCount,
}

var weightParams = []string{
	models.ParamVectorWeight,
	models.ParamGraphWeight,
	models.ParamGNNWeight,
}

type Builder struct {
	registry *params.Registry
	enforcer *enforcement.Enforcer
	validate *validator.Validate
	logger   *zap.Logger
}

func NewBuilder(registry *params.Registry, enforcer *enforcement.Enforcer, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{
		registry: registry,
		enforcer: enforcer,
		validate: validator.New(),
		logger:   log,
	}
}

// BuildDomainConfig is deterministic: identical inputs give identical
// output, with CreatedAt taken from the analysis timestamp.
func (b *Builder) BuildDomainConfig(domain string, lp *models.LearnedPatterns) (*models.DomainConfig, error) {
	if lp == nil {
		return nil, apperrors.NotAvailable("", domain, "no learned patterns")
	}

	cfg := &models.DomainConfig{
		Domain:            domain,
		CreatedAt:         lp.AnalysisTimestamp.UTC(),
		DocumentCount:     lp.DocumentCount,
		EntityTypes:       append([]string(nil), lp.EntityTypes...),
		RelationshipTypes: append([]string(nil), lp.RelationshipTypes...),
		ConfigSource:      SourcePatternLearner,
		FieldSources:      make(map[string]string),
		ConfidenceScore:   clamp01(lp.Confidence),
	}

	for _, name := range requiredThresholds {
		th, ok := lp.Thresholds[name]
		if !ok {
			return nil, apperrors.NotAvailable(name, domain, "no learned pattern for parameter")
		}
		value, clamped := b.registry.Clamp(name, th.Value)
		if clamped {
			b.logger.Info("Clamped learned value into registry bounds",
				zap.String("domain", domain),
				zap.String("parameter", name),
				zap.Float64("learned", th.Value),
				zap.Float64("clamped", value),
			)
		}
		cfg.SetValue(name, value)
		cfg.FieldSources[name] = th.Source
	}

	weights, err := b.balanceWeights(domain, lp.ModalityWeights)
	if err != nil {
		return nil, err
	}
	cfg.ModalityWeights = weights
	for _, name := range weightParams {
		cfg.FieldSources[name] = sourceModalitySignal
	}

	if len(lp.QueryTypeThresholds) > 0 {
		cfg.QueryTypeOverrides = make(map[models.QueryType]map[string]float64, len(lp.QueryTypeThresholds))
		for qt, ths := range lp.QueryTypeThresholds {
			overrides := make(map[string]float64, len(ths))
			for name, th := range ths {
				value, _ := b.registry.Clamp(name, th.Value)
				overrides[name] = value
				cfg.FieldSources[string(qt)+"."+name] = th.Source
			}
			cfg.QueryTypeOverrides[qt] = overrides
		}
	}

	if err := b.check(cfg); err != nil {
		return nil, err
	}

	b.logger.Info("Domain config built",
		zap.String("domain", domain),
		zap.Float64("similarity_threshold", cfg.SimilarityThreshold),
		zap.Int("max_results", cfg.MaxResults),
		zap.Float64("confidence", cfg.ConfidenceScore),
	)

	return cfg, nil
}

// ApplySuggestions returns a copy of cfg with each suggested delta applied,
// limited to the parameter's MaxStep and clamped into bounds. The result is
// validated and enforced like a freshly built config.
func (b *Builder) ApplySuggestions(cfg *models.DomainConfig, suggestions []models.Suggestion, at time.Time) (*models.DomainConfig, []models.Suggestion, error) {
	if cfg == nil {
		return nil, nil, apperrors.NotAvailable("", "", "no config to adjust")
	}

	out := cfg.Clone()
	if out.FieldSources == nil {
		out.FieldSources = make(map[string]string)
	}

	var applied []models.Suggestion
	weightsTouched := false
	for _, s := range suggestions {
		def, known := b.registry.Lookup(s.Parameter)
		current, ok := out.Value(s.Parameter)
		if !known || !ok || def.Kind != models.KindBusinessLogic {
			b.logger.Warn("Ignoring suggestion for unsupported parameter",
				zap.String("domain", cfg.Domain),
				zap.String("parameter", s.Parameter),
			)
			continue
		}

		delta := s.Delta
		if def.MaxStep > 0 {
			delta = math.Max(-def.MaxStep, math.Min(def.MaxStep, delta))
		}
		next, _ := b.registry.Clamp(s.Parameter, current+delta)
		if next == current {
			continue
		}

		out.SetValue(s.Parameter, next)
		out.FieldSources[s.Parameter] = SourceFeedbackAdjusted
		s.Delta = next - current
		applied = append(applied, s)

		for _, name := range weightParams {
			if name == s.Parameter {
				weightsTouched = true
			}
		}
	}

	if len(applied) == 0 {
		return cfg, nil, nil
	}

	if weightsTouched {
		weights, err := b.balanceWeights(out.Domain, out.ModalityWeights)
		if err != nil {
			return nil, nil, err
		}
		out.ModalityWeights = weights
		for _, name := range weightParams {
			out.FieldSources[name] = SourceFeedbackAdjusted
		}
	}

	out.CreatedAt = at.UTC()
	out.ConfigSource = SourceFeedbackAdjusted

	if err := b.check(out); err != nil {
		return nil, nil, err
	}

	b.logger.Info("Applied feedback suggestions",
		zap.String("domain", out.Domain),
		zap.Int("applied", len(applied)),
		zap.Int("proposed", len(suggestions)),
	)

	return out, applied, nil
}

// balanceWeights logs when the learned weights needed renormalizing.
func (b *Builder) balanceWeights(domain string, raw models.ModalityWeights) (models.ModalityWeights, error) {
	w, ok := b.registry.BalanceWeights(raw)
	if !ok {
		return models.ModalityWeights{}, apperrors.NotAvailable(models.ParamVectorWeight, domain, "no modality signal was learned")
	}

	if !raw.Balanced() {
		b.logger.Info("Renormalized modality weights",
			zap.String("domain", domain),
			zap.Float64("raw_sum", raw.Sum()),
			zap.Float64("vector", w.Vector),
			zap.Float64("graph", w.Graph),
			zap.Float64("gnn", w.GNN),
		)
	}
	return w, nil
}

func (b *Builder) check(cfg *models.DomainConfig) error {
	if err := b.validate.Struct(cfg); err != nil {
		return fmt.Errorf("domain config %q failed validation: %w", cfg.Domain, err)
	}
	if !cfg.ModalityWeights.Balanced() {
		return fmt.Errorf("domain config %q modality weights sum to %v", cfg.Domain, cfg.ModalityWeights.Sum())
	}
	if b.enforcer != nil {
		if _, err := b.enforcer.ValidateDomainConfig(cfg); err != nil {
			return err
		}
	}
	return nil
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
