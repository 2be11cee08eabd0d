// Package params declares every tunable parameter the service resolves and
// how each one is sourced.
package params

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/models"
)

// Performance parameter names. Their values come from the metrics store.
const (
	CompatibilityThreshold         = "compatibility_threshold"
	CompatibilityWeightDomain      = "compatibility_weight_domain"
	CompatibilityWeightCoverage    = "compatibility_weight_coverage"
	CompatibilityWeightConstraints = "compatibility_weight_constraints"
	DriftSignificanceThreshold     = "drift_significance_threshold"
	ObservedP95ResponseTime        = "observed_p95_response_time"
	ObservedMeanRelevance          = "observed_mean_relevance"
)

// Infrastructure parameter names.
const (
	APIHost       = "api_host"
	APIPort       = "api_port"
	RedisAddr     = "redis_addr"
	Neo4jURI      = "neo4j_uri"
	MilvusAddress = "milvus_address"
	SQLitePath    = "sqlite_path"
	CorpusRoot    = "corpus_root"
	Environment   = "environment"
)

// forbiddenSources are provenance tags a learned value may never carry.
var forbiddenSources = []string{"hardcoded", "default", "fallback", "placeholder", "mock"}

// IsForbiddenSource reports whether source names a non-learned origin.
func IsForbiddenSource(source string) bool {
	s := strings.ToLower(source)
	for _, f := range forbiddenSources {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

type Registry struct {
	defs map[string]models.ParameterDefinition
}

// NewRegistry builds a registry. Every name must be declared exactly once.
func NewRegistry(defs []models.ParameterDefinition) (*Registry, error) {
	r := &Registry{defs: make(map[string]models.ParameterDefinition, len(defs))}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("parameter definition without a name")
		}
		if _, dup := r.defs[d.Name]; dup {
			return nil, fmt.Errorf("parameter %q declared twice", d.Name)
		}
		if d.MustBeLearned && d.Default != "" {
			return nil, fmt.Errorf("learned parameter %q must not declare a default", d.Name)
		}
		if d.Kind == models.KindInfrastructure && d.EnvVar == "" {
			return nil, fmt.Errorf("infrastructure parameter %q has no environment mapping", d.Name)
		}
		r.defs[d.Name] = d
	}
	return r, nil
}

// Standard returns the registry of every parameter the service uses.
func Standard() *Registry {
	r, err := NewRegistry(standardDefinitions())
	if err != nil {
		panic(err)
	}
	return r
}

func standardDefinitions() []models.ParameterDefinition {
	learned := func(name, source string, min, max, step float64) models.ParameterDefinition {
		return models.ParameterDefinition{
			Name:           name,
			Kind:           models.KindBusinessLogic,
			MustBeLearned:  true,
			LearningSource: source,
			Min:            min,
			Max:            max,
			MaxStep:        step,
		}
	}
	perf := func(name, source string, min, max float64) models.ParameterDefinition {
		return models.ParameterDefinition{
			Name:           name,
			Kind:           models.KindPerformance,
			MustBeLearned:  true,
			LearningSource: source,
			Min:            min,
			Max:            max,
		}
	}
	infra := func(name, env, def string) models.ParameterDefinition {
		return models.ParameterDefinition{
			Name:           name,
			Kind:           models.KindInfrastructure,
			LearningSource: "environment",
			EnvVar:         env,
			Default:        def,
		}
	}

	return []models.ParameterDefinition{
		learned(models.ParamSimilarityThreshold, "pattern_learner:pairwise_similarity_percentile", 0.05, 0.99, 0.05),
		learned(models.ParamMaxResults, "pattern_learner:corpus_size", 1, 200, 5),
		learned(models.ParamEntityConfidenceThreshold, "pattern_learner:term_weight_percentile", 0.05, 0.99, 0.05),
		learned(models.ParamRelationshipConfidenceThreshold, "pattern_learner:relationship_density_percentile", 0.05, 0.99, 0.05),
		learned(models.ParamResponseTimeTarget, "pattern_learner:document_length_distribution", 0.1, 60, 0.5),
		learned(models.ParamDedupThreshold, "pattern_learner:upper_similarity_percentile", 0.5, 0.999, 0.02),
		learned(models.ParamHopCount, "pattern_learner:complexity", 0, 4, 1),
		learned(models.ParamVectorWeight, "pattern_learner:modality_signal", 0.05, 0.9, 0.05),
		learned(models.ParamGraphWeight, "pattern_learner:modality_signal", 0.05, 0.9, 0.05),
		learned(models.ParamGNNWeight, "pattern_learner:modality_signal", 0.05, 0.9, 0.05),

		perf(CompatibilityThreshold, "negotiation_history:succeeded_score_percentile", 0, 1),
		perf(CompatibilityWeightDomain, "negotiation_history:component_separation", 0, 1),
		perf(CompatibilityWeightCoverage, "negotiation_history:component_separation", 0, 1),
		perf(CompatibilityWeightConstraints, "negotiation_history:component_separation", 0, 1),
		perf(DriftSignificanceThreshold, "execution_metrics:historical_zscore_percentile", 0, 100),
		perf(ObservedP95ResponseTime, "execution_metrics:response_time_p95", 0, math.MaxFloat64),
		perf(ObservedMeanRelevance, "execution_metrics:relevance_mean", 0, 1),

		infra(APIHost, "API_HOST", "0.0.0.0"),
		infra(APIPort, "API_PORT", "8080"),
		infra(RedisAddr, "REDIS_ADDR", ""),
		infra(Neo4jURI, "NEO4J_URI", ""),
		infra(MilvusAddress, "MILVUS_ADDRESS", ""),
		infra(SQLitePath, "SQLITE_PATH", ""),
		infra(CorpusRoot, "CORPUS_ROOT", ""),
		infra(Environment, "APP_ENV", ""),
	}
}

// Lookup returns the declared definition for name.
func (r *Registry) Lookup(name string) (models.ParameterDefinition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Definition returns the definition for name. Unknown names get a
// must-be-learned business-logic definition with no bounds; known reports
// which case applied.
func (r *Registry) Definition(name string) (def models.ParameterDefinition, known bool) {
	if d, ok := r.defs[name]; ok {
		return d, true
	}
	return models.ParameterDefinition{
		Name:           name,
		Kind:           models.KindBusinessLogic,
		MustBeLearned:  true,
		LearningSource: "unregistered",
	}, false
}

// ValidateUsage rejects a value for a must-be-learned parameter whose
// source is not a learned one.
func (r *Registry) ValidateUsage(name string, value float64, source string) error {
	def, _ := r.Definition(name)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return &apperrors.ConfigurationNotAvailableError{
			Parameter: name,
			Reason:    fmt.Sprintf("value %v is not a finite number", value),
		}
	}
	if def.MustBeLearned && (source == "" || IsForbiddenSource(source)) {
		return &apperrors.ConfigurationNotAvailableError{
			Parameter: name,
			Reason:    fmt.Sprintf("must be learned (%s) but source is %q", def.LearningSource, source),
		}
	}
	return nil
}

// Clamp bounds v to the parameter's declared range. Unbounded or unknown
// parameters are returned as is. changed reports whether clamping applied.
func (r *Registry) Clamp(name string, v float64) (out float64, changed bool) {
	def, ok := r.defs[name]
	if !ok || !def.Bounded() {
		return v, false
	}
	switch {
	case v < def.Min:
		return def.Min, true
	case v > def.Max:
		return def.Max, true
	}
	return v, false
}

// MaxStep is the largest single adjustment feedback may apply to name.
func (r *Registry) MaxStep(name string) float64 {
	return r.defs[name].MaxStep
}

// Names lists the parameters of one kind in sorted order.
func (r *Registry) Names(kind models.ParameterKind) []string {
	var out []string
	for name, d := range r.defs {
		if d.Kind == kind {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// EnvMapping is the documented parameter to environment variable table.
func (r *Registry) EnvMapping() map[string]string {
	out := make(map[string]string)
	for name, d := range r.defs {
		if d.Kind == models.KindInfrastructure {
			out[name] = d.EnvVar
		}
	}
	return out
}

// BalanceWeights normalizes raw, clamps each weight into its declared bounds
// and normalizes again so the result sums to one. ok is false when raw
// carries no positive weight.
func (r *Registry) BalanceWeights(raw models.ModalityWeights) (models.ModalityWeights, bool) {
	w, ok := raw.Normalized()
	if !ok {
		return models.ModalityWeights{}, false
	}
	for _, m := range models.Modalities {
		v, _ := r.Clamp(string(m)+"_weight", w.Get(m))
		w = w.With(m, v)
	}
	w, _ = w.Normalized()
	return w, true
}
