// Package negotiation turns a search context into requirements, checks a
// learned domain config against them and derives the per-search
// GraphConfig.
package negotiation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/corpus"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/params"
)

// Resolver supplies learned values and configs.
type Resolver interface {
	Number(ctx context.Context, name, domain string, queryType models.QueryType) (float64, string, error)
	GetDomainConfig(ctx context.Context, domain string) (*models.DomainConfig, error)
}

// History appends negotiation outcomes.
type History interface {
	InsertNegotiation(ctx context.Context, rec *models.NegotiationRecord) error
}

// baseRequired are needed by every search.
var baseRequired = []string{
	models.ParamSimilarityThreshold,
	models.ParamMaxResults,
	models.ParamDedupThreshold,
	models.ParamResponseTimeTarget,
	models.ParamVectorWeight,
	models.ParamGraphWeight,
	models.ParamGNNWeight,
}

var knownConstraints = map[string]struct{}{
	models.ConstraintMaxResponseTime: {},
	models.ConstraintMinConfidence:   {},
	models.ConstraintMaxResults:      {},
}

// creativeCues mark requests to produce rather than find.
var creativeCues = map[string]struct{}{
	"write": {}, "imagine": {}, "invent": {}, "brainstorm": {}, "compose": {},
	"draft": {}, "story": {}, "poem": {}, "ideas": {}, "create": {}, "generate": {},
}

type Negotiator struct {
	resolver  Resolver
	history   History
	registry  *params.Registry
	tokenizer corpus.Tokenizer
	validate  *validator.Validate
	log       *zap.Logger
	now       func() time.Time
}

func New(resolver Resolver, history History, registry *params.Registry, tokenizer corpus.Tokenizer, log *zap.Logger) *Negotiator {
	if tokenizer == nil {
		tokenizer = corpus.ProseTokenizer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Negotiator{
		resolver:  resolver,
		history:   history,
		registry:  registry,
		tokenizer: tokenizer,
		validate:  validator.New(),
		log:       log,
		now:       time.Now,
	}
}

// NegotiateRequirements infers the query type and the minimal parameter set
// for a search. An explicit hint wins; otherwise the share of technical
// tokens, then question form and creative cues decide.
func (n *Negotiator) NegotiateRequirements(ctx context.Context, sc models.SearchContext) (*models.ConfigRequirements, error) {
	if strings.TrimSpace(sc.Query) == "" {
		return nil, apperrors.InvalidInput("query is required")
	}
	if sc.Domain == "" {
		return nil, apperrors.InvalidInput("domain is required")
	}

	constraints := make(map[string]float64, len(sc.PerformanceConstraints))
	for k, v := range sc.PerformanceConstraints {
		if _, ok := knownConstraints[k]; !ok {
			return nil, apperrors.InvalidInput("unknown performance constraint %q", k)
		}
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, apperrors.InvalidInput("performance constraint %q must be a positive number", k)
		}
		constraints[k] = v
	}

	prefs := make(map[string]float64, len(sc.ModalityPreferences))
	for k, v := range sc.ModalityPreferences {
		if !isModality(k) {
			return nil, apperrors.InvalidInput("unknown modality %q", k)
		}
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, apperrors.InvalidInput("modality preference %q must be non-negative", k)
		}
		prefs[k] = v
	}

	qt := sc.QueryTypeHint
	if qt != "" {
		if !qt.Valid() {
			return nil, apperrors.InvalidInput("unknown query type %q", qt)
		}
	} else {
		var err error
		qt, err = n.inferQueryType(ctx, sc)
		if err != nil {
			return nil, err
		}
	}

	required := append([]string(nil), baseRequired...)
	if prefs[string(models.ModalityGraph)] > 0 || prefs[string(models.ModalityGNN)] > 0 || len(prefs) == 0 {
		required = append(required, models.ParamHopCount)
	}
	sort.Strings(required)

	return &models.ConfigRequirements{
		QueryType:              qt,
		Domain:                 sc.Domain,
		PerformanceConstraints: constraints,
		ModalityPreferences:    prefs,
		RequiredParameters:     required,
	}, nil
}

func isModality(s string) bool {
	for _, m := range models.Modalities {
		if string(m) == s {
			return true
		}
	}
	return false
}

func (n *Negotiator) inferQueryType(ctx context.Context, sc models.SearchContext) (models.QueryType, error) {
	tokens, err := n.tokenizer.Tokenize(sc.Query)
	if err != nil {
		return "", fmt.Errorf("failed to tokenize query: %w", err)
	}

	// Domain vocabulary counts as technical when the domain has been learned.
	vocabulary := map[string]struct{}{}
	if cfg, err := n.resolver.GetDomainConfig(ctx, sc.Domain); err == nil {
		for _, t := range cfg.EntityTypes {
			vocabulary[strings.ToLower(t)] = struct{}{}
		}
	}

	var content, technical, creative int
	question := strings.HasSuffix(strings.TrimSpace(sc.Query), "?")
	for _, t := range tokens {
		switch t.Tag {
		case "WDT", "WP", "WP$", "WRB":
			question = true
		}
		if corpus.IsStopword(t.Text) {
			continue
		}
		content++
		if _, ok := vocabulary[t.Text]; ok || corpus.IdentifierShaped(t.Text) {
			technical++
		}
		if _, ok := creativeCues[t.Text]; ok {
			creative++
		}
	}

	switch {
	case content > 0 && 2*technical >= content:
		return models.QueryTechnical, nil
	case creative > 0:
		return models.QueryCreative, nil
	case question:
		return models.QueryAnalytical, nil
	}
	return models.QueryExploratory, nil
}

// ValidateCompatibility scores cfg against reqs. The component weights and
// the acceptance threshold are learned performance parameters; if they are
// not available yet the check fails rather than guessing.
func (n *Negotiator) ValidateCompatibility(ctx context.Context, cfg *models.DomainConfig, reqs *models.ConfigRequirements) (*models.Compatibility, error) {
	if cfg == nil || reqs == nil {
		return nil, apperrors.InvalidInput("config and requirements are required")
	}

	compat := n.score(cfg, reqs)

	weights := map[string]string{
		models.ComponentDomainMatch: params.CompatibilityWeightDomain,
		models.ComponentCoverage:    params.CompatibilityWeightCoverage,
		models.ComponentConstraints: params.CompatibilityWeightConstraints,
	}
	var score, total float64
	for _, c := range models.CompatibilityComponents {
		w, _, err := n.resolver.Number(ctx, weights[c], reqs.Domain, reqs.QueryType)
		if err != nil {
			return nil, err
		}
		score += w * compat.Components[c]
		total += w
	}
	if total <= 0 {
		return nil, apperrors.NotAvailable(params.CompatibilityWeightDomain, reqs.Domain, "learned compatibility weights are all zero")
	}
	compat.Score = score / total

	threshold, _, err := n.resolver.Number(ctx, params.CompatibilityThreshold, reqs.Domain, reqs.QueryType)
	if err != nil {
		return nil, err
	}
	compat.Threshold = threshold
	compat.IsCompatible = compat.Score >= threshold
	return compat, nil
}

// score fills in the compatibility components without weighting them.
func (n *Negotiator) score(cfg *models.DomainConfig, reqs *models.ConfigRequirements) *models.Compatibility {
	compat := &models.Compatibility{Components: make(map[string]float64, len(models.CompatibilityComponents))}

	if cfg.Domain == reqs.Domain {
		compat.Components[models.ComponentDomainMatch] = 1
	} else {
		compat.Components[models.ComponentDomainMatch] = 0
		compat.Issues = append(compat.Issues, fmt.Sprintf("config is for domain %q, search is for %q", cfg.Domain, reqs.Domain))
		compat.Suggestions = append(compat.Suggestions, fmt.Sprintf("learn a configuration for domain %q", reqs.Domain))
	}

	compat.Components[models.ComponentCoverage] = n.coverage(cfg, reqs, compat)
	compat.Components[models.ComponentConstraints] = n.constraintSatisfaction(cfg, reqs, compat)
	return compat
}

func (n *Negotiator) coverage(cfg *models.DomainConfig, reqs *models.ConfigRequirements, compat *models.Compatibility) float64 {
	if len(reqs.RequiredParameters) == 0 {
		return 1
	}
	var covered int
	for _, name := range reqs.RequiredParameters {
		_, ok := cfg.Value(name)
		source := cfg.FieldSources[name]
		if source == "" {
			source = cfg.ConfigSource
		}
		if ok && !params.IsForbiddenSource(source) {
			covered++
			continue
		}
		compat.Issues = append(compat.Issues, fmt.Sprintf("parameter %q has no learned value", name))
	}
	return float64(covered) / float64(len(reqs.RequiredParameters))
}

// constraintSatisfaction is the mean per-constraint satisfaction. A latency
// or result-count constraint tighter than the config can be met by
// adaptation and counts as satisfied; a confidence floor cannot.
func (n *Negotiator) constraintSatisfaction(cfg *models.DomainConfig, reqs *models.ConfigRequirements, compat *models.Compatibility) float64 {
	if len(reqs.PerformanceConstraints) == 0 {
		return 1
	}

	var sum float64
	for name, limit := range reqs.PerformanceConstraints {
		switch name {
		case models.ConstraintMaxResponseTime:
			if limit >= cfg.ResponseTimeTarget {
				sum++
				continue
			}
			if def, ok := n.registry.Lookup(models.ParamResponseTimeTarget); ok && def.Bounded() && limit < def.Min {
				compat.Issues = append(compat.Issues, fmt.Sprintf("latency limit %.3fs is below the smallest learnable target %.3fs", limit, def.Min))
				sum += limit / def.Min
				continue
			}
			sum++
			compat.Suggestions = append(compat.Suggestions, "result count and hop depth will be reduced to meet the latency limit")
		case models.ConstraintMaxResults:
			sum++
		case models.ConstraintMinConfidence:
			if cfg.ConfidenceScore >= limit {
				sum++
				continue
			}
			sum += cfg.ConfidenceScore / limit
			compat.Issues = append(compat.Issues, fmt.Sprintf("config confidence %.3f is below the requested %.3f", cfg.ConfidenceScore, limit))
			compat.Suggestions = append(compat.Suggestions, "re-learn the domain from a larger corpus to raise confidence")
		}
	}
	return sum / float64(len(reqs.PerformanceConstraints))
}

// AdaptConfigForContext derives the GraphConfig for one search. Overrides
// are applied multiplicatively and kept within registry bounds.
func (n *Negotiator) AdaptConfigForContext(_ context.Context, base *models.DomainConfig, reqs *models.ConfigRequirements) (*models.GraphConfig, error) {
	if base == nil || reqs == nil {
		return nil, apperrors.InvalidInput("config and requirements are required")
	}

	sim := base.SimilarityThreshold
	if v, ok := base.QueryTypeOverrides[reqs.QueryType][models.ParamSimilarityThreshold]; ok {
		sim = v
	}

	maxResults := float64(base.MaxResults)
	hops := float64(base.HopCount)
	target := base.ResponseTimeTarget
	if limit, ok := reqs.PerformanceConstraints[models.ConstraintMaxResponseTime]; ok && limit < target {
		ratio := limit / target
		maxResults = math.Floor(maxResults * ratio)
		hops = math.Floor(hops * ratio)
		target = limit
	}
	if limit, ok := reqs.PerformanceConstraints[models.ConstraintMaxResults]; ok && limit < maxResults {
		maxResults = math.Floor(limit)
	}
	maxResults, _ = n.registry.Clamp(models.ParamMaxResults, maxResults)
	hops, _ = n.registry.Clamp(models.ParamHopCount, hops)
	target, _ = n.registry.Clamp(models.ParamResponseTimeTarget, target)

	weights := base.ModalityWeights
	if len(reqs.ModalityPreferences) > 0 {
		for _, m := range models.Modalities {
			if pref, ok := reqs.ModalityPreferences[string(m)]; ok {
				weights = weights.With(m, weights.Get(m)*pref)
			}
		}
		balanced, ok := n.registry.BalanceWeights(weights)
		if !ok {
			return nil, apperrors.InvalidInput("modality preferences exclude every modality")
		}
		weights = balanced
	}

	gc := &models.GraphConfig{
		ConfigID:            uuid.New().String(),
		Domain:              base.Domain,
		QueryType:           reqs.QueryType,
		SimilarityThreshold: sim,
		TriModalWeights:     weights,
		HopCount:            int(hops),
		MaxResults:          int(maxResults),
		DedupThreshold:      base.DedupThreshold,
		ResponseTimeTarget:  target,
		SynthesisWeights:    weights.AsMap(),
		ConfidenceScore:     base.ConfidenceScore,
		GenerationMethod:    "negotiated:" + string(reqs.QueryType),
		BaseConfigCreatedAt: base.CreatedAt,
	}
	if err := n.validate.Struct(gc); err != nil {
		return nil, fmt.Errorf("adapted config for %q failed validation: %w", base.Domain, err)
	}
	if !gc.TriModalWeights.Balanced() {
		return nil, fmt.Errorf("adapted config for %q has weights summing to %v", base.Domain, gc.TriModalWeights.Sum())
	}
	return gc, nil
}

// Outcome is the result of a full negotiation for one search.
type Outcome struct {
	Requirements  *models.ConfigRequirements
	Compatibility *models.Compatibility
	Config        *models.GraphConfig
}

// Negotiate resolves the domain config, checks compatibility and adapts it
// to the search context. An incompatible config is a resolution failure.
func (n *Negotiator) Negotiate(ctx context.Context, sc models.SearchContext) (*Outcome, error) {
	reqs, err := n.NegotiateRequirements(ctx, sc)
	if err != nil {
		return nil, err
	}

	base, err := n.resolver.GetDomainConfig(ctx, sc.Domain)
	if err != nil {
		return nil, err
	}

	compat, err := n.ValidateCompatibility(ctx, base, reqs)
	if err != nil {
		return nil, err
	}
	if !compat.IsCompatible {
		n.RecordOutcome(ctx, reqs, compat, nil)
		return &Outcome{Requirements: reqs, Compatibility: compat}, &apperrors.ConfigurationNotAvailableError{
			Domain:    sc.Domain,
			QueryType: string(reqs.QueryType),
			Reason: fmt.Sprintf("learned config scored %.3f against threshold %.3f: %s",
				compat.Score, compat.Threshold, strings.Join(compat.Issues, "; ")),
		}
	}

	gc, err := n.AdaptConfigForContext(ctx, base, reqs)
	if err != nil {
		return nil, err
	}
	return &Outcome{Requirements: reqs, Compatibility: compat, Config: gc}, nil
}

// SeedHistory records one settled negotiation per query type for a freshly
// learned and enforced config, so compatibility weights and threshold can be
// learned before the first search. The score of a seed is the unweighted
// mean of its components.
func (n *Negotiator) SeedHistory(ctx context.Context, cfg *models.DomainConfig) error {
	if n.history == nil {
		return nil
	}
	ok := true
	for _, qt := range models.QueryTypes {
		reqs := &models.ConfigRequirements{
			QueryType:          qt,
			Domain:             cfg.Domain,
			RequiredParameters: append(append([]string(nil), baseRequired...), models.ParamHopCount),
		}
		compat := n.score(cfg, reqs)
		var sum float64
		for _, c := range models.CompatibilityComponents {
			sum += compat.Components[c]
		}
		compat.Score = sum / float64(len(models.CompatibilityComponents))
		compat.IsCompatible = len(compat.Issues) == 0

		rec := &models.NegotiationRecord{
			ID:         uuid.New().String(),
			Domain:     cfg.Domain,
			QueryType:  qt,
			Score:      compat.Score,
			Components: compat.Components,
			Accepted:   compat.IsCompatible,
			Succeeded:  &ok,
			Timestamp:  n.now().UTC(),
		}
		if !compat.IsCompatible {
			rec.Succeeded = nil
		}
		if err := n.history.InsertNegotiation(ctx, rec); err != nil {
			return fmt.Errorf("failed to seed negotiation history: %w", err)
		}
	}
	return nil
}

// RecordOutcome appends a negotiation to the history. succeeded is nil
// when the search never ran. Failures are logged, not returned; the
// history feeds learning and must not fail a search.
func (n *Negotiator) RecordOutcome(ctx context.Context, reqs *models.ConfigRequirements, compat *models.Compatibility, succeeded *bool) {
	if n.history == nil || reqs == nil || compat == nil {
		return
	}
	rec := &models.NegotiationRecord{
		ID:         uuid.New().String(),
		Domain:     reqs.Domain,
		QueryType:  reqs.QueryType,
		Score:      compat.Score,
		Components: compat.Components,
		Accepted:   compat.IsCompatible,
		Succeeded:  succeeded,
		Timestamp:  n.now().UTC(),
	}
	if err := n.history.InsertNegotiation(ctx, rec); err != nil {
		n.log.Warn("Failed to record negotiation", zap.String("domain", reqs.Domain), zap.Error(err))
	}
}
