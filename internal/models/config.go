package models

import (
	"math"
	"time"
)

type QueryType string

const (
	QueryTechnical   QueryType = "technical"
	QueryCreative    QueryType = "creative"
	QueryAnalytical  QueryType = "analytical"
	QueryExploratory QueryType = "exploratory"
)

var QueryTypes = []QueryType{QueryTechnical, QueryCreative, QueryAnalytical, QueryExploratory}

func (q QueryType) Valid() bool {
	for _, t := range QueryTypes {
		if q == t {
			return true
		}
	}
	return false
}

type Modality string

const (
	ModalityVector Modality = "vector"
	ModalityGraph  Modality = "graph"
	ModalityGNN    Modality = "gnn"
)

var Modalities = []Modality{ModalityVector, ModalityGraph, ModalityGNN}

// WeightTolerance bounds the deviation of a modality weight sum from 1.
const WeightTolerance = 1e-6

type ModalityWeights struct {
	Vector float64 `json:"vector" validate:"gte=0,lte=1"`
	Graph  float64 `json:"graph" validate:"gte=0,lte=1"`
	GNN    float64 `json:"gnn" validate:"gte=0,lte=1"`
}

func (w ModalityWeights) Sum() float64 {
	return w.Vector + w.Graph + w.GNN
}

func (w ModalityWeights) Get(m Modality) float64 {
	switch m {
	case ModalityVector:
		return w.Vector
	case ModalityGraph:
		return w.Graph
	case ModalityGNN:
		return w.GNN
	}
	return 0
}

func (w ModalityWeights) With(m Modality, v float64) ModalityWeights {
	switch m {
	case ModalityVector:
		w.Vector = v
	case ModalityGraph:
		w.Graph = v
	case ModalityGNN:
		w.GNN = v
	}
	return w
}

func (w ModalityWeights) Max() float64 {
	return math.Max(w.Vector, math.Max(w.Graph, w.GNN))
}

// Balanced reports whether the weights sum to 1 within WeightTolerance.
func (w ModalityWeights) Balanced() bool {
	return math.Abs(w.Sum()-1) <= WeightTolerance
}

// Normalized rescales the weights to sum to 1. Negative entries are
// treated as zero. All-zero input has no normalization and ok is false.
func (w ModalityWeights) Normalized() (ModalityWeights, bool) {
	w.Vector = math.Max(w.Vector, 0)
	w.Graph = math.Max(w.Graph, 0)
	w.GNN = math.Max(w.GNN, 0)
	sum := w.Sum()
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return w, false
	}
	return ModalityWeights{Vector: w.Vector / sum, Graph: w.Graph / sum, GNN: w.GNN / sum}, true
}

func (w ModalityWeights) AsMap() map[string]float64 {
	return map[string]float64{
		string(ModalityVector): w.Vector,
		string(ModalityGraph):  w.Graph,
		string(ModalityGNN):    w.GNN,
	}
}

// Business-logic parameter names stored on a DomainConfig.
const (
	ParamSimilarityThreshold             = "similarity_threshold"
	ParamMaxResults                      = "max_results"
	ParamEntityConfidenceThreshold       = "entity_confidence_threshold"
	ParamRelationshipConfidenceThreshold = "relationship_confidence_threshold"
	ParamResponseTimeTarget              = "response_time_target"
	ParamDedupThreshold                  = "dedup_threshold"
	ParamHopCount                        = "hop_count"
	ParamVectorWeight                    = "vector_weight"
	ParamGraphWeight                     = "graph_weight"
	ParamGNNWeight                       = "gnn_weight"
)

// DomainConfig is the learned configuration for one domain. ResponseTimeTarget
// is in seconds.
type DomainConfig struct {
	Domain                          string                           `json:"domain" validate:"required"`
	CreatedAt                       time.Time                        `json:"created_at" validate:"required"`
	SimilarityThreshold             float64                          `json:"similarity_threshold" validate:"gte=0,lte=1"`
	MaxResults                      int                              `json:"max_results" validate:"gt=0"`
	EntityConfidenceThreshold       float64                          `json:"entity_confidence_threshold" validate:"gte=0,lte=1"`
	RelationshipConfidenceThreshold float64                          `json:"relationship_confidence_threshold" validate:"gte=0,lte=1"`
	ResponseTimeTarget              float64                          `json:"response_time_target" validate:"gt=0"`
	DedupThreshold                  float64                          `json:"dedup_threshold" validate:"gte=0,lte=1"`
	HopCount                        int                              `json:"hop_count" validate:"gte=0"`
	ModalityWeights                 ModalityWeights                  `json:"modality_weights"`
	QueryTypeOverrides              map[QueryType]map[string]float64 `json:"query_type_overrides,omitempty"`
	EntityTypes                     []string                         `json:"entity_types,omitempty"`
	RelationshipTypes               []string                         `json:"relationship_types,omitempty"`
	DocumentCount                   int                              `json:"document_count" validate:"gte=0"`
	ConfigSource                    string                           `json:"config_source" validate:"required"`
	FieldSources                    map[string]string                `json:"field_sources,omitempty"`
	ConfidenceScore                 float64                          `json:"confidence_score" validate:"gte=0,lte=1"`
}

// Value returns the domain-level value of a business-logic parameter.
func (c *DomainConfig) Value(name string) (float64, bool) {
	switch name {
	case ParamSimilarityThreshold:
		return c.SimilarityThreshold, true
	case ParamMaxResults:
		return float64(c.MaxResults), true
	case ParamEntityConfidenceThreshold:
		return c.EntityConfidenceThreshold, true
	case ParamRelationshipConfidenceThreshold:
		return c.RelationshipConfidenceThreshold, true
	case ParamResponseTimeTarget:
		return c.ResponseTimeTarget, true
	case ParamDedupThreshold:
		return c.DedupThreshold, true
	case ParamHopCount:
		return float64(c.HopCount), true
	case ParamVectorWeight:
		return c.ModalityWeights.Vector, true
	case ParamGraphWeight:
		return c.ModalityWeights.Graph, true
	case ParamGNNWeight:
		return c.ModalityWeights.GNN, true
	}
	return 0, false
}

// SetValue writes a business-logic parameter, rounding integer fields.
func (c *DomainConfig) SetValue(name string, v float64) bool {
	switch name {
	case ParamSimilarityThreshold:
		c.SimilarityThreshold = v
	case ParamMaxResults:
		c.MaxResults = int(math.Round(v))
	case ParamEntityConfidenceThreshold:
		c.EntityConfidenceThreshold = v
	case ParamRelationshipConfidenceThreshold:
		c.RelationshipConfidenceThreshold = v
	case ParamResponseTimeTarget:
		c.ResponseTimeTarget = v
	case ParamDedupThreshold:
		c.DedupThreshold = v
	case ParamHopCount:
		c.HopCount = int(math.Round(v))
	case ParamVectorWeight:
		c.ModalityWeights.Vector = v
	case ParamGraphWeight:
		c.ModalityWeights.Graph = v
	case ParamGNNWeight:
		c.ModalityWeights.GNN = v
	default:
		return false
	}
	return true
}

// NumericFields lists every business-logic value in a stable order.
func NumericFields() []string {
	return []string{
		ParamSimilarityThreshold,
		ParamMaxResults,
		ParamEntityConfidenceThreshold,
		ParamRelationshipConfidenceThreshold,
		ParamResponseTimeTarget,
		ParamDedupThreshold,
		ParamHopCount,
		ParamVectorWeight,
		ParamGraphWeight,
		ParamGNNWeight,
	}
}

// ProvenanceMap flattens the config into the key/value/source form that
// enforcement inspects.
func (c *DomainConfig) ProvenanceMap() map[string]any {
	m := map[string]any{
		"config_source":    c.ConfigSource,
		"confidence_score": c.ConfidenceScore,
	}
	for _, name := range NumericFields() {
		v, _ := c.Value(name)
		m[name] = v
		if src, ok := c.FieldSources[name]; ok {
			m[name+"_source"] = src
		}
	}
	for qt, overrides := range c.QueryTypeOverrides {
		for name, v := range overrides {
			key := string(qt) + "." + name
			m[key] = v
			if src, ok := c.FieldSources[key]; ok {
				m[key+"_source"] = src
			}
		}
	}
	return m
}

// Clone returns a deep copy.
func (c *DomainConfig) Clone() *DomainConfig {
	out := *c
	if c.QueryTypeOverrides != nil {
		out.QueryTypeOverrides = make(map[QueryType]map[string]float64, len(c.QueryTypeOverrides))
		for qt, m := range c.QueryTypeOverrides {
			inner := make(map[string]float64, len(m))
			for k, v := range m {
				inner[k] = v
			}
			out.QueryTypeOverrides[qt] = inner
		}
	}
	if c.FieldSources != nil {
		out.FieldSources = make(map[string]string, len(c.FieldSources))
		for k, v := range c.FieldSources {
			out.FieldSources[k] = v
		}
	}
	out.EntityTypes = append([]string(nil), c.EntityTypes...)
	out.RelationshipTypes = append([]string(nil), c.RelationshipTypes...)
	return &out
}

// ConfigRecord is the persisted form of a DomainConfig.
type ConfigRecord struct {
	Config      *DomainConfig `json:"config"`
	Source      string        `json:"source"`
	GeneratedAt time.Time     `json:"generated_at"`
	Validated   bool          `json:"validated"`
}

// GraphConfig is the per-search configuration derived from a DomainConfig
// and the caller's requirements.
type GraphConfig struct {
	ConfigID            string             `json:"config_id"`
	Domain              string             `json:"domain" validate:"required"`
	QueryType           QueryType          `json:"query_type" validate:"required"`
	SimilarityThreshold float64            `json:"similarity_threshold" validate:"gte=0,lte=1"`
	TriModalWeights     ModalityWeights    `json:"tri_modal_weights"`
	HopCount            int                `json:"hop_count" validate:"gte=0"`
	MaxResults          int                `json:"max_results" validate:"gt=0"`
	DedupThreshold      float64            `json:"dedup_threshold" validate:"gte=0,lte=1"`
	ResponseTimeTarget  float64            `json:"response_time_target" validate:"gt=0"`
	SynthesisWeights    map[string]float64 `json:"synthesis_weights"`
	ConfidenceScore     float64            `json:"confidence_score" validate:"gte=0,lte=1"`
	GenerationMethod    string             `json:"generation_method"`
	BaseConfigCreatedAt time.Time          `json:"base_config_created_at"`
}

// FingerprintView is the content a GraphConfig fingerprint is computed over.
// ConfigID is excluded so identical configurations share metrics.
func (g *GraphConfig) FingerprintView() map[string]any {
	return map[string]any{
		"domain":               g.Domain,
		"query_type":           g.QueryType,
		"similarity_threshold": g.SimilarityThreshold,
		"tri_modal_weights":    g.TriModalWeights,
		"hop_count":            g.HopCount,
		"max_results":          g.MaxResults,
		"dedup_threshold":      g.DedupThreshold,
		"response_time_target": g.ResponseTimeTarget,
		"base_created_at":      g.BaseConfigCreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Requirement keys understood in ConfigRequirements.PerformanceConstraints.
const (
	ConstraintMaxResponseTime = "max_response_time"
	ConstraintMinConfidence   = "min_confidence"
	ConstraintMaxResults      = "max_results"
)

type ConfigRequirements struct {
	QueryType              QueryType          `json:"query_type" validate:"required"`
	Domain                 string             `json:"domain" validate:"required"`
	PerformanceConstraints map[string]float64 `json:"performance_constraints,omitempty"`
	ModalityPreferences    map[string]float64 `json:"modality_preferences,omitempty"`
	RequiredParameters     []string           `json:"required_parameters"`
}

// SearchContext is what a caller knows about a query before negotiation.
type SearchContext struct {
	Query                  string             `json:"query"`
	Domain                 string             `json:"domain"`
	QueryTypeHint          QueryType          `json:"query_type,omitempty"`
	PerformanceConstraints map[string]float64 `json:"performance_constraints,omitempty"`
	ModalityPreferences    map[string]float64 `json:"modality_preferences,omitempty"`
}

// Compatibility score components.
const (
	ComponentDomainMatch = "domain"
	ComponentCoverage    = "coverage"
	ComponentConstraints = "constraints"
)

var CompatibilityComponents = []string{ComponentDomainMatch, ComponentCoverage, ComponentConstraints}

type Compatibility struct {
	IsCompatible bool               `json:"is_compatible"`
	Score        float64            `json:"score"`
	Threshold    float64            `json:"threshold"`
	Components   map[string]float64 `json:"components"`
	Issues       []string           `json:"issues,omitempty"`
	Suggestions  []string           `json:"suggestions,omitempty"`
}
