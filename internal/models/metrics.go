package models

import "time"

type LegStatus string

const (
	LegSucceeded LegStatus = "succeeded"
	LegFailed    LegStatus = "failed"
	LegTimedOut  LegStatus = "timed_out"
	LegSkipped   LegStatus = "skipped"
)

// Failed reports whether the leg produced no usable results.
func (s LegStatus) Failed() bool {
	return s == LegFailed || s == LegTimedOut
}

type Milestone struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// ExecutionMetrics is one entry of the append-only performance log.
type ExecutionMetrics struct {
	ExecutionID           string               `json:"execution_id"`
	ConfigHash            string               `json:"config_hash"`
	Domain                string               `json:"domain"`
	QueryType             QueryType            `json:"query_type"`
	ResponseTime          float64              `json:"response_time"`
	RelevanceScore        float64              `json:"relevance_score"`
	ResultCount           int                  `json:"result_count"`
	Success               bool                 `json:"success"`
	ResourceUsage         map[string]float64   `json:"resource_usage,omitempty"`
	ModalityContributions map[string]float64   `json:"modality_contributions,omitempty"`
	LegStatus             map[string]LegStatus `json:"leg_status,omitempty"`
	Milestones            []Milestone          `json:"milestones,omitempty"`
	Timestamp             time.Time            `json:"timestamp"`
}

// ExecutionOutcome is what the caller reports when tracking ends.
type ExecutionOutcome struct {
	RelevanceScore        float64
	ResultCount           int
	Success               bool
	ResourceUsage         map[string]float64
	ModalityContributions map[string]float64
	LegStatus             map[string]LegStatus
}

type UserFeedback struct {
	ExecutionID string    `json:"execution_id" validate:"required"`
	Relevance   *float64  `json:"relevance,omitempty" validate:"omitempty,gte=0,lte=1"`
	Helpful     bool      `json:"helpful"`
	Comment     string    `json:"comment,omitempty" validate:"max=2000"`
	CreatedAt   time.Time `json:"created_at"`
}

// NegotiationRecord is one entry of the negotiation history used to learn
// the compatibility threshold and component weights.
type NegotiationRecord struct {
	ID         string             `json:"id"`
	Domain     string             `json:"domain"`
	QueryType  QueryType          `json:"query_type"`
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components"`
	Accepted   bool               `json:"accepted"`
	Succeeded  *bool              `json:"succeeded,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// ConfigAnalysis aggregates the most recent executions of one config
// fingerprint.
type ConfigAnalysis struct {
	ConfigHash            string             `json:"config_hash"`
	Domain                string             `json:"domain"`
	SampleSize            int                `json:"sample_size"`
	MeanResponseTime      float64            `json:"mean_response_time"`
	P95ResponseTime       float64            `json:"p95_response_time"`
	MeanRelevance         float64            `json:"mean_relevance"`
	RelevanceStdDev       float64            `json:"relevance_std_dev"`
	SuccessRate           float64            `json:"success_rate"`
	LegFailureRates       map[string]float64 `json:"leg_failure_rates"`
	ModalityContributions map[string]float64 `json:"modality_contributions"`
	RelevanceTrend        Trend              `json:"relevance_trend"`
	TrendSlope            float64            `json:"trend_slope"`
	WindowStart           time.Time          `json:"window_start"`
	WindowEnd             time.Time          `json:"window_end"`
}

// Suggestion is a bounded change to one parameter. It is advisory and
// passes through the builder and enforcement before it takes effect.
type Suggestion struct {
	Parameter           string  `json:"parameter"`
	Delta               float64 `json:"delta"`
	Reason              string  `json:"reason"`
	ExpectedImprovement float64 `json:"expected_improvement"`
	Confidence          float64 `json:"confidence"`
}

type DriftReport struct {
	ConfigHash    string  `json:"config_hash"`
	BaselineSize  int     `json:"baseline_size"`
	RecentSize    int     `json:"recent_size"`
	BaselineMean  float64 `json:"baseline_mean"`
	RecentMean    float64 `json:"recent_mean"`
	ZScore        float64 `json:"z_score"`
	Threshold     float64 `json:"threshold"`
	Drifted       bool    `json:"drifted"`
	ThresholdFrom string  `json:"threshold_from"`
}
