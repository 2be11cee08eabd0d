package models

import "time"

// Threshold is a learned decision boundary together with its confidence
// interval.
type Threshold struct {
	Value      float64 `json:"value"`
	Lower      float64 `json:"lower"`
	Upper      float64 `json:"upper"`
	Confidence float64 `json:"confidence"`
	Percentile float64 `json:"percentile"`
	Source     string  `json:"source"`
}

type LearnedPatterns struct {
	Domain              string                             `json:"domain"`
	AnalysisTimestamp   time.Time                          `json:"analysis_timestamp"`
	DocumentCount       int                                `json:"document_count"`
	Thresholds          map[string]Threshold               `json:"thresholds"`
	QueryTypeThresholds map[QueryType]map[string]Threshold `json:"query_type_thresholds"`
	ModalityWeights     ModalityWeights                    `json:"modality_weights"`
	EntityTypes         []string                           `json:"entity_types"`
	RelationshipTypes   []string                           `json:"relationship_types"`
	Confidence          float64                            `json:"confidence"`
	Reliable            bool                               `json:"reliable"`
}
