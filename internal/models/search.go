package models

import "time"

// Hit is one candidate produced by a search leg. Score is the leg's own
// relevance in [0,1].
type Hit struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Source   string            `json:"source,omitempty"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SearchResult is one synthesized, ranked result.
type SearchResult struct {
	ID            string             `json:"id"`
	Content       string             `json:"content"`
	Source        string             `json:"source,omitempty"`
	CombinedScore float64            `json:"combined_score"`
	Provenance    map[string]float64 `json:"provenance"`
	MergedIDs     []string           `json:"merged_ids,omitempty"`
}

type SearchState string

const (
	StateReceived       SearchState = "RECEIVED"
	StateConfigResolved SearchState = "CONFIG_RESOLVED"
	StateLegsExecuting  SearchState = "LEGS_EXECUTING"
	StateSynthesizing   SearchState = "SYNTHESIZING"
	StateCompleted      SearchState = "COMPLETED"
	StateFailed         SearchState = "FAILED"
)

type LegReport struct {
	Status   LegStatus `json:"status"`
	Hits     int       `json:"hits"`
	Duration float64   `json:"duration"`
	Timeout  float64   `json:"timeout"`
	Error    string    `json:"error,omitempty"`
}

type SearchExplanation struct {
	Legs           map[string]LegReport `json:"legs"`
	DedupThreshold float64              `json:"dedup_threshold"`
	Deduplicated   int                  `json:"deduplicated"`
	Compatibility  *Compatibility       `json:"compatibility,omitempty"`
}

type SearchResponse struct {
	ExecutionID string            `json:"execution_id"`
	Query       string            `json:"query"`
	Domain      string            `json:"domain"`
	State       SearchState       `json:"state"`
	Results     []SearchResult    `json:"results"`
	ConfigUsed  *GraphConfig      `json:"config_used"`
	ConfigHash  string            `json:"config_hash"`
	Explanation SearchExplanation `json:"explanation"`
	Relevance   float64           `json:"relevance"`
	Duration    float64           `json:"duration"`
	CompletedAt time.Time         `json:"completed_at"`
}

// DomainSummary is one entry of the domain listing.
type DomainSummary struct {
	Domain        string    `json:"domain"`
	HasConfig     bool      `json:"has_config"`
	DocumentCount int       `json:"document_count"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}
