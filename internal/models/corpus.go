package models

import "time"

// Document is one raw corpus entry.
type Document struct {
	ID     string            `json:"id"`
	Source string            `json:"source"`
	Title  string            `json:"title,omitempty"`
	Text   string            `json:"text"`
	Meta   map[string]string `json:"meta,omitempty"`
}

type DomainStatistics struct {
	DocumentCount        int      `json:"document_count"`
	TotalTokens          int      `json:"total_tokens"`
	VocabularySize       int      `json:"vocabulary_size"`
	AvgDocumentLength    float64  `json:"avg_document_length"`
	TechnicalDensity     float64  `json:"technical_density"`
	ComplexityScore      float64  `json:"complexity_score"`
	EntityPatterns       []string `json:"entity_patterns"`
	RelationshipPatterns []string `json:"relationship_patterns"`
}

// CorpusSignals are the per-document distributions a learner needs beyond
// the summary statistics.
type CorpusSignals struct {
	DocumentLengths      []float64 `json:"document_lengths"`
	DocumentDensities    []float64 `json:"document_densities"`
	TermWeights          []float64 `json:"term_weights"`
	PairwiseSimilarities []float64 `json:"pairwise_similarities"`
	RelationshipCounts   []float64 `json:"relationship_counts"`
}

// CorpusAnalysis is produced once per run and superseded, never updated.
type CorpusAnalysis struct {
	Domain            string             `json:"domain"`
	AnalysisTimestamp time.Time          `json:"analysis_timestamp"`
	Statistics        DomainStatistics   `json:"statistics"`
	QualityMetrics    map[string]float64 `json:"quality_metrics"`
	Recommendations   []string           `json:"recommendations"`
	Signals           CorpusSignals      `json:"signals"`
}
