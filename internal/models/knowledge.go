package models

type EntityResult struct {
	Text             string  `json:"text" validate:"required"`
	EntityType       string  `json:"entity_type" validate:"required"`
	StartPos         int     `json:"start_pos" validate:"gte=0"`
	EndPos           int     `json:"end_pos" validate:"gtfield=StartPos"`
	Confidence       float64 `json:"confidence" validate:"gte=0,lte=1"`
	ExtractionMethod string  `json:"extraction_method"`
}

type RelationshipResult struct {
	Subject    string  `json:"subject" validate:"required"`
	Predicate  string  `json:"predicate" validate:"required"`
	Object     string  `json:"object" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

type KnowledgeExtraction struct {
	DocumentID           string               `json:"document_id"`
	Entities             []EntityResult       `json:"entities" validate:"dive"`
	Relationships        []RelationshipResult `json:"relationships" validate:"dive"`
	ExtractionQuality    float64              `json:"extraction_quality"`
	EntityCoverage       float64              `json:"entity_coverage"`
	RelationshipCoverage float64              `json:"relationship_coverage"`
}
