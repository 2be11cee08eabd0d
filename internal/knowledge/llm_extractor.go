package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/capability"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/pkg/stats"
)

const maxPromptChars = 6000

// LLMExtractor asks a completion model for entities and relationships and
// anchors every returned entity in the document text. Entities the model
// invents, which do not occur in the text, are dropped.
type LLMExtractor struct {
	completion capability.CompletionService
	params     capability.CompletionParams
	log        *zap.Logger
}

func NewLLMExtractor(completion capability.CompletionService, params capability.CompletionParams, log *zap.Logger) *LLMExtractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &LLMExtractor{completion: completion, params: params, log: log}
}

type llmEntity struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type llmRelation struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

type llmOutput struct {
	Entities      []llmEntity   `json:"entities"`
	Relationships []llmRelation `json:"relationships"`
}

func (e *LLMExtractor) Extract(ctx context.Context, doc models.Document, cfg *models.DomainConfig) (*models.KnowledgeExtraction, error) {
	if cfg == nil {
		return nil, fmt.Errorf("extract %s: domain config is required", doc.ID)
	}
	text := doc.Text
	if len(text) > maxPromptChars {
		text = text[:maxPromptChars]
	}

	system := fmt.Sprintf(`You build a knowledge graph for the %q domain. Extract entities and the relationships between them.

Known entity vocabulary: %s
Known relationship verbs: %s

Return JSON only:
{"entities": [{"name": "...", "type": "...", "confidence": 0.9}],
 "relationships": [{"subject": "...", "predicate": "USES", "object": "...", "confidence": 0.8}]}
Every relationship subject and object must be the name of an extracted entity.`,
		cfg.Domain, strings.Join(cfg.EntityTypes, ", "), strings.Join(cfg.RelationshipTypes, ", "))

	raw, err := e.completion.Complete(ctx, []capability.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: text},
	}, e.params)
	if err != nil {
		return nil, fmt.Errorf("failed to extract knowledge from %s: %w", doc.ID, err)
	}

	out, err := parseOutput(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse extraction for %s: %w", doc.ID, err)
	}

	ext := &models.KnowledgeExtraction{DocumentID: doc.ID}
	lower := strings.ToLower(doc.Text)
	kept := map[string]bool{}
	var dropped int
	for _, ent := range out.Entities {
		name := strings.ToLower(strings.TrimSpace(ent.Name))
		if name == "" || kept[name] || ent.Confidence < cfg.EntityConfidenceThreshold {
			continue
		}
		start := strings.Index(lower, name)
		if start < 0 {
			dropped++
			continue
		}
		kept[name] = true
		ext.Entities = append(ext.Entities, models.EntityResult{
			Text:             name,
			EntityType:       strings.ToLower(ent.Type),
			StartPos:         start,
			EndPos:           start + len(name),
			Confidence:       stats.Clamp(ent.Confidence, 0, 1),
			ExtractionMethod: MethodLLM,
		})
	}
	for _, rel := range out.Relationships {
		r := models.RelationshipResult{
			Subject:    strings.ToLower(strings.TrimSpace(rel.Subject)),
			Predicate:  strings.ToUpper(strings.TrimSpace(rel.Predicate)),
			Object:     strings.ToLower(strings.TrimSpace(rel.Object)),
			Confidence: stats.Clamp(rel.Confidence, 0, 1),
		}
		if r.Predicate == "" || r.Confidence < cfg.RelationshipConfidenceThreshold {
			continue
		}
		if !kept[r.Subject] || !kept[r.Object] {
			dropped++
			continue
		}
		ext.Relationships = append(ext.Relationships, r)
	}

	score(ext, len(ext.Entities), len(strings.Fields(doc.Text)))
	if dropped > 0 {
		e.log.Debug("Dropped ungrounded extraction items",
			zap.String("document_id", doc.ID),
			zap.Int("dropped", dropped),
		)
	}
	return ext, nil
}

// parseOutput accepts the JSON object alone or wrapped in a code fence or
// surrounding prose.
func parseOutput(raw string) (*llmOutput, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in completion")
	}
	var out llmOutput
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
