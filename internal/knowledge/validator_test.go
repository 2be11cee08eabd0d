package knowledge

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/trimodal-rag/backend/internal/models"
)

func entity(text string) models.EntityResult {
	return models.EntityResult{Text: text, EntityType: "term", StartPos: 0, EndPos: len(text), Confidence: 0.9}
}

func TestValidator_Coherent(t *testing.T) {
	ext := &models.KnowledgeExtraction{
		DocumentID:    "d1",
		Entities:      []models.EntityResult{entity("bgp"), entity("router")},
		Relationships: []models.RelationshipResult{{Subject: "bgp", Predicate: "RUNS_ON", Object: "router", Confidence: 0.8}},
	}
	report, err := NewValidator().Validate(ext)
	require.NoError(t, err)
	assert.True(t, report.Valid())
}

func TestValidator_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		ext      *models.KnowledgeExtraction
		dangling []string
		fields   int
	}{
		{
			name: "dangling object",
			ext: &models.KnowledgeExtraction{
				Entities:      []models.EntityResult{entity("bgp")},
				Relationships: []models.RelationshipResult{{Subject: "bgp", Predicate: "USES", Object: "tcp", Confidence: 0.5}},
			},
			dangling: []string{"tcp"},
		},
		{
			name: "both ends unknown",
			ext: &models.KnowledgeExtraction{
				Relationships: []models.RelationshipResult{{Subject: "x", Predicate: "USES", Object: "a", Confidence: 0.5}},
			},
			dangling: []string{"a", "x"},
		},
		{
			name: "end before start",
			ext: &models.KnowledgeExtraction{
				Entities: []models.EntityResult{{Text: "bgp", EntityType: "term", StartPos: 5, EndPos: 5, Confidence: 0.5}},
			},
			fields: 1,
		},
		{
			name: "confidence out of range",
			ext: &models.KnowledgeExtraction{
				Entities: []models.EntityResult{{Text: "bgp", EntityType: "term", StartPos: 0, EndPos: 3, Confidence: 1.5}},
			},
			fields: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := NewValidator().Validate(tt.ext)
			require.ErrorIs(t, err, ErrIncoherent)
			require.NotNil(t, report)
			assert.Equal(t, tt.dangling, report.Dangling)
			assert.Len(t, report.FieldErrors, tt.fields)
		})
	}
}

func TestValidator_ReferentialIntegrityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 5).Draw(t, "entities")
		ext := &models.KnowledgeExtraction{}
		for i := 0; i < n; i++ {
			ext.Entities = append(ext.Entities, entity(fmt.Sprintf("e%d", i)))
		}
		// endpoints are drawn from a pool one larger than the entity set
		known := map[string]bool{}
		for _, e := range ext.Entities {
			known[e.Text] = true
		}
		coherent := true
		for i := rapid.IntRange(0, 4).Draw(t, "relations"); i > 0; i-- {
			s := fmt.Sprintf("e%d", rapid.IntRange(0, n).Draw(t, "s"))
			o := fmt.Sprintf("e%d", rapid.IntRange(0, n).Draw(t, "o"))
			coherent = coherent && known[s] && known[o]
			ext.Relationships = append(ext.Relationships, models.RelationshipResult{Subject: s, Predicate: "P", Object: o, Confidence: 0.5})
		}

		report, err := NewValidator().Validate(ext)
		if coherent {
			assert.NoError(t, err)
			return
		}
		assert.ErrorIs(t, err, ErrIncoherent)
		for _, d := range report.Dangling {
			assert.False(t, known[d])
		}
	})
}
