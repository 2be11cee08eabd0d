package corpus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/capability"
	"github.com/trimodal-rag/backend/internal/models"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

// spaceTokenizer splits on whitespace and tags every token as a noun.
type spaceTokenizer struct{}

func (spaceTokenizer) Tokenize(text string) ([]Token, error) {
	var out []Token
	for _, f := range strings.Fields(text) {
		if n := normalize(f); n != "" {
			out = append(out, Token{Text: n, Tag: "NN"})
		}
	}
	return out, nil
}

type fakeEmbedder struct {
	err error
}

func (f fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func (f fakeEmbedder) HealthCheck(context.Context) capability.HealthStatus {
	return capability.HealthStatus{Success: true}
}

// syntheticWord maps i to a four letter word that is never a stopword.
func syntheticWord(i int) string {
	return fmt.Sprintf("zq%c%c", 'a'+rune(i/26), 'a'+rune(i%26))
}

func TestAnalyzeDocuments_KnownVocabulary(t *testing.T) {
	docs := make([]models.Document, 100)
	for i := range docs {
		words := make([]string, 0, 10)
		for j := 0; j < 10; j++ {
			words = append(words, syntheticWord((i*5+j)%500))
		}
		docs[i] = models.Document{ID: fmt.Sprintf("doc-%d", i), Text: strings.Join(words, " ")}
	}

	a := NewAnalyzer(Config{Now: fixedNow})
	analysis, err := a.AnalyzeDocuments(context.Background(), "synthetic", docs)
	require.NoError(t, err)

	st := analysis.Statistics
	assert.Equal(t, 100, st.DocumentCount)
	assert.InDelta(t, 500, st.VocabularySize, 25)
	assert.Equal(t, fixedNow(), analysis.AnalysisTimestamp)
	assert.Len(t, analysis.Signals.DocumentLengths, 100)
	assert.Len(t, analysis.Signals.PairwiseSimilarities, 100*99/2)
}

func TestAnalyzeDocuments_EmptyCorpus(t *testing.T) {
	_, err := NewAnalyzer(Config{}).AnalyzeDocuments(context.Background(), "d", nil)

	var corpusErr *apperrors.InvalidCorpusError
	require.ErrorAs(t, err, &corpusErr)
	assert.Equal(t, "d", corpusErr.Domain)
}

func TestAnalyzeDocuments_AllBelowFloor(t *testing.T) {
	a := NewAnalyzer(Config{MinDocumentTokens: 5, Tokenizer: spaceTokenizer{}})

	_, err := a.AnalyzeDocuments(context.Background(), "d", []models.Document{
		{ID: "1", Text: "short text"},
		{ID: "2", Text: "the of and"},
	})

	assert.Equal(t, apperrors.KindInvalidCorpus, apperrors.KindOf(err))
}

func TestAnalyzeDocuments_SingleThreeWordDocument(t *testing.T) {
	a := NewAnalyzer(Config{Now: fixedNow})

	analysis, err := a.AnalyzeDocuments(context.Background(), "tiny", []models.Document{
		{ID: "1", Text: "Redis streams replicate"},
	})

	require.NoError(t, err)
	st := analysis.Statistics
	assert.Equal(t, 1, st.DocumentCount)
	assert.Equal(t, 3, st.TotalTokens)
	assert.Empty(t, analysis.Signals.PairwiseSimilarities)
	assert.NotEmpty(t, analysis.Recommendations)
}

func TestAnalyzeDocuments_ExcludesShortDocuments(t *testing.T) {
	a := NewAnalyzer(Config{MinDocumentTokens: 3, Tokenizer: spaceTokenizer{}})

	analysis, err := a.AnalyzeDocuments(context.Background(), "d", []models.Document{
		{ID: "1", Text: "graph traversal latency budget"},
		{ID: "2", Text: "tiny"},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, analysis.Statistics.DocumentCount)
	assert.Equal(t, 1.0, analysis.QualityMetrics["documents_below_floor"])
}

func TestAnalyzeDocuments_SemanticCoherence(t *testing.T) {
	docs := []models.Document{{ID: "1", Text: "vector index shard"}, {ID: "2", Text: "vector index replica"}}

	withEmbedder := NewAnalyzer(Config{Tokenizer: spaceTokenizer{}, Embedder: fakeEmbedder{}})
	analysis, err := withEmbedder.AnalyzeDocuments(context.Background(), "d", docs)
	require.NoError(t, err)
	assert.Contains(t, analysis.QualityMetrics, "semantic_coherence")

	failing := NewAnalyzer(Config{Tokenizer: spaceTokenizer{}, Embedder: fakeEmbedder{err: errors.New("quota")}})
	analysis, err = failing.AnalyzeDocuments(context.Background(), "d", docs)
	require.NoError(t, err, "coherence is optional")
	assert.NotContains(t, analysis.QualityMetrics, "semantic_coherence")
}

func TestAnalyzeDocuments_StatisticsStayInRange(t *testing.T) {
	a := NewAnalyzer(Config{Tokenizer: spaceTokenizer{}, Now: fixedNow})

	rapid.Check(t, func(rt *rapid.T) {
		nDocs := rapid.IntRange(1, 20).Draw(rt, "docs")
		docs := make([]models.Document, nDocs)
		for i := range docs {
			nWords := rapid.IntRange(1, 30).Draw(rt, fmt.Sprintf("words%d", i))
			words := make([]string, nWords)
			for j := range words {
				w := syntheticWord(rapid.IntRange(0, 200).Draw(rt, "w"))
				if rapid.Bool().Draw(rt, "shaped") {
					w += "_v2"
				}
				words[j] = w
			}
			docs[i] = models.Document{ID: fmt.Sprint(i), Text: strings.Join(words, " ")}
		}

		analysis, err := a.AnalyzeDocuments(context.Background(), "prop", docs)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		st := analysis.Statistics
		if st.TechnicalDensity < 0 || st.TechnicalDensity > 1 {
			rt.Fatalf("technical density %v", st.TechnicalDensity)
		}
		if st.ComplexityScore < 0 || st.ComplexityScore > 1 {
			rt.Fatalf("complexity %v", st.ComplexityScore)
		}
		if st.VocabularySize > st.TotalTokens {
			rt.Fatalf("vocabulary %d exceeds tokens %d", st.VocabularySize, st.TotalTokens)
		}
		for _, w := range analysis.Signals.TermWeights {
			if w < 0 || w > 1 {
				rt.Fatalf("term weight %v", w)
			}
		}
	})
}

func TestAnalyzeDocuments_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewAnalyzer(Config{Tokenizer: spaceTokenizer{}}).AnalyzeDocuments(ctx, "d", []models.Document{{Text: "x y"}})
	assert.ErrorIs(t, err, context.Canceled)
}
