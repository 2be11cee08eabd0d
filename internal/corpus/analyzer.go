// Package corpus computes the statistical profile of a domain's documents.
// Every boundary it applies (rarity, pattern cut-offs) is a percentile of
// the corpus being analyzed.
package corpus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/capability"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/pkg/stats"
	"github.com/trimodal-rag/backend/pkg/vecmath"
)

const (
	// maxPatterns caps the entity and relationship pattern lists.
	maxPatterns = 25
	// maxPairDocs bounds the documents sampled for pairwise similarity.
	maxPairDocs = 300
	// maxCoherenceDocs bounds embedding calls for semantic coherence.
	maxCoherenceDocs = 32
)

type Config struct {
	// MinDocumentTokens is the length floor below which a document is
	// excluded from analysis.
	MinDocumentTokens int
	Tokenizer         Tokenizer
	// Embedder is optional. When set, semantic coherence is recorded in
	// the quality metrics.
	Embedder capability.EmbeddingService
	Now      func() time.Time
	Logger   *zap.Logger
}

type Analyzer struct {
	minTokens int
	tokenizer Tokenizer
	embedder  capability.EmbeddingService
	now       func() time.Time
	logger    *zap.Logger
}

func NewAnalyzer(cfg Config) *Analyzer {
	a := &Analyzer{
		minTokens: cfg.MinDocumentTokens,
		tokenizer: cfg.Tokenizer,
		embedder:  cfg.Embedder,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
	if a.minTokens < 1 {
		a.minTokens = 1
	}
	if a.tokenizer == nil {
		a.tokenizer = ProseTokenizer{}
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	return a
}

type docProfile struct {
	id     string
	text   string
	tokens []Token
	counts map[string]int
	verbs  int
}

// AnalyzeDocuments profiles docs. It fails with InvalidCorpusError when docs
// is empty or no document reaches the length floor.
func (a *Analyzer) AnalyzeDocuments(ctx context.Context, domain string, docs []models.Document) (*models.CorpusAnalysis, error) {
	if len(docs) == 0 {
		return nil, &apperrors.InvalidCorpusError{Domain: domain, Reason: "no documents"}
	}

	profiles := make([]docProfile, 0, len(docs))
	belowFloor := 0
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		toks, err := a.tokenizer.Tokenize(d.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to tokenize document %s: %w", d.ID, err)
		}

		p := docProfile{id: d.ID, text: d.Text, counts: make(map[string]int)}
		for _, t := range toks {
			if IsStopword(t.Text) {
				continue
			}
			p.tokens = append(p.tokens, t)
			p.counts[t.Text]++
			if strings.HasPrefix(t.Tag, "VB") {
				p.verbs++
			}
		}
		if len(p.tokens) < a.minTokens {
			belowFloor++
			continue
		}
		profiles = append(profiles, p)
	}

	if len(profiles) == 0 {
		return nil, &apperrors.InvalidCorpusError{
			Domain:        domain,
			DocumentCount: len(docs),
			Reason:        fmt.Sprintf("every document is below the %d token floor", a.minTokens),
		}
	}

	analysis := a.profile(domain, profiles)
	analysis.QualityMetrics["documents_below_floor"] = float64(belowFloor)
	if belowFloor > 0 {
		analysis.Recommendations = append(analysis.Recommendations,
			fmt.Sprintf("%d document(s) were shorter than %d tokens and were excluded", belowFloor, a.minTokens))
	}

	if a.embedder != nil {
		coherence, err := a.semanticCoherence(ctx, profiles)
		if err != nil {
			a.logger.Warn("Semantic coherence unavailable",
				zap.String("domain", domain),
				zap.Error(err),
			)
			analysis.Recommendations = append(analysis.Recommendations,
				"semantic coherence could not be measured: embedding service failed")
		} else {
			analysis.QualityMetrics["semantic_coherence"] = coherence
		}
	}

	a.logger.Info("Corpus analyzed",
		zap.String("domain", domain),
		zap.Int("documents", analysis.Statistics.DocumentCount),
		zap.Int("vocabulary", analysis.Statistics.VocabularySize),
		zap.Float64("technical_density", analysis.Statistics.TechnicalDensity),
		zap.Float64("complexity", analysis.Statistics.ComplexityScore),
	)

	return analysis, nil
}

func (a *Analyzer) profile(domain string, profiles []docProfile) *models.CorpusAnalysis {
	n := len(profiles)

	corpusFreq := make(map[string]int)
	docFreq := make(map[string]int)
	tags := make(map[string]map[string]int)
	totalTokens := 0
	lengths := make([]float64, n)
	for i, p := range profiles {
		lengths[i] = float64(len(p.tokens))
		totalTokens += len(p.tokens)
		for term, c := range p.counts {
			corpusFreq[term] += c
			docFreq[term]++
		}
		for _, t := range p.tokens {
			if tags[t.Text] == nil {
				tags[t.Text] = make(map[string]int)
			}
			tags[t.Text][t.Tag]++
		}
	}

	technical := technicalTerms(corpusFreq)
	densities := make([]float64, n)
	relCounts := make([]float64, n)
	techTokens := 0
	for i, p := range profiles {
		tech := 0
		for term, c := range p.counts {
			if _, ok := technical[term]; ok {
				tech += c
			}
		}
		techTokens += tech
		densities[i] = float64(tech) / float64(len(p.tokens))
		relCounts[i] = float64(p.verbs) / float64(len(p.tokens))
	}

	weights := tfidf(profiles, docFreq)
	termWeights := make([]float64, 0, len(weights))
	for _, w := range weights {
		termWeights = append(termWeights, w)
	}
	sort.Float64s(termWeights)

	similarities := pairwiseJaccard(profiles)

	vocab := len(corpusFreq)
	richness := float64(vocab) / float64(totalTokens)
	lengthCV := stats.CoefficientOfVariation(lengths)
	complexity := stats.Clamp(0.5*richness+0.5*(lengthCV/(1+lengthCV)), 0, 1)

	statsOut := models.DomainStatistics{
		DocumentCount:        n,
		TotalTokens:          totalTokens,
		VocabularySize:       vocab,
		AvgDocumentLength:    float64(totalTokens) / float64(n),
		TechnicalDensity:     stats.Clamp(float64(techTokens)/float64(totalTokens), 0, 1),
		ComplexityScore:      complexity,
		EntityPatterns:       entityPatterns(weights, tags),
		RelationshipPatterns: relationshipPatterns(tags),
	}

	quality := map[string]float64{
		"vocabulary_richness": richness,
		"length_cv":           lengthCV,
	}
	if len(similarities) > 0 {
		quality["mean_pairwise_similarity"] = stats.Mean(similarities)
	}

	var recs []string
	if n == 1 {
		recs = append(recs, "single document: pairwise similarity is unavailable and thresholds fall back to term weights")
	}
	if lengthCV > 1 {
		recs = append(recs, "document lengths vary by more than their mean; chunking long documents will stabilize thresholds")
	}

	return &models.CorpusAnalysis{
		Domain:            domain,
		AnalysisTimestamp: a.now().UTC(),
		Statistics:        statsOut,
		QualityMetrics:    quality,
		Recommendations:   recs,
		Signals: models.CorpusSignals{
			DocumentLengths:      lengths,
			DocumentDensities:    densities,
			TermWeights:          termWeights,
			PairwiseSimilarities: similarities,
			RelationshipCounts:   relCounts,
		},
	}
}

// technicalTerms selects terms that are identifier-shaped, or both rare
// (corpus frequency at or below the first quartile) and long (length at or
// above the third quartile of distinct term lengths).
func technicalTerms(corpusFreq map[string]int) map[string]struct{} {
	freqs := make([]float64, 0, len(corpusFreq))
	lens := make([]float64, 0, len(corpusFreq))
	for term, c := range corpusFreq {
		freqs = append(freqs, float64(c))
		lens = append(lens, float64(len([]rune(term))))
	}
	rareCut := stats.Percentile(freqs, 25)
	longCut := stats.Percentile(lens, 75)

	out := make(map[string]struct{})
	for term, c := range corpusFreq {
		if IdentifierShaped(term) || (float64(c) <= rareCut && float64(len([]rune(term))) >= longCut) {
			out[term] = struct{}{}
		}
	}
	return out
}

// tfidf returns each term's summed TF-IDF weight scaled so the heaviest
// term is 1.
func tfidf(profiles []docProfile, docFreq map[string]int) map[string]float64 {
	n := float64(len(profiles))
	weights := make(map[string]float64, len(docFreq))
	for _, p := range profiles {
		length := float64(len(p.tokens))
		for term, c := range p.counts {
			idf := math.Log((1+n)/(1+float64(docFreq[term]))) + 1
			weights[term] += (float64(c) / length) * idf
		}
	}

	var heaviest float64
	for _, w := range weights {
		heaviest = math.Max(heaviest, w)
	}
	if heaviest > 0 {
		for term := range weights {
			weights[term] /= heaviest
		}
	}
	return weights
}

func pairwiseJaccard(profiles []docProfile) []float64 {
	sample := profiles
	if len(profiles) > maxPairDocs {
		stride := float64(len(profiles)) / float64(maxPairDocs)
		sample = make([]docProfile, 0, maxPairDocs)
		for i := 0; i < maxPairDocs; i++ {
			sample = append(sample, profiles[int(float64(i)*stride)])
		}
	}

	sets := make([]map[string]struct{}, len(sample))
	for i, p := range sample {
		sets[i] = make(map[string]struct{}, len(p.counts))
		for term := range p.counts {
			sets[i][term] = struct{}{}
		}
	}

	var out []float64
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			out = append(out, vecmath.Jaccard(sets[i], sets[j]))
		}
	}
	return out
}

func dominantTag(tags map[string]int) string {
	best, bestCount := "", -1
	for tag, c := range tags {
		if c > bestCount || (c == bestCount && tag < best) {
			best, bestCount = tag, c
		}
	}
	return best
}

type ranked struct {
	term  string
	score float64
}

func topRanked(items []ranked) []string {
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].term < items[j].term
	})
	if len(items) > maxPatterns {
		items = items[:maxPatterns]
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.term
	}
	return out
}

// entityPatterns are noun terms whose TF-IDF weight is at or above the 90th
// percentile of noun weights.
func entityPatterns(weights map[string]float64, tags map[string]map[string]int) []string {
	var nouns []ranked
	var nounWeights []float64
	for term, w := range weights {
		if strings.HasPrefix(dominantTag(tags[term]), "NN") {
			nouns = append(nouns, ranked{term, w})
			nounWeights = append(nounWeights, w)
		}
	}
	if len(nouns) == 0 {
		return []string{}
	}

	cut := stats.Percentile(nounWeights, 90)
	var selected []ranked
	for _, r := range nouns {
		if r.score >= cut {
			selected = append(selected, r)
		}
	}
	return topRanked(selected)
}

// relationshipPatterns are verbs used at least as often as the median verb.
func relationshipPatterns(tags map[string]map[string]int) []string {
	var verbs []ranked
	var freqs []float64
	for term, t := range tags {
		c := 0
		for tag, n := range t {
			if strings.HasPrefix(tag, "VB") {
				c += n
			}
		}
		if c > 0 {
			verbs = append(verbs, ranked{term, float64(c)})
			freqs = append(freqs, float64(c))
		}
	}
	if len(verbs) == 0 {
		return []string{}
	}

	cut := stats.Percentile(freqs, 50)
	var selected []ranked
	for _, r := range verbs {
		if r.score >= cut {
			selected = append(selected, r)
		}
	}
	return topRanked(selected)
}

// semanticCoherence is the mean cosine between sampled document embeddings
// and their centroid.
func (a *Analyzer) semanticCoherence(ctx context.Context, profiles []docProfile) (float64, error) {
	limit := len(profiles)
	if limit > maxCoherenceDocs {
		limit = maxCoherenceDocs
	}

	vectors := make([][]float32, 0, limit)
	for _, p := range profiles[:limit] {
		v, err := a.embedder.Embed(ctx, p.text)
		if err != nil {
			return 0, err
		}
		vectors = append(vectors, v)
	}

	centroid := vecmath.Mean(vectors)
	var sims []float64
	for _, v := range vectors {
		sims = append(sims, vecmath.Cosine(v, centroid))
	}
	return stats.Clamp(stats.Mean(sims), 0, 1), nil
}
