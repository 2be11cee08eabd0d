package search

import (
	"sort"
	"strings"
	"unicode"

	"github.com/trimodal-rag/backend/internal/corpus"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/pkg/vecmath"
)

// Synthesis is the ranked output of combining leg results.
type Synthesis struct {
	Results      []models.SearchResult
	Candidates   int
	Deduplicated int
	// Contributions is each modality's share of the total combined score of
	// the returned results.
	Contributions map[string]float64
}

type cluster struct {
	result models.SearchResult
	terms  map[string]float64
}

// Synthesize merges hits whose term-frequency cosine similarity reaches
// dedupThreshold, scores every merged result as the weighted sum of the
// best score each modality gave it, ranks by that score and keeps
// maxResults. Hits are visited in modality order, so the first modality to
// report a result names it.
func Synthesize(hits map[models.Modality][]models.Hit, weights models.ModalityWeights, dedupThreshold float64, maxResults int) Synthesis {
	var clusters []*cluster
	var candidates int

	for _, m := range models.Modalities {
		for _, h := range hits[m] {
			candidates++
			terms := termVector(h.Content)
			if c := match(clusters, h, terms, dedupThreshold); c != nil {
				if h.Score > c.result.Provenance[string(m)] {
					c.result.Provenance[string(m)] = h.Score
				}
				c.result.MergedIDs = append(c.result.MergedIDs, h.ID)
				continue
			}
			clusters = append(clusters, &cluster{
				result: models.SearchResult{
					ID:         h.ID,
					Content:    h.Content,
					Source:     h.Source,
					Provenance: map[string]float64{string(m): h.Score},
				},
				terms: terms,
			})
		}
	}

	results := make([]models.SearchResult, len(clusters))
	for i, c := range clusters {
		var score float64
		for _, m := range models.Modalities {
			score += weights.Get(m) * c.result.Provenance[string(m)]
		}
		c.result.CombinedScore = score
		results[i] = c.result
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CombinedScore != results[j].CombinedScore {
			return results[i].CombinedScore > results[j].CombinedScore
		}
		return results[i].ID < results[j].ID
	})
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}

	return Synthesis{
		Results:       results,
		Candidates:    candidates,
		Deduplicated:  candidates - len(clusters),
		Contributions: contributions(results, weights),
	}
}

func match(clusters []*cluster, h models.Hit, terms map[string]float64, threshold float64) *cluster {
	for _, c := range clusters {
		if c.result.ID == h.ID {
			return c
		}
		if len(terms) > 0 && vecmath.CosineSparse(c.terms, terms) >= threshold {
			return c
		}
	}
	return nil
}

func contributions(results []models.SearchResult, weights models.ModalityWeights) map[string]float64 {
	out := make(map[string]float64, len(models.Modalities))
	var total float64
	for _, r := range results {
		for _, m := range models.Modalities {
			v := weights.Get(m) * r.Provenance[string(m)]
			out[string(m)] += v
			total += v
		}
	}
	if total == 0 {
		return out
	}
	for k := range out {
		out[k] /= total
	}
	return out
}

// termVector counts lowercased non-stopword terms.
func termVector(text string) map[string]float64 {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tf := make(map[string]float64, len(words))
	for _, w := range words {
		if corpus.IsStopword(w) {
			continue
		}
		tf[w]++
	}
	return tf
}
