// Package knowledge turns documents into validated entity and relationship
// extractions and writes them into the domain's knowledge graph.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/corpus"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/pkg/stats"
)

const (
	MethodDomainTerm = "domain_term"
	MethodNamed      = "named_entity"
	MethodIdentifier = "identifier"
	MethodLLM        = "llm"
)

// Extractor pulls entities and relationships out of one document. The
// learned thresholds and vocabularies of cfg decide what is kept.
type Extractor interface {
	Extract(ctx context.Context, doc models.Document, cfg *models.DomainConfig) (*models.KnowledgeExtraction, error)
}

// ProseExtractor finds entities with prose tagging and named-entity
// recognition and links entities that share a sentence across a verb.
type ProseExtractor struct {
	log *zap.Logger
}

func NewProseExtractor(log *zap.Logger) *ProseExtractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProseExtractor{log: log}
}

type span struct {
	text  string
	typ   string
	start int
	end   int
	// token index inside its sentence
	index  int
	method string
}

type sentenceTokens struct {
	tokens []prose.Token
	spans  []span
}

// Extract keeps entities whose confidence reaches the learned entity
// threshold and relationships reaching the learned relationship threshold.
// Entity confidence is the entity's frequency relative to the most frequent
// entity of the document.
func (e *ProseExtractor) Extract(ctx context.Context, doc models.Document, cfg *models.DomainConfig) (*models.KnowledgeExtraction, error) {
	if cfg == nil {
		return nil, fmt.Errorf("extract %s: domain config is required", doc.ID)
	}
	parsed, err := prose.NewDocument(doc.Text, prose.WithExtraction(false), prose.WithTagging(false))
	if err != nil {
		return nil, fmt.Errorf("failed to segment document %s: %w", doc.ID, err)
	}

	vocab := toSet(cfg.EntityTypes)
	verbs := toSet(cfg.RelationshipTypes)

	var sentences []sentenceTokens
	var contentTokens int
	cursor := 0
	for _, s := range parsed.Sentences() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		offset := strings.Index(doc.Text[cursor:], s.Text)
		if offset < 0 {
			continue
		}
		base := cursor + offset
		cursor = base + len(s.Text)

		st, n, err := tagSentence(s.Text, base, vocab)
		if err != nil {
			return nil, fmt.Errorf("failed to tag document %s: %w", doc.ID, err)
		}
		contentTokens += n
		sentences = append(sentences, st)
	}

	counts := map[string]int{}
	first := map[string]span{}
	var covered int
	for _, st := range sentences {
		for _, sp := range st.spans {
			counts[sp.text]++
			covered++
			if _, ok := first[sp.text]; !ok {
				first[sp.text] = sp
			}
		}
	}
	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}

	ext := &models.KnowledgeExtraction{DocumentID: doc.ID}
	kept := map[string]bool{}
	for _, text := range sortedKeys(counts) {
		conf := float64(counts[text]) / float64(maxCount)
		if conf < cfg.EntityConfidenceThreshold {
			continue
		}
		sp := first[text]
		kept[text] = true
		ext.Entities = append(ext.Entities, models.EntityResult{
			Text:             text,
			EntityType:       sp.typ,
			StartPos:         sp.start,
			EndPos:           sp.end,
			Confidence:       conf,
			ExtractionMethod: sp.method,
		})
	}

	seen := map[string]bool{}
	for _, st := range sentences {
		for _, rel := range link(st, verbs) {
			if !kept[rel.Subject] || !kept[rel.Object] || rel.Confidence < cfg.RelationshipConfidenceThreshold {
				continue
			}
			key := rel.Subject + "|" + rel.Predicate + "|" + rel.Object
			if seen[key] {
				continue
			}
			seen[key] = true
			ext.Relationships = append(ext.Relationships, rel)
		}
	}

	score(ext, covered, contentTokens)
	e.log.Debug("Document extracted",
		zap.String("document_id", doc.ID),
		zap.Int("entities", len(ext.Entities)),
		zap.Int("relationships", len(ext.Relationships)),
	)
	return ext, nil
}

// tagSentence tags one sentence and returns its entity spans together with
// the number of non-stopword tokens. base is the sentence's byte offset in
// the document.
func tagSentence(text string, base int, vocab map[string]bool) (sentenceTokens, int, error) {
	d, err := prose.NewDocument(text, prose.WithSegmentation(false))
	if err != nil {
		return sentenceTokens{}, 0, err
	}
	st := sentenceTokens{tokens: d.Tokens()}

	named := map[string]string{}
	for _, ent := range d.Entities() {
		for _, w := range strings.Fields(ent.Text) {
			named[w] = strings.ToLower(ent.Label)
		}
	}

	var content int
	cursor := 0
	for i, tok := range st.tokens {
		pos := strings.Index(text[cursor:], tok.Text)
		if pos < 0 {
			continue
		}
		start := cursor + pos
		cursor = start + len(tok.Text)

		norm := strings.ToLower(strings.Trim(tok.Text, ".,;:!?()[]{}\"'"))
		if norm == "" || corpus.IsStopword(norm) {
			continue
		}
		content++

		sp := span{text: norm, start: base + start, end: base + start + len(tok.Text), index: i}
		switch {
		case vocab[norm]:
			sp.typ, sp.method = norm, MethodDomainTerm
		case named[tok.Text] != "":
			sp.typ, sp.method = named[tok.Text], MethodNamed
		case corpus.IdentifierShaped(norm):
			sp.typ, sp.method = "identifier", MethodIdentifier
		default:
			continue
		}
		st.spans = append(st.spans, sp)
	}
	return st, content, nil
}

// link relates consecutive entity spans of a sentence when a verb sits
// between them. Confidence falls with the token gap and halves for verbs
// outside the learned relationship vocabulary.
func link(st sentenceTokens, verbs map[string]bool) []models.RelationshipResult {
	var out []models.RelationshipResult
	for i := 1; i < len(st.spans); i++ {
		a, b := st.spans[i-1], st.spans[i]
		if a.text == b.text {
			continue
		}
		verb := ""
		for j := a.index + 1; j < b.index; j++ {
			if strings.HasPrefix(st.tokens[j].Tag, "VB") {
				verb = strings.ToLower(st.tokens[j].Text)
				break
			}
		}
		if verb == "" {
			continue
		}
		conf := stats.Clamp(2/float64(b.index-a.index), 0, 1)
		if len(verbs) > 0 && !verbs[verb] {
			conf /= 2
		}
		out = append(out, models.RelationshipResult{
			Subject:    a.text,
			Predicate:  strings.ToUpper(verb),
			Object:     b.text,
			Confidence: conf,
		})
	}
	return out
}

// score fills the quality fields. Entity coverage is the share of content
// tokens that are entity mentions; relationship coverage is the share of
// entities taking part in some relationship.
func score(ext *models.KnowledgeExtraction, covered, content int) {
	if content > 0 {
		ext.EntityCoverage = stats.Clamp(float64(covered)/float64(content), 0, 1)
	}
	if len(ext.Entities) > 0 {
		linked := map[string]bool{}
		for _, r := range ext.Relationships {
			linked[r.Subject] = true
			linked[r.Object] = true
		}
		ext.RelationshipCoverage = float64(len(linked)) / float64(len(ext.Entities))
	}

	var confs []float64
	for _, e := range ext.Entities {
		confs = append(confs, e.Confidence)
	}
	for _, r := range ext.Relationships {
		confs = append(confs, r.Confidence)
	}
	if len(confs) > 0 {
		ext.ExtractionQuality = stats.Mean(confs)
	}
}

// QueryEntities returns the lowercased nouns, named entities and
// identifiers a query mentions, in order of first appearance.
func (e *ProseExtractor) QueryEntities(_ context.Context, query, _ string) ([]string, error) {
	d, err := prose.NewDocument(query, prose.WithSegmentation(false))
	if err != nil {
		return nil, fmt.Errorf("failed to tag query: %w", err)
	}
	named := map[string]bool{}
	for _, ent := range d.Entities() {
		for _, w := range strings.Fields(ent.Text) {
			named[w] = true
		}
	}

	var out []string
	seen := map[string]bool{}
	for _, tok := range d.Tokens() {
		norm := strings.ToLower(strings.Trim(tok.Text, ".,;:!?()[]{}\"'"))
		if norm == "" || corpus.IsStopword(norm) || seen[norm] {
			continue
		}
		if strings.HasPrefix(tok.Tag, "NN") || named[tok.Text] || corpus.IdentifierShaped(norm) {
			seen[norm] = true
			out = append(out, norm)
		}
	}
	return out, nil
}

func toSet(xs []string) map[string]bool {
	out := make(map[string]bool, len(xs))
	for _, x := range xs {
		out[strings.ToLower(x)] = true
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
