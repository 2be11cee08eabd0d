// Package ingestion turns raw corpus objects into documents and chunks.
package ingestion

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/capability"
	"github.com/trimodal-rag/backend/internal/metrics"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/pkg/fingerprint"
)

var whitespace = regexp.MustCompile(`\s+`)

// Chunk is a window of a document's cleaned text.
type Chunk struct {
	ID         string
	DocumentID string
	Source     string
	Index      int
	Text       string
}

type Processor struct {
	store        capability.ObjectStore
	chunkSize    int
	chunkOverlap int
	log          *zap.Logger
}

// NewProcessor chunks by characters: chunks hold at most chunkSize bytes of
// whole words and repeat the trailing chunkOverlap bytes of their
// predecessor.
func NewProcessor(store capability.ObjectStore, chunkSize, chunkOverlap int, log *zap.Logger) *Processor {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{store: store, chunkSize: chunkSize, chunkOverlap: chunkOverlap, log: log}
}

// LoadDomain reads every object of the domain's container. Objects that
// yield no text are skipped with a warning.
func (p *Processor) LoadDomain(ctx context.Context, domain string) ([]models.Document, error) {
	keys, err := p.store.List(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list corpus for %s: %w", domain, err)
	}

	docs := make([]models.Document, 0, len(keys))
	for _, key := range keys {
		raw, err := p.store.Get(ctx, domain, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read corpus object %s: %w", key, err)
		}
		doc, ok := p.ProcessDocument(domain, key, raw)
		if !ok {
			p.log.Warn("Skipping document without text", zap.String("domain", domain), zap.String("key", key))
			continue
		}
		docs = append(docs, doc)
	}
	metrics.DocumentsProcessed.WithLabelValues(domain).Add(float64(len(docs)))

	p.log.Info("Corpus loaded",
		zap.String("domain", domain),
		zap.Int("objects", len(keys)),
		zap.Int("documents", len(docs)),
	)
	return docs, nil
}

// ProcessDocument cleans one object. HTML is stripped of markup and page
// chrome; anything else is taken as plain text.
func (p *Processor) ProcessDocument(domain, key string, raw []byte) (models.Document, bool) {
	text, title := string(raw), ""
	if isHTML(key, raw) {
		text, title = cleanHTML(string(raw))
	}
	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	if text == "" {
		return models.Document{}, false
	}
	if title == "" {
		title = strings.TrimSuffix(path.Base(key), path.Ext(key))
	}
	return models.Document{
		ID:     DocumentID(domain, key),
		Source: key,
		Title:  title,
		Text:   text,
		Meta:   map[string]string{"domain": domain, "format": format(key, raw)},
	}, true
}

// DocumentID is stable for a (domain, key) pair.
func DocumentID(domain, key string) string {
	return fingerprint.HashString(domain + "\x00" + key)[:24]
}

func isHTML(key string, raw []byte) bool {
	switch strings.ToLower(path.Ext(key)) {
	case ".html", ".htm", ".xhtml":
		return true
	}
	head := strings.ToLower(strings.TrimSpace(string(raw[:min(len(raw), 512)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

func format(key string, raw []byte) string {
	if isHTML(key, raw) {
		return "html"
	}
	if ext := strings.TrimPrefix(strings.ToLower(path.Ext(key)), "."); ext != "" {
		return ext
	}
	return "text"
}

func cleanHTML(html string) (text, title string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", ""
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	doc.Find("script, style, noscript, nav, footer, header, aside").Remove()

	// Block elements end with a space so adjacent paragraphs do not fuse.
	doc.Find("p, li, h1, h2, h3, h4, h5, h6, td, th, div, br, pre").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return doc.Find("body").Text(), title
}

// Chunk splits a document's text on word boundaries. A single word longer
// than the chunk size becomes its own chunk.
func (p *Processor) Chunk(doc models.Document) []Chunk {
	words := strings.Fields(doc.Text)
	if len(words) == 0 {
		return nil
	}

	var texts []string
	var window []string
	size := 0
	for _, w := range words {
		if size > 0 && size+1+len(w) > p.chunkSize {
			texts = append(texts, strings.Join(window, " "))
			window, size = p.overlap(window)
			if size > 0 && size+1+len(w) > p.chunkSize {
				window, size = nil, 0
			}
		}
		if size > 0 {
			size++
		}
		window = append(window, w)
		size += len(w)
	}
	texts = append(texts, strings.Join(window, " "))

	chunks := make([]Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = Chunk{
			ID:         fmt.Sprintf("%s_chunk_%d", doc.ID, i),
			DocumentID: doc.ID,
			Source:     doc.Source,
			Index:      i,
			Text:       text,
		}
	}
	return chunks
}

// overlap keeps the longest word suffix of window within chunkOverlap bytes.
func (p *Processor) overlap(window []string) ([]string, int) {
	size, start := 0, len(window)
	for start > 0 {
		n := len(window[start-1])
		if size > 0 {
			n++
		}
		if size+n > p.chunkOverlap {
			break
		}
		size += n
		start--
	}
	return append([]string(nil), window[start:]...), size
}
