package corpus

import (
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
)

// Token is a normalized word with its part-of-speech tag.
type Token struct {
	Text string
	Tag  string
}

// Tokenizer splits raw text into normalized tokens.
type Tokenizer interface {
	Tokenize(text string) ([]Token, error)
}

// ProseTokenizer tokenizes and tags with prose. Named-entity extraction is
// disabled; only tokens and tags are needed here.
type ProseTokenizer struct{}

func (ProseTokenizer) Tokenize(text string) ([]Token, error) {
	doc, err := prose.NewDocument(text,
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		return nil, err
	}

	raw := doc.Tokens()
	out := make([]Token, 0, len(raw))
	for _, tok := range raw {
		norm := normalize(tok.Text)
		if norm == "" {
			continue
		}
		out = append(out, Token{Text: norm, Tag: tok.Tag})
	}
	return out, nil
}

// normalize lowercases and trims surrounding punctuation. Tokens without a
// letter or digit are dropped.
func normalize(s string) string {
	s = strings.TrimFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return s
		}
	}
	return ""
}

// IdentifierShaped reports tokens that look like identifiers: digits mixed with
// letters, or internal separators.
func IdentifierShaped(s string) bool {
	var letters, digits, seps int
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		case r == '_' || r == '.' || r == '-' || r == '/':
			seps++
		}
	}
	return (letters > 0 && digits > 0) || (letters > 0 && seps > 0)
}

func IsStopword(s string) bool {
	_, ok := stopwords[s]
	return ok
}

var stopwords = func() map[string]struct{} {
	words := strings.Fields(`a about above after again against all am an and any are as at be because been
	before being below between both but by can could did do does doing down during each few for from
	further had has have having he her here hers herself him himself his how i if in into is it its
	itself just me more most my myself no nor not now of off on once only or other our ours ourselves
	out over own same she should so some such than that the their theirs them themselves then there
	these they this those through to too under until up very was we were what when where which while
	who whom why will with would you your yours yourself yourselves also may might must shall s t
	via per etc`)
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
