// Package sentence splits chapter text into sentence spans and assigns
// each span an estimated slice of a known audio duration.
package sentence

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// MinSentenceChars is the shortest span kept; shorter spans are abbreviation fragments.
const MinSentenceChars = 5

// Span is a sentence located in the source text. StartChar and EndChar are
// byte offsets so that text[StartChar:EndChar] == Text.
type Span struct {
	Text      string
	StartChar int
	EndChar   int
}

type tokenizer interface {
	Tokenize(text string) []*sentences.Sentence
}

// Splitter wraps a Punkt sentence tokenizer trained for English.
type Splitter struct {
	tok tokenizer
}

func NewSplitter() (*Splitter, error) {
	tok, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, fmt.Errorf("load sentence tokenizer: %w", err)
	}
	return &Splitter{tok: tok}, nil
}

var (
	defaultOnce     sync.Once
	defaultSplitter *Splitter
	defaultErr      error
)

// Split tokenizes text with a shared splitter.
func Split(text string) ([]Span, error) {
	defaultOnce.Do(func() {
		defaultSplitter, defaultErr = NewSplitter()
	})
	if defaultErr != nil {
		return nil, defaultErr
	}
	return defaultSplitter.Split(text), nil
}

// Split returns the sentences of text in order. Each tokenizer result is
// located by scanning forward from the end of the previous match, so repeated
// sentences resolve to successive occurrences.
func (s *Splitter) Split(text string) []Span {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var spans []Span
	cursor := 0
	for _, candidate := range s.tok.Tokenize(text) {
		trimmed := strings.TrimSpace(candidate.Text)
		if trimmed == "" {
			continue
		}
		idx := strings.Index(text[cursor:], trimmed)
		if idx < 0 {
			continue
		}
		start := cursor + idx
		end := start + len(trimmed)
		cursor = end
		if utf8.RuneCountInString(trimmed) < MinSentenceChars {
			continue
		}
		spans = append(spans, Span{Text: trimmed, StartChar: start, EndChar: end})
	}
	return spans
}
