package pipeline

import (
	"strings"
	"unicode/utf8"
)

// sentenceMarkers end a sentence candidate.
const sentenceMarkers = ".!?\n"

// Sentence is one unit of text handed to synthesis. Index is monotonic per
// turn, starting at 0.
type Sentence struct {
	Text  string
	Index int
}

// Splitter turns a token stream into sentences. Every token is forwarded to
// the partial observer before it is buffered.
type Splitter struct {
	minChars   int
	onToken    func(string)
	onSentence func(Sentence)

	buf   strings.Builder
	count int
}

// NewSplitter returns a Splitter that emits a sentence once the buffer holds a
// marker and at least minChars characters. onToken may be nil.
func NewSplitter(minChars int, onToken func(string), onSentence func(Sentence)) *Splitter {
	if onToken == nil {
		onToken = func(string) {}
	}
	return &Splitter{minChars: minChars, onToken: onToken, onSentence: onSentence}
}

// Push consumes one token.
func (s *Splitter) Push(token string) {
	s.onToken(token)
	s.buf.WriteString(token)

	text := s.buf.String()
	if !strings.ContainsAny(text, sentenceMarkers) || utf8.RuneCountInString(text) < s.minChars {
		return
	}
	s.emit()
}

// Flush emits whatever remains in the buffer, regardless of length or
// markers. Whitespace-only remainders are dropped.
func (s *Splitter) Flush() {
	if s.buf.Len() > 0 {
		s.emit()
	}
}

// Count returns the number of sentences emitted so far.
func (s *Splitter) Count() int { return s.count }

func (s *Splitter) emit() {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if text == "" {
		return
	}
	s.onSentence(Sentence{Text: text, Index: s.count})
	s.count++
}
