// Package analysis holds the collaborators that turn input into results:
// document text extraction and text metrics.
package analysis

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

type Basic struct {
	CharacterCount           int     `json:"character_count"`
	CharacterCountNoSpaces   int     `json:"character_count_no_spaces"`
	WordCount                int     `json:"word_count"`
	SentenceCount            int     `json:"sentence_count"`
	ParagraphCount           int     `json:"paragraph_count"`
	AverageWordsPerSentence  float64 `json:"average_words_per_sentence"`
	AverageCharactersPerWord float64 `json:"average_characters_per_word"`
}

type WordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

type Advanced struct {
	UniqueWords       int         `json:"unique_words"`
	LexicalDiversity  float64     `json:"lexical_diversity"`
	MostFrequentWords []WordCount `json:"most_frequent_words"`
}

// Result is the output of a text analysis.
type Result struct {
	Basic    Basic    `json:"basic"`
	Advanced Advanced `json:"advanced"`
}

// Metrics computes a Result. Implementations must be pure.
type Metrics interface {
	Compute(text string) Result
}

// BasicMetrics counts characters, words, sentences and word frequencies.
// Words are compared after Unicode case folding.
type BasicMetrics struct {
	// TopWords bounds MostFrequentWords; zero means 3.
	TopWords int
}

var _ Metrics = BasicMetrics{}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func isSentenceEnd(r rune) bool { return r == '.' || r == '!' || r == '?' }

func (m BasicMetrics) Compute(text string) Result {
	var res Result
	b := &res.Basic

	for _, r := range text {
		b.CharacterCount++
		if !unicode.IsSpace(r) {
			b.CharacterCountNoSpaces++
		}
	}

	words := strings.Fields(text)
	b.WordCount = len(words)
	for _, s := range strings.FieldsFunc(text, isSentenceEnd) {
		if strings.TrimSpace(s) != "" {
			b.SentenceCount++
		}
	}
	for _, p := range strings.Split(text, "\n") {
		if strings.TrimSpace(p) != "" {
			b.ParagraphCount++
		}
	}
	if b.SentenceCount > 0 {
		b.AverageWordsPerSentence = round(float64(b.WordCount)/float64(b.SentenceCount), 2)
	}
	if b.WordCount > 0 {
		b.AverageCharactersPerWord = round(float64(b.CharacterCountNoSpaces)/float64(b.WordCount), 2)
	}

	fold := cases.Fold()
	freq := make(map[string]int, len(words))
	for _, w := range words {
		w = strings.TrimFunc(w, func(r rune) bool { return unicode.IsPunct(r) })
		if w == "" {
			continue
		}
		freq[fold.String(w)]++
	}

	a := &res.Advanced
	a.UniqueWords = len(freq)
	if b.WordCount > 0 {
		a.LexicalDiversity = round(float64(a.UniqueWords)/float64(b.WordCount), 4)
	}

	top := m.TopWords
	if top <= 0 {
		top = 3
	}
	counts := make([]WordCount, 0, len(freq))
	for w, c := range freq {
		counts = append(counts, WordCount{Word: w, Count: c})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Word < counts[j].Word
	})
	if len(counts) > top {
		counts = counts[:top]
	}
	a.MostFrequentWords = counts
	return res
}
