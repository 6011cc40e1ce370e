package usecase

import (
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
)

const DefaultPlaceholder = "<NAME>"

var (
	reWord         = regexp.MustCompile(`\p{L}+(?:'\p{L}+)*`)
	reName         = regexp.MustCompile(`\b[A-Z][a-z]+\b`)
	reSentenceStop = regexp.MustCompile(`[.!?]\s+`)
)

// Process computes the per-chunk statistics of a task.
func Process(task entity.Task) entity.Result {
	placeholder := task.Placeholder
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}

	counts := CountWords(task.Chunk)
	pos, neg := Sentiment(counts)

	var total int64
	for _, n := range counts {
		total += n
	}

	return entity.Result{
		TaskID:     task.ID,
		JobID:      task.JobID,
		Seq:        task.Seq,
		WordCount:  total,
		TopWords:   counts,
		Positive:   pos,
		Negative:   neg,
		Anonymized: Anonymize(task.Chunk, placeholder),
		Sentences:  SortSentences(task.Chunk),
	}
}

// CountWords counts each lower-cased word of text.
func CountWords(text string) map[string]int64 {
	counts := make(map[string]int64)
	for _, w := range reWord.FindAllString(strings.ToLower(text), -1) {
		counts[w]++
	}
	return counts
}

// Sentiment sums the lexicon hits of lower-cased word counts.
func Sentiment(counts map[string]int64) (positive, negative int64) {
	for w, n := range counts {
		if _, ok := positiveWords[w]; ok {
			positive += n
		}
		if _, ok := negativeWords[w]; ok {
			negative += n
		}
	}
	return positive, negative
}

// SentimentScore is (p-n)/(p+n), or 0 when no lexicon word was seen.
func SentimentScore(positive, negative int64) float64 {
	if positive+negative == 0 {
		return 0
	}
	return float64(positive-negative) / float64(positive+negative)
}

// Anonymize replaces capitalized words with placeholder.
func Anonymize(text, placeholder string) string {
	return reName.ReplaceAllLiteralString(text, placeholder)
}

// SortSentences splits text after sentence punctuation and orders the
// sentences by length, shortest first. Equal lengths keep text order.
func SortSentences(text string) []string {
	var (
		sentences []string
		start     int
	)
	for _, loc := range reSentenceStop.FindAllStringIndex(text, -1) {
		sentences = appendTrimmed(sentences, text[start:loc[0]+1])
		start = loc[1]
	}
	sentences = appendTrimmed(sentences, text[start:])

	slices.SortStableFunc(sentences, func(a, b string) int {
		return utf8.RuneCountInString(a) - utf8.RuneCountInString(b)
	})
	return sentences
}

func appendTrimmed(dst []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		dst = append(dst, s)
	}
	return dst
}
