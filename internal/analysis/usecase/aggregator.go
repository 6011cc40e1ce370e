package usecase

import (
	"cmp"
	"slices"
	"sync"
	"unicode/utf8"

	"github.com/samber/lo"
	"github.com/shandysiswandi/unimq/internal/analysis/entity"
)

type sentence struct {
	text  string
	runes int
	seq   int
	idx   int
}

// Aggregator merges task results into a report. Results are keyed by task ID,
// so a redelivered result is counted once.
type Aggregator struct {
	mu        sync.Mutex
	expected  int
	seen      map[string]struct{}
	words     int64
	positive  int64
	negative  int64
	counts    map[string]int64
	pieces    map[int]string
	sentences []sentence
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		expected: -1,
		seen:     make(map[string]struct{}),
		counts:   make(map[string]int64),
		pieces:   make(map[int]string),
	}
}

// Expect sets how many distinct results complete the job. Until it is called
// the aggregator never reports completion.
func (a *Aggregator) Expect(n int) {
	a.mu.Lock()
	a.expected = n
	a.mu.Unlock()
}

// Add merges r and reports whether it was new.
func (a *Aggregator) Add(r entity.Result) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.seen[r.TaskID]; ok {
		return false
	}
	a.seen[r.TaskID] = struct{}{}

	a.words += r.WordCount
	a.positive += r.Positive
	a.negative += r.Negative
	for w, n := range r.TopWords {
		a.counts[w] += n
	}
	a.pieces[r.Seq] = r.Anonymized
	for i, s := range r.Sentences {
		a.sentences = append(a.sentences, sentence{text: s, runes: utf8.RuneCountInString(s), seq: r.Seq, idx: i})
	}

	return true
}

func (a *Aggregator) Received() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

func (a *Aggregator) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expected >= 0 && len(a.seen) >= a.expected
}

// Report builds the aggregate. Anonymized pieces follow chunk order and
// sentences of equal length keep chunk order, so the report does not depend
// on the order results arrived in.
func (a *Aggregator) Report(topN int) entity.Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	seqs := make([]int, 0, len(a.pieces))
	for seq := range a.pieces {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	anonymized := make([]string, 0, len(seqs))
	for _, seq := range seqs {
		anonymized = append(anonymized, a.pieces[seq])
	}

	sorted := slices.Clone(a.sentences)
	slices.SortFunc(sorted, func(x, y sentence) int {
		return cmp.Or(cmp.Compare(x.runes, y.runes), cmp.Compare(x.seq, y.seq), cmp.Compare(x.idx, y.idx))
	})
	sentences := make([]string, len(sorted))
	for i, s := range sorted {
		sentences[i] = s.text
	}

	return entity.Report{
		TotalWordCount:   a.words,
		TopWords:         TopWords(a.counts, topN),
		AverageSentiment: SentimentScore(a.positive, a.negative),
		Anonymized:       anonymized,
		SortedSentences:  sentences,
	}
}

// TopWords ranks counts by count, then word, and keeps the first n.
func TopWords(counts map[string]int64, n int) []entity.WordCount {
	ranked := lo.MapToSlice(counts, func(w string, c int64) entity.WordCount {
		return entity.WordCount{Word: w, Count: c}
	})
	slices.SortFunc(ranked, func(x, y entity.WordCount) int {
		return cmp.Or(cmp.Compare(y.Count, x.Count), cmp.Compare(x.Word, y.Word))
	})
	if n >= 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
