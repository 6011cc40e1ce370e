package usecase

import (
	"testing"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
	"github.com/stretchr/testify/assert"
)

func TestCountWords(t *testing.T) {
	t.Parallel()

	got := CountWords("Don't stop. don't STOP, café 42 'quoted'")
	assert.Equal(t, map[string]int64{"don't": 2, "stop": 2, "café": 1, "quoted": 1}, got)
}

func TestSentiment(t *testing.T) {
	t.Parallel()

	pos, neg := Sentiment(CountWords("Good good bad day, great!"))
	assert.Equal(t, int64(3), pos)
	assert.Equal(t, int64(1), neg)
	assert.InDelta(t, 0.5, SentimentScore(pos, neg), 1e-9)
	assert.Zero(t, SentimentScore(0, 0))
}

func TestAnonymize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "<NAME> met <NAME> in the USA.", Anonymize("Alice met Bob in the USA.", DefaultPlaceholder))
	assert.Equal(t, "x and x", Anonymize("Anna and Tom", "x"))
}

func TestSortSentences(t *testing.T) {
	t.Parallel()

	got := SortSentences("A longer one here. Short! Mid size? ab")
	assert.Equal(t, []string{"ab", "Short!", "Mid size?", "A longer one here."}, got)
	assert.Empty(t, SortSentences("   "))
}

func TestProcess(t *testing.T) {
	t.Parallel()

	r := Process(entity.Task{ID: "t1", JobID: "j1", Seq: 3, Chunk: "Maria is happy. Maria is sad."})
	assert.Equal(t, "t1", r.TaskID)
	assert.Equal(t, "j1", r.JobID)
	assert.Equal(t, 3, r.Seq)
	assert.Equal(t, int64(6), r.WordCount)
	assert.Equal(t, int64(2), r.TopWords["maria"])
	assert.Equal(t, int64(1), r.Positive)
	assert.Equal(t, int64(1), r.Negative)
	assert.Equal(t, "<NAME> is happy. <NAME> is sad.", r.Anonymized)
	assert.Equal(t, []string{"Maria is sad.", "Maria is happy."}, r.Sentences)
}
