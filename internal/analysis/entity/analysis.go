package entity

import (
	"fmt"
	"strings"
	"time"
)

// ChunkBy selects how input text is cut into tasks.
type ChunkBy string

const (
	ChunkByParagraphs ChunkBy = "paragraphs"
	ChunkBySentences  ChunkBy = "sentences"
	ChunkByBytes      ChunkBy = "bytes"
)

func ParseChunkBy(s string) (ChunkBy, error) {
	switch c := ChunkBy(strings.ToLower(strings.TrimSpace(s))); c {
	case ChunkByParagraphs, ChunkBySentences, ChunkByBytes:
		return c, nil
	case "":
		return ChunkByParagraphs, nil
	default:
		return "", fmt.Errorf("unknown chunk mode %q", s)
	}
}

// Mode selects where chunks are processed.
type Mode string

const (
	// ModeSerial processes every chunk in the calling goroutine.
	ModeSerial Mode = "serial"
	// ModeParallel publishes chunks as tasks and aggregates the results
	// that workers publish back.
	ModeParallel Mode = "parallel"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSerial, ModeParallel:
		return m, nil
	case "":
		return ModeParallel, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Task is one chunk of a job, published to the task topic.
type Task struct {
	ID          string `json:"task_id"`
	JobID       string `json:"job_id"`
	Seq         int    `json:"seq"`
	Chunk       string `json:"chunk"`
	Placeholder string `json:"placeholder"`
}

// Result is what a worker computed for one task.
type Result struct {
	TaskID     string           `json:"task_id"`
	JobID      string           `json:"job_id"`
	Seq        int              `json:"seq"`
	WordCount  int64            `json:"word_count"`
	TopWords   map[string]int64 `json:"top_words"`
	Positive   int64            `json:"positive_count"`
	Negative   int64            `json:"negative_count"`
	Anonymized string           `json:"anonymized_text"`
	Sentences  []string         `json:"sentences"`
}

// WordCount is one entry of a ranked word list.
type WordCount struct {
	Word  string `json:"word"`
	Count int64  `json:"count"`
}

// Report is the aggregate of all results of a job.
type Report struct {
	TotalWordCount   int64       `json:"total_word_count"`
	TopWords         []WordCount `json:"top_words"`
	AverageSentiment float64     `json:"average_sentiment"`
	Anonymized       []string    `json:"combined_anonymized"`
	SortedSentences  []string    `json:"all_sorted_sentences"`
}

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Options are the per-job settings.
type Options struct {
	Mode        Mode
	ChunkBy     ChunkBy
	ChunkSize   int
	TopN        int
	Placeholder string
}

// Job tracks one analysis run.
type Job struct {
	ID         string
	Options    Options
	Status     JobStatus
	Tasks      int
	Received   int
	Report     *Report
	Location   string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is how long the job ran, or has been running at now.
func (j Job) Duration(now time.Time) time.Duration {
	if j.FinishedAt.IsZero() {
		return now.Sub(j.StartedAt)
	}
	return j.FinishedAt.Sub(j.StartedAt)
}
