package tests

import (
	"net/http"
	"testing"
	"time"
)

const analysisText = `Alice loves the garden. The garden is beautiful!

Bob hates rain. Rain is bad and sad.

It was a good day.`

type jobData struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Mode     string `json:"mode"`
	Tasks    int    `json:"tasks"`
	Received int    `json:"received"`
	Location string `json:"location"`
	Error    string `json:"error"`
	Report   *struct {
		TotalWordCount int64 `json:"total_word_count"`
		TopWords       []struct {
			Word  string `json:"word"`
			Count int64  `json:"count"`
		} `json:"top_words"`
		AverageSentiment float64  `json:"average_sentiment"`
		Anonymized       []string `json:"combined_anonymized"`
		SortedSentences  []string `json:"all_sorted_sentences"`
	} `json:"report"`
}

func startJob(t *testing.T, payload map[string]any) jobData {
	t.Helper()

	status, body := doJSON(t, http.MethodPost, "/api/v1/analysis/jobs", payload)
	if status != http.StatusAccepted {
		errEnv := decodeError(t, body)
		t.Fatalf("start job failed: status=%d message=%q", status, errEnv.Message)
	}

	var data jobData
	decodeSuccess(t, body, &data)
	if data.ID == "" {
		t.Fatal("start job returned no id")
	}

	return data
}

func waitJob(t *testing.T, id string) jobData {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, body := doJSON(t, http.MethodGet, "/api/v1/analysis/jobs/"+id, nil)
		if status != http.StatusOK {
			errEnv := decodeError(t, body)
			t.Fatalf("get job failed: status=%d message=%q", status, errEnv.Message)
		}

		var data jobData
		decodeSuccess(t, body, &data)
		if data.Status != "running" {
			return data
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("job %s did not finish", id)
	return jobData{}
}

func TestAnalysisJobParallel(t *testing.T) {
	// Arrange
	job := startJob(t, map[string]any{"text": analysisText, "mode": "parallel"})

	// Act
	done := waitJob(t, job.ID)

	// Assert
	if done.Status != "completed" {
		t.Fatalf("job did not complete: status=%s error=%q", done.Status, done.Error)
	}
	if done.Tasks != 3 || done.Received != 3 {
		t.Fatalf("unexpected task accounting tasks=%d received=%d", done.Tasks, done.Received)
	}
	if done.Location == "" {
		t.Fatal("completed job has no report location")
	}
	if done.Report == nil {
		t.Fatal("completed job has no report")
	}
	if done.Report.TotalWordCount != 21 {
		t.Fatalf("unexpected total word count %d", done.Report.TotalWordCount)
	}
	if len(done.Report.TopWords) == 0 || done.Report.TopWords[0].Word != "garden" {
		t.Fatalf("unexpected top words %+v", done.Report.TopWords)
	}
	if len(done.Report.Anonymized) != 3 || done.Report.Anonymized[0] != "<NAME> loves the garden. <NAME> garden is beautiful!" {
		t.Fatalf("unexpected anonymized text %q", done.Report.Anonymized)
	}
}

func TestAnalysisJobSerialMatchesParallel(t *testing.T) {
	// Arrange
	serial := startJob(t, map[string]any{"text": analysisText, "mode": "serial", "chunk_by": "sentences", "chunk_size": 2})
	parallel := startJob(t, map[string]any{"text": analysisText, "mode": "parallel", "chunk_by": "sentences", "chunk_size": 2})

	// Act
	a := waitJob(t, serial.ID)
	b := waitJob(t, parallel.ID)

	// Assert
	if a.Status != "completed" || b.Status != "completed" {
		t.Fatalf("jobs did not complete: serial=%s parallel=%s", a.Status, b.Status)
	}
	if a.Report.TotalWordCount != b.Report.TotalWordCount {
		t.Fatalf("word counts differ: serial=%d parallel=%d", a.Report.TotalWordCount, b.Report.TotalWordCount)
	}
	if len(a.Report.SortedSentences) != len(b.Report.SortedSentences) {
		t.Fatalf("sentence counts differ: serial=%d parallel=%d", len(a.Report.SortedSentences), len(b.Report.SortedSentences))
	}
	for i := range a.Report.SortedSentences {
		if a.Report.SortedSentences[i] != b.Report.SortedSentences[i] {
			t.Fatalf("sentence %d differs: %q vs %q", i, a.Report.SortedSentences[i], b.Report.SortedSentences[i])
		}
	}
}

func TestAnalysisJobInvalidInput(t *testing.T) {
	// Act
	status, body := doJSON(t, http.MethodPost, "/api/v1/analysis/jobs", map[string]any{"text": "", "chunk_by": "words"})

	// Assert
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got status=%d body=%s", status, body)
	}
	errEnv := decodeError(t, body)
	if len(errEnv.Error) == 0 {
		t.Fatal("expected field errors")
	}
}

func TestAnalysisJobUnknownField(t *testing.T) {
	// Act
	status, _ := doJSON(t, http.MethodPost, "/api/v1/analysis/jobs", map[string]any{"text": "x", "colour": "red"})

	// Assert
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestAnalysisJobNotFound(t *testing.T) {
	// Act
	status, body := doJSON(t, http.MethodGet, "/api/v1/analysis/jobs/does-not-exist", nil)

	// Assert
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got status=%d body=%s", status, body)
	}
}

func TestAnalysisJobList(t *testing.T) {
	// Arrange
	job := startJob(t, map[string]any{"text": "One line only.", "mode": "serial"})
	waitJob(t, job.ID)

	// Act
	status, body := doJSON(t, http.MethodGet, "/api/v1/analysis/jobs", nil)

	// Assert
	if status != http.StatusOK {
		t.Fatalf("list jobs failed: status=%d body=%s", status, body)
	}

	var data struct {
		Jobs []jobData `json:"jobs"`
	}
	decodeSuccess(t, body, &data)

	found := false
	for _, j := range data.Jobs {
		if j.ID == job.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("job %s missing from list", job.ID)
	}
}
