package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shandysiswandi/unimq/internal/app"
)

var realBaseURL string
var httpClient = &http.Client{Timeout: 5 * time.Second}

func baseURL() string {
	return realBaseURL
}

type successEnvelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    map[string]any  `json:"meta"`
}

type errorEnvelope struct {
	Message string            `json:"message"`
	Error   map[string]string `json:"error"`
}

// localConfig runs the service against the in-process broker and object
// store.
const localConfig = `
app:
  node_id: 7
instrument:
  enabled: false
  service_name: unimq-e2e
  log_level: error
messaging:
  kind: memory
  lanes: 4
  ack_timeout_seconds: 5
  pool:
    health_interval_seconds: 1
storage:
  driver: memory
deadletter:
  sinks: blob,log
modules:
  analysis:
    enabled: true
    chunk_size: 1
    top_n: 5
`

// TestMain targets UNIMQ_REAL_BASE_URL when set, otherwise it boots the
// application in-process on a random port.
func TestMain(m *testing.M) {
	realBaseURL = strings.TrimSpace(os.Getenv("UNIMQ_REAL_BASE_URL"))
	if realBaseURL != "" {
		os.Exit(runAgainstRealServer(m))
	}

	dir, err := os.MkdirTemp("", "unimq-e2e")
	if err != nil {
		fmt.Fprintf(os.Stderr, "create temp dir: %v\n", err)
		os.Exit(1)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(localConfig), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "write config: %v\n", err)
		os.Exit(1)
	}
	//nolint:errcheck,gosec // test setup
	os.Setenv("CONFIG_PATH", path)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}

	application := app.New()
	application.Serve(l)
	realBaseURL = "http://" + l.Addr().String()

	code := m.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	application.Stop(ctx)
	cancel()
	_ = os.RemoveAll(dir)

	os.Exit(code)
}

func runAgainstRealServer(m *testing.M) int {
	healthURL := strings.TrimRight(realBaseURL, "/") + "/healthz"
	resp, err := httpClient.Get(healthURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "real tests require a running server. failed to reach %s: %v\n", healthURL, err)
		return 1
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		fmt.Fprintf(os.Stderr, "real tests require a healthy server. %s returned %s\n", healthURL, resp.Status)
		return 1
	}

	return m.Run()
}

func doJSON(t *testing.T, method, path string, payload any) (int, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			t.Fatalf("encode json: %v", err)
		}
		body = buf
	}

	req, err := http.NewRequest(method, strings.TrimRight(baseURL(), "/")+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	return resp.StatusCode, respBody
}

func decodeSuccess(t *testing.T, body []byte, out any) successEnvelope {
	t.Helper()

	var env successEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode success envelope: %v", err)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decode success data: %v", err)
		}
	}

	return env
}

func decodeError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}

	return env
}
