package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
messaging:
  kind: kafka
  uris: "broker-1:9092, broker-2:9092,,"
  lanes: 8
  ack_timeout_seconds: 30
  pool:
    size: 2
app:
  http:
    quiet_routes:
      - /healthz
      - " /readyz "
  labels: "env:dev,team:core,broken"
instrument:
  attributes:
    region: eu-west-1
  metric_interval_ms: 1500
`

func TestViperFromBytes(t *testing.T) {
	t.Parallel()

	cfg, err := NewViperFromBytes("yaml", []byte(sampleYAML))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfg.Close() })

	assert.Equal(t, "kafka", cfg.GetString("messaging.kind"))
	assert.Equal(t, 8, cfg.GetInt("messaging.lanes"))
	assert.Equal(t, int32(2), cfg.GetInt32("messaging.pool.size"))
	assert.Equal(t, uint16(8), cfg.GetUint16("messaging.lanes"))
	assert.Equal(t, 1500*time.Millisecond, cfg.GetMillisecond("instrument.metric_interval_ms"))
	assert.Equal(t, 30*time.Second, cfg.GetSecond("messaging.ack_timeout_seconds"))
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.GetArray("messaging.uris"))
	assert.Equal(t, []string{"/healthz", "/readyz"}, cfg.GetArray("app.http.quiet_routes"))
	assert.Empty(t, cfg.GetArray("messaging.missing"))
	assert.Equal(t, map[string]string{"env": "dev", "team": "core"}, cfg.GetMap("app.labels"))
	assert.Equal(t, map[string]string{"region": "eu-west-1"}, cfg.GetMap("instrument.attributes"))
	assert.Empty(t, cfg.GetMap("messaging.missing"))

	_, err = NewViperFromBytes(" ", []byte(sampleYAML))
	require.ErrorIs(t, err, ErrConfigType)
}

func TestViperFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	t.Setenv("UNIMQ_MESSAGING_KIND", "nats")

	cfg, err := NewViper(path)
	require.NoError(t, err)

	assert.Equal(t, "nats", cfg.GetString("messaging.kind"))
	assert.Equal(t, 8, cfg.GetInt("messaging.lanes"))

	_, err = NewViper(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestViperOnReload(t *testing.T) {
	t.Parallel()

	cfg, err := NewViperFromBytes("yaml", []byte(sampleYAML))
	require.NoError(t, err)

	var calls int
	cfg.OnReload(func() { calls++ })
	cfg.OnReload(func() { calls += 10 })
	cfg.reloaded()

	assert.Equal(t, 11, calls)
}
