package config

import (
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "origin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	l, err := NewLoader(nil)
	require.NoError(t, err)

	cfg, err := l.Load("")
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.ListenPort)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, int64(10<<20), cfg.Server.MaxBodyBytes)
	assert.Empty(t, cfg.Metrics.ListenAddr, "metrics listener is opt-in")
	assert.False(t, cfg.Tracing.Enabled)
	assert.False(t, cfg.TLS.Enabled)

	tbl, err := cfg.ResponseTable()
	require.NoError(t, err)
	assert.Equal(t, 3, tbl.Len())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
listen_port: "8081"
logging:
  level: debug
server:
  write_timeout: 3s
  max_body_bytes: 1024
rate_limit:
  requests_per_second: 5
  burst_size: 10
responses:
  delete:
    status: 204
  GET:
    status: 200
    headers:
      ETag: '"v1"'
    body: '{"result":"configured"}'
`)
	l, err := NewLoader(nil)
	require.NoError(t, err)
	cfg, err := l.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.ListenPort)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, int64(1024), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 5, cfg.RateLimit.RequestsPerSecond)

	tbl, err := cfg.ResponseTable()
	require.NoError(t, err)

	get, ok := tbl.Lookup(http.MethodGet)
	require.True(t, ok)
	assert.Equal(t, `{"result":"configured"}`, get.Body)
	assert.Empty(t, get.Headers.Get("ETag"))

	del, ok := tbl.Lookup(http.MethodDelete)
	require.True(t, ok)
	assert.Equal(t, http.StatusNoContent, del.Status)

	post, ok := tbl.Lookup(http.MethodPost)
	require.True(t, ok)
	assert.Equal(t, "user1", post.Headers.Get("X-Pp-User"))
}

func TestEnvAndFlagOverrides(t *testing.T) {
	t.Setenv("ORIGIN_LOGGING_LEVEL", "warn")
	t.Setenv("ORIGIN_LISTEN_PORT", "9000")

	flags := pflag.NewFlagSet("origin", pflag.ContinueOnError)
	flags.String("port", "", "")
	flags.String("log-level", "", "")
	require.NoError(t, flags.Parse([]string{"--port", "9001"}))

	l, err := NewLoader(flags)
	require.NoError(t, err)
	cfg, err := l.Load("")
	require.NoError(t, err)

	assert.Equal(t, "9001", cfg.ListenPort, "flag wins over env")
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"port":     `listen_port: "http"`,
		"body":     "server:\n  max_body_bytes: -1",
		"rate":     "rate_limit:\n  burst_size: -2",
		"status":   "responses:\n  get:\n    status: 999",
		"tracing":  "tracing:\n  enabled: true\n  endpoint: \"\"",
		"duration": "server:\n  idle_timeout: -5s",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			l, err := NewLoader(nil)
			require.NoError(t, err)
			_, err = l.Load(writeConfig(t, t.TempDir(), body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	l, err := NewLoader(nil)
	require.NoError(t, err)
	_, err = l.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: info\n")

	l, err := NewLoader(nil)
	require.NoError(t, err)
	_, err = l.Load(path)
	require.NoError(t, err)

	var level atomic.Value
	l.Watch(func(c *Config) { level.Store(c.Logging.Level) }, nil)

	// give the watcher a moment to register
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "logging:\n  level: debug\n")

	require.Eventually(t, func() bool {
		v, _ := level.Load().(string)
		return v == "debug"
	}, 5*time.Second, 50*time.Millisecond)
}
