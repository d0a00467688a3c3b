package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retrykit/pkg/retry"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ENV", "dev")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", c.Env)
	assert.Equal(t, "info", c.Log.ConsoleLevel)
	assert.Equal(t, "debug", c.Log.FileLevel)
	assert.Equal(t, 3, c.Retry.MaxAttempts)
	assert.Equal(t, Duration(100*time.Millisecond), c.Retry.InitialDelay)
	assert.Equal(t, Duration(5*time.Second), c.Retry.MaxDelay)
	assert.Equal(t, 2.0, c.Retry.Multiplier)
	assert.Empty(t, c.Policies)
}

func TestLoad_RetryFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RETRY_MAX_ATTEMPTS", "-1")
	t.Setenv("RETRY_INITIAL_DELAY", "250ms")
	t.Setenv("RETRY_MAX_DELAY", "2s")
	t.Setenv("RETRY_MULTIPLIER", "1.5")
	t.Setenv("RETRY_JITTER_MIN", "10ms")
	t.Setenv("RETRY_JITTER_MAX", "20ms")
	t.Setenv("LOG_CONSOLE_LEVEL", "WARN")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", c.Log.ConsoleLevel)

	rc, err := c.Policy("")
	require.NoError(t, err)
	assert.Equal(t, retry.Config{
		MaxAttempts:  retry.Unlimited,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   1.5,
		Jitter:       retry.RangeJitter(10*time.Millisecond, 20*time.Millisecond),
	}, rc)

	_, err = retry.NewPolicy(rc)
	assert.NoError(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad env", map[string]string{"ENV": "staging"}},
		{"bad level", map[string]string{"LOG_FILE_LEVEL": "trace"}},
		{"zero attempts", map[string]string{"RETRY_MAX_ATTEMPTS": "0"}},
		{"attempts not a number", map[string]string{"RETRY_MAX_ATTEMPTS": "many"}},
		{"multiplier below one", map[string]string{"RETRY_MULTIPLIER": "0.5"}},
		{"bad duration", map[string]string{"RETRY_INITIAL_DELAY": "soon"}},
		{"negative delay", map[string]string{"RETRY_MAX_DELAY": "-1s"}},
		{"inverted jitter", map[string]string{"RETRY_JITTER_MIN": "2s", "RETRY_JITTER_MAX": "1s"}},
		{"missing policy file", map[string]string{"RETRY_POLICY_FILE": "/nonexistent/policies.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SQLITE_PATH=from-dotenv.db\n"), 0o600))
	t.Chdir(dir)
	t.Setenv("SQLITE_PATH", "")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv.db", c.SQLite.Path)
}

func TestLoad_PolicyFile(t *testing.T) {
	path := writeFile(t, "policies.yaml", `
policies:
  http:
    max_attempts: 4
    initial_delay: 200ms
    multiplier: 2
    jitter_max: 100ms
  sqlite:
    initial_delay: 5ms
    max_delay: 100ms
    carry_jitter: true
`)
	t.Chdir(t.TempDir())
	t.Setenv("RETRY_POLICY_FILE", path)

	c, err := Load()
	require.NoError(t, err)

	httpCfg, err := c.Policy("http")
	require.NoError(t, err)
	assert.Equal(t, 4, httpCfg.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, httpCfg.InitialDelay)
	assert.Equal(t, 2.0, httpCfg.Multiplier)
	assert.Equal(t, retry.RangeJitter(0, 100*time.Millisecond), httpCfg.Jitter)

	sqliteCfg, err := c.Policy("sqlite")
	require.NoError(t, err)
	assert.Equal(t, retry.Unlimited, sqliteCfg.MaxAttempts)
	assert.Equal(t, 1.0, sqliteCfg.Multiplier)
	assert.True(t, sqliteCfg.CarryJitter)

	_, err = c.Policy("grpc")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestLoadPolicies_BadDuration(t *testing.T) {
	path := writeFile(t, "policies.yaml", "policies:\n  http:\n    initial_delay: fast\n")

	_, err := LoadPolicies(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestLoad_PolicyFileValidation(t *testing.T) {
	path := writeFile(t, "policies.yaml", "policies:\n  http:\n    multiplier: 0.5\n")
	t.Chdir(t.TempDir())
	t.Setenv("RETRY_POLICY_FILE", path)

	_, err := Load()
	assert.Error(t, err)
}
