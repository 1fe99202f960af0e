package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.Store.Backing)
	assert.Equal(t, "static", cfg.Auth.Mode)
	assert.Equal(t, "allow_all", cfg.Policy.Mode)
	assert.Equal(t, time.Minute, cfg.LivenessWindow)
	assert.Equal(t, 5*time.Minute, cfg.ClaimLease)
	assert.Equal(t, 30*time.Second, cfg.ReapInterval)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 24*time.Hour, cfg.WebhookMaxAge)
	assert.Equal(t, 15*time.Minute, cfg.WorkerGCGrace)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 256, cfg.EventBuffer)
	assert.True(t, cfg.CodebaseAutoRegister)
	assert.Equal(t, 5.0, cfg.SubmitRate)
	assert.Equal(t, 20, cfg.SubmitBurst)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "switchyard", cfg.Card.Name)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
claim_lease: 120
store:
  backing: sql
  dsn: postgres://localhost/switchyard
auth:
  mode: static
  tokens:
    tok-1: "alice:tasks:write,tasks:read"
policy:
  mode: scopes
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 2*time.Minute, cfg.ClaimLease)
	assert.Equal(t, "sql", cfg.Store.Backing)
	assert.Equal(t, "postgres://localhost/switchyard", cfg.Store.DSN)
	assert.Equal(t, "scopes", cfg.Policy.Mode)
	assert.Equal(t, "alice:tasks:write,tasks:read", cfg.Auth.Tokens["tok-1"])
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("SWITCHYARD_LISTEN_ADDR", ":7070")
	t.Setenv("SWITCHYARD_STORE_BACKING", "memory")
	t.Setenv("SWITCHYARD_CLAIM_LEASE", "60")
	t.Setenv("SWITCHYARD_REDIS_ADDR", "localhost:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, time.Minute, cfg.ClaimLease)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backing", map[string]string{"SWITCHYARD_STORE_BACKING": "sqlite"}},
		{"sql without dsn", map[string]string{"SWITCHYARD_STORE_BACKING": "sql"}},
		{"unknown auth mode", map[string]string{"SWITCHYARD_AUTH_MODE": "oauth"}},
		{"hmac short secret", map[string]string{
			"SWITCHYARD_AUTH_MODE":   "hmac",
			"SWITCHYARD_AUTH_SECRET": "short",
		}},
		{"unknown policy mode", map[string]string{"SWITCHYARD_POLICY_MODE": "opa"}},
		{"zero max attempts", map[string]string{"SWITCHYARD_MAX_ATTEMPTS": "0"}},
		{"zero claim lease", map[string]string{"SWITCHYARD_CLAIM_LEASE": "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, val := range tc.env {
				t.Setenv(k, val)
			}
			_, err := Load("")
			require.Error(t, err)
		})
	}
}

func TestMissingFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
