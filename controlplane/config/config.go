// Package config loads the server configuration: a YAML file when one is
// given, overridden by SWITCHYARD_* environment variables, with defaults
// for everything that has a sane single-instance value.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StoreConfig selects and parameterizes the durable backing.
type StoreConfig struct {
	Backing string // "memory" or "sql"
	DSN     string // postgres connection string when "sql"
}

// AuthConfig selects the token verifier.
type AuthConfig struct {
	Mode   string            // "static", "hmac", or "none"
	Tokens map[string]string // token -> "principal[:scope1,scope2]" (static mode)
	Secret string            // >= 32 bytes (hmac mode)
}

// PolicyConfig selects the authorization decider.
type PolicyConfig struct {
	Mode string // "allow_all" or "scopes"
}

// AgentCard fills the discovery document.
type AgentCard struct {
	Name    string
	Version string
	URL     string
	Skills  []string
}

// Config is the full runtime configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	Store  StoreConfig
	Auth   AuthConfig
	Policy PolicyConfig
	Card   AgentCard

	LivenessWindow time.Duration
	ClaimLease     time.Duration
	ReapInterval   time.Duration
	IdempotencyTTL time.Duration
	WebhookMaxAge  time.Duration
	WorkerGCGrace  time.Duration

	MaxAttempts int
	EventBuffer int

	CodebaseAutoRegister bool

	SubmitRate  float64
	SubmitBurst int

	// RedisAddr enables reaper leader election across replicas. Empty
	// means single-instance: the reaper always runs.
	RedisAddr string
}

// Load reads the configuration. path may be empty; the environment and
// defaults then stand alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SWITCHYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("store.backing", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("liveness_window", 60)
	v.SetDefault("claim_lease", 300)
	v.SetDefault("reap_interval", 30)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("event_buffer", 256)
	v.SetDefault("idempotency_ttl", 86400)
	v.SetDefault("webhook_max_age", 86400)
	v.SetDefault("worker_gc_grace", 900)
	v.SetDefault("codebase_auto_register", true)
	v.SetDefault("submit_rate", 5.0)
	v.SetDefault("submit_burst", 20)
	v.SetDefault("redis_addr", "")
	v.SetDefault("auth.mode", "static")
	v.SetDefault("auth.secret", "")
	v.SetDefault("policy.mode", "allow_all")
	v.SetDefault("agent_card.name", "switchyard")
	v.SetDefault("agent_card.version", "dev")
	v.SetDefault("agent_card.url", "")
	v.SetDefault("agent_card.skills", []string{"build", "plan", "general", "explore"})

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		ListenAddr: v.GetString("listen_addr"),
		LogLevel:   v.GetString("log_level"),
		Store: StoreConfig{
			Backing: v.GetString("store.backing"),
			DSN:     v.GetString("store.dsn"),
		},
		Auth: AuthConfig{
			Mode:   v.GetString("auth.mode"),
			Tokens: v.GetStringMapString("auth.tokens"),
			Secret: v.GetString("auth.secret"),
		},
		Policy: PolicyConfig{Mode: v.GetString("policy.mode")},
		Card: AgentCard{
			Name:    v.GetString("agent_card.name"),
			Version: v.GetString("agent_card.version"),
			URL:     v.GetString("agent_card.url"),
			Skills:  v.GetStringSlice("agent_card.skills"),
		},
		LivenessWindow:       seconds(v, "liveness_window"),
		ClaimLease:           seconds(v, "claim_lease"),
		ReapInterval:         seconds(v, "reap_interval"),
		IdempotencyTTL:       seconds(v, "idempotency_ttl"),
		WebhookMaxAge:        seconds(v, "webhook_max_age"),
		WorkerGCGrace:        seconds(v, "worker_gc_grace"),
		MaxAttempts:          v.GetInt("max_attempts"),
		EventBuffer:          v.GetInt("event_buffer"),
		CodebaseAutoRegister: v.GetBool("codebase_auto_register"),
		SubmitRate:           v.GetFloat64("submit_rate"),
		SubmitBurst:          v.GetInt("submit_burst"),
		RedisAddr:            v.GetString("redis_addr"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seconds reads an integer option expressed in seconds.
func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

func (c *Config) validate() error {
	switch c.Store.Backing {
	case "memory":
	case "sql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.backing is sql")
		}
	default:
		return fmt.Errorf("store.backing must be memory or sql, got %q", c.Store.Backing)
	}

	switch c.Auth.Mode {
	case "static", "none":
	case "hmac":
		if len(c.Auth.Secret) < 32 {
			return fmt.Errorf("auth.secret must be at least 32 bytes in hmac mode")
		}
	default:
		return fmt.Errorf("auth.mode must be static, hmac, or none, got %q", c.Auth.Mode)
	}

	switch c.Policy.Mode {
	case "allow_all", "scopes":
	default:
		return fmt.Errorf("policy.mode must be allow_all or scopes, got %q", c.Policy.Mode)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.LivenessWindow <= 0 || c.ClaimLease <= 0 || c.ReapInterval <= 0 {
		return fmt.Errorf("liveness_window, claim_lease, and reap_interval must be positive")
	}
	return nil
}
