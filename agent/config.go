package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config identifies the worker and where it reports.
type Config struct {
	// ServerURL is the control plane base URL, e.g. http://localhost:8080.
	ServerURL string

	// Token is the bearer credential presented on every request.
	Token string

	// WorkerID is the stable identity. Empty loads or creates one under
	// ~/.switchyard/worker_id so the worker keeps its identity across
	// restarts.
	WorkerID string

	// Name is the human-readable agent name.
	Name string

	// Codebases this worker serves. Include "global" to accept tasks from
	// the global bucket.
	Codebases []string

	// Models this worker can run. Tasks pinning other models are never
	// offered.
	Models []string

	// HeartbeatInterval paces the status PUT while a task is held. Keep it
	// well under the server's claim lease.
	HeartbeatInterval time.Duration

	// ReconnectBackoff caps the wait between stream reconnect attempts.
	ReconnectBackoff time.Duration
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("agent: ServerURL is required")
	}
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if len(c.Codebases) == 0 {
		return fmt.Errorf("agent: at least one codebase is required")
	}
	if c.Name == "" {
		host, _ := os.Hostname()
		c.Name = host
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 30 * time.Second
	}
	if c.WorkerID == "" {
		id, err := loadOrCreateWorkerID()
		if err != nil {
			return err
		}
		c.WorkerID = id
	}
	return nil
}

// loadOrCreateWorkerID persists a generated id so reconnects and restarts
// keep the same registration.
func loadOrCreateWorkerID() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("agent: resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".switchyard")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("agent: create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "worker_id")

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("agent: persist worker id: %w", err)
	}
	return id, nil
}
