package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/auth"
	"github.com/switchyardhq/switchyard/controlplane/bus"
	"github.com/switchyardhq/switchyard/controlplane/config"
	"github.com/switchyardhq/switchyard/controlplane/coordination"
	"github.com/switchyardhq/switchyard/controlplane/lifecycle"
	"github.com/switchyardhq/switchyard/controlplane/middleware"
	"github.com/switchyardhq/switchyard/controlplane/registry"
	"github.com/switchyardhq/switchyard/controlplane/scheduler"
	"github.com/switchyardhq/switchyard/controlplane/store"
	"github.com/switchyardhq/switchyard/controlplane/webhook"
)

const shutdownGrace = 15 * time.Second

// Server owns every component and drives their lifecycles. New wires, Run
// runs; there is no package-level mutable state anywhere in the tree.
type Server struct {
	cfg *config.Config
	log *zap.Logger

	store      store.Store
	bus        *bus.Bus
	dispatcher *store.Dispatcher
	registry   *registry.Registry
	lifecycle  *lifecycle.Lifecycle
	scheduler  *scheduler.Scheduler
	webhooks   *webhook.Deliverer
	reaper     *coordination.Reaper
	elector    *coordination.Elector
	redis      *redis.Client
	hub        *Hub
	api        *API
}

// NewServer builds the component graph. Store initialization failures are
// reported as *StoreInitError so main can exit with the right code.
func NewServer(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Server, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, &StoreInitError{Err: err}
	}

	b := bus.New(cfg.EventBuffer)
	reg := registry.New(st, registry.Config{
		LivenessWindow: cfg.LivenessWindow,
		GCGrace:        cfg.WorkerGCGrace,
	}, log)
	lc := lifecycle.New(st, lifecycle.Config{
		ClaimLease:           cfg.ClaimLease,
		CodebaseAutoRegister: cfg.CodebaseAutoRegister,
	}, log)
	wh := webhook.New(cfg.WebhookMaxAge, log)
	sched := scheduler.New(st, b, reg, wh, scheduler.Config{ClaimLease: cfg.ClaimLease}, log)

	s := &Server{
		cfg:        cfg,
		log:        log,
		store:      st,
		bus:        b,
		dispatcher: store.NewDispatcher(st, b, log),
		registry:   reg,
		lifecycle:  lc,
		scheduler:  sched,
		webhooks:   wh,
		hub:        NewHub(st, b, reg, log),
	}

	// Multi-replica deployments elect one reaper through redis; without it
	// the single instance always sweeps.
	var leader coordination.Leader = coordination.AlwaysLeader{}
	if cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s.elector = coordination.NewElector(s.redis, 15*time.Second, log)
		leader = s.elector
	}
	s.reaper = coordination.NewReaper(st, leader, coordination.ReaperConfig{
		Interval:       cfg.ReapInterval,
		MaxAttempts:    cfg.MaxAttempts,
		LivenessWindow: cfg.LivenessWindow,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}, log)

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return nil, err
	}
	s.api = &API{
		cfg:       cfg,
		log:       log.Named("api"),
		store:     st,
		lifecycle: lc,
		scheduler: sched,
		registry:  reg,
		bus:       b,
		hub:       s.hub,
		verifier:  verifier,
		decider:   buildDecider(cfg),
		limiter:   middleware.NewSubmitLimiter(cfg.SubmitRate, cfg.SubmitBurst),
	}
	return s, nil
}

// StoreInitError marks a failure to open or reach the durable backing.
type StoreInitError struct{ Err error }

func (e *StoreInitError) Error() string { return fmt.Sprintf("store init: %v", e.Err) }
func (e *StoreInitError) Unwrap() error { return e.Err }

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backing {
	case "sql":
		if err := store.Migrate(cfg.Store.DSN); err != nil {
			return nil, err
		}
		return store.NewPostgres(ctx, cfg.Store.DSN)
	default:
		return store.NewMemory(cfg.IdempotencyTTL), nil
	}
}

func buildVerifier(cfg *config.Config) (auth.Verifier, error) {
	switch cfg.Auth.Mode {
	case "hmac":
		return auth.NewHMAC([]byte(cfg.Auth.Secret))
	case "none":
		return auth.Insecure{}, nil
	default:
		return auth.NewStatic(cfg.Auth.Tokens), nil
	}
}

func buildDecider(cfg *config.Config) middleware.Decider {
	if cfg.Policy.Mode == "scopes" {
		return middleware.ScopeDecider{}
	}
	return middleware.AllowAll{}
}

// Run starts every background component and serves HTTP until ctx ends,
// then drains in-flight responses for a bounded grace period. SSE request
// contexts descend from ctx, so streams observe the shutdown and close
// with a final end event.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.bus.Start(runCtx)
	s.dispatcher.Start(runCtx)
	s.registry.Start(runCtx)
	s.scheduler.Start(runCtx)
	s.webhooks.Start(runCtx)
	if s.elector != nil {
		s.elector.Start(runCtx)
	}
	s.reaper.Start(runCtx)
	s.hub.Start(runCtx)

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		// Listen failed before shutdown was requested.
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down", zap.Duration("grace", shutdownGrace))
	cancel() // ends SSE streams and background loops

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("shutdown incomplete", zap.Error(err))
	}

	s.store.Close()
	if s.redis != nil {
		_ = s.redis.Close()
	}
	return nil
}
