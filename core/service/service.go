package service

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/poer2023/chusea-workflow/core/gateway"
	"github.com/poer2023/chusea-workflow/core/infra/bus"
	"github.com/poer2023/chusea-workflow/core/infra/config"
	"github.com/poer2023/chusea-workflow/core/infra/locks"
	"github.com/poer2023/chusea-workflow/core/infra/logging"
	"github.com/poer2023/chusea-workflow/core/infra/metrics"
	"github.com/poer2023/chusea-workflow/packages/providers/ollama"

	wf "github.com/poer2023/chusea-workflow/core/workflow"
)

const (
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 3 * time.Second

	// memoryStoreURL selects the in-process checkpoint store for local runs.
	memoryStoreURL = "memory"
)

// Run starts the workflow engine service: checkpoint store, event bus,
// generation provider, controller and HTTP gateway. It blocks until SIGINT
// or SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}

	wfCfg, err := config.LoadWorkflowConfig(cfg.WorkflowConfigPath)
	if err != nil {
		return fmt.Errorf("load workflow config: %w", err)
	}
	engCfg := EngineConfig(wfCfg)
	defs, err := Definitions(wfCfg)
	if err != nil {
		return fmt.Errorf("workflow definitions: %w", err)
	}
	policy := GatePolicy(wfCfg)

	store, err := newCheckpointStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect checkpoint store: %w", err)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	eventBus, err := newBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer eventBus.Close()

	prom := metrics.NewProm("chusea_workflow")
	provider := ollama.NewFromEnv()
	executor := wf.NewGenExecutor(provider, wf.NewGate(policy), StepTimeout(wfCfg))

	locker, err := newLocker(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect lock store: %w", err)
	}
	if closer, ok := locker.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	ctrl, err := wf.NewController(store, eventBus, executor, engCfg, defs, prom)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}
	ctrl.WithLocker(locker)
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go ctrl.RunCheckpoints(ctx, cfg.CheckpointInterval)

	gw := gateway.NewServer(ctrl, prom, metrics.Handler())
	defer gw.Close()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      gw.Handler(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logging.Info("workflow-service", "started", "http", cfg.HTTPAddr, "checkpoint_interval", cfg.CheckpointInterval.String())

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	logging.Info("workflow-service", "stopped")
	return nil
}

func newCheckpointStore(redisURL string) (wf.CheckpointStore, error) {
	if redisURL == memoryStoreURL {
		logging.Warn("workflow-service", "using in-memory checkpoint store, runs will not survive restarts")
		return wf.NewMemoryStore(), nil
	}
	return wf.NewRedisCheckpointStore(redisURL)
}

func newLocker(redisURL string) (locks.Store, error) {
	if redisURL == memoryStoreURL {
		return locks.NewMemoryStore(), nil
	}
	return locks.NewRedisStore(redisURL)
}

func newBus(natsURL string) (bus.Bus, error) {
	if natsURL == "" {
		logging.Info("workflow-service", "no NATS url configured, using in-process bus")
		return bus.NewLocalBus(), nil
	}
	return bus.NewNatsBus(natsURL)
}
