package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/luxapientia/alphacore/pkg/config"
	"github.com/luxapientia/alphacore/pkg/events"
	"github.com/luxapientia/alphacore/pkg/health"
	"github.com/luxapientia/alphacore/pkg/log"
	"github.com/luxapientia/alphacore/pkg/queue"
	"github.com/luxapientia/alphacore/pkg/redact"
	"github.com/luxapientia/alphacore/pkg/sandbox"
	"github.com/luxapientia/alphacore/pkg/service"
	"github.com/luxapientia/alphacore/pkg/store"
	"github.com/luxapientia/alphacore/pkg/tap"
	"github.com/luxapientia/alphacore/pkg/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the validation service",
	Long: `Run the validation service: verify host preconditions, reserve the
TAP pool, warm the credential manager and serve the HTTP API.

The on-host network provisioner (bridge, TAP pool, resolver, proxy,
iptables policy) must have run first; serve only verifies it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		return runServe(cfgPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
}

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	ctx := context.Background()

	// Host preconditions are collaborators, not things serve creates; a
	// missing one is a hard startup refusal.
	pre := health.NewPreconditions(cfg)
	if err := pre.Verify(ctx); err != nil {
		return err
	}
	log.Logger.Info().Msg("Host preconditions verified")

	redactor := redact.New()

	tokens, err := token.NewManager(cfg.Token, redactor)
	if err != nil {
		return fmt.Errorf("failed to initialize credential manager: %w", err)
	}
	tokens.Start(ctx)
	defer tokens.Stop()

	st, err := store.Open(cfg.IndexPath(), cfg.JobsDir(), cfg.Data.JobTTL)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer st.Close()

	taps, err := tap.Discover(cfg.Pool.TAPPrefix, cfg.Pool.Workers)
	if err != nil {
		return err
	}
	log.Logger.Info().Int("devices", taps.Size()).Msg("TAP pool discovered")

	runner, err := sandbox.NewRunner(cfg.Sandbox, cfg.Network, redactor)
	if err != nil {
		return err
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// Lifecycle events feed the operator log
	sub := broker.Subscribe()
	go func() {
		evLog := log.WithComponent("events")
		for ev := range sub {
			evLog.Info().
				Str("type", string(ev.Type)).
				Str("job_id", ev.Metadata["job_id"]).
				Str("task_id", ev.Metadata["task_id"]).
				Msg(ev.Message)
		}
	}()

	pool, err := queue.New(cfg.Pool.Workers, cfg.Pool.QueueSize, taps, tokens, runner, st, broker)
	if err != nil {
		return err
	}
	pool.Start()

	srv := service.New(cfg, pool, st, tokens, Version)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Logger.Error().Err(err).Msg("HTTP shutdown failed")
	}

	// Drain running jobs before releasing the pool's resources
	pool.Stop()
	log.Logger.Info().Msg("Shutdown complete")
	return nil
}
