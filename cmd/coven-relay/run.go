// ABOUTME: The run command: wires config, agents, ledger, Matrix, monitor and metrics together.
// ABOUTME: Everything shares one signal-aware context and shuts down through an errgroup.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/acp"
	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/capability"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/ledger"
	"github.com/2389/coven-relay/internal/matrix"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/monitor"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/stream"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay(cmd.Context())
	},
}

func runRelay(ctx context.Context) error {
	cyan.Print(banner)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	logger := setupLogger(cfg.Logging.Level)

	info("Config", configPath)
	info("Homeserver", cfg.Matrix.Homeserver)
	info("Username", cfg.Matrix.Username)
	info("Agent", cfg.Agent.Command)
	info("Ledger", cfg.Ledger.Path)
	if cfg.Matrix.RecoveryKey != "" {
		info("Encryption", "enabled")
	}
	if cfg.Metrics.Enabled {
		info("Metrics", "http://"+cfg.Metrics.Addr+"/metrics")
	}
	fmt.Println()

	// Setup graceful shutdown context first - all operations should respect it
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	agents := newAgentManager(cfg, logger)
	agents.OnOpen = m.AgentOpened
	agents.OnExit = m.AgentExited

	turns, err := ledger.NewSQLite(cfg.Ledger.Path, logger)
	if err != nil {
		return fmt.Errorf("opening turn ledger: %w", err)
	}
	defer turns.Close()

	var router *relay.Router
	chat, err := matrix.New(matrixConfig(cfg), func(ev relay.Event) error {
		return router.Submit(ev)
	}, logger)
	if err != nil {
		return err
	}
	defer chat.Close()

	router = relay.New(relayConfig(cfg), chat, agents, logger)
	router.Ledger = turns
	router.Observer = m

	mon := monitor.New(chat, monitor.Config{
		KeepAlive:      cfg.Monitor.KeepAlive,
		ProbeTimeout:   cfg.Monitor.ProbeTimeout,
		Threshold:      cfg.Monitor.FailureThreshold,
		BackoffInitial: cfg.Monitor.BackoffInitial,
		BackoffMax:     cfg.Monitor.BackoffMax,
	}, logger)
	stateChanges, unsubscribe := mon.Subscribe(16)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error {
		m.WatchMonitor(gctx, stateChanges)
		return nil
	})
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(m, mon, agents.Scopes, logger)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Metrics.Addr) })
	}

	logger.Info("relay started")
	err = g.Wait()

	if cerr := agents.CloseAll(); cerr != nil {
		logger.Warn("closing agent sessions", "error", cerr)
	}
	logger.Info("relay stopped")
	return err
}

func newAgentManager(cfg *config.Config, logger *slog.Logger) *agent.Manager {
	spawner := acp.ExecSpawner{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		Env:     envList(cfg.Agent.Env),
		Logger:  logger,
	}
	client := acp.NewClient(spawner, acp.ClientConfig{
		HandshakeTimeout: cfg.Agent.HandshakeTimeout,
		CallTimeout:      cfg.Agent.CallTimeout,
		CloseGrace:       cfg.Agent.CloseGrace,
	}, logger)
	return agent.NewManager(client, agent.Options{
		Paths:               capabilityPaths(cfg),
		PrependInstructions: cfg.Agent.PrependInstructions,
	}, logger)
}

func capabilityPaths(cfg *config.Config) capability.Paths {
	return capability.Paths{
		BaseTools:        cfg.Capabilities.Tools,
		BaseInstructions: cfg.Capabilities.Instructions,
		BaseSkills:       cfg.Capabilities.Skills,
	}
}

func matrixConfig(cfg *config.Config) matrix.Config {
	mc := matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		Username:    cfg.Matrix.Username,
		Password:    cfg.Matrix.Password,
		DeviceName:  cfg.Matrix.DeviceName,
		RecoveryKey: cfg.Matrix.RecoveryKey,
	}
	// The crypto store is only set up when a recovery key is configured.
	if cfg.Matrix.RecoveryKey != "" {
		mc.DataDir = config.DataPath()
	}
	return mc
}

func relayConfig(cfg *config.Config) relay.Config {
	return relay.Config{
		AllowedRooms:    cfg.Bridge.AllowedRooms,
		CommandPrefix:   cfg.Bridge.CommandPrefix,
		StopCommand:     cfg.Bridge.StopCommand,
		RequireMention:  cfg.Bridge.RequireMention,
		TypingIndicator: cfg.Bridge.TypingIndicator,
		QueueSize:       cfg.Bridge.QueueSize,
		DedupeTTL:       cfg.Bridge.DedupeTTL,
		HistoryLimit:    cfg.Bridge.HistoryLimit,
		CancelGrace:     cfg.Stream.CancelGrace,
		IdleTimeout:     cfg.Stream.IdleTimeout,
		TurnTimeout:     cfg.Stream.TurnTimeout,
		Stream: stream.Options{
			MinInterval: cfg.Stream.MinInterval,
			Retry: stream.RetryPolicy{
				MaxRetries: cfg.Stream.Retries,
				Initial:    cfg.Stream.RetryInitial,
				Max:        cfg.Stream.RetryMax,
			},
		},
		ScopeFor: cfg.Agent.ScopeFor,
	}
}

// envList turns the configured agent environment into KEY=value pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
