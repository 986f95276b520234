package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxclaw/voxclaw/internal/ai"
	"github.com/voxclaw/voxclaw/internal/bus"
	"github.com/voxclaw/voxclaw/internal/channels"
	"github.com/voxclaw/voxclaw/internal/config"
	"github.com/voxclaw/voxclaw/internal/dashboard"
	"github.com/voxclaw/voxclaw/internal/firehose"
	"github.com/voxclaw/voxclaw/internal/leader"
	"github.com/voxclaw/voxclaw/internal/loops"
	"github.com/voxclaw/voxclaw/internal/runner"
	"github.com/voxclaw/voxclaw/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assistant daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// worker is the shared shape of the polling loops.
type worker interface {
	Run(ctx context.Context) error
}

func runServe() error {
	printHeader("🦞 VoxClaw Daemon")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.MediaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	// One daemon per database. Two pollers would double claim jobs.
	lock := leader.NewFileLock(cfg.Paths.LockFile)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another voxclaw instance holds %s", cfg.Paths.LockFile)
	}
	defer lock.Unlock()

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if mirror := firehose.New(cfg.Firehose); mirror != nil {
		st.SetEventHook(mirror.Hook())
		go mirror.Run(ctx)
		defer mirror.Close()
	}

	msgBus := bus.NewMessageBus()
	registry := channels.NewRegistry()
	if cfg.Channels.WhatsApp.Enabled {
		wa := channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, cfg.Paths.MediaDir, msgBus)
		if err := wa.Start(ctx); err != nil {
			slog.Error("WhatsApp start failed", "error", err)
		} else {
			registry.Register(wa)
		}
	}
	if cfg.Channels.Slack.Enabled {
		sl := channels.NewSlackChannel(cfg.Channels.Slack, msgBus)
		if err := sl.Start(ctx); err != nil {
			slog.Error("Slack start failed", "error", err)
		} else {
			registry.Register(sl)
		}
	}
	if len(registry.Names()) == 0 {
		return fmt.Errorf("no channels started, enable whatsapp or slack in %s", config.ConfigPath())
	}
	defer registry.StopAll()

	aiSvc := ai.NewOpenRouter(cfg.AI.APIKey, cfg.AI.APIBase, cfg.AI.Model, cfg.AI.EmbeddingModel,
		time.Duration(cfg.AI.TimeoutMs)*time.Millisecond)
	sandbox := runner.NewDockerRunner(cfg.Runner.DockerImage, cfg.Runner.WorkspaceDir,
		cfg.Runner.SessionsDir, time.Duration(cfg.Runner.RunTimeoutMs)*time.Millisecond)

	workers := []worker{
		loops.NewGatewayWorker(st, msgBus, registry, cfg.Loops),
		loops.NewTriageWorker(st, aiSvc, cfg.Loops),
		loops.NewContextWorker(st, aiSvc, cfg.Loops),
		loops.NewClockWorker(st, cfg.Loops),
		loops.NewRuntimeWorker(st, sandbox, cfg.Loops, cfg.Paths.MediaDir),
		loops.NewReplyWorker(st, aiSvc, cfg.Loops),
		loops.NewDeliveryWorker(st, registry, cfg.Loops),
		loops.NewAuditWorker(st, cfg.Loops),
	}
	for _, w := range workers {
		go w.Run(ctx)
	}

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(st, cfg.Dashboard, cfg.Loops)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	slog.Info("voxclaw running",
		"version", version,
		"channels", registry.Names(),
		"db", cfg.Store.Path,
		"media", filepath.Clean(cfg.Paths.MediaDir))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("shutting down", "signal", sig.String())
	cancel()
	return nil
}
