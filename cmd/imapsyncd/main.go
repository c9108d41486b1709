package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"imapsyncd/internal/api"
	"imapsyncd/internal/config"
	"imapsyncd/internal/core"
	"imapsyncd/internal/logging"
	imapsyncdmcp "imapsyncd/internal/mcp"
	"imapsyncd/internal/notify"
	"imapsyncd/internal/store"
	"imapsyncd/internal/sysinfo"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.DB.Close()

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	var notifier notify.Notifier = &notify.NoOpNotifier{}
	if cfg.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Bark.URL)
		if err != nil {
			logger.Error("configure bark", "err", err)
			os.Exit(1)
		}
		notifier = bark
	}

	runner := core.NewCommandRunner(cfg.Sync.Bin, cfg.Sync.KillGrace, logger)
	scheduler := core.NewScheduler(runner, logger, location,
		core.WithFailurePatterns(cfg.Sync.FailurePatterns),
		core.WithCompletionHook(func(view core.TaskView) {
			title, body := notify.TaskMessage(view)
			sendCtx, cancel := context.WithTimeout(baseCtx, 15*time.Second)
			defer cancel()
			if err := notifier.Send(sendCtx, title, body); err != nil {
				logger.Warn("send notification", "task_id", view.ID, "err", err)
			}
		}),
	)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	sampler := sysinfo.NewSampler(cfg.NetInterface)
	go sampler.Run(ctx)

	scheduler.Start(ctx)

	mcpServer := imapsyncdmcp.NewMCPServer(storeInst, scheduler, logger)

	switch cfg.Mode {
	case "http", "":
		runHTTPMode(cfg, storeInst, scheduler, mcpServer, sampler, logger, cancel)
	case "mcp":
		runMCPMode(mcpServer, scheduler, cfg, logger, cancel)
	case "both":
		runBothMode(cfg, storeInst, scheduler, mcpServer, sampler, logger, cancel)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}
}

func runHTTPMode(cfg *config.Config, storeInst *store.Store, scheduler *core.Scheduler,
	mcpServer *imapsyncdmcp.MCPServer, sampler *sysinfo.Sampler, logger *slog.Logger, cancel context.CancelFunc) {
	server, err := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, scheduler, mcpServer, sampler, logger)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	drainScheduler(scheduler, cfg.ShutdownGrace, logger, cancel)
}

func runMCPMode(mcpServer *imapsyncdmcp.MCPServer, scheduler *core.Scheduler,
	cfg *config.Config, logger *slog.Logger, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
	drainScheduler(scheduler, cfg.ShutdownGrace, logger, cancel)
}

func runBothMode(cfg *config.Config, storeInst *store.Store, scheduler *core.Scheduler,
	mcpServer *imapsyncdmcp.MCPServer, sampler *sysinfo.Sampler, logger *slog.Logger, cancel context.CancelFunc) {
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server, err := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, scheduler, mcpServer, sampler, logger)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	drainScheduler(scheduler, cfg.ShutdownGrace, logger, cancel)
	logger.Info("shutdown complete")
}

// drainScheduler stops cron dispatch, cancels in-flight imapsync processes,
// and waits out the grace period for sequences to wind down.
func drainScheduler(scheduler *core.Scheduler, grace time.Duration, logger *slog.Logger, cancel context.CancelFunc) {
	stopCtx := scheduler.Shutdown()
	select {
	case <-stopCtx.Done():
	case <-time.After(grace):
		logger.Warn("cron drain timed out")
	}

	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), grace)
	defer drainCancel()
	if err := scheduler.Drain(drainCtx); err != nil {
		logger.Warn("scheduler drain timed out")
	}
}
