package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pingsrv/pingsrv/internal/config"
	"github.com/pingsrv/pingsrv/internal/controller"
	"github.com/pingsrv/pingsrv/internal/dbservice"
	"github.com/pingsrv/pingsrv/internal/health"
	"github.com/pingsrv/pingsrv/internal/httpapi"
	"github.com/pingsrv/pingsrv/internal/metrics"
	"github.com/pingsrv/pingsrv/internal/pgworker"
)

var (
	configPath string
	logFile    string
	devMode    bool
)

var rootCmd = &cobra.Command{
	Use:   "pingsrvd",
	Short: "pingsrvd records and serves device ping history",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "configs/pingsrv.yaml", "path to configuration file")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "write logs to this file instead of stdout")
	rootCmd.Flags().BoolVar(&devMode, "dev", false, "enable human-readable development logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging() {
	var w io.Writer = os.Stdout
	if logFile != "" {
		w = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
		}
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if devMode {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(cmd *cobra.Command, args []string) error {
	setupLogging()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		slog.Debug(fmt.Sprintf(format, a...), "component", "maxprocs")
	})); err != nil {
		slog.Warn("failed to set GOMAXPROCS", "error", err)
	}

	slog.Info("pingsrvd starting", "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.Info("configuration loaded", "db", cfg.DB.Redacted(), "pool_size", cfg.Pool.Size)

	poolCfg := pgworker.Config{
		Host:         cfg.DB.Host,
		Port:         cfg.DB.Port,
		Database:     cfg.DB.DBName,
		User:         cfg.DB.Username,
		Password:     cfg.DB.Password,
		DialTimeout:  10 * time.Second,
		PreparePlans: controller.PreparePlans,
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	svc, err := dbservice.Start(startCtx, cfg.Pool.Size, poolCfg)
	cancelStart()
	if err != nil {
		return fmt.Errorf("starting database service: %w", err)
	}
	m := metrics.New()
	svc.SetMetrics(m)
	dbservice.SetDefault(svc)

	hc := health.NewChecker(svc, m, 10*time.Second, 3)
	hc.Start()

	apiServer := httpapi.NewServer(svc, hc, m)
	addr := fmt.Sprintf("%s:%d", cfg.Listen.HTTPBind, cfg.Listen.HTTPPort)
	if err := apiServer.Start(addr); err != nil {
		return fmt.Errorf("starting http api: %w", err)
	}

	configWatcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		slog.Info("configuration reloaded; ambient settings take effect on next restart",
			"http_port", newCfg.Listen.HTTPPort)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "error", err)
	}

	slog.Info("pingsrvd ready", "addr", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	if err := apiServer.Stop(); err != nil {
		slog.Error("error stopping http api", "error", err)
	}
	hc.Stop()
	if err := svc.Close(); err != nil {
		slog.Error("error closing database service", "error", err)
	}

	slog.Info("pingsrvd stopped")
	return nil
}
