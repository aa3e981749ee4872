package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clinicore/clinicore/internal/api"
	"github.com/clinicore/clinicore/internal/app"
	"github.com/clinicore/clinicore/internal/app/maintenance"
	iauth "github.com/clinicore/clinicore/internal/auth"
	"github.com/clinicore/clinicore/internal/database"
	"github.com/clinicore/clinicore/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("clinicore-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var cfg *app.Config
	var err error
	if configPath != "" {
		cfg, err = app.LoadConfig(configPath)
	} else {
		cfg, err = app.LoadConfig()
	}
	if err != nil {
		return err
	}

	generated, err := app.ApplyRuntimeDefaults(cfg)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")
	for _, key := range generated {
		log.Warn("generated runtime secret, sessions will not survive a restart", zap.String("key", key))
	}

	db, err := database.Open(app.DatabaseConfigFromApp(cfg.Database))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := database.AutoMigrateAndSeed(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	services, err := app.BuildServices(db, cfg)
	if err != nil {
		return err
	}

	cleanerOpts := []maintenance.Option{
		maintenance.WithTokenSchedule(cfg.Maintenance.TokenSchedule),
		maintenance.WithSessionSchedule(cfg.Maintenance.SessionSchedule),
		maintenance.WithHistorySchedule(cfg.Maintenance.HistorySchedule),
		maintenance.WithSessionRetention(cfg.Maintenance.SessionRetention),
		maintenance.WithHistoryRetentionDays(cfg.Auth.Password.RetentionDays),
	}
	if memStore, ok := services.Revocations.(*iauth.MemoryRevocationStore); ok {
		cleanerOpts = append(cleanerOpts, maintenance.WithRevocationStore(memStore))
	}
	cleaner := maintenance.NewCleaner(services.Verifications, services.Sessions, services.Passwords, cleanerOpts...)
	if cfg.Maintenance.Enabled {
		if err := cleaner.Start(); err != nil {
			return fmt.Errorf("start maintenance: %w", err)
		}
		defer func() { <-cleaner.Stop().Done() }()
	}

	router, err := api.NewRouter(db, services.Auth, services.JWT, api.Options{
		RequestsPerMinute:    cfg.Server.RateLimit.RequestsPerMinute,
		StrictLimitPerMinute: cfg.Server.RateLimit.StrictPerMinute,
		ExposeMetrics:        cfg.Monitoring.Prometheus.Enabled,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
