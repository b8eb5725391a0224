package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/allan-cais/besunny-ai-sub006/internal/config"
	"github.com/allan-cais/besunny-ai-sub006/internal/credentials"
	"github.com/allan-cais/besunny-ai-sub006/internal/dedup"
	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/logging"
	persistence "github.com/allan-cais/besunny-ai-sub006/internal/persistence/postgres"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider/calendar"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider/drive"
	"github.com/allan-cais/besunny-ai-sub006/internal/webhook"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)
	google := credentials.NewOAuthProvider(
		credentials.GoogleConfig(cfg.GoogleClientID, cfg.GoogleClientSecret),
		repo,
		credentials.WithLogger(logger.Named("credentials")),
		credentials.WithHTTPClient(&http.Client{Timeout: cfg.ExternalCallTimeout}),
	)
	creds := credentials.Router{
		domain.ServiceCalendar: google,
		domain.ServiceDrive:    google,
	}
	providers := provider.NewRegistry(
		calendar.NewSyncer(calendar.WithLogger(logger.Named("calendar"))),
		drive.NewSyncer(drive.WithLogger(logger.Named("drive"))),
	)
	registry := webhook.NewRegistry(repo, providers, creds, cfg.WebhookBaseURL,
		webhook.WithLogger(logger.Named("webhook")),
		webhook.WithLeadTime(cfg.RenewalLeadTime),
		webhook.WithChannelToken(cfg.ChannelToken),
		webhook.WithThresholds(cfg.FailureThreshold, cfg.DeactivateThreshold),
	)
	renewer := webhook.NewRenewer(registry, cfg.RenewalInterval, logger.Named("renewer"))
	locker := dedup.NewPostgresLocker(repo)

	jobs := gocron.NewScheduler(time.UTC)
	jobs.SingletonModeAll()

	if _, err := jobs.Every(cfg.RenewalInterval).Do(func() {
		renewed, err := renewer.RunOnce(ctx)
		if err != nil {
			logger.Warn("renewal sweep finished with errors", zap.Int("renewed", renewed), zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("schedule renewal job", zap.Error(err))
	}

	if _, err := jobs.Every(cfg.LockSweepInterval).Do(func() {
		purged, err := locker.Purge(ctx, time.Now().UTC())
		if err != nil {
			logger.Warn("purge expired locks", zap.Error(err))
			return
		}
		logger.Debug("purged expired locks", zap.Int("count", purged))
	}); err != nil {
		logger.Fatal("schedule lock sweep job", zap.Error(err))
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("renewer metrics listening", zap.String("address", cfg.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	jobs.StartAsync()
	logger.Info("renewer started",
		zap.Duration("renewal_interval", cfg.RenewalInterval),
		zap.Duration("lock_sweep_interval", cfg.LockSweepInterval),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("renewer shutdown requested")

	cancel()
	jobs.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", zap.Error(err))
	}
}
