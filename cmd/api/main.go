package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/allan-cais/besunny-ai-sub006/internal/activity"
	"github.com/allan-cais/besunny-ai-sub006/internal/api"
	"github.com/allan-cais/besunny-ai-sub006/internal/auth"
	"github.com/allan-cais/besunny-ai-sub006/internal/config"
	"github.com/allan-cais/besunny-ai-sub006/internal/credentials"
	"github.com/allan-cais/besunny-ai-sub006/internal/dedup"
	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/inbound"
	"github.com/allan-cais/besunny-ai-sub006/internal/logging"
	"github.com/allan-cais/besunny-ai-sub006/internal/notify"
	persistence "github.com/allan-cais/besunny-ai-sub006/internal/persistence/postgres"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider/attendee"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider/calendar"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider/drive"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider/gmail"
	"github.com/allan-cais/besunny-ai-sub006/internal/reconcile"
	"github.com/allan-cais/besunny-ai-sub006/internal/scheduler"
	httptransport "github.com/allan-cais/besunny-ai-sub006/internal/transport/http"
	"github.com/allan-cais/besunny-ai-sub006/internal/webhook"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Fatal("load interval policy", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)

	botAPI := attendee.NewClient(cfg.AttendeeAPIURL, cfg.AttendeeAPIKey,
		attendee.WithHTTPClient(&http.Client{Timeout: cfg.ExternalCallTimeout}),
		attendee.WithClientLogger(logger.Named("attendee")),
	)
	providers := provider.NewRegistry(
		calendar.NewSyncer(calendar.WithLogger(logger.Named("calendar"))),
		drive.NewSyncer(drive.WithLogger(logger.Named("drive"))),
		gmail.NewSyncer(gmail.WithLogger(logger.Named("gmail")), gmail.WithVirtualInboxLabel(cfg.VirtualInboxLabel)),
		attendee.NewSyncer(botAPI),
	)

	google := credentials.NewOAuthProvider(
		credentials.GoogleConfig(cfg.GoogleClientID, cfg.GoogleClientSecret),
		repo,
		credentials.WithLogger(logger.Named("credentials")),
		credentials.WithHTTPClient(&http.Client{Timeout: cfg.ExternalCallTimeout}),
	)
	creds := credentials.Router{
		domain.ServiceCalendar: google,
		domain.ServiceDrive:    google,
		domain.ServiceGmail:    google,
		domain.ServiceAttendee: credentials.StaticProvider{Token: cfg.AttendeeAPIKey},
	}

	subscriptions := webhook.NewRegistry(repo, providers, creds, cfg.WebhookBaseURL,
		webhook.WithLogger(logger.Named("webhook")),
		webhook.WithLeadTime(cfg.RenewalLeadTime),
		webhook.WithChannelToken(cfg.ChannelToken),
		webhook.WithThresholds(cfg.FailureThreshold, cfg.DeactivateThreshold),
	)

	reconciler := reconcile.New(repo,
		reconcile.WithBotAPI(botAPI),
		reconcile.WithLogger(logger.Named("reconcile")),
	)

	locker, closeLocker := newLocker(cfg, repo, logger)
	defer closeLocker()

	bus, closeBus := newBus(cfg, logger)
	defer closeBus()

	tracker := activity.NewTracker(activity.WithLogger(logger.Named("activity")))
	sched := scheduler.New(providers, creds, repo, reconciler, tracker,
		scheduler.WithLogger(logger.Named("scheduler")),
		scheduler.WithSubscriptions(subscriptions),
		scheduler.WithConnections(repo, domain.ServiceAttendee),
		scheduler.WithBus(bus),
		scheduler.WithConfig(scheduler.Config{
			Policy:              policy,
			QuietWindows:        cfg.QuietWindows,
			RefreshFailureLimit: cfg.RefreshFailureLimit,
			CallTimeout:         cfg.ExternalCallTimeout,
			PublishTimeout:      cfg.ExternalCallTimeout,
		}),
	)

	notifications := inbound.NewHandler(locker, subscriptions, sched, reconciler,
		inbound.WithLogger(logger.Named("inbound")),
		inbound.WithLockTTL(cfg.LockTTL),
		inbound.WithAsync(),
	)

	handler, err := api.NewHandler(api.Dependencies{
		Activity:      tracker,
		Poller:        sched,
		Workers:       sched,
		Status:        repo,
		Bots:          reconciler,
		Notifications: notifications,
	}, api.WithLogger(logger.Named("api")))
	if err != nil {
		logger.Fatal("build api handler", zap.Error(err))
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, auth.PublicPaths)
	server := httptransport.NewServer(
		httptransport.DefaultServerConfig(cfg.HTTPAddress),
		httptransport.Chain(mux, httptransport.RequestLogger(logger.Named("http")), authMiddleware.Wrap),
	)

	if err := sched.Bootstrap(ctx); err != nil {
		logger.Fatal("bootstrap scheduler", zap.Error(err))
	}
	go ensureChannels(ctx, repo, subscriptions, logger)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("sync api listening", zap.String("address", cfg.HTTPAddress))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-shutdownCh
	logger.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	notifications.Wait()
	sched.Shutdown()
	cancel()
}

// ensureChannels opens push channels for active keys that lack one. Keys
// whose registration fails keep polling.
func ensureChannels(ctx context.Context, states domain.SyncStateStore, subscriptions *webhook.Registry, logger *zap.Logger) {
	active, err := states.ListActiveSyncStates(ctx)
	if err != nil {
		logger.Warn("list states for webhook registration", zap.Error(err))
		return
	}
	for _, state := range active {
		if _, err := subscriptions.Ensure(ctx, state.Key()); err != nil {
			logger.Warn("register webhook",
				zap.String("user_id", state.UserID),
				zap.String("service", string(state.Service)),
				zap.Error(err),
			)
		}
	}
}

func newLocker(cfg config.Config, repo *persistence.Repository, logger *zap.Logger) (dedup.Locker, func()) {
	if cfg.DedupBackend != config.DedupRedis {
		return dedup.NewPostgresLocker(repo), func() {}
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("parse redis url", zap.Error(err))
	}
	client := redis.NewClient(opts)
	return dedup.NewRedisLocker(client, "sync:lock:"), func() {
		if err := client.Close(); err != nil {
			logger.Warn("close redis", zap.Error(err))
		}
	}
}

func newBus(cfg config.Config, logger *zap.Logger) (notify.Bus, func()) {
	var (
		buses   notify.Fanout
		closers []func() error
	)
	if len(cfg.KafkaBrokers) > 0 {
		kafkaBus := notify.NewKafkaBus(cfg.KafkaBrokers, cfg.SyncEventsTopic)
		buses = append(buses, kafkaBus)
		closers = append(closers, kafkaBus.Close)
	}
	if cfg.WorkflowWebhookURL != "" {
		buses = append(buses, notify.NewWebhookBus(cfg.WorkflowWebhookURL, cfg.WorkflowWebhookToken, cfg.ExternalCallTimeout, logger.Named("workflow")))
	}
	return buses, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("close bus", zap.Error(err))
			}
		}
	}
}
