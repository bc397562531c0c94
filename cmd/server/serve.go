package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ttlock-bridge/backend/internal/api"
	"github.com/ttlock-bridge/backend/internal/auth"
	"github.com/ttlock-bridge/backend/internal/command"
	"github.com/ttlock-bridge/backend/internal/config"
	"github.com/ttlock-bridge/backend/internal/health"
	"github.com/ttlock-bridge/backend/internal/logging"
	"github.com/ttlock-bridge/backend/internal/metrics"
	"github.com/ttlock-bridge/backend/internal/reconcile"
	"github.com/ttlock-bridge/backend/internal/state"
	"github.com/ttlock-bridge/backend/internal/storage"
	"github.com/ttlock-bridge/backend/internal/storage/models"
	"github.com/ttlock-bridge/backend/internal/ttlock"
	"github.com/ttlock-bridge/backend/internal/webhook"
	"github.com/ttlock-bridge/backend/internal/websocket"
)

const (
	sweepParallel   = 4
	shutdownTimeout = 30 * time.Second
)

var healthStatuses = []string{
	string(health.StatusHealthy),
	string(health.StatusDegraded),
	string(health.StatusReauthRequired),
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	logger.Info("starting ttlock bridge", "version", version, "addr", cfg.HTTPAddr)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %q: %w", cfg.DataDir, err)
	}
	db, err := storage.NewDB(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := storage.RunMigrations(db, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("database ready", "path", db.Path())

	credRepo := storage.NewCredentialRepository(db)
	lockRepo := storage.NewLockRepository(db)

	cred, err := loadCredential(ctx, credRepo, cfg.Cloud, logger)
	if err != nil {
		return err
	}

	store := state.NewStore(logger)
	if err := restoreLocks(ctx, lockRepo, store); err != nil {
		return err
	}

	m := metrics.New()
	tracker := health.NewTracker(logger)
	tracker.OnChange(func(s health.Snapshot) {
		m.SetHealth(string(s.Status), healthStatuses)
	})
	m.SetHealth(string(tracker.Snapshot().Status), healthStatuses)
	store.Subscribe(func(c state.Change) {
		source := string(c.Update.Source)
		if source == "" {
			source = "stale"
		}
		m.StateUpdated(source)
	})

	httpClient := &http.Client{Timeout: cfg.HTTPClientTimeout}

	tokens := auth.NewManager(
		cred,
		ttlock.NewOAuthRefresher(cfg.Cloud.TokenURL, cfg.Cloud.ClientID, cfg.Cloud.ClientSecret, httpClient),
		credRepo,
		logger,
		auth.WithMargin(cfg.RefreshMargin),
		auth.WithObserver(metrics.MultiObserver{tracker, m}),
	)

	cloud, err := ttlock.New(ttlock.Config{
		BaseURL:  cfg.Cloud.BaseURL,
		ClientID: cfg.Cloud.ClientID,
		Timeout:  cfg.HTTPClientTimeout,
		Retry: ttlock.RetryPolicy{
			MaxRetries: cfg.RetryMax,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		},
		RateLimitCodes: cfg.Cloud.RateLimitCodes,
	}, tokens, logger, ttlock.WithHTTPClient(httpClient), ttlock.WithObserver(m))
	if err != nil {
		return fmt.Errorf("creating cloud client: %w", err)
	}

	dispatcher := command.New(cloud, store, command.Config{
		Timeout:       cfg.CommandTimeout,
		ConfirmWindow: cfg.CommandConfirmWindow,
	}, logger, command.WithRecorder(m))
	defer dispatcher.Stop()

	predictor := webhook.NewAutoLockPredictor(store, cfg.Location, logger)
	defer predictor.Stop()

	var verifier webhook.Verifier
	if cfg.WebhookMode == config.WebhookModeHMAC {
		verifier = webhook.NewHMACVerifier(cfg.WebhookSecret)
	} else {
		verifier = webhook.NewPathTokenVerifier(cfg.WebhookSecret)
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("webhook secret is empty; every delivery will be rejected")
	}
	hook := webhook.NewHandler(verifier, store, logger,
		webhook.WithPredictor(predictor),
		webhook.WithRecorder(m),
	)

	loop := reconcile.New(cloud, store, lockRepo, reconcile.Config{
		Interval: cfg.ReconcileInterval,
		Timeout:  cfg.ReconcileTimeout,
		Parallel: sweepParallel,
	}, logger,
		reconcile.WithHealth(tracker),
		reconcile.WithRecorder(sweepRecorder{Metrics: m, store: store}),
	)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := websocket.NewHub(logger)
	go hub.Run(hubCtx)

	events := websocket.NewEventBroadcaster(hub, logger)
	store.Subscribe(events.LockChanged)
	dispatcher.OnUpdate(events.CommandUpdated)
	tracker.OnChange(events.HealthChanged)

	if err := loop.Start(); err != nil {
		return fmt.Errorf("starting reconciliation: %w", err)
	}
	defer loop.Stop()

	router := api.NewRouter(api.Services{
		DB:            db,
		Store:         store,
		Commands:      dispatcher,
		Health:        tracker,
		Tokens:        tokens,
		Sweeper:       loop,
		Webhook:       hook,
		Hub:           hub,
		Metrics:       m.Handler(),
		Location:      cfg.Location,
		Logger:        logger,
		SignedWebhook: cfg.WebhookMode == config.WebhookModeHMAC,
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down server")
	stopHub()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// loadCredential prefers the persisted credential, seeding it from
// configuration on first start.
func loadCredential(ctx context.Context, repo *storage.CredentialRepository, cloud config.CloudConfig, logger *slog.Logger) (models.Credential, error) {
	cred, err := repo.Load(ctx)
	if err != nil {
		return models.Credential{}, fmt.Errorf("loading credential: %w", err)
	}
	if !cred.IsZero() {
		return cred, nil
	}

	cred = models.Credential{
		AccessToken:  cloud.AccessToken,
		RefreshToken: cloud.RefreshToken,
		ExpiresAt:    cloud.ExpiresAt,
		IssuedAt:     time.Now().UTC(),
	}
	if cred.IsZero() {
		logger.Warn("no credential configured; cloud calls will require re-authorisation")
		return cred, nil
	}
	if err := repo.SaveCredential(ctx, cred); err != nil {
		return models.Credential{}, fmt.Errorf("seeding credential: %w", err)
	}
	logger.Info("seeded credential from configuration", "expires_at", cred.ExpiresAt)
	return cred, nil
}

// restoreLocks registers previously discovered locks so commands and
// webhooks can address them before the first sweep finishes.
func restoreLocks(ctx context.Context, repo *storage.LockRepository, store *state.Store) error {
	locks, err := repo.List(ctx)
	if err != nil {
		return fmt.Errorf("restoring locks: %w", err)
	}
	for _, l := range locks {
		store.Ensure(l.LockID, l.Name)
	}
	return nil
}

// sweepRecorder also refreshes the lock gauge after every sweep.
type sweepRecorder struct {
	*metrics.Metrics
	store *state.Store
}

func (r sweepRecorder) SweepFinished(result string, elapsed time.Duration) {
	r.Metrics.SweepFinished(result, elapsed)
	r.Metrics.SetLocks(len(r.store.IDs()))
}
