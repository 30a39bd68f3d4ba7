// Command alphawatch runs the alpha-event watcher: it polls the listing
// page once a minute, persists observed events, materializes reminders,
// and delivers due ones through Spug.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alpha-watch/alpha-watch/internal/browser"
	"github.com/alpha-watch/alpha-watch/internal/buildinfo"
	"github.com/alpha-watch/alpha-watch/internal/config"
	"github.com/alpha-watch/alpha-watch/internal/extractor"
	"github.com/alpha-watch/alpha-watch/internal/httpkit"
	"github.com/alpha-watch/alpha-watch/internal/logging"
	"github.com/alpha-watch/alpha-watch/internal/notifier"
	"github.com/alpha-watch/alpha-watch/internal/orchestrator"
	"github.com/alpha-watch/alpha-watch/internal/repository"
	"github.com/alpha-watch/alpha-watch/internal/store"
	"github.com/alpha-watch/alpha-watch/internal/timeutil"
)

func main() {
	logger := logging.New("INFO")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel)
	logger.Info("starting alpha-watch", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	if err := run(cfg, logger); err != nil {
		logger.Error("alpha-watch exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("alpha-watch stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	tz, err := timeutil.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	db := store.New(store.Config{
		Host:        cfg.DBHost,
		Port:        cfg.DBPort,
		User:        cfg.DBUser,
		Password:    cfg.DBPassword,
		Database:    cfg.DBName,
		PoolMinSize: cfg.DBPoolMinSize,
		PoolMaxSize: cfg.DBPoolMaxSize,
	})
	defer db.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStartup()
	if err := db.EnsureSchema(startupCtx, store.Schema()); err != nil {
		return fmt.Errorf("schema bootstrap: %w", err)
	}

	conn, err := db.DB(startupCtx)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	repo := repository.New(conn)

	session, err := browser.New(cfg.PlaywrightProxy, cfg.Language)
	if err != nil {
		return fmt.Errorf("browser session: %w", err)
	}
	fetcher := extractor.New(session, extractor.Config{URL: cfg.AlphaURL, Location: tz})

	var notif orchestrator.Notifier
	if cfg.SpugConfigured() {
		httpClient, err := httpkit.NewClient(
			httpkit.WithTimeout(time.Duration(cfg.SpugTimeoutSeconds)*time.Second),
			httpkit.WithProxy(cfg.SpugProxy),
		)
		if err != nil {
			return fmt.Errorf("notifier http client: %w", err)
		}
		notif = notifier.New(httpClient, notifier.Config{
			BaseURL:     cfg.SpugBaseURL,
			Token:       cfg.SpugToken,
			TimeoutSecs: cfg.SpugTimeoutSeconds,
			XSendUserID: cfg.SpugXSendUserID,
		})
	} else {
		logger.Warn("SPUG_BASE_URL/SPUG_TOKEN/SPUG_XSEND_USER_ID not configured; due reminders will be recorded as failed until delivery is configured")
		notif = unconfiguredNotifier{}
	}

	// The canonical combined orchestrator always materializes the single
	// 30-minute offset (see SPEC_FULL.md's Open Question resolution);
	// REMINDER_OFFSETS is parsed and carried on Config for an alternative
	// orchestrator to consume; it does not widen what this one schedules.
	orch := orchestrator.New(fetcher, repo, notif, orchestrator.Config{
		Timezone:        tz,
		ReminderOffsets: []int{30},
		DefaultChannel:  cfg.SpugChannel,
		QuietChannel:    cfg.SpugQuietChannel,
		QuietHours:      cfg.QuietHours,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := orch.Run(ctx, cfg.RunOnce); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// unconfiguredNotifier fails every send so due rows are marked failed
// with a recorded reason instead of being consumed as delivered.
type unconfiguredNotifier struct{}

func (unconfiguredNotifier) Send(ctx context.Context, r notifier.Reminder) (*notifier.Result, error) {
	return nil, errors.New("spug notifier not configured")
}
