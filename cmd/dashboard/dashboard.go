// Package dashboard implements the long-running agent command: it
// establishes the backend session, loads the detection store, connects
// the realtime bridge and serves the dashboard API until interrupted.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/garbagewatch/garbagewatch-go/internal/alert"
	"github.com/garbagewatch/garbagewatch-go/internal/api"
	"github.com/garbagewatch/garbagewatch-go/internal/backend"
	"github.com/garbagewatch/garbagewatch-go/internal/bridge"
	"github.com/garbagewatch/garbagewatch-go/internal/conf"
	"github.com/garbagewatch/garbagewatch-go/internal/geocode"
	"github.com/garbagewatch/garbagewatch-go/internal/httpclient"
	"github.com/garbagewatch/garbagewatch-go/internal/location"
	"github.com/garbagewatch/garbagewatch-go/internal/logging"
	"github.com/garbagewatch/garbagewatch-go/internal/observability"
	"github.com/garbagewatch/garbagewatch-go/internal/store"
	"github.com/garbagewatch/garbagewatch-go/internal/uploader"
)

const shutdownTimeout = 10 * time.Second

// Command returns the dashboard subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Run the detection dashboard agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settings)
		},
	}
}

func run(settings *conf.Settings) error {
	logger := logging.ForService("dashboard")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	client := backend.NewClient(settings)
	defer client.Close()

	userID, userRole := "", ""
	if settings.Backend.Email != "" {
		user, err := client.Login(ctx, settings.Backend.Email, settings.Backend.Password)
		if err != nil {
			return fmt.Errorf("backend login failed: %w", err)
		}
		userID, userRole = user.ID, user.Role
		logger.Info("backend session established", "user_id", user.ID, "role", user.Role)
	}

	snapshotPath, err := settings.SnapshotPath()
	if err != nil {
		return fmt.Errorf("failed to resolve snapshot path: %w", err)
	}

	detectionStore := store.New(&store.Config{
		Backend: client,
		Cache:   store.NewSnapshotCache(snapshotPath),
		Metrics: metrics.Store,
	})
	detectionStore.Start(ctx)
	defer func() {
		// The consumer loop exits on context cancellation; Stop then
		// waits for it and releases the subscribers.
		cancel()
		detectionStore.Stop()
	}()
	detectionStore.Load(ctx)

	auditPath := filepath.Join(filepath.Dir(snapshotPath), "detections.log")
	auditLog, closeAudit, err := logging.NewFileLogger(auditPath, "detections", slog.LevelInfo)
	if err != nil {
		logger.Warn("detection audit log unavailable", "path", auditPath, "error", err)
	} else {
		defer closeAudit()
		go func() {
			for event := range detectionStore.Subscribe(ctx) {
				if event.Record == nil {
					continue
				}
				auditLog.Info(string(event.Type),
					"id", event.Record.ID,
					"status", event.Record.Status,
					"confidence", event.Record.Confidence,
					"source", event.Record.Source)
			}
		}()
	}

	realtimeBridge := bridge.New(settings.Backend.RealtimeURL, detectionStore.Inbound(), metrics.Bridge)
	if err := realtimeBridge.Connect(ctx); err != nil {
		// The agent remains functional on REST alone.
		logger.Warn("realtime channel unavailable", "error", err)
	} else {
		defer realtimeBridge.Close()
	}

	lookupClient := httpclient.New(nil)
	defer lookupClient.Close()
	locator := location.NewProvider(settings, lookupClient)

	var geocoder uploader.Geocoder
	if settings.Geocode.Enabled {
		geocodeClient := geocode.New(settings, lookupClient, metrics.Geocode)
		defer geocodeClient.Close()
		geocoder = geocodeClient
	}

	uploadController := uploader.NewController(&uploader.Config{
		Classifier: client,
		Sink:       detectionStore,
		Publisher:  realtimeBridge,
		Locator:    locator,
		Geocoder:   geocoder,
		Metrics:    metrics.Upload,
		PreviewDir: settings.Upload.PreviewDir,
		UserID:     userID,
	})
	defer uploadController.Reset()

	notifier, err := alert.New(settings, metrics.Alert)
	if err != nil {
		return fmt.Errorf("failed to initialize alerting: %w", err)
	}
	if notifier != nil {
		notifier.Start(ctx, detectionStore.Subscribe(ctx))
		defer func() {
			cancel()
			notifier.Wait()
		}()
	}

	server := api.New(&api.Config{
		Settings:       settings,
		Store:          detectionStore,
		Uploader:       uploadController,
		MetricsHandler: metrics.Handler(),
		UserRole:       userRole,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("dashboard server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("dashboard shutdown failed", "error", err)
	}
	return nil
}
