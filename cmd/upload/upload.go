// Package upload implements the one-shot CLI command that submits a
// single image for classification and records the detection locally.
package upload

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/garbagewatch/garbagewatch-go/internal/backend"
	"github.com/garbagewatch/garbagewatch-go/internal/bridge"
	"github.com/garbagewatch/garbagewatch-go/internal/conf"
	"github.com/garbagewatch/garbagewatch-go/internal/detection"
	"github.com/garbagewatch/garbagewatch-go/internal/geocode"
	"github.com/garbagewatch/garbagewatch-go/internal/httpclient"
	"github.com/garbagewatch/garbagewatch-go/internal/location"
	"github.com/garbagewatch/garbagewatch-go/internal/logging"
	"github.com/garbagewatch/garbagewatch-go/internal/store"
	"github.com/garbagewatch/garbagewatch-go/internal/uploader"
)

// Command returns the upload subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "upload [image file]",
		Short: "Submit an image for garbage classification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, args[0])
		},
	}
}

func run(ctx context.Context, settings *conf.Settings, path string) error {
	logger := logging.ForService("upload")
	if ctx == nil {
		ctx = context.Background()
	}

	client := backend.NewClient(settings)
	defer client.Close()

	userID := ""
	if settings.Backend.Email != "" {
		user, err := client.Login(ctx, settings.Backend.Email, settings.Backend.Password)
		if err != nil {
			return fmt.Errorf("backend login failed: %w", err)
		}
		userID = user.ID
	}

	snapshotPath, err := settings.SnapshotPath()
	if err != nil {
		return fmt.Errorf("failed to resolve snapshot path: %w", err)
	}
	detectionStore := store.New(&store.Config{
		Backend: client,
		Cache:   store.NewSnapshotCache(snapshotPath),
	})
	detectionStore.Load(ctx)

	realtimeBridge := bridge.New(settings.Backend.RealtimeURL, detectionStore.Inbound(), nil)
	if err := realtimeBridge.Connect(ctx); err != nil {
		logger.Debug("realtime channel unavailable, skipping publish", "error", err)
	} else {
		defer realtimeBridge.Close()
	}

	lookupClient := httpclient.New(nil)
	defer lookupClient.Close()

	var geocoder uploader.Geocoder
	if settings.Geocode.Enabled {
		geocodeClient := geocode.New(settings, lookupClient, nil)
		defer geocodeClient.Close()
		geocoder = geocodeClient
	}

	controller := uploader.NewController(&uploader.Config{
		Classifier: client,
		Sink:       detectionStore,
		Publisher:  realtimeBridge,
		Locator:    location.NewProvider(settings, lookupClient),
		Geocoder:   geocoder,
		PreviewDir: settings.Upload.PreviewDir,
		UserID:     userID,
	})
	result, err := controller.UploadFile(ctx, path)
	if err != nil {
		return err
	}

	fmt.Printf("Prediction: %s (confidence %.2f)\n", result.Prediction, result.Confidence)
	if result.Prediction == detection.PredictionGarbage {
		fmt.Println("Detection recorded.")
	} else {
		fmt.Println("No garbage detected, nothing recorded.")
	}
	return nil
}
