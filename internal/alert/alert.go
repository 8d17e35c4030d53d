// Package alert pushes staff notifications for newly confirmed garbage
// detections through shoutrrr service URLs (email, Telegram, webhooks
// and friends, depending on configuration).
package alert

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/garbagewatch/garbagewatch-go/internal/conf"
	"github.com/garbagewatch/garbagewatch-go/internal/detection"
	"github.com/garbagewatch/garbagewatch-go/internal/errors"
	"github.com/garbagewatch/garbagewatch-go/internal/logging"
	"github.com/garbagewatch/garbagewatch-go/internal/store"
)

const sendTimeout = 15 * time.Second

// Metrics counts alert deliveries.
type Metrics interface {
	AlertSent()
	AlertFailed()
}

// Notifier watches detection store changes and pushes an alert for
// every newly created garbage detection at or above the configured
// confidence threshold.
type Notifier struct {
	sender        *router.ServiceRouter
	minConfidence float64
	logger        *slog.Logger
	metrics       Metrics

	wg sync.WaitGroup
}

// New builds a notifier from settings. Returns nil without error when
// alerting is disabled.
func New(settings *conf.Settings, metrics Metrics) (*Notifier, error) {
	if !settings.Alert.Enabled {
		return nil, nil
	}
	urls := slices.Clone(settings.Alert.URLs)
	if len(urls) == 0 {
		return nil, errors.Newf("alerting is enabled but no service URLs are configured").
			Component("alert").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.New(err).
			Component("alert").
			Category(errors.CategoryConfiguration).
			Build()
	}
	sender.Timeout = sendTimeout
	sender.SetLogger(log.New(io.Discard, "", 0))

	return &Notifier{
		sender:        sender,
		minConfidence: settings.Alert.MinConfidence,
		logger:        logging.ForService("alert"),
		metrics:       metrics,
	}, nil
}

// Start launches the consumer goroutine. It returns immediately; the
// goroutine ends when the event channel closes or ctx is cancelled.
func (n *Notifier) Start(ctx context.Context, events <-chan store.ChangeEvent) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.run(ctx, events)
	}()
}

func (n *Notifier) run(ctx context.Context, events <-chan store.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if !n.shouldAlert(event) {
				continue
			}
			if err := n.send(event.Record); err != nil {
				if n.metrics != nil {
					n.metrics.AlertFailed()
				}
				n.logger.Error("alert delivery failed", "detection_id", event.Record.ID, "error", err)
				continue
			}
			if n.metrics != nil {
				n.metrics.AlertSent()
			}
			n.logger.Info("alert sent", "detection_id", event.Record.ID, "confidence", event.Record.Confidence)
		}
	}
}

// Wait blocks until the consumer goroutine has returned.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) shouldAlert(event store.ChangeEvent) bool {
	if event.Type != store.ChangeCreated || event.Record == nil {
		return false
	}
	if !event.Record.IsGarbage() {
		return false
	}
	return event.Record.Confidence >= n.minConfidence
}

func (n *Notifier) send(record *detection.Record) error {
	params := stypes.Params{}
	params.SetTitle("New garbage report")

	errs := n.sender.Send(formatMessage(record), &params)
	for _, err := range errs {
		if err != nil {
			return errors.New(err).
				Component("alert").
				Category(errors.CategoryBroadcast).
				Context("detection_id", record.ID).
				Build()
		}
	}
	return nil
}

// formatMessage renders the alert body sent to staff.
func formatMessage(record *detection.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Garbage detected with %.0f%% confidence.\n", record.Confidence*100)
	if record.LocationName != "" {
		fmt.Fprintf(&b, "Location: %s (%s)\n", record.LocationName, record.CoordinateString())
	} else {
		fmt.Fprintf(&b, "Location: %s\n", record.CoordinateString())
	}
	fmt.Fprintf(&b, "Reported: %s\n", record.Timestamp)
	if record.ImageURL != "" {
		fmt.Fprintf(&b, "Image: %s", record.ImageURL)
	}
	return b.String()
}
