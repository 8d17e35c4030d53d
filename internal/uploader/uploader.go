// Package uploader drives the image submission flow: file selection
// with a local preview copy, validation, and a single-flight upload to
// the classifier backend. Confirmed garbage detections are inserted
// into the detection store and published to the notification bridge.
package uploader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/garbagewatch/garbagewatch-go/internal/backend"
	"github.com/garbagewatch/garbagewatch-go/internal/detection"
	"github.com/garbagewatch/garbagewatch-go/internal/errors"
	"github.com/garbagewatch/garbagewatch-go/internal/location"
	"github.com/garbagewatch/garbagewatch-go/internal/logging"
)

// MaxFileSize is the upload size cap in bytes.
const MaxFileSize = 5 << 20

// sniffLen is how many bytes http.DetectContentType needs at most.
const sniffLen = 512

// Classifier submits an image for classification.
type Classifier interface {
	Upload(ctx context.Context, image io.Reader, filename string, latitude, longitude *float64) (*backend.ClassificationResult, error)
}

// Sink receives confirmed detection records.
type Sink interface {
	ApplyIncoming(record *detection.Record)
}

// Publisher pushes a detection to the realtime channel.
type Publisher interface {
	Publish(record *detection.Record)
}

// Geocoder resolves a human readable name for a coordinate pair.
type Geocoder interface {
	ReverseName(ctx context.Context, latitude, longitude float64) (string, error)
}

// Metrics tracks upload outcomes. All methods must be safe for
// concurrent use.
type Metrics interface {
	UploadStarted()
	UploadSucceeded()
	UploadFailed()
	ValidationRejected()
}

// Config wires a Controller's collaborators. Classifier, Sink and
// Locator are required; Publisher, Geocoder and Metrics are optional.
type Config struct {
	Classifier Classifier
	Sink       Sink
	Publisher  Publisher
	Locator    location.Provider
	Geocoder   Geocoder
	Metrics    Metrics
	PreviewDir string
	UserID     string
}

// selection is the currently chosen file plus its preview copy.
type selection struct {
	sourcePath  string
	previewPath string
	filename    string
}

// Controller owns the selection state and serializes uploads. A second
// Upload call while one is pending is a no-op.
type Controller struct {
	classifier Classifier
	sink       Sink
	publisher  Publisher
	locator    location.Provider
	geocoder   Geocoder
	metrics    Metrics
	previewDir string
	userID     string
	logger     *slog.Logger

	mu       sync.Mutex
	selected *selection

	// flowMu serializes whole select-then-upload flows so two callers
	// cannot interleave their selections.
	flowMu sync.Mutex
	busy   atomic.Bool
}

// NewController creates an upload controller.
func NewController(cfg *Config) *Controller {
	return &Controller{
		classifier: cfg.Classifier,
		sink:       cfg.Sink,
		publisher:  cfg.Publisher,
		locator:    cfg.Locator,
		geocoder:   cfg.Geocoder,
		metrics:    cfg.Metrics,
		previewDir: cfg.PreviewDir,
		userID:     cfg.UserID,
		logger:     logging.ForService("uploader"),
	}
}

// ValidateImage checks size and sniffed content type. The returned
// error message is safe to show to the reporting user.
func ValidateImage(filename string, size int64, contentType string) error {
	switch contentType {
	case "image/jpeg", "image/png", "image/jpg":
	default:
		return errors.Newf("please select a JPEG or PNG image").
			Component("uploader").
			Category(errors.CategoryValidation).
			Context("filename", filename).
			Context("content_type", contentType).
			Build()
	}
	if size > MaxFileSize {
		return errors.Newf("file is too large, the maximum size is 5 MiB").
			Component("uploader").
			Category(errors.CategoryValidation).
			Context("filename", filename).
			Context("size_bytes", size).
			Build()
	}
	return nil
}

// SelectFile validates path and makes it the pending upload. The
// previous preview copy is always released first, whether or not the
// new file passes validation.
func (c *Controller) SelectFile(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releasePreviewLocked()

	file, err := os.Open(path)
	if err != nil {
		return errors.New(err).
			Component("uploader").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return errors.New(err).
			Component("uploader").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}

	header := make([]byte, sniffLen)
	n, err := io.ReadFull(file, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return errors.New(err).
			Component("uploader").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}

	filename := filepath.Base(path)
	if err := ValidateImage(filename, info.Size(), http.DetectContentType(header[:n])); err != nil {
		if c.metrics != nil {
			c.metrics.ValidationRejected()
		}
		return err
	}

	previewPath, err := c.createPreview(file, filename)
	if err != nil {
		return err
	}

	c.selected = &selection{
		sourcePath:  path,
		previewPath: previewPath,
		filename:    filename,
	}
	c.logger.Debug("file selected for upload", "filename", filename, "size_bytes", info.Size())
	return nil
}

// createPreview copies the already validated file into the preview
// directory. The reader is positioned after the sniffed header, so it
// is rewound first.
func (c *Controller) createPreview(file *os.File, filename string) (string, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", errors.New(err).
			Component("uploader").
			Category(errors.CategoryFileIO).
			Build()
	}

	preview, err := os.CreateTemp(c.previewDir, "preview-*"+filepath.Ext(filename))
	if err != nil {
		return "", errors.New(err).
			Component("uploader").
			Category(errors.CategoryFileIO).
			Context("preview_dir", c.previewDir).
			Build()
	}
	if _, err := io.Copy(preview, file); err != nil {
		preview.Close()
		os.Remove(preview.Name())
		return "", errors.New(err).
			Component("uploader").
			Category(errors.CategoryFileIO).
			Build()
	}
	if err := preview.Close(); err != nil {
		os.Remove(preview.Name())
		return "", errors.New(err).
			Component("uploader").
			Category(errors.CategoryFileIO).
			Build()
	}
	return preview.Name(), nil
}

// PreviewPath returns the current preview copy, or "" when no file is
// selected.
func (c *Controller) PreviewPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return ""
	}
	return c.selected.previewPath
}

// Reset releases the preview copy and clears the selection. Call it on
// teardown.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releasePreviewLocked()
}

func (c *Controller) releasePreviewLocked() {
	if c.selected == nil {
		return
	}
	if err := os.Remove(c.selected.previewPath); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to release preview copy", "path", c.selected.previewPath, "error", err)
	}
	c.selected = nil
}

// UploadFile selects path and uploads it as one atomic flow. While a
// flow is in progress further calls return immediately with no result
// and no error, and a concurrent caller can never have its selection
// paired with another caller's upload. The selection is cleared before
// returning.
func (c *Controller) UploadFile(ctx context.Context, path string) (*backend.ClassificationResult, error) {
	if !c.flowMu.TryLock() {
		c.logger.Debug("upload already in progress, ignoring request")
		return nil, nil
	}
	defer c.flowMu.Unlock()

	if err := c.SelectFile(path); err != nil {
		return nil, err
	}
	defer c.Reset()
	return c.Upload(ctx)
}

// Upload submits the selected file to the classifier. While one upload
// is pending further calls return immediately with no result and no
// error. The classification result is returned for every successful
// submission, garbage or not; only garbage predictions become records.
func (c *Controller) Upload(ctx context.Context) (*backend.ClassificationResult, error) {
	if !c.busy.CompareAndSwap(false, true) {
		c.logger.Debug("upload already in progress, ignoring request")
		return nil, nil
	}
	defer c.busy.Store(false)

	c.mu.Lock()
	sel := c.selected
	c.mu.Unlock()
	if sel == nil {
		return nil, errors.Newf("no file selected").
			Component("uploader").
			Category(errors.CategoryValidation).
			Build()
	}

	if c.metrics != nil {
		c.metrics.UploadStarted()
	}

	coords := c.locator.GetLocation(ctx)

	file, err := os.Open(sel.sourcePath)
	if err != nil {
		if c.metrics != nil {
			c.metrics.UploadFailed()
		}
		return nil, errors.New(err).
			Component("uploader").
			Category(errors.CategoryFileIO).
			Context("path", sel.sourcePath).
			Build()
	}
	defer file.Close()

	result, err := c.classifier.Upload(ctx, file, sel.filename, coords.Latitude, coords.Longitude)
	if err != nil {
		if c.metrics != nil {
			c.metrics.UploadFailed()
		}
		return nil, errors.New(err).
			Component("uploader").
			Category(errors.CategoryImageUpload).
			Context("filename", sel.filename).
			Build()
	}
	if c.metrics != nil {
		c.metrics.UploadSucceeded()
	}

	if strings.EqualFold(result.Prediction, detection.PredictionGarbage) {
		record := c.buildRecord(ctx, sel, result, coords)
		c.sink.ApplyIncoming(record)
		if c.publisher != nil {
			c.publisher.Publish(record)
		}
		c.logger.Info("garbage detection recorded",
			"id", record.ID,
			"confidence", record.Confidence,
			"location", record.CoordinateString())
	} else {
		c.logger.Info("upload classified as non-garbage", "prediction", result.Prediction)
	}

	return result, nil
}

// buildRecord turns a classification result into a detection record,
// preferring server-assigned identity fields and synthesizing the rest.
func (c *Controller) buildRecord(ctx context.Context, sel *selection, result *backend.ClassificationResult, coords location.Coordinates) *detection.Record {
	record := &detection.Record{
		ID:           result.ID,
		ImageURL:     result.ImageURL,
		Latitude:     coords.Latitude,
		Longitude:    coords.Longitude,
		Confidence:   result.Confidence,
		Status:       detection.StatusPending,
		Timestamp:    result.Timestamp,
		Source:       detection.SourceUserUpload,
		UserID:       c.userID,
		LocationName: result.LocationName,
		Prediction:   result.Prediction,
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.ImageURL == "" {
		record.ImageURL = fmt.Sprintf("file://%s", sel.sourcePath)
	}
	if record.Timestamp == "" {
		record.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if record.LocationName == "" && c.geocoder != nil && record.HasValidCoordinates() {
		name, err := c.geocoder.ReverseName(ctx, *record.Latitude, *record.Longitude)
		if err != nil {
			c.logger.Warn("reverse geocode failed", "error", err)
		} else {
			record.LocationName = name
		}
	}
	return record
}
