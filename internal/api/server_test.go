package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garbagewatch/garbagewatch-go/internal/backend"
	"github.com/garbagewatch/garbagewatch-go/internal/conf"
	"github.com/garbagewatch/garbagewatch-go/internal/detection"
	"github.com/garbagewatch/garbagewatch-go/internal/errors"
	"github.com/garbagewatch/garbagewatch-go/internal/projection"
	"github.com/garbagewatch/garbagewatch-go/internal/store"
)

func ptr(v float64) *float64 { return &v }

type fakeBackend struct {
	statusErr error
	deleteErr error
}

func (f *fakeBackend) FetchDetections(context.Context) ([]*detection.Record, error) {
	return nil, nil
}

func (f *fakeBackend) UpdateStatus(context.Context, string, detection.Status) error {
	return f.statusErr
}

func (f *fakeBackend) Delete(context.Context, string) error {
	return f.deleteErr
}

type fakeUploader struct {
	result    *backend.ClassificationResult
	uploadErr error
	busy      bool
	paths     []string
}

func (f *fakeUploader) UploadFile(_ context.Context, path string) (*backend.ClassificationResult, error) {
	f.paths = append(f.paths, path)
	if f.busy {
		return nil, nil
	}
	return f.result, f.uploadErr
}

func newTestServer(t *testing.T, be store.Backend, up Uploader) (*Server, *store.DetectionStore) {
	t.Helper()

	settings := &conf.Settings{}
	settings.Dashboard.Host = "127.0.0.1"
	settings.Dashboard.Port = "0"
	settings.Upload.PreviewDir = t.TempDir()

	st := store.New(&store.Config{
		Backend: be,
		Cache:   store.NewSnapshotCache(filepath.Join(t.TempDir(), conf.SnapshotFileName)),
	})

	return New(&Config{Settings: settings, Store: st, Uploader: up}), st
}

func seedRecords(st *store.DetectionStore) {
	st.ApplyIncoming(&detection.Record{
		ID: "old", Prediction: detection.PredictionGarbage, Confidence: 0.8,
		Status: detection.StatusCompleted, Timestamp: "2026-08-27T08:00:00Z",
		Latitude: ptr(60.16), Longitude: ptr(24.93),
	})
	st.ApplyIncoming(&detection.Record{
		ID: "new", Prediction: detection.PredictionGarbage, Confidence: 0.9,
		Status: detection.StatusPending, Timestamp: "2026-08-28T09:00:00Z",
		Latitude: ptr(60.17), Longitude: ptr(24.94),
	})
	st.ApplyIncoming(&detection.Record{
		ID: "street", Prediction: "Street", Confidence: 0.7,
		Status: detection.StatusPending, Timestamp: "2026-08-28T10:00:00Z",
	})
}

func doRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestListDetections(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t, &fakeBackend{}, nil)
	seedRecords(st)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/v1/detections", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []*detection.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2, "non-garbage predictions are not listed")
	assert.Equal(t, "new", got[0].ID, "newest first")
	assert.Equal(t, "old", got[1].ID)
}

func TestListDetectionsFilterByTab(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t, &fakeBackend{}, nil)
	seedRecords(st)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/v1/detections?tab=completed", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []*detection.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].ID)
}

func TestMapDetections(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t, &fakeBackend{}, nil)
	seedRecords(st)
	st.ApplyIncoming(&detection.Record{
		ID: "nocoords", Prediction: detection.PredictionGarbage, Confidence: 0.85,
		Timestamp: "2026-08-28T11:00:00Z",
	})

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/v1/detections/map", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var markers []projection.Marker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &markers))
	require.Len(t, markers, 2, "markers require valid coordinates")
}

func TestAnalytics(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t, &fakeBackend{}, nil)
	seedRecords(st)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/v1/analytics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report projection.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Totals.Total)
	assert.Equal(t, 1, report.Totals.Pending)
	assert.Equal(t, 1, report.Totals.Completed)
}

func TestGetDetection(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t, &fakeBackend{}, nil)
	seedRecords(st)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/v1/detections/new", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, httptest.NewRequest(http.MethodGet, "/api/v1/detections/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateStatus(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t, &fakeBackend{}, nil)
	seedRecords(st)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/detections/new/status",
		strings.NewReader(`{"status":"in_progress"}`))
	req.Header.Set(echoContentType, "application/json")
	rec := doRequest(s, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, ok := st.Get("new")
	require.True(t, ok)
	assert.Equal(t, detection.StatusInProgress, got.Status)
}

func TestUpdateStatusRejectsInvalidValue(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t, &fakeBackend{}, nil)
	seedRecords(st)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/detections/new/status",
		strings.NewReader(`{"status":"done"}`))
	req.Header.Set(echoContentType, "application/json")
	rec := doRequest(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateStatusBackendRejection(t *testing.T) {
	t.Parallel()

	be := &fakeBackend{statusErr: errors.Newf("backend down").
		Component("backend").Category(errors.CategoryNetwork).Build()}
	s, st := newTestServer(t, be, nil)
	seedRecords(st)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/detections/new/status",
		strings.NewReader(`{"status":"completed"}`))
	req.Header.Set(echoContentType, "application/json")
	rec := doRequest(s, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	got, _ := st.Get("new")
	assert.Equal(t, detection.StatusPending, got.Status, "local state unchanged until the backend confirms")
}

func TestDeleteDetection(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t, &fakeBackend{}, nil)
	seedRecords(st)

	rec := doRequest(s, httptest.NewRequest(http.MethodDelete, "/api/v1/detections/old", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, ok := st.Get("old")
	assert.False(t, ok)
}

func TestDeleteDetectionRequiresAdminRole(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Dashboard.Host = "127.0.0.1"
	settings.Dashboard.Port = "0"
	settings.Upload.PreviewDir = t.TempDir()

	st := store.New(&store.Config{Backend: &fakeBackend{}})
	seedRecords(st)
	s := New(&Config{Settings: settings, Store: st, UserRole: "user"})

	rec := doRequest(s, httptest.NewRequest(http.MethodDelete, "/api/v1/detections/old", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	_, ok := st.Get("old")
	assert.True(t, ok, "record must survive a forbidden delete")
}

func uploadRequest(t *testing.T) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "report.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte{0xFF, 0xD8, 0xFF, 0xE0})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/detections", &buf)
	req.Header.Set(echoContentType, w.FormDataContentType())
	return req
}

func TestUploadImage(t *testing.T) {
	t.Parallel()

	up := &fakeUploader{result: &backend.ClassificationResult{
		Prediction: detection.PredictionGarbage,
		Confidence: 0.9,
	}}
	s, _ := newTestServer(t, &fakeBackend{}, up)

	rec := doRequest(s, uploadRequest(t))
	require.Equal(t, http.StatusOK, rec.Code)

	var result backend.ClassificationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, detection.PredictionGarbage, result.Prediction)
	require.Len(t, up.paths, 1, "the staged file is handed over exactly once")
}

func TestUploadImageValidationFailure(t *testing.T) {
	t.Parallel()

	up := &fakeUploader{uploadErr: errors.Newf("please select a JPEG or PNG image").
		Component("uploader").Category(errors.CategoryValidation).Build()}
	s, _ := newTestServer(t, &fakeBackend{}, up)

	rec := doRequest(s, uploadRequest(t))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadImageWhileBusy(t *testing.T) {
	t.Parallel()

	up := &fakeUploader{busy: true}
	s, _ := newTestServer(t, &fakeBackend{}, up)

	rec := doRequest(s, uploadRequest(t))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUploadImageMissingFile(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, &fakeBackend{}, &fakeUploader{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/detections", nil)
	rec := doRequest(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func newSettingsTestServer(t *testing.T) (*Server, *conf.Settings) {
	t.Helper()

	settings := &conf.Settings{}
	settings.Main.Name = "GarbageWatch-Go"
	settings.Main.LogLevel = "info"
	settings.Backend.BaseURL = "http://localhost:5000"
	settings.Backend.RealtimeURL = "ws://localhost:5000/socket"
	settings.Backend.Timeout = 30 * time.Second
	settings.Backend.Password = "hunter2"
	settings.Location.Provider = conf.LocationProviderFixed
	settings.Location.Latitude = 26.85
	settings.Location.Longitude = 80.95
	settings.Alert.MinConfidence = 0.5
	settings.Dashboard.Host = "127.0.0.1"
	settings.Dashboard.Port = "8080"
	settings.Upload.PreviewDir = t.TempDir()

	st := store.New(&store.Config{
		Backend: &fakeBackend{},
		Cache:   store.NewSnapshotCache(filepath.Join(t.TempDir(), conf.SnapshotFileName)),
	})
	return New(&Config{Settings: settings, Store: st}), settings
}

func TestGetSettingsRedactsPassword(t *testing.T) {
	t.Parallel()

	s, _ := newSettingsTestServer(t)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got conf.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "http://localhost:5000", got.Backend.BaseURL)
	assert.Empty(t, got.Backend.Password)
}

func TestUpdateSettingsAppliesAndKeepsCredential(t *testing.T) {
	t.Parallel()

	s, settings := newSettingsTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/settings",
		strings.NewReader(`{"main":{"loglevel":"debug"},"geocode":{"enabled":true}}`))
	req.Header.Set(echoContentType, "application/json")
	rec := doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "debug", settings.Main.LogLevel)
	assert.True(t, settings.Geocode.Enabled)
	assert.Equal(t, "hunter2", settings.Backend.Password, "an omitted password keeps the stored one")

	var body conf.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Backend.Password)
}

func TestUpdateSettingsRejectsInvalidDocument(t *testing.T) {
	t.Parallel()

	s, settings := newSettingsTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/settings",
		strings.NewReader(`{"location":{"latitude":91}}`))
	req.Header.Set(echoContentType, "application/json")
	rec := doRequest(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.InDelta(t, 26.85, settings.Location.Latitude, 0.0001, "invalid updates leave settings untouched")
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t, &fakeBackend{}, nil)
	seedRecords(st)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 3, body["detections"])
}

const echoContentType = "Content-Type"
