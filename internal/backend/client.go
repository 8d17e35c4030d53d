// Package backend provides the REST client for the municipal
// garbage-detection backend. It covers the full consumed surface: bulk
// detection fetch, status update, delete, multipart image upload to the
// classifier, and the auth endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/garbagewatch/garbagewatch-go/internal/conf"
	"github.com/garbagewatch/garbagewatch-go/internal/detection"
	"github.com/garbagewatch/garbagewatch-go/internal/errors"
	"github.com/garbagewatch/garbagewatch-go/internal/httpclient"
	"github.com/garbagewatch/garbagewatch-go/internal/logging"
)

// ClassificationResult is the classifier's response to an image upload.
// Identifier, image URL, and timestamp are optional; the upload controller
// synthesizes them when absent.
type ClassificationResult struct {
	Prediction   string  `json:"prediction"`
	Confidence   float64 `json:"confidence"`
	ID           string  `json:"id,omitempty"`
	ImageURL     string  `json:"image_url,omitempty"`
	Timestamp    string  `json:"timestamp,omitempty"`
	LocationName string  `json:"location_name,omitempty"`
}

// User is the minimal session identity the agent reads.
type User struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// errorBody is the JSON shape the backend uses for non-2xx responses.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client talks to the municipal backend over REST.
type Client struct {
	baseURL string
	http    *httpclient.Client
	logger  *slog.Logger
}

// NewClient creates a backend client from settings.
func NewClient(settings *conf.Settings) *Client {
	cfg := httpclient.DefaultConfig()
	if settings.Backend.Timeout > 0 {
		cfg.DefaultTimeout = settings.Backend.Timeout
	}
	return &Client{
		baseURL: settings.Backend.BaseURL,
		http:    httpclient.New(&cfg),
		logger:  logging.ForService("backend"),
	}
}

// HTTPClient exposes the underlying shared client so callers can attach
// observability hooks.
func (c *Client) HTTPClient() *httpclient.Client {
	return c.http
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.Close()
}

// FetchDetections retrieves the full detection collection.
func (c *Client) FetchDetections(ctx context.Context) ([]*detection.Record, error) {
	resp, err := c.http.Get(ctx, c.baseURL+"/api/detections")
	if err != nil {
		return nil, errors.New(err).
			Component("backend").
			Category(errors.CategoryNetwork).
			Context("operation", "fetch_detections").
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.serverError(resp, "fetching detections failed")
	}

	var records []*detection.Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, errors.New(err).
			Component("backend").
			Category(errors.CategoryServer).
			Context("operation", "decode_detections").
			Build()
	}

	c.logger.Debug("fetched detections", "count", len(records))
	return records, nil
}

// UpdateStatus sends a partial update carrying only the status field.
func (c *Client) UpdateStatus(ctx context.Context, id string, status detection.Status) error {
	body, err := json.Marshal(map[string]string{"status": string(status)})
	if err != nil {
		return errors.New(err).
			Component("backend").
			Category(errors.CategoryValidation).
			Build()
	}

	url := fmt.Sprintf("%s/api/detections/%s/status", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return errors.New(err).
			Component("backend").
			Category(errors.CategoryHTTP).
			Build()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return errors.New(err).
			Component("backend").
			Category(errors.CategoryNetwork).
			Context("operation", "update_status").
			Context("detection_id", id).
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.serverError(resp, "status update rejected")
	}
	return nil
}

// Delete removes a detection on the backend.
func (c *Client) Delete(ctx context.Context, id string) error {
	url := fmt.Sprintf("%s/api/detections/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, http.NoBody)
	if err != nil {
		return errors.New(err).
			Component("backend").
			Category(errors.CategoryHTTP).
			Build()
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return errors.New(err).
			Component("backend").
			Category(errors.CategoryNetwork).
			Context("operation", "delete_detection").
			Context("detection_id", id).
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.serverError(resp, "delete rejected")
	}
	return nil
}

// Upload submits an image with coordinates to the classification endpoint.
// Nil coordinates are submitted as empty form values, matching the web
// client's degraded-geolocation behavior.
func (c *Client) Upload(ctx context.Context, image io.Reader, filename string, latitude, longitude *float64) (*ClassificationResult, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return nil, errors.New(err).
			Component("backend").
			Category(errors.CategoryImageUpload).
			Build()
	}
	if _, err := io.Copy(part, image); err != nil {
		return nil, errors.New(err).
			Component("backend").
			Category(errors.CategoryFileIO).
			Context("operation", "copy_image").
			Build()
	}

	writeCoord := func(field string, value *float64) error {
		s := ""
		if value != nil {
			s = strconv.FormatFloat(*value, 'f', -1, 64)
		}
		return writer.WriteField(field, s)
	}
	if err := writeCoord("latitude", latitude); err != nil {
		return nil, errors.New(err).Component("backend").Category(errors.CategoryImageUpload).Build()
	}
	if err := writeCoord("longitude", longitude); err != nil {
		return nil, errors.New(err).Component("backend").Category(errors.CategoryImageUpload).Build()
	}
	if err := writer.Close(); err != nil {
		return nil, errors.New(err).Component("backend").Category(errors.CategoryImageUpload).Build()
	}

	resp, err := c.http.Post(ctx, c.baseURL+"/upload", writer.FormDataContentType(), &buf)
	if err != nil {
		return nil, errors.New(err).
			Component("backend").
			Category(errors.CategoryNetwork).
			Context("operation", "upload").
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.serverError(resp, "upload failed")
	}

	var result ClassificationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.New(err).
			Component("backend").
			Category(errors.CategoryServer).
			Context("operation", "decode_classification").
			Build()
	}

	c.logger.Info("image classified",
		"prediction", result.Prediction,
		"confidence", result.Confidence)
	return &result, nil
}

// Login authenticates against the backend and returns the session user.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	return c.authRequest(ctx, "/api/login", email, password)
}

// Register creates an account and returns the session user.
func (c *Client) Register(ctx context.Context, email, password string) (*User, error) {
	return c.authRequest(ctx, "/api/register", email, password)
}

func (c *Client) authRequest(ctx context.Context, path, email, password string) (*User, error) {
	payload := map[string]string{"email": email, "password": password}

	resp, err := c.http.Post(ctx, c.baseURL+path, "application/json", payload)
	if err != nil {
		return nil, errors.New(err).
			Component("backend").
			Category(errors.CategoryNetwork).
			Context("operation", path).
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.serverError(resp, "authentication failed")
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, errors.New(err).
			Component("backend").
			Category(errors.CategoryServer).
			Context("operation", "decode_user").
			Build()
	}
	return &user, nil
}

// serverError builds an error from a non-2xx response, preferring the
// backend's own message and falling back to a generic one.
func (c *Client) serverError(resp *http.Response, fallback string) error {
	message := fallback

	var body errorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil {
		switch {
		case body.Error != "":
			message = body.Error
		case body.Message != "":
			message = body.Message
		}
	}

	category := errors.CategoryServer
	if resp.StatusCode == http.StatusNotFound {
		category = errors.CategoryNotFound
	}

	return errors.Newf("%s", message).
		Component("backend").
		Category(category).
		Context("status_code", resp.StatusCode).
		Build()
}
