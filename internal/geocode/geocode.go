// Package geocode resolves human readable place names for detection
// coordinates through a Nominatim compatible reverse geocoding API.
// Results are cached and requests are rate limited to stay within the
// public endpoint's usage policy.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/garbagewatch/garbagewatch-go/internal/conf"
	"github.com/garbagewatch/garbagewatch-go/internal/errors"
	"github.com/garbagewatch/garbagewatch-go/internal/httpclient"
	"github.com/garbagewatch/garbagewatch-go/internal/logging"
)

const (
	// DefaultBaseURL is the public Nominatim instance.
	DefaultBaseURL = "https://nominatim.openstreetmap.org"

	// DefaultRateLimit honors the public instance's one request per
	// second policy with a little headroom.
	DefaultRateLimit = 1100 * time.Millisecond

	defaultCacheTTL = 24 * time.Hour
)

// Client reverse geocodes coordinates with response caching.
type Client struct {
	baseURL  string
	http     *httpclient.Client
	cache    *gocache.Cache
	logger   *slog.Logger
	metrics  Metrics
	interval time.Duration

	// limitMu serializes waits on the limiter timer. The timer starts
	// fired so an idle client's first lookup is not delayed.
	limitMu sync.Mutex
	limiter *time.Timer
}

// Metrics tracks geocode lookups and cache efficiency.
type Metrics interface {
	GeocodeLookup(outcome string)
	GeocodeCacheHit()
}

// nominatimResponse is the subset of the reverse geocoding payload the
// client reads.
type nominatimResponse struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		Road    string `json:"road"`
		Suburb  string `json:"suburb"`
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		State   string `json:"state"`
		Country string `json:"country"`
	} `json:"address"`
	Error string `json:"error"`
}

// New creates a reverse geocoding client from settings.
func New(settings *conf.Settings, client *httpclient.Client, metrics Metrics) *Client {
	baseURL := settings.Geocode.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	ttl := settings.Geocode.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	rateLimit := time.Duration(settings.Geocode.RateLimitMS) * time.Millisecond
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimit
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     client,
		cache:    gocache.New(ttl, 2*ttl),
		interval: rateLimit,
		limiter:  time.NewTimer(0),
		logger:   logging.ForService("geocode"),
		metrics:  metrics,
	}
}

// Close stops the rate limiter.
func (c *Client) Close() {
	c.limitMu.Lock()
	defer c.limitMu.Unlock()
	c.limiter.Stop()
}

// waitForSlot blocks until the limiter allows the next lookup. The
// first slot after an idle period is available immediately.
func (c *Client) waitForSlot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.limitMu.Lock()
	defer c.limitMu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.limiter.C:
		c.limiter.Reset(c.interval)
		return nil
	}
}

// ReverseName resolves a display name for the coordinate pair. Cached
// results are returned without touching the network; a miss waits for a
// rate limit slot first.
func (c *Client) ReverseName(ctx context.Context, latitude, longitude float64) (string, error) {
	key := fmt.Sprintf("%.4f,%.4f", latitude, longitude)
	if cached, found := c.cache.Get(key); found {
		if c.metrics != nil {
			c.metrics.GeocodeCacheHit()
		}
		return cached.(string), nil
	}

	if err := c.waitForSlot(ctx); err != nil {
		return "", err
	}

	name, err := c.lookup(ctx, latitude, longitude)
	if err != nil {
		if c.metrics != nil {
			c.metrics.GeocodeLookup("error")
		}
		return "", err
	}
	if c.metrics != nil {
		c.metrics.GeocodeLookup("success")
	}

	c.cache.SetDefault(key, name)
	return name, nil
}

func (c *Client) lookup(ctx context.Context, latitude, longitude float64) (string, error) {
	query := url.Values{}
	query.Set("format", "json")
	query.Set("lat", fmt.Sprintf("%f", latitude))
	query.Set("lon", fmt.Sprintf("%f", longitude))
	query.Set("zoom", "18")
	query.Set("addressdetails", "1")

	endpoint := fmt.Sprintf("%s/reverse?%s", c.baseURL, query.Encode())
	resp, err := c.http.Get(ctx, endpoint)
	if err != nil {
		return "", errors.New(err).
			Component("geocode").
			Category(errors.CategoryGeocoding).
			Context("latitude", latitude).
			Context("longitude", longitude).
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf("reverse geocode returned status %d", resp.StatusCode).
			Component("geocode").
			Category(errors.CategoryGeocoding).
			Context("status_code", resp.StatusCode).
			Build()
	}

	var body nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.New(err).
			Component("geocode").
			Category(errors.CategoryGeocoding).
			Build()
	}
	if body.Error != "" {
		return "", errors.Newf("reverse geocode failed: %s", body.Error).
			Component("geocode").
			Category(errors.CategoryGeocoding).
			Build()
	}

	name := composeName(&body)
	if name == "" {
		return "", errors.Newf("reverse geocode returned no usable address").
			Component("geocode").
			Category(errors.CategoryGeocoding).
			Build()
	}
	return name, nil
}

// composeName builds a short place name from the structured address,
// falling back to the full display name.
func composeName(body *nominatimResponse) string {
	city := body.Address.City
	if city == "" {
		city = body.Address.Town
	}
	if city == "" {
		city = body.Address.Village
	}

	var parts []string
	for _, part := range []string{body.Address.Road, body.Address.Suburb, city, body.Address.State, body.Address.Country} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return body.DisplayName
	}
	return strings.Join(parts, ", ")
}
