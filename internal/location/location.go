// Package location resolves the coordinates attached to uploads. A
// provider failure never blocks the upload flow: callers always get a
// coordinate pair, possibly the null sentinel, and null coordinates are
// valid input to everything downstream.
package location

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/garbagewatch/garbagewatch-go/internal/conf"
	"github.com/garbagewatch/garbagewatch-go/internal/httpclient"
	"github.com/garbagewatch/garbagewatch-go/internal/logging"
)

// Coordinates is a resolved coordinate pair. Nil fields mean the
// platform could not provide a position.
type Coordinates struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Null is the degraded-geolocation sentinel.
func Null() Coordinates {
	return Coordinates{}
}

// Provider resolves the device position. One attempt per call, no
// retries; implementations degrade to Null rather than failing.
type Provider interface {
	GetLocation(ctx context.Context) Coordinates
}

// NewProvider builds the provider selected in settings.
func NewProvider(settings *conf.Settings, client *httpclient.Client) Provider {
	switch settings.Location.Provider {
	case conf.LocationProviderIP:
		return &ipProvider{
			lookupURL: settings.Location.LookupURL,
			client:    client,
			logger:    logging.ForService("location"),
		}
	default:
		return &fixedProvider{
			latitude:  settings.Location.Latitude,
			longitude: settings.Location.Longitude,
		}
	}
}

// fixedProvider returns the coordinates configured for this node.
type fixedProvider struct {
	latitude  float64
	longitude float64
}

func (p *fixedProvider) GetLocation(context.Context) Coordinates {
	lat, lon := p.latitude, p.longitude
	return Coordinates{Latitude: &lat, Longitude: &lon}
}

// ipProvider asks an ip-api.com compatible endpoint for a coarse
// position based on the caller's public IP.
type ipProvider struct {
	lookupURL string
	client    *httpclient.Client
	logger    *slog.Logger
}

type ipLookupResponse struct {
	Status string  `json:"status"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}

func (p *ipProvider) GetLocation(ctx context.Context) Coordinates {
	resp, err := p.client.Get(ctx, p.lookupURL)
	if err != nil {
		p.logger.Warn("ip geolocation lookup failed", "error", err)
		return Null()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("ip geolocation lookup rejected", "status_code", resp.StatusCode)
		return Null()
	}

	var body ipLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		p.logger.Warn("ip geolocation response unreadable", "error", err)
		return Null()
	}
	if body.Status != "" && body.Status != "success" {
		p.logger.Warn("ip geolocation lookup unsuccessful", "status", body.Status)
		return Null()
	}

	lat, lon := body.Lat, body.Lon
	return Coordinates{Latitude: &lat, Longitude: &lon}
}
