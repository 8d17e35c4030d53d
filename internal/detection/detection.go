// Package detection defines the detection record model shared by the
// store, the realtime bridge, and the projections. Records arrive from
// three sources (local uploads, bulk backend fetch, realtime push) with
// uneven field quality, so normalization happens here, at the ingestion
// boundary, and nowhere else.
package detection

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Status is the municipal workflow state of a detection.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// ValidStatus reports whether s is one of the known workflow states.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Source identifies where a record entered the store.
type Source string

const (
	SourceUserUpload Source = "user_upload"
	SourceExternal   Source = "external"
)

// PredictionGarbage is the classifier label that marks a positive
// detection. Records with any other label stay in the store for the
// uploader's own view but are excluded from municipal projections.
const PredictionGarbage = "Garbage"

// Record is one reported and classified garbage sighting.
//
// Latitude and Longitude are pointers because the platform may deny
// geolocation; nil coordinates are valid input everywhere except the map
// projection. Timestamp is kept as the ISO-8601 string the backend sends
// so the wire form round-trips untouched.
type Record struct {
	ID           string   `json:"id"`
	ImageURL     string   `json:"image_url"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	Confidence   float64  `json:"confidence"`
	Status       Status   `json:"status"`
	Timestamp    string   `json:"timestamp"`
	Source       Source   `json:"source"`
	UserID       string   `json:"user_id,omitempty"`
	LocationName string   `json:"location_name,omitempty"`
	Prediction   string   `json:"prediction,omitempty"`
}

// Normalize fills documented defaults and drops malformed optional fields.
// It returns an error only when the record cannot be identified at all.
func (r *Record) Normalize() error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return fmt.Errorf("detection record has no identifier")
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.Source == "" {
		r.Source = SourceExternal
	}
	if r.Timestamp == "" {
		r.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	// Non-finite coordinates are treated the same as absent ones.
	if r.Latitude != nil && !isFinite(*r.Latitude) {
		r.Latitude = nil
	}
	if r.Longitude != nil && !isFinite(*r.Longitude) {
		r.Longitude = nil
	}
	return nil
}

// IsGarbage reports whether the classifier labeled this record positive.
func (r *Record) IsGarbage() bool {
	return r.Prediction == PredictionGarbage
}

// HasValidCoordinates reports whether both coordinates are present and finite.
func (r *Record) HasValidCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil &&
		isFinite(*r.Latitude) && isFinite(*r.Longitude)
}

// CoordinateString renders the coordinate pair the way the dashboard
// search matches it: "lat, lon" with an absent coordinate shown as
// "null", so records without a fix never match a numeric search.
func (r *Record) CoordinateString() string {
	return fmt.Sprintf("%s, %s", coordinate(r.Latitude), coordinate(r.Longitude))
}

func coordinate(v *float64) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%v", *v)
}

// DetectedAt parses the record timestamp. Falls back to RFC3339 without
// zone information, which some backends emit.
func (r *Record) DetectedAt() (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", r.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable detection timestamp %q: %w", r.Timestamp, err)
	}
	return t, nil
}

// Day returns the UTC calendar date of the detection as "2006-01-02".
// The error mirrors DetectedAt.
func (r *Record) Day() (string, error) {
	t, err := r.DetectedAt()
	if err != nil {
		return "", err
	}
	return t.UTC().Format("2006-01-02"), nil
}

// Merge overlays incoming onto r, field by field, incoming wins.
// Zero-valued incoming fields leave the existing value alone so a sparse
// push event cannot erase data the bulk fetch already delivered.
func (r *Record) Merge(incoming *Record) {
	if incoming.ImageURL != "" {
		r.ImageURL = incoming.ImageURL
	}
	if incoming.Latitude != nil {
		r.Latitude = incoming.Latitude
	}
	if incoming.Longitude != nil {
		r.Longitude = incoming.Longitude
	}
	if incoming.Confidence != 0 {
		r.Confidence = incoming.Confidence
	}
	if incoming.Status != "" {
		r.Status = incoming.Status
	}
	if incoming.Timestamp != "" {
		r.Timestamp = incoming.Timestamp
	}
	if incoming.Source != "" {
		r.Source = incoming.Source
	}
	if incoming.UserID != "" {
		r.UserID = incoming.UserID
	}
	if incoming.LocationName != "" {
		r.LocationName = incoming.LocationName
	}
	if incoming.Prediction != "" {
		r.Prediction = incoming.Prediction
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	if r.Latitude != nil {
		lat := *r.Latitude
		c.Latitude = &lat
	}
	if r.Longitude != nil {
		lon := *r.Longitude
		c.Longitude = &lon
	}
	return &c
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
