// Package projection derives the three dashboard views (list, map,
// analytics) from a detection store snapshot and the active filter
// state. Everything here is a pure function of its inputs: projections
// are recomputed on every access so they can never serve a stale
// snapshot.
package projection

import (
	"sort"
	"strings"

	"github.com/garbagewatch/garbagewatch-go/internal/detection"
)

// Tab is the active status filter tab.
type Tab string

const (
	TabAll        Tab = "all"
	TabPending    Tab = "pending"
	TabInProgress Tab = "in_progress"
	TabCompleted  Tab = "completed"
)

// View is the active dashboard view mode.
type View string

const (
	ViewList      View = "list"
	ViewMap       View = "map"
	ViewAnalytics View = "analytics"
)

// Filter is the ephemeral UI filter state. It is never persisted.
type Filter struct {
	Search string `json:"search" query:"search"`
	Tab    Tab    `json:"tab" query:"tab"`
	View   View   `json:"view" query:"view"`
}

// Normalize fills defaults for zero-valued filter fields.
func (f *Filter) Normalize() {
	if f.Tab == "" {
		f.Tab = TabAll
	}
	if f.View == "" {
		f.View = ViewList
	}
}

// matches applies the shared list/map predicate: garbage-labeled, search
// term contained in the "lat, lon" string (case-insensitive), status
// matching the tab or tab "all".
func matches(record *detection.Record, filter *Filter) bool {
	if !record.IsGarbage() {
		return false
	}
	if filter.Search != "" {
		coordinates := strings.ToLower(record.CoordinateString())
		if !strings.Contains(coordinates, strings.ToLower(filter.Search)) {
			return false
		}
	}
	return filter.Tab == TabAll || string(record.Status) == string(filter.Tab)
}

// List returns the filtered list view in the snapshot's own order
// (newest first). The input order is preserved, never re-sorted.
func List(records []*detection.Record, filter *Filter) []*detection.Record {
	filter.Normalize()

	out := make([]*detection.Record, 0, len(records))
	for _, record := range records {
		if matches(record, filter) {
			out = append(out, record)
		}
	}
	return out
}

// Marker is one map pin.
type Marker struct {
	ID         string           `json:"id"`
	Latitude   float64          `json:"latitude"`
	Longitude  float64          `json:"longitude"`
	Status     detection.Status `json:"status"`
	Confidence float64          `json:"confidence"`
	ImageURL   string           `json:"image_url"`
}

// MapMarkers returns the map view: the list predicate plus coordinate
// validity. Records without finite coordinates are excluded entirely
// rather than pinned at a fallback position.
func MapMarkers(records []*detection.Record, filter *Filter) []Marker {
	filter.Normalize()

	out := make([]Marker, 0, len(records))
	for _, record := range records {
		if !matches(record, filter) || !record.HasValidCoordinates() {
			continue
		}
		out = append(out, Marker{
			ID:         record.ID,
			Latitude:   *record.Latitude,
			Longitude:  *record.Longitude,
			Status:     record.Status,
			Confidence: record.Confidence,
			ImageURL:   record.ImageURL,
		})
	}
	return out
}

// DailyCount is the number of detections on one UTC calendar date.
type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// LocationCount is the number of detections sharing a location name.
type LocationCount struct {
	Location string `json:"location"`
	Count    int    `json:"count"`
}

// StatusTotals are the dashboard stat-card counters over garbage-labeled
// records, independent of the active tab.
type StatusTotals struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
}

// Report is the analytics view.
type Report struct {
	Daily         []DailyCount    `json:"daily"`
	Locations     []LocationCount `json:"locations"`
	AveragePerDay float64         `json:"average_per_day"`
	Totals        StatusTotals    `json:"totals"`
}

// Analytics aggregates garbage-labeled, tab-matching records into daily
// counts (UTC date, ascending), location-name counts (descending by
// count), and the average-per-day statistic. Records whose timestamps do
// not parse are skipped from the daily series; records without a
// location name are skipped from the location series.
func Analytics(records []*detection.Record, filter *Filter) *Report {
	filter.Normalize()

	daily := make(map[string]int)
	locations := make(map[string]int)
	report := &Report{}

	for _, record := range records {
		if !record.IsGarbage() {
			continue
		}

		switch record.Status {
		case detection.StatusPending:
			report.Totals.Pending++
		case detection.StatusInProgress:
			report.Totals.InProgress++
		case detection.StatusCompleted:
			report.Totals.Completed++
		}
		report.Totals.Total++

		if filter.Tab != TabAll && string(record.Status) != string(filter.Tab) {
			continue
		}

		if day, err := record.Day(); err == nil {
			daily[day]++
		}
		if record.LocationName != "" {
			locations[record.LocationName]++
		}
	}

	report.Daily = make([]DailyCount, 0, len(daily))
	for date, count := range daily {
		report.Daily = append(report.Daily, DailyCount{Date: date, Count: count})
	}
	sort.Slice(report.Daily, func(i, j int) bool {
		return report.Daily[i].Date < report.Daily[j].Date
	})

	report.Locations = make([]LocationCount, 0, len(locations))
	for location, count := range locations {
		report.Locations = append(report.Locations, LocationCount{Location: location, Count: count})
	}
	sort.Slice(report.Locations, func(i, j int) bool {
		if report.Locations[i].Count != report.Locations[j].Count {
			return report.Locations[i].Count > report.Locations[j].Count
		}
		return report.Locations[i].Location < report.Locations[j].Location
	})

	if len(report.Daily) > 0 {
		total := 0
		for _, entry := range report.Daily {
			total += entry.Count
		}
		report.AveragePerDay = float64(total) / float64(len(report.Daily))
	}

	return report
}
