package alert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garbagewatch/garbagewatch-go/internal/conf"
	"github.com/garbagewatch/garbagewatch-go/internal/detection"
	"github.com/garbagewatch/garbagewatch-go/internal/errors"
	"github.com/garbagewatch/garbagewatch-go/internal/store"
)

func ptr(v float64) *float64 { return &v }

func TestNewDisabledReturnsNil(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Alert.Enabled = false

	notifier, err := New(settings, nil)
	require.NoError(t, err)
	assert.Nil(t, notifier)
}

func TestNewEnabledWithoutURLsFails(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Alert.Enabled = true

	_, err := New(settings, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryConfiguration))
}

func TestNewRejectsMalformedServiceURL(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Alert.Enabled = true
	settings.Alert.URLs = []string{"not a service url"}

	_, err := New(settings, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryConfiguration))
}

func TestShouldAlert(t *testing.T) {
	t.Parallel()

	notifier := &Notifier{minConfidence: 0.8}

	garbage := func(confidence float64) *detection.Record {
		return &detection.Record{
			ID:         "d1",
			Prediction: detection.PredictionGarbage,
			Confidence: confidence,
		}
	}

	tests := []struct {
		name  string
		event store.ChangeEvent
		want  bool
	}{
		{
			name:  "created garbage above threshold",
			event: store.ChangeEvent{Type: store.ChangeCreated, Record: garbage(0.91)},
			want:  true,
		},
		{
			name:  "created garbage at threshold",
			event: store.ChangeEvent{Type: store.ChangeCreated, Record: garbage(0.8)},
			want:  true,
		},
		{
			name:  "created garbage below threshold",
			event: store.ChangeEvent{Type: store.ChangeCreated, Record: garbage(0.79)},
			want:  false,
		},
		{
			name: "created non-garbage",
			event: store.ChangeEvent{Type: store.ChangeCreated, Record: &detection.Record{
				ID: "d2", Prediction: "Street", Confidence: 0.99,
			}},
			want: false,
		},
		{
			name:  "update is not alerted",
			event: store.ChangeEvent{Type: store.ChangeUpdated, Record: garbage(0.95)},
			want:  false,
		},
		{
			name:  "load is not alerted",
			event: store.ChangeEvent{Type: store.ChangeLoaded},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, notifier.shouldAlert(tt.event))
		})
	}
}

func TestStartStopsWhenEventChannelCloses(t *testing.T) {
	t.Parallel()

	notifier := &Notifier{minConfidence: 0.8}
	events := make(chan store.ChangeEvent, 2)
	events <- store.ChangeEvent{Type: store.ChangeLoaded}
	events <- store.ChangeEvent{Type: store.ChangeUpdated, Record: &detection.Record{ID: "d1"}}
	close(events)

	notifier.Start(context.Background(), events)

	done := make(chan struct{})
	go func() {
		notifier.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notifier did not stop after the event channel closed")
	}
}

func TestFormatMessage(t *testing.T) {
	t.Parallel()

	record := &detection.Record{
		ID:           "d1",
		Prediction:   detection.PredictionGarbage,
		Confidence:   0.87,
		Latitude:     ptr(60.17),
		Longitude:    ptr(24.94),
		LocationName: "Esplanadi Park",
		Timestamp:    "2026-08-29T10:00:00Z",
		ImageURL:     "https://backend.test/images/d1.jpg",
	}

	msg := formatMessage(record)
	assert.Contains(t, msg, "87% confidence")
	assert.Contains(t, msg, "Esplanadi Park")
	assert.Contains(t, msg, "60.17, 24.94")
	assert.Contains(t, msg, "2026-08-29T10:00:00Z")
	assert.Contains(t, msg, "https://backend.test/images/d1.jpg")
}

func TestFormatMessageWithoutLocationName(t *testing.T) {
	t.Parallel()

	record := &detection.Record{
		ID:         "d2",
		Prediction: detection.PredictionGarbage,
		Confidence: 0.5,
	}

	msg := formatMessage(record)
	assert.Contains(t, msg, "50% confidence")
	assert.Contains(t, msg, "Location: null, null")
}
