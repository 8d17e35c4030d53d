package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garbagewatch/garbagewatch-go/internal/detection"
	"github.com/garbagewatch/garbagewatch-go/internal/store"
)

// wsTestServer upgrades connections and exposes the server side of the
// channel to the test.
type wsTestServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()

	ts := &wsTestServer{conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}

	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *wsTestServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection accepted")
		return nil
	}
}

func testRecord(id string) *detection.Record {
	return &detection.Record{
		ID:         id,
		Confidence: 0.87,
		Status:     detection.StatusPending,
		Timestamp:  "2024-01-01T00:00:00Z",
		Prediction: detection.PredictionGarbage,
	}
}

func TestConnectAndInboundForwarding(t *testing.T) {
	t.Parallel()

	ts := newWSTestServer(t)
	inbound := make(chan store.IncomingEvent, 4)
	b := New(ts.url(), inbound, nil)

	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()
	assert.True(t, b.Connected())

	server := ts.accept(t)
	defer server.Close()

	require.NoError(t, server.WriteJSON(&Envelope{
		Event: EventUserDetection,
		Data:  testRecord("pushed"),
	}))

	select {
	case event := <-inbound:
		assert.False(t, event.Remove)
		require.NotNil(t, event.Record)
		assert.Equal(t, "pushed", event.Record.ID)
		assert.Equal(t, detection.SourceExternal, event.Record.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound event was not forwarded")
	}
}

func TestStatusUpdateEventsAreForwarded(t *testing.T) {
	t.Parallel()

	ts := newWSTestServer(t)
	inbound := make(chan store.IncomingEvent, 4)
	b := New(ts.url(), inbound, nil)

	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()

	server := ts.accept(t)
	defer server.Close()

	require.NoError(t, server.WriteJSON(&Envelope{
		Event: EventStatusUpdate,
		Data:  &detection.Record{ID: "d1", Status: detection.StatusCompleted},
	}))

	select {
	case event := <-inbound:
		assert.False(t, event.Remove)
		require.NotNil(t, event.Record)
		assert.Equal(t, "d1", event.Record.ID)
		assert.Equal(t, detection.StatusCompleted, event.Record.Status)
		assert.Empty(t, event.Record.Source, "partial updates must not claim a source")
	case <-time.After(2 * time.Second):
		t.Fatal("status update was not forwarded")
	}
}

func TestDeleteDetectionEventsAreForwardedAsRemovals(t *testing.T) {
	t.Parallel()

	ts := newWSTestServer(t)
	inbound := make(chan store.IncomingEvent, 4)
	b := New(ts.url(), inbound, nil)

	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()

	server := ts.accept(t)
	defer server.Close()

	require.NoError(t, server.WriteJSON(&Envelope{
		Event: EventDeleteDetection,
		Data:  &detection.Record{ID: "gone"},
	}))

	select {
	case event := <-inbound:
		assert.True(t, event.Remove)
		require.NotNil(t, event.Record)
		assert.Equal(t, "gone", event.Record.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("deletion was not forwarded")
	}
}

func TestUnknownEventsAreIgnored(t *testing.T) {
	t.Parallel()

	ts := newWSTestServer(t)
	inbound := make(chan store.IncomingEvent, 4)
	b := New(ts.url(), inbound, nil)

	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()

	server := ts.accept(t)
	defer server.Close()

	require.NoError(t, server.WriteJSON(map[string]any{"event": "heartbeat"}))
	require.NoError(t, server.WriteJSON(&Envelope{
		Event: EventUserDetection,
		Data:  testRecord("real"),
	}))

	select {
	case event := <-inbound:
		require.NotNil(t, event.Record)
		assert.Equal(t, "real", event.Record.ID, "unrecognized events must not reach the store")
	case <-time.After(2 * time.Second):
		t.Fatal("inbound event was not forwarded")
	}
}

func TestPublishWritesEnvelope(t *testing.T) {
	t.Parallel()

	ts := newWSTestServer(t)
	b := New(ts.url(), make(chan store.IncomingEvent, 1), nil)

	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()

	server := ts.accept(t)
	defer server.Close()

	b.Publish(testRecord("local"))

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := server.ReadMessage()
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(payload, &envelope))
	assert.Equal(t, EventUserDetection, envelope.Event)
	require.NotNil(t, envelope.Data)
	assert.Equal(t, "local", envelope.Data.ID)
}

func TestPublishWithoutConnectionIsSkipped(t *testing.T) {
	t.Parallel()

	b := New("ws://127.0.0.1:1/socket", make(chan store.IncomingEvent, 1), nil)

	assert.False(t, b.Connected())
	// must not block or panic
	b.Publish(testRecord("local"))
	b.Close()
}

func TestConnectFailureReturnsError(t *testing.T) {
	t.Parallel()

	b := New("ws://127.0.0.1:1/socket", make(chan store.IncomingEvent, 1), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.Error(t, b.Connect(ctx))
	assert.False(t, b.Connected())
}
