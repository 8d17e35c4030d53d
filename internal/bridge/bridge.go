// Package bridge maintains the realtime channel to the backend. Inbound
// detection, status and deletion events from other sessions are
// forwarded into the store's inbound queue; locally created detections
// are published outbound so other sessions update without polling.
// Delivery is best-effort in both directions: there is no
// acknowledgment and no retry, and a missing connection only skips the
// outbound publish.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/garbagewatch/garbagewatch-go/internal/detection"
	"github.com/garbagewatch/garbagewatch-go/internal/errors"
	"github.com/garbagewatch/garbagewatch-go/internal/logging"
	"github.com/garbagewatch/garbagewatch-go/internal/store"
)

// Inbound event names the backend emits. EventUserDetection is also the
// outbound name for locally created detections.
const (
	EventUserDetection   = "user_detection"
	EventStatusUpdate    = "status_update"
	EventDeleteDetection = "delete_detection"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// Envelope is the wire form of a realtime event.
type Envelope struct {
	Event string            `json:"event"`
	Data  *detection.Record `json:"data"`
}

// Metrics is the subset of observability the bridge reports into.
type Metrics interface {
	BridgeEvent(direction string)
	BridgeDropped()
}

// Bridge is the duplex realtime channel. One bridge is established per
// authenticated session and torn down with it.
type Bridge struct {
	url     string
	inbound chan<- store.IncomingEvent
	logger  *slog.Logger
	metrics Metrics

	connMu sync.RWMutex
	conn   *websocket.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bridge that forwards inbound records into the given
// queue, normally the detection store's Inbound() channel.
func New(url string, inbound chan<- store.IncomingEvent, metrics Metrics) *Bridge {
	return &Bridge{
		url:     url,
		inbound: inbound,
		logger:  logging.ForService("bridge"),
		metrics: metrics,
	}
}

// Connect dials the realtime endpoint and starts the read and ping
// loops. A failed dial is returned to the caller; the rest of the
// application keeps working without the channel.
func (b *Bridge) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, b.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return errors.New(err).
			Component("bridge").
			Category(errors.CategoryWebSocket).
			Context("url_scheme", schemeOf(b.url)).
			Build()
	}

	loopCtx, cancel := context.WithCancel(ctx)

	b.connMu.Lock()
	b.conn = conn
	b.cancel = cancel
	b.connMu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	b.wg.Add(2)
	go b.readLoop(loopCtx, conn)
	go b.pingLoop(loopCtx, conn)

	b.logger.Info("realtime channel connected")
	return nil
}

// Connected reports whether the channel is currently established.
func (b *Bridge) Connected() bool {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return b.conn != nil
}

// Publish sends a locally created detection to other sessions. When the
// channel is absent the publish is skipped with a log line; the upload
// flow must never block on it.
func (b *Bridge) Publish(record *detection.Record) {
	b.connMu.RLock()
	conn := b.conn
	b.connMu.RUnlock()

	if conn == nil {
		b.logger.Debug("realtime channel not connected, skipping publish", "id", record.ID)
		if b.metrics != nil {
			b.metrics.BridgeDropped()
		}
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(&Envelope{Event: EventUserDetection, Data: record}); err != nil {
		b.logger.Warn("outbound publish failed", "id", record.ID, "error", err)
		if b.metrics != nil {
			b.metrics.BridgeDropped()
		}
		return
	}
	if b.metrics != nil {
		b.metrics.BridgeEvent("outbound")
	}
}

// Close tears the channel down. Safe to call when never connected.
func (b *Bridge) Close() {
	b.connMu.Lock()
	cancel := b.cancel
	conn := b.conn
	b.conn = nil
	b.cancel = nil
	b.connMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		conn.Close()
	}
	b.wg.Wait()
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer b.wg.Done()

	for {
		var envelope Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				b.logger.Warn("realtime channel closed", "error", err)
			}
			b.connMu.Lock()
			if b.conn == conn {
				b.conn = nil
			}
			b.connMu.Unlock()
			return
		}

		var event store.IncomingEvent
		switch {
		case envelope.Data == nil:
			b.logger.Debug("ignoring realtime event without payload", "event", envelope.Event)
			continue
		case envelope.Event == EventUserDetection:
			if envelope.Data.Source == "" {
				envelope.Data.Source = detection.SourceExternal
			}
			event = store.IncomingEvent{Record: envelope.Data}
		case envelope.Event == EventStatusUpdate:
			// a partial record; merging leaves unset fields alone
			event = store.IncomingEvent{Record: envelope.Data}
		case envelope.Event == EventDeleteDetection:
			event = store.IncomingEvent{Remove: true, Record: envelope.Data}
		default:
			b.logger.Debug("ignoring unknown realtime event", "event", envelope.Event)
			continue
		}

		select {
		case b.inbound <- event:
			if b.metrics != nil {
				b.metrics.BridgeEvent("inbound")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer b.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func schemeOf(url string) string {
	for i := range len(url) {
		if url[i] == ':' {
			return url[:i]
		}
	}
	return ""
}
