// Package store holds the authoritative client-side detection collection.
// It merges three inputs (bulk backend fetch, realtime push events, local
// uploads), applies server-confirmed mutations, and writes every change
// through to a local snapshot cache so a restart without connectivity
// still shows the last known state.
package store

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/garbagewatch/garbagewatch-go/internal/detection"
	"github.com/garbagewatch/garbagewatch-go/internal/errors"
	"github.com/garbagewatch/garbagewatch-go/internal/logging"
)

// Backend is the subset of the backend client the store depends on.
type Backend interface {
	FetchDetections(ctx context.Context) ([]*detection.Record, error)
	UpdateStatus(ctx context.Context, id string, status detection.Status) error
	Delete(ctx context.Context, id string) error
}

// ChangeType describes what a change event did to the collection.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
	ChangeLoaded  ChangeType = "loaded"
)

// ChangeEvent is broadcast to subscribers after every mutation.
type ChangeEvent struct {
	Type   ChangeType        `json:"type"`
	Record *detection.Record `json:"record,omitempty"`
}

// IncomingEvent is one realtime push from the backend. Remove marks a
// deletion already confirmed server-side; otherwise Record is upserted.
type IncomingEvent struct {
	Remove bool
	Record *detection.Record
}

// subscriber receives change events until its context ends.
type subscriber struct {
	ch     chan ChangeEvent
	ctx    context.Context
	cancel context.CancelFunc
}

// Metrics is the subset of observability the store reports into.
// A nil implementation is allowed.
type Metrics interface {
	RecordIngested(source string)
	RecordRemoved()
	SetStoreSize(n int)
	SnapshotWriteError()
}

// DetectionStore is the single owner of the in-memory detection
// collection. All mutations go through its methods; ordering is
// newest-first, enforced at insertion.
type DetectionStore struct {
	mu      sync.RWMutex
	records []*detection.Record        // newest first
	index   map[string]*detection.Record

	backend  Backend
	cache    *SnapshotCache
	metrics  Metrics
	logger   *slog.Logger
	inbound  chan IncomingEvent

	subscribers   []*subscriber
	subscribersMu sync.RWMutex

	wg sync.WaitGroup
}

// Config holds construction parameters for the detection store.
type Config struct {
	Backend Backend
	Cache   *SnapshotCache
	Metrics Metrics
	// InboundBuffer sizes the realtime event queue (default 256).
	InboundBuffer int
}

const defaultInboundBuffer = 256

// New creates a detection store. Call Start to begin consuming the
// inbound queue and Stop on session end.
func New(cfg *Config) *DetectionStore {
	buffer := cfg.InboundBuffer
	if buffer <= 0 {
		buffer = defaultInboundBuffer
	}
	return &DetectionStore{
		index:   make(map[string]*detection.Record),
		backend: cfg.Backend,
		cache:   cfg.Cache,
		metrics: cfg.Metrics,
		logger:  logging.ForService("store"),
		inbound: make(chan IncomingEvent, buffer),
	}
}

// Inbound returns the queue the realtime bridge feeds. Events are applied
// strictly in the order received, by a single consumer goroutine.
func (s *DetectionStore) Inbound() chan<- IncomingEvent {
	return s.inbound
}

// Start launches the update loop consuming the inbound queue. It returns
// immediately; the loop ends when ctx is cancelled.
func (s *DetectionStore) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-s.inbound:
				if !ok {
					return
				}
				if event.Remove {
					if event.Record != nil {
						s.RemoveLocal(event.Record.ID)
					}
				} else {
					s.ApplyIncoming(event.Record)
				}
			}
		}
	}()
}

// Stop waits for the update loop to finish and ends all subscriptions.
// Call it after cancelling the context passed to Start.
func (s *DetectionStore) Stop() {
	s.wg.Wait()

	s.subscribersMu.RLock()
	subs := slices.Clone(s.subscribers)
	s.subscribersMu.RUnlock()
	for _, sub := range subs {
		sub.cancel()
	}
}

// Load fetches the full collection from the backend. On failure it falls
// back to the cached snapshot if present, otherwise an empty collection.
// Load never returns an error to the caller; failures are logged.
func (s *DetectionStore) Load(ctx context.Context) {
	records, err := s.backend.FetchDetections(ctx)
	if err != nil {
		s.logger.Warn("backend fetch failed, falling back to cached snapshot", "error", err)
		records = s.loadFromCache()
	}

	normalized := make([]*detection.Record, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		if err := record.Normalize(); err != nil {
			s.logger.Warn("dropping malformed detection record", "error", err)
			continue
		}
		normalized = append(normalized, record)
	}

	s.mu.Lock()
	s.records = normalized
	s.index = make(map[string]*detection.Record, len(normalized))
	for _, record := range normalized {
		s.index[record.ID] = record
	}
	size := len(s.records)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetStoreSize(size)
	}
	s.persist()
	s.broadcast(ChangeEvent{Type: ChangeLoaded})
	s.logger.Info("detection store loaded", "count", size)
}

func (s *DetectionStore) loadFromCache() []*detection.Record {
	if s.cache == nil {
		return nil
	}
	records, err := s.cache.Load()
	if err != nil {
		s.logger.Error("snapshot cache unreadable", "error", err)
		return nil
	}
	if records != nil {
		s.logger.Info("rehydrated detections from snapshot cache", "count", len(records))
	}
	return records
}

// ApplyIncoming upserts a record by identifier. An existing record is
// merged in place, keeping its position; a new record is prepended so the
// collection stays newest-first. Malformed records are dropped with a log
// line, not an error, because push delivery is best-effort anyway.
func (s *DetectionStore) ApplyIncoming(record *detection.Record) {
	if record == nil {
		return
	}
	if err := record.Normalize(); err != nil {
		s.logger.Warn("ignoring malformed incoming detection", "error", err)
		return
	}

	s.mu.Lock()
	existing, known := s.index[record.ID]
	var event ChangeEvent
	if known {
		existing.Merge(record)
		event = ChangeEvent{Type: ChangeUpdated, Record: existing.Clone()}
	} else {
		s.records = append([]*detection.Record{record}, s.records...)
		s.index[record.ID] = record
		event = ChangeEvent{Type: ChangeCreated, Record: record.Clone()}
	}
	size := len(s.records)
	s.mu.Unlock()

	if s.metrics != nil {
		if !known {
			s.metrics.RecordIngested(string(record.Source))
		}
		s.metrics.SetStoreSize(size)
	}
	s.persist()
	s.broadcast(event)
}

// UpdateStatus sends a status-only partial update to the backend and, on
// confirmation, mutates the matching local record. Local state is left
// untouched when the backend rejects the update.
func (s *DetectionStore) UpdateStatus(ctx context.Context, id string, status detection.Status) error {
	if !detection.ValidStatus(status) {
		return errors.Newf("unknown detection status %q", status).
			Component("store").
			Category(errors.CategoryValidation).
			Build()
	}

	if err := s.backend.UpdateStatus(ctx, id, status); err != nil {
		return err
	}

	s.mu.Lock()
	record, known := s.index[id]
	var event ChangeEvent
	if known {
		record.Status = status
		event = ChangeEvent{Type: ChangeUpdated, Record: record.Clone()}
	}
	s.mu.Unlock()

	if !known {
		// Server knows the record but this session never saw it; nothing
		// local to update.
		s.logger.Warn("status updated for record missing locally", "id", id)
		return nil
	}

	s.persist()
	s.broadcast(event)
	return nil
}

// Delete removes a detection, server-confirmed. On backend rejection the
// local collection is left untouched and the error is returned.
func (s *DetectionStore) Delete(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, id); err != nil {
		return err
	}
	s.RemoveLocal(id)
	return nil
}

// RemoveLocal drops a record the server already deleted, as announced
// over the realtime channel. No backend call is made; an unknown id is
// a no-op.
func (s *DetectionStore) RemoveLocal(id string) {
	s.mu.Lock()
	record, known := s.index[id]
	if known {
		delete(s.index, id)
		s.records = slices.DeleteFunc(s.records, func(r *detection.Record) bool {
			return r.ID == id
		})
	}
	size := len(s.records)
	s.mu.Unlock()

	if !known {
		return
	}

	if s.metrics != nil {
		s.metrics.RecordRemoved()
		s.metrics.SetStoreSize(size)
	}
	s.persist()
	s.broadcast(ChangeEvent{Type: ChangeDeleted, Record: record.Clone()})
}

// Snapshot returns a deep copy of the collection in display order
// (newest first).
func (s *DetectionStore) Snapshot() []*detection.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*detection.Record, len(s.records))
	for i, record := range s.records {
		out[i] = record.Clone()
	}
	return out
}

// Get returns a copy of one record by identifier.
func (s *DetectionStore) Get(id string) (*detection.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

// Len returns the current record count.
func (s *DetectionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Subscribe registers a change-event subscriber. The returned channel is
// closed when ctx ends or the store stops. Slow subscribers miss events
// rather than blocking mutations.
func (s *DetectionStore) Subscribe(ctx context.Context) <-chan ChangeEvent {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		ch:     make(chan ChangeEvent, 32),
		ctx:    subCtx,
		cancel: cancel,
	}

	s.subscribersMu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.subscribersMu.Unlock()

	go func() {
		<-subCtx.Done()
		s.removeSubscriber(sub)
	}()

	return sub.ch
}

func (s *DetectionStore) removeSubscriber(target *subscriber) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()

	for i, sub := range s.subscribers {
		if sub == target {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

func (s *DetectionStore) broadcast(event ChangeEvent) {
	s.subscribersMu.RLock()
	defer s.subscribersMu.RUnlock()

	for _, sub := range s.subscribers {
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full, drop rather than block the store.
		}
	}
}

// persist writes the snapshot cache synchronously after a mutation.
// Failures are logged; the in-memory state is still authoritative for
// this session.
func (s *DetectionStore) persist() {
	if s.cache == nil {
		return
	}
	if err := s.cache.Save(s.Snapshot()); err != nil {
		if s.metrics != nil {
			s.metrics.SnapshotWriteError()
		}
		s.logger.Error("snapshot cache write failed", "error", err)
	}
}
