// Package reactor turns committed store changes into per-subscriber event
// streams. A subscriber first receives an initial snapshot and then the
// diffs of every later commit, in commit order.
package reactor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"beaconsync/internal/persistence"
	"beaconsync/internal/types"
)

// Store is the part of the persistence engine the reactor reads from.
type Store interface {
	AddListener(l persistence.Listener)
	Serialized(ctx context.Context, fn func(ctx context.Context) error) error
	ReadSensor(ctx context.Context, id string) (types.Sensor, error)
	ReadSensors(ctx context.Context) ([]types.Sensor, error)
	ReadRange(ctx context.Context, sensorID string, since, until time.Time, minInterval time.Duration) ([]types.SensorRecord, error)
	ReadSensorSettings(ctx context.Context, sensorID string) (types.SensorSettings, bool, error)
}

var ErrClosed = errors.New("reactor closed")

type Reactor struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool
}

// New registers the reactor as a listener of store.
func New(store Store, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reactor{
		store:  store,
		logger: logger,
		subs:   make(map[uuid.UUID]*Subscription),
	}
	store.AddListener(r)
	return r
}

// SubscribeSensors streams the sensor set.
func (r *Reactor) SubscribeSensors(ctx context.Context, h Handler) (*Subscription, error) {
	return r.subscribe(ctx, filter{kind: KindSensors}, h)
}

// SubscribeHistory streams the records of one sensor from since onwards.
// A zero since covers the whole history.
func (r *Reactor) SubscribeHistory(ctx context.Context, sensorID string, since time.Time, h Handler) (*Subscription, error) {
	return r.subscribe(ctx, filter{kind: KindHistory, sensorID: sensorID, since: since}, h)
}

// SubscribeSettings streams the calibration record of one sensor.
func (r *Reactor) SubscribeSettings(ctx context.Context, sensorID string, h Handler) (*Subscription, error) {
	return r.subscribe(ctx, filter{kind: KindSettings, sensorID: sensorID}, h)
}

// subscribe takes the initial snapshot and registers the subscription on the
// store's writer goroutine, so no commit can fall between the two.
//
// ctx bounds the snapshot and the life of the subscription: when it is
// done the subscription closes itself.
func (r *Reactor) subscribe(ctx context.Context, f filter, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, errors.New("reactor: nil handler")
	}
	sub := newSubscription(r, f, h)

	err := r.store.Serialized(ctx, func(ctx context.Context) error {
		initial, err := r.snapshot(ctx, &sub.filter)
		if err != nil {
			return err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return ErrClosed
		}
		sub.enqueue(initial)
		r.subs[sub.id] = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	go sub.pump(ctx)
	r.logger.Debug("subscription opened", "sub_id", sub.id, "kind", f.kind, "sensor_id", sub.filter.sensorID)
	return sub, nil
}

func (r *Reactor) snapshot(ctx context.Context, f *filter) (Event, error) {
	switch f.kind {
	case KindSensors:
		sensors, err := r.store.ReadSensors(ctx)
		if err != nil {
			return Event{}, err
		}
		return Event{Type: EventInitial, Sensors: sensors}, nil
	case KindHistory:
		sensor, err := r.store.ReadSensor(ctx, f.sensorID)
		if err != nil {
			return Event{}, err
		}
		f.sensorID = sensor.ID
		records, err := r.store.ReadRange(ctx, sensor.ID, f.since, time.Time{}, 0)
		if err != nil {
			return Event{}, err
		}
		return Event{Type: EventInitial, SensorID: sensor.ID, Records: records}, nil
	case KindSettings:
		sensor, err := r.store.ReadSensor(ctx, f.sensorID)
		if err != nil {
			return Event{}, err
		}
		f.sensorID = sensor.ID
		ev := Event{Type: EventInitial, SensorID: sensor.ID}
		st, ok, err := r.store.ReadSensorSettings(ctx, sensor.ID)
		if err != nil {
			return Event{}, err
		}
		if ok {
			ev.Settings = &st
		}
		return ev, nil
	}
	return Event{}, errors.New("reactor: unknown subscription kind")
}

// OnCommit fans the changes of one commit out to the matching subscriptions.
// It runs on the store's writer goroutine and only queues.
func (r *Reactor) OnCommit(changes []persistence.Change) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		for _, ev := range sub.filter.events(changes) {
			sub.enqueue(ev)
		}
	}
}

func (r *Reactor) remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// Count returns the number of open subscriptions.
func (r *Reactor) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Close closes every subscription and rejects new ones.
func (r *Reactor) Close() {
	r.mu.Lock()
	r.closed = true
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
