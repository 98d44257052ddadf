package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"beaconsync/internal/ble"
	"beaconsync/internal/config"
	"beaconsync/internal/merge"
	"beaconsync/internal/mqtt"
	"beaconsync/internal/persistence"
	"beaconsync/internal/types"
)

// Ingestor persists live readings: advertisements from the local scanner or
// a gateway, and heartbeats from connected devices. Repeated broadcasts of
// one measurement are dropped and each sensor is saved at most once per
// save interval and source.
type Ingestor struct {
	store     Store
	sequences *ble.SequenceFilter
	intervals map[types.Source]time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	lastSaved map[savedKey]time.Time
}

type savedKey struct {
	address string
	source  types.Source
}

func NewIngestor(store Store, cfg config.Ingest, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:     store,
		sequences: ble.NewSequenceFilter(),
		intervals: map[types.Source]time.Duration{
			types.SourceAdvertisement: cfg.AdvertisementSaveInterval,
			types.SourceHeartbeat:     cfg.HeartbeatSaveInterval,
		},
		logger:    logger.With("component", "ingest"),
		now:       time.Now,
		lastSaved: make(map[savedKey]time.Time),
	}
}

// HandleObservation ingests an advertisement or heartbeat seen over BLE.
func (i *Ingestor) HandleObservation(ctx context.Context, obs ble.Observation, source types.Source) error {
	reading, err := ble.DecodeManufacturerData(obs.Data)
	if err != nil {
		i.logger.Debug("skip payload", "address", obs.Address, "error", err)
		return nil
	}
	rssi := int(obs.RSSI)
	var rp *int
	if source == types.SourceAdvertisement {
		rp = &rssi
	}
	return i.ingest(ctx, obs.Address, obs.SeenAt, source, rp, reading)
}

// HandleGatewayMessage ingests an advertisement relayed by a gateway.
func (i *Ingestor) HandleGatewayMessage(ctx context.Context, msg mqtt.GatewayMessage) error {
	reading, err := ble.DecodeStored(msg.Data)
	if err != nil {
		i.logger.Debug("skip payload", "address", msg.Address, "gateway", msg.Gateway, "error", err)
		return nil
	}
	rssi := msg.RSSI
	return i.ingest(ctx, msg.Address, msg.Timestamp, types.SourceAdvertisement, &rssi, reading)
}

func (i *Ingestor) ingest(ctx context.Context, address string, at time.Time, source types.Source, rssi *int, reading types.Reading) error {
	address = ble.NormalizeAddress(address)
	if reading.SequenceNumber != nil && i.sequences.Seen(address, *reading.SequenceNumber) {
		return nil
	}
	if at.IsZero() {
		at = i.now()
	}
	key := savedKey{address: address, source: source}
	if !i.due(key, at) {
		return nil
	}

	sensor, err := ensureSensor(ctx, i.store, address)
	if err != nil {
		return err
	}
	rec, err := merge.LocalRecord(address, at, source, rssi, reading)
	if err != nil {
		return err
	}
	n, err := persist(ctx, i.store, sensor, []types.SensorRecord{rec}, true)
	if err != nil {
		i.logger.Warn("save reading failed", "sensor_id", sensor.ID, "source", source, "error", err)
		return err
	}
	if n > 0 {
		i.markSaved(key, at)
		i.logger.Debug("reading saved", "sensor_id", sensor.ID, "source", source)
	}
	return nil
}

// OnCommit drops the dedup state of deleted sensors so a sensor that comes
// back is saved from its first reading.
func (i *Ingestor) OnCommit(changes []persistence.Change) {
	for _, c := range changes {
		if c.Entity != persistence.EntitySensor || c.Kind != persistence.ChangeDelete {
			continue
		}
		addresses := []string{ble.NormalizeAddress(c.SensorID)}
		if c.Sensor != nil && c.Sensor.LocalID != "" {
			addresses = append(addresses, ble.NormalizeAddress(c.Sensor.LocalID))
		}
		i.mu.Lock()
		for _, address := range addresses {
			i.sequences.Forget(address)
			for key := range i.lastSaved {
				if key.address == address {
					delete(i.lastSaved, key)
				}
			}
		}
		i.mu.Unlock()
	}
}

func (i *Ingestor) due(key savedKey, at time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	last, ok := i.lastSaved[key]
	return !ok || at.Sub(last) >= i.intervals[key.source]
}

func (i *Ingestor) markSaved(key savedKey, at time.Time) {
	i.mu.Lock()
	i.lastSaved[key] = at
	i.mu.Unlock()
}
