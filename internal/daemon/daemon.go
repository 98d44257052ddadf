// Package daemon runs the background work that feeds the store: local
// ingestion from advertisements, heartbeats and device logs, the periodic
// cloud sync and retention pruning.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"beaconsync/internal/errs"
	"beaconsync/internal/merge"
	"beaconsync/internal/types"
)

// Store is the part of the persistence engine the daemons write through.
type Store interface {
	CreateSensor(ctx context.Context, sensor types.Sensor) error
	ReadSensor(ctx context.Context, id string) (types.Sensor, error)
	ReadLast(ctx context.Context, id string) (types.SensorRecord, bool, error)
	ReadSensorSettings(ctx context.Context, id string) (types.SensorSettings, bool, error)
	AppendRecords(ctx context.Context, records []types.SensorRecord) (int, error)
}

// ensureSensor returns the sensor known under address, creating it on first
// discovery.
func ensureSensor(ctx context.Context, store Store, address string) (types.Sensor, error) {
	sensor, err := store.ReadSensor(ctx, address)
	if err == nil {
		return sensor, nil
	}
	if !errors.Is(err, errs.ErrSensorNotFound) {
		return types.Sensor{}, err
	}
	sensor, err = types.NewLocalSensor(address, "")
	if err != nil {
		return types.Sensor{}, err
	}
	if err := store.CreateSensor(ctx, sensor); err != nil && !errors.Is(err, errs.ErrDuplicateIdentity) {
		return types.Sensor{}, fmt.Errorf("create sensor %q: %w", address, err)
	}
	return store.ReadSensor(ctx, address)
}

// settingsOf returns the calibration record of the sensor, nil when it has none.
func settingsOf(ctx context.Context, store Store, sensorID string) (*types.SensorSettings, error) {
	st, ok, err := store.ReadSensorSettings(ctx, sensorID)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

// persist reconciles records against the stored state of the sensor and
// appends what is new. With afterLast unset the latest stored record is
// not used as a watermark and older records are still inserted.
func persist(ctx context.Context, store Store, sensor types.Sensor, records []types.SensorRecord, afterLast bool) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	var last *types.SensorRecord
	if afterLast {
		r, ok, err := store.ReadLast(ctx, sensor.ID)
		if err != nil {
			return 0, err
		}
		if ok {
			last = &r
		}
	}
	settings, err := settingsOf(ctx, store, sensor.ID)
	if err != nil {
		return 0, err
	}
	ready := merge.Reconcile(last, records, settings)
	if len(ready) == 0 {
		return 0, nil
	}
	return store.AppendRecords(ctx, ready)
}

// every calls fn immediately and then on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
