// Package calibration sets and clears per-channel offsets of a sensor.
//
// A channel is uncalibrated until SetOffset stores an offset for it and
// becomes uncalibrated again on ClearOffset. Channels are independent.
package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"beaconsync/internal/errs"
	"beaconsync/internal/merge"
	"beaconsync/internal/types"
)

// ErrMissingBaseline is returned when there is no raw value to calibrate
// against. It is a not-found error.
var ErrMissingBaseline = fmt.Errorf("no baseline reading for channel: %w", errs.ErrSensorNotFound)

type Store interface {
	ReadSensor(ctx context.Context, id string) (types.Sensor, error)
	ReadLast(ctx context.Context, id string) (types.SensorRecord, bool, error)
	ReadSensorSettings(ctx context.Context, id string) (types.SensorSettings, bool, error)
	UpsertSensorSettings(ctx context.Context, settings types.SensorSettings) error
}

// Cloud receives the offsets of claimed sensors.
type Cloud interface {
	Authorized() bool
	UpdateOffsets(ctx context.Context, remoteID string, settings types.SensorSettings) error
}

type Service struct {
	store  Store
	cloud  Cloud
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds the service. cloud may be nil, offsets then stay local.
func NewService(store Store, cloud Cloud, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		cloud:  cloud,
		logger: logger.With("component", "calibration"),
		now:    time.Now,
	}
}

// SetOffset stores the offset that makes the baseline read as target.
// Humidity targets are in %RH, the others in record units (°C, hPa). When
// lastRaw is nil the sensor's latest stored record is the baseline.
//
// The returned settings are persisted even when pushing them to the cloud
// fails; that failure is returned alongside.
func (s *Service) SetOffset(ctx context.Context, sensorID string, ch types.Channel, target float64, lastRaw *types.SensorRecord) (types.SensorSettings, error) {
	sensor, err := s.store.ReadSensor(ctx, sensorID)
	if err != nil {
		return types.SensorSettings{}, err
	}

	baseline, err := s.baseline(ctx, sensor, lastRaw)
	if err != nil {
		return types.SensorSettings{}, err
	}
	raw, ok := baseline.Raw().Value(ch)
	if !ok {
		return types.SensorSettings{}, fmt.Errorf("%s of %q: %w", ch, sensor.ID, ErrMissingBaseline)
	}

	offset := Normalize(ch, target) - raw
	at := s.now().UTC()
	current, err := s.current(ctx, sensor)
	if err != nil {
		return types.SensorSettings{}, err
	}
	next := current.WithOffset(ch, &offset, &at)
	if err := s.store.UpsertSensorSettings(ctx, next); err != nil {
		return types.SensorSettings{}, err
	}
	s.logger.Info("offset set", "sensor_id", sensor.ID, "channel", ch, "offset", offset)
	return next, s.push(ctx, sensor, next)
}

// ClearOffset removes the channel offset and its date.
func (s *Service) ClearOffset(ctx context.Context, sensorID string, ch types.Channel) (types.SensorSettings, error) {
	sensor, err := s.store.ReadSensor(ctx, sensorID)
	if err != nil {
		return types.SensorSettings{}, err
	}
	current, err := s.current(ctx, sensor)
	if err != nil {
		return types.SensorSettings{}, err
	}
	if v, _ := current.Offset(ch); v == nil {
		return current, nil
	}
	next := current.WithOffset(ch, nil, nil)
	if err := s.store.UpsertSensorSettings(ctx, next); err != nil {
		return types.SensorSettings{}, err
	}
	s.logger.Info("offset cleared", "sensor_id", sensor.ID, "channel", ch)
	return next, s.push(ctx, sensor, next)
}

// Normalize converts a target from display units to record units.
func Normalize(ch types.Channel, v float64) float64 {
	if ch == types.ChannelHumidity {
		return merge.HumidityFraction(v)
	}
	return v
}

func (s *Service) baseline(ctx context.Context, sensor types.Sensor, lastRaw *types.SensorRecord) (types.SensorRecord, error) {
	if lastRaw != nil {
		return *lastRaw, nil
	}
	last, ok, err := s.store.ReadLast(ctx, sensor.ID)
	if err != nil {
		return types.SensorRecord{}, err
	}
	if !ok {
		return types.SensorRecord{}, fmt.Errorf("%q has no records: %w", sensor.ID, ErrMissingBaseline)
	}
	return last, nil
}

// current returns the stored settings keyed the way the sensor is keyed now.
func (s *Service) current(ctx context.Context, sensor types.Sensor) (types.SensorSettings, error) {
	keyed, err := types.SettingsFor(sensor)
	if err != nil {
		return types.SensorSettings{}, err
	}
	stored, ok, err := s.store.ReadSensorSettings(ctx, sensor.ID)
	if err != nil || !ok {
		return keyed, err
	}
	stored.LocalID, stored.RemoteID = keyed.LocalID, keyed.RemoteID
	return stored, nil
}

// push sends the offsets of a claimed sensor to the cloud. The cloud has no
// notion of an absent offset, so cleared channels are sent as zero.
func (s *Service) push(ctx context.Context, sensor types.Sensor, settings types.SensorSettings) error {
	if s.cloud == nil || !sensor.IsClaimed || !sensor.IsOwner || !s.cloud.Authorized() {
		return nil
	}
	out := settings
	for _, ch := range types.Channels {
		if v, at := out.Offset(ch); v == nil {
			zero := 0.0
			out = out.WithOffset(ch, &zero, at)
		}
	}
	if err := s.cloud.UpdateOffsets(ctx, sensor.RemoteID, out); err != nil {
		s.logger.Warn("push offsets failed", "sensor_id", sensor.ID, "error", err)
		return fmt.Errorf("push offsets of %q: %w", sensor.ID, err)
	}
	return nil
}
