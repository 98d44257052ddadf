package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"beaconsync/internal/config"
	"beaconsync/internal/merge"
	"beaconsync/internal/types"
	"beaconsync/internal/weather"
)

// WeatherAPI is the part of the weather client the refresher uses.
type WeatherAPI interface {
	Provider() string
	Current(ctx context.Context, loc types.Location) (weather.Current, error)
}

type VirtualStore interface {
	Store
	ReadVirtualSensors(ctx context.Context) ([]types.VirtualSensor, error)
	ReadVirtualSensor(ctx context.Context, id string) (types.VirtualSensor, error)
}

// Weather feeds virtual sensors with the provider's current conditions.
type Weather struct {
	store  VirtualStore
	api    WeatherAPI
	cfg    config.Weather
	logger *slog.Logger
}

func NewWeather(store VirtualStore, api WeatherAPI, cfg config.Weather, logger *slog.Logger) (*Weather, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("weather refresh needs a positive interval")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Weather{store: store, api: api, cfg: cfg, logger: logger.With("component", "weather")}, nil
}

// Refresh stores the current conditions for one virtual sensor. A reading
// with the timestamp of the last stored record is not stored again.
func (w *Weather) Refresh(ctx context.Context, id string) (int, error) {
	v, err := w.store.ReadVirtualSensor(ctx, id)
	if err != nil {
		return 0, err
	}
	return w.refresh(ctx, v)
}

func (w *Weather) refresh(ctx context.Context, v types.VirtualSensor) (int, error) {
	if v.Provider != w.api.Provider() {
		return 0, fmt.Errorf("virtual sensor %q: unsupported provider %q", v.ID, v.Provider)
	}
	cur, err := w.api.Current(ctx, v.Location)
	if err != nil {
		return 0, fmt.Errorf("virtual sensor %q: %w", v.ID, err)
	}
	rec, err := merge.LocalRecord(v.ID, cur.At, types.SourceWeatherProvider, nil, cur.Reading)
	if err != nil {
		return 0, err
	}
	return persist(ctx, w.store, v.Sensor, []types.SensorRecord{rec}, true)
}

// RefreshAll refreshes every virtual sensor. Failures are joined.
func (w *Weather) RefreshAll(ctx context.Context) (int, error) {
	sensors, err := w.store.ReadVirtualSensors(ctx)
	if err != nil {
		return 0, err
	}
	var (
		total  int
		failed []error
	)
	for _, v := range sensors {
		n, err := w.refresh(ctx, v)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		total += n
	}
	if total > 0 {
		w.logger.Debug("virtual sensors refreshed", "sensors", len(sensors), "records", total)
	}
	return total, errors.Join(failed...)
}

// Run refreshes every interval until ctx is done.
func (w *Weather) Run(ctx context.Context) error {
	every(ctx, w.cfg.Interval, func(ctx context.Context) {
		if _, err := w.RefreshAll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("weather refresh failed", "error", err)
		}
	})
	return nil
}

