package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"beaconsync/internal/errs"
	"beaconsync/internal/types"
)

// AddVirtualSensor creates a sensor fed by the weather provider for loc and
// stores its first observation. A failed first refresh leaves the sensor in
// place; the periodic refresh retries it.
func (s *Service) AddVirtualSensor(ctx context.Context, name string, loc types.Location) (SensorView, error) {
	if s.virtual == nil || s.weather == nil {
		return SensorView{}, fmt.Errorf("weather provider: %w", errs.ErrUnavailable)
	}
	provider := s.provider
	if provider == "" {
		provider = types.ProviderOpenWeatherMap
	}
	v, err := types.NewVirtualSensor(types.VirtualIDPrefix+uuid.NewString(), name, provider, loc)
	if err != nil {
		return SensorView{}, err
	}
	if err := s.virtual.CreateVirtualSensor(ctx, v); err != nil {
		return SensorView{}, err
	}
	s.logger.Info("virtual sensor added", "sensor_id", v.ID, "lat", loc.Latitude, "lon", loc.Longitude)
	if _, err := s.weather.Refresh(ctx, v.ID); err != nil {
		s.logger.Warn("first weather refresh failed", "sensor_id", v.ID, "error", err)
	}
	return s.Sensor(ctx, v.ID)
}
