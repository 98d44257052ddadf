package types

import (
	"strings"

	"beaconsync/internal/errs"
)

// VirtualIDPrefix marks the ids of virtual sensors. A virtual sensor has no
// device behind it; its records come from a weather provider.
const VirtualIDPrefix = "virtual-"

const ProviderOpenWeatherMap = "openweathermap"

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (l Location) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return errs.Invalid("latitude %v out of range", l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return errs.Invalid("longitude %v out of range", l.Longitude)
	}
	return nil
}

// VirtualSensor is a local sensor fed by a weather provider for a location.
type VirtualSensor struct {
	Sensor
	Provider string   `json:"provider"`
	Location Location `json:"location"`
}

func NewVirtualSensor(id, name, provider string, loc Location) (VirtualSensor, error) {
	id = strings.TrimSpace(id)
	if !IsVirtualID(id) || len(id) == len(VirtualIDPrefix) {
		return VirtualSensor{}, errs.Invalid("virtual sensor id %q must start with %q", id, VirtualIDPrefix)
	}
	if provider = strings.TrimSpace(provider); provider == "" {
		return VirtualSensor{}, errs.Invalid("virtual sensor %q needs a provider", id)
	}
	if err := loc.Validate(); err != nil {
		return VirtualSensor{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Weather"
	}
	return VirtualSensor{
		Sensor:   Sensor{ID: id, LocalID: id, Name: name},
		Provider: provider,
		Location: loc,
	}, nil
}

func IsVirtualID(id string) bool { return strings.HasPrefix(id, VirtualIDPrefix) }

func (s Sensor) IsVirtual() bool { return IsVirtualID(s.ID) }
