package types

import (
	"strings"
	"time"

	"beaconsync/internal/errs"
)

// SensorSettings is the calibration record of a sensor, keyed by exactly one
// of LocalID and RemoteID. A nil offset means the channel is uncalibrated.
type SensorSettings struct {
	LocalID  string `json:"localId,omitempty"`
	RemoteID string `json:"remoteId,omitempty"`

	TemperatureOffset     *float64   `json:"temperatureOffset,omitempty"`
	TemperatureOffsetDate *time.Time `json:"temperatureOffsetDate,omitempty"`
	HumidityOffset        *float64   `json:"humidityOffset,omitempty"`
	HumidityOffsetDate    *time.Time `json:"humidityOffsetDate,omitempty"`
	PressureOffset        *float64   `json:"pressureOffset,omitempty"`
	PressureOffsetDate    *time.Time `json:"pressureOffsetDate,omitempty"`
}

func NewLocalSettings(localID string) (SensorSettings, error) {
	s := SensorSettings{LocalID: strings.TrimSpace(localID)}
	return s, s.Validate()
}

func NewCloudSettings(remoteID string) (SensorSettings, error) {
	s := SensorSettings{RemoteID: strings.TrimSpace(remoteID)}
	return s, s.Validate()
}

// SettingsFor keys settings the same way records of the sensor are keyed:
// by the local identifier while there is one, otherwise by the remote one.
func SettingsFor(s Sensor) (SensorSettings, error) {
	if s.LocalID != "" {
		return NewLocalSettings(s.LocalID)
	}
	return NewCloudSettings(s.RemoteID)
}

func (s SensorSettings) Validate() error {
	if (s.LocalID == "") == (s.RemoteID == "") {
		return errs.Invalid("settings must be keyed by exactly one of local and remote identifier")
	}
	return nil
}

func (s SensorSettings) SensorID() string {
	if s.LocalID != "" {
		return s.LocalID
	}
	return s.RemoteID
}

// Offset returns the channel offset and when it was set.
func (s SensorSettings) Offset(ch Channel) (*float64, *time.Time) {
	switch ch {
	case ChannelTemperature:
		return s.TemperatureOffset, s.TemperatureOffsetDate
	case ChannelHumidity:
		return s.HumidityOffset, s.HumidityOffsetDate
	case ChannelPressure:
		return s.PressureOffset, s.PressureOffsetDate
	}
	return nil, nil
}

// WithOffset returns a copy with the channel offset replaced. Other
// channels are left untouched.
func (s SensorSettings) WithOffset(ch Channel, offset *float64, at *time.Time) SensorSettings {
	out := s
	switch ch {
	case ChannelTemperature:
		out.TemperatureOffset, out.TemperatureOffsetDate = offset, at
	case ChannelHumidity:
		out.HumidityOffset, out.HumidityOffsetDate = offset, at
	case ChannelPressure:
		out.PressureOffset, out.PressureOffsetDate = offset, at
	}
	return out
}

// OffsetValue is the additive correction for ch, zero when uncalibrated.
func (s SensorSettings) OffsetValue(ch Channel) float64 {
	v, _ := s.Offset(ch)
	if v == nil {
		return 0
	}
	return *v
}
