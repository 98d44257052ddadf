package types

import (
	"fmt"
	"strings"
	"time"

	"beaconsync/internal/errs"
)

// Source says where a record came from.
type Source int

const (
	SourceUnknown Source = iota
	SourceAdvertisement
	SourceLog
	SourceHeartbeat
	SourceCloud
	SourceWeatherProvider
)

var sourceNames = map[Source]string{
	SourceUnknown:         "unknown",
	SourceAdvertisement:   "advertisement",
	SourceLog:             "log",
	SourceHeartbeat:       "heartbeat",
	SourceCloud:           "cloudNetwork",
	SourceWeatherProvider: "weatherProvider",
}

func (s Source) String() string {
	if n, ok := sourceNames[s]; ok {
		return n
	}
	return sourceNames[SourceUnknown]
}

func ParseSource(s string) (Source, error) {
	for src, name := range sourceNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return src, nil
		}
	}
	return SourceUnknown, fmt.Errorf("unknown source %q", s)
}

func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Source) UnmarshalText(b []byte) error {
	v, err := ParseSource(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Acceleration in g.
type Acceleration struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Measurement is the timestamped part of a record. Humidity is a fraction
// of one and pressure is in hPa; nil channels were not reported.
type Measurement struct {
	Timestamp       time.Time     `json:"timestamp"`
	Source          Source        `json:"source"`
	RSSI            *int          `json:"rssi,omitempty"`
	Temperature     *float64      `json:"temperature,omitempty"`
	Humidity        *float64      `json:"humidity,omitempty"`
	Pressure        *float64      `json:"pressure,omitempty"`
	Acceleration    *Acceleration `json:"acceleration,omitempty"`
	Voltage         *float64      `json:"voltage,omitempty"`
	MovementCounter *int          `json:"movementCounter,omitempty"`
	SequenceNumber  *int          `json:"sequenceNumber,omitempty"`
	TxPower         *int          `json:"txPower,omitempty"`
}

// SensorRecord is one reading of one sensor. Exactly one of LocalID and
// RemoteID is set. Channel values have the recorded offsets already added.
type SensorRecord struct {
	LocalID  string `json:"localId,omitempty"`
	RemoteID string `json:"remoteId,omitempty"`
	Measurement

	TemperatureOffset float64 `json:"temperatureOffset"`
	HumidityOffset    float64 `json:"humidityOffset"`
	PressureOffset    float64 `json:"pressureOffset"`
}

// RecordKey is the identity of a record.
type RecordKey struct {
	SensorID  string
	Timestamp time.Time
}

func (k RecordKey) String() string {
	return k.SensorID + "@" + k.Timestamp.UTC().Format(time.RFC3339Nano)
}

// NewLocalRecord builds a record produced by a local source (scan, heartbeat, log).
func NewLocalRecord(localID string, m Measurement) (SensorRecord, error) {
	r := SensorRecord{LocalID: strings.TrimSpace(localID), Measurement: m}
	if err := r.Validate(); err != nil {
		return SensorRecord{}, err
	}
	return r, nil
}

// NewCloudRecord builds a record fetched from the cloud.
func NewCloudRecord(remoteID string, m Measurement) (SensorRecord, error) {
	r := SensorRecord{RemoteID: strings.TrimSpace(remoteID), Measurement: m}
	if err := r.Validate(); err != nil {
		return SensorRecord{}, err
	}
	return r, nil
}

func (r SensorRecord) Validate() error {
	switch {
	case r.LocalID == "" && r.RemoteID == "":
		return errs.Invalid("record has no sensor identifier")
	case r.LocalID != "" && r.RemoteID != "":
		return errs.Invalid("record %q carries both local and remote identifiers", r.LocalID)
	case r.Timestamp.IsZero():
		return errs.Invalid("record for %q has no timestamp", r.SensorID())
	}
	return nil
}

// SensorID returns whichever identifier the record carries.
func (r SensorRecord) SensorID() string {
	if r.LocalID != "" {
		return r.LocalID
	}
	return r.RemoteID
}

func (r SensorRecord) IsLocal() bool { return r.LocalID != "" }

func (r SensorRecord) Key() RecordKey {
	return RecordKey{SensorID: r.SensorID(), Timestamp: r.Timestamp.UTC()}
}

// Raw returns the record as measured, with offsets removed.
func (r SensorRecord) Raw() SensorRecord {
	out := r
	out.Temperature = shift(r.Temperature, -r.TemperatureOffset)
	out.Humidity = shift(r.Humidity, -r.HumidityOffset)
	out.Pressure = shift(r.Pressure, -r.PressureOffset)
	out.TemperatureOffset, out.HumidityOffset, out.PressureOffset = 0, 0, 0
	return out
}

// Value returns the channel's value.
func (r SensorRecord) Value(ch Channel) (float64, bool) {
	var p *float64
	switch ch {
	case ChannelTemperature:
		p = r.Temperature
	case ChannelHumidity:
		p = r.Humidity
	case ChannelPressure:
		p = r.Pressure
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

func shift(v *float64, d float64) *float64 {
	if v == nil {
		return nil
	}
	x := *v + d
	return &x
}
