// Package merge converts decoded readings into records and reconciles
// incoming batches against what is already stored.
package merge

import (
	"sort"
	"time"

	"beaconsync/internal/types"
)

// Devices and the cloud report humidity in %RH and pressure in Pa. Records
// hold humidity as a fraction of one and pressure in hPa.

func HumidityFraction(percent float64) float64 { return percent / 100 }

func PressureHPa(pa float64) float64 { return pa / 100 }

func HumidityPercent(fraction float64) float64 { return fraction * 100 }

func PressurePa(hpa float64) float64 { return hpa * 100 }

// Measurement converts a reading to record units. It is the only place
// where the conversions happen.
func Measurement(ts time.Time, source types.Source, rssi *int, rd types.Reading) types.Measurement {
	m := types.Measurement{
		Timestamp:       ts.UTC(),
		Source:          source,
		RSSI:            rssi,
		Temperature:     rd.Temperature,
		Acceleration:    rd.Acceleration,
		Voltage:         rd.Voltage,
		MovementCounter: rd.MovementCounter,
		SequenceNumber:  rd.SequenceNumber,
		TxPower:         rd.TxPower,
	}
	if rd.Humidity != nil {
		h := HumidityFraction(*rd.Humidity)
		m.Humidity = &h
	}
	if rd.Pressure != nil {
		p := PressureHPa(*rd.Pressure)
		m.Pressure = &p
	}
	return m
}

// LocalRecord builds a record for a reading received directly from the device.
func LocalRecord(localID string, ts time.Time, source types.Source, rssi *int, rd types.Reading) (types.SensorRecord, error) {
	return types.NewLocalRecord(localID, Measurement(ts, source, rssi, rd))
}

// CloudRecord builds a record for a reading fetched from the cloud.
func CloudRecord(remoteID string, ts time.Time, rssi *int, rd types.Reading) (types.SensorRecord, error) {
	return types.NewCloudRecord(remoteID, Measurement(ts, types.SourceCloud, rssi, rd))
}

// ApplyOffsets returns r with the settings' offsets added to its channels and
// recorded next to them. Offsets already present on r are removed first, so
// applying twice gives the same result as applying once. A nil settings
// leaves the raw values.
func ApplyOffsets(r types.SensorRecord, settings *types.SensorSettings) types.SensorRecord {
	out := r.Raw()
	if settings == nil {
		return out
	}
	out.TemperatureOffset = settings.OffsetValue(types.ChannelTemperature)
	out.HumidityOffset = settings.OffsetValue(types.ChannelHumidity)
	out.PressureOffset = settings.OffsetValue(types.ChannelPressure)
	out.Temperature = add(out.Temperature, out.TemperatureOffset)
	out.Humidity = add(out.Humidity, out.HumidityOffset)
	out.Pressure = add(out.Pressure, out.PressureOffset)
	return out
}

func add(v *float64, d float64) *float64 {
	if v == nil {
		return nil
	}
	x := *v + d
	return &x
}

// KeySet tracks the composite keys already seen.
type KeySet map[types.RecordKey]struct{}

// Add records k and reports whether it was new.
func (s KeySet) Add(k types.RecordKey) bool {
	if _, ok := s[k]; ok {
		return false
	}
	s[k] = struct{}{}
	return true
}

func (s KeySet) Has(k types.RecordKey) bool {
	_, ok := s[k]
	return ok
}

// Reconcile prepares incoming records for persistence. The result is in
// ascending time order, holds each (sensor, timestamp) once, skips records
// not newer than last when last is given, and has the offsets applied.
func Reconcile(last *types.SensorRecord, incoming []types.SensorRecord, settings *types.SensorSettings) []types.SensorRecord {
	if len(incoming) == 0 {
		return nil
	}
	sorted := make([]types.SensorRecord, len(incoming))
	copy(sorted, incoming)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	seen := make(KeySet, len(sorted))
	out := make([]types.SensorRecord, 0, len(sorted))
	for _, r := range sorted {
		if last != nil && !r.Timestamp.After(last.Timestamp) {
			continue
		}
		if !seen.Add(r.Key()) {
			continue
		}
		out = append(out, ApplyOffsets(r, settings))
	}
	return out
}
