package persistence

import (
	"fmt"
	"time"

	"beaconsync/internal/types"
)

// tsLayout is fixed width so that TEXT ordering equals time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

var (
	minTS = formatTS(time.Time{})
	maxTS = "9999-12-31T23:59:59.999999999Z"
)

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type sensorRow struct {
	ID        string  `db:"id"`
	LocalID   *string `db:"local_id"`
	RemoteID  *string `db:"remote_id"`
	Name      string  `db:"name"`
	IsOwner   bool    `db:"is_owner"`
	IsClaimed bool    `db:"is_claimed"`
	Owner     *string `db:"owner"`
	CreatedAt string  `db:"created_at"`
}

func toSensorRow(s types.Sensor) sensorRow {
	return sensorRow{
		ID:        s.ID,
		LocalID:   nullable(s.LocalID),
		RemoteID:  nullable(s.RemoteID),
		Name:      s.Name,
		IsOwner:   s.IsOwner,
		IsClaimed: s.IsClaimed,
		Owner:     nullable(s.Owner),
	}
}

func (r sensorRow) sensor() types.Sensor {
	created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	return types.Sensor{
		ID:        r.ID,
		LocalID:   deref(r.LocalID),
		RemoteID:  deref(r.RemoteID),
		Name:      r.Name,
		IsOwner:   r.IsOwner,
		IsClaimed: r.IsClaimed,
		Owner:     deref(r.Owner),
		CreatedAt: created,
	}
}

type recordRow struct {
	SensorID          string   `db:"sensor_id"`
	TS                string   `db:"ts"`
	LocalID           *string  `db:"local_id"`
	RemoteID          *string  `db:"remote_id"`
	Source            int      `db:"source"`
	RSSI              *int     `db:"rssi"`
	Temperature       *float64 `db:"temperature"`
	Humidity          *float64 `db:"humidity"`
	Pressure          *float64 `db:"pressure"`
	AccelX            *float64 `db:"accel_x"`
	AccelY            *float64 `db:"accel_y"`
	AccelZ            *float64 `db:"accel_z"`
	Voltage           *float64 `db:"voltage"`
	MovementCounter   *int     `db:"movement_counter"`
	SequenceNumber    *int     `db:"sequence_number"`
	TxPower           *int     `db:"tx_power"`
	TemperatureOffset float64  `db:"temperature_offset"`
	HumidityOffset    float64  `db:"humidity_offset"`
	PressureOffset    float64  `db:"pressure_offset"`
}

func toRecordRow(sensorID string, r types.SensorRecord) recordRow {
	row := recordRow{
		SensorID:          sensorID,
		TS:                formatTS(r.Timestamp),
		LocalID:           nullable(r.LocalID),
		RemoteID:          nullable(r.RemoteID),
		Source:            int(r.Source),
		RSSI:              r.RSSI,
		Temperature:       r.Temperature,
		Humidity:          r.Humidity,
		Pressure:          r.Pressure,
		Voltage:           r.Voltage,
		MovementCounter:   r.MovementCounter,
		SequenceNumber:    r.SequenceNumber,
		TxPower:           r.TxPower,
		TemperatureOffset: r.TemperatureOffset,
		HumidityOffset:    r.HumidityOffset,
		PressureOffset:    r.PressureOffset,
	}
	if a := r.Acceleration; a != nil {
		row.AccelX, row.AccelY, row.AccelZ = &a.X, &a.Y, &a.Z
	}
	return row
}

func (r recordRow) record() (types.SensorRecord, error) {
	ts, err := parseTS(r.TS)
	if err != nil {
		return types.SensorRecord{}, fmt.Errorf("parse ts %q: %w", r.TS, err)
	}
	out := types.SensorRecord{
		LocalID:  deref(r.LocalID),
		RemoteID: deref(r.RemoteID),
		Measurement: types.Measurement{
			Timestamp:       ts,
			Source:          types.Source(r.Source),
			RSSI:            r.RSSI,
			Temperature:     r.Temperature,
			Humidity:        r.Humidity,
			Pressure:        r.Pressure,
			Voltage:         r.Voltage,
			MovementCounter: r.MovementCounter,
			SequenceNumber:  r.SequenceNumber,
			TxPower:         r.TxPower,
		},
		TemperatureOffset: r.TemperatureOffset,
		HumidityOffset:    r.HumidityOffset,
		PressureOffset:    r.PressureOffset,
	}
	if r.AccelX != nil && r.AccelY != nil && r.AccelZ != nil {
		out.Acceleration = &types.Acceleration{X: *r.AccelX, Y: *r.AccelY, Z: *r.AccelZ}
	}
	return out, nil
}

type settingsRow struct {
	SensorID              string   `db:"sensor_id"`
	LocalID               *string  `db:"local_id"`
	RemoteID              *string  `db:"remote_id"`
	TemperatureOffset     *float64 `db:"temperature_offset"`
	TemperatureOffsetDate *string  `db:"temperature_offset_date"`
	HumidityOffset        *float64 `db:"humidity_offset"`
	HumidityOffsetDate    *string  `db:"humidity_offset_date"`
	PressureOffset        *float64 `db:"pressure_offset"`
	PressureOffsetDate    *string  `db:"pressure_offset_date"`
}

func toSettingsRow(sensorID string, s types.SensorSettings) settingsRow {
	return settingsRow{
		SensorID:              sensorID,
		LocalID:               nullable(s.LocalID),
		RemoteID:              nullable(s.RemoteID),
		TemperatureOffset:     s.TemperatureOffset,
		TemperatureOffsetDate: formatDate(s.TemperatureOffsetDate),
		HumidityOffset:        s.HumidityOffset,
		HumidityOffsetDate:    formatDate(s.HumidityOffsetDate),
		PressureOffset:        s.PressureOffset,
		PressureOffsetDate:    formatDate(s.PressureOffsetDate),
	}
}

func (r settingsRow) settings() (types.SensorSettings, error) {
	out := types.SensorSettings{
		LocalID:           deref(r.LocalID),
		RemoteID:          deref(r.RemoteID),
		TemperatureOffset: r.TemperatureOffset,
		HumidityOffset:    r.HumidityOffset,
		PressureOffset:    r.PressureOffset,
	}
	var err error
	if out.TemperatureOffsetDate, err = parseDate(r.TemperatureOffsetDate); err != nil {
		return out, err
	}
	if out.HumidityOffsetDate, err = parseDate(r.HumidityOffsetDate); err != nil {
		return out, err
	}
	if out.PressureOffsetDate, err = parseDate(r.PressureOffsetDate); err != nil {
		return out, err
	}
	return out, nil
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTS(*t)
	return &s
}

func parseDate(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTS(*s)
	if err != nil {
		return nil, fmt.Errorf("parse offset date %q: %w", *s, err)
	}
	return &t, nil
}
