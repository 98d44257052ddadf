package reactor

import (
	"time"

	"beaconsync/internal/persistence"
	"beaconsync/internal/types"
)

type Kind string

const (
	KindSensors  Kind = "sensors"
	KindHistory  Kind = "history"
	KindSettings Kind = "settings"
)

type EventType string

const (
	EventInitial EventType = "initial"
	EventInsert  EventType = "insert"
	EventUpdate  EventType = "update"
	EventDelete  EventType = "delete"
)

// Event is one notification. Initial carries the snapshot: Sensors for a
// sensor-set subscription, Records for history, Settings (nil when none) for
// settings. A history Delete removes every record older than Before, or all
// of them when Before is zero.
type Event struct {
	Type     EventType             `json:"type"`
	Seq      uint64                `json:"seq"`
	SensorID string                `json:"sensor_id,omitempty"`
	Sensors  []types.Sensor        `json:"sensors,omitempty"`
	Sensor   *types.Sensor         `json:"sensor,omitempty"`
	Records  []types.SensorRecord  `json:"records,omitempty"`
	Settings *types.SensorSettings `json:"settings,omitempty"`
	Before   *time.Time            `json:"before,omitempty"`
}

// Handler receives events for one subscription, one at a time and in order.
type Handler func(Event)

type filter struct {
	kind     Kind
	sensorID string
	since    time.Time
}

func eventType(k persistence.ChangeKind) EventType {
	switch k {
	case persistence.ChangeInsert:
		return EventInsert
	case persistence.ChangeUpdate:
		return EventUpdate
	}
	return EventDelete
}

// events maps one commit to the events this filter delivers. Record inserts
// of the same commit are grouped into a single event.
func (f filter) events(changes []persistence.Change) []Event {
	var out []Event
	var inserted []types.SensorRecord
	flush := func() {
		if len(inserted) > 0 {
			out = append(out, Event{Type: EventInsert, SensorID: f.sensorID, Records: inserted})
			inserted = nil
		}
	}

	for _, c := range changes {
		switch f.kind {
		case KindSensors:
			if c.Entity == persistence.EntitySensor && c.Sensor != nil {
				s := *c.Sensor
				out = append(out, Event{Type: eventType(c.Kind), SensorID: c.SensorID, Sensor: &s})
			}

		case KindHistory:
			if c.SensorID != f.sensorID {
				continue
			}
			switch {
			case c.Entity == persistence.EntityRecord && c.Kind == persistence.ChangeInsert && c.Record != nil:
				if c.Record.Timestamp.Before(f.since) {
					continue
				}
				inserted = append(inserted, *c.Record)
			case c.Entity == persistence.EntityRecord && c.Kind == persistence.ChangeDelete:
				flush()
				ev := Event{Type: EventDelete, SensorID: f.sensorID}
				if !c.Before.IsZero() {
					before := c.Before
					ev.Before = &before
				}
				out = append(out, ev)
			case c.Entity == persistence.EntitySensor && c.Kind == persistence.ChangeDelete:
				flush()
				out = append(out, Event{Type: EventDelete, SensorID: f.sensorID})
			}

		case KindSettings:
			if c.SensorID != f.sensorID {
				continue
			}
			switch {
			case c.Entity == persistence.EntitySettings && c.Settings != nil:
				st := *c.Settings
				out = append(out, Event{Type: eventType(c.Kind), SensorID: f.sensorID, Settings: &st})
			case c.Entity == persistence.EntitySensor && c.Kind == persistence.ChangeDelete:
				out = append(out, Event{Type: EventDelete, SensorID: f.sensorID})
			}
		}
	}
	flush()
	return out
}
