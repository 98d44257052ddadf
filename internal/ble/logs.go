package ble

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"beaconsync/internal/errs"
	"beaconsync/internal/types"
)

// Log download over the Nordic UART service. The host writes a read request
// and the device answers with one 11-byte frame per stored value, ending
// with an all-ones frame.
const (
	logEndpointTemperature = 0x30
	logEndpointHumidity    = 0x31
	logEndpointPressure    = 0x32
	logEndpointAll         = 0x3A

	logTypeValue = 0x10
	logTypeRead  = 0x11

	logFrameLen = 11
)

// LogRequest builds the command asking for every value logged since since.
func LogRequest(now, since time.Time) []byte {
	b := make([]byte, logFrameLen)
	b[0], b[1], b[2] = logEndpointAll, logEndpointAll, logTypeRead
	binary.BigEndian.PutUint32(b[3:7], uint32(now.Unix()))
	binary.BigEndian.PutUint32(b[7:11], uint32(since.Unix()))
	return b
}

// LogValue is one decoded log frame. Humidity is in %RH and pressure in Pa.
type LogValue struct {
	Channel   types.Channel
	Timestamp time.Time
	Value     float64
	End       bool
}

func ParseLogFrame(b []byte) (LogValue, error) {
	if len(b) != logFrameLen {
		return LogValue{}, errs.Decode("log frame", fmt.Errorf("length %d", len(b)))
	}
	if b[0] != logEndpointAll || b[2] != logTypeValue {
		return LogValue{}, errs.Decode("log frame", fmt.Errorf("unexpected header % X", b[:3]))
	}
	if b[1] == logEndpointAll && allFF(b[3:]) {
		return LogValue{End: true}, nil
	}

	ts := time.Unix(int64(binary.BigEndian.Uint32(b[3:7])), 0).UTC()
	raw := int32(binary.BigEndian.Uint32(b[7:11]))
	v := LogValue{Timestamp: ts}
	switch b[1] {
	case logEndpointTemperature:
		v.Channel, v.Value = types.ChannelTemperature, float64(raw)/100
	case logEndpointHumidity:
		v.Channel, v.Value = types.ChannelHumidity, float64(raw)/100
	case logEndpointPressure:
		v.Channel, v.Value = types.ChannelPressure, float64(raw)
	default:
		return LogValue{}, errs.Decode("log frame", fmt.Errorf("unknown endpoint 0x%02X", b[1]))
	}
	return v, nil
}

// TimedReading is a reading with the time the device logged it.
type TimedReading struct {
	At time.Time
	types.Reading
}

// LogCollector groups log frames by timestamp into readings.
type LogCollector struct {
	byTime map[time.Time]*types.Reading
	done   bool
}

func NewLogCollector() *LogCollector {
	return &LogCollector{byTime: make(map[time.Time]*types.Reading)}
}

// Add consumes one frame and reports whether the end marker was seen.
func (c *LogCollector) Add(frame []byte) (bool, error) {
	v, err := ParseLogFrame(frame)
	if err != nil {
		return c.done, err
	}
	if v.End {
		c.done = true
		return true, nil
	}
	r, ok := c.byTime[v.Timestamp]
	if !ok {
		r = &types.Reading{}
		c.byTime[v.Timestamp] = r
	}
	val := v.Value
	switch v.Channel {
	case types.ChannelTemperature:
		r.Temperature = &val
	case types.ChannelHumidity:
		r.Humidity = &val
	case types.ChannelPressure:
		r.Pressure = &val
	}
	return false, nil
}

func (c *LogCollector) Done() bool { return c.done }

// Readings returns the collected readings in ascending time order.
func (c *LogCollector) Readings() []TimedReading {
	out := make([]TimedReading, 0, len(c.byTime))
	for at, r := range c.byTime {
		out = append(out, TimedReading{At: at, Reading: *r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
