package types

import (
	"fmt"
	"strings"
)

// Channel is a calibratable measurement channel.
type Channel string

const (
	ChannelTemperature Channel = "temperature"
	ChannelHumidity    Channel = "humidity"
	ChannelPressure    Channel = "pressure"
)

var Channels = []Channel{ChannelTemperature, ChannelHumidity, ChannelPressure}

func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelTemperature:
		return ChannelTemperature, nil
	case ChannelHumidity:
		return ChannelHumidity, nil
	case ChannelPressure:
		return ChannelPressure, nil
	default:
		return "", fmt.Errorf("invalid channel %q (allowed: temperature, humidity, pressure)", s)
	}
}
