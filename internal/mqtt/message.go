package mqtt

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"beaconsync/internal/ble"
	"beaconsync/internal/errs"
)

// GatewayMessage is one advertisement relayed by a gateway on
// ruuvi/<gateway mac>/<tag mac>. Data is the raw advertisement.
type GatewayMessage struct {
	Gateway   string
	Address   string
	RSSI      int
	Timestamp time.Time
	Data      []byte
}

type gatewayPayload struct {
	GatewayMAC string    `json:"gw_mac"`
	RSSI       *int      `json:"rssi"`
	GatewayTS  unixField `json:"gwts"`
	TS         unixField `json:"ts"`
	Data       string    `json:"data"`
}

// unixField accepts unix seconds as a JSON number or string; gateway
// firmware versions differ.
type unixField int64

func (u *unixField) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*u = 0
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("unix time %q: %w", b, err)
	}
	*u = unixField(v)
	return nil
}

// ParseGatewayMessage validates a gateway publication. The tag address
// comes from the topic; messages without a timestamp get now.
func ParseGatewayMessage(topic string, payload []byte, now time.Time) (GatewayMessage, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[2] == "" || parts[2] == "gw_status" {
		return GatewayMessage{}, fmt.Errorf("topic %q is not a tag topic", topic)
	}

	var p gatewayPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return GatewayMessage{}, errs.Decode("gateway payload", err)
	}
	if p.Data == "" {
		return GatewayMessage{}, errs.Decode("gateway payload", fmt.Errorf("data is required"))
	}
	data, err := hex.DecodeString(p.Data)
	if err != nil {
		return GatewayMessage{}, errs.Decode("gateway payload", fmt.Errorf("data: %w", err))
	}

	msg := GatewayMessage{
		Gateway:   ble.NormalizeAddress(firstNonEmpty(p.GatewayMAC, parts[1])),
		Address:   ble.NormalizeAddress(parts[2]),
		Timestamp: now.UTC(),
		Data:      data,
	}
	if p.RSSI != nil {
		msg.RSSI = *p.RSSI
	}
	switch {
	case p.TS > 0:
		msg.Timestamp = time.Unix(int64(p.TS), 0).UTC()
	case p.GatewayTS > 0:
		msg.Timestamp = time.Unix(int64(p.GatewayTS), 0).UTC()
	}
	return msg, nil
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}
