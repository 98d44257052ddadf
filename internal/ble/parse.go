package ble

import (
	"encoding/binary"
	"fmt"
	"strings"

	"beaconsync/internal/errs"
	"beaconsync/internal/types"
)

// RuuviCompanyID is the Bluetooth SIG company identifier in Ruuvi
// manufacturer data.
const RuuviCompanyID uint16 = 0x0499

const (
	adTypeManufacturerData = 0xFF

	formatRAWv1    = 3
	formatRAWv2    = 5
	rawV1Len       = 14
	rawV2Len       = 24
	rawV2Unknown16 = 0x8000
)

// ManufacturerData returns the payload following the company id of the
// first manufacturer-specific AD structure for company.
func ManufacturerData(raw []byte, company uint16) ([]byte, bool) {
	for i := 0; i < len(raw); {
		n := int(raw[i])
		if n == 0 || i+1+n > len(raw) {
			return nil, false
		}
		field := raw[i+1 : i+1+n]
		if field[0] == adTypeManufacturerData && len(field) >= 3 &&
			binary.LittleEndian.Uint16(field[1:3]) == company {
			return field[3:], true
		}
		i += 1 + n
	}
	return nil, false
}

// DecodeManufacturerData decodes a Ruuvi payload (without the company id).
// Channels the device reports as unavailable are left nil.
func DecodeManufacturerData(data []byte) (types.Reading, error) {
	if len(data) == 0 {
		return types.Reading{}, errs.Decode("manufacturer data", fmt.Errorf("empty payload"))
	}
	switch data[0] {
	case formatRAWv2:
		return decodeRAWv2(data)
	case formatRAWv1:
		return decodeRAWv1(data)
	}
	return types.Reading{}, errs.Decode("manufacturer data", fmt.Errorf("unsupported data format %d", data[0]))
}

func decodeRAWv2(b []byte) (types.Reading, error) {
	if len(b) < rawV2Len {
		return types.Reading{}, errs.Decode("RAWv2", fmt.Errorf("payload too short: %d", len(b)))
	}
	be := binary.BigEndian
	r := types.Reading{DataFormat: formatRAWv2}

	if v := be.Uint16(b[1:3]); v != rawV2Unknown16 {
		t := float64(int16(v)) * 0.005
		r.Temperature = &t
	}
	if v := be.Uint16(b[3:5]); v != 0xFFFF {
		h := float64(v) * 0.0025
		r.Humidity = &h
	}
	if v := be.Uint16(b[5:7]); v != 0xFFFF {
		p := float64(v) + 50000
		r.Pressure = &p
	}
	x, y, z := be.Uint16(b[7:9]), be.Uint16(b[9:11]), be.Uint16(b[11:13])
	if x != rawV2Unknown16 && y != rawV2Unknown16 && z != rawV2Unknown16 {
		r.Acceleration = &types.Acceleration{
			X: float64(int16(x)) / 1000,
			Y: float64(int16(y)) / 1000,
			Z: float64(int16(z)) / 1000,
		}
	}

	power := be.Uint16(b[13:15])
	if battery := power >> 5; battery != 0x7FF {
		v := float64(battery+1600) / 1000
		r.Voltage = &v
	}
	if tx := power & 0x1F; tx != 0x1F {
		dbm := -40 + 2*int(tx)
		r.TxPower = &dbm
	}
	if v := b[15]; v != 0xFF {
		m := int(v)
		r.MovementCounter = &m
	}
	if v := be.Uint16(b[16:18]); v != 0xFFFF {
		s := int(v)
		r.SequenceNumber = &s
	}
	if mac := b[18:24]; !allFF(mac) {
		r.MAC = formatMAC(mac)
	}
	return r, nil
}

func decodeRAWv1(b []byte) (types.Reading, error) {
	if len(b) < rawV1Len {
		return types.Reading{}, errs.Decode("RAWv1", fmt.Errorf("payload too short: %d", len(b)))
	}
	be := binary.BigEndian

	h := float64(b[1]) * 0.5
	t := float64(b[2]&0x7F) + float64(b[3])/100
	if b[2]&0x80 != 0 {
		t = -t
	}
	p := float64(be.Uint16(b[4:6])) + 50000
	v := float64(be.Uint16(b[12:14])) / 1000

	return types.Reading{
		DataFormat:  formatRAWv1,
		Temperature: &t,
		Humidity:    &h,
		Pressure:    &p,
		Acceleration: &types.Acceleration{
			X: float64(int16(be.Uint16(b[6:8]))) / 1000,
			Y: float64(int16(be.Uint16(b[8:10]))) / 1000,
			Z: float64(int16(be.Uint16(b[10:12]))) / 1000,
		},
		Voltage: &v,
	}, nil
}

func allFF(b []byte) bool {
	for _, x := range b {
		if x != 0xFF {
			return false
		}
	}
	return true
}

func formatMAC(b []byte) string {
	parts := make([]string, len(b))
	for i, x := range b {
		parts[i] = fmt.Sprintf("%02X", x)
	}
	return strings.Join(parts, ":")
}

// NormalizeAddress upper-cases a MAC address and adds colons when missing.
func NormalizeAddress(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) == 12 && !strings.Contains(s, ":") {
		parts := make([]string, 0, 6)
		for i := 0; i < 12; i += 2 {
			parts = append(parts, s[i:i+2])
		}
		return strings.Join(parts, ":")
	}
	return s
}

// DecodeStored decodes a payload as the cloud stores it: a full
// advertisement, or the bare manufacturer data when there is no AD framing.
func DecodeStored(raw []byte) (types.Reading, error) {
	if data, ok := ManufacturerData(raw, RuuviCompanyID); ok {
		return DecodeManufacturerData(data)
	}
	return DecodeManufacturerData(raw)
}
