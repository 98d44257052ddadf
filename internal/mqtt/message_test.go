package mqtt

import (
	"errors"
	"testing"
	"time"

	"beaconsync/internal/config"
	"beaconsync/internal/errs"
)

const advertisement = "0201061BFF99040512FC5394C37C0004FFFC040CAC364200CDCBB8334C884F"

func TestParseGatewayMessage(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		topic   string
		payload string
		wantErr bool
		wantTS  time.Time
	}{
		{
			name:    "string timestamps",
			topic:   "ruuvi/C8:25:2D:8E:9C:2C/CB:B8:33:4C:88:4F",
			payload: `{"gw_mac":"C8:25:2D:8E:9C:2C","rssi":-62,"aoa":[],"gwts":"1700000000","ts":"1700000001","data":"` + advertisement + `","coords":""}`,
			wantTS:  time.Unix(1700000001, 0).UTC(),
		},
		{
			name:    "numeric timestamps",
			topic:   "ruuvi/C8:25:2D:8E:9C:2C/CB:B8:33:4C:88:4F",
			payload: `{"rssi":-62,"gwts":1700000000,"data":"` + advertisement + `"}`,
			wantTS:  time.Unix(1700000000, 0).UTC(),
		},
		{
			name:    "no timestamp",
			topic:   "ruuvi/C8:25:2D:8E:9C:2C/cbb8334c884f",
			payload: `{"rssi":-62,"data":"` + advertisement + `"}`,
			wantTS:  now,
		},
		{name: "status topic", topic: "ruuvi/C8:25:2D:8E:9C:2C/gw_status", payload: `{"state":"online"}`, wantErr: true},
		{name: "short topic", topic: "ruuvi/C8:25:2D:8E:9C:2C", payload: `{}`, wantErr: true},
		{name: "bad json", topic: "ruuvi/gw/tag", payload: `{`, wantErr: true},
		{name: "missing data", topic: "ruuvi/gw/tag", payload: `{"rssi":-1}`, wantErr: true},
		{name: "bad hex", topic: "ruuvi/gw/tag", payload: `{"data":"zz"}`, wantErr: true},
		{name: "bad timestamp", topic: "ruuvi/gw/tag", payload: `{"ts":"soon","data":"00"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseGatewayMessage(tt.topic, []byte(tt.payload), now)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", msg)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseGatewayMessage: %v", err)
			}
			if msg.Address != "CB:B8:33:4C:88:4F" || msg.Gateway != "C8:25:2D:8E:9C:2C" || msg.RSSI != -62 {
				t.Errorf("msg = %+v", msg)
			}
			if !msg.Timestamp.Equal(tt.wantTS) {
				t.Errorf("timestamp = %v, want %v", msg.Timestamp, tt.wantTS)
			}
			if len(msg.Data) != 31 {
				t.Errorf("data length = %d", len(msg.Data))
			}
		})
	}
}

func TestParseGatewayMessage_decodeCategory(t *testing.T) {
	_, err := ParseGatewayMessage("ruuvi/gw/tag", []byte(`{"data":"zz"}`), time.Now())
	if !errors.Is(err, errs.ErrDecodeFailure) {
		t.Errorf("err = %v, want ErrDecodeFailure", err)
	}
}

func TestSubscriber_handleMessage(t *testing.T) {
	s, err := NewSubscriber(config.MQTT{Broker: "localhost", Port: 1883, ClientID: "test", Topic: "ruuvi/#"}, nil)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	var got []GatewayMessage
	s.SetMessageHandler(func(m GatewayMessage) error {
		got = append(got, m)
		return errors.New("ignored")
	})

	s.handleMessage("ruuvi/gw/CB:B8:33:4C:88:4F", []byte(`{"data":"`+advertisement+`"}`))
	s.handleMessage("ruuvi/gw/gw_status", []byte(`{}`))
	if len(got) != 1 || got[0].Address != "CB:B8:33:4C:88:4F" {
		t.Errorf("handled = %+v", got)
	}
	if s.IsConnected() {
		t.Error("unconnected subscriber reports connected")
	}
	s.Disconnect()
	s.Disconnect()
}

func TestNewSubscriber_requiresBroker(t *testing.T) {
	if _, err := NewSubscriber(config.MQTT{}, nil); err == nil {
		t.Fatal("expected error")
	}
}
