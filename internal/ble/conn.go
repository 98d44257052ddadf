package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"beaconsync/internal/errs"
)

var (
	nusService = mustUUID("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	nusRX      = mustUUID("6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
	nusTX      = mustUUID("6E400003-B5A3-F393-E0A9-E50E24DCCA9E")
)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ErrUnknownDevice is returned when connecting to an address the scanner
// has not observed.
var ErrUnknownDevice = errors.New("ble: device not seen by scanner")

const logIdleTimeout = 15 * time.Second

// Connection is a GATT connection to one device over the Nordic UART
// service. Notifications outside a log download are heartbeats: the same
// payload the device advertises.
type Connection struct {
	address string
	device  bluetooth.Device
	rx      bluetooth.DeviceCharacteristic
	logger  *slog.Logger

	onHeartbeat func(Observation)

	mu   sync.Mutex
	logs chan []byte
}

// Connect opens a connection to a device the scanner has observed.
func (s *Scanner) Connect(ctx context.Context, address string, onHeartbeat func(Observation)) (*Connection, error) {
	if err := s.enable(); err != nil {
		return nil, err
	}
	addr, ok := s.lookup(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	device, err := s.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, errs.Transport("ble connect "+address, err)
	}
	c := &Connection{
		address:     NormalizeAddress(address),
		device:      device,
		logger:      s.logger.With("addr", address),
		onHeartbeat: onHeartbeat,
	}
	if err := c.setup(); err != nil {
		_ = device.Disconnect()
		return nil, err
	}
	c.logger.Info("ble: connected")
	return c, nil
}

func (c *Connection) setup() error {
	services, err := c.device.DiscoverServices([]bluetooth.UUID{nusService})
	if err != nil || len(services) == 0 {
		return errs.Transport("ble discover services", fmt.Errorf("nordic uart service not found: %v", err))
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{nusRX, nusTX})
	if err != nil {
		return errs.Transport("ble discover characteristics", err)
	}
	var tx bluetooth.DeviceCharacteristic
	var haveRX, haveTX bool
	for _, ch := range chars {
		switch ch.UUID() {
		case nusRX:
			c.rx, haveRX = ch, true
		case nusTX:
			tx, haveTX = ch, true
		}
	}
	if !haveRX || !haveTX {
		return errs.Transport("ble discover characteristics", errors.New("nordic uart rx/tx missing"))
	}
	if err := tx.EnableNotifications(c.notify); err != nil {
		return errs.Transport("ble enable notifications", err)
	}
	return nil
}

func (c *Connection) notify(buf []byte) {
	b := append([]byte(nil), buf...)

	c.mu.Lock()
	logs := c.logs
	c.mu.Unlock()
	if logs != nil {
		select {
		case logs <- b:
		default:
			c.logger.Warn("ble: log frame dropped, reader is behind")
		}
		return
	}
	if c.onHeartbeat != nil {
		c.onHeartbeat(Observation{Address: c.address, CompanyID: RuuviCompanyID, Data: b, SeenAt: time.Now()})
	}
}

// ReadLogs downloads the values the device logged since since. It fails if
// the device stays silent for too long before the end marker.
func (c *Connection) ReadLogs(ctx context.Context, since time.Time) ([]TimedReading, error) {
	frames := make(chan []byte, 256)
	c.mu.Lock()
	if c.logs != nil {
		c.mu.Unlock()
		return nil, errors.New("ble: log download already in progress")
	}
	c.logs = frames
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.logs = nil
		c.mu.Unlock()
	}()

	if _, err := c.rx.WriteWithoutResponse(LogRequest(time.Now(), since)); err != nil {
		return nil, errs.Transport("ble log request", err)
	}

	collector := NewLogCollector()
	idle := time.NewTimer(logIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-idle.C:
			return nil, errs.Transport("ble log read", fmt.Errorf("no data for %s", logIdleTimeout))
		case frame := <-frames:
			done, err := collector.Add(frame)
			if err != nil {
				c.logger.Debug("ble: skip log frame", "error", err)
			}
			if done {
				readings := collector.Readings()
				c.logger.Info("ble: logs downloaded", "count", len(readings), "since", since)
				return readings, nil
			}
			idle.Reset(logIdleTimeout)
		}
	}
}

func (c *Connection) Address() string { return c.address }

func (c *Connection) Close() error {
	if err := c.device.Disconnect(); err != nil {
		return errs.Transport("ble disconnect", err)
	}
	return nil
}
