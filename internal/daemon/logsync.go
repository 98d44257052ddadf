package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"beaconsync/internal/ble"
	"beaconsync/internal/merge"
	"beaconsync/internal/types"
)

// DefaultLogWindow is how far back a first log download reaches. Devices
// keep about ten days of history.
const DefaultLogWindow = 10 * 24 * time.Hour

// LogReader downloads the history a device logged. *ble.Connection is one.
type LogReader interface {
	Address() string
	ReadLogs(ctx context.Context, since time.Time) ([]ble.TimedReading, error)
}

// LogSync stores device logs and remembers per sensor when it last did.
type LogSync struct {
	store  Store
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastSync map[string]time.Time
}

func NewLogSync(store Store, window time.Duration, logger *slog.Logger) *LogSync {
	if window <= 0 {
		window = DefaultLogWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSync{
		store:    store,
		window:   window,
		logger:   logger.With("component", "logsync"),
		now:      time.Now,
		lastSync: make(map[string]time.Time),
	}
}

// Sync downloads the logs of the device since the last sync, or the window
// on the first one, and stores them. Returns the number of new records.
func (l *LogSync) Sync(ctx context.Context, r LogReader) (int, error) {
	address := ble.NormalizeAddress(r.Address())
	sensor, err := ensureSensor(ctx, l.store, address)
	if err != nil {
		return 0, err
	}

	started := l.now()
	since := l.since(address, started)
	readings, err := r.ReadLogs(ctx, since)
	if err != nil {
		return 0, err
	}

	records := make([]types.SensorRecord, 0, len(readings))
	for _, tr := range readings {
		if tr.At.Before(since) {
			continue
		}
		rec, err := merge.LocalRecord(address, tr.At, types.SourceLog, nil, tr.Reading)
		if err != nil {
			l.logger.Debug("skip log reading", "sensor_id", sensor.ID, "error", err)
			continue
		}
		records = append(records, rec)
	}

	// Logs fill gaps behind the latest stored reading, so no watermark.
	n, err := persist(ctx, l.store, sensor, records, false)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	l.lastSync[address] = started
	l.mu.Unlock()
	l.logger.Info("logs synced", "sensor_id", sensor.ID, "since", since, "downloaded", len(readings), "count", n)
	return n, nil
}

// LastSync returns when the logs of the device were last stored.
func (l *LogSync) LastSync(address string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.lastSync[ble.NormalizeAddress(address)]
	return t, ok
}

func (l *LogSync) since(address string, now time.Time) time.Time {
	floor := now.Add(-l.window)
	if t, ok := l.LastSync(address); ok && t.After(floor) {
		return t
	}
	return floor
}

// DeviceConn is an open connection to a device. *ble.Connection is one.
type DeviceConn interface {
	LogReader
	Close() error
}

// Dialer connects to the device at address.
type Dialer func(ctx context.Context, address string) (DeviceConn, error)

// DeviceLogs runs log syncs over connections it opens itself.
type DeviceLogs struct {
	sync *LogSync
	dial Dialer
}

func NewDeviceLogs(sync *LogSync, dial Dialer) *DeviceLogs {
	return &DeviceLogs{sync: sync, dial: dial}
}

// SyncDevice connects to the device, stores its logs and disconnects.
func (d *DeviceLogs) SyncDevice(ctx context.Context, address string) (int, error) {
	conn, err := d.dial(ctx, ble.NormalizeAddress(address))
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			d.sync.logger.Debug("close device connection", "address", address, "error", err)
		}
	}()
	return d.sync.Sync(ctx, conn)
}
