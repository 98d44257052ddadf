package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"beaconsync/internal/cloud"
	"beaconsync/internal/config"
	"beaconsync/internal/errs"
	"beaconsync/internal/types"
)

// CloudAPI is the part of the cloud client a sync uses.
type CloudAPI interface {
	Authorized() bool
	LoadSensors(ctx context.Context) ([]cloud.CloudSensor, error)
	FetchHistory(ctx context.Context, remoteID string, since, until time.Time) ([]types.SensorRecord, error)
}

type CloudStore interface {
	Store
	UpsertCloudSensor(ctx context.Context, sensor types.Sensor) (types.Sensor, error)
	UpsertSensorSettings(ctx context.Context, settings types.SensorSettings) error
}

// SyncMarker records when a sync completed. *session.Session is one.
type SyncMarker interface {
	MarkSynced(at time.Time) error
}

// SyncResult summarizes one cloud sync.
type SyncResult struct {
	Sensors int `json:"sensors"`
	Records int `json:"records"`
}

// CloudSync mirrors the account's sensors, their offsets and their history
// into the store.
type CloudSync struct {
	store  CloudStore
	api    CloudAPI
	marker SyncMarker
	cfg    config.Cloud
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

func NewCloudSync(store CloudStore, api CloudAPI, marker SyncMarker, cfg config.Cloud, logger *slog.Logger) *CloudSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudSync{
		store:  store,
		api:    api,
		marker: marker,
		cfg:    cfg,
		logger: logger.With("component", "cloudsync"),
		now:    time.Now,
	}
}

// Sync runs one full sync. Calls are serialized. A failing sensor does not
// stop the others; their errors are joined.
func (c *CloudSync) Sync(ctx context.Context) (SyncResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.api.Authorized() {
		return SyncResult{}, errs.ErrNotAuthorized
	}
	started := c.now()
	listed, err := c.api.LoadSensors(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load cloud sensors: %w", err)
	}

	var (
		res     SyncResult
		sensorE []error
	)
	for _, cs := range listed {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := c.syncSensor(ctx, cs)
		if err != nil {
			c.logger.Warn("sensor sync failed", "sensor_id", cs.RemoteID, "error", err)
			sensorE = append(sensorE, fmt.Errorf("sync %q: %w", cs.RemoteID, err))
			continue
		}
		res.Sensors++
		res.Records += n
	}
	if err := errors.Join(sensorE...); err != nil {
		return res, err
	}
	if c.marker != nil {
		if err := c.marker.MarkSynced(started); err != nil {
			c.logger.Warn("mark synced failed", "error", err)
		}
	}
	c.logger.Info("cloud sync done", "sensors", res.Sensors, "count", res.Records, "duration", c.now().Sub(started))
	return res, nil
}

func (c *CloudSync) syncSensor(ctx context.Context, cs cloud.CloudSensor) (int, error) {
	sensor, err := c.store.UpsertCloudSensor(ctx, cs.Sensor)
	if err != nil {
		return 0, err
	}
	if err := c.syncOffsets(ctx, sensor, cs); err != nil {
		return 0, err
	}

	since := c.now().Add(-c.cfg.HistoryWindow)
	last, ok, err := c.store.ReadLast(ctx, sensor.ID)
	if err != nil {
		return 0, err
	}
	if ok && last.Timestamp.After(since) {
		since = last.Timestamp
	}
	records, err := c.api.FetchHistory(ctx, sensor.RemoteID, since, time.Time{})
	if err != nil {
		return 0, err
	}
	return persist(ctx, c.store, sensor, records, true)
}

// syncOffsets adopts the offsets the cloud lists for the sensor. Channels
// the cloud leaves out keep their local offset.
func (c *CloudSync) syncOffsets(ctx context.Context, sensor types.Sensor, cs cloud.CloudSensor) error {
	if cs.TemperatureOffset == nil && cs.HumidityOffset == nil && cs.PressureOffset == nil {
		return nil
	}
	next, err := types.SettingsFor(sensor)
	if err != nil {
		return err
	}
	current, ok, err := c.store.ReadSensorSettings(ctx, sensor.ID)
	if err != nil {
		return err
	}
	if ok {
		current.LocalID, current.RemoteID = next.LocalID, next.RemoteID
		next = current
	}

	at := c.now().UTC()
	changed := false
	listed := cs.Settings()
	for _, ch := range types.Channels {
		v, _ := listed.Offset(ch)
		if v == nil {
			continue
		}
		if cur, _ := next.Offset(ch); cur != nil && sameOffset(*cur, *v) {
			continue
		}
		// A zero offset from the cloud means uncalibrated.
		if *v == 0 {
			if cur, _ := next.Offset(ch); cur != nil {
				next, changed = next.WithOffset(ch, nil, nil), true
			}
			continue
		}
		val := *v
		next, changed = next.WithOffset(ch, &val, &at), true
	}
	if !changed {
		return nil
	}
	return c.store.UpsertSensorSettings(ctx, next)
}

// offsetTolerance absorbs the error of the cloud unit round trip.
const offsetTolerance = 1e-9

func sameOffset(a, b float64) bool { return math.Abs(a-b) < offsetTolerance }

// Run syncs every interval while the session is authorized.
func (c *CloudSync) Run(ctx context.Context) error {
	if c.cfg.SyncInterval <= 0 {
		return nil
	}
	every(ctx, c.cfg.SyncInterval, func(ctx context.Context) {
		if !c.api.Authorized() {
			return
		}
		if _, err := c.Sync(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("cloud sync failed", "error", err)
		}
	})
	return nil
}
