package daemon

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"beaconsync/internal/ble"
	"beaconsync/internal/cloud"
	"beaconsync/internal/config"
	"beaconsync/internal/errs"
	"beaconsync/internal/merge"
	"beaconsync/internal/migrate"
	"beaconsync/internal/mqtt"
	"beaconsync/internal/persistence"
	"beaconsync/internal/types"
)

const tag = "CB:B8:33:4C:88:4F"

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "daemon.db") + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Run(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := persistence.NewStore(db, nil)
	t.Cleanup(func() {
		_ = s.Close()
		_ = db.Close()
	})
	return s
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func ptr[T any](v T) *T { return &v }

// rawV2 is a RAWv2 payload reading 24.3 °C, 53.49 %RH with the given
// measurement sequence number.
func rawV2(t *testing.T, seq int) []byte {
	t.Helper()
	b, err := hex.DecodeString("0512FC5394C37C0004FFFC040CAC364200CDCBB8334C884F")
	if err != nil {
		t.Fatal(err)
	}
	b[16], b[17] = byte(seq>>8), byte(seq)
	return b
}

func readAll(t *testing.T, s *persistence.Store, id string) []types.SensorRecord {
	t.Helper()
	recs, err := s.ReadRange(context.Background(), id, time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ReadRange(%s): %v", id, err)
	}
	return recs
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestIngestor_observations(t *testing.T) {
	store := newTestStore(t)
	ing := NewIngestor(store, config.Ingest{AdvertisementSaveInterval: 5 * time.Minute, HeartbeatSaveInterval: time.Minute}, discard())
	ctx := context.Background()

	steps := []struct {
		name  string
		obs   ble.Observation
		src   types.Source
		total int
	}{
		{name: "first sighting", obs: ble.Observation{Address: "cbb8334c884f", RSSI: -60, Data: rawV2(t, 1), SeenAt: t0}, src: types.SourceAdvertisement, total: 1},
		{name: "repeated broadcast", obs: ble.Observation{Address: tag, Data: rawV2(t, 1), SeenAt: t0.Add(10 * time.Minute)}, src: types.SourceAdvertisement, total: 1},
		{name: "within save interval", obs: ble.Observation{Address: tag, Data: rawV2(t, 2), SeenAt: t0.Add(time.Minute)}, src: types.SourceAdvertisement, total: 1},
		{name: "heartbeat is throttled separately", obs: ble.Observation{Address: tag, Data: rawV2(t, 3), SeenAt: t0.Add(2 * time.Minute)}, src: types.SourceHeartbeat, total: 2},
		{name: "after save interval", obs: ble.Observation{Address: tag, Data: rawV2(t, 4), SeenAt: t0.Add(6 * time.Minute)}, src: types.SourceAdvertisement, total: 3},
		{name: "undecodable", obs: ble.Observation{Address: tag, Data: []byte{0x09, 0x01}, SeenAt: t0.Add(time.Hour)}, src: types.SourceAdvertisement, total: 3},
	}
	for _, st := range steps {
		if err := ing.HandleObservation(ctx, st.obs, st.src); err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}
		if got := len(readAll(t, store, tag)); got != st.total {
			t.Fatalf("%s: records = %d, want %d", st.name, got, st.total)
		}
	}

	sensor, err := store.ReadSensor(ctx, tag)
	if err != nil {
		t.Fatalf("ReadSensor: %v", err)
	}
	if sensor.LocalID != tag || sensor.Name != "Ruuvi 884F" {
		t.Errorf("sensor = %+v", sensor)
	}

	recs := readAll(t, store, tag)
	first := recs[0]
	if first.Humidity == nil || !approx(*first.Humidity, 0.5349) {
		t.Errorf("humidity = %v, want 0.5349", first.Humidity)
	}
	if first.Pressure == nil || !approx(*first.Pressure, 1000.44) {
		t.Errorf("pressure = %v, want 1000.44", first.Pressure)
	}
	if first.RSSI == nil || *first.RSSI != -60 {
		t.Errorf("rssi = %v, want -60", first.RSSI)
	}
	if recs[1].Source != types.SourceHeartbeat || recs[1].RSSI != nil {
		t.Errorf("heartbeat record = %+v", recs[1].Measurement)
	}
}

func TestIngestor_undecodableCreatesNothing(t *testing.T) {
	store := newTestStore(t)
	ing := NewIngestor(store, config.Ingest{}, discard())
	if err := ing.HandleObservation(context.Background(), ble.Observation{Address: tag, Data: []byte{0x05}}, types.SourceAdvertisement); err != nil {
		t.Fatalf("HandleObservation: %v", err)
	}
	if _, err := store.ReadSensor(context.Background(), tag); !errors.Is(err, errs.ErrSensorNotFound) {
		t.Fatalf("ReadSensor err = %v, want ErrSensorNotFound", err)
	}
}

func TestIngestor_deletedSensorStartsOver(t *testing.T) {
	store := newTestStore(t)
	ing := NewIngestor(store, config.Ingest{AdvertisementSaveInterval: 5 * time.Minute}, discard())
	store.AddListener(ing)
	ctx := context.Background()

	obs := ble.Observation{Address: tag, Data: rawV2(t, 7), SeenAt: t0}
	if err := ing.HandleObservation(ctx, obs, types.SourceAdvertisement); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := store.DeleteSensor(ctx, tag); err != nil {
		t.Fatalf("DeleteSensor: %v", err)
	}

	obs.SeenAt = t0.Add(time.Minute)
	if err := ing.HandleObservation(ctx, obs, types.SourceAdvertisement); err != nil {
		t.Fatalf("after delete: %v", err)
	}
	recs := readAll(t, store, tag)
	if len(recs) != 1 || !recs[0].Timestamp.Equal(obs.SeenAt) {
		t.Fatalf("records after rediscovery = %+v, want the new reading", recs)
	}

	obs.SeenAt = t0.Add(2 * time.Minute)
	if err := ing.HandleObservation(ctx, obs, types.SourceAdvertisement); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if got := len(readAll(t, store, tag)); got != 1 {
		t.Errorf("repeated broadcast stored again: %d records", got)
	}
}

func TestIngestor_gatewayWithOffsets(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sensor, _ := types.NewLocalSensor(tag, "Sauna")
	if err := store.CreateSensor(ctx, sensor); err != nil {
		t.Fatalf("CreateSensor: %v", err)
	}
	settings, _ := types.NewLocalSettings(tag)
	settings.TemperatureOffset = ptr(1.0)
	if err := store.UpsertSensorSettings(ctx, settings); err != nil {
		t.Fatalf("UpsertSensorSettings: %v", err)
	}

	adv := append([]byte{0x02, 0x01, 0x06, 0x1B, 0xFF, 0x99, 0x04}, rawV2(t, 7)...)
	ing := NewIngestor(store, config.Ingest{}, discard())
	msg := mqtt.GatewayMessage{Gateway: "AA:BB:CC:DD:EE:FF", Address: tag, RSSI: -71, Timestamp: t0, Data: adv}
	if err := ing.HandleGatewayMessage(ctx, msg); err != nil {
		t.Fatalf("HandleGatewayMessage: %v", err)
	}

	recs := readAll(t, store, tag)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	r := recs[0]
	if r.Temperature == nil || !approx(*r.Temperature, 25.3) || r.TemperatureOffset != 1 {
		t.Errorf("temperature = %v offset %v, want 25.3 with offset 1", r.Temperature, r.TemperatureOffset)
	}
	if r.RSSI == nil || *r.RSSI != -71 {
		t.Errorf("rssi = %v", r.RSSI)
	}
}

type fakeLogReader struct {
	address  string
	readings []ble.TimedReading
	since    []time.Time
	err      error
}

func (f *fakeLogReader) Address() string { return f.address }

func (f *fakeLogReader) ReadLogs(_ context.Context, since time.Time) ([]ble.TimedReading, error) {
	f.since = append(f.since, since)
	return f.readings, f.err
}

func logReading(at time.Time, temp float64) ble.TimedReading {
	return ble.TimedReading{At: at, Reading: types.Reading{Temperature: &temp, Humidity: ptr(40.0)}}
}

func TestLogSync(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := t0.Add(time.Hour)

	// A newer live reading must not hide older log entries.
	ing := NewIngestor(store, config.Ingest{}, discard())
	if err := ing.HandleObservation(ctx, ble.Observation{Address: tag, Data: rawV2(t, 1), SeenAt: t0.Add(30 * time.Minute)}, types.SourceAdvertisement); err != nil {
		t.Fatalf("HandleObservation: %v", err)
	}

	ls := NewLogSync(store, 24*time.Hour, discard())
	ls.now = func() time.Time { return now }
	reader := &fakeLogReader{address: tag, readings: []ble.TimedReading{
		logReading(t0.Add(-48*time.Hour), 10),
		logReading(t0, 20),
		logReading(t0.Add(10*time.Minute), 21),
	}}

	n, err := ls.Sync(ctx, reader)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 2 {
		t.Errorf("stored %d, want 2 (entry outside the window skipped)", n)
	}
	if got := readAll(t, store, tag); len(got) != 3 {
		t.Errorf("records = %d, want 3", len(got))
	}
	if !reader.since[0].Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("first since = %v, want window start", reader.since[0])
	}

	later := now.Add(time.Hour)
	ls.now = func() time.Time { return later }
	n, err = ls.Sync(ctx, reader)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if n != 0 {
		t.Errorf("second sync stored %d, want 0", n)
	}
	if !reader.since[1].Equal(now) {
		t.Errorf("second since = %v, want last sync %v", reader.since[1], now)
	}
	if last, ok := ls.LastSync(tag); !ok || !last.Equal(later) {
		t.Errorf("LastSync = %v %v", last, ok)
	}
}

func TestLogSync_readFailure(t *testing.T) {
	store := newTestStore(t)
	ls := NewLogSync(store, 0, discard())
	reader := &fakeLogReader{address: tag, err: errs.Transport("ble log read", errors.New("timeout"))}
	if _, err := ls.Sync(context.Background(), reader); !errors.Is(err, errs.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if _, ok := ls.LastSync(tag); ok {
		t.Error("failed sync recorded as done")
	}
}

type fakeConn struct {
	*fakeLogReader
	closed bool
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestDeviceLogs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conn := &fakeConn{fakeLogReader: &fakeLogReader{address: tag, readings: []ble.TimedReading{logReading(now.Add(-time.Hour), 19)}}}
	var dialed string
	logs := NewDeviceLogs(NewLogSync(store, 0, discard()), func(_ context.Context, address string) (DeviceConn, error) {
		dialed = address
		return conn, nil
	})

	n, err := logs.SyncDevice(ctx, "cb:b8:33:4c:88:4f")
	if err != nil {
		t.Fatalf("SyncDevice: %v", err)
	}
	if n != 1 || dialed != tag || !conn.closed {
		t.Errorf("stored %d dialed %q closed %v; want 1 %q true", n, dialed, conn.closed, tag)
	}

	failing := NewDeviceLogs(NewLogSync(store, 0, discard()), func(context.Context, string) (DeviceConn, error) {
		return nil, errs.Transport("ble connect", errors.New("out of range"))
	})
	if _, err := failing.SyncDevice(ctx, tag); !errors.Is(err, errs.ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
}

type fakeCloud struct {
	authorized bool
	sensors    []cloud.CloudSensor
	history    map[string][]types.SensorRecord
	failFor    string
	since      map[string]time.Time
}

func (f *fakeCloud) Authorized() bool { return f.authorized }

func (f *fakeCloud) LoadSensors(context.Context) ([]cloud.CloudSensor, error) {
	return f.sensors, nil
}

func (f *fakeCloud) FetchHistory(_ context.Context, remoteID string, since, _ time.Time) ([]types.SensorRecord, error) {
	if f.since == nil {
		f.since = map[string]time.Time{}
	}
	f.since[remoteID] = since
	if remoteID == f.failFor {
		return nil, errs.Transport("GET /get", errors.New("connection reset"))
	}
	var out []types.SensorRecord
	for _, r := range f.history[remoteID] {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

type marker struct{ at []time.Time }

func (m *marker) MarkSynced(at time.Time) error {
	m.at = append(m.at, at)
	return nil
}

func cloudSensor(t *testing.T, id string, temp *float64) cloud.CloudSensor {
	t.Helper()
	s, err := types.NewCloudSensor(id, "", "me@example.com", true)
	if err != nil {
		t.Fatal(err)
	}
	return cloud.CloudSensor{Sensor: s, TemperatureOffset: temp}
}

func cloudHistory(t *testing.T, id string, from time.Time, n int) []types.SensorRecord {
	t.Helper()
	out := make([]types.SensorRecord, n)
	for i := range out {
		r, err := merge.CloudRecord(id, from.Add(time.Duration(i)*time.Minute), nil, types.Reading{Temperature: ptr(20.0), Humidity: ptr(50.0)})
		if err != nil {
			t.Fatal(err)
		}
		out[i] = r
	}
	return out
}

func TestCloudSync(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := t0.Add(time.Hour)

	// The sensor was seen locally before the account listed it.
	local, _ := types.NewLocalSensor(tag, "")
	if err := store.CreateSensor(ctx, local); err != nil {
		t.Fatalf("CreateSensor: %v", err)
	}
	localRec, _ := merge.LocalRecord(tag, t0, types.SourceAdvertisement, nil, types.Reading{Temperature: ptr(20.0)})
	if _, err := store.AppendRecords(ctx, []types.SensorRecord{localRec}); err != nil {
		t.Fatalf("AppendRecords: %v", err)
	}

	other := "D0:00:00:00:00:02"
	api := &fakeCloud{
		authorized: true,
		sensors:    []cloud.CloudSensor{cloudSensor(t, tag, ptr(0.5)), cloudSensor(t, other, nil)},
		history: map[string][]types.SensorRecord{
			tag:   cloudHistory(t, tag, t0, 5),
			other: cloudHistory(t, other, t0.Add(-time.Hour), 3),
		},
	}
	m := &marker{}
	cs := NewCloudSync(store, api, m, config.Cloud{HistoryWindow: 24 * time.Hour}, discard())
	cs.now = func() time.Time { return now }

	res, err := cs.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Sensors != 2 || res.Records != 7 {
		t.Errorf("result = %+v, want 2 sensors 7 records", res)
	}
	if !api.since[tag].Equal(t0) {
		t.Errorf("since for %s = %v, want last local record %v", tag, api.since[tag], t0)
	}
	if !api.since[other].Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("since for %s = %v, want window start", other, api.since[other])
	}

	recs := readAll(t, store, tag)
	if len(recs) != 5 {
		t.Fatalf("records for %s = %d, want 5 (local and cloud share t0)", tag, len(recs))
	}
	if r := recs[1]; r.Source != types.SourceCloud || r.Temperature == nil || !approx(*r.Temperature, 20.5) {
		t.Errorf("cloud record = %+v", r.Measurement)
	}

	sensor, err := store.ReadSensor(ctx, tag)
	if err != nil || !sensor.IsClaimed || sensor.RemoteID != tag {
		t.Errorf("sensor = %+v, %v", sensor, err)
	}
	st, ok, err := store.ReadSensorSettings(ctx, tag)
	if err != nil || !ok || st.TemperatureOffset == nil || *st.TemperatureOffset != 0.5 || st.TemperatureOffsetDate == nil {
		t.Errorf("settings = %+v, %v, %v", st, ok, err)
	}
	if len(m.at) != 1 || !m.at[0].Equal(now) {
		t.Errorf("marked = %v", m.at)
	}

	res, err = cs.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if res.Records != 0 {
		t.Errorf("second sync stored %d, want 0", res.Records)
	}
}

func TestCloudSync_unchangedOffsetKeepsDate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	listed := cloudSensor(t, tag, nil)
	sensor, err := store.UpsertCloudSensor(ctx, listed.Sensor)
	if err != nil {
		t.Fatalf("UpsertCloudSensor: %v", err)
	}
	st, err := types.SettingsFor(sensor)
	if err != nil {
		t.Fatal(err)
	}
	st = st.WithOffset(types.ChannelHumidity, ptr(0.014), &t0)
	if err := store.UpsertSensorSettings(ctx, st); err != nil {
		t.Fatalf("UpsertSensorSettings: %v", err)
	}

	// The cloud stores percent, so the offset comes back through a unit round trip.
	listed.HumidityOffset = ptr(merge.HumidityFraction(merge.HumidityPercent(0.014)))
	api := &fakeCloud{authorized: true, sensors: []cloud.CloudSensor{listed}}
	cs := NewCloudSync(store, api, nil, config.Cloud{HistoryWindow: time.Hour}, discard())
	cs.now = func() time.Time { return t0.Add(48 * time.Hour) }

	if _, err := cs.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	got, ok, err := store.ReadSensorSettings(ctx, sensor.ID)
	if err != nil || !ok {
		t.Fatalf("ReadSensorSettings: %v, %v", ok, err)
	}
	if got.HumidityOffset == nil || *got.HumidityOffset != 0.014 {
		t.Errorf("humidity offset = %v, want 0.014", got.HumidityOffset)
	}
	if got.HumidityOffsetDate == nil || !got.HumidityOffsetDate.Equal(t0) {
		t.Errorf("humidity offset date = %v, want %v", got.HumidityOffsetDate, t0)
	}
}

func TestSameOffset(t *testing.T) {
	tests := []struct {
		a, b float64
		want bool
	}{
		{0.014, merge.HumidityFraction(merge.HumidityPercent(0.014)), true},
		{0.5, 0.5, true},
		{0.5, 0.51, false},
		{-1.25, 1.25, false},
	}
	for _, tt := range tests {
		if got := sameOffset(tt.a, tt.b); got != tt.want {
			t.Errorf("sameOffset(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCloudSync_errors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cs := NewCloudSync(store, &fakeCloud{}, nil, config.Cloud{HistoryWindow: time.Hour}, discard())
	if _, err := cs.Sync(ctx); !errors.Is(err, errs.ErrNotAuthorized) {
		t.Fatalf("signed out err = %v", err)
	}

	bad := "D0:00:00:00:00:03"
	api := &fakeCloud{
		authorized: true,
		sensors:    []cloud.CloudSensor{cloudSensor(t, bad, nil), cloudSensor(t, tag, nil)},
		history:    map[string][]types.SensorRecord{tag: cloudHistory(t, tag, t0, 2)},
		failFor:    bad,
	}
	m := &marker{}
	cs = NewCloudSync(store, api, m, config.Cloud{HistoryWindow: 24 * time.Hour}, discard())
	cs.now = func() time.Time { return t0.Add(time.Hour) }

	res, err := cs.Sync(ctx)
	if !errors.Is(err, errs.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if res.Sensors != 1 || res.Records != 2 {
		t.Errorf("result = %+v, the healthy sensor should still sync", res)
	}
	if len(m.at) != 0 {
		t.Error("failed sync marked as done")
	}
}

type fakePruner struct {
	before []time.Time
	n      int64
}

func (f *fakePruner) DeleteAllRecords(_ context.Context, before time.Time) (int64, error) {
	f.before = append(f.before, before)
	return f.n, nil
}

func TestRetention(t *testing.T) {
	if _, err := NewRetention(&fakePruner{}, config.Retention{}, nil); err == nil {
		t.Fatal("zero retention accepted")
	}

	p := &fakePruner{n: 3}
	r, err := NewRetention(p, config.Retention{Period: 48 * time.Hour, Interval: time.Hour}, discard())
	if err != nil {
		t.Fatalf("NewRetention: %v", err)
	}
	r.now = func() time.Time { return t0 }
	n, err := r.Prune(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if !p.before[0].Equal(t0.Add(-48 * time.Hour)) {
		t.Errorf("cutoff = %v", p.before[0])
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(p.before) != 2 {
		t.Errorf("prunes = %d, want one more on start", len(p.before))
	}
}

func TestRetention_store(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ing := NewIngestor(store, config.Ingest{}, discard())
	for i, at := range []time.Time{t0.Add(-72 * time.Hour), t0.Add(-time.Hour), t0} {
		obs := ble.Observation{Address: tag, Data: rawV2(t, i+1), SeenAt: at}
		if err := ing.HandleObservation(ctx, obs, types.SourceHeartbeat); err != nil {
			t.Fatalf("observation %d: %v", i, err)
		}
	}
	r, err := NewRetention(store, config.Retention{Period: 48 * time.Hour, Interval: time.Hour}, discard())
	if err != nil {
		t.Fatal(err)
	}
	r.now = func() time.Time { return t0 }
	n, err := r.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if got := len(readAll(t, store, tag)); got != 2 {
		t.Errorf("records left = %d, want 2", got)
	}
}
