package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"beaconsync/internal/migrate"
	"beaconsync/internal/persistence"
	"beaconsync/internal/reactor"
	"beaconsync/internal/types"
)

func newStreamServer(t *testing.T) (*persistence.Store, *reactor.Reactor, *httptest.Server) {
	t.Helper()
	return newStreamServerWithOrigins(t, nil)
}

func newStreamServerWithOrigins(t *testing.T, origins []string) (*persistence.Store, *reactor.Reactor, *httptest.Server) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "stream.db") + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Run(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := persistence.NewStore(db, nil)
	r := reactor.New(store, discard())

	mux := http.NewServeMux()
	NewSensorsController(&mockService{}, r, origins, discard()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		r.Close()
		_ = store.Close()
		_ = db.Close()
	})
	return store, r, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) reactor.Event {
	t.Helper()
	var ev reactor.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func mustSensor(t *testing.T, store *persistence.Store, localID string) {
	t.Helper()
	s, err := types.NewLocalSensor(localID, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateSensor(context.Background(), s); err != nil {
		t.Fatalf("CreateSensor: %v", err)
	}
}

func waitForNoSubscribers(t *testing.T, r *reactor.Reactor) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for r.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriptions = %d after client left; want 0", r.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamSensors(t *testing.T) {
	store, r, srv := newStreamServer(t)
	mustSensor(t, store, "AA:BB:CC:DD:EE:01")

	conn := dial(t, srv, "/api/v1/stream/sensors")

	ev := readEvent(t, conn)
	if ev.Type != reactor.EventInitial || len(ev.Sensors) != 1 {
		t.Fatalf("first event = %+v; want initial with one sensor", ev)
	}

	mustSensor(t, store, "AA:BB:CC:DD:EE:02")
	ev = readEvent(t, conn)
	if ev.Type != reactor.EventInsert || ev.Sensor == nil || ev.Sensor.ID != "AA:BB:CC:DD:EE:02" {
		t.Fatalf("second event = %+v; want insert of the new sensor", ev)
	}
	if ev.Seq != 2 {
		t.Errorf("seq = %d; want 2", ev.Seq)
	}

	_ = conn.Close()
	waitForNoSubscribers(t, r)
}

func TestStreamHistory(t *testing.T) {
	store, r, srv := newStreamServer(t)
	const id = "AA:BB:CC:DD:EE:01"
	mustSensor(t, store, id)

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var records []types.SensorRecord
	for i := range 3 {
		rec, err := types.NewLocalRecord(id, types.Measurement{
			Timestamp:   t0.Add(time.Duration(i) * time.Minute),
			Source:      types.SourceAdvertisement,
			Temperature: ptr(20 + float64(i)),
		})
		if err != nil {
			t.Fatal(err)
		}
		records = append(records, rec)
	}
	if _, err := store.AppendRecords(context.Background(), records); err != nil {
		t.Fatalf("AppendRecords: %v", err)
	}

	conn := dial(t, srv, "/api/v1/stream/sensors/"+id+"?since="+t0.Add(time.Minute).Format(time.RFC3339))
	ev := readEvent(t, conn)
	if ev.Type != reactor.EventInitial || len(ev.Records) != 2 {
		t.Fatalf("initial = %+v; want two records from since", ev)
	}

	next, err := types.NewLocalRecord(id, types.Measurement{Timestamp: t0.Add(time.Hour), Source: types.SourceAdvertisement, Temperature: ptr(30.0)})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AppendRecord(context.Background(), next); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	ev = readEvent(t, conn)
	if ev.Type != reactor.EventInsert || len(ev.Records) != 1 || *ev.Records[0].Temperature != 30 {
		t.Fatalf("insert = %+v; want the appended record", ev)
	}

	_ = conn.Close()
	waitForNoSubscribers(t, r)
}

func TestStreamHistory_unknownSensor(t *testing.T) {
	_, r, srv := newStreamServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/stream/sensors/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d; want 404", resp.StatusCode)
	}
	if r.Count() != 0 {
		t.Errorf("subscriptions = %d; want 0", r.Count())
	}
}

func TestStreamHistory_badSince(t *testing.T) {
	_, _, srv := newStreamServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/stream/sensors/x?since=later")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d; want 400", resp.StatusCode)
	}
}

func TestStreamSettings(t *testing.T) {
	store, r, srv := newStreamServer(t)
	const id = "AA:BB:CC:DD:EE:01"
	mustSensor(t, store, id)

	conn := dial(t, srv, "/api/v1/stream/sensors/"+id+"/settings")
	ev := readEvent(t, conn)
	if ev.Type != reactor.EventInitial || ev.SensorID != id || ev.Settings != nil {
		t.Fatalf("initial = %+v; want no settings yet", ev)
	}

	st, err := types.NewLocalSettings(id)
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	st = st.WithOffset(types.ChannelTemperature, ptr(1.5), &at)
	if err := store.UpsertSensorSettings(context.Background(), st); err != nil {
		t.Fatalf("UpsertSensorSettings: %v", err)
	}
	ev = readEvent(t, conn)
	if ev.Settings == nil || ev.Settings.OffsetValue(types.ChannelTemperature) != 1.5 {
		t.Fatalf("update = %+v; want the new temperature offset", ev)
	}

	_ = conn.Close()
	waitForNoSubscribers(t, r)
}

func TestStreamOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		wantOK  bool
	}{
		{name: "any origin when unrestricted", origins: nil, origin: "http://evil.example", wantOK: true},
		{name: "wildcard", origins: []string{"*"}, origin: "http://evil.example", wantOK: true},
		{name: "listed origin", origins: []string{"http://dash.local/"}, origin: "http://dash.local", wantOK: true},
		{name: "listed origin any case", origins: []string{"http://Dash.local"}, origin: "http://dash.local", wantOK: true},
		{name: "no origin header", origins: []string{"http://dash.local"}, wantOK: true},
		{name: "same host", origins: []string{"http://dash.local"}, origin: "self", wantOK: true},
		{name: "unlisted origin", origins: []string{"http://dash.local"}, origin: "http://evil.example", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, srv := newStreamServerWithOrigins(t, tt.origins)
			header := http.Header{}
			switch tt.origin {
			case "":
			case "self":
				header.Set("Origin", srv.URL)
			default:
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/stream/sensors", header)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				_ = conn.Close()
				return
			}
			if err == nil {
				_ = conn.Close()
				t.Fatal("dial succeeded; want the origin rejected")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("response = %v; want 403", resp)
			}
		})
	}
}
