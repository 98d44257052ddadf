package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "m.db")+"?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRun_appliesOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	applied, err := Run(ctx, db)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(applied) != 4 {
		t.Fatalf("applied %d migrations, want 4", len(applied))
	}
	if applied[0].Version != "0001" || applied[2].Name != "sensor_settings" || applied[3].Name != "virtual_sensors" {
		t.Errorf("unexpected order: %+v", applied)
	}

	again, err := Run(ctx, db)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second Run applied %d migrations, want 0", len(again))
	}

	for _, table := range []string{"sensors", "records", "sensor_settings", "virtual_sensors"} {
		var n int
		if err := db.Get(&n, `SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table); err != nil || n != 1 {
			t.Errorf("table %s: count=%d err=%v", table, n, err)
		}
	}
}

func TestSchema_constraints(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	if _, err := Run(ctx, db); err != nil {
		t.Fatalf("Run: %v", err)
	}

	tests := []struct {
		name    string
		stmt    string
		wantErr bool
	}{
		{name: "local sensor", stmt: `INSERT INTO sensors (id, local_id, name) VALUES ('a', 'a', 'A')`},
		{name: "sensor without identifiers", stmt: `INSERT INTO sensors (id, name) VALUES ('b', 'B')`, wantErr: true},
		{name: "claimed without remote id", stmt: `INSERT INTO sensors (id, local_id, name, is_claimed) VALUES ('c', 'c', 'C', 1)`, wantErr: true},
		{name: "record", stmt: `INSERT INTO records (sensor_id, ts, local_id) VALUES ('a', '2024-01-01T00:00:00.000000000Z', 'a')`},
		{name: "record with both identifiers", stmt: `INSERT INTO records (sensor_id, ts, local_id, remote_id) VALUES ('a', '2024-01-01T00:00:01.000000000Z', 'a', 'A')`, wantErr: true},
		{name: "orphan record", stmt: `INSERT INTO records (sensor_id, ts, local_id) VALUES ('zz', '2024-01-01T00:00:00.000000000Z', 'zz')`, wantErr: true},
		{name: "duplicate record key", stmt: `INSERT INTO records (sensor_id, ts, local_id) VALUES ('a', '2024-01-01T00:00:00.000000000Z', 'a')`, wantErr: true},
		{name: "settings", stmt: `INSERT INTO sensor_settings (sensor_id, local_id) VALUES ('a', 'a')`},
		{name: "second settings row", stmt: `INSERT INTO sensor_settings (sensor_id, remote_id) VALUES ('a', 'A')`, wantErr: true},
		{name: "virtual sensor", stmt: `INSERT INTO virtual_sensors (sensor_id, provider, latitude, longitude) VALUES ('a', 'openweathermap', 60.1, 24.9)`},
		{name: "orphan virtual sensor", stmt: `INSERT INTO virtual_sensors (sensor_id, provider, latitude, longitude) VALUES ('zz', 'openweathermap', 0, 0)`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.ExecContext(ctx, tt.stmt)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
