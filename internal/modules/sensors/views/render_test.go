package views

import (
	"bytes"
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func ptr[T any](v T) *T { return &v }

func TestLoadTemplates_success(t *testing.T) {
	err := LoadTemplates()
	if err != nil {
		t.Fatalf("LoadTemplates() = %v; want nil", err)
	}
	if dashboardTmpl == nil {
		t.Fatal("LoadTemplates() left dashboardTmpl nil")
	}
}

func TestLoadTemplates_failure(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
	}{
		{name: "missing dir", fsys: fstest.MapFS{}},
		{name: "bad syntax", fsys: fstest.MapFS{"templates/dashboard.html": {Data: []byte("{{ .")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := dashboardTmpl
			t.Cleanup(func() { dashboardTmpl = prev })
			if err := loadTemplatesFromFS(tt.fsys, "templates"); err == nil {
				t.Fatal("loadTemplatesFromFS() = nil; want error")
			}
		})
	}
}

func TestRenderDashboard_notLoaded(t *testing.T) {
	prev := dashboardTmpl
	dashboardTmpl = nil
	t.Cleanup(func() { dashboardTmpl = prev })

	var buf bytes.Buffer
	err := RenderDashboard(&buf, &DashboardData{})
	if err == nil || !strings.Contains(err.Error(), "not loaded") {
		t.Fatalf("RenderDashboard() = %v; want not loaded error", err)
	}
}

func TestRenderDashboard(t *testing.T) {
	if err := LoadTemplates(); err != nil {
		t.Fatalf("LoadTemplates(): %v", err)
	}

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		if err := RenderDashboard(&buf, &DashboardData{}); err != nil {
			t.Fatalf("RenderDashboard() = %v", err)
		}
		out := buf.String()
		for _, want := range []string{"<!DOCTYPE html>", "Not signed in", "No sensors discovered yet."} {
			if !strings.Contains(out, want) {
				t.Errorf("output missing %q", want)
			}
		}
	})

	t.Run("with sensors", func(t *testing.T) {
		at := time.Date(2025, 2, 3, 14, 30, 0, 0, time.UTC)
		data := &DashboardData{
			Email: "me@example.com",
			Sensors: []SensorRow{
				{ID: "AA:01", Name: "Sauna", Claimed: true, Temperature: ptr(81.234), Humidity: ptr(12.5), UpdatedAt: &at},
				{ID: "AA:02", Name: "Fridge <cold>"},
			},
		}
		var buf bytes.Buffer
		if err := RenderDashboard(&buf, data); err != nil {
			t.Fatalf("RenderDashboard() = %v", err)
		}
		out := buf.String()
		for _, want := range []string{"me@example.com", "Sauna", "81.23", "12.5", "2025-02-03T14:30:00Z", "claimed", "never", "Fridge &lt;cold&gt;"} {
			if !strings.Contains(out, want) {
				t.Errorf("output missing %q", want)
			}
		}
	})
}

func TestRenderSensorsPartial(t *testing.T) {
	if err := LoadTemplates(); err != nil {
		t.Fatalf("LoadTemplates(): %v", err)
	}
	var buf bytes.Buffer
	if err := RenderSensorsPartial(&buf, &DashboardData{Sensors: []SensorRow{{ID: "AA:01", Name: "Sauna"}}}); err != nil {
		t.Fatalf("RenderSensorsPartial() = %v", err)
	}
	if out := buf.String(); strings.Contains(out, "<html") || !strings.Contains(out, "Sauna") {
		t.Errorf("partial output = %q", out)
	}
}
