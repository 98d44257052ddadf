package persistence

import (
	"context"
	"errors"
	"testing"

	"beaconsync/internal/errs"
	"beaconsync/internal/types"
)

func TestCreateVirtualSensor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	l := &recordingListener{}
	s.AddListener(l)

	v, err := types.NewVirtualSensor("virtual-1", "Garden", types.ProviderOpenWeatherMap, types.Location{Latitude: 60.17, Longitude: 24.94})
	if err != nil {
		t.Fatalf("NewVirtualSensor: %v", err)
	}
	if err := s.CreateVirtualSensor(ctx, v); err != nil {
		t.Fatalf("CreateVirtualSensor: %v", err)
	}
	if err := s.CreateVirtualSensor(ctx, v); !errors.Is(err, errs.ErrDuplicateIdentity) {
		t.Errorf("duplicate err = %v, want ErrDuplicateIdentity", err)
	}
	mustSensor(t, s, "AA:BB:CC:DD:EE:01")

	all, err := s.ReadVirtualSensors(ctx)
	if err != nil {
		t.Fatalf("ReadVirtualSensors: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("virtual sensors = %+v", all)
	}
	got := all[0]
	if got.ID != "virtual-1" || got.Name != "Garden" || got.Provider != types.ProviderOpenWeatherMap || got.Location != v.Location {
		t.Errorf("virtual sensor = %+v", got)
	}

	one, err := s.ReadVirtualSensor(ctx, "virtual-1")
	if err != nil || one.ID != "virtual-1" {
		t.Errorf("ReadVirtualSensor = %+v, %v", one, err)
	}
	if _, err := s.ReadVirtualSensor(ctx, "AA:BB:CC:DD:EE:01"); !errors.Is(err, errs.ErrSensorNotFound) {
		t.Errorf("physical sensor err = %v, want ErrSensorNotFound", err)
	}

	changes := l.all()
	if len(changes) != 2 || changes[0].Kind != ChangeInsert || changes[0].SensorID != "virtual-1" {
		t.Errorf("changes = %+v", changes)
	}
}

func TestCreateVirtualSensor_invalid(t *testing.T) {
	s := newTestStore(t)
	tests := []struct {
		name string
		v    types.VirtualSensor
	}{
		{"physical id", types.VirtualSensor{Sensor: types.Sensor{ID: "AA", LocalID: "AA", Name: "x"}, Provider: "p"}},
		{"remote id", types.VirtualSensor{Sensor: types.Sensor{ID: "virtual-2", LocalID: "virtual-2", RemoteID: "r", Name: "x"}, Provider: "p"}},
		{"bad location", types.VirtualSensor{Sensor: types.Sensor{ID: "virtual-3", LocalID: "virtual-3", Name: "x"}, Provider: "p", Location: types.Location{Latitude: 91}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.CreateVirtualSensor(context.Background(), tt.v); !errors.Is(err, errs.ErrInvalidIdentity) {
				t.Errorf("err = %v, want ErrInvalidIdentity", err)
			}
		})
	}
}

func TestVirtualSensor_claimAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	v, _ := types.NewVirtualSensor("virtual-1", "", types.ProviderOpenWeatherMap, types.Location{})
	if err := s.CreateVirtualSensor(ctx, v); err != nil {
		t.Fatalf("CreateVirtualSensor: %v", err)
	}
	if _, err := s.ClaimSensor(ctx, v.ID, "remote", "me@example.com"); !errors.Is(err, errs.ErrImmutable) {
		t.Errorf("claim err = %v, want ErrImmutable", err)
	}
	if err := s.DeleteSensor(ctx, v.ID); err != nil {
		t.Fatalf("DeleteSensor: %v", err)
	}
	all, err := s.ReadVirtualSensors(ctx)
	if err != nil || len(all) != 0 {
		t.Errorf("after delete = %+v, %v", all, err)
	}
}
