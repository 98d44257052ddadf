package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"beaconsync/internal/errs"
	"beaconsync/internal/types"
)

type virtualRow struct {
	sensorRow
	Provider  string  `db:"provider"`
	Latitude  float64 `db:"latitude"`
	Longitude float64 `db:"longitude"`
}

func (r virtualRow) virtual() types.VirtualSensor {
	return types.VirtualSensor{
		Sensor:   r.sensor(),
		Provider: r.Provider,
		Location: types.Location{Latitude: r.Latitude, Longitude: r.Longitude},
	}
}

// CreateVirtualSensor stores a virtual sensor and its location in one
// transaction. Observers see a sensor insert.
func (s *Store) CreateVirtualSensor(ctx context.Context, v types.VirtualSensor) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if !v.IsVirtual() || v.LocalID != v.ID || v.RemoteID != "" {
		return errs.Invalid("virtual sensor %q: id must be its local identifier", v.ID)
	}
	if err := v.Location.Validate(); err != nil {
		return err
	}
	return s.write(ctx, "create virtual sensor", func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error {
		if _, err := tx.NamedExecContext(ctx, insertSensorSQL, toSensorRow(v.Sensor)); err != nil {
			if isConstraint(err) {
				return fmt.Errorf("sensor %q: %w", v.ID, errs.ErrDuplicateIdentity)
			}
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insertVirtualSensorSQL, map[string]any{
			"sensor_id": v.ID,
			"provider":  v.Provider,
			"latitude":  v.Location.Latitude,
			"longitude": v.Location.Longitude,
		}); err != nil {
			return err
		}
		stored, err := getSensor(ctx, tx, v.ID)
		if err != nil {
			return err
		}
		cs.add(Change{Kind: ChangeInsert, Entity: EntitySensor, SensorID: stored.ID, Sensor: &stored})
		return nil
	})
}

// ReadVirtualSensors lists the virtual sensors with their locations.
func (s *Store) ReadVirtualSensors(ctx context.Context) ([]types.VirtualSensor, error) {
	var rows []virtualRow
	if err := s.db.SelectContext(ctx, &rows, selectVirtualSensorsSQL); err != nil {
		return nil, errs.Storage("read virtual sensors", err)
	}
	out := make([]types.VirtualSensor, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.virtual())
	}
	return out, nil
}

func (s *Store) ReadVirtualSensor(ctx context.Context, id string) (types.VirtualSensor, error) {
	all, err := s.ReadVirtualSensors(ctx)
	if err != nil {
		return types.VirtualSensor{}, err
	}
	for _, v := range all {
		if v.ID == id {
			return v, nil
		}
	}
	return types.VirtualSensor{}, fmt.Errorf("virtual sensor %q: %w", id, errs.ErrSensorNotFound)
}
