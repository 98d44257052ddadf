package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"beaconsync/internal/errs"
	"beaconsync/internal/types"
)

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// CreateSensor stores a locally discovered sensor. The sensor must carry a
// local identifier and no remote one.
func (s *Store) CreateSensor(ctx context.Context, sensor types.Sensor) error {
	if err := sensor.Validate(); err != nil {
		return err
	}
	if sensor.LocalID == "" || sensor.RemoteID != "" || sensor.IsClaimed {
		return errs.Invalid("sensor %q: create requires a local identifier and no remote identifier", sensor.ID)
	}
	return s.write(ctx, "create sensor", func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error {
		if _, err := tx.NamedExecContext(ctx, insertSensorSQL, toSensorRow(sensor)); err != nil {
			if isConstraint(err) {
				return fmt.Errorf("sensor %q: %w", sensor.ID, errs.ErrDuplicateIdentity)
			}
			return err
		}
		stored, err := getSensor(ctx, tx, sensor.ID)
		if err != nil {
			return err
		}
		cs.add(Change{Kind: ChangeInsert, Entity: EntitySensor, SensorID: stored.ID, Sensor: &stored})
		return nil
	})
}

// UpsertCloudSensor merges a sensor from the cloud listing into the store.
// It matches on the remote identifier first and then on the sensor id, so a
// locally discovered sensor whose id is its MAC adopts the cloud identity.
func (s *Store) UpsertCloudSensor(ctx context.Context, sensor types.Sensor) (types.Sensor, error) {
	if sensor.RemoteID == "" || sensor.LocalID != "" {
		return types.Sensor{}, errs.Invalid("cloud sensor %q: requires a remote identifier and no local identifier", sensor.ID)
	}
	var out types.Sensor
	err := s.write(ctx, "upsert cloud sensor", func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error {
		var row sensorRow
		err := tx.GetContext(ctx, &row, `
			SELECT id, local_id, remote_id, name, is_owner, is_claimed, owner, created_at
			FROM sensors WHERE remote_id = ? OR id = ?
			ORDER BY (remote_id = ?) DESC LIMIT 1`,
			sensor.RemoteID, sensor.RemoteID, sensor.RemoteID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if sensor.ID == "" {
				sensor.ID = sensor.RemoteID
			}
			if _, err := tx.NamedExecContext(ctx, insertSensorSQL, toSensorRow(sensor)); err != nil {
				if isConstraint(err) {
					return fmt.Errorf("sensor %q: %w", sensor.ID, errs.ErrDuplicateIdentity)
				}
				return err
			}
			if out, err = getSensor(ctx, tx, sensor.ID); err != nil {
				return err
			}
			cs.add(Change{Kind: ChangeInsert, Entity: EntitySensor, SensorID: out.ID, Sensor: &out})
			return nil
		case err != nil:
			return err
		}

		current := row.sensor()
		next := current
		next.RemoteID = sensor.RemoteID
		next.Name = sensor.Name
		next.Owner = sensor.Owner
		next.IsOwner = sensor.IsOwner
		next.IsClaimed = sensor.IsClaimed
		if next.IsClaimed {
			next.LocalID = ""
		}
		if next == current {
			out = current
			return nil
		}
		if err := updateSensor(ctx, tx, next); err != nil {
			return err
		}
		out = next
		cs.add(Change{Kind: ChangeUpdate, Entity: EntitySensor, SensorID: out.ID, Sensor: &out})
		return nil
	})
	return out, err
}

// ClaimSensor attaches a remote identity to a local sensor. A sensor that is
// already claimed cannot be claimed again.
func (s *Store) ClaimSensor(ctx context.Context, id, remoteID, owner string) (types.Sensor, error) {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return types.Sensor{}, errs.Invalid("claim %q: empty remote identifier", id)
	}
	var out types.Sensor
	err := s.write(ctx, "claim sensor", func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error {
		current, err := getSensor(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.IsClaimed {
			return fmt.Errorf("claim %q: %w", current.ID, errs.ErrImmutable)
		}
		if current.IsVirtual() {
			return fmt.Errorf("claim %q: virtual sensor: %w", current.ID, errs.ErrImmutable)
		}
		next := current
		next.RemoteID = remoteID
		next.LocalID = ""
		next.IsClaimed = true
		next.IsOwner = true
		next.Owner = owner
		if err := updateSensor(ctx, tx, next); err != nil {
			return err
		}
		out = next
		cs.add(Change{Kind: ChangeUpdate, Entity: EntitySensor, SensorID: out.ID, Sensor: &out})
		return nil
	})
	return out, err
}

// UnclaimSensor releases the cloud ownership of a sensor. The sensor becomes
// local again under its original id.
func (s *Store) UnclaimSensor(ctx context.Context, id string) (types.Sensor, error) {
	var out types.Sensor
	err := s.write(ctx, "unclaim sensor", func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error {
		current, err := getSensor(ctx, tx, id)
		if err != nil {
			return err
		}
		if !current.IsClaimed {
			out = current
			return nil
		}
		next := current
		next.IsClaimed = false
		next.IsOwner = false
		next.Owner = ""
		if next.LocalID == "" {
			next.LocalID = next.ID
		}
		if err := updateSensor(ctx, tx, next); err != nil {
			return err
		}
		out = next
		cs.add(Change{Kind: ChangeUpdate, Entity: EntitySensor, SensorID: out.ID, Sensor: &out})
		return nil
	})
	return out, err
}

// UpdateSensorName renames a sensor. Allowed for claimed sensors.
func (s *Store) UpdateSensorName(ctx context.Context, id, name string) (types.Sensor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Sensor{}, errs.Invalid("rename %q: empty name", id)
	}
	var out types.Sensor
	err := s.write(ctx, "rename sensor", func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error {
		current, err := getSensor(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Name == name {
			out = current
			return nil
		}
		out = current
		out.Name = name
		if err := updateSensor(ctx, tx, out); err != nil {
			return err
		}
		cs.add(Change{Kind: ChangeUpdate, Entity: EntitySensor, SensorID: out.ID, Sensor: &out})
		return nil
	})
	return out, err
}

// DeleteSensor removes a sensor with its records and settings.
func (s *Store) DeleteSensor(ctx context.Context, id string) error {
	return s.write(ctx, "delete sensor", func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error {
		current, err := getSensor(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sensors WHERE id = ?`, current.ID); err != nil {
			return err
		}
		cs.add(Change{Kind: ChangeDelete, Entity: EntitySensor, SensorID: current.ID, Sensor: &current})
		return nil
	})
}

// ReadSensor looks a sensor up by id, local identifier or remote identifier.
func (s *Store) ReadSensor(ctx context.Context, id string) (types.Sensor, error) {
	sensor, err := getSensor(ctx, s.db, id)
	if err != nil {
		return types.Sensor{}, categorize("read sensor", err)
	}
	return sensor, nil
}

func (s *Store) ReadSensors(ctx context.Context) ([]types.Sensor, error) {
	var rows []sensorRow
	if err := s.db.SelectContext(ctx, &rows, selectSensorsSQL); err != nil {
		return nil, errs.Storage("read sensors", err)
	}
	out := make([]types.Sensor, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.sensor())
	}
	return out, nil
}

func getSensor(ctx context.Context, q sqlx.QueryerContext, id string) (types.Sensor, error) {
	var row sensorRow
	err := sqlx.GetContext(ctx, q, &row, selectSensorSQL, id, id, id, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Sensor{}, fmt.Errorf("sensor %q: %w", id, errs.ErrSensorNotFound)
	}
	if err != nil {
		return types.Sensor{}, err
	}
	return row.sensor(), nil
}

func updateSensor(ctx context.Context, tx *sqlx.Tx, sensor types.Sensor) error {
	if err := sensor.Validate(); err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx, updateSensorSQL, toSensorRow(sensor)); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("sensor %q: %w", sensor.ID, errs.ErrDuplicateIdentity)
		}
		return err
	}
	return nil
}

// resolveSensorID maps the identifier a record or settings value carries to
// the canonical sensor id. Local identifiers also match a sensor id, so a
// claimed sensor keeps receiving local data under its original id.
func resolveSensorID(ctx context.Context, q sqlx.QueryerContext, localID, remoteID string) (string, error) {
	var (
		id  string
		err error
	)
	if localID != "" {
		err = sqlx.GetContext(ctx, q, &id,
			`SELECT id FROM sensors WHERE local_id = ? OR id = ? ORDER BY (local_id = ?) DESC LIMIT 1`,
			localID, localID, localID)
	} else {
		err = sqlx.GetContext(ctx, q, &id, `SELECT id FROM sensors WHERE remote_id = ?`, remoteID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.ErrSensorNotFound
	}
	return id, err
}
