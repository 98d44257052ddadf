package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"beaconsync/internal/errs"
	"beaconsync/internal/types"
)

// UpsertSensorSettings inserts or replaces the calibration record of the
// sensor the settings are keyed by. A sensor has at most one.
func (s *Store) UpsertSensorSettings(ctx context.Context, settings types.SensorSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.write(ctx, "upsert settings", func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error {
		sensorID, err := resolveSensorID(ctx, tx, settings.LocalID, settings.RemoteID)
		if err != nil {
			if errors.Is(err, errs.ErrSensorNotFound) {
				return fmt.Errorf("settings for %q: %w", settings.SensorID(), err)
			}
			return err
		}
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT count(*) FROM sensor_settings WHERE sensor_id = ?`, sensorID); err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, upsertSettingsSQL, toSettingsRow(sensorID, settings)); err != nil {
			return err
		}
		kind := ChangeInsert
		if exists > 0 {
			kind = ChangeUpdate
		}
		st := settings
		cs.add(Change{Kind: kind, Entity: EntitySettings, SensorID: sensorID, Settings: &st})
		return nil
	})
}

// ReadSensorSettings returns the calibration record of the sensor, if any.
func (s *Store) ReadSensorSettings(ctx context.Context, sensorID string) (types.SensorSettings, bool, error) {
	sensor, err := getSensor(ctx, s.db, sensorID)
	if err != nil {
		return types.SensorSettings{}, false, categorize("read settings", err)
	}
	var row settingsRow
	err = s.db.GetContext(ctx, &row, selectSettingsSQL, sensor.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SensorSettings{}, false, nil
	}
	if err != nil {
		return types.SensorSettings{}, false, errs.Storage("read settings", err)
	}
	st, err := row.settings()
	if err != nil {
		return types.SensorSettings{}, false, errs.Storage("read settings", err)
	}
	return st, true, nil
}

func (s *Store) DeleteSensorSettings(ctx context.Context, sensorID string) error {
	return s.write(ctx, "delete settings", func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error {
		sensor, err := getSensor(ctx, tx, sensorID)
		if err != nil {
			return err
		}
		var row settingsRow
		err = tx.GetContext(ctx, &row, selectSettingsSQL, sensor.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sensor_settings WHERE sensor_id = ?`, sensor.ID); err != nil {
			return err
		}
		st, err := row.settings()
		if err != nil {
			return err
		}
		cs.add(Change{Kind: ChangeDelete, Entity: EntitySettings, SensorID: sensor.ID, Settings: &st})
		return nil
	})
}
