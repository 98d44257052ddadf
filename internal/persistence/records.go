package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"beaconsync/internal/errs"
	"beaconsync/internal/types"
)

// OrphanedRecordsError is returned by AppendRecords when some records
// reference a sensor that is not stored. Nothing from the batch is written.
type OrphanedRecordsError struct {
	Keys []types.RecordKey
}

func (e *OrphanedRecordsError) Error() string {
	ids := make([]string, 0, len(e.Keys))
	seen := make(map[string]bool)
	for _, k := range e.Keys {
		if !seen[k.SensorID] {
			seen[k.SensorID] = true
			ids = append(ids, k.SensorID)
		}
	}
	return fmt.Sprintf("%d orphaned records for sensors [%s]: %s", len(e.Keys), strings.Join(ids, ", "), errs.ErrSensorNotFound)
}

func (e *OrphanedRecordsError) Is(target error) bool { return target == errs.ErrSensorNotFound }

// AppendRecord stores one record. Appending a record whose (sensor,
// timestamp) is already stored is a no-op.
func (s *Store) AppendRecord(ctx context.Context, r types.SensorRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return s.write(ctx, "append record", func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error {
		sensorID, err := resolveSensorID(ctx, tx, r.LocalID, r.RemoteID)
		if err != nil {
			if errors.Is(err, errs.ErrSensorNotFound) {
				return fmt.Errorf("record %s: %w", r.Key(), err)
			}
			return err
		}
		stmt, err := tx.PrepareNamedContext(ctx, insertRecordSQL)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		return insertRecord(ctx, stmt, sensorID, r, cs)
	})
}

// AppendRecords stores a batch in one transaction and returns how many rows
// were new. If any record is orphaned nothing is written and the error is an
// *OrphanedRecordsError listing every orphaned key.
func (s *Store) AppendRecords(ctx context.Context, records []types.SensorRecord) (int, error) {
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return 0, err
		}
	}
	if len(records) == 0 {
		return 0, nil
	}

	var inserted int
	err := s.write(ctx, "append records", func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error {
		type identity struct{ local, remote string }
		resolved := make(map[identity]string)
		ids := make([]string, len(records))
		var orphans []types.RecordKey

		for i, r := range records {
			key := identity{r.LocalID, r.RemoteID}
			id, ok := resolved[key]
			if !ok {
				var err error
				id, err = resolveSensorID(ctx, tx, r.LocalID, r.RemoteID)
				if err != nil && !errors.Is(err, errs.ErrSensorNotFound) {
					return err
				}
				resolved[key] = id
			}
			if id == "" {
				orphans = append(orphans, r.Key())
				continue
			}
			ids[i] = id
		}
		if len(orphans) > 0 {
			return &OrphanedRecordsError{Keys: orphans}
		}

		stmt, err := tx.PrepareNamedContext(ctx, insertRecordSQL)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		before := len(cs.changes)
		for i, r := range records {
			if err := insertRecord(ctx, stmt, ids[i], r, cs); err != nil {
				return err
			}
		}
		inserted = len(cs.changes) - before
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func insertRecord(ctx context.Context, stmt *sqlx.NamedStmt, sensorID string, r types.SensorRecord, cs *changeSet) error {
	res, err := stmt.ExecContext(ctx, toRecordRow(sensorID, r))
	if err != nil {
		return fmt.Errorf("insert %s: %w", r.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		rec := r
		cs.add(Change{Kind: ChangeInsert, Entity: EntityRecord, SensorID: sensorID, Record: &rec})
	}
	return nil
}

// DeleteRecordsBefore removes the sensor's records older than cutoff.
func (s *Store) DeleteRecordsBefore(ctx context.Context, sensorID string, cutoff time.Time) (int64, error) {
	var n int64
	err := s.write(ctx, "delete records", func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error {
		sensor, err := getSensor(ctx, tx, sensorID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE sensor_id = ? AND ts < ?`, sensor.ID, formatTS(cutoff))
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		if n > 0 {
			cs.add(Change{Kind: ChangeDelete, Entity: EntityRecord, SensorID: sensor.ID, Before: cutoff, Count: n})
		}
		return nil
	})
	return n, err
}

// DeleteAllRecords removes the records of every sensor older than before,
// or all records when before is zero.
func (s *Store) DeleteAllRecords(ctx context.Context, before time.Time) (int64, error) {
	bound := maxTS
	if !before.IsZero() {
		bound = formatTS(before)
	}
	var total int64
	err := s.write(ctx, "delete all records", func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error {
		var counts []struct {
			SensorID string `db:"sensor_id"`
			N        int64  `db:"n"`
		}
		if err := tx.SelectContext(ctx, &counts,
			`SELECT sensor_id, count(*) AS n FROM records WHERE ts < ? GROUP BY sensor_id ORDER BY sensor_id`, bound); err != nil {
			return err
		}
		if len(counts) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE ts < ?`, bound); err != nil {
			return err
		}
		for _, c := range counts {
			total += c.N
			cs.add(Change{Kind: ChangeDelete, Entity: EntityRecord, SensorID: c.SensorID, Before: before, Count: c.N})
		}
		return nil
	})
	return total, err
}

// ReadRange accepts any identifier of the sensor and returns its records with since <= ts <= until in
// ascending order. Zero bounds are open. With minInterval > 0 the result is
// thinned greedily: the first record is kept, then each record at least
// minInterval after the last kept one.
func (s *Store) ReadRange(ctx context.Context, sensorID string, since, until time.Time, minInterval time.Duration) ([]types.SensorRecord, error) {
	lo, hi := minTS, maxTS
	if !since.IsZero() {
		lo = formatTS(since)
	}
	if !until.IsZero() {
		hi = formatTS(until)
	}

	sensor, err := getSensor(ctx, s.db, sensorID)
	if err != nil {
		return nil, categorize("read range", err)
	}
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, selectRecordsRangeSQL, sensor.ID, lo, hi); err != nil {
		return nil, errs.Storage("read range", err)
	}
	out := make([]types.SensorRecord, 0, len(rows))
	for _, row := range rows {
		r, err := row.record()
		if err != nil {
			return nil, errs.Storage("read range", err)
		}
		out = append(out, r)
	}
	return Downsample(out, minInterval), nil
}

// ReadLast returns the sensor's most recent record.
func (s *Store) ReadLast(ctx context.Context, sensorID string) (types.SensorRecord, bool, error) {
	sensor, err := getSensor(ctx, s.db, sensorID)
	if err != nil {
		return types.SensorRecord{}, false, categorize("read last", err)
	}
	var row recordRow
	err = s.db.GetContext(ctx, &row, selectLastRecordSQL, sensor.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SensorRecord{}, false, nil
	}
	if err != nil {
		return types.SensorRecord{}, false, errs.Storage("read last", err)
	}
	r, err := row.record()
	if err != nil {
		return types.SensorRecord{}, false, errs.Storage("read last", err)
	}
	return r, true, nil
}

// Downsample keeps records[0] and then every record whose timestamp is at
// least every after the previously kept one. records must be ascending.
func Downsample(records []types.SensorRecord, every time.Duration) []types.SensorRecord {
	if every <= 0 || len(records) < 2 {
		return records
	}
	out := []types.SensorRecord{records[0]}
	next := records[0].Timestamp.Add(every)
	for _, r := range records[1:] {
		if !r.Timestamp.Before(next) {
			out = append(out, r)
			next = r.Timestamp.Add(every)
		}
	}
	return out
}
