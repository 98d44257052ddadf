// Package persistence is the local store for sensors, their record history
// and calibration settings.
//
// Every mutation runs in its own transaction on a single writer goroutine.
// Listeners are told about a write after it commits and before the next
// write starts, so change notifications follow commit order. Reads run on
// the caller's goroutine and see committed data only.
package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"beaconsync/internal/errs"
	"beaconsync/internal/types"
)

//go:embed sql/*.sql
var sqlFS embed.FS

func mustSQL(name string) string {
	b, err := sqlFS.ReadFile("sql/" + name)
	if err != nil {
		panic(err)
	}
	return string(b)
}

var (
	insertRecordSQL       = mustSQL("insert-record.sql")
	selectRecordsRangeSQL = mustSQL("select-records-range.sql")
	selectLastRecordSQL   = mustSQL("select-last-record.sql")
	selectSensorsSQL      = mustSQL("select-sensors.sql")
	selectSensorSQL       = mustSQL("select-sensor.sql")
	insertSensorSQL       = mustSQL("insert-sensor.sql")
	updateSensorSQL       = mustSQL("update-sensor.sql")
	upsertSettingsSQL     = mustSQL("upsert-settings.sql")
	selectSettingsSQL     = mustSQL("select-settings.sql")

	insertVirtualSensorSQL  = mustSQL("insert-virtual-sensor.sql")
	selectVirtualSensorsSQL = mustSQL("select-virtual-sensors.sql")
)

var ErrClosed = fmt.Errorf("%w: store closed", errs.ErrStorage)

type ChangeKind int

const (
	ChangeInsert ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	}
	return "unknown"
}

type Entity int

const (
	EntitySensor Entity = iota + 1
	EntityRecord
	EntitySettings
)

// Change describes one committed mutation. SensorID is always the canonical
// sensor id. Record deletes are reported as a range: every record of the
// sensor older than Before (all records when Before is zero).
type Change struct {
	Kind     ChangeKind
	Entity   Entity
	SensorID string
	Sensor   *types.Sensor
	Record   *types.SensorRecord
	Settings *types.SensorSettings
	Before   time.Time
	Count    int64
}

// Listener receives the changes of each committed write, in commit order,
// on the writer goroutine. OnCommit must not block or call back into the
// store's write methods.
type Listener interface {
	OnCommit(changes []Change)
}

type Store struct {
	db     *sqlx.DB
	logger *slog.Logger

	jobs      chan job
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.RWMutex
	listeners []Listener
}

type job struct {
	ctx    context.Context
	op     string
	write  func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error
	serial func(ctx context.Context) error
	result chan error
}

type changeSet struct {
	changes []Change
}

func (c *changeSet) add(ch Change) { c.changes = append(c.changes, ch) }

// NewStore starts the writer goroutine. Call Close to stop it.
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger,
		jobs:   make(chan job),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Close stops the writer after the job in progress. It does not close the db.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	var ok int
	if err := s.db.GetContext(ctx, &ok, `SELECT 1`); err != nil {
		return errs.Storage("ping", err)
	}
	return nil
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case j := <-s.jobs:
			j.result <- s.exec(j)
		}
	}
}

func (s *Store) exec(j job) error {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	if j.serial != nil {
		return j.serial(j.ctx)
	}

	start := time.Now()
	tx, err := s.db.BeginTxx(j.ctx, nil)
	if err != nil {
		return errs.Storage(j.op, err)
	}
	cs := &changeSet{}
	if err := j.write(j.ctx, tx, cs); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "op", j.op, "error", rbErr)
		}
		return categorize(j.op, err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Storage(j.op, err)
	}
	s.logger.Debug("write committed", "op", j.op, "changes", len(cs.changes), "duration", time.Since(start))

	if len(cs.changes) > 0 {
		s.mu.RLock()
		listeners := s.listeners
		s.mu.RUnlock()
		for _, l := range listeners {
			l.OnCommit(cs.changes)
		}
	}
	return nil
}

func (s *Store) submit(ctx context.Context, j job) error {
	j.ctx = ctx
	j.result = make(chan error, 1)
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
	return <-j.result
}

func (s *Store) write(ctx context.Context, op string, fn func(ctx context.Context, tx *sqlx.Tx, cs *changeSet) error) error {
	return s.submit(ctx, job{op: op, write: fn})
}

// Serialized runs fn on the writer goroutine between two writes. Reads made
// by fn observe every write whose listeners have already been notified and
// none that has not.
func (s *Store) Serialized(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.submit(ctx, job{op: "serialized", serial: fn})
}

// categorize keeps known categories and marks everything else as a
// storage failure.
func categorize(op string, err error) error {
	for _, known := range []error{
		errs.ErrSensorNotFound,
		errs.ErrDuplicateIdentity,
		errs.ErrInvalidIdentity,
		errs.ErrImmutable,
		errs.ErrStorage,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return errs.Storage(op, err)
}

// Counts is the number of stored sensors and records.
type Counts struct {
	Sensors int `json:"sensors"`
	Records int `json:"records"`
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Counts{}, errs.Storage("counts", err)
	}
	defer func() { _ = tx.Rollback() }()

	var c Counts
	if err := tx.GetContext(ctx, &c.Sensors, `SELECT count(*) FROM sensors`); err != nil {
		return Counts{}, errs.Storage("count sensors", err)
	}
	if err := tx.GetContext(ctx, &c.Records, `SELECT count(*) FROM records`); err != nil {
		return Counts{}, errs.Storage("count records", err)
	}
	return c, nil
}
