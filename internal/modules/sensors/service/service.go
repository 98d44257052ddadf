// Package service is the sensors feature behind the local HTTP API: reads
// from the store, calibration, claiming and the cloud session.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"beaconsync/internal/cloud"
	"beaconsync/internal/daemon"
	"beaconsync/internal/errs"
	"beaconsync/internal/persistence"
	"beaconsync/internal/types"
)

type Store interface {
	ReadSensors(ctx context.Context) ([]types.Sensor, error)
	ReadSensor(ctx context.Context, id string) (types.Sensor, error)
	ReadRange(ctx context.Context, id string, since, until time.Time, minInterval time.Duration) ([]types.SensorRecord, error)
	ReadLast(ctx context.Context, id string) (types.SensorRecord, bool, error)
	ReadSensorSettings(ctx context.Context, id string) (types.SensorSettings, bool, error)
	ClaimSensor(ctx context.Context, id, remoteID, owner string) (types.Sensor, error)
	UnclaimSensor(ctx context.Context, id string) (types.Sensor, error)
	UpdateSensorName(ctx context.Context, id, name string) (types.Sensor, error)
	DeleteSensor(ctx context.Context, id string) error
	Counts(ctx context.Context) (persistence.Counts, error)
}

type Cloud interface {
	RequestCode(ctx context.Context, email string) (string, error)
	ValidateCode(ctx context.Context, code string) (cloud.Verified, error)
	Claim(ctx context.Context, sensorID, name string) error
	Unclaim(ctx context.Context, sensorID string) error
	UpdateName(ctx context.Context, sensorID, name string) error
	LoadShared(ctx context.Context, sensorID string) ([]cloud.SharedSensor, error)
	Share(ctx context.Context, sensorID, email string) error
	Unshare(ctx context.Context, sensorID, email string) error
	LoadAlerts(ctx context.Context) ([]cloud.SensorAlerts, error)
	SetAlert(ctx context.Context, a cloud.Alert) error
	LoadSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, name, value string) error
	UploadImage(ctx context.Context, sensorID, mimeType string, image io.Reader) (string, error)
	ResetImage(ctx context.Context, sensorID string) error
}

type Calibrator interface {
	SetOffset(ctx context.Context, sensorID string, ch types.Channel, target float64, lastRaw *types.SensorRecord) (types.SensorSettings, error)
	ClearOffset(ctx context.Context, sensorID string, ch types.Channel) (types.SensorSettings, error)
}

// LogSyncer downloads a device's logs over BLE. *daemon.DeviceLogs is one.
type LogSyncer interface {
	SyncDevice(ctx context.Context, address string) (int, error)
}

type Syncer interface {
	Sync(ctx context.Context) (daemon.SyncResult, error)
}

// Session is the signed-in cloud account. *session.Session is one.
type Session interface {
	Set(email, apiKey string) error
	Clear() error
	Email() string
	Authorized() bool
	LastSync() time.Time
}

// VirtualStore keeps the locations of virtual sensors. *persistence.Store is one.
type VirtualStore interface {
	CreateVirtualSensor(ctx context.Context, v types.VirtualSensor) error
	ReadVirtualSensor(ctx context.Context, id string) (types.VirtualSensor, error)
}

// WeatherRefresher feeds virtual sensors. *daemon.Weather is one.
type WeatherRefresher interface {
	Refresh(ctx context.Context, id string) (int, error)
}

// SubscriberCounter reports live change subscriptions. *reactor.Reactor is one.
type SubscriberCounter interface {
	Count() int
}

type Deps struct {
	Store       Store
	Cloud       Cloud
	Calibrator  Calibrator
	Syncer      Syncer
	Logs        LogSyncer
	Session     Session
	Virtual     VirtualStore
	Weather     WeatherRefresher
	Provider    string
	Subscribers SubscriberCounter
	Logger      *slog.Logger
}

type Service struct {
	store    Store
	cloud    Cloud
	calib    Calibrator
	syncer   Syncer
	logs     LogSyncer
	session  Session
	virtual  VirtualStore
	weather  WeatherRefresher
	provider string
	subs     SubscriberCounter
	logger   *slog.Logger
}

func NewService(d Deps) (*Service, error) {
	if d.Store == nil || d.Calibrator == nil || d.Session == nil {
		return nil, errors.New("sensors service needs a store, a calibrator and a session")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		store:    d.Store,
		cloud:    d.Cloud,
		calib:    d.Calibrator,
		syncer:   d.Syncer,
		logs:     d.Logs,
		session:  d.Session,
		virtual:  d.Virtual,
		weather:  d.Weather,
		provider: d.Provider,
		subs:     d.Subscribers,
		logger:   d.Logger.With("component", "sensors"),
	}, nil
}

// SensorView is a sensor with its latest record and calibration. Virtual
// sensors also carry their provider and location.
type SensorView struct {
	types.Sensor
	Latest   *types.SensorRecord   `json:"latest,omitempty"`
	Settings *types.SensorSettings `json:"settings,omitempty"`
	Provider string                `json:"provider,omitempty"`
	Location *types.Location       `json:"location,omitempty"`
}

func (s *Service) Sensors(ctx context.Context) ([]SensorView, error) {
	sensors, err := s.store.ReadSensors(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SensorView, 0, len(sensors))
	for _, sensor := range sensors {
		v, err := s.view(ctx, sensor)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Service) Sensor(ctx context.Context, id string) (SensorView, error) {
	sensor, err := s.store.ReadSensor(ctx, id)
	if err != nil {
		return SensorView{}, err
	}
	return s.view(ctx, sensor)
}

func (s *Service) view(ctx context.Context, sensor types.Sensor) (SensorView, error) {
	v := SensorView{Sensor: sensor}
	last, ok, err := s.store.ReadLast(ctx, sensor.ID)
	if err != nil {
		return SensorView{}, err
	}
	if ok {
		v.Latest = &last
	}
	st, ok, err := s.store.ReadSensorSettings(ctx, sensor.ID)
	if err != nil {
		return SensorView{}, err
	}
	if ok {
		v.Settings = &st
	}
	if sensor.IsVirtual() && s.virtual != nil {
		vs, err := s.virtual.ReadVirtualSensor(ctx, sensor.ID)
		if err != nil && !errors.Is(err, errs.ErrSensorNotFound) {
			return SensorView{}, err
		}
		if err == nil {
			v.Provider = vs.Provider
			v.Location = &vs.Location
		}
	}
	return v, nil
}

func (s *Service) Records(ctx context.Context, id string, since, until time.Time, interval time.Duration) ([]types.SensorRecord, error) {
	return s.store.ReadRange(ctx, id, since, until, interval)
}

// Latest returns the sensor's most recent record, ErrSensorNotFound when it has none.
func (s *Service) Latest(ctx context.Context, id string) (types.SensorRecord, error) {
	r, ok, err := s.store.ReadLast(ctx, id)
	if err != nil {
		return types.SensorRecord{}, err
	}
	if !ok {
		return types.SensorRecord{}, fmt.Errorf("no records for %q: %w", id, errs.ErrSensorNotFound)
	}
	return r, nil
}

func (s *Service) SetOffset(ctx context.Context, id string, ch types.Channel, target float64) (types.SensorSettings, error) {
	return s.calib.SetOffset(ctx, id, ch, target, nil)
}

func (s *Service) ClearOffset(ctx context.Context, id string, ch types.Channel) (types.SensorSettings, error) {
	return s.calib.ClearOffset(ctx, id, ch)
}

// Rename renames the sensor locally and, for owned claimed sensors, on the cloud.
func (s *Service) Rename(ctx context.Context, id, name string) (types.Sensor, error) {
	sensor, err := s.store.UpdateSensorName(ctx, id, name)
	if err != nil {
		return types.Sensor{}, err
	}
	if sensor.IsClaimed && sensor.IsOwner && s.cloudReady() {
		if err := s.cloud.UpdateName(ctx, sensor.RemoteID, sensor.Name); err != nil {
			return sensor, fmt.Errorf("rename %q on cloud: %w", sensor.ID, err)
		}
	}
	return sensor, nil
}

// Claim registers a local sensor to the signed-in account.
func (s *Service) Claim(ctx context.Context, id string) (types.Sensor, error) {
	if !s.cloudReady() {
		return types.Sensor{}, errs.ErrNotAuthorized
	}
	sensor, err := s.store.ReadSensor(ctx, id)
	if err != nil {
		return types.Sensor{}, err
	}
	if sensor.IsClaimed || sensor.IsVirtual() {
		return types.Sensor{}, fmt.Errorf("claim %q: %w", sensor.ID, errs.ErrImmutable)
	}
	remoteID := sensor.LocalID
	if remoteID == "" {
		remoteID = sensor.ID
	}
	if err := s.cloud.Claim(ctx, remoteID, sensor.Name); err != nil {
		return types.Sensor{}, err
	}
	claimed, err := s.store.ClaimSensor(ctx, sensor.ID, remoteID, s.session.Email())
	if err != nil {
		return types.Sensor{}, err
	}
	s.logger.Info("sensor claimed", "sensor_id", claimed.ID)
	return claimed, nil
}

func (s *Service) Unclaim(ctx context.Context, id string) (types.Sensor, error) {
	if !s.cloudReady() {
		return types.Sensor{}, errs.ErrNotAuthorized
	}
	sensor, err := s.store.ReadSensor(ctx, id)
	if err != nil {
		return types.Sensor{}, err
	}
	if !sensor.IsClaimed {
		return sensor, nil
	}
	if err := s.cloud.Unclaim(ctx, sensor.RemoteID); err != nil {
		return types.Sensor{}, err
	}
	out, err := s.store.UnclaimSensor(ctx, sensor.ID)
	if err != nil {
		return types.Sensor{}, err
	}
	s.logger.Info("sensor unclaimed", "sensor_id", out.ID)
	return out, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSensor(ctx, id)
}

func (s *Service) Sync(ctx context.Context) (daemon.SyncResult, error) {
	if s.syncer == nil || !s.session.Authorized() {
		return daemon.SyncResult{}, errs.ErrNotAuthorized
	}
	return s.syncer.Sync(ctx)
}

// SyncLogs downloads the logs the device recorded since the last download.
func (s *Service) SyncLogs(ctx context.Context, id string) (int, error) {
	if s.logs == nil {
		return 0, fmt.Errorf("ble: %w", errs.ErrUnavailable)
	}
	sensor, err := s.store.ReadSensor(ctx, id)
	if err != nil {
		return 0, err
	}
	if sensor.IsVirtual() {
		return 0, errs.Invalid("sensor %q has no device logs", sensor.ID)
	}
	address := sensor.LocalID
	if address == "" {
		address = sensor.ID
	}
	return s.logs.SyncDevice(ctx, address)
}

// Status describes the store, the cloud session and the live streams.
type Status struct {
	Email       string             `json:"email,omitempty"`
	Authorized  bool               `json:"authorized"`
	LastSync    *time.Time         `json:"lastSync,omitempty"`
	Counts      persistence.Counts `json:"counts"`
	Subscribers int                `json:"subscribers"`
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	c, err := s.store.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Email: s.session.Email(), Authorized: s.session.Authorized(), Counts: c}
	if t := s.session.LastSync(); !t.IsZero() {
		st.LastSync = &t
	}
	if s.subs != nil {
		st.Subscribers = s.subs.Count()
	}
	return st, nil
}

// RequestCode starts a sign-in: the cloud emails a code to email.
func (s *Service) RequestCode(ctx context.Context, email string) (string, error) {
	if s.cloud == nil {
		return "", fmt.Errorf("cloud: %w", errs.ErrUnavailable)
	}
	return s.cloud.RequestCode(ctx, strings.TrimSpace(email))
}

// VerifyCode completes a sign-in and stores the session.
func (s *Service) VerifyCode(ctx context.Context, code string) (string, error) {
	if s.cloud == nil {
		return "", fmt.Errorf("cloud: %w", errs.ErrUnavailable)
	}
	v, err := s.cloud.ValidateCode(ctx, code)
	if err != nil {
		return "", err
	}
	if err := s.session.Set(v.Email, v.APIKey); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	s.logger.Info("signed in", "email", v.Email, "new_user", v.NewUser)
	return v.Email, nil
}

func (s *Service) SignOut() error {
	if err := s.session.Clear(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	s.logger.Info("signed out")
	return nil
}

func (s *Service) cloudReady() bool {
	return s.cloud != nil && s.session.Authorized()
}
