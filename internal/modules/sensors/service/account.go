package service

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"beaconsync/internal/cloud"
	"beaconsync/internal/errs"
	"beaconsync/internal/types"
)

// claimedSensor returns the sensor when the session can act on its cloud
// identity.
func (s *Service) claimedSensor(ctx context.Context, id string) (types.Sensor, error) {
	if !s.cloudReady() {
		return types.Sensor{}, errs.ErrNotAuthorized
	}
	sensor, err := s.store.ReadSensor(ctx, id)
	if err != nil {
		return types.Sensor{}, err
	}
	if !sensor.IsClaimed || sensor.RemoteID == "" {
		return types.Sensor{}, errs.Invalid("sensor %q is not claimed", sensor.ID)
	}
	return sensor, nil
}

// Shares lists the accounts the sensor is shared with.
func (s *Service) Shares(ctx context.Context, id string) ([]string, error) {
	sensor, err := s.claimedSensor(ctx, id)
	if err != nil {
		return nil, err
	}
	shared, err := s.cloud.LoadShared(ctx, sensor.RemoteID)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, sh := range shared {
		if strings.EqualFold(sh.Sensor, sensor.RemoteID) {
			out = append(out, sh.SharedTo...)
		}
	}
	return out, nil
}

func (s *Service) Share(ctx context.Context, id, email string) error {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return errs.Invalid("share %q: invalid email %q", id, email)
	}
	sensor, err := s.claimedSensor(ctx, id)
	if err != nil {
		return err
	}
	if !sensor.IsOwner {
		return fmt.Errorf("share %q: not the owner: %w", sensor.ID, errs.ErrNotAuthorized)
	}
	if err := s.cloud.Share(ctx, sensor.RemoteID, addr.Address); err != nil {
		return err
	}
	s.logger.Info("sensor shared", "sensor_id", sensor.ID, "email", addr.Address)
	return nil
}

// Unshare removes one account from the sensor, or every account when email
// is empty.
func (s *Service) Unshare(ctx context.Context, id, email string) error {
	sensor, err := s.claimedSensor(ctx, id)
	if err != nil {
		return err
	}
	email = strings.TrimSpace(email)
	if err := s.cloud.Unshare(ctx, sensor.RemoteID, email); err != nil {
		return err
	}
	s.logger.Info("sensor unshared", "sensor_id", sensor.ID, "email", email)
	return nil
}

// Alerts returns the alert rules configured on the cloud for the sensor.
func (s *Service) Alerts(ctx context.Context, id string) ([]cloud.Alert, error) {
	sensor, err := s.claimedSensor(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := s.cloud.LoadAlerts(ctx)
	if err != nil {
		return nil, err
	}
	out := []cloud.Alert{}
	for _, sa := range all {
		if strings.EqualFold(sa.Sensor, sensor.RemoteID) {
			out = append(out, sa.Alerts...)
		}
	}
	return out, nil
}

func (s *Service) SetAlert(ctx context.Context, id string, a cloud.Alert) (cloud.Alert, error) {
	a.Type = strings.TrimSpace(a.Type)
	if a.Type == "" {
		return cloud.Alert{}, errs.Invalid("alert for %q has no type", id)
	}
	if a.Min > a.Max {
		return cloud.Alert{}, errs.Invalid("alert %s for %q: min %v above max %v", a.Type, id, a.Min, a.Max)
	}
	sensor, err := s.claimedSensor(ctx, id)
	if err != nil {
		return cloud.Alert{}, err
	}
	a.Sensor = sensor.RemoteID
	if err := s.cloud.SetAlert(ctx, a); err != nil {
		return cloud.Alert{}, err
	}
	return a, nil
}

// AccountSettings returns the cloud account's settings.
func (s *Service) AccountSettings(ctx context.Context) (map[string]string, error) {
	if !s.cloudReady() {
		return nil, errs.ErrNotAuthorized
	}
	return s.cloud.LoadSettings(ctx)
}

func (s *Service) SetAccountSetting(ctx context.Context, name, value string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errs.Invalid("setting has no name")
	}
	if !s.cloudReady() {
		return errs.ErrNotAuthorized
	}
	return s.cloud.SetSetting(ctx, name, value)
}

// UploadImage sets the sensor's background picture on the cloud. Returns
// the image URL.
func (s *Service) UploadImage(ctx context.Context, id, mimeType string, image io.Reader) (string, error) {
	if !strings.HasPrefix(mimeType, "image/") {
		return "", errs.Invalid("upload for %q: %q is not an image type", id, mimeType)
	}
	sensor, err := s.claimedSensor(ctx, id)
	if err != nil {
		return "", err
	}
	u, err := s.cloud.UploadImage(ctx, sensor.RemoteID, mimeType, image)
	if err != nil {
		return "", err
	}
	s.logger.Info("sensor image uploaded", "sensor_id", sensor.ID)
	return u, nil
}

func (s *Service) ResetImage(ctx context.Context, id string) error {
	sensor, err := s.claimedSensor(ctx, id)
	if err != nil {
		return err
	}
	return s.cloud.ResetImage(ctx, sensor.RemoteID)
}
