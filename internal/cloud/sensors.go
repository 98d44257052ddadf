package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"beaconsync/internal/errs"
	"beaconsync/internal/merge"
	"beaconsync/internal/types"
)

// LoadSensors lists the sensors of the account, owned and shared.
func (c *Client) LoadSensors(ctx context.Context) ([]CloudSensor, error) {
	var out userResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: "/user", auth: true}, &out); err != nil {
		return nil, err
	}
	sensors := make([]CloudSensor, 0, len(out.Sensors))
	for _, e := range out.Sensors {
		isOwner := e.Owner != "" && strings.EqualFold(e.Owner, out.Email)
		s, err := types.NewCloudSensor(e.Sensor, e.Name, e.Owner, isOwner)
		if err != nil {
			c.logger.Warn("skip cloud sensor", "sensor", e.Sensor, "error", err)
			continue
		}
		cs := CloudSensor{
			Sensor:            s,
			Picture:           e.Picture,
			Public:            e.Public,
			TemperatureOffset: e.OffsetTemperature,
		}
		if e.OffsetHumidity != nil {
			v := merge.HumidityFraction(*e.OffsetHumidity)
			cs.HumidityOffset = &v
		}
		if e.OffsetPressure != nil {
			v := merge.PressureHPa(*e.OffsetPressure)
			cs.PressureOffset = &v
		}
		sensors = append(sensors, cs)
	}
	return sensors, nil
}

// LoadShared lists who the sensor is shared with.
func (c *Client) LoadShared(ctx context.Context, sensorID string) ([]SharedSensor, error) {
	var out struct {
		Sensors []SharedSensor `json:"sensors"`
	}
	q := url.Values{"sensor": {sensorID}}
	if err := c.do(ctx, request{method: http.MethodGet, path: "/sensors", query: q, auth: true}, &out); err != nil {
		return nil, err
	}
	return out.Sensors, nil
}

func (c *Client) Claim(ctx context.Context, sensorID, name string) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/claim", auth: true, body: claimRequest{Sensor: sensorID, Name: name}}, nil)
}

func (c *Client) Unclaim(ctx context.Context, sensorID string) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/unclaim", auth: true, body: claimRequest{Sensor: sensorID}}, nil)
}

func (c *Client) Share(ctx context.Context, sensorID, email string) error {
	if strings.TrimSpace(email) == "" {
		return errors.New("share needs an email")
	}
	return c.do(ctx, request{method: http.MethodPost, path: "/share", auth: true, body: shareRequest{Sensor: sensorID, User: email}}, nil)
}

// Unshare removes one user, or everyone when email is empty.
func (c *Client) Unshare(ctx context.Context, sensorID, email string) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/unshare", auth: true, body: shareRequest{Sensor: sensorID, User: email}}, nil)
}

func (c *Client) UpdateName(ctx context.Context, sensorID, name string) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/update", auth: true, body: updateRequest{Sensor: sensorID, Name: name}}, nil)
}

// UpdateOffsets pushes the calibration record of a claimed sensor. Offsets
// are converted from record units to cloud units; nil channels are left
// unchanged on the cloud.
func (c *Client) UpdateOffsets(ctx context.Context, sensorID string, settings types.SensorSettings) error {
	req := updateRequest{Sensor: sensorID, OffsetTemperature: settings.TemperatureOffset}
	if settings.HumidityOffset != nil {
		v := merge.HumidityPercent(*settings.HumidityOffset)
		req.OffsetHumidity = &v
	}
	if settings.PressureOffset != nil {
		v := merge.PressurePa(*settings.PressureOffset)
		req.OffsetPressure = &v
	}
	return c.do(ctx, request{method: http.MethodPost, path: "/update", auth: true, body: req}, nil)
}

// UploadImage sets the sensor background. The cloud hands out an upload
// URL and the image bytes are PUT there. Returns the URL.
func (c *Client) UploadImage(ctx context.Context, sensorID, mimeType string, image io.Reader) (string, error) {
	if mimeType == "" {
		return "", errors.New("upload needs a mime type")
	}
	var out struct {
		UploadURL string `json:"uploadURL"`
	}
	body := uploadRequest{Sensor: sensorID, Type: "sensor", Action: "upload", MimeType: mimeType}
	if err := c.do(ctx, request{method: http.MethodPost, path: "/upload", auth: true, body: body}, &out); err != nil {
		return "", err
	}
	if out.UploadURL == "" {
		return "", errs.Decode("upload data", errors.New("missing upload url"))
	}

	b, err := io.ReadAll(image)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, out.UploadURL, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("build image upload: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.Transport("PUT image", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return "", &APIError{Status: resp.StatusCode, Message: "image upload rejected"}
	}
	return out.UploadURL, nil
}

func (c *Client) ResetImage(ctx context.Context, sensorID string) error {
	body := uploadRequest{Sensor: sensorID, Type: "sensor", Action: "reset"}
	return c.do(ctx, request{method: http.MethodPost, path: "/upload", auth: true, body: body}, nil)
}
