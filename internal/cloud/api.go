package cloud

import (
	"encoding/json"
	"fmt"
	"net/http"

	"beaconsync/internal/errs"
	"beaconsync/internal/types"
)

const resultSuccess = "success"

type envelope struct {
	Result string          `json:"result"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
	Code   string          `json:"code"`
}

// APIError is a failure reported by the cloud.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("cloud api: %s (%s, status %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("cloud api: %s (status %d)", e.Message, e.Status)
}

// Is matches errs.ErrNotAuthorized for rejected tokens and
// errs.ErrSensorNotFound for unknown sensors.
func (e *APIError) Is(target error) bool {
	switch target {
	case errs.ErrNotAuthorized:
		return e.Status == http.StatusUnauthorized || e.Code == "ER_UNAUTHORIZED"
	case errs.ErrSensorNotFound:
		return e.Code == "ER_SENSOR_NOT_FOUND"
	}
	return false
}

type Verified struct {
	Email   string
	APIKey  string
	NewUser bool
}

type registerRequest struct {
	Email string `json:"email"`
}

type verifyResponse struct {
	Email       string `json:"email"`
	AccessToken string `json:"accessToken"`
	NewUser     bool   `json:"newUser"`
}

type userResponse struct {
	Email   string        `json:"email"`
	Sensors []sensorEntry `json:"sensors"`
}

// sensorEntry carries offsets in cloud units: humidity in %RH, pressure in Pa.
type sensorEntry struct {
	Sensor            string   `json:"sensor"`
	Owner             string   `json:"owner"`
	Name              string   `json:"name"`
	Picture           string   `json:"picture"`
	Public            bool     `json:"public"`
	OffsetTemperature *float64 `json:"offsetTemperature"`
	OffsetHumidity    *float64 `json:"offsetHumidity"`
	OffsetPressure    *float64 `json:"offsetPressure"`
}

// CloudSensor is a sensor listed for the account. Offsets are in record
// units: °C, fraction of one, hPa.
type CloudSensor struct {
	types.Sensor
	Picture           string
	Public            bool
	TemperatureOffset *float64
	HumidityOffset    *float64
	PressureOffset    *float64
}

// Settings returns the listed offsets as a calibration record for the sensor.
func (s CloudSensor) Settings() types.SensorSettings {
	st, _ := types.NewCloudSettings(s.RemoteID)
	st.TemperatureOffset = s.TemperatureOffset
	st.HumidityOffset = s.HumidityOffset
	st.PressureOffset = s.PressureOffset
	return st
}

type SharedSensor struct {
	Sensor   string   `json:"sensor"`
	SharedTo []string `json:"sharedTo"`
}

type claimRequest struct {
	Sensor string `json:"sensor"`
	Name   string `json:"name,omitempty"`
}

type shareRequest struct {
	Sensor string `json:"sensor"`
	User   string `json:"user,omitempty"`
}

type updateRequest struct {
	Sensor            string   `json:"sensor"`
	Name              string   `json:"name,omitempty"`
	OffsetTemperature *float64 `json:"offsetTemperature,omitempty"`
	OffsetHumidity    *float64 `json:"offsetHumidity,omitempty"`
	OffsetPressure    *float64 `json:"offsetPressure,omitempty"`
}

type uploadRequest struct {
	Sensor   string `json:"sensor"`
	Type     string `json:"type"`
	Action   string `json:"action"`
	MimeType string `json:"mimeType,omitempty"`
}

type settingRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type SensorAlerts struct {
	Sensor string  `json:"sensor"`
	Alerts []Alert `json:"alerts"`
}

type Alert struct {
	Sensor      string  `json:"sensor"`
	Enabled     bool    `json:"enabled"`
	Type        string  `json:"type"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Description string  `json:"description"`
	Counter     int     `json:"counter"`
}

type historyResponse struct {
	Sensor       string        `json:"sensor"`
	Total        int           `json:"total"`
	Measurements []measurement `json:"measurements"`
}

type measurement struct {
	Gateway   string `json:"gwmac"`
	RSSI      *int   `json:"rssi"`
	Timestamp int64  `json:"timestamp"`
	Data      string `json:"data"`
}
