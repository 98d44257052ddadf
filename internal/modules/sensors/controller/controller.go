package controller

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"beaconsync/internal/cloud"
	"beaconsync/internal/daemon"
	"beaconsync/internal/modules/sensors/service"
	"beaconsync/internal/reactor"
	"beaconsync/internal/types"
)

// SensorsService is what the handlers need from the sensors feature.
// *service.Service is one.
type SensorsService interface {
	Sensors(ctx context.Context) ([]service.SensorView, error)
	Sensor(ctx context.Context, id string) (service.SensorView, error)
	Records(ctx context.Context, id string, since, until time.Time, interval time.Duration) ([]types.SensorRecord, error)
	Latest(ctx context.Context, id string) (types.SensorRecord, error)
	SetOffset(ctx context.Context, id string, ch types.Channel, target float64) (types.SensorSettings, error)
	ClearOffset(ctx context.Context, id string, ch types.Channel) (types.SensorSettings, error)
	Rename(ctx context.Context, id, name string) (types.Sensor, error)
	Claim(ctx context.Context, id string) (types.Sensor, error)
	Unclaim(ctx context.Context, id string) (types.Sensor, error)
	Delete(ctx context.Context, id string) error
	Sync(ctx context.Context) (daemon.SyncResult, error)
	SyncLogs(ctx context.Context, id string) (int, error)
	Status(ctx context.Context) (service.Status, error)
	RequestCode(ctx context.Context, email string) (string, error)
	VerifyCode(ctx context.Context, code string) (string, error)
	SignOut() error

	Shares(ctx context.Context, id string) ([]string, error)
	Share(ctx context.Context, id, email string) error
	Unshare(ctx context.Context, id, email string) error
	Alerts(ctx context.Context, id string) ([]cloud.Alert, error)
	SetAlert(ctx context.Context, id string, a cloud.Alert) (cloud.Alert, error)
	AccountSettings(ctx context.Context) (map[string]string, error)
	SetAccountSetting(ctx context.Context, name, value string) error
	UploadImage(ctx context.Context, id, mimeType string, image io.Reader) (string, error)
	ResetImage(ctx context.Context, id string) error
	AddVirtualSensor(ctx context.Context, name string, loc types.Location) (service.SensorView, error)
}

// Streamer opens live subscriptions. *reactor.Reactor is one.
type Streamer interface {
	SubscribeSensors(ctx context.Context, h reactor.Handler) (*reactor.Subscription, error)
	SubscribeHistory(ctx context.Context, sensorID string, since time.Time, h reactor.Handler) (*reactor.Subscription, error)
	SubscribeSettings(ctx context.Context, sensorID string, h reactor.Handler) (*reactor.Subscription, error)
}

type SensorsController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type sensorsControllerImpl struct {
	service  SensorsService
	streamer Streamer
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewSensorsController builds the HTTP surface. allowedOrigins limits which
// browser origins may open streams; empty or "*" allows any.
func NewSensorsController(svc SensorsService, streamer Streamer, allowedOrigins []string, logger *slog.Logger) SensorsController {
	if logger == nil {
		logger = slog.Default()
	}
	return &sensorsControllerImpl{
		service:  svc,
		streamer: streamer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger,
	}
}

func (c *sensorsControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", c.handleDashboard)
	mux.HandleFunc("GET /partials/sensors", c.handleSensorsPartial)

	mux.HandleFunc("GET /api/v1/sensors", c.handleSensors)
	mux.HandleFunc("GET /api/v1/sensors/{id}", c.handleSensor)
	mux.HandleFunc("PUT /api/v1/sensors/{id}", c.handleRename)
	mux.HandleFunc("DELETE /api/v1/sensors/{id}", c.handleDelete)
	mux.HandleFunc("GET /api/v1/sensors/{id}/records", c.handleRecords)
	mux.HandleFunc("GET /api/v1/sensors/{id}/latest", c.handleLatest)
	mux.HandleFunc("PUT /api/v1/sensors/{id}/offsets/{channel}", c.handleSetOffset)
	mux.HandleFunc("DELETE /api/v1/sensors/{id}/offsets/{channel}", c.handleClearOffset)
	mux.HandleFunc("POST /api/v1/sensors/{id}/claim", c.handleClaim)
	mux.HandleFunc("POST /api/v1/sensors/{id}/unclaim", c.handleUnclaim)
	mux.HandleFunc("POST /api/v1/sensors/{id}/logs", c.handleSyncLogs)
	mux.HandleFunc("GET /api/v1/sensors/{id}/shares", c.handleShares)
	mux.HandleFunc("POST /api/v1/sensors/{id}/shares", c.handleShare)
	mux.HandleFunc("DELETE /api/v1/sensors/{id}/shares", c.handleUnshare)
	mux.HandleFunc("DELETE /api/v1/sensors/{id}/shares/{email}", c.handleUnshare)
	mux.HandleFunc("GET /api/v1/sensors/{id}/alerts", c.handleAlerts)
	mux.HandleFunc("PUT /api/v1/sensors/{id}/alerts/{type}", c.handleSetAlert)
	mux.HandleFunc("PUT /api/v1/sensors/{id}/image", c.handleUploadImage)
	mux.HandleFunc("DELETE /api/v1/sensors/{id}/image", c.handleResetImage)

	mux.HandleFunc("POST /api/v1/virtual-sensors", c.handleAddVirtualSensor)

	mux.HandleFunc("POST /api/v1/sync", c.handleSync)
	mux.HandleFunc("GET /api/v1/status", c.handleStatus)

	mux.HandleFunc("POST /api/v1/session/code", c.handleRequestCode)
	mux.HandleFunc("POST /api/v1/session/verify", c.handleVerifyCode)
	mux.HandleFunc("DELETE /api/v1/session", c.handleSignOut)
	mux.HandleFunc("GET /api/v1/account/settings", c.handleAccountSettings)
	mux.HandleFunc("PUT /api/v1/account/settings/{name}", c.handleSetAccountSetting)

	if c.streamer != nil {
		mux.HandleFunc("GET /api/v1/stream/sensors", c.handleStreamSensors)
		mux.HandleFunc("GET /api/v1/stream/sensors/{id}", c.handleStreamHistory)
		mux.HandleFunc("GET /api/v1/stream/sensors/{id}/settings", c.handleStreamSettings)
	}
}
