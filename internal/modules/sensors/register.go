// Package sensors wires the sensors feature: the local HTTP API, the
// dashboard and the MQTT gateway feed.
package sensors

import (
	"log/slog"
	"net/http"

	"beaconsync/internal/modules/sensors/controller"
	"beaconsync/internal/modules/sensors/service"
)

func RegisterFeature(mux *http.ServeMux, svc *service.Service, streamer controller.Streamer, allowedOrigins []string, logger *slog.Logger) {
	sensorsController := controller.NewSensorsController(svc, streamer, allowedOrigins, logger)
	sensorsController.RegisterRoutes(mux)
}
