package sensors

import (
	"context"
	"log/slog"

	"beaconsync/internal/mqtt"
)

// MQTTSubscriber interface for attaching message handlers
type MQTTSubscriber interface {
	SetMessageHandler(handler func(msg mqtt.GatewayMessage) error)
}

// GatewayIngestor stores gateway-relayed advertisements. *daemon.Ingestor is one.
type GatewayIngestor interface {
	HandleGatewayMessage(ctx context.Context, msg mqtt.GatewayMessage) error
}

// RegisterMQTT feeds gateway messages into the ingestor. ctx bounds every
// store write the handler makes.
func RegisterMQTT(ctx context.Context, subscriber MQTTSubscriber, ingestor GatewayIngestor, logger *slog.Logger) {
	subscriber.SetMessageHandler(func(msg mqtt.GatewayMessage) error {
		logger.Debug("processing gateway message",
			"address", msg.Address,
			"timestamp", msg.Timestamp,
		)

		if err := ingestor.HandleGatewayMessage(ctx, msg); err != nil {
			logger.Error("failed to ingest gateway message",
				"address", msg.Address,
				"error", err,
			)
			return err
		}
		return nil
	})
}
