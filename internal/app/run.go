// Package app assembles the pipeline: store, reactor, cloud session,
// daemons, MQTT and BLE feeds and the local HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"beaconsync/internal/ble"
	"beaconsync/internal/calibration"
	"beaconsync/internal/cloud"
	"beaconsync/internal/config"
	"beaconsync/internal/daemon"
	"beaconsync/internal/db"
	"beaconsync/internal/errs"
	"beaconsync/internal/httpapi"
	"beaconsync/internal/migrate"
	"beaconsync/internal/modules/sensors"
	"beaconsync/internal/modules/sensors/service"
	"beaconsync/internal/modules/sensors/views"
	"beaconsync/internal/mqtt"
	"beaconsync/internal/persistence"
	"beaconsync/internal/reactor"
	"beaconsync/internal/session"
	"beaconsync/internal/types"
	"beaconsync/internal/weather"
)

const mqttConnectTimeout = 5 * time.Second

func Run(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"dbDriver", cfg.DB.Driver,
		"sqlitePath", cfg.DB.Path,
		"sessionPath", cfg.SessionPath,
		"cloudBaseURL", cfg.Cloud.BaseURL,
		"cloudSyncInterval", cfg.Cloud.SyncInterval,
		"mqttEnabled", cfg.MQTT.Enabled,
		"mqttBroker", cfg.MQTT.Broker,
		"mqttPort", cfg.MQTT.Port,
		"mqttTopic", cfg.MQTT.Topic,
		"bleEnabled", cfg.BLE.Enabled,
		"retentionPeriod", cfg.Retention.Period,
		"weatherEnabled", cfg.Weather.Enabled(),
	)

	dbConn, err := db.Open(cfg.DB, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(dbConn); closeErr != nil {
			logger.Error("db close", "error", closeErr)
		}
	}()

	applied, err := migrate.Run(ctx, dbConn)
	if err != nil {
		return err
	}
	logger.Info("database ready", "migrations_applied", len(applied))

	store := persistence.NewStore(dbConn, logger)
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("store close", "error", closeErr)
		}
	}()
	changes := reactor.New(store, logger)
	defer changes.Close()

	sess, err := session.Load(cfg.SessionPath)
	if err != nil {
		return err
	}
	cloudClient, err := cloud.NewClient(cfg.Cloud, sess, ble.DecodeStored, logger)
	if err != nil {
		return err
	}

	calibrator := calibration.NewService(store, cloudClient, logger)
	ingestor := daemon.NewIngestor(store, cfg.Ingest, logger)
	store.AddListener(ingestor)
	cloudSync := daemon.NewCloudSync(store, cloudClient, sess, cfg.Cloud, logger)

	var scanner *ble.Scanner
	var deviceLogs service.LogSyncer
	if cfg.BLE.Enabled {
		scanner = ble.NewScanner(ble.Options{Adapter: cfg.BLE.Adapter}, logger)
		deviceLogs = daemon.NewDeviceLogs(daemon.NewLogSync(store, daemon.DefaultLogWindow, logger), dialer(ctx, scanner, ingestor, logger))
	}

	var retention *daemon.Retention
	if cfg.Retention.Period > 0 {
		if retention, err = daemon.NewRetention(store, cfg.Retention, logger); err != nil {
			return err
		}
	}

	var refresher *daemon.Weather
	deps := service.Deps{
		Store:       store,
		Cloud:       cloudClient,
		Calibrator:  calibrator,
		Syncer:      cloudSync,
		Logs:        deviceLogs,
		Session:     sess,
		Virtual:     store,
		Subscribers: changes,
		Logger:      logger,
	}
	if cfg.Weather.Enabled() {
		weatherClient, err := weather.NewClient(cfg.Weather, logger)
		if err != nil {
			return err
		}
		if refresher, err = daemon.NewWeather(store, weatherClient, cfg.Weather, logger); err != nil {
			return err
		}
		deps.Weather, deps.Provider = refresher, weatherClient.Provider()
	}

	svc, err := service.NewService(deps)
	if err != nil {
		return err
	}

	if err := views.LoadTemplates(); err != nil {
		return err
	}
	mux := httpapi.NewMux(store)
	sensors.RegisterFeature(mux, svc, changes, cfg.AllowedOrigins, logger)
	srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.Wrap(mux, cfg.AllowedOrigins, logger))

	g, gctx := errgroup.WithContext(ctx)

	// The handler is set before Connect so the subscription made on connect
	// delivers to it from the first message.
	if cfg.MQTT.Enabled {
		subscriber, err := mqtt.NewSubscriber(cfg.MQTT, logger)
		if err != nil {
			return err
		}
		sensors.RegisterMQTT(gctx, subscriber, ingestor, logger)

		connectCtx, connectCancel := context.WithTimeout(ctx, mqttConnectTimeout)
		err = subscriber.Connect(connectCtx)
		connectCancel()
		if err != nil {
			logger.Warn("mqtt connection failed (continuing without mqtt)", "error", err)
		}
		defer func() {
			logger.Info("mqtt disconnecting")
			subscriber.Disconnect()
		}()
	}

	if scanner != nil {
		g.Go(func() error {
			err := scanner.Run(gctx, func(obs ble.Observation) {
				if err := ingestor.HandleObservation(gctx, obs, types.SourceAdvertisement); err != nil && gctx.Err() == nil {
					logger.Warn("advertisement not stored", "address", obs.Address, "error", err)
				}
			})
			if err != nil {
				logger.Warn("ble scanning unavailable (continuing without ble)", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error { return cloudSync.Run(gctx) })

	if retention != nil {
		g.Go(func() error { return retention.Run(gctx) })
	}

	if refresher != nil {
		g.Go(func() error { return refresher.Run(gctx) })
	}

	g.Go(func() error { return httpapi.Serve(gctx, srv) })

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// dialer connects to a device by address; heartbeats arriving on the
// connection are ingested like advertisements.
func dialer(ctx context.Context, scanner *ble.Scanner, ingestor *daemon.Ingestor, logger *slog.Logger) daemon.Dialer {
	return func(dialCtx context.Context, address string) (daemon.DeviceConn, error) {
		conn, err := scanner.Connect(dialCtx, address, func(obs ble.Observation) {
			if err := ingestor.HandleObservation(ctx, obs, types.SourceHeartbeat); err != nil && ctx.Err() == nil {
				logger.Warn("heartbeat not stored", "address", obs.Address, "error", err)
			}
		})
		if errors.Is(err, ble.ErrUnknownDevice) {
			return nil, fmt.Errorf("%w: %w", errs.ErrUnavailable, err)
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
