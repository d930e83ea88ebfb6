// HomeSync Core - real-time device command and state synchronisation.
//
// This is the server entry point. It loads configuration, opens the device
// and user store, connects to the MQTT broker and optional Redis/InfluxDB
// backends, and serves the REST API and WebSocket sessions until it receives
// SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/homesync-core/migrations"

	"github.com/nerrad567/homesync-core/internal/alert"
	"github.com/nerrad567/homesync-core/internal/api"
	"github.com/nerrad567/homesync-core/internal/auth"
	"github.com/nerrad567/homesync-core/internal/backoff"
	"github.com/nerrad567/homesync-core/internal/bridge"
	"github.com/nerrad567/homesync-core/internal/command"
	"github.com/nerrad567/homesync-core/internal/device"
	"github.com/nerrad567/homesync-core/internal/infrastructure/config"
	"github.com/nerrad567/homesync-core/internal/infrastructure/database"
	"github.com/nerrad567/homesync-core/internal/infrastructure/eventlog"
	"github.com/nerrad567/homesync-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/homesync-core/internal/infrastructure/logging"
	"github.com/nerrad567/homesync-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/homesync-core/internal/protocol"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath   = "configs/config.yaml"
	healthCheckInterval = 30 * time.Second
	failureLogTimeout   = 5 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting HomeSync Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	db, err := database.Open(database.Config{
		Driver:      cfg.Database.Driver,
		Path:        cfg.Database.Path,
		DSN:         cfg.Database.DSN,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "driver", db.Driver())

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Accounts
	users := auth.NewUserRepository(db)
	if _, seedErr := auth.SeedOwner(ctx, users, log.Component("auth")); seedErr != nil {
		return fmt.Errorf("seeding owner account: %w", seedErr)
	}
	authSvc, err := auth.NewService(users, cfg.Security.JWT.Secret,
		time.Duration(cfg.Security.JWT.AccessTokenTTL)*time.Minute)
	if err != nil {
		return fmt.Errorf("creating auth service: %w", err)
	}

	// Devices
	store := device.NewSQLStore(db)
	registry := device.NewRegistry()
	registry.SetLogger(log.Component("registry"))
	if _, loadErr := registry.Load(ctx, store, ""); loadErr != nil {
		return fmt.Errorf("loading device registry: %w", loadErr)
	}
	log.Info("device registry initialised", "devices", registry.Count())

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log.Component("mqtt"))
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Event log (optional)
	var events *eventlog.Log
	if cfg.EventLog.Enabled {
		events, err = eventlog.Connect(ctx, cfg.EventLog)
		if err != nil {
			return fmt.Errorf("connecting to event log: %w", err)
		}
		defer func() {
			log.Info("closing event log")
			if closeErr := events.Close(); closeErr != nil {
				log.Error("error closing event log", "error", closeErr)
			}
		}()
		log.Info("event log connected", "addr", cfg.EventLog.Addr, "stream", cfg.EventLog.Stream)
	} else {
		log.Info("event log disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	hub := api.NewHub(cfg.WebSocket, registry, log.Component("hub"))

	br, err := bridge.New(bridge.Options{
		Config:    bridgeConfig(cfg),
		Transport: mqttClient,
		Logger:    log.Component("bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	dispatcher, err := command.NewDispatcher(command.Options{
		Registry:  registry,
		Store:     store,
		Emitter:   hub,
		Publisher: br,
		Observers: observers(cfg, hub, events, influxClient, log),
		Limits: command.Limits{
			TemperatureMin: cfg.Commands.TemperatureMin,
			TemperatureMax: cfg.Commands.TemperatureMax,
		},
		Logger: log.Component("dispatcher"),
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	br.SetOnReport(func(deviceID string, r device.Report) {
		if _, reportErr := dispatcher.HandleReport(context.Background(), deviceID, r); reportErr != nil {
			log.Warn("report not applied", "device_id", deviceID, "error", reportErr)
		}
	})
	br.SetOnDeliveryFailure(failureReporter(registry, hub, events, log))

	if startErr := br.Start(ctx); startErr != nil {
		return fmt.Errorf("starting bridge: %w", startErr)
	}
	defer func() {
		log.Info("stopping bridge")
		br.Stop()
	}()

	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.Component("api"),
		Registry: registry,
		Commands: dispatcher,
		Auth:     authSvc,
		Users:    users,
		Hub:      hub,
		Version:  version,
	}
	if events != nil {
		deps.Events = events
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := healthCheck(ctx, db, mqttClient, events, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if startErr := server.Start(gctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		<-gctx.Done()
		return server.Close()
	})
	g.Go(func() error {
		watchHealth(gctx, db, mqttClient, events, influxClient, log)
		return nil
	})

	log.Info("initialisation complete, waiting for shutdown signal")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	log.Info("HomeSync Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses HOMESYNC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HOMESYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func bridgeConfig(cfg *config.Config) bridge.Config {
	return bridge.Config{
		Workers:   cfg.Bridge.Workers,
		QueueSize: cfg.Bridge.QueueSize,
		Retry: backoff.Policy{
			Base:        cfg.Bridge.Retry.InitialDelay,
			Cap:         cfg.Bridge.Retry.MaxDelay,
			Multiplier:  cfg.Bridge.Retry.Multiplier,
			Jitter:      cfg.Bridge.Retry.Jitter,
			MaxAttempts: cfg.Bridge.Retry.MaxAttempts,
		},
		QoS: byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0-2
	}
}

// observers builds the dispatcher's post-apply hooks. Optional backends are
// only added when configured so that no nil pointer hides in an interface.
func observers(cfg *config.Config, hub *api.Hub, events *eventlog.Log, influxClient *influxdb.Client, log *logging.Logger) []command.Observer {
	var recorder alert.Recorder
	if events != nil {
		recorder = events
	}
	out := []command.Observer{
		alert.NewEngine(alert.Config{
			EnergyThreshold:   cfg.Alerts.EnergyThreshold,
			LowBatteryPercent: cfg.Alerts.LowBatteryPercent,
		}, hub, recorder, log.Component("alert")),
	}
	if influxClient != nil {
		out = append(out, influxClient)
	}
	return out
}

// failureNotifier is the part of *api.Hub failureReporter needs.
type failureNotifier interface {
	Notify(userID, msgType string, payload any)
}

// failureRecorder is the part of *eventlog.Log failureReporter needs.
type failureRecorder interface {
	AppendDeliveryFailure(ctx context.Context, f protocol.DeliveryFailure) error
}

// failureReporter returns the bridge callback for commands that exhausted
// their retries. The device owner's sessions are told and the failure is
// appended to the event log when one is configured.
func failureReporter(registry *device.Registry, hub failureNotifier, events *eventlog.Log, log *logging.Logger) func(bridge.DeliveryFailure) {
	var recorder failureRecorder
	if events != nil {
		recorder = events
	}
	return reportFailure(registry, hub, recorder, log)
}

func reportFailure(registry *device.Registry, hub failureNotifier, recorder failureRecorder, log *logging.Logger) func(bridge.DeliveryFailure) {
	return func(f bridge.DeliveryFailure) {
		payload := protocol.DeliveryFailure{
			DeviceID: f.DeviceID,
			Command:  f.Command,
			Attempts: f.Attempts,
			Error:    f.Err.Error(),
		}

		dev, err := registry.Get(f.DeviceID)
		if err != nil {
			log.Warn("delivery failure for unknown device", "device_id", f.DeviceID, "error", f.Err)
		} else {
			hub.Notify(dev.UserID, protocol.TypeDeliveryFailure, payload)
		}

		if recorder != nil {
			ctx, cancel := context.WithTimeout(context.Background(), failureLogTimeout)
			defer cancel()
			if appendErr := recorder.AppendDeliveryFailure(ctx, payload); appendErr != nil {
				log.Error("recording delivery failure", "device_id", f.DeviceID, "error", appendErr)
			}
		}
	}
}

// healthChecker is satisfied by every backend client.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

type backendCheck struct {
	name    string
	checker healthChecker
}

// healthCheck verifies all infrastructure connections are healthy. Optional
// backends that are disabled are nil and skipped.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, events *eventlog.Log, influxClient *influxdb.Client) error {
	checks := []backendCheck{
		{"database", db},
		{"mqtt", mqttClient},
	}
	if events != nil {
		checks = append(checks, backendCheck{"eventlog", events})
	}
	if influxClient != nil {
		checks = append(checks, backendCheck{"influxdb", influxClient})
	}

	for _, c := range checks {
		if err := c.checker.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	return nil
}

// watchHealth logs backend health failures until ctx is cancelled.
func watchHealth(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, events *eventlog.Log, influxClient *influxdb.Client, log *logging.Logger) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, failureLogTimeout)
			err := healthCheck(checkCtx, db, mqttClient, events, influxClient)
			cancel()

			switch {
			case err != nil:
				log.Warn("health check failed", "error", err)
				healthy = false
			case !healthy:
				log.Info("health restored")
				healthy = true
			}
		}
	}
}
