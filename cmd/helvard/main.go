// helvard - Helvar lighting router service
//
// helvard connects to a Helvar lighting router over the HelvarNet ASCII
// protocol, discovers its groups and devices, and exposes them three ways:
//   - MQTT: retained state topics plus command intake (set, scene recall)
//   - HTTP: a read-only REST API with a WebSocket event stream
//   - Storage: state change history in SQLite, telemetry in InfluxDB
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/helvarnet/helvard/migrations"

	"github.com/helvarnet/helvard/internal/api"
	"github.com/helvarnet/helvard/internal/bridge"
	"github.com/helvarnet/helvard/internal/helvarnet"
	"github.com/helvarnet/helvard/internal/history"
	"github.com/helvarnet/helvard/internal/infrastructure/config"
	"github.com/helvarnet/helvard/internal/infrastructure/database"
	"github.com/helvarnet/helvard/internal/infrastructure/influxdb"
	"github.com/helvarnet/helvard/internal/infrastructure/logging"
	"github.com/helvarnet/helvard/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting helvard",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	colorModes, err := parseColorModes(cfg.Devices.ColorModes)
	if err != nil {
		return fmt.Errorf("loading colour modes: %w", err)
	}

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
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
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	historyStore := history.NewSQLiteStore(db.DB)

	if cfg.Database.HistoryRetentionDays > 0 {
		go pruneHistory(ctx, historyStore, cfg.Database.HistoryRetentionDays, log)
	}

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
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
	mqttClient.SetLogger(log)

	// Connect to InfluxDB (optional)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to the Helvar router
	router := helvarnet.NewRouter(helvarnet.RouterConfig{
		Host:            cfg.Router.Host,
		Port:            cfg.Router.Port,
		ConnectTimeout:  cfg.GetConnectTimeout(),
		QueryTimeout:    cfg.GetQueryTimeout(),
		DefaultFadeTime: cfg.Router.DefaultFadeTime,
		Logger:          log.With("component", "helvarnet"),
	})
	if err := router.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to router: %w", err)
	}
	defer func() {
		log.Info("closing router connection")
		if closeErr := router.Close(); closeErr != nil {
			log.Error("error closing router", "error", closeErr)
		}
	}()
	log.Info("router connected", "host", cfg.Router.Host, "port", cfg.Router.Port)

	// Discovery sweep
	if cfg.Router.Discovery.OnStart {
		start := time.Now()
		if discoverErr := router.Discover(ctx, helvarnet.DiscoverOptions{
			SkipNames: cfg.Router.Discovery.SkipNames,
		}); discoverErr != nil {
			return fmt.Errorf("discovering devices: %w", discoverErr)
		}
		stats := router.Stats()
		log.Info("discovery complete",
			"groups", stats.Groups,
			"devices", stats.Devices,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	} else {
		log.Info("startup discovery disabled")
	}

	// Start the MQTT bridge
	topics := mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix}
	b, err := bridge.New(bridge.Options{
		MQTT:       mqttClient,
		Router:     router,
		Topics:     topics,
		RouterHost: cfg.Router.Host,
		ColorModes: colorModes,
		Store:      historyStore,
		Metrics:    metricsWriter(influxClient),
		Logger:     log.With("component", "bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := b.Start(); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		b.Stop()
	}()
	log.Info("bridge started", "topic_prefix", topics.Prefix)

	// Republish everything when the broker connection recovers so
	// retained state and subscriptions survive a broker restart.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		b.Resubscribe()
		b.PublishRouterOnline()
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Start the HTTP API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Logger:     log.With("component", "api"),
			Router:     router,
			MQTT:       mqttClient,
			Topics:     topics,
			History:    historyStore,
			DB:         db,
			ColorModes: colorModes,
			Version:    version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)
	} else {
		log.Info("API server disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, bridge, router, InfluxDB, MQTT, database.

	log.Info("helvard stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses HELVARD_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HELVARD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// parseColorModes validates the configured per-device colour modes.
func parseColorModes(raw map[string]string) (map[string]helvarnet.ColorMode, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	modes := make(map[string]helvarnet.ColorMode, len(raw))
	for addr, value := range raw {
		if _, err := helvarnet.ParseAddress(addr); err != nil {
			return nil, fmt.Errorf("devices.color_modes[%s]: %w", addr, err)
		}
		mode, err := helvarnet.ParseColorMode(value)
		if err != nil {
			return nil, fmt.Errorf("devices.color_modes[%s]: %w", addr, err)
		}
		modes[addr] = mode
	}
	return modes, nil
}

// metricsWriter wraps the InfluxDB client for the bridge, keeping the
// nil check in one place (a nil *influxdb.Client in a non-nil interface
// would dodge the bridge's nil guard).
func metricsWriter(client *influxdb.Client) bridge.MetricsWriter {
	if client == nil {
		return nil
	}
	return client
}

// pruneHistory deletes state history older than the retention window,
// once at startup and then daily.
func pruneHistory(ctx context.Context, store *history.SQLiteStore, retentionDays int, log *logging.Logger) {
	retention := time.Duration(retentionDays) * 24 * time.Hour

	prune := func() {
		deleted, err := store.Prune(ctx, retention)
		if err != nil {
			log.Warn("history prune failed", "error", err)
			return
		}
		if deleted > 0 {
			log.Info("history pruned", "deleted", deleted, "retention_days", retentionDays)
		}
	}

	prune()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
