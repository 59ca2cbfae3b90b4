// TiVo Bridge - MQTT gateway for TiVo DVR receivers
//
// This is the main entry point for the TiVo bridge. The bridge maintains
// a persistent TCP session to a TiVo receiver's remote control service and
// exposes it over MQTT:
//   - Control topics accept channel changes, IR codes, teleports, keystrokes
//   - Channel status reported by the receiver is published retained
//   - Channel changes are persisted locally for history queries
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-tivo/migrations"

	"github.com/nerrad567/gray-logic-tivo/internal/bridges/tivo"
	"github.com/nerrad567/gray-logic-tivo/internal/history"
	"github.com/nerrad567/gray-logic-tivo/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-tivo/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-tivo/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-tivo/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-tivo/internal/infrastructure/mqtt"
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

// statsInterval is how often bridge transport counters are flushed to InfluxDB.
const statsInterval = time.Minute

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run the application
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting TiVo bridge",
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

	// Initialise channel history
	historyRepo := history.NewSQLiteRepository(db.DB)
	if entries, histErr := historyRepo.GetRecent(ctx, 1); histErr != nil {
		log.Warn("could not read last channel", "error", histErr)
	} else if len(entries) > 0 {
		log.Info("last known channel",
			"channel", entries[0].ChannelString(),
			"seen_at", entries[0].CreatedAt,
		)
	}

	// Connect to MQTT broker. The Last Will marks the bridge offline on
	// the retained health topic if the process dies without a clean stop.
	topicRoot := cfg.TiVo.TopicRoot()
	lwtPayload, err := json.Marshal(tivo.NewLWTMessage(cfg.Bridge.ID))
	if err != nil {
		return fmt.Errorf("building LWT payload: %w", err)
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT, &mqtt.WillMessage{
		Topic:    tivo.HealthTopic(topicRoot),
		Payload:  lwtPayload,
		QoS:      1,
		Retained: true,
	})
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
		"topic_root", topicRoot,
	)

	// Set up MQTT logging callbacks
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

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

		// Set up InfluxDB error callback
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start the bridge
	bridge, err := startBridge(ctx, cfg, mqttClient, historyRepo, influxClient, log)
	if err != nil {
		return fmt.Errorf("starting TiVo bridge: %w", err)
	}
	defer func() {
		log.Info("stopping TiVo bridge")
		bridge.Stop()
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Background maintenance
	if cfg.History.RetentionDays > 0 && cfg.History.PruneInterval > 0 {
		startHistoryPruner(ctx, historyRepo, cfg.History, log)
	}
	if influxClient != nil {
		startStatsReporter(ctx, bridge, influxClient, cfg.Bridge.ID, log)
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal or a fatal bridge failure. Losing the
	// receiver link beyond the reconnect budget is unrecoverable: exit
	// non-zero and let the supervisor restart the process.
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case err := <-bridge.Fatal():
		log.Error("bridge failed", "error", err)
		bridge.Stop()
		return fmt.Errorf("bridge failed: %w", err)
	}

	// Deferred cleanup runs in reverse order:
	// 1. Bridge (releases the receiver session, publishes stopping status)
	// 2. InfluxDB (if enabled)
	// 3. MQTT
	// 4. Database

	log.Info("TiVo bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses TIVO_BRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TIVO_BRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	// Check database
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Check MQTT
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	// Check InfluxDB (if enabled)
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// Receiver health is verified during bridge Start() - it connects to
	// the receiver and sets up MQTT subscriptions before returning.

	return nil
}

// startBridge initialises and starts the TiVo bridge.
//
// Parameters:
//   - ctx: Context for connection/cancellation
//   - cfg: Application configuration
//   - mqttClient: MQTT client for publishing/subscribing
//   - historyRepo: Channel history repository
//   - influxClient: InfluxDB client (may be nil if disabled)
//   - log: Logger instance
//
// Returns:
//   - *tivo.Bridge: Running TiVo bridge
//   - error: If bridge fails to start
func startBridge(ctx context.Context, cfg *config.Config, mqttClient *mqtt.Client, historyRepo *history.SQLiteRepository, influxClient *influxdb.Client, log *logging.Logger) (*tivo.Bridge, error) {
	// Create the receiver session
	remote := tivo.NewRemote(tivo.RemoteConfig{
		Address:               cfg.TiVo.Address,
		ConnectTimeout:        cfg.TiVo.GetConnectTimeout(),
		ReadTimeout:           cfg.TiVo.GetReadTimeout(),
		ReconnectInitialDelay: cfg.TiVo.GetReconnectInitialDelay(),
		ReconnectMaxDelay:     cfg.TiVo.GetReconnectMaxDelay(),
		MaxReconnectAttempts:  cfg.TiVo.Reconnect.MaxAttempts,
	})
	remote.SetLogger(log.With("component", "remote"))

	// Create MQTT adapter to satisfy the bridge interface
	mqttAdapter := &mqttBridgeAdapter{client: mqttClient}

	// Telemetry is only wired when InfluxDB is enabled
	var telemetry tivo.Telemetry
	if influxClient != nil {
		telemetry = &influxTelemetry{client: influxClient, bridgeID: cfg.Bridge.ID}
	}

	// Create the bridge
	bridge, err := tivo.NewBridge(tivo.BridgeOptions{
		BridgeID:        cfg.Bridge.ID,
		TopicRoot:       cfg.TiVo.TopicRoot(),
		Version:         version,
		ReceiverAddress: cfg.TiVo.Address,
		HealthInterval:  cfg.Bridge.GetHealthInterval(),
		MQTTClient:      mqttAdapter,
		Remote:          remote,
		Logger:          log,
		History:         historyRepo,
		Telemetry:       telemetry,
	})
	if err != nil {
		return nil, fmt.Errorf("creating TiVo bridge: %w", err)
	}

	// Start the bridge. Stop releases the receiver session on failure.
	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		return nil, fmt.Errorf("starting TiVo bridge: %w", err)
	}
	log.Info("TiVo bridge started",
		"receiver", cfg.TiVo.Address,
		"topic_root", cfg.TiVo.TopicRoot(),
	)

	return bridge, nil
}

// startHistoryPruner runs periodic retention sweeps on the channel history.
// The first sweep runs immediately so stale rows do not survive restarts.
func startHistoryPruner(ctx context.Context, repo *history.SQLiteRepository, cfg config.HistoryConfig, log *logging.Logger) {
	go func() {
		ticker := time.NewTicker(cfg.GetPruneInterval())
		defer ticker.Stop()

		for {
			deleted, err := repo.Prune(ctx, cfg.GetRetention())
			switch {
			case err != nil:
				log.Error("history prune failed", "error", err)
			case deleted > 0:
				log.Info("history pruned",
					"deleted", deleted,
					"retention_days", cfg.RetentionDays,
				)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// startStatsReporter periodically flushes bridge transport counters to
// InfluxDB so dashboards can graph throughput and reconnect churn.
func startStatsReporter(ctx context.Context, bridge *tivo.Bridge, influxClient *influxdb.Client, bridgeID string, log *logging.Logger) {
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := bridge.GetMetrics()
				influxClient.WriteBridgeStats(bridgeID, m.CommandsTx, m.EventsRx, m.EventsDropped, m.Reconnects)
				log.Debug("bridge stats flushed",
					"state", m.State,
					"commands_tx", m.CommandsTx,
					"events_rx", m.EventsRx,
				)
			}
		}
	}()
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The primary difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements tivo.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements tivo.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	// Wrap the void handler to return nil error (bridge handlers don't return errors)
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements tivo.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Disconnect implements tivo.MQTTClient.
// Note: The MQTT client lifecycle is managed by run's defer chain, so this
// is a no-op.
func (a *mqttBridgeAdapter) Disconnect(_ uint) {
	// No-op: MQTT client lifecycle is managed by run's defer chain
}

// influxTelemetry adapts the InfluxDB client to the bridge's Telemetry
// interface, stamping every point with this bridge's identifier.
type influxTelemetry struct {
	client   *influxdb.Client
	bridgeID string
}

// RecordChannelStatus implements tivo.Telemetry.
func (t *influxTelemetry) RecordChannelStatus(channel, subchannel int, hasSubchannel bool) {
	t.client.WriteChannelStatus(t.bridgeID, channel, subchannel, hasSubchannel)
}

// RecordCommand implements tivo.Telemetry.
func (t *influxTelemetry) RecordCommand(commandType string) {
	t.client.WriteCommand(t.bridgeID, commandType)
}
