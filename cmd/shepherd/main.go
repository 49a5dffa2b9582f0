// LwMQN Shepherd - MQTT device management server
//
// This is the main entry point for the shepherd. It connects to an MQTT
// broker, manages the lifecycle of LwMQN devices that register through it,
// and exposes them over an HTTP API with a WebSocket event stream.
//
// Usage:
//
//	shepherd                 run the server
//	shepherd token <subject> print an API token signed with the configured secret
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lwmqn/shepherd-sub001/migrations"

	"github.com/lwmqn/shepherd-sub001/internal/api"
	"github.com/lwmqn/shepherd-sub001/internal/audit"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/config"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/database"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/influxdb"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/logging"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/mqtt"
	"github.com/lwmqn/shepherd-sub001/internal/registry"
	"github.com/lwmqn/shepherd-sub001/internal/shepherd"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// defaultTokenTTL is the lifetime of tokens printed by the token command.
const defaultTokenTTL = 24 * time.Hour

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := printToken(os.Stdout, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

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
	log := logging.Default()
	log.Info("starting LwMQN shepherd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, cfg.Database)
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to MQTT broker
	topics := mqtt.Topics{Prefix: cfg.Shepherd.TopicPrefix}
	mqttClient, err := mqtt.ConnectWithRetry(ctx, cfg.MQTT, topics)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Start the shepherd
	shep, err := shepherd.New(shepherd.Options{
		Config:     cfg.Shepherd,
		Transport:  mqttClient,
		QoS:        byte(cfg.MQTT.QoS),
		Repository: registry.NewSQLiteRepository(db.DB),
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("creating shepherd: %w", err)
	}
	if startErr := shep.Start(ctx); startErr != nil {
		return fmt.Errorf("starting shepherd: %w", startErr)
	}
	defer func() {
		log.Info("stopping shepherd")
		// The signal context is already done; flushing still needs time.
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if stopErr := shep.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping shepherd", "error", stopErr)
		}
	}()

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		shep.Reconnected()
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Audit trail of device lifecycle actions
	auditRepo := audit.NewSQLiteRepository(db.DB)
	detachAudit := audit.NewRecorder(auditRepo, log).Attach(shep.Events())
	defer detachAudit()

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
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		detachSink := influxdb.NewSink(influxClient, log).Attach(shep.Events())
		defer detachSink()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start the HTTP API (optional)
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log,
			Shepherd: shep,
			Audit:    auditRepo,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		if cfg.Security.JWT.Secret == "" {
			log.Warn("API authentication disabled: no JWT secret configured")
		}
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// API, InfluxDB, audit, shepherd, MQTT, database.

	log.Info("LwMQN shepherd stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SHEPHERD_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SHEPHERD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when InfluxDB is disabled.
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

// errUsage is returned by printToken for a malformed command line.
var errUsage = errors.New("usage: shepherd token <subject>")

// printToken writes a signed API token for args[0] to w.
func printToken(w io.Writer, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errUsage
	}
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := api.IssueToken(cfg.Security.JWT, args[0], defaultTokenTTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}
