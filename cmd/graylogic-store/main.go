// Gray Logic persistence host.
//
// graylogic-store opens the relational store, applies the embedded schema
// migrations, wires the device and automation handlers into the
// unit-of-work service and serves health, metrics and registry details on
// the admin port. Committed change sets are optionally published over MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	_ "github.com/nerrad567/gray-logic-persistence/migrations"

	"github.com/nerrad567/gray-logic-persistence/internal/api"
	"github.com/nerrad567/gray-logic-persistence/internal/audit"
	"github.com/nerrad567/gray-logic-persistence/internal/automation"
	"github.com/nerrad567/gray-logic-persistence/internal/device"
	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

// Version information, set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// errVersionRequested stops run after -version printed the build info.
var errVersionRequested = errors.New("version requested")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errVersionRequested) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the command-line flags.
type options struct {
	configPath string
}

func parseFlags(args []string, stdout io.Writer) (options, error) {
	fs := flag.NewFlagSet("graylogic-store", flag.ContinueOnError)
	fs.SetOutput(stdout)

	var opts options
	fs.StringVar(&opts.configPath, "config", defaultConfigPathFromEnv(), "path to the YAML configuration file")
	showVersion := fs.Bool("version", false, "print version information and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if *showVersion {
		fmt.Fprintf(stdout, "graylogic-store %s (commit %s, built %s)\n", version, commit, date)
		return options{}, errVersionRequested
	}
	return opts, nil
}

func defaultConfigPathFromEnv() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run starts every component, blocks until ctx is cancelled and closes
// the components in reverse order.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, stdout)
	if err != nil {
		return err
	}

	log := logging.Default()
	log.Info("starting graylogic-store",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", opts.configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised", "level", cfg.Logging.Level, "format", cfg.Logging.Format)

	db, err := database.Open(ctx, cfg.DatabaseOptions())
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

	if cfg.Database.Migrate {
		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database migrations complete")
	}

	registry, err := buildRegistry()
	if err != nil {
		return err
	}
	log.Info("handler registry built", "kinds", len(registry.Kinds()))

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db.DB, "graylogic"),
	)
	metrics := persistence.NewMetrics(promRegistry)

	tm := persistence.NewTransactionManager(db)
	tm.SetLogger(log.Component("transaction"))
	tm.SetMetrics(metrics)

	svc := persistence.NewService(tm, registry)
	svc.SetLogger(log.Component("persistence"))
	svc.SetMetrics(metrics)

	deps := api.Deps{
		Config:   cfg.Admin,
		Logger:   log.Component("admin"),
		DB:       db,
		Registry: registry,
		Objects:  svc,
		Gatherer: promRegistry,
		Version:  version,
	}

	var notifiers persistence.Notifiers
	if cfg.Persistence.RecordChanges {
		recorder := audit.NewRecorder(db)
		notifiers = append(notifiers, recorder)
		deps.Changes = recorder
		log.Info("change log recording enabled")
	}

	if cfg.MQTT.Enabled {
		mqttClient, connErr := connectMQTT(cfg.MQTT, log)
		if connErr != nil {
			return connErr
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		deps.MQTT = mqttClient

		if cfg.Persistence.NotifyChanges {
			notifier := persistence.NewMQTTNotifier(mqttClient, cfg.Persistence.ChangeTopic)
			notifiers = append(notifiers, notifier)
			log.Info("change notifications enabled", "topic", notifier.Topic())
		}
	} else {
		log.Info("MQTT disabled")
	}

	if len(notifiers) > 0 {
		svc.SetNotifier(notifiers)
	}

	if cfg.Admin.Enabled {
		server, srvErr := api.New(deps)
		if srvErr != nil {
			return fmt.Errorf("creating admin server: %w", srvErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting admin server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing admin server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, deps.MQTT); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// buildRegistry registers every domain handler with one builder.
func buildRegistry() (*persistence.Registry, error) {
	b := persistence.NewRegistryBuilder()
	device.NewStore().Register(b)
	automation.NewStore().Register(b)

	registry, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("building handler registry: %w", err)
	}
	return registry, nil
}

func connectMQTT(cfg config.MQTTConfig, log *logging.Logger) (*mqtt.Client, error) {
	client, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
	)
	return client, nil
}

// healthCheck verifies the store, and the broker when one is configured.
func healthCheck(ctx context.Context, db *database.DB, broker api.Broker) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if broker != nil {
		if err := broker.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	return nil
}
