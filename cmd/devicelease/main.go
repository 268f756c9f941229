// Device Lease Coordinator
//
// devicelease hands out exclusive, time-bounded leases on shared test
// devices. The inventory service owns the locks; this process selects
// candidates, negotiates locks on behalf of runners, keeps in-use leases
// alive and gives devices back when runners disappear.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/devicelease/migrations"

	"github.com/nerrad567/devicelease/internal/api"
	"github.com/nerrad567/devicelease/internal/audit"
	"github.com/nerrad567/devicelease/internal/device"
	"github.com/nerrad567/devicelease/internal/infrastructure/config"
	"github.com/nerrad567/devicelease/internal/infrastructure/database"
	"github.com/nerrad567/devicelease/internal/infrastructure/influxdb"
	"github.com/nerrad567/devicelease/internal/infrastructure/logging"
	"github.com/nerrad567/devicelease/internal/infrastructure/mqtt"
	"github.com/nerrad567/devicelease/internal/inventory"
	"github.com/nerrad567/devicelease/internal/journal"
	"github.com/nerrad567/devicelease/internal/lease"
	"github.com/nerrad567/devicelease/internal/metrics"
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

// shutdownTimeout bounds lease release and sink draining on shutdown.
const shutdownTimeout = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // composition root: linear start-up sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting device lease coordinator",
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

	// Lease event journal
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
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	checks := map[string]api.HealthChecker{"database": db}

	mqttClient, err := connectMQTT(cfg, log)
	if err != nil {
		return err
	}
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		checks["mqtt"] = mqttClient
	}

	influxClient, err := connectInfluxDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		checks["influxdb"] = influxClient
	}

	m := metrics.New()

	invClient, err := inventory.NewRESTClient(inventory.RESTConfig{
		BaseURL: cfg.Inventory.BaseURL,
		Token:   cfg.Inventory.Token,
		Timeout: cfg.RequestTimeout(),
	})
	if err != nil {
		return fmt.Errorf("creating inventory client: %w", err)
	}
	invClient.SetObserver(m.ObserveInventory)

	// Device catalog
	catalog := device.NewCatalog(invClient, cfg.Catalog.Devices)
	catalog.SetLogger(log)
	catalog.SetConcurrency(cfg.Catalog.Concurrency)
	if refreshErr := catalog.Refresh(ctx); refreshErr != nil {
		return fmt.Errorf("loading device catalog: %w", refreshErr)
	}
	log.Info("device catalog loaded", "devices", catalog.Len(), "configured", len(cfg.Catalog.Devices))

	stopRefresher, err := catalog.StartRefresher(ctx, cfg.Catalog.RefreshSchedule, cfg.RequestTimeout()*2)
	if err != nil {
		return fmt.Errorf("starting catalog refresher: %w", err)
	}

	coord := lease.NewCoordinator(invClient, catalog, coordinatorOptions(cfg))
	coord.SetLogger(log)

	// Event sinks
	hub := api.NewHub(cfg.WebSocket, log)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	repo := audit.NewSQLiteRepository(db.DB)
	jrnl := journal.New(repo, journal.Config{QoS: byte(cfg.MQTT.QoS)}) // #nosec G115 -- validated 0..2
	jrnl.SetLogger(log)
	jrnl.SetBroadcaster(hub)
	if mqttClient != nil {
		jrnl.SetPublisher(mqttClient)
	}
	if influxClient != nil {
		jrnl.SetPointWriter(influxClient)
	}
	jrnl.Start(ctx)

	coord.AddSink(m)
	coord.AddSink(jrnl)

	// Expiry monitor
	monitor := lease.NewMonitor(coord, lease.MonitorConfig{
		SweepInterval:     cfg.SweepInterval(),
		ReconcileInterval: cfg.ReconcileInterval(),
		GraceWindow:       cfg.GraceWindow(),
		RenewExtension:    cfg.Monitor.RenewExtension,
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		Concurrency:       cfg.Monitor.Concurrency,
	})
	monitor.SetLogger(log)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Run(ctx)
	}()

	if mqttClient != nil {
		if subErr := subscribeReleaseNotices(ctx, mqttClient, byte(cfg.MQTT.QoS), monitor, log); subErr != nil { // #nosec G115 -- validated 0..2
			return fmt.Errorf("subscribing to inventory release notices: %w", subErr)
		}
	}
	if influxClient != nil {
		go sampleActiveLeases(ctx, coord, influxClient, time.Duration(cfg.InfluxDB.FlushInterval)*time.Second)
	}

	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Leases:   coord,
		Monitor:  monitor,
		Catalog:  catalog,
		Details:  invClient,
		Journal:  repo,
		Metrics:  m.Handler(),
		Checks:   checks,
		Hub:      hub,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"api", server.Addr().String(),
		"devices", catalog.Len(),
	)

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Stop taking requests before giving devices back so nothing new is
	// acquired during shutdown.
	if closeErr := server.Close(); closeErr != nil {
		log.Error("error closing API server", "error", closeErr)
	}
	<-monitorDone
	stopRefresher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	held := coord.ActiveCount()
	if releaseErr := coord.Close(shutdownCtx); releaseErr != nil {
		log.Warn("some leases could not be released and will expire remotely", "error", releaseErr)
	}
	log.Info("leases released", "count", held)

	if closeErr := jrnl.Close(shutdownCtx); closeErr != nil {
		log.Error("error draining journal", "error", closeErr)
	}
	if dropped := jrnl.Dropped(); dropped > 0 {
		log.Warn("lease events dropped from journal", "count", dropped)
	}
	if influxClient != nil {
		influxClient.Flush()
	}

	log.Info("device lease coordinator stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DEVLEASE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DEVLEASE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// coordinatorOptions maps configuration onto lease.Options.
func coordinatorOptions(cfg *config.Config) lease.Options {
	r := cfg.Inventory.Retry
	return lease.Options{
		RetryAttempts:          r.Attempts,
		InitialBackoff:         time.Duration(r.InitialBackoff) * time.Millisecond,
		MaxBackoff:             time.Duration(r.MaxBackoff) * time.Millisecond,
		Multiplier:             r.Multiplier,
		Jitter:                 r.Jitter,
		DefaultDurationMinutes: cfg.Lease.DefaultDuration,
		MinDurationMinutes:     cfg.Lease.MinDuration,
		MaxDurationMinutes:     cfg.Lease.MaxDuration,
	}
}

// connectMQTT connects to the broker. It returns a nil client when MQTT is
// disabled.
func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if errors.Is(err, mqtt.ErrDisabled) {
		log.Info("MQTT disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}

	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, nil
}

// connectInfluxDB connects to InfluxDB. It returns a nil client when the
// integration is disabled.
func connectInfluxDB(ctx context.Context, cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg.InfluxDB)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}

	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	if hcErr := client.HealthCheck(ctx); hcErr != nil {
		log.Warn("InfluxDB health check failed, telemetry may be lost", "error", hcErr)
	}
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

// subscriber is the part of the MQTT client used for release notices.
type subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// reconciler is satisfied by *lease.Monitor.
type reconciler interface {
	ReconcileDevice(ctx context.Context, mac string) lease.Observation
}

// subscribeReleaseNotices reconciles a device as soon as the inventory
// announces it was released, instead of waiting for the next reconcile pass.
func subscribeReleaseNotices(ctx context.Context, client subscriber, qos byte, r reconciler, log *logging.Logger) error {
	topic := mqtt.Topics{}.AllInventoryReleased()
	log.Info("subscribing to inventory release notices", "topic", topic)
	return client.Subscribe(topic, qos, func(t string, _ []byte) error {
		raw, ok := mqtt.DeviceFromTopic(t)
		if !ok {
			return nil
		}
		mac, err := device.NormaliseMAC(raw)
		if err != nil {
			log.Debug("ignoring release notice for malformed MAC", "topic", t)
			return nil
		}
		obs := r.ReconcileDevice(ctx, mac)
		log.Debug("reconciled on release notice", "mac", mac, "state", obs.State, "holder", obs.Holder)
		return nil
	})
}

// activeLeaseWriter is satisfied by *influxdb.Client.
type activeLeaseWriter interface {
	WriteActiveLeases(count int, at time.Time)
}

// sampleActiveLeases writes the active lease count on every tick until ctx
// is cancelled.
func sampleActiveLeases(ctx context.Context, coord interface{ ActiveCount() int }, w activeLeaseWriter, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			w.WriteActiveLeases(coord.ActiveCount(), t.UTC())
		}
	}
}
