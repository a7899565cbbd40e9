package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/alerter"
	"github.com/envmon/envmon/internal/api"
	"github.com/envmon/envmon/internal/bridge"
	"github.com/envmon/envmon/internal/bus"
	"github.com/envmon/envmon/internal/config"
	"github.com/envmon/envmon/internal/evaluator"
	"github.com/envmon/envmon/internal/generator"
	"github.com/envmon/envmon/internal/janitor"
	"github.com/envmon/envmon/internal/logbuffer"
	"github.com/envmon/envmon/internal/monitor"
	"github.com/envmon/envmon/internal/notifier"
	"github.com/envmon/envmon/internal/registry"
	"github.com/envmon/envmon/internal/store"
	"github.com/envmon/envmon/internal/telemetry"
	"github.com/envmon/envmon/internal/types"
	"github.com/envmon/envmon/internal/version"
	"github.com/envmon/envmon/internal/worker"
)

func main() {
	configPath := flag.String("config", "/config/envmon.yaml", "Path to configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	// Optional .env next to the binary; real environment wins
	envErr := godotenv.Load()

	// Keep the last 1000 log lines for /api/logs
	logBuffer := logbuffer.New(1000)

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(io.MultiWriter(os.Stdout, logBuffer)).With().
		Timestamp().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Logger()

	logger.Info().Msg("Starting envmon")
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn().Err(envErr).Msg("Failed to load .env")
	}

	cfg, err := config.LoadConfig(*configPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Str("config_path", *configPath).Msg("Configuration file not found, using defaults")
		cfg = config.Default()
	} else if err != nil {
		logger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Msg("Failed to load configuration")
	}

	sensors := cfg.Sensors
	if len(sensors) == 0 {
		sensors = registry.DefaultSensors()
	}
	reg, err := registry.New(sensors)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid sensor registry")
	}

	table, err := evaluator.TableFromConfig(cfg.Thresholds)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid thresholds")
	}

	counts := reg.Counts()
	logger.Info().
		Int("sensors", reg.Len()).
		Int("air", counts[types.CategoryAir]).
		Int("water", counts[types.CategoryWater]).
		Str("storage", cfg.Storage.Backend).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("Failed to open store")
	}
	defer st.Close()

	channels, err := notifier.BuildChannels(cfg.Alerts, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build notification channels")
	}
	dispatcher := notifier.NewDispatcher(channels, cfg.Alerts.AlertRules, logger)

	pool := worker.NewPool(worker.Config{
		Workers:     cfg.Worker.Workers,
		QueueSize:   cfg.Worker.QueueSize,
		TaskTimeout: cfg.Worker.TaskTimeout,
		Logger:      logger,
	})
	pool.Start()

	airSpike, waterSpike := generator.DefaultAirSpikeProbability, generator.DefaultWaterSpikeProbability
	if p := cfg.Generator.AirSpikeProbability; p != nil {
		airSpike = *p
	}
	if p := cfg.Generator.WaterSpikeProbability; p != nil {
		waterSpike = *p
	}
	seed := cfg.Generator.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	notifySeverities := make([]types.Severity, 0, len(cfg.AlertBehavior.NotifySeverities))
	for _, s := range cfg.AlertBehavior.NotifySeverities {
		if sev, ok := types.ParseSeverity(s); ok {
			notifySeverities = append(notifySeverities, sev)
		}
	}

	mon := monitor.New(monitor.Deps{
		Registry:  reg,
		Evaluator: evaluator.NewEvaluator(table, logger),
		Engine: alerter.NewEngine(alerter.Options{
			RealertPolicy: cfg.AlertBehavior.RealertPolicy,
			HistoryLimit:  cfg.AlertBehavior.HistoryLimit,
		}, logger),
		Synth:    generator.NewSynthesizer(seed, airSpike, waterSpike),
		Store:    st,
		Notifier: dispatcher,
		Pool:     pool,
		Flaps:    alerter.NewFlapDetector(logger, cfg.AlertBehavior.FlapThreshold, cfg.AlertBehavior.FlapWindow),
	}, monitor.Options{
		MinInterval:      cfg.Generator.MinInterval,
		MaxInterval:      cfg.Generator.MaxInterval,
		NotifySeverities: notifySeverities,
		EscalationDelays: notifier.EscalationDelays(cfg.Alerts),
		CommandTimeout:   cfg.AlertBehavior.CommandTimeout,
		Bus: bus.Options{
			BufferSize:     cfg.Bus.BufferSize,
			OverflowPolicy: cfg.Bus.OverflowPolicy,
		},
	}, logger)

	if err := mon.Restore(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to restore state, starting empty")
	}

	if cfg.Generator.AutostartEnabled() {
		if err := mon.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start sensor generator")
		}
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error().Err(err).Str("service", name).Msg("Service stopped with error")
			}
		}()
	}

	if cfg.Telemetry.Enabled {
		gnmiServer := telemetry.NewServer(mon, logger)
		run("gnmi", func(ctx context.Context) error {
			return gnmiServer.ListenAndServe(ctx, cfg.Telemetry.Address)
		})
	}

	for _, pub := range openBridges(cfg.Bridges, logger) {
		run("bridge_"+pub.Name(), bridge.NewForwarder(mon, pub, logger).Run)
	}

	jan, err := janitor.New(cfg.Retention, mon, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid retention schedule")
	}
	jan.Start()

	apiServer := api.NewServer(mon, logBuffer, cfg.API.Address, logger)
	run("api", apiServer.ListenAndServe)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info().Str("api", cfg.API.Address).Msg("envmon running, press Ctrl+C to stop")

	<-sigChan
	logger.Info().Msg("Shutting down...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	jan.Stop(stopCtx)

	cancel()
	mon.Close()
	wg.Wait()

	logger.Info().Msg("envmon stopped")
}

// openStore builds the configured backend, fronted by the Redis latest-reading
// cache when an address is set
func openStore(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Backend {
	case config.BackendSQLite:
		st, err = store.NewSQLiteStore(cfg.SQLitePath, logger)
	case config.BackendPostgres:
		dsn := config.ResolveChannelSecret(cfg.PostgresDSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("postgres backend needs %s to be set", cfg.PostgresDSNEnv)
		}
		st, err = store.NewPostgresStore(ctx, dsn, logger)
	default:
		st = store.NewMemoryStore(cfg.MemoryHistory)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RedisAddr == "" {
		return st, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable, cache will retry per request")
	}
	return store.NewLatestCache(st, client, cfg.RedisTTL, logger), nil
}

// openBridges connects the enabled brokers. A broker that cannot be reached
// at startup is logged and skipped.
func openBridges(cfg config.BridgesConfig, logger zerolog.Logger) []bridge.Publisher {
	var pubs []bridge.Publisher
	if cfg.MQTT.Enabled {
		pub, err := bridge.NewMQTTPublisher(cfg.MQTT, logger)
		if err != nil {
			logger.Error().Err(err).Str("broker", cfg.MQTT.Broker).Msg("MQTT bridge disabled")
		} else {
			pubs = append(pubs, pub)
		}
	}
	if cfg.Kafka.Enabled {
		pub, err := bridge.NewKafkaPublisher(cfg.Kafka, logger)
		if err != nil {
			logger.Error().Err(err).Strs("brokers", cfg.Kafka.Brokers).Msg("Kafka bridge disabled")
		} else {
			pubs = append(pubs, pub)
		}
	}
	return pubs
}
