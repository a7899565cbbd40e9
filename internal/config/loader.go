package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/envmon/envmon/internal/types"
)

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Generator.MinInterval == 0 {
		cfg.Generator.MinInterval = 10 * time.Second
	}
	if cfg.Generator.MaxInterval == 0 {
		cfg.Generator.MaxInterval = 30 * time.Second
	}
	if cfg.AlertBehavior.RealertPolicy == "" {
		cfg.AlertBehavior.RealertPolicy = RealertOpenCondition
	}
	if len(cfg.AlertBehavior.NotifySeverities) == 0 {
		cfg.AlertBehavior.NotifySeverities = []string{string(types.SeverityDanger)}
	}
	if cfg.AlertBehavior.HistoryLimit == 0 {
		cfg.AlertBehavior.HistoryLimit = 5000
	}
	if cfg.AlertBehavior.FlapThreshold == 0 {
		cfg.AlertBehavior.FlapThreshold = 5
	}
	if cfg.AlertBehavior.FlapWindow == 0 {
		cfg.AlertBehavior.FlapWindow = 10 * time.Minute
	}
	if cfg.AlertBehavior.CommandTimeout == 0 {
		cfg.AlertBehavior.CommandTimeout = 2 * time.Second
	}
	if len(cfg.Alerts.Channels) == 0 && len(cfg.Alerts.AlertRules) == 0 {
		cfg.Alerts.Channels = map[string]ChannelConfig{"log": {Type: ChannelLog}}
		cfg.Alerts.AlertRules = map[string]AlertRule{"default": {Channels: []string{"log"}}}
	}
	if cfg.Bus.BufferSize == 0 {
		cfg.Bus.BufferSize = 256
	}
	if cfg.Bus.OverflowPolicy == "" {
		cfg.Bus.OverflowPolicy = OverflowDropOldest
	}
	if cfg.Worker.Workers == 0 {
		cfg.Worker.Workers = 4
	}
	if cfg.Worker.QueueSize == 0 {
		cfg.Worker.QueueSize = 1024
	}
	if cfg.Worker.TaskTimeout == 0 {
		cfg.Worker.TaskTimeout = 5 * time.Second
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Storage.Backend == BackendSQLite && cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/envmon.db"
	}
	if cfg.Storage.RedisTTL == 0 {
		cfg.Storage.RedisTTL = 24 * time.Hour
	}
	if cfg.Storage.MemoryHistory == 0 {
		cfg.Storage.MemoryHistory = 1000
	}
	if cfg.Telemetry.Address == "" {
		cfg.Telemetry.Address = ":9339"
	}
	if cfg.Bridges.MQTT.ClientID == "" {
		cfg.Bridges.MQTT.ClientID = "envmon"
	}
	if cfg.Bridges.MQTT.TopicPrefix == "" {
		cfg.Bridges.MQTT.TopicPrefix = "envmon"
	}
	if cfg.Bridges.Kafka.Topic == "" {
		cfg.Bridges.Kafka.Topic = "envmon.events"
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "0 * * * *"
	}
	if cfg.Retention.MaxAge == 0 {
		cfg.Retention.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.Retention.FlapCleanupSchedule == "" {
		cfg.Retention.FlapCleanupSchedule = "@every 5m"
	}
	if cfg.API.Address == "" {
		cfg.API.Address = ":8088"
	}
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Sensors))
	for i, s := range cfg.Sensors {
		if s.ID == "" {
			return fmt.Errorf("sensor %d: id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("sensor %s: duplicate id", s.ID)
		}
		seen[s.ID] = struct{}{}
		if !s.Category.Valid() {
			return fmt.Errorf("sensor %s: category must be 'air' or 'water'", s.ID)
		}
	}

	gen := cfg.Generator
	if gen.MinInterval <= 0 {
		return fmt.Errorf("generator.min_interval must be > 0")
	}
	if gen.MaxInterval <= gen.MinInterval {
		return fmt.Errorf("generator.max_interval must be greater than min_interval")
	}
	if err := validateProbability("generator.air_spike_probability", gen.AirSpikeProbability); err != nil {
		return err
	}
	if err := validateProbability("generator.water_spike_probability", gen.WaterSpikeProbability); err != nil {
		return err
	}

	for param, t := range cfg.Thresholds {
		if err := validateThreshold(t); err != nil {
			return fmt.Errorf("threshold %s: %w", param, err)
		}
	}

	ab := cfg.AlertBehavior
	if ab.RealertPolicy != RealertOpenCondition && ab.RealertPolicy != RealertEveryTick {
		return fmt.Errorf("alert_behavior.realert_policy must be '%s' or '%s'", RealertOpenCondition, RealertEveryTick)
	}
	for _, s := range ab.NotifySeverities {
		if s != string(types.SeverityWarning) && s != string(types.SeverityDanger) {
			return fmt.Errorf("alert_behavior.notify_severities: unknown severity %q", s)
		}
	}
	if ab.HistoryLimit < 0 {
		return fmt.Errorf("alert_behavior.history_limit must be >= 0")
	}

	for name, channel := range cfg.Alerts.Channels {
		switch channel.Type {
		case ChannelApprise:
			if channel.URLEnv == "" {
				return fmt.Errorf("channel %s: url_env is required", name)
			}
		case ChannelTelegram:
			if channel.TokenEnv == "" {
				return fmt.Errorf("channel %s: token_env is required", name)
			}
			if channel.ChatID == 0 {
				return fmt.Errorf("channel %s: chat_id is required", name)
			}
		case ChannelLog:
		default:
			return fmt.Errorf("channel %s: type must be 'apprise', 'telegram' or 'log'", name)
		}
		if channel.EscalationDelay < 0 {
			return fmt.Errorf("channel %s: escalation_delay must be >= 0", name)
		}
	}

	for ruleName, rule := range cfg.Alerts.AlertRules {
		if ruleName != "default" && ruleName != string(types.SeverityWarning) && ruleName != string(types.SeverityDanger) {
			return fmt.Errorf("alert rule %s: must be 'default', 'warning' or 'danger'", ruleName)
		}
		for _, chName := range rule.Channels {
			if _, ok := cfg.Alerts.Channels[chName]; !ok {
				return fmt.Errorf("alert rule %s: references unknown channel %s", ruleName, chName)
			}
		}
	}

	if cfg.Bus.BufferSize < 1 {
		return fmt.Errorf("bus.buffer_size must be >= 1")
	}
	if cfg.Bus.OverflowPolicy != OverflowDropOldest && cfg.Bus.OverflowPolicy != OverflowDisconnect {
		return fmt.Errorf("bus.overflow_policy must be '%s' or '%s'", OverflowDropOldest, OverflowDisconnect)
	}
	if cfg.Worker.Workers < 1 || cfg.Worker.QueueSize < 1 {
		return fmt.Errorf("worker.workers and worker.queue_size must be >= 1")
	}

	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if cfg.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if cfg.Storage.PostgresDSNEnv == "" {
			return fmt.Errorf("storage.postgres_dsn_env is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be 'memory', 'sqlite' or 'postgres'")
	}

	if cfg.Bridges.MQTT.Enabled {
		if cfg.Bridges.MQTT.Broker == "" {
			return fmt.Errorf("bridges.mqtt.broker is required")
		}
		if cfg.Bridges.MQTT.QoS > 2 {
			return fmt.Errorf("bridges.mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.Bridges.Kafka.Enabled && len(cfg.Bridges.Kafka.Brokers) == 0 {
		return fmt.Errorf("bridges.kafka.brokers is required")
	}

	return nil
}

func validateProbability(field string, p *float64) error {
	if p == nil {
		return nil
	}
	if math.IsNaN(*p) || *p < 0 || *p > 1 {
		return fmt.Errorf("%s must be within [0, 1]", field)
	}
	return nil
}

func validateThreshold(t ThresholdConfig) error {
	switch t.Direction {
	case "high":
		if t.Danger < t.Warning {
			return fmt.Errorf("danger must be >= warning for direction 'high'")
		}
	case "low":
		if t.Danger > t.Warning {
			return fmt.Errorf("danger must be <= warning for direction 'low'")
		}
	case "band":
		if !(t.DangerLow <= t.WarningLow && t.WarningLow < t.WarningHigh && t.WarningHigh <= t.DangerHigh) {
			return fmt.Errorf("band bounds must satisfy danger_low <= warning_low < warning_high <= danger_high")
		}
	default:
		return fmt.Errorf("direction must be 'high', 'low' or 'band'")
	}
	return nil
}

// ResolveChannelSecret reads the secret an env-referencing channel points to
func ResolveChannelSecret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}
