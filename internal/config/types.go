package config

import (
	"time"

	"github.com/envmon/envmon/internal/types"
)

// Config represents the complete envmon configuration
type Config struct {
	Sensors       []types.SensorDescriptor   `yaml:"sensors,omitempty"`
	Generator     GeneratorConfig            `yaml:"generator"`
	Thresholds    map[string]ThresholdConfig `yaml:"thresholds,omitempty"`
	AlertBehavior AlertBehavior              `yaml:"alert_behavior"`
	Alerts        AlertConfig                `yaml:"alerts"`
	Bus           BusConfig                  `yaml:"bus"`
	Worker        WorkerConfig               `yaml:"worker"`
	Storage       StorageConfig              `yaml:"storage"`
	Telemetry     TelemetryConfig            `yaml:"telemetry"`
	Bridges       BridgesConfig              `yaml:"bridges"`
	Retention     RetentionConfig            `yaml:"retention"`
	API           APIConfig                  `yaml:"api"`
}

// GeneratorConfig controls the synthetic reading schedule
type GeneratorConfig struct {
	Autostart             *bool         `yaml:"autostart,omitempty"`
	MinInterval           time.Duration `yaml:"min_interval"`
	MaxInterval           time.Duration `yaml:"max_interval"`
	AirSpikeProbability   *float64      `yaml:"air_spike_probability,omitempty"`
	WaterSpikeProbability *float64      `yaml:"water_spike_probability,omitempty"`
	Seed                  int64         `yaml:"seed,omitempty"` // 0 = time based
}

// ThresholdConfig overrides the classification bounds of one parameter.
// Direction is "high" (high values are bad), "low" (low values are bad) or
// "band" (both sides are bad).
type ThresholdConfig struct {
	Direction   string  `yaml:"direction"`
	Warning     float64 `yaml:"warning,omitempty"`
	Danger      float64 `yaml:"danger,omitempty"`
	WarningLow  float64 `yaml:"warning_low,omitempty"`
	WarningHigh float64 `yaml:"warning_high,omitempty"`
	DangerLow   float64 `yaml:"danger_low,omitempty"`
	DangerHigh  float64 `yaml:"danger_high,omitempty"`
}

// Re-alert policies
const (
	RealertOpenCondition = "open_condition"
	RealertEveryTick     = "every_tick"
)

// AlertBehavior defines alert lifecycle settings
type AlertBehavior struct {
	RealertPolicy    string        `yaml:"realert_policy"`
	NotifySeverities []string      `yaml:"notify_severities,omitempty"`
	HistoryLimit     int           `yaml:"history_limit"`
	FlapThreshold    int           `yaml:"flap_threshold"`
	FlapWindow       time.Duration `yaml:"flap_window"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
}

// AlertConfig defines notification channels and routing
type AlertConfig struct {
	AppriseAPIURL string                   `yaml:"apprise_api_url,omitempty"`
	Channels      map[string]ChannelConfig `yaml:"channels"`
	AlertRules    map[string]AlertRule     `yaml:"alert_rules"`
}

// Channel types
const (
	ChannelApprise  = "apprise"
	ChannelTelegram = "telegram"
	ChannelLog      = "log"
)

// ChannelConfig defines a notification channel
type ChannelConfig struct {
	Type            string        `yaml:"type"`
	URLEnv          string        `yaml:"url_env,omitempty"`
	TokenEnv        string        `yaml:"token_env,omitempty"`
	ChatID          int64         `yaml:"chat_id,omitempty"`
	EscalationDelay time.Duration `yaml:"escalation_delay,omitempty"`
}

// AlertRule routes a severity to channels. The "default" rule applies to
// severities without their own rule.
type AlertRule struct {
	Channels []string `yaml:"channels"`
}

// Subscriber overflow policies
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDisconnect = "disconnect"
)

// BusConfig sizes subscriber buffers
type BusConfig struct {
	BufferSize     int    `yaml:"buffer_size"`
	OverflowPolicy string `yaml:"overflow_policy"`
}

// WorkerConfig sizes the pool that runs store and notifier call-outs
type WorkerConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// Storage backends
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Backend        string        `yaml:"backend"`
	SQLitePath     string        `yaml:"sqlite_path,omitempty"`
	PostgresDSNEnv string        `yaml:"postgres_dsn_env,omitempty"`
	RedisAddr      string        `yaml:"redis_addr,omitempty"`
	RedisTTL       time.Duration `yaml:"redis_ttl,omitempty"`
	MemoryHistory  int           `yaml:"memory_history,omitempty"`
}

// TelemetryConfig enables the gNMI streaming endpoint
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// BridgesConfig forwards bus events to external brokers
type BridgesConfig struct {
	MQTT  MQTTConfig  `yaml:"mqtt"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// MQTTConfig configures the MQTT bridge
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// KafkaConfig configures the Kafka bridge
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RetentionConfig schedules housekeeping
type RetentionConfig struct {
	Schedule            string        `yaml:"schedule"`
	MaxAge              time.Duration `yaml:"max_age"`
	FlapCleanupSchedule string        `yaml:"flap_cleanup_schedule"`
}

// APIConfig configures the HTTP server
type APIConfig struct {
	Address string `yaml:"address"`
}

// AutostartEnabled reports whether the generator starts with the process
func (g GeneratorConfig) AutostartEnabled() bool {
	return g.Autostart == nil || *g.Autostart
}
