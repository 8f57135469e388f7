package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	mu sync.RWMutex `yaml:"-"`

	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Web       WebConfig       `yaml:"web"`
	Messaging MessagingConfig `yaml:"messaging"`
	Geo       GeoConfig       `yaml:"geo"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WebConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	SessionSecret string `yaml:"session_secret"`
}

type MessagingConfig struct {
	Backend             string        `yaml:"backend"` // "kafka" or "mqtt"
	Kafka               KafkaConfig   `yaml:"kafka"`
	MQTT                MQTTConfig    `yaml:"mqtt"`
	TelemetryTopic      string        `yaml:"telemetry_topic"`
	EventsTopic         string        `yaml:"events_topic"`
	RoutesTopic         string        `yaml:"routes_topic"`
	OutboxDrainInterval time.Duration `yaml:"outbox_drain_interval"`
	NodeID              string        `yaml:"node_id"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
}

// GeoConfig selects the travel-time provider. Provider "haversine" never
// leaves the process; "ors" calls OpenRouteService with a haversine fallback.
type GeoConfig struct {
	Provider    string        `yaml:"provider"`
	ORSBaseURL  string        `yaml:"ors_base_url"`
	ORSAPIKey   string        `yaml:"ors_api_key"`
	ORSProfile  string        `yaml:"ors_profile"`
	Timeout     time.Duration `yaml:"timeout"`
	AvgSpeedKmh float64       `yaml:"avg_speed_kmh"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type DispatchConfig struct {
	DriftThreshold      time.Duration `yaml:"drift_threshold"`
	SearchBudget        time.Duration `yaml:"search_budget"`
	MaxSearchIterations int           `yaml:"max_search_iterations"`
	MaxCommitRetries    int           `yaml:"max_commit_retries"`
	MaxAssignAttempts   int           `yaml:"max_assign_attempts"`
	StalenessWindow     time.Duration `yaml:"staleness_window"`
	StaleSweepInterval  time.Duration `yaml:"stale_sweep_interval"`
	RefineInterval      time.Duration `yaml:"refine_interval"`
	TriggerQueueSize    int           `yaml:"trigger_queue_size"`
	Weights             ScoreWeights  `yaml:"weights"`
}

// ScoreWeights rank candidate technicians for reporting and alternates.
type ScoreWeights struct {
	Priority float64 `yaml:"priority"`
	Cost     float64 `yaml:"cost"`
	Idle     float64 `yaml:"idle"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{Path: "fieldops.db"},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "fieldops",
				User:     "fieldops",
				Password: "",
				SSLMode:  "disable",
			},
		},
		Redis: RedisConfig{
			Address:  "localhost:6379",
			Password: "",
			DB:       0,
		},
		Web: WebConfig{
			Host:          "0.0.0.0",
			Port:          8090,
			SessionSecret: "change-me-in-production",
		},
		Messaging: MessagingConfig{
			Backend: "kafka",
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				GroupID: "fieldops",
			},
			MQTT: MQTTConfig{
				Broker:   "localhost",
				Port:     1883,
				ClientID: "fieldops-core",
			},
			TelemetryTopic:      "fieldops.telemetry",
			EventsTopic:         "fieldops.schedule-events",
			RoutesTopic:         "fieldops.routes",
			OutboxDrainInterval: 2 * time.Second,
			NodeID:              "core",
		},
		Geo: GeoConfig{
			Provider:    "haversine",
			ORSBaseURL:  "https://api.openrouteservice.org",
			ORSProfile:  "driving-car",
			Timeout:     500 * time.Millisecond,
			AvgSpeedKmh: 40,
			CacheTTL:    24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			DriftThreshold:      10 * time.Minute,
			SearchBudget:        200 * time.Millisecond,
			MaxSearchIterations: 2000,
			MaxCommitRetries:    3,
			MaxAssignAttempts:   5,
			StalenessWindow:     15 * time.Minute,
			StaleSweepInterval:  time.Minute,
			RefineInterval:      time.Minute,
			TriggerQueueSize:    256,
			Weights: ScoreWeights{
				Priority: 100,
				Cost:     1,
				Idle:     0.1,
			},
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "fieldops",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays FIELDOPS_* environment variables, e.g.
// FIELDOPS_DATABASE_DRIVER or FIELDOPS_GEO_ORS_API_KEY.
func (c *Config) applyEnv() {
	v := viper.New()
	v.SetEnvPrefix("fieldops")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			if d := v.GetDuration(key); d > 0 {
				*dst = d
			}
		}
	}

	str("database.driver", &c.Database.Driver)
	str("database.sqlite.path", &c.Database.SQLite.Path)
	str("database.postgres.host", &c.Database.Postgres.Host)
	num("database.postgres.port", &c.Database.Postgres.Port)
	str("database.postgres.database", &c.Database.Postgres.Database)
	str("database.postgres.user", &c.Database.Postgres.User)
	str("database.postgres.password", &c.Database.Postgres.Password)
	str("redis.address", &c.Redis.Address)
	str("redis.password", &c.Redis.Password)
	num("web.port", &c.Web.Port)
	str("web.session_secret", &c.Web.SessionSecret)
	str("messaging.backend", &c.Messaging.Backend)
	if brokers := v.GetStringSlice("messaging.kafka.brokers"); len(brokers) > 0 {
		c.Messaging.Kafka.Brokers = splitList(brokers)
	}
	str("messaging.mqtt.broker", &c.Messaging.MQTT.Broker)
	str("geo.provider", &c.Geo.Provider)
	str("geo.ors_api_key", &c.Geo.ORSAPIKey)
	dur("geo.timeout", &c.Geo.Timeout)
	dur("dispatch.drift_threshold", &c.Dispatch.DriftThreshold)
	dur("dispatch.search_budget", &c.Dispatch.SearchBudget)
	str("log.level", &c.Log.Level)
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Lock()   { c.mu.Lock() }
func (c *Config) Unlock() { c.mu.Unlock() }
