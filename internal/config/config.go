package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string
	HTTPPort string

	DBDriver string // sqlite | postgres
	DBDSN    string

	RedisAddr        string // vacío -> ledger SQL y caché en memoria
	KafkaBrokers     []string
	KafkaTopicPrefix string
	MongoURI         string
	MongoDatabase    string
	ClickHouseAddr   string
	ClickHouseDB     string
	CacheTTL         time.Duration
	// DeviceInventory: JSON con los dispositivos y sus versiones instaladas.
	// Vacío arranca con un inventario vacío.
	DeviceInventory string

	Saga   SagaConfig
	Outbox OutboxConfig
}

type SagaConfig struct {
	StepTimeout  time.Duration
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Timeout      time.Duration // 0 = sin timeout por saga
	BatchSize    int           // tamaño de lote por defecto del rollback
	ApplyTimeout time.Duration // un intento completo de apply_versions
}

type OutboxConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxRetries       int
	DeliveryTimeout  time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	CDCGracePeriod   time.Duration
	CDCWorkers       int
	CDCFailureLimit  int
	CDCOpenTimeout   time.Duration
	ConsumerGroup    string
	DedupTTL         time.Duration
	StuckAfter       time.Duration
	JanitorInterval  time.Duration
	NotifyChannel    string
	AnalyticsBatch   int
	AnalyticsFlushIn time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", "8080")
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_dsn", "file:./fleetguard.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	v.SetDefault("redis_addr", "")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic_prefix", "fleetguard")
	v.SetDefault("mongo_uri", "")
	v.SetDefault("mongo_database", "fleetguard")
	v.SetDefault("clickhouse_addr", "")
	v.SetDefault("clickhouse_db", "default")
	v.SetDefault("cache_ttl", "5m")
	v.SetDefault("device_inventory", "")

	v.SetDefault("saga_step_timeout", "30s")
	v.SetDefault("saga_max_retries", 3)
	v.SetDefault("saga_base_delay", "200ms")
	v.SetDefault("saga_max_delay", "10s")
	v.SetDefault("saga_timeout", "0s")
	v.SetDefault("saga_batch_size", 10)
	v.SetDefault("saga_apply_timeout", "10m")

	v.SetDefault("outbox_poll_interval", "1s")
	v.SetDefault("outbox_batch_size", 100)
	v.SetDefault("outbox_max_retries", 3)
	v.SetDefault("outbox_delivery_timeout", "5s")
	v.SetDefault("outbox_retry_base_delay", "1s")
	v.SetDefault("outbox_retry_max_delay", "1m")
	v.SetDefault("outbox_cdc_grace_period", "10s")
	v.SetDefault("outbox_cdc_workers", 4)
	v.SetDefault("outbox_cdc_failure_limit", 5)
	v.SetDefault("outbox_cdc_open_timeout", "30s")
	v.SetDefault("outbox_consumer_group", "fleetguard-outbox")
	v.SetDefault("outbox_dedup_ttl", "24h")
	v.SetDefault("outbox_stuck_after", "2m")
	v.SetDefault("outbox_janitor_interval", "1m")
	v.SetDefault("outbox_notify_channel", "outbox_events")
	v.SetDefault("outbox_analytics_batch", 500)
	v.SetDefault("outbox_analytics_flush", "5s")
}

// LoadConfig lee .env (si existe) y las variables de entorno.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		LogLevel:         v.GetString("log_level"),
		HTTPPort:         v.GetString("http_port"),
		DBDriver:         strings.ToLower(v.GetString("db_driver")),
		DBDSN:            v.GetString("db_dsn"),
		RedisAddr:        v.GetString("redis_addr"),
		KafkaBrokers:     splitList(v.GetString("kafka_brokers")),
		KafkaTopicPrefix: v.GetString("kafka_topic_prefix"),
		MongoURI:         v.GetString("mongo_uri"),
		MongoDatabase:    v.GetString("mongo_database"),
		ClickHouseAddr:   v.GetString("clickhouse_addr"),
		ClickHouseDB:     v.GetString("clickhouse_db"),
		CacheTTL:         v.GetDuration("cache_ttl"),
		DeviceInventory:  v.GetString("device_inventory"),
		Saga: SagaConfig{
			StepTimeout:  v.GetDuration("saga_step_timeout"),
			MaxRetries:   v.GetInt("saga_max_retries"),
			BaseDelay:    v.GetDuration("saga_base_delay"),
			MaxDelay:     v.GetDuration("saga_max_delay"),
			Timeout:      v.GetDuration("saga_timeout"),
			BatchSize:    v.GetInt("saga_batch_size"),
			ApplyTimeout: v.GetDuration("saga_apply_timeout"),
		},
		Outbox: OutboxConfig{
			PollInterval:     v.GetDuration("outbox_poll_interval"),
			BatchSize:        v.GetInt("outbox_batch_size"),
			MaxRetries:       v.GetInt("outbox_max_retries"),
			DeliveryTimeout:  v.GetDuration("outbox_delivery_timeout"),
			RetryBaseDelay:   v.GetDuration("outbox_retry_base_delay"),
			RetryMaxDelay:    v.GetDuration("outbox_retry_max_delay"),
			CDCGracePeriod:   v.GetDuration("outbox_cdc_grace_period"),
			CDCWorkers:       v.GetInt("outbox_cdc_workers"),
			CDCFailureLimit:  v.GetInt("outbox_cdc_failure_limit"),
			CDCOpenTimeout:   v.GetDuration("outbox_cdc_open_timeout"),
			ConsumerGroup:    v.GetString("outbox_consumer_group"),
			DedupTTL:         v.GetDuration("outbox_dedup_ttl"),
			StuckAfter:       v.GetDuration("outbox_stuck_after"),
			JanitorInterval:  v.GetDuration("outbox_janitor_interval"),
			NotifyChannel:    v.GetString("outbox_notify_channel"),
			AnalyticsBatch:   v.GetInt("outbox_analytics_batch"),
			AnalyticsFlushIn: v.GetDuration("outbox_analytics_flush"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate comprueba que la configuración es coherente antes de arrancar.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.HTTPPort, validation.Required),
		validation.Field(&c.DBDriver, validation.Required, validation.In("sqlite", "postgres")),
		validation.Field(&c.DBDSN, validation.Required),
		validation.Field(&c.KafkaTopicPrefix, validation.Required),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Saga,
		validation.Field(&c.Saga.StepTimeout, validation.Required),
		validation.Field(&c.Saga.MaxRetries, validation.Min(0)),
		validation.Field(&c.Saga.BatchSize, validation.Required, validation.Min(1), validation.Max(500)),
		validation.Field(&c.Saga.ApplyTimeout, validation.Required),
	); err != nil {
		return fmt.Errorf("saga: %w", err)
	}
	if err := validation.ValidateStruct(&c.Outbox,
		validation.Field(&c.Outbox.PollInterval, validation.Required),
		validation.Field(&c.Outbox.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.Outbox.MaxRetries, validation.Min(0)),
		validation.Field(&c.Outbox.DeliveryTimeout, validation.Required),
		validation.Field(&c.Outbox.CDCWorkers, validation.Required, validation.Min(1)),
		validation.Field(&c.Outbox.CDCFailureLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.Outbox.ConsumerGroup, validation.Required),
		validation.Field(&c.Outbox.DedupTTL, validation.Required),
	); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
