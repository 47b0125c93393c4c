package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации сервиса жизненного цикла.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logger      LoggerConfig      `mapstructure:"logger"`
	Lifecycle   LifecycleConfig   `mapstructure:"lifecycle"`
	Health      HealthConfig      `mapstructure:"health"`
	Drift       DriftConfig       `mapstructure:"drift"`
	Provisioner ProvisionerConfig `mapstructure:"provisioner"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Events      EventsConfig      `mapstructure:"events"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BasePath     string        `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL: работаем без персистентности.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub, тики, метрики агентов).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // нужен только для выдачи токенов
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LifecycleConfig — параметры контура управления.
type LifecycleConfig struct {
	Scheduler              string        `mapstructure:"scheduler"` // interval, redis, external
	TickInterval           time.Duration `mapstructure:"tick_interval"`
	BatchSize              int           `mapstructure:"batch_size"`
	Concurrency            int           `mapstructure:"concurrency"`
	EvaluationTimeout      time.Duration `mapstructure:"evaluation_timeout"`
	QueueCapacity          int           `mapstructure:"queue_capacity"`
	MaxAgentsPerCapability int           `mapstructure:"max_agents_per_capability"`
	Capabilities           []string      `mapstructure:"capabilities"`
	DriftStrategy          string        `mapstructure:"drift_strategy"`
	TickLockTTL            time.Duration `mapstructure:"tick_lock_ttl"`
}

// HealthConfig — веса и пороги оценки здоровья. Читаются один раз при старте.
type HealthConfig struct {
	AvailabilityWeight float64       `mapstructure:"availability_weight"`
	ErrorRateWeight    float64       `mapstructure:"error_rate_weight"`
	LatencyWeight      float64       `mapstructure:"latency_weight"`
	HealthyThreshold   float64       `mapstructure:"healthy_threshold"`
	CriticalThreshold  float64       `mapstructure:"critical_threshold"`
	LatencyCeiling     time.Duration `mapstructure:"latency_ceiling"`
	MaxSampleAge       time.Duration `mapstructure:"max_sample_age"`
	Source             string        `mapstructure:"source"` // memory, redis
}

type DriftConfig struct {
	MediumThreshold   float64 `mapstructure:"medium_threshold"`
	HighThreshold     float64 `mapstructure:"high_threshold"`
	CriticalThreshold float64 `mapstructure:"critical_threshold"`
}

// ProvisionerConfig — внешний провижинер и его защита (лимиты, CB, ретраи).
type ProvisionerConfig struct {
	Mode          string        `mapstructure:"mode"` // grpc, mock
	Addr          string        `mapstructure:"addr"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	Rate          float64       `mapstructure:"rate"`
	Burst         int           `mapstructure:"burst"`
	Attempts      uint          `mapstructure:"attempts"`
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

// AlertsConfig — вебхук уведомлений. Пустой URL отключает алерты.
type AlertsConfig struct {
	WebhookURL  string        `mapstructure:"webhook_url"`
	MinSeverity string        `mapstructure:"min_severity"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type EventsConfig struct {
	Channel            string        `mapstructure:"channel"`
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// LIFECYCLE_BATCH_SIZE=50 перекроет lifecycle.batch_size
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет: работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Сначала PEM из ENV (Docker/K8s), иначе файл по пути из конфига
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultCapabilities — каталог способностей, которые провижинер умеет поднимать.
var DefaultCapabilities = []string{
	"research", "creative", "analysis", "development", "communication", "planning",
	"execution", "quality_assurance", "monitoring", "orchestration", "knowledge_management",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.base_path", "/")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("lifecycle.scheduler", "interval")
	v.SetDefault("lifecycle.tick_interval", 30*time.Second)
	v.SetDefault("lifecycle.batch_size", 20)
	v.SetDefault("lifecycle.concurrency", 8)
	v.SetDefault("lifecycle.evaluation_timeout", 5*time.Second)
	v.SetDefault("lifecycle.queue_capacity", 256)
	v.SetDefault("lifecycle.max_agents_per_capability", 5)
	v.SetDefault("lifecycle.capabilities", DefaultCapabilities)
	v.SetDefault("lifecycle.drift_strategy", "restart")
	v.SetDefault("lifecycle.tick_lock_ttl", 25*time.Second)

	v.SetDefault("health.availability_weight", 0.4)
	v.SetDefault("health.error_rate_weight", 0.3)
	v.SetDefault("health.latency_weight", 0.3)
	v.SetDefault("health.healthy_threshold", 0.6)
	v.SetDefault("health.critical_threshold", 0.3)
	v.SetDefault("health.latency_ceiling", 10*time.Second)
	v.SetDefault("health.max_sample_age", 5*time.Minute)
	v.SetDefault("health.source", "memory")

	v.SetDefault("drift.medium_threshold", 0.2)
	v.SetDefault("drift.high_threshold", 0.4)
	v.SetDefault("drift.critical_threshold", 0.6)

	v.SetDefault("provisioner.mode", "mock")
	v.SetDefault("provisioner.call_timeout", 10*time.Second)
	v.SetDefault("provisioner.rate", 5.0)
	v.SetDefault("provisioner.burst", 10)
	v.SetDefault("provisioner.attempts", 3)
	v.SetDefault("provisioner.cb_max_requests", 3)
	v.SetDefault("provisioner.cb_interval", 60*time.Second)
	v.SetDefault("provisioner.cb_timeout", 30*time.Second)

	v.SetDefault("alerts.min_severity", "medium")
	v.SetDefault("alerts.timeout", 5*time.Second)

	v.SetDefault("events.channel", RedisChanLifecycleEvents)
	v.SetDefault("events.audit_buffer_size", 1000)
	v.SetDefault("events.audit_flush_interval", 1*time.Second)
}

// Validate ловит конфигурации, с которыми контур будет принимать неверные решения.
func (c *Config) Validate() error {
	h := c.Health
	if h.CriticalThreshold < 0 || h.HealthyThreshold > 1 || h.CriticalThreshold > h.HealthyThreshold {
		return fmt.Errorf("config: health thresholds must satisfy 0 <= critical <= healthy <= 1")
	}
	if h.AvailabilityWeight < 0 || h.ErrorRateWeight < 0 || h.LatencyWeight < 0 ||
		h.AvailabilityWeight+h.ErrorRateWeight+h.LatencyWeight == 0 {
		return fmt.Errorf("config: health weights must be non-negative and not all zero")
	}
	d := c.Drift
	if !(d.MediumThreshold <= d.HighThreshold && d.HighThreshold <= d.CriticalThreshold) {
		return fmt.Errorf("config: drift thresholds must be ascending")
	}
	if c.Lifecycle.BatchSize <= 0 || c.Lifecycle.QueueCapacity <= 0 || c.Lifecycle.Concurrency <= 0 {
		return fmt.Errorf("config: lifecycle batch_size, queue_capacity and concurrency must be positive")
	}
	switch c.Lifecycle.Scheduler {
	case "interval", "redis", "external":
	default:
		return fmt.Errorf("config: unknown lifecycle.scheduler %q", c.Lifecycle.Scheduler)
	}
	return nil
}

func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
