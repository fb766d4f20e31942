package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"billingledger/internal/pricing"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is built once at startup and passed to every constructor.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	YooKassa YooKassaConfig `mapstructure:"yookassa"`
	Pricing  pricing.Table  `mapstructure:"pricing"`
	Business BusinessConfig `mapstructure:"business"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	// TrustedProxies may set X-Forwarded-For; empty means use the peer address.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql | sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogSQL       bool   `mapstructure:"log_sql"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
}

type YooKassaConfig struct {
	ShopID          string        `mapstructure:"shop_id"`
	SecretKey       string        `mapstructure:"secret_key"`
	APIURL          string        `mapstructure:"api_url"`
	ReturnURL       string        `mapstructure:"return_url"`
	Currency        string        `mapstructure:"currency"`
	Timeout         time.Duration `mapstructure:"timeout"`
	TrustedNetworks []string      `mapstructure:"trusted_networks"`
}

type BusinessConfig struct {
	StartingBalance     int64         `mapstructure:"starting_balance"`
	MinTopUp            int64         `mapstructure:"min_topup"`
	PromptMaxLength     int           `mapstructure:"prompt_max_length"`
	MaxRetryCount       int           `mapstructure:"max_retry_count"`
	PaymentPollInterval time.Duration `mapstructure:"payment_poll_interval"`
	PaymentPollMinAge   time.Duration `mapstructure:"payment_poll_min_age"`
	PaymentPollMaxAge   time.Duration `mapstructure:"payment_poll_max_age"`
	PaymentPollRPS      float64       `mapstructure:"payment_poll_rps"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads an optional .env, then the YAML file at path (missing file is
// fine), then LEDGER_* environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return nil, fmt.Errorf("read config %s: %w", path, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.database", "billing")
	v.SetDefault("database.sqlite_path", "billing.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 10)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.lock_ttl", 30*time.Second)

	v.SetDefault("kafka.topic.ledger_events", "billing.ledger.events")

	v.SetDefault("yookassa.api_url", "https://api.yookassa.ru/v3")
	v.SetDefault("yookassa.currency", "RUB")
	v.SetDefault("yookassa.timeout", 30*time.Second)

	p := pricing.DefaultTable()
	v.SetDefault("pricing.premium", p.Premium)
	v.SetDefault("pricing.standard", p.Standard)
	v.SetDefault("pricing.seedream", p.Seedream)
	v.SetDefault("pricing.prompt_generation", p.PromptGeneration)
	v.SetDefault("pricing.face_swap", p.FaceSwap)
	v.SetDefault("pricing.add_text", p.AddText)

	v.SetDefault("business.starting_balance", 3000)
	v.SetDefault("business.min_topup", 1000)
	v.SetDefault("business.prompt_max_length", 2000)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.payment_poll_interval", time.Minute)
	v.SetDefault("business.payment_poll_min_age", 2*time.Minute)
	v.SetDefault("business.payment_poll_max_age", 24*time.Hour)
	v.SetDefault("business.payment_poll_rps", 2.0)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 5*time.Second)

	v.SetDefault("log.level", "info")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be mysql or sqlite, got %q", c.Database.Driver))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers required when kafka is enabled"))
	}
	if c.Business.StartingBalance < 0 {
		errs = append(errs, errors.New("business.starting_balance must not be negative"))
	}
	if c.Business.MinTopUp <= 0 {
		errs = append(errs, errors.New("business.min_topup must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	for name, price := range map[string]int64{
		"premium":           c.Pricing.Premium,
		"standard":          c.Pricing.Standard,
		"seedream":          c.Pricing.Seedream,
		"prompt_generation": c.Pricing.PromptGeneration,
		"face_swap":         c.Pricing.FaceSwap,
		"add_text":          c.Pricing.AddText,
	} {
		if price < 0 {
			errs = append(errs, fmt.Errorf("pricing.%s must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// MySQLDSN builds the go-sql-driver DSN.
func (d DatabaseConfig) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
	)
}
