package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel  string
	Server    ServerConfig
	Database  DatabaseConfig
	RabbitMQ  RabbitMQConfig
	Redis     RedisConfig
	Intake    IntakeConfig
	Worker    WorkerConfig
	Scheduler SchedulerConfig
	Mail      MailConfig
}

type ServerConfig struct {
	Port string
	Host string
}

type DatabaseConfig struct {
	Host           string
	Port           string
	User           string
	Password       string
	DBName         string
	SSLMode        string
	MigrationsPath string
}

type RabbitMQConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	VHost    string
}

// RedisConfig is optional. Without a URL the retry queue lives in memory and
// dynamic configuration falls back to the static defaults below.
type RedisConfig struct {
	URL       string
	KeyPrefix string
}

type IntakeConfig struct {
	Queue         string
	PrefetchCount int
}

// LeaseMargin is the minimum slack LEASE_TTL must leave beyond HTTP_TIMEOUT
// for the database work around the POST
const LeaseMargin = 5 * time.Second

// WorkerConfig drives a single delivery attempt
type WorkerConfig struct {
	Count               int
	HTTPTimeout         time.Duration
	MaxResponseBodySize int
	MaxMessageSize      int
	LeaseTTL            time.Duration
	DefaultMaxRetries   int
}

type SchedulerConfig struct {
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	PollInterval  time.Duration
	SweepSchedule string
	CreatedGrace  time.Duration
}

type MailConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// Load reads configuration from the environment, after merging a .env file
// when one is present in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds the configuration from an arbitrary variable source
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	var missing []string
	var invalid []string

	get := func(key string) string {
		val, _ := lookup(key)
		val = strings.TrimSpace(val)
		if val == "" {
			missing = append(missing, key)
		}
		return val
	}
	optional := func(key, def string) string {
		val, ok := lookup(key)
		if !ok || strings.TrimSpace(val) == "" {
			return def
		}
		return strings.TrimSpace(val)
	}
	getInt := func(key string, def int) int {
		raw := optional(key, "")
		if raw == "" {
			return def
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			invalid = append(invalid, key)
			return def
		}
		return n
	}
	getDuration := func(key string, def time.Duration) time.Duration {
		raw := optional(key, "")
		if raw == "" {
			return def
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			invalid = append(invalid, key)
			return def
		}
		return d
	}
	getBool := func(key string, def bool) bool {
		raw := optional(key, "")
		if raw == "" {
			return def
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			invalid = append(invalid, key)
			return def
		}
		return b
	}

	config := &Config{
		LogLevel: optional("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Port: optional("SERVER_PORT", "8080"),
			Host: optional("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Host:           get("DB_HOST"),
			Port:           optional("DB_PORT", "5432"),
			User:           get("DB_USER"),
			Password:       get("DB_PASSWORD"),
			DBName:         get("DB_NAME"),
			SSLMode:        optional("DB_SSLMODE", "disable"),
			MigrationsPath: optional("MIGRATIONS_PATH", "file://db/migrations"),
		},
		Redis: RedisConfig{
			URL:       optional("REDIS_URL", ""),
			KeyPrefix: optional("REDIS_KEY_PREFIX", "hook-svc:"),
		},
		Intake: IntakeConfig{
			Queue:         optional("INTAKE_QUEUE", "hook-svc.submissions"),
			PrefetchCount: getInt("INTAKE_PREFETCH", 10),
		},
		Worker: WorkerConfig{
			Count:               getInt("WORKER_COUNT", 8),
			HTTPTimeout:         getDuration("HTTP_TIMEOUT", 10*time.Second),
			MaxResponseBodySize: getInt("MAX_RESPONSE_BODY_SIZE", 64*1024),
			MaxMessageSize:      getInt("MAX_MESSAGE_SIZE", 8*1024),
			LeaseTTL:            getDuration("LEASE_TTL", time.Minute),
			DefaultMaxRetries:   getInt("DEFAULT_MAX_RETRIES", 3),
		},
		Scheduler: SchedulerConfig{
			BackoffBase:   getDuration("BACKOFF_BASE", 30*time.Second),
			BackoffMax:    getDuration("BACKOFF_MAX", time.Hour),
			PollInterval:  getDuration("POLL_INTERVAL", time.Second),
			SweepSchedule: optional("SWEEP_SCHEDULE", "@every 1m"),
			CreatedGrace:  getDuration("CREATED_GRACE", 2*time.Minute),
		},
		Mail: MailConfig{
			Enabled:  getBool("MAIL_ENABLED", false),
			Host:     optional("SMTP_HOST", ""),
			Port:     getInt("SMTP_PORT", 587),
			User:     optional("SMTP_USER", ""),
			Password: optional("SMTP_PASSWORD", ""),
			From:     optional("SMTP_FROM", ""),
		},
	}

	// either a full URL or the individual parts
	config.RabbitMQ.URL = optional("RABBITMQ_URL", "")
	if config.RabbitMQ.URL == "" {
		config.RabbitMQ.Host = get("RABBITMQ_HOST")
		config.RabbitMQ.Port = optional("RABBITMQ_PORT", "5672")
		config.RabbitMQ.User = get("RABBITMQ_USER")
		config.RabbitMQ.Password = get("RABBITMQ_PASSWORD")
		config.RabbitMQ.VHost = optional("RABBITMQ_VHOST", "/")
	}

	if config.Mail.Enabled && config.Mail.Host == "" {
		missing = append(missing, "SMTP_HOST")
	}
	if config.Worker.Count == 0 {
		invalid = append(invalid, "WORKER_COUNT")
	}
	// a lease must outlive the attempt it guards or another worker re-posts it
	if config.Worker.LeaseTTL < config.Worker.HTTPTimeout+LeaseMargin {
		invalid = append(invalid, "LEASE_TTL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid environment variables: %v", invalid)
	}

	return config, nil
}

// ConnectionString returns a DSN string for GORM
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.Host, c.User, c.Password, c.DBName, c.Port, c.SSLMode)
}

// MigrationURL returns the URL form expected by golang-migrate
func (c *DatabaseConfig) MigrationURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

func (c *RabbitMQConfig) ConnectionURL() string {
	if c.URL != "" {
		return c.URL
	}
	vhost := c.VHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%s/%s",
		c.User, c.Password, c.Host, c.Port, strings.TrimPrefix(vhost, "/"))
}
