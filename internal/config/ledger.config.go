package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type ServerConfig struct {
	HTTPAddr        string
	Environment     string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

func (s ServerConfig) IsDevelopment() bool { return s.Environment == "development" }

type DatabaseConfig struct {
	Driver           string
	Host             string
	Port             string
	User             string
	Password         string
	Name             string
	SSLMode          string
	MaxConns         int32
	MinConns         int32
	ConnectRetries   int
	LockTimeout      time.Duration
	StatementTimeout time.Duration
	AutoMigrate      bool
}

func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addrs      []string
	Password   string
	UseCluster bool
}

type KafkaConfig struct {
	// Brokers empty disables the kafka sink.
	Brokers []string
	Topic   string
}

type OTPConfig struct {
	TTL          time.Duration
	Length       int
	MaxAttempts  int
	Lockout      time.Duration
	ResendWindow time.Duration
	ResendMax    int
	Cooldown     time.Duration
}

type TransferConfig struct {
	Timeout     time.Duration
	SeedBalance decimal.Decimal
	Currency    string
}

type FanoutConfig struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

type CacheConfig struct {
	ProfileTTL  time.Duration
	AccountsTTL time.Duration
	BalanceTTL  time.Duration
	HistoryTTL  time.Duration
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

type RateLimitConfig struct {
	TransferLimit  int
	TransferWindow time.Duration
	TransferBlock  time.Duration
}

type WSConfig struct {
	HeartbeatInterval time.Duration
}

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	OTP       OTPConfig
	Transfer  TransferConfig
	Fanout    FanoutConfig
	Cache     CacheConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	WS        WSConfig
}

// Load reads the process environment. Call godotenv.Load first if a .env
// file should be honoured.
func Load() (*Config, error) {
	seed, err := decimal.NewFromString(getEnv("SEED_BALANCE", "1000.00"))
	if err != nil {
		return nil, fmt.Errorf("invalid SEED_BALANCE: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
			Environment:     getEnv("ENVIRONMENT", "production"),
			RequestTimeout:  getEnvDuration("HTTP_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvSlice("ALLOWED_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			Driver:           strings.ToLower(getEnv("STORE_DRIVER", StorePostgres)),
			Host:             getEnv("DB_HOST", "localhost"),
			Port:             getEnv("DB_PORT", "5432"),
			User:             getEnv("DB_USER", "postgres"),
			Password:         getEnv("DB_PASSWORD", ""),
			Name:             getEnv("DB_NAME", "ledger"),
			SSLMode:          getEnv("DB_SSLMODE", "disable"),
			MaxConns:         int32(getEnvInt("DB_MAX_CONNS", 20)),
			MinConns:         int32(getEnvInt("DB_MIN_CONNS", 2)),
			ConnectRetries:   getEnvInt("DB_CONNECT_RETRIES", 5),
			LockTimeout:      getEnvDuration("DB_LOCK_TIMEOUT", 5*time.Second),
			StatementTimeout: getEnvDuration("DB_STATEMENT_TIMEOUT", 10*time.Second),
			AutoMigrate:      getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addrs:      getEnvSlice("REDIS_ADDR", []string{"localhost:6379"}),
			Password:   getEnv("REDIS_PASS", ""),
			UseCluster: getEnvBool("REDIS_CLUSTER", false),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvSlice("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "ledger.transactions"),
		},
		OTP: OTPConfig{
			TTL:          getEnvDuration("OTP_TTL", 60*time.Second),
			Length:       getEnvInt("OTP_LENGTH", 6),
			MaxAttempts:  getEnvInt("OTP_MAX_ATTEMPTS", 3),
			Lockout:      getEnvDuration("OTP_LOCKOUT", 5*time.Minute),
			ResendWindow: getEnvDuration("OTP_RESEND_WINDOW", 5*time.Minute),
			ResendMax:    getEnvInt("OTP_RESEND_MAX", 3),
			Cooldown:     getEnvDuration("OTP_RESEND_COOLDOWN", 30*time.Second),
		},
		Transfer: TransferConfig{
			Timeout:     getEnvDuration("TRANSFER_TIMEOUT", 10*time.Second),
			SeedBalance: seed,
			Currency:    strings.ToUpper(getEnv("CURRENCY", "USD")),
		},
		Fanout: FanoutConfig{
			Workers:     getEnvInt("FANOUT_WORKERS", 8),
			QueueSize:   getEnvInt("FANOUT_QUEUE", 1024),
			TaskTimeout: getEnvDuration("FANOUT_TASK_TIMEOUT", 30*time.Second),
		},
		Cache: CacheConfig{
			ProfileTTL:  getEnvDuration("CACHE_PROFILE_TTL", 300*time.Second),
			AccountsTTL: getEnvDuration("CACHE_ACCOUNTS_TTL", 300*time.Second),
			BalanceTTL:  getEnvDuration("CACHE_BALANCE_TTL", 30*time.Second),
			HistoryTTL:  getEnvDuration("CACHE_HISTORY_TTL", 60*time.Second),
		},
		JWT: JWTConfig{
			Secret:   getEnv("JWT_SECRET", ""),
			Issuer:   getEnv("JWT_ISSUER", "credora-ledger"),
			Audience: getEnv("JWT_AUDIENCE", "credora-api"),
			TTL:      getEnvDuration("JWT_TTL", time.Hour),
		},
		RateLimit: RateLimitConfig{
			TransferLimit:  getEnvInt("RATE_TRANSFER_LIMIT", 20),
			TransferWindow: getEnvDuration("RATE_TRANSFER_WINDOW", time.Minute),
			TransferBlock:  getEnvDuration("RATE_TRANSFER_BLOCK", time.Minute),
		},
		WS: WSConfig{
			HeartbeatInterval: getEnvDuration("WS_HEARTBEAT", 30*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Database.Driver != StoreMemory && c.Database.Driver != StorePostgres {
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMemory, StorePostgres, c.Database.Driver))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("REDIS_ADDR is required"))
	}
	if c.OTP.Length < 4 || c.OTP.Length > 10 {
		errs = append(errs, fmt.Errorf("OTP_LENGTH must be between 4 and 10, got %d", c.OTP.Length))
	}
	if c.OTP.MaxAttempts < 1 {
		errs = append(errs, errors.New("OTP_MAX_ATTEMPTS must be positive"))
	}
	if c.OTP.TTL <= 0 || c.OTP.Lockout <= 0 {
		errs = append(errs, errors.New("OTP_TTL and OTP_LOCKOUT must be positive"))
	}
	if c.Transfer.Timeout <= 0 {
		errs = append(errs, errors.New("TRANSFER_TIMEOUT must be positive"))
	}
	if c.Transfer.SeedBalance.IsNegative() {
		errs = append(errs, errors.New("SEED_BALANCE must not be negative"))
	}
	if c.Fanout.Workers < 1 || c.Fanout.QueueSize < 1 {
		errs = append(errs, errors.New("FANOUT_WORKERS and FANOUT_QUEUE must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
