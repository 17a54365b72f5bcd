package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AfshinJalili/cryptobuy/libs/config"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	LockerMemory   = "memory"
	LockerRedis    = "redis"
	LockerPostgres = "postgres"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	Migrate  bool
}

func (d DBConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	if d.MaxConns > 0 {
		u.RawQuery += "&pool_max_conns=" + strconv.Itoa(d.MaxConns)
	}
	return u.String()
}

type GRPCConfig struct {
	Host string
	Port int
}

func (g GRPCConfig) Addr() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	LockTTL      time.Duration
	RateCacheTTL time.Duration
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type KafkaTopics struct {
	ComplianceEvents string
	RateFeed         string
	DeadLetter       string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// AdminKeyConfig describes one static back-office key. Keys stored in the
// admin_api_keys table are served alongside it.
type AdminKeyConfig struct {
	OwnerID     string
	Prefix      string
	Hash        string
	IPWhitelist []string
}

func (a AdminKeyConfig) Enabled() bool { return a.Prefix != "" && a.Hash != "" }

type RatesConfig struct {
	MaxAge        time.Duration
	CryptoRefresh time.Duration
}

type ThrottleConfig struct {
	Limit  int
	Window time.Duration
}

type Config struct {
	App       base.AppConfig
	Store     string
	Locker    string
	DB        DBConfig
	GRPC      GRPCConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	JWTSecret string
	AdminKey  AdminKeyConfig
	Rates     RatesConfig
	GeoIPPath string
	Throttle  ThrottleConfig
}

func Load() (*Config, error) {
	path := os.Getenv("CEX_CONFIG")
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}

	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}

	v.SetDefault("store", StorePostgres)
	v.SetDefault("locker", LockerMemory)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.lock_ttl", "10s")
	v.SetDefault("redis.rate_cache_ttl", "30s")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.consumer_group", "purchase-service")
	v.SetDefault("kafka.topics.compliance_events", "compliance.events")
	v.SetDefault("kafka.topics.rate_feed", "rates.crypto")
	v.SetDefault("kafka.topics.dead_letter", "dead_letter")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("rates.max_age", "24h")
	v.SetDefault("rates.crypto_refresh", "30s")
	v.SetDefault("geoip.path", "")
	v.SetDefault("throttle.limit", 10)
	v.SetDefault("throttle.window", "1m")

	cfg := &Config{
		App:    *appCfg,
		Store:  strings.ToLower(envString("STORE", v.GetString("store"))),
		Locker: strings.ToLower(envString("LOCKER", v.GetString("locker"))),
		DB: DBConfig{
			Host:     envString("DB_HOST", envString("POSTGRES_HOST", "localhost")),
			Port:     envInt("DB_PORT", envInt("POSTGRES_PORT", 5432)),
			Name:     envString("DB_NAME", envString("POSTGRES_DB", "cex_purchase")),
			User:     envString("DB_USER", envString("POSTGRES_USER", "cex")),
			Password: envString("DB_PASSWORD", envString("POSTGRES_PASSWORD", "cex")),
			SSLMode:  envString("DB_SSLMODE", envString("POSTGRES_SSLMODE", "disable")),
			MaxConns: envInt("DB_MAX_CONNS", 0),
			Migrate:  envBool("DB_MIGRATE", false),
		},
		GRPC: GRPCConfig{
			Host: envString("GRPC_HOST", "0.0.0.0"),
			Port: envInt("GRPC_PORT", 9095),
		},
		Redis: RedisConfig{
			Addr:         envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password:     envString("REDIS_PASSWORD", ""),
			DB:           envInt("REDIS_DB", 0),
			LockTTL:      envDuration("REDIS_LOCK_TTL", v.GetDuration("redis.lock_ttl")),
			RateCacheTTL: envDuration("REDIS_RATE_CACHE_TTL", v.GetDuration("redis.rate_cache_ttl")),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				ComplianceEvents: envString("KAFKA_COMPLIANCE_TOPIC", v.GetString("kafka.topics.compliance_events")),
				RateFeed:         envString("KAFKA_RATE_FEED_TOPIC", v.GetString("kafka.topics.rate_feed")),
				DeadLetter:       envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		JWTSecret: envString("JWT_SECRET", v.GetString("jwt_secret")),
		AdminKey: AdminKeyConfig{
			OwnerID:     envString("ADMIN_API_KEY_OWNER", "ops"),
			Prefix:      envString("ADMIN_API_KEY_PREFIX", ""),
			Hash:        envString("ADMIN_API_KEY_HASH", ""),
			IPWhitelist: envCSV("ADMIN_API_KEY_IPS", nil),
		},
		Rates: RatesConfig{
			MaxAge:        envDuration("RATES_MAX_AGE", v.GetDuration("rates.max_age")),
			CryptoRefresh: envDuration("RATES_CRYPTO_REFRESH", v.GetDuration("rates.crypto_refresh")),
		},
		GeoIPPath: envString("GEOIP_DB_PATH", v.GetString("geoip.path")),
		Throttle: ThrottleConfig{
			Limit:  envInt("THROTTLE_LIMIT", v.GetInt("throttle.limit")),
			Window: envDuration("THROTTLE_WINDOW", v.GetDuration("throttle.window")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("store must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	switch c.Locker {
	case LockerMemory:
	case LockerRedis:
		if !c.Redis.Enabled() {
			return errors.New("redis locker requires CEX_REDIS_ADDR")
		}
	case LockerPostgres:
		if c.Store != StorePostgres {
			return errors.New("postgres locker requires the postgres store")
		}
	default:
		return fmt.Errorf("unknown locker %q", c.Locker)
	}
	if c.GRPC.Port <= 0 {
		return errors.New("CEX_GRPC_PORT must be positive")
	}
	if strings.TrimSpace(c.JWTSecret) == "" && !c.App.IsDev() {
		return errors.New("jwt secret required outside dev")
	}
	if c.Kafka.Enabled() {
		if c.Kafka.ConsumerGroup == "" {
			return errors.New("kafka consumer group required")
		}
		if c.Kafka.Topics.ComplianceEvents == "" || c.Kafka.Topics.RateFeed == "" {
			return errors.New("kafka topics required")
		}
	}
	if (c.AdminKey.Prefix == "") != (c.AdminKey.Hash == "") {
		return errors.New("admin api key needs both prefix and hash")
	}
	if c.Rates.MaxAge <= 0 {
		return errors.New("rates max age must be positive")
	}
	if c.Throttle.Limit < 0 || (c.Throttle.Limit > 0 && c.Throttle.Window <= 0) {
		return errors.New("throttle limit and window must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv("CEX_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	for _, name := range []string{"CEX_" + key, key} {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	for _, name := range []string{"CEX_" + key, key} {
		if v := os.Getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	for _, name := range []string{"CEX_" + key, key} {
		if v := os.Getenv(name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	for _, name := range []string{"CEX_" + key, key} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
