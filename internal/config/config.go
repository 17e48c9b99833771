package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	"github.com/davidbz/ember/internal/admission"
	"github.com/davidbz/ember/internal/domain"
	natsevents "github.com/davidbz/ember/internal/events/nats"
	"github.com/davidbz/ember/internal/provider/openai"
)

// Event bus backends selectable with EVENT_BUS.
const (
	EventBusLog   = "log"
	EventBusRedis = "redis"
	EventBusNATS  = "nats"
)

// Config represents the gateway configuration.
type Config struct {
	Server      ServerConfig
	CORS        CORSConfig
	OpenAI      openai.Config
	Gateway     GatewayConfig
	Storage     StorageConfig
	ObjectStore ObjectStoreConfig
	Events      EventsConfig
	Redis       RedisConfig
	NATS        natsevents.Config
	Cache       CacheConfig
	Admission   admission.Config
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int `env:"SERVER_PORT"          envDefault:"8080"`
	ReadTimeout  int `env:"SERVER_READ_TIMEOUT"  envDefault:"30"`
	WriteTimeout int `env:"SERVER_WRITE_TIMEOUT" envDefault:"120"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization"`
	ExposedHeaders   []string `env:"CORS_EXPOSED_HEADERS"   envSeparator:"," envDefault:"X-Ember-Inference-Id,X-Ember-Episode-Id,X-Ember-Variant,X-Ember-Latency-Ms"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// GatewayConfig contains inference orchestration settings.
type GatewayConfig struct {
	CatalogPath                string        `env:"GATEWAY_CATALOG_PATH"                   envDefault:"config/catalog.yaml"`
	AsyncWrites                bool          `env:"GATEWAY_ASYNC_WRITES"                   envDefault:"true"`
	StreamWindowChars          int           `env:"GATEWAY_STREAM_WINDOW_CHARS"            envDefault:"50"`
	MaxFallbackDuration        time.Duration `env:"GATEWAY_MAX_FALLBACK_DURATION"          envDefault:"0s"`
	FallbackInputCostPerToken  float64       `env:"GATEWAY_FALLBACK_INPUT_COST_PER_TOKEN"  envDefault:"0.000001"`
	FallbackOutputCostPerToken float64       `env:"GATEWAY_FALLBACK_OUTPUT_COST_PER_TOKEN" envDefault:"0.000002"`
	ShutdownTimeout            time.Duration `env:"GATEWAY_SHUTDOWN_TIMEOUT"               envDefault:"15s"`
}

// FallbackPricing prices models whose catalog entry carries no pricing.
func (g GatewayConfig) FallbackPricing() domain.PricingConfig {
	return domain.PricingConfig{
		PerTokens:  1,
		InputCost:  g.FallbackInputCostPerToken,
		OutputCost: g.FallbackOutputCostPerToken,
	}
}

// StorageConfig contains columnar store settings.
type StorageConfig struct {
	SQLitePath string `env:"STORAGE_SQLITE_PATH" envDefault:"ember.db"`
}

// ObjectStoreConfig contains attachment store settings.
type ObjectStoreConfig struct {
	Root string `env:"OBJECT_STORE_ROOT" envDefault:"data/objects"`
}

// EventsConfig selects and configures the event bus.
type EventsConfig struct {
	Bus         string `env:"EVENT_BUS"           envDefault:"log"`
	RedisStream string `env:"EVENT_REDIS_STREAM"  envDefault:"ember:inference_events"`
	RedisMaxLen int64  `env:"EVENT_REDIS_MAX_LEN" envDefault:"100000"`
}

// RedisConfig contains Redis connection settings shared by the event bus and cache.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"       envDefault:"0"`
}

// CacheConfig contains model inference cache settings.
type CacheConfig struct {
	Enabled bool          `env:"CACHE_ENABLED" envDefault:"false"`
	TTL     time.Duration `env:"CACHE_TTL"     envDefault:"24h"`
}

// DepConfig is used for dependency injection with dig. Fields are named
// because several packages call their settings type Config.
type DepConfig struct {
	dig.Out

	Server      *ServerConfig
	CORS        *CORSConfig
	OpenAI      *openai.Config
	Gateway     *GatewayConfig
	Storage     *StorageConfig
	ObjectStore *ObjectStoreConfig
	Events      *EventsConfig
	Redis       *RedisConfig
	NATS        *natsevents.Config
	Cache       *CacheConfig
	Admission   *admission.Config
}

// Load loads environment files and parses configuration.
func Load() *Config {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		Server:      &cfg.Server,
		CORS:        &cfg.CORS,
		OpenAI:      &cfg.OpenAI,
		Gateway:     &cfg.Gateway,
		Storage:     &cfg.Storage,
		ObjectStore: &cfg.ObjectStore,
		Events:      &cfg.Events,
		Redis:       &cfg.Redis,
		NATS:        &cfg.NATS,
		Cache:       &cfg.Cache,
		Admission:   &cfg.Admission,
	}
}
