package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	AppName string `envconfig:"APP_NAME" default:"swiftchat"`
	Env     string `envconfig:"APP_ENV" default:"development"`
	Host    string `envconfig:"HTTP_HOST" default:"0.0.0.0"`
	Port    int    `envconfig:"HTTP_PORT" default:"8000"`

	DatabasePath string `envconfig:"DATABASE_PATH" default:"swiftchat.db"`

	JWTSecret      string        `envconfig:"JWT_SECRET" required:"true"`
	AccessTokenTTL time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"24h"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000,http://localhost:5173"`

	HeartbeatInterval time.Duration `envconfig:"WS_HEARTBEAT_INTERVAL" default:"25s"`
	AuthTimeout       time.Duration `envconfig:"WS_AUTH_TIMEOUT" default:"10s"`
	OutboxSize        int           `envconfig:"WS_OUTBOX_SIZE" default:"256"`

	PresenceDebounce time.Duration `envconfig:"PRESENCE_DEBOUNCE" default:"5s"`

	MaxMessageLength  int           `envconfig:"MAX_MESSAGE_LENGTH" default:"5000"`
	PipelineWorkers   int           `envconfig:"PIPELINE_WORKERS" default:"4"`
	PipelineQueueSize int           `envconfig:"PIPELINE_QUEUE_SIZE" default:"1024"`
	IdempotencyWindow time.Duration `envconfig:"IDEMPOTENCY_WINDOW" default:"10m"`

	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"20"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
}

// Load reads configuration from the environment, after a best-effort .env
// load for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if cfg.PipelineWorkers < 1 {
		cfg.PipelineWorkers = 1
	}
	return &cfg, nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Production reports whether the server runs in production mode.
func (c *Config) Production() bool {
	return c.Env == "production"
}
