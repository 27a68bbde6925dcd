package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// MinSecretBytes is the smallest HS256 key accepted.
const MinSecretBytes = 32

type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"auth"`
	HTTPAddr    string `env:"HTTP_ADDR"    envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`

	Database DatabaseConfig `envPrefix:"DATABASE_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	JWT      JWTConfig      `envPrefix:"JWT_"`
	Kafka    KafkaConfig    `envPrefix:"KAFKA_"`
	Elastic  ElasticConfig  `envPrefix:"ES_"`
	CORS     CORSConfig     `envPrefix:"CORS_"`
}

type DatabaseConfig struct {
	Driver  string `env:"DRIVER"  envDefault:"postgres"`
	URL     string `env:"URL"`
	Migrate bool   `env:"MIGRATE" envDefault:"true"`
}

// DefaultSQLiteDSN is used when the sqlite driver is picked without a URL.
const DefaultSQLiteDSN = "file:authserver.db"

func (d DatabaseConfig) DSN() string {
	if d.URL == "" && d.Driver == "sqlite" {
		return DefaultSQLiteDSN
	}
	return d.URL
}

type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB"   envDefault:"0"`
}

// JWTConfig.Secret is base64 encoded. It has to stay the same across restarts,
// otherwise every refresh token issued before the restart stops verifying.
type JWTConfig struct {
	Secret     string        `env:"SECRET"`
	Issuer     string        `env:"ISSUER"`
	AccessTTL  time.Duration `env:"ACCESS_TTL"  envDefault:"15m"`
	RefreshTTL time.Duration `env:"REFRESH_TTL" envDefault:"168h"`
}

type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC"   envDefault:"user_events"`
}

type ElasticConfig struct {
	URL      string `env:"URL"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
	Index    string `env:"INDEX" envDefault:"auth-events"`
}

type CORSConfig struct {
	AllowedOrigins   []string `env:"ALLOWED_ORIGINS"   envSeparator:"," envDefault:"http://localhost:*,http://127.0.0.1:*"`
	AllowedMethods   []string `env:"ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   []string `env:"ALLOWED_HEADERS"   envSeparator:"," envDefault:"*"`
	ExposedHeaders   []string `env:"EXPOSED_HEADERS"   envSeparator:"," envDefault:"Location"`
	AllowCredentials bool     `env:"ALLOW_CREDENTIALS" envDefault:"false"`
	MaxAge           int      `env:"MAX_AGE"           envDefault:"3600"`
}

// Load reads an optional .env file and then the process environment.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		err := godotenv.Load(envFile)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			log.Printf("notice: %s not found, using process environment", envFile)
		default:
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("missing required env DATABASE_URL")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.Database.Driver)
	}
	if _, err := c.JWT.SigningKey(); err != nil {
		return err
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT_ACCESS_TTL and JWT_REFRESH_TTL must be positive")
	}
	if c.Redis.Addr == "" {
		return errors.New("missing required env REDIS_ADDR")
	}
	return nil
}

// SigningKey decodes the shared HMAC secret.
func (j JWTConfig) SigningKey() ([]byte, error) {
	if j.Secret == "" {
		return nil, errors.New("missing required env JWT_SECRET")
	}
	key, err := base64.StdEncoding.DecodeString(j.Secret)
	if err != nil {
		return nil, fmt.Errorf("JWT_SECRET is not valid base64: %w", err)
	}
	if len(key) < MinSecretBytes {
		return nil, fmt.Errorf("JWT_SECRET must decode to at least %d bytes, got %d", MinSecretBytes, len(key))
	}
	return key, nil
}
