package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the server configuration, read from the environment.
type Config struct {
	HTTPPort  string `env:"HTTP_PORT" envDefault:"8080"`
	HTTPSPort string `env:"HTTPS_PORT" envDefault:"8443"`
	CertFile  string `env:"TLS_CERT" envDefault:"certs/server-san.crt"`
	KeyFile   string `env:"TLS_KEY" envDefault:"certs/server-san.key"`
	TLSOnly   bool   `env:"TLS_ONLY" envDefault:"false"`

	DBPath       string `env:"DB_PATH" envDefault:"./data/sectorwars.db"`
	GateTopology string `env:"GATE_TOPOLOGY" envDefault:"gates.toml"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"true"`

	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"10s"`
	TravelTTL    time.Duration `env:"TRAVEL_AUTH_TTL" envDefault:"5m"`

	Cognito Cognito
	JWT     LocalJWT

	AI AILimits
}

// Cognito configures validation of tokens issued by an AWS Cognito user pool.
type Cognito struct {
	Region      string `env:"AWS_REGION" envDefault:"us-east-1"`
	UserPoolID  string `env:"COGNITO_USER_POOL_ID"`
	ClientID    string `env:"COGNITO_CLIENT_ID"`
	Domain      string `env:"COGNITO_DOMAIN"`
	CallbackURL string `env:"COGNITO_CALLBACK_URL"`
}

// Enabled reports whether enough Cognito settings are present to validate tokens.
func (c Cognito) Enabled() bool {
	return c.UserPoolID != "" && c.ClientID != ""
}

// LocalJWT configures the HS256 issuer used in development.
type LocalJWT struct {
	Secret string        `env:"JWT_SECRET"`
	Issuer string        `env:"JWT_ISSUER" envDefault:"sectorwars"`
	TTL    time.Duration `env:"JWT_TTL" envDefault:"24h"`
}

// AILimits bounds the player-facing dialogue integration.
type AILimits struct {
	RequestsPerMinute int           `env:"AI_REQUESTS_PER_MINUTE" envDefault:"10"`
	RequestsPerHour   int           `env:"AI_REQUESTS_PER_HOUR" envDefault:"100"`
	RequestsPerDay    int           `env:"AI_REQUESTS_PER_DAY" envDefault:"500"`
	MaxChars          int           `env:"AI_MAX_CHARS" envDefault:"500"`
	MaxWords          int           `env:"AI_MAX_WORDS" envDefault:"100"`
	MaxCostPerDayUSD  float64       `env:"AI_MAX_COST_PER_DAY_USD" envDefault:"1.0"`
	Model             string        `env:"AI_MODEL" envDefault:"claude-3-sonnet"`
	ProviderTimeout   time.Duration `env:"AI_PROVIDER_TIMEOUT" envDefault:"15s"`
	APIURL            string        `env:"AI_API_URL"`
	APIKey            string        `env:"AI_API_KEY"`
}

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("DB_PATH is required")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive, got %s", c.TickInterval)
	}
	if c.TravelTTL <= 0 {
		return fmt.Errorf("TRAVEL_AUTH_TTL must be positive, got %s", c.TravelTTL)
	}
	if !c.Cognito.Enabled() && c.JWT.Secret == "" {
		return errors.New("either COGNITO_USER_POOL_ID/COGNITO_CLIENT_ID or JWT_SECRET must be set")
	}
	ai := c.AI
	if ai.RequestsPerMinute <= 0 || ai.RequestsPerHour <= 0 || ai.RequestsPerDay <= 0 {
		return errors.New("AI request limits must be positive")
	}
	if ai.MaxChars <= 0 || ai.MaxWords <= 0 || ai.MaxCostPerDayUSD <= 0 {
		return errors.New("AI size and cost limits must be positive")
	}
	return nil
}
