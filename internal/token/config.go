package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the two independent trust roots. Access and refresh tokens
// never share a secret, so leaking one does not let an attacker mint the other.
type Config struct {
	AccessSecret  string        `env:"JWT_SECRET"`
	AccessTTL     time.Duration `env:"JWT_EXPIRES_IN"         envDefault:"15m"`
	RefreshSecret string        `env:"JWT_REFRESH_SECRET"`
	RefreshTTL    time.Duration `env:"JWT_REFRESH_EXPIRES_IN" envDefault:"168h"`
	Issuer        string        `env:"JWT_ISSUER"             envDefault:"pitchfork-identity"`
}

// LoadConfigFromEnv parses the JWT settings and validates them.
func LoadConfigFromEnv() (Config, error) {
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
	switch {
	case c.AccessSecret == "":
		return errors.New("JWT_SECRET is required")
	case c.RefreshSecret == "":
		return errors.New("JWT_REFRESH_SECRET is required")
	case c.AccessSecret == c.RefreshSecret:
		return errors.New("JWT_SECRET and JWT_REFRESH_SECRET must differ")
	case c.AccessTTL <= 0 || c.RefreshTTL <= 0:
		return errors.New("token lifetimes must be positive")
	}
	return nil
}
