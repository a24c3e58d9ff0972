package notify

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls outbound OTP mail. An empty Host selects the log-only gateway.
type Config struct {
	Host        string        `env:"MAIL_HOST"`
	Port        int           `env:"MAIL_PORT"         envDefault:"587"`
	Username    string        `env:"MAIL_USERNAME"`
	Password    string        `env:"MAIL_PASSWORD"`
	From        string        `env:"MAIL_FROM_ADDRESS" envDefault:"noreply@pitchfork.local"`
	AppName     string        `env:"MAIL_APP_NAME"     envDefault:"Pitchfork"`
	SendTimeout time.Duration `env:"MAIL_SEND_TIMEOUT" envDefault:"10s"`
	QueueSize   int           `env:"MAIL_QUEUE_SIZE"   envDefault:"64"`
}

func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("mail config: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = "noreply@pitchfork.local"
	}
	if cfg.AppName == "" {
		cfg.AppName = "Pitchfork"
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return cfg, nil
}
