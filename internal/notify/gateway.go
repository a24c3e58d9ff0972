// Package notify delivers one-time codes to users. Delivery is best-effort:
// gateways report success as a bool and log their own failures.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Message is one OTP email.
type Message struct {
	Address     string
	Code        string
	DisplayName string
	// ExpiresIn is the validity told to the user.
	ExpiresIn time.Duration
}

// Gateway sends OTP emails. Implementations never return errors to callers.
type Gateway interface {
	SendOTPEmail(ctx context.Context, msg Message) bool
}

// LogGateway stands in for SMTP in development. It logs the code instead of
// mailing it.
type LogGateway struct {
	Logger *zap.SugaredLogger
}

func (g LogGateway) SendOTPEmail(_ context.Context, msg Message) bool {
	g.Logger.Infow("otp email not sent: no mail host configured", "to", msg.Address, "code", msg.Code)
	return true
}

// New picks the SMTP gateway when a host is configured.
func New(cfg Config, logger *zap.SugaredLogger) Gateway {
	if cfg.Host == "" {
		return LogGateway{Logger: logger}
	}
	return NewSMTPGateway(cfg, logger)
}
