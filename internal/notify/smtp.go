package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"

	"go.uber.org/zap"
)

var otpTemplate = template.Must(template.New("otp").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Your verification code - {{.AppName}}</title></head>
<body style="font-family: sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <h1>{{.AppName}}</h1>
  <p>Hello{{if .DisplayName}} {{.DisplayName}}{{end}},</p>
  <p>Enter the code below to continue signing in:</p>
  <p style="font-size: 32px; font-weight: bold; letter-spacing: 8px; font-family: monospace;">{{.Code}}</p>
  <p><em>This code will expire in {{.Minutes}} minutes.</em></p>
  <hr>
  <p>If you didn't request this code, you can ignore this email.</p>
</body>
</html>
`))

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPGateway renders the OTP template and hands it to an SMTP relay.
type SMTPGateway struct {
	cfg    Config
	logger *zap.SugaredLogger
	send   sendFunc
}

func NewSMTPGateway(cfg Config, logger *zap.SugaredLogger) *SMTPGateway {
	return &SMTPGateway{cfg: cfg, logger: logger, send: smtp.SendMail}
}

func (g *SMTPGateway) SendOTPEmail(ctx context.Context, msg Message) bool {
	body, err := g.render(msg)
	if err != nil {
		g.logger.Errorw("render otp email failed", "to", msg.Address, "err", err)
		return false
	}
	var auth smtp.Auth
	if g.cfg.Username != "" {
		auth = smtp.PlainAuth("", g.cfg.Username, g.cfg.Password, g.cfg.Host)
	}
	addr := net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.Port))

	// net/smtp has no context support; bound the wait instead of the dial.
	errCh := make(chan error, 1)
	go func() { errCh <- g.send(addr, auth, g.cfg.From, []string{msg.Address}, body) }()
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		g.logger.Errorw("send otp email failed", "to", msg.Address, "err", err)
		return false
	}
	g.logger.Infow("otp email sent", "to", msg.Address)
	return true
}

func (g *SMTPGateway) render(msg Message) ([]byte, error) {
	minutes := int(msg.ExpiresIn.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	var html bytes.Buffer
	err := otpTemplate.Execute(&html, map[string]any{
		"AppName":     g.cfg.AppName,
		"DisplayName": msg.DisplayName,
		"Code":        msg.Code,
		"Minutes":     minutes,
	})
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	fmt.Fprintf(&out, "From: %s\r\n", g.cfg.From)
	fmt.Fprintf(&out, "To: %s\r\n", msg.Address)
	fmt.Fprintf(&out, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", "Your verification code - "+g.cfg.AppName))
	out.WriteString("MIME-Version: 1.0\r\n")
	out.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	out.Write(html.Bytes())
	return out.Bytes(), nil
}
