package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/otp/entity"
	otprepo "github.com/ovaphlow/pitchfork/service-identity/internal/otp/repo"
)

const codeSpace = 1_000_000 // six decimal digits

var (
	ErrInvalidCode = errors.New("invalid code")
	ErrExpiredCode = errors.New("code expired")
)

// Recipient identifies who a code is issued to. IdentityID is zero when the
// address has no account yet.
type Recipient struct {
	IdentityID int64
	Email      string
}

// Issued is the plaintext code handed back for delivery.
type Issued struct {
	Code      string
	ExpiresAt time.Time
	// ExpiresIn is the advertised validity, which may be shorter than the
	// enforced one.
	ExpiresIn time.Duration
}

// Engine issues and consumes single-use numeric codes.
type Engine struct {
	repo   *otprepo.CodeRepo
	cfg    Config
	clock  clockwork.Clock
	rand   io.Reader
	logger *zap.SugaredLogger
}

func NewEngine(r *otprepo.CodeRepo, cfg Config, clock clockwork.Clock, logger *zap.SugaredLogger) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{repo: r, cfg: cfg, clock: clock, rand: rand.Reader, logger: logger}
}

// Config returns the engine settings.
func (e *Engine) Config() Config { return e.cfg }

// Issue sweeps expired codes table-wide, then persists a fresh code for rcpt.
// Earlier unexpired codes for the same recipient remain valid.
func (e *Engine) Issue(ctx context.Context, rcpt Recipient) (Issued, error) {
	now := e.clock.Now()
	swept, err := e.repo.DeleteExpired(ctx, now.UnixMilli())
	if err != nil {
		return Issued{}, fmt.Errorf("sweep expired codes: %w", err)
	}
	if swept > 0 {
		e.logger.Debugw("swept expired otp codes", "count", swept)
	}

	code, err := e.generate()
	if err != nil {
		return Issued{}, fmt.Errorf("generate code: %w", err)
	}
	c := &entity.Code{
		Email:       rcpt.Email,
		Code:        code,
		ExpiresAtMs: now.Add(e.cfg.ValidFor).UnixMilli(),
		CreatedAtMs: now.UnixMilli(),
	}
	if rcpt.IdentityID != 0 {
		id := rcpt.IdentityID
		c.IdentityID = &id
	}
	if err := e.repo.Save(ctx, c); err != nil {
		return Issued{}, fmt.Errorf("save code: %w", err)
	}
	return Issued{Code: code, ExpiresAt: c.ExpiresAt(), ExpiresIn: e.cfg.Advertised}, nil
}

// Verify consumes the matching unused code. A code that is found is marked
// used whether it is accepted or rejected as expired.
func (e *Engine) Verify(ctx context.Context, email, code string) error {
	c, err := e.repo.FindUnused(ctx, email, code)
	if err != nil {
		if errors.Is(err, otprepo.ErrNotFound) {
			return ErrInvalidCode
		}
		return err
	}
	consumed, err := e.repo.MarkUsed(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("mark code used: %w", err)
	}
	if !consumed {
		// a concurrent verification got there first
		return ErrInvalidCode
	}
	if c.Expired(e.clock.Now()) {
		return ErrExpiredCode
	}
	return nil
}

// BindIdentity attaches outstanding signup codes for email to a new identity.
func (e *Engine) BindIdentity(ctx context.Context, email string, identityID int64) error {
	return e.repo.BindIdentity(ctx, email, identityID)
}

// generate draws uniformly from 000000-999999.
func (e *Engine) generate() (string, error) {
	n, err := rand.Int(e.rand, big.NewInt(codeSpace))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
