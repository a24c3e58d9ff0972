// Package session composes the identity store, one-time codes and the token
// authority into the login, registration, refresh and linking flows.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"unicode"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/identity"
	"github.com/ovaphlow/pitchfork/service-identity/internal/identity/entity"
	identityrepo "github.com/ovaphlow/pitchfork/service-identity/internal/identity/repo"
	"github.com/ovaphlow/pitchfork/service-identity/internal/notify"
	"github.com/ovaphlow/pitchfork/service-identity/internal/otp"
	"github.com/ovaphlow/pitchfork/service-identity/internal/token"
)

const (
	usernameSuffixLen   = 5
	maxUsernameAttempts = 5
	otpSentMessage      = "OTP sent to your email"
)

// Mailer queues OTP emails for background delivery.
type Mailer interface {
	Dispatch(msg notify.Message) bool
}

// Result is returned by every flow that opens a session. The refresh token is
// kept out of JSON; handlers move it into a cookie.
type Result struct {
	User         entity.Summary `json:"user"`
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"-"`
}

// OTPSent acknowledges a persisted code. ExpiresIn is in seconds.
type OTPSent struct {
	Message   string `json:"message"`
	ExpiresIn int    `json:"expiresIn"`
}

// Deps lists the collaborators of a Service.
type Deps struct {
	Users  *identityrepo.IdentityRepo
	Codes  *otp.Engine
	Tokens *token.Authority
	Hasher identity.PasswordHasher
	Mail   Mailer
	Clock  clockwork.Clock
	Logger *zap.SugaredLogger
}

type Service struct {
	users  *identityrepo.IdentityRepo
	codes  *otp.Engine
	tokens *token.Authority
	hasher identity.PasswordHasher
	mail   Mailer
	clock  clockwork.Clock
	logger *zap.SugaredLogger
	rand   io.Reader
}

func NewService(d Deps) *Service {
	s := &Service{
		users:  d.Users,
		codes:  d.Codes,
		tokens: d.Tokens,
		hasher: d.Hasher,
		mail:   d.Mail,
		clock:  d.Clock,
		logger: d.Logger,
		rand:   rand.Reader,
	}
	if s.hasher == nil {
		s.hasher = identity.BcryptHasher{Cost: identity.BcryptCostFromEnv()}
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	return s
}

// Register creates a password account and opens its first session. The
// pre-checks give friendly messages; the unique constraints decide races.
func (s *Service) Register(ctx context.Context, email, username, password string) (Result, error) {
	if !identity.ValidEmail(email) {
		return Result{}, badRequest("email must be a valid email address")
	}
	username = strings.TrimSpace(username)
	if len(username) < 3 {
		return Result{}, badRequest("username must be at least 3 characters")
	}
	if err := passwordRule(password); err != nil {
		return Result{}, err
	}
	// hashed outside the transaction so the write lock is not held for the bcrypt rounds
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return Result{}, fmt.Errorf("hash password: %w", err)
	}

	var res Result
	err = s.users.InTx(ctx, func(tx *identityrepo.IdentityRepo) error {
		if taken, err := exists(tx.GetByEmail(ctx, email)); err != nil {
			return err
		} else if taken {
			return ErrEmailTaken
		}
		if taken, err := exists(tx.GetByUsername(ctx, username)); err != nil {
			return err
		} else if taken {
			return ErrUsernameTaken
		}
		u, err := tx.Create(ctx, email, username, hash)
		switch {
		case errors.Is(err, identityrepo.ErrDuplicateUsername):
			return ErrUsernameTaken
		case errors.Is(err, identityrepo.ErrDuplicate):
			return ErrEmailTaken
		case err != nil:
			return err
		}
		res, err = s.open(ctx, tx, u)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	s.logger.Infow("identity registered", "id", res.User.ID, "username", res.User.Username)
	return res, nil
}

// Login authenticates with the given credential. Unknown accounts and wrong
// secrets produce the same error.
func (s *Service) Login(ctx context.Context, email string, cred Credential) (Result, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, identityrepo.ErrNotFound) {
		return Result{}, ErrInvalidCredentials
	}
	if err != nil {
		return Result{}, err
	}

	switch c := cred.(type) {
	case PasswordCredential:
		if c.Secret == "" {
			return Result{}, ErrPasswordRequired
		}
		if !u.HasPassword() {
			s.logger.Debugw("password login on passwordless identity", "id", u.ID)
			return Result{}, ErrPasswordless
		}
		if !s.hasher.Verify(*u.PasswordHash, c.Secret) {
			return Result{}, ErrInvalidCredentials
		}
	case OTPCredential:
		if c.Code == "" {
			return Result{}, ErrOTPRequired
		}
		if err := s.consumeCode(ctx, email, c.Code); err != nil {
			return Result{}, err
		}
	default:
		return Result{}, ErrInvalidLoginMethod
	}
	return s.open(ctx, s.users, u)
}

// Refresh rotates the session. The presented token must verify and still be
// the one stored for its subject; the swap is conditional so only one of two
// concurrent rotations of the same token succeeds.
func (s *Service) Refresh(ctx context.Context, presented string) (Result, error) {
	claims, err := s.tokens.VerifyRefresh(presented)
	if err != nil {
		return Result{}, ErrInvalidRefreshToken
	}
	id, err := claims.IdentityID()
	if err != nil {
		return Result{}, ErrInvalidRefreshToken
	}
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, identityrepo.ErrNotFound) {
		return Result{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return Result{}, err
	}
	if u.RefreshToken == nil || !identity.ConstantTimeCompare(*u.RefreshToken, presented) {
		return Result{}, ErrInvalidRefreshToken
	}

	pair, err := s.tokens.IssuePair(ctx, u.ID, u.Email)
	if err != nil {
		return Result{}, fmt.Errorf("issue tokens: %w", err)
	}
	swapped, err := s.users.SwapRefreshToken(ctx, u.ID, presented, pair.RefreshToken)
	if err != nil {
		return Result{}, err
	}
	if !swapped {
		s.logger.Debugw("refresh lost rotation race", "id", u.ID)
		return Result{}, ErrInvalidRefreshToken
	}
	u.RefreshToken = &pair.RefreshToken
	return Result{User: u.Summarize(), AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

// RequestOtp persists a fresh code and queues its delivery. Delivery
// problems are logged and never reach the caller.
func (s *Service) RequestOtp(ctx context.Context, email string) (OTPSent, error) {
	if !identity.ValidEmail(email) {
		return OTPSent{}, badRequest("email must be a valid email address")
	}
	rcpt := otp.Recipient{Email: email}
	displayName := localPart(email)
	u, err := s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		rcpt.IdentityID = u.ID
		displayName = u.Username
	case errors.Is(err, identityrepo.ErrNotFound):
		if !s.codes.Config().AllowSignup {
			return OTPSent{}, ErrUserNotFound
		}
	default:
		return OTPSent{}, err
	}

	issued, err := s.codes.Issue(ctx, rcpt)
	if err != nil {
		return OTPSent{}, err
	}
	msg := notify.Message{Address: email, Code: issued.Code, DisplayName: displayName, ExpiresIn: issued.ExpiresIn}
	if s.mail == nil || !s.mail.Dispatch(msg) {
		s.logger.Warnw("otp email not queued", "to", email)
	}
	return OTPSent{Message: otpSentMessage, ExpiresIn: int(issued.ExpiresIn.Seconds())}, nil
}

// VerifyOtp consumes a code and opens a session for an existing identity.
func (s *Service) VerifyOtp(ctx context.Context, email, code string) (Result, error) {
	if err := s.consumeCode(ctx, email, code); err != nil {
		return Result{}, err
	}
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, identityrepo.ErrNotFound) {
		return Result{}, ErrUserNotFound
	}
	if err != nil {
		return Result{}, err
	}
	return s.open(ctx, s.users, u)
}

// LoginWithOtp is VerifyOtp that provisions the identity on first use.
func (s *Service) LoginWithOtp(ctx context.Context, email, code string) (Result, error) {
	if err := s.consumeCode(ctx, email, code); err != nil {
		return Result{}, err
	}
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, identityrepo.ErrNotFound) {
		placeholder := code + strconv.FormatInt(s.clock.Now().UnixMilli(), 10)
		u, err = s.provision(ctx, email, localPart(email), placeholder)
		if err == nil {
			if err := s.codes.BindIdentity(ctx, email, u.ID); err != nil {
				s.logger.Warnw("bind otp codes to new identity failed", "id", u.ID, "err", err)
			}
		}
	}
	if err != nil {
		return Result{}, err
	}
	return s.open(ctx, s.users, u)
}

// OAuthLink finds or creates the identity for an externally authenticated
// user and always opens a new session.
func (s *Service) OAuthLink(ctx context.Context, email, displayName, providerID string) (Result, error) {
	if !identity.ValidEmail(email) {
		return Result{}, badRequest("email must be a valid email address")
	}
	if providerID == "" {
		return Result{}, badRequest("provider id is required")
	}
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, identityrepo.ErrNotFound) {
		u, err = s.provision(ctx, email, compactName(displayName), providerID)
	}
	if err != nil {
		return Result{}, err
	}
	return s.open(ctx, s.users, u)
}

// SetPasswordForProvisionedUser overwrites the password without checking the
// old one. Callers must have proven the identity through another channel.
func (s *Service) SetPasswordForProvisionedUser(ctx context.Context, email, newPassword string) error {
	if err := passwordRule(newPassword); err != nil {
		return err
	}
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, identityrepo.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}
	return s.setPassword(ctx, u, newPassword)
}

// SetPasswordForIdentity is SetPasswordForProvisionedUser keyed by identity id,
// for callers holding an access token whose email claim may be stale.
func (s *Service) SetPasswordForIdentity(ctx context.Context, id int64, newPassword string) error {
	if err := passwordRule(newPassword); err != nil {
		return err
	}
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, identityrepo.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}
	return s.setPassword(ctx, u, newPassword)
}

func (s *Service) setPassword(ctx context.Context, u *entity.Identity, newPassword string) error {
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, u.ID, hash); err != nil {
		return err
	}
	s.logger.Infow("password set for provisioned identity", "id", u.ID)
	return nil
}

// Me returns the summary of the authenticated identity.
func (s *Service) Me(ctx context.Context, id int64) (entity.Summary, error) {
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, identityrepo.ErrNotFound) {
		return entity.Summary{}, ErrInvalidCredentials
	}
	if err != nil {
		return entity.Summary{}, err
	}
	return u.Summarize(), nil
}

// open issues a pair and stores the refresh half as the only active session.
func (s *Service) open(ctx context.Context, repo *identityrepo.IdentityRepo, u *entity.Identity) (Result, error) {
	pair, err := s.tokens.IssuePair(ctx, u.ID, u.Email)
	if err != nil {
		return Result{}, fmt.Errorf("issue tokens: %w", err)
	}
	if err := repo.UpdateRefreshToken(ctx, u.ID, &pair.RefreshToken); err != nil {
		return Result{}, fmt.Errorf("store refresh token: %w", err)
	}
	u.RefreshToken = &pair.RefreshToken
	return Result{User: u.Summarize(), AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

func (s *Service) consumeCode(ctx context.Context, email, code string) error {
	if code == "" {
		return ErrInvalidOTP
	}
	err := s.codes.Verify(ctx, email, code)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, otp.ErrInvalidCode), errors.Is(err, otp.ErrExpiredCode):
		s.logger.Debugw("otp rejected", "email", email, "reason", err)
		return ErrInvalidOTP
	default:
		return err
	}
}

// provision creates an identity with a synthetic username and a placeholder
// password hash the user cannot know. A concurrent provision of the same
// email is resolved by returning the row that won.
func (s *Service) provision(ctx context.Context, email, base, placeholder string) (*entity.Identity, error) {
	hash, err := s.hasher.Hash(placeholderDigest(placeholder))
	if err != nil {
		return nil, fmt.Errorf("hash placeholder: %w", err)
	}
	if base == "" {
		base = "user"
	}
	for range maxUsernameAttempts {
		suffix, err := s.randomSuffix()
		if err != nil {
			return nil, err
		}
		u, err := s.users.Create(ctx, email, base+suffix, hash)
		switch {
		case err == nil:
			s.logger.Infow("identity provisioned", "id", u.ID, "username", u.Username)
			return u, nil
		case errors.Is(err, identityrepo.ErrDuplicateUsername):
			continue
		case errors.Is(err, identityrepo.ErrDuplicate):
			return s.users.GetByEmail(ctx, email)
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("provision %s: no free username after %d attempts", email, maxUsernameAttempts)
}

func (s *Service) randomSuffix() (string, error) {
	var b strings.Builder
	for range usernameSuffixLen {
		n, err := rand.Int(s.rand, big.NewInt(36))
		if err != nil {
			return "", fmt.Errorf("username suffix: %w", err)
		}
		b.WriteString(strconv.FormatInt(n.Int64(), 36))
	}
	return b.String(), nil
}

// passwordRule maps the identity length limits onto caller-facing errors.
func passwordRule(pw string) error {
	switch err := identity.CheckPasswordLength(pw); {
	case errors.Is(err, identity.ErrPasswordTooShort):
		return badRequest("password must be at least 6 characters")
	case errors.Is(err, identity.ErrPasswordTooLong):
		return badRequest("password must be at most 72 bytes")
	}
	return nil
}

// placeholderDigest shrinks provider ids and code seeds of any length to a
// fixed 64-byte hex string that bcrypt accepts.
func placeholderDigest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func exists(_ *entity.Identity, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, identityrepo.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func localPart(email string) string {
	if at := strings.IndexByte(email, '@'); at >= 0 {
		return email[:at]
	}
	return email
}

func compactName(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, name)
}
