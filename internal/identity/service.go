package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/ovaphlow/pitchfork/service-identity/internal/identity/entity"
	identityrepo "github.com/ovaphlow/pitchfork/service-identity/internal/identity/repo"
)

const (
	MinPasswordLength = 6
	// MaxPasswordLength is bcrypt's input limit in bytes.
	MaxPasswordLength = 72
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailExists        = errors.New("email already exists")
	ErrCurrentPassword    = errors.New("current password is incorrect")
	ErrPasswordTooShort   = errors.New("password must be at least 6 characters")
	ErrPasswordTooLong    = errors.New("password must be at most 72 bytes")
	ErrInvalidProfileName = errors.New("names must be at least 2 characters")
	ErrInvalidEmail       = errors.New("invalid email")
)

// Service handles profile reads and edits for an already authenticated identity.
type Service struct {
	repo   *identityrepo.IdentityRepo
	hasher PasswordHasher
}

func NewService(r *identityrepo.IdentityRepo, hasher PasswordHasher) *Service {
	if hasher == nil {
		hasher = BcryptHasher{Cost: 12}
	}
	return &Service{repo: r, hasher: hasher}
}

// Profile returns the summary of identity id.
func (s *Service) Profile(ctx context.Context, id int64) (entity.Summary, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, identityrepo.ErrNotFound) {
			return entity.Summary{}, ErrUserNotFound
		}
		return entity.Summary{}, err
	}
	return u.Summarize(), nil
}

// UpdateProfile applies patch after re-checking email uniqueness. The storage
// constraint still backs the check when two edits race.
func (s *Service) UpdateProfile(ctx context.Context, id int64, patch entity.Patch) (entity.Summary, error) {
	if patch.Email != nil {
		e := NormalizeEmail(*patch.Email)
		if !ValidEmail(e) {
			return entity.Summary{}, ErrInvalidEmail
		}
		patch.Email = &e
	}
	for _, name := range []*string{patch.FirstName, patch.LastName} {
		if name != nil && len(strings.TrimSpace(*name)) < 2 {
			return entity.Summary{}, ErrInvalidProfileName
		}
	}
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, identityrepo.ErrNotFound) {
			return entity.Summary{}, ErrUserNotFound
		}
		return entity.Summary{}, err
	}
	if patch.Email != nil && *patch.Email != current.Email {
		if _, err := s.repo.GetByEmail(ctx, *patch.Email); err == nil {
			return entity.Summary{}, ErrEmailExists
		} else if !errors.Is(err, identityrepo.ErrNotFound) {
			return entity.Summary{}, err
		}
	}
	if patch.Empty() {
		return current.Summarize(), nil
	}
	u, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		if errors.Is(err, identityrepo.ErrDuplicate) {
			return entity.Summary{}, ErrEmailExists
		}
		if errors.Is(err, identityrepo.ErrNotFound) {
			return entity.Summary{}, ErrUserNotFound
		}
		return entity.Summary{}, err
	}
	return u.Summarize(), nil
}

// ChangePassword verifies the current password before storing the new one.
func (s *Service) ChangePassword(ctx context.Context, id int64, currentPassword, newPassword string) error {
	if err := CheckPasswordLength(newPassword); err != nil {
		return err
	}
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, identityrepo.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	if !u.HasPassword() || !s.hasher.Verify(*u.PasswordHash, currentPassword) {
		return ErrCurrentPassword
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	return s.repo.UpdatePassword(ctx, id, hash)
}

// CheckPasswordLength enforces the accepted byte length of a user-chosen password.
func CheckPasswordLength(pw string) error {
	switch {
	case len(pw) < MinPasswordLength:
		return ErrPasswordTooShort
	case len(pw) > MaxPasswordLength:
		return ErrPasswordTooLong
	}
	return nil
}

// NormalizeEmail trims and lower-cases an address before it reaches storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail is a shape check only: one '@' with non-empty local and domain parts.
func ValidEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at == strings.LastIndexByte(email, '@') && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
