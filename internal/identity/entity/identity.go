package entity

import "time"

// Role is the closed set of account roles.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Identity represents an account row in the `users` table.
// A nil PasswordHash means the account was provisioned without an interactive
// password; a nil RefreshToken means no session is active.
type Identity struct {
	ID            int64   `db:"id"`
	Email         string  `db:"email"`
	Username      string  `db:"username"`
	PasswordHash  *string `db:"password_hash"`
	Role          Role    `db:"role"`
	RefreshToken  *string `db:"refresh_token"`
	EmailVerified bool    `db:"email_verified"`
	FirstName     *string `db:"first_name"`
	LastName      *string `db:"last_name"`
	CreatedAtMs   int64   `db:"created_at"`
	UpdatedAtMs   int64   `db:"updated_at"`
}

func (i *Identity) CreatedAt() time.Time { return time.UnixMilli(i.CreatedAtMs).UTC() }
func (i *Identity) UpdatedAt() time.Time { return time.UnixMilli(i.UpdatedAtMs).UTC() }

// HasPassword reports whether password login is possible for this identity.
func (i *Identity) HasPassword() bool {
	return i.PasswordHash != nil && *i.PasswordHash != ""
}

// Summary is the caller-facing projection returned alongside tokens.
type Summary struct {
	ID            int64     `json:"id"`
	Email         string    `json:"email"`
	Username      string    `json:"username"`
	FirstName     *string   `json:"firstName"`
	LastName      *string   `json:"lastName"`
	Role          Role      `json:"role"`
	EmailVerified bool      `json:"isEmailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Summarize strips credential state from an identity.
func (i *Identity) Summarize() Summary {
	return Summary{
		ID:            i.ID,
		Email:         i.Email,
		Username:      i.Username,
		FirstName:     i.FirstName,
		LastName:      i.LastName,
		Role:          i.Role,
		EmailVerified: i.EmailVerified,
		CreatedAt:     i.CreatedAt(),
		UpdatedAt:     i.UpdatedAt(),
	}
}

// Patch carries optional profile changes. Nil fields are left untouched.
type Patch struct {
	Email     *string `json:"email,omitempty"`
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Email == nil && p.FirstName == nil && p.LastName == nil
}
