package entity

import "time"

// Code is a persisted one-time code. IdentityID is nil only for codes issued
// to an address that has no account yet (signup by code).
type Code struct {
	ID          int64  `db:"id"`
	IdentityID  *int64 `db:"identity_id"`
	Email       string `db:"email"`
	Code        string `db:"code"`
	ExpiresAtMs int64  `db:"expires_at"`
	Used        bool   `db:"used"`
	CreatedAtMs int64  `db:"created_at"`
}

func (c *Code) ExpiresAt() time.Time { return time.UnixMilli(c.ExpiresAtMs).UTC() }

// Expired reports whether now is strictly past the expiry instant.
func (c *Code) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt())
}
