package identity

import (
	"crypto/subtle"
	"os"
	"strconv"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher defines minimal hashing interface (abstract so we can swap to argon2 later).
type PasswordHasher interface {
	Hash(pw string) (string, error)
	// Verify compares in constant time; it never reports which part mismatched.
	Verify(hash, pw string) bool
}

// BcryptHasher implementation. Each Hash call draws a fresh random salt.
type BcryptHasher struct{ Cost int }

// BcryptCostFromEnv reads PASSWORD_BCRYPT_COST, defaulting to 12.
func BcryptCostFromEnv() int {
	if c, err := strconv.Atoi(os.Getenv("PASSWORD_BCRYPT_COST")); err == nil && c >= bcrypt.MinCost && c <= bcrypt.MaxCost {
		return c
	}
	return 12
}

func (b BcryptHasher) Hash(pw string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// ConstantTimeCompare helper for opaque secrets stored verbatim (refresh tokens).
func ConstantTimeCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
