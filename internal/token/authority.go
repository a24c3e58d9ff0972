package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidToken is the only error verification ever reports. Expired,
// forged, malformed and wrong-issuer tokens are indistinguishable to callers.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the payload shared by both halves of a pair.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// IdentityID parses the subject back into the numeric identity id.
func (c *Claims) IdentityID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// Pair is an access/refresh token pair. Only the refresh half is persisted.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Authority signs and verifies HS256 tokens.
type Authority struct {
	cfg   Config
	clock clockwork.Clock
	ids   *snowflake.Node
}

func NewAuthority(cfg Config, clock clockwork.Clock, ids *snowflake.Node) (*Authority, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ids == nil {
		node, err := snowflake.NewNode(1)
		if err != nil {
			return nil, err
		}
		ids = node
	}
	return &Authority{cfg: cfg, clock: clock, ids: ids}, nil
}

// IssuePair builds the payload once and signs it for both token classes in
// parallel. The jti keeps two pairs issued within the same second distinct.
func (a *Authority) IssuePair(ctx context.Context, identityID int64, email string) (Pair, error) {
	now := a.clock.Now()
	base := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   a.cfg.Issuer,
			Subject:  strconv.FormatInt(identityID, 10),
			IssuedAt: jwt.NewNumericDate(now),
			ID:       a.ids.Generate().String(),
		},
	}

	var pair Pair
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := sign(base, a.cfg.AccessSecret, now.Add(a.cfg.AccessTTL))
		pair.AccessToken = s
		return err
	})
	g.Go(func() error {
		s, err := sign(base, a.cfg.RefreshSecret, now.Add(a.cfg.RefreshTTL))
		pair.RefreshToken = s
		return err
	})
	if err := g.Wait(); err != nil {
		return Pair{}, fmt.Errorf("sign token pair: %w", err)
	}
	return pair, nil
}

// sign takes claims by value so the two goroutines never share a mutable payload.
func sign(claims Claims, secret string, expiresAt time.Time) (string, error) {
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyRefresh checks signature, method, issuer and expiry of a refresh token.
// It does not check that the token is the identity's active one.
func (a *Authority) VerifyRefresh(token string) (*Claims, error) {
	return a.verify(token, a.cfg.RefreshSecret)
}

// VerifyAccess checks a bearer access token.
func (a *Authority) VerifyAccess(token string) (*Claims, error) {
	return a.verify(token, a.cfg.AccessSecret)
}

func (a *Authority) verify(token, secret string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if _, err := claims.IdentityID(); err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return claims, nil
}

// RefreshTTL is exposed so transports can align cookie lifetimes.
func (a *Authority) RefreshTTL() time.Duration { return a.cfg.RefreshTTL }
