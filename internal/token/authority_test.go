package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func testConfig() Config {
	return Config{
		AccessSecret:  "access-secret",
		AccessTTL:     15 * time.Minute,
		RefreshSecret: "refresh-secret",
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "test-issuer",
	}
}

func newTestAuthority(t *testing.T) (*Authority, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(testStart)
	a, err := NewAuthority(testConfig(), clk, nil)
	require.NoError(t, err)
	return a, clk
}

func TestIssuePairCarriesSubjectAndEmail(t *testing.T) {
	a, _ := newTestAuthority(t)
	pair, err := a.IssuePair(context.Background(), 42, "alice@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	access, err := a.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	id, err := access.IdentityID()
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "alice@example.com", access.Email)
	assert.Equal(t, testStart.Add(15*time.Minute).Unix(), access.ExpiresAt.Unix())

	refresh, err := a.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "42", refresh.Subject)
	assert.Equal(t, testStart.Add(7*24*time.Hour).Unix(), refresh.ExpiresAt.Unix())
}

func TestTokenClassesUseIndependentSecrets(t *testing.T) {
	a, _ := newTestAuthority(t)
	pair, err := a.IssuePair(context.Background(), 1, "a@example.com")
	require.NoError(t, err)

	_, err = a.VerifyRefresh(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = a.VerifyAccess(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPairsIssuedInSameInstantDiffer(t *testing.T) {
	a, _ := newTestAuthority(t)
	p1, err := a.IssuePair(context.Background(), 1, "a@example.com")
	require.NoError(t, err)
	p2, err := a.IssuePair(context.Background(), 1, "a@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, p1.RefreshToken, p2.RefreshToken)
}

func TestVerifyRefreshFailuresCollapse(t *testing.T) {
	a, clk := newTestAuthority(t)
	pair, err := a.IssuePair(context.Background(), 7, "a@example.com")
	require.NoError(t, err)

	forged, err := sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "7", Issuer: "test-issuer"}}, "other-secret", testStart.Add(time.Hour))
	require.NoError(t, err)
	wrongIssuer, err := sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "7", Issuer: "someone-else"}}, "refresh-secret", testStart.Add(time.Hour))
	require.NoError(t, err)
	badSubject, err := sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "seven", Issuer: "test-issuer"}}, "refresh-secret", testStart.Add(time.Hour))
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "7"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"malformed":    "not.a.jwt",
		"empty":        "",
		"forged":       forged,
		"wrong issuer": wrongIssuer,
		"bad subject":  badSubject,
		"alg none":     noneAlg,
	} {
		_, err := a.VerifyRefresh(tok)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}

	clk.Advance(7*24*time.Hour + time.Second)
	_, err = a.VerifyRefresh(pair.RefreshToken)
	assert.True(t, errors.Is(err, ErrInvalidToken), "expired token must collapse to ErrInvalidToken")
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	same := cfg
	same.RefreshSecret = same.AccessSecret
	assert.Error(t, same.Validate())

	missing := cfg
	missing.AccessSecret = ""
	assert.Error(t, missing.Validate())

	zero := cfg
	zero.AccessTTL = 0
	assert.Error(t, zero.Validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "a")
	t.Setenv("JWT_REFRESH_SECRET", "b")
	t.Setenv("JWT_EXPIRES_IN", "5m")
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 168*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, "pitchfork-identity", cfg.Issuer)
}

func TestRequireBearer(t *testing.T) {
	a, _ := newTestAuthority(t)
	pair, err := a.IssuePair(context.Background(), 9, "me@example.com")
	require.NoError(t, err)

	var seen *Claims
	h := RequireBearer(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "me@example.com", seen.Email)
}
