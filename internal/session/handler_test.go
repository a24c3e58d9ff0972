package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ovaphlow/pitchfork/service-identity/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-identity/internal/otp"
	"github.com/ovaphlow/pitchfork/service-identity/internal/token"
)

func newTestHandler(t *testing.T) (*Handler, fixture) {
	t.Helper()
	f := newFixture(t, otp.Config{})
	return NewHandler(f.svc, CookieConfig{MaxAge: 7 * 24 * time.Hour}, nil), f
}

func call(h http.HandlerFunc, body string, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == RefreshCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", RefreshCookie)
	return nil
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandlerRegisterSetsCookieAndHidesRefreshToken(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := call(h.Register, `{"email":"  Alice@Example.COM ","username":"alice","password":"secret123"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.NotContains(t, body, "refreshToken")
	assert.NotEmpty(t, body["accessToken"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "alice@example.com", user["email"])
	assert.Equal(t, "USER", user["role"])

	c := refreshCookie(t, rec)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	assert.Equal(t, 7*24*3600, c.MaxAge)
	assert.NotEmpty(t, c.Value)
}

func TestHandlerStatusMapping(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusCreated, call(h.Register, `{"email":"alice@example.com","username":"alice","password":"secret123"}`).Code)

	cases := []struct {
		name    string
		handler http.HandlerFunc
		body    string
		status  int
		message string
	}{
		{"duplicate", h.Register, `{"email":"ALICE@example.com","username":"alice2","password":"secret123"}`, http.StatusConflict, "User with this email already exists"},
		{"bad json", h.Register, `{"email":`, http.StatusBadRequest, "invalid request body"},
		{"wrong password", h.Login, `{"email":"alice@example.com","password":"wrong123","loginMethod":"password"}`, http.StatusUnauthorized, "Invalid credentials"},
		{"unknown method", h.Login, `{"email":"alice@example.com","password":"secret123","loginMethod":"magic"}`, http.StatusUnauthorized, "Invalid login method"},
		{"missing otp", h.Login, `{"email":"alice@example.com","loginMethod":"otp"}`, http.StatusUnauthorized, "OTP is required for OTP login"},
		{"unknown otp user", h.SendOTP, `{"email":"ghost@example.com"}`, http.StatusBadRequest, "User not found"},
		{"bad otp", h.VerifyOTP, `{"email":"alice@example.com","code":"000000"}`, http.StatusBadRequest, "Invalid or expired OTP"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := call(tc.handler, tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.message, decodeBody(t, rec)["error"])
		})
	}
}

func TestHandlerLoginThenRefreshViaCookie(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusCreated, call(h.Register, `{"email":"alice@example.com","username":"alice","password":"secret123"}`).Code)

	login := call(h.Login, `{"email":"alice@example.com","password":"secret123","loginMethod":"password"}`)
	require.Equal(t, http.StatusOK, login.Code)
	first := refreshCookie(t, login)

	withCookie := func(c *http.Cookie) func(*http.Request) {
		return func(r *http.Request) { r.AddCookie(c) }
	}
	rotated := call(h.Refresh, "", withCookie(first))
	require.Equal(t, http.StatusOK, rotated.Code)
	assert.NotEqual(t, first.Value, refreshCookie(t, rotated).Value)

	stale := call(h.Refresh, "", withCookie(first))
	assert.Equal(t, http.StatusUnauthorized, stale.Code)
	assert.Equal(t, "Invalid refresh token", decodeBody(t, stale)["error"])

	missing := call(h.Refresh, "")
	assert.Equal(t, http.StatusUnauthorized, missing.Code)
	assert.Equal(t, "Refresh token not found", decodeBody(t, missing)["error"])
}

func TestHandlerOTPFlow(t *testing.T) {
	h, f := newTestHandler(t)
	require.Equal(t, http.StatusCreated, call(h.Register, `{"email":"bob@example.com","username":"bob","password":"secret123"}`).Code)

	sent := call(h.SendOTP, `{"email":"Bob@Example.com"}`)
	require.Equal(t, http.StatusOK, sent.Code)
	body := decodeBody(t, sent)
	assert.Equal(t, "OTP sent to your email", body["message"])
	assert.Equal(t, float64(300), body["expiresIn"])

	code := f.mail.last(t).Code
	rec := call(h.LoginOTP, `{"email":"bob@example.com","code":"`+code+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	refreshCookie(t, rec)
}

func TestHandlerGoogleThenSetPassword(t *testing.T) {
	h, f := newTestHandler(t)
	rec := call(h.Google, `{"email":"jane@example.com","name":"Jane Doe","googleId":"g-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	access := decodeBody(t, rec)["accessToken"].(string)

	bearer := token.RequireBearer(f.tokens)
	setPassword := bearer(http.HandlerFunc(h.SetPassword)).ServeHTTP
	me := bearer(http.HandlerFunc(h.Me)).ServeHTTP
	auth := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+access) }

	assert.Equal(t, http.StatusUnauthorized, call(setPassword, `{"password":"newsecret"}`).Code)

	ok := call(setPassword, `{"password":"newsecret"}`, auth)
	require.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, "Password set successfully", decodeBody(t, ok)["message"])

	login := call(h.Login, `{"email":"jane@example.com","password":"newsecret","loginMethod":"password"}`)
	assert.Equal(t, http.StatusOK, login.Code)

	profile := call(me, "", auth)
	require.Equal(t, http.StatusOK, profile.Code)
	user := decodeBody(t, profile)["user"].(map[string]any)
	assert.Equal(t, "jane@example.com", user["email"])
}

func TestHandlerSetPasswordFollowsSubjectAfterEmailChange(t *testing.T) {
	h, f := newTestHandler(t)
	ctx := context.Background()
	rec := call(h.Register, `{"email":"alice@x.example.com","username":"alice","password":"secret123"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	access := decodeBody(t, rec)["accessToken"].(string)
	aliceID := subject(t, f.tokens, access)

	moved := "alice@y.example.com"
	_, err := f.users.Update(ctx, aliceID, entity.Patch{Email: &moved})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, call(h.Register, `{"email":"alice@x.example.com","username":"bob","password":"bobsecret"}`).Code)

	setPassword := token.RequireBearer(f.tokens)(http.HandlerFunc(h.SetPassword)).ServeHTTP
	ok := call(setPassword, `{"password":"stolen99"}`, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+access)
	})
	require.Equal(t, http.StatusOK, ok.Code)

	_, err = f.svc.Login(ctx, "alice@x.example.com", PasswordCredential{Secret: "stolen99"})
	assert.Same(t, ErrInvalidCredentials, err)
	_, err = f.svc.Login(ctx, "alice@x.example.com", PasswordCredential{Secret: "bobsecret"})
	require.NoError(t, err)
	_, err = f.svc.Login(ctx, moved, PasswordCredential{Secret: "stolen99"})
	require.NoError(t, err)
}

func TestHandlerRejectsOverlongPassword(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"email":"alice@example.com","username":"alice","password":"` + strings.Repeat("p", 80) + `"}`
	rec := call(h.Register, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "password must be at most 72 bytes", decodeBody(t, rec)["error"])
}

func TestLoadCookieConfigFromEnv(t *testing.T) {
	t.Setenv("COOKIE_SECURE", "true")
	t.Setenv("COOKIE_PATH", "/auth")
	cfg, err := LoadCookieConfigFromEnv(time.Hour)
	require.NoError(t, err)
	assert.True(t, cfg.Secure)
	assert.Equal(t, "/auth", cfg.Path)
	assert.Equal(t, time.Hour, cfg.MaxAge)

	t.Setenv("COOKIE_SECURE", "maybe")
	_, err = LoadCookieConfigFromEnv(time.Hour)
	assert.ErrorContains(t, err, "cookie config")
}

func TestHandlerLogsUnclassifiedErrors(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	f := newFixture(t, otp.Config{})
	h := NewHandler(f.svc, CookieConfig{}, zap.New(core).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := call(h.Login, `{"email":"alice@example.com","password":"secret123","loginMethod":"password"}`, func(r *http.Request) {
		*r = *r.WithContext(ctx)
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decodeBody(t, rec)["error"])
	assert.Equal(t, 1, logs.FilterMessage("auth request failed").Len())
}
