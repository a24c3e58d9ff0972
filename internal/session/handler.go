package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/identity"
	"github.com/ovaphlow/pitchfork/service-identity/internal/token"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

const RefreshCookie = "refreshToken"

// CookieConfig shapes the refresh token cookie.
type CookieConfig struct {
	Secure bool   `env:"COOKIE_SECURE" envDefault:"false"`
	Path   string `env:"COOKIE_PATH"   envDefault:"/"`
	// MaxAge follows the refresh token lifetime.
	MaxAge time.Duration
}

func LoadCookieConfigFromEnv(maxAge time.Duration) (CookieConfig, error) {
	var cfg CookieConfig
	if err := env.Parse(&cfg); err != nil {
		return CookieConfig{}, fmt.Errorf("cookie config: %w", err)
	}
	cfg.MaxAge = maxAge
	return cfg, nil
}

// Handler exposes the session flows under /auth.
type Handler struct {
	svc    *Service
	cookie CookieConfig
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, cookie CookieConfig, logger *zap.SugaredLogger) *Handler {
	if cookie.Path == "" {
		cookie.Path = "/"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, cookie: cookie, logger: logger}
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	OTP         string `json:"otp"`
	LoginMethod string `json:"loginMethod"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type codeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type oauthRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	GoogleID string `json:"googleId"`
	Image    string `json:"image,omitempty"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Register(r.Context(), identity.NormalizeEmail(req.Email), req.Username, req.Password)
	h.session(w, r, http.StatusCreated, res, err)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	cred, err := ParseCredential(req.LoginMethod, req.Password, req.OTP)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.Login(r.Context(), identity.NormalizeEmail(req.Email), cred)
	h.session(w, r, http.StatusOK, res, err)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(RefreshCookie)
	if err != nil || c.Value == "" {
		utilities.WriteError(w, http.StatusUnauthorized, "Refresh token not found")
		return
	}
	res, err := h.svc.Refresh(r.Context(), c.Value)
	h.session(w, r, http.StatusOK, res, err)
}

func (h *Handler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decode(w, r, &req) {
		return
	}
	sent, err := h.svc.RequestOtp(r.Context(), identity.NormalizeEmail(req.Email))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, sent)
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.VerifyOtp(r.Context(), identity.NormalizeEmail(req.Email), req.Code)
	h.session(w, r, http.StatusOK, res, err)
}

func (h *Handler) LoginOTP(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.LoginWithOtp(r.Context(), identity.NormalizeEmail(req.Email), req.Code)
	h.session(w, r, http.StatusOK, res, err)
}

func (h *Handler) Google(w http.ResponseWriter, r *http.Request) {
	var req oauthRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.OAuthLink(r.Context(), identity.NormalizeEmail(req.Email), req.Name, req.GoogleID)
	h.session(w, r, http.StatusOK, res, err)
}

// SetPassword must be mounted behind token.RequireBearer; the account is the
// token's subject, never its email claim, which goes stale on an email change.
func (h *Handler) SetPassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := token.ClaimsFromContext(r.Context())
	if !ok {
		utilities.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := claims.IdentityID()
	if err != nil {
		utilities.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req passwordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.SetPasswordForIdentity(r.Context(), id, req.Password); err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, map[string]string{"message": "Password set successfully"})
}

// Me must be mounted behind token.RequireBearer.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := token.ClaimsFromContext(r.Context())
	if !ok {
		utilities.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := claims.IdentityID()
	if err != nil {
		utilities.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	u, err := h.svc.Me(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := utilities.DecodeJSON(r, v); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// session writes a Result, moving the refresh token into an HttpOnly cookie.
func (h *Handler) session(w http.ResponseWriter, r *http.Request, status int, res Result, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    res.RefreshToken,
		Path:     h.cookie.Path,
		MaxAge:   int(h.cookie.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	utilities.WriteJSON(w, status, res)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind, ok := KindOf(err)
	if !ok {
		h.logger.Errorw("auth request failed", "path", r.URL.Path, "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	var e *Error
	errors.As(err, &e)
	switch kind {
	case KindBadRequest:
		utilities.WriteError(w, http.StatusBadRequest, e.Message)
	case KindUnauthorized:
		utilities.WriteError(w, http.StatusUnauthorized, e.Message)
	case KindConflict:
		utilities.WriteError(w, http.StatusConflict, e.Message)
	default:
		utilities.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
