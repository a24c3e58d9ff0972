package identity

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-identity/internal/token"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

// Handler serves the profile endpoints. Every route expects token.RequireBearer
// in front of it.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, logger: logger}
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.subject(w, r)
	if !ok {
		return
	}
	u, err := h.svc.Profile(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, u)
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.subject(w, r)
	if !ok {
		return
	}
	var patch entity.Patch
	if err := utilities.DecodeJSON(r, &patch); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := h.svc.UpdateProfile(r.Context(), id, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, u)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := h.subject(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := utilities.DecodeJSON(r, &req); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.ChangePassword(r.Context(), id, req.CurrentPassword, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, map[string]string{"message": "Password changed successfully"})
}

func (h *Handler) subject(w http.ResponseWriter, r *http.Request) (int64, bool) {
	claims, ok := token.ClaimsFromContext(r.Context())
	if !ok {
		utilities.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return 0, false
	}
	id, err := claims.IdentityID()
	if err != nil {
		utilities.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		utilities.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEmailExists):
		utilities.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrCurrentPassword):
		utilities.WriteError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrPasswordTooShort), errors.Is(err, ErrPasswordTooLong), errors.Is(err, ErrInvalidProfileName), errors.Is(err, ErrInvalidEmail):
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Errorw("profile request failed", "path", r.URL.Path, "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
