package hrest

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/internal/usecase"
	"github.com/avu-1/CREDORA/pkg/auth/middleware"
	"github.com/avu-1/CREDORA/pkg/response"
	xerrors "github.com/avu-1/CREDORA/pkg/utils/errors"

	"go.uber.org/zap"
)

type AuthHandler struct {
	auth     *usecase.AuthUsecase
	sessions *usecase.SessionUsecase
	logger   *zap.Logger
}

func NewAuthHandler(auth *usecase.AuthUsecase, sessions *usecase.SessionUsecase, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, sessions: sessions, logger: logger}
}

type LoginJSON struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type VerifyOTPJSON struct {
	UserID string `json:"userId"`
	OTP    string `json:"otp"`
}

type ResendOTPJSON struct {
	UserID string `json:"userId"`
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var in usecase.SignupRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.auth.Signup(r.Context(), in, requestMeta(r))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, res)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var in LoginJSON
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.auth.Login(r.Context(), in.Email, in.Password, requestMeta(r))
	if err != nil {
		// wrong credentials are 401 here, not the generic 403
		if xerrors.KindOf(err) == xerrors.KindAuthorization {
			response.ErrorWithReason(w, http.StatusUnauthorized, xerrors.Reason(err), err.Error())
			return
		}
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

// VerifyOTP answers 200 with a session, 401 with {valid:false, reason} for a
// wrong or expired code, and 429 with Retry-After while locked out.
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var in VerifyOTPJSON
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.UserID = strings.TrimSpace(in.UserID)
	in.OTP = strings.TrimSpace(in.OTP)
	if in.UserID == "" || in.OTP == "" {
		writeError(w, xerrors.ErrInvalidRequest)
		return
	}

	res, session, err := h.auth.VerifyLogin(r.Context(), in.UserID, in.OTP)
	if err != nil {
		writeError(w, err)
		return
	}
	switch {
	case res.Valid:
		response.JSON(w, http.StatusOK, session)
	case res.Reason == domain.VerifyLocked:
		if res.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
		}
		response.ErrorWithData(w, http.StatusTooManyRequests, "otp_locked", xerrors.ErrOTPBlocked.Error(), res)
	default:
		response.ErrorWithData(w, http.StatusUnauthorized, "otp_"+string(res.Reason), "verification failed", res)
	}
}

func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var in ResendOTPJSON
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := h.auth.ResendLoginOTP(r.Context(), strings.TrimSpace(in.UserID)); err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]bool{"otpSent": true})
}

// Logout ends the session carried by the request. Runs behind the auth guard.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	token, _ := middleware.GetToken(r.Context())
	if !ok || token == "" {
		writeError(w, xerrors.ErrUnauthorized)
		return
	}
	if err := h.sessions.Logout(r.Context(), userID, token, requestMeta(r)); err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

// RefreshToken swaps the presented token for a new one; the old token stops
// working immediately.
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	token, _ := middleware.GetToken(r.Context())
	if !ok || token == "" {
		writeError(w, xerrors.ErrUnauthorized)
		return
	}
	session, err := h.sessions.Refresh(r.Context(), userID, token, requestMeta(r))
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindAuthorization {
			response.ErrorWithReason(w, http.StatusUnauthorized, xerrors.Reason(err), err.Error())
			return
		}
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, session)
}
