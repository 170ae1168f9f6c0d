// Package http is the REST surface of the service. Handlers translate
// requests into session.Service calls and map the service sentinels onto
// status codes; no lifecycle rules live here.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"classhive/auth-sessions/internal/model"
	"classhive/auth-sessions/internal/session"
	"classhive/auth-sessions/internal/token"
)

var (
	loginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_login_attempts_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})
	otpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_otp_requests_total",
		Help: "OTP issue requests by purpose.",
	}, []string{"purpose"})
	tokenRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_rotations_total",
		Help: "Successful refresh-token rotations.",
	})
)

type Server struct {
	sessions *session.Service
	tokens   *token.Codec
	log      *logrus.Logger
	validate *validator.Validate
}

func NewServer(sessions *session.Service, tokens *token.Codec, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{
		sessions: sessions,
		tokens:   tokens,
		log:      log,
		validate: validator.New(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/register", s.handleRegister)
	r.Post("/resend-otp", s.handleResendOTP)
	r.Post("/verify-otp/registration", s.handleVerifyRegistrationOTP)
	r.Post("/verify-otp/password-reset", s.handleVerifyResetOTP)
	r.Post("/login", s.handleLogin)
	r.Post("/refresh-token", s.handleRefresh)
	r.Post("/forgot-password", s.handleForgotPassword)
	r.Post("/reset-password", s.handleResetPassword)

	r.With(s.authMiddleware).Post("/logout", s.handleLogout)
	r.With(s.authMiddleware).Get("/me", s.handleGetMe)

	return r
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=30"`
	Phone    string `json:"phone" validate:"required,numeric,min=10,max=15"`
	Password string `json:"password" validate:"required,min=6"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	tc, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}

	if err := s.sessions.Register(r.Context(), req.Username, req.Phone, req.Password, tc); err != nil {
		s.writeServiceError(w, err)
		return
	}

	otpRequests.WithLabelValues(model.PurposeRegistration).Inc()
	writeJSON(w, http.StatusCreated, map[string]string{"status": "otp_sent"})
}

type verifyOTPRequest struct {
	Username string `json:"username" validate:"required"`
	OTP      string `json:"otp" validate:"required"`
}

func (s *Server) handleVerifyRegistrationOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	tc, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}

	if err := s.sessions.VerifyRegistrationOTP(r.Context(), req.Username, req.OTP, tc); err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

type resendOTPRequest struct {
	Username string `json:"username" validate:"required"`
	Purpose  string `json:"purpose" validate:"required,oneof=registration password_reset"`
}

func (s *Server) handleResendOTP(w http.ResponseWriter, r *http.Request) {
	var req resendOTPRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	tc, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}

	if err := s.sessions.ResendOTP(r.Context(), req.Username, req.Purpose, tc); err != nil {
		s.writeServiceError(w, err)
		return
	}

	otpRequests.WithLabelValues(req.Purpose).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "otp_sent"})
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	tc, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}

	result, err := s.sessions.Login(r.Context(), req.Username, req.Password, tc, session.ClientInfo{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		loginAttempts.WithLabelValues("denied").Inc()
		s.writeServiceError(w, err)
		return
	}

	loginAttempts.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	tc, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}

	result, err := s.sessions.Refresh(r.Context(), req.RefreshToken, tc)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	tokenRotations.Inc()
	writeJSON(w, http.StatusOK, result)
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Logout always reports success to an authenticated caller. Whether the
// refresh token existed is not revealed.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeJSON(r, &req); err == nil && req.RefreshToken != "" {
		s.sessions.Logout(r.Context(), req.RefreshToken)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

type forgotPasswordRequest struct {
	Username string `json:"username" validate:"required"`
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	tc, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}

	masked, err := s.sessions.ForgotPassword(r.Context(), req.Username, tc)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	otpRequests.WithLabelValues(model.PurposePasswordReset).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "otp_sent", "phone": masked})
}

func (s *Server) handleVerifyResetOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	tc, ok := s.tenantFromRequest(w, r)
	if !ok {
		return
	}

	resetToken, err := s.sessions.VerifyResetOTP(r.Context(), req.Username, req.OTP, tc)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"resetToken": resetToken})
}

type resetPasswordRequest struct {
	ResetToken  string `json:"resetToken" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=6"`
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	if err := s.sessions.ResetPassword(r.Context(), req.ResetToken, req.NewPassword); err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "password_reset"})
}

type meResponse struct {
	ID              string   `json:"id"`
	Username        string   `json:"username"`
	Phone           string   `json:"phone"`
	Email           *string  `json:"email,omitempty"`
	SchoolID        *string  `json:"schoolId,omitempty"`
	RoleID          string   `json:"roleId"`
	RoleName        string   `json:"roleName"`
	Permissions     []string `json:"permissions"`
	IsActive        bool     `json:"isActive"`
	IsPhoneVerified bool     `json:"isPhoneVerified"`
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}

	user, role, err := s.sessions.CurrentUser(r.Context(), claims.UserID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		ID:              user.ID,
		Username:        user.Username,
		Phone:           user.Phone,
		Email:           user.Email,
		SchoolID:        user.SchoolID,
		RoleID:          role.ID,
		RoleName:        role.Name,
		Permissions:     role.Permissions,
		IsActive:        user.IsActive,
		IsPhoneVerified: user.IsPhoneVerified,
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := bearerToken(r.Header.Get("Authorization"))
		if bearer == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		claims, err := s.tokens.ParseAccessToken(bearer)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *token.SessionClaims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*token.SessionClaims)
	return claims
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   recorder.status,
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// tenantFromRequest reads the scope the gateway resolved into the x-context
// and x-school-id headers. A missing x-context defaults to platform.
func (s *Server) tenantFromRequest(w http.ResponseWriter, r *http.Request) (model.TenantContext, bool) {
	scope := strings.ToLower(strings.TrimSpace(r.Header.Get("x-context")))
	switch scope {
	case "", model.ContextPlatform:
		return model.TenantContext{Context: model.ContextPlatform}, true
	case model.ContextSchool:
		schoolID := strings.TrimSpace(r.Header.Get("x-school-id"))
		if schoolID == "" {
			writeError(w, http.StatusBadRequest, "x-school-id header required in school context")
			return model.TenantContext{}, false
		}
		return model.TenantContext{Context: model.ContextSchool, SchoolID: schoolID}, true
	default:
		writeError(w, http.StatusBadRequest, "invalid x-context header")
		return model.TenantContext{}, false
	}
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := decodeJSON(r, out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return false
	}
	return true
}

// writeServiceError maps the session sentinels onto status codes. Unknown
// errors are logged and collapsed to a generic 500.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidContext),
		errors.Is(err, session.ErrInvalidPurpose),
		errors.Is(err, session.ErrMissingPhone),
		errors.Is(err, session.ErrInvalidOTP):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidCredentials),
		errors.Is(err, session.ErrInvalidRefreshToken),
		errors.Is(err, session.ErrRefreshTokenExpired),
		errors.Is(err, session.ErrInvalidResetToken):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrAccountInactive),
		errors.Is(err, session.ErrPhoneNotVerified),
		errors.Is(err, session.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUsernameTaken),
		errors.Is(err, session.ErrAlreadyVerified):
		return http.StatusConflict
	case errors.Is(err, session.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type apiError struct {
	Message string `json:"message"`
}

type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *apiError   `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:   false,
		Error:     &apiError{Message: message},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return ""
}
