package handler

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kunihei/memocrm-docker/internal/identity/service"
	"github.com/kunihei/memocrm-docker/internal/ratelimit"
	"github.com/kunihei/memocrm-docker/internal/security"
	"github.com/kunihei/memocrm-docker/internal/server/middleware"
	"github.com/kunihei/memocrm-docker/internal/telemetry"
	eventdomain "github.com/kunihei/memocrm-docker/internal/telemetry/domain"
	userdomain "github.com/kunihei/memocrm-docker/internal/user/domain"
)

// Response messages. Credential and token failures share one message each so callers learn nothing
// about which check failed.
const (
	msgInvalidData        = "The given data was invalid."
	msgInvalidCredentials = "The email address or password is incorrect."
	msgSessionExpired     = "Your session has expired. Please log in again."
	msgUnauthenticated    = "Unauthenticated."
	msgTooManyAttempts    = "Too many attempts. Please try again later."
	msgTemporaryError     = "A temporary error occurred. Please try again later."
	msgBodyTooLarge       = "The request body is too large."
)

// maxBodyBytes caps credential request bodies. The largest valid body is well under 1 KiB.
const maxBodyBytes = 8 << 10

// AuthService is the subset of the auth service the HTTP API calls.
type AuthService interface {
	Login(ctx context.Context, email, password, deviceName string, meta service.RequestMeta) (*service.TokenPair, error)
	Refresh(ctx context.Context, refreshToken, deviceName string, meta service.RequestMeta) (*service.TokenPair, error)
	RevokeSession(ctx context.Context, p service.Principal, deviceName string, allDevices bool) (int64, error)
	Me(ctx context.Context, p service.Principal) (*userdomain.User, error)
}

// AuthHandler serves /login, /refresh, /logout and /me.
type AuthHandler struct {
	auth    AuthService
	limiter ratelimit.Limiter
	events  telemetry.EventEmitter
	logger  *zap.Logger
}

// NewAuthHandler returns an AuthHandler. limiter, events and logger may be nil; a nil limiter admits everything.
func NewAuthHandler(auth AuthService, limiter ratelimit.Limiter, events telemetry.EventEmitter, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	registerJSONFieldNames()
	return &AuthHandler{auth: auth, limiter: limiter, events: events, logger: logger}
}

type loginRequest struct {
	Email      string `json:"email" binding:"required,email,max=200"`
	Password   string `json:"password" binding:"required,max=20"`
	DeviceName string `json:"device_name" binding:"omitempty,max=100"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
	DeviceName   string `json:"device_name" binding:"omitempty,max=100"`
}

type logoutRequest struct {
	DeviceName string `json:"device_name" binding:"omitempty,max=100"`
	AllDevices bool   `json:"all_devices"`
}

type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	AccessTokenExpiresAt  string `json:"access_token_expires_at"`
	RefreshToken          string `json:"refresh_token"`
	RefreshTokenExpiresAt string `json:"refresh_token_expires_at"`
	TokenType             string `json:"token_type"`
}

type userResponse struct {
	ID        int64      `json:"user_id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// Login exchanges email and password for a token pair. Throttled per email and client IP.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	limitBody(c)
	bindErr := c.ShouldBindJSON(&req)
	ip := middleware.ClientIP(c)
	if !h.admit(c, ratelimit.LoginKey(req.Email, ip), "login", ip) {
		return
	}
	if bindErr != nil {
		h.respondBindError(c, &req, bindErr)
		return
	}

	pair, err := h.auth.Login(c.Request.Context(), req.Email, req.Password, req.DeviceName, requestMeta(c, ip))
	if err != nil {
		h.logFailure("login failed", err, map[string]any{
			"email":       req.Email,
			"password":    req.Password,
			"device_name": req.DeviceName,
			"ip_address":  ip,
		})
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTokenResponse(pair))
}

// Refresh rotates a refresh token. Throttled per token fingerprint.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	limitBody(c)
	bindErr := c.ShouldBindJSON(&req)
	ip := middleware.ClientIP(c)
	if !h.admit(c, ratelimit.RefreshKey(req.RefreshToken), "refresh", ip) {
		return
	}
	if bindErr != nil {
		h.respondBindError(c, &req, bindErr)
		return
	}

	pair, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken, req.DeviceName, requestMeta(c, ip))
	if err != nil {
		h.logFailure("refresh failed", err, map[string]any{
			"refresh_token": req.RefreshToken,
			"device_name":   req.DeviceName,
			"ip_address":    ip,
		})
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTokenResponse(pair))
}

// Logout revokes the caller's tokens on one device (default: the device of the access token) or all devices.
// The body is optional.
func (h *AuthHandler) Logout(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": msgUnauthenticated})
		return
	}
	var req logoutRequest
	limitBody(c)
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondBindError(c, &req, err)
		return
	}
	if _, err := h.auth.RevokeSession(c.Request.Context(), p, req.DeviceName, req.AllDevices); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Me returns the authenticated user.
func (h *AuthHandler) Me(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": msgUnauthenticated})
		return
	}
	u, err := h.auth.Me(c.Request.Context(), p)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": userResponse{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}})
}

// admit checks the limiter and writes 429 when key is over budget. Limiter outages admit the request.
func (h *AuthHandler) admit(c *gin.Context, key, route, ip string) bool {
	if h.limiter == nil {
		return true
	}
	res, err := h.limiter.Allow(c.Request.Context(), key)
	if err != nil {
		h.logger.Warn("rate limiter unavailable, admitting request", zap.String("route", route), zap.Error(err))
		return true
	}
	if res.Allowed {
		return true
	}
	retry := int(math.Ceil(res.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	c.Header("Retry-After", strconv.Itoa(retry))
	c.JSON(http.StatusTooManyRequests, gin.H{"message": msgTooManyAttempts})

	ev := eventdomain.NewAuthEvent(eventdomain.EventRateLimited)
	ev.IPAddress = ip
	ev.Reason = route
	telemetry.EmitAsync(h.events, ev, h.logger)
	return false
}

func limitBody(c *gin.Context) {
	if c.Request.Body != nil {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	}
}

func (h *AuthHandler) respondBindError(c *gin.Context, req any, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": msgBodyTooLarge})
		return
	}
	fields := validationFields(req, err)
	if len(fields) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": msgInvalidData})
		return
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{"message": msgInvalidData, "errors": fields})
}

// respondError maps service errors to status codes and messages.
func (h *AuthHandler) respondError(c *gin.Context, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": msgInvalidData, "errors": verr.Fields})
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": msgInvalidCredentials})
	case errors.Is(err, service.ErrInvalidRefreshToken):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": msgSessionExpired})
	case errors.Is(err, service.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"message": msgUnauthenticated})
	case errors.Is(err, ratelimit.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"message": msgTooManyAttempts})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"message": msgTemporaryError})
	}
}

// logFailure logs a failed credential request with secrets masked.
func (h *AuthHandler) logFailure(msg string, err error, request map[string]any) {
	fields := []zap.Field{zap.Any("request", security.MaskSensitive(request)), zap.Error(err)}
	switch {
	case errors.Is(err, service.ErrIssuance), errors.Is(err, service.ErrRetriable):
		h.logger.Error(msg, fields...)
	default:
		h.logger.Warn(msg, fields...)
	}
}

func requestMeta(c *gin.Context, ip string) service.RequestMeta {
	return service.RequestMeta{IPAddress: ip, UserAgent: c.Request.UserAgent()}
}

func newTokenResponse(p *service.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:           p.AccessToken,
		AccessTokenExpiresAt:  p.AccessTokenExpiresAt.UTC().Format(time.RFC3339),
		RefreshToken:          p.RefreshToken,
		RefreshTokenExpiresAt: p.RefreshTokenExpiresAt.UTC().Format(time.RFC3339),
		TokenType:             "Bearer",
	}
}
