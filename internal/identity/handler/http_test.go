package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kunihei/memocrm-docker/internal/identity/service"
	"github.com/kunihei/memocrm-docker/internal/ratelimit"
	"github.com/kunihei/memocrm-docker/internal/security"
	"github.com/kunihei/memocrm-docker/internal/server/middleware"
	userdomain "github.com/kunihei/memocrm-docker/internal/user/domain"
)

type fakeAuth struct {
	mu         sync.Mutex
	loginErr   error
	refreshErr error
	logoutErr  error
	meErr      error
	user       *userdomain.User
	calls      int

	gotDevice string
	gotAll    bool
	gotMeta   service.RequestMeta
}

func (f *fakeAuth) pair() *service.TokenPair {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &service.TokenPair{
		AccessToken:           "access",
		AccessTokenExpiresAt:  now.Add(30 * time.Minute),
		RefreshToken:          strings.Repeat("a", security.RefreshSecretLen),
		RefreshTokenExpiresAt: now.Add(30 * 24 * time.Hour),
		UserID:                1,
		DeviceName:            "mobile",
	}
}

func (f *fakeAuth) Login(_ context.Context, _, _, deviceName string, meta service.RequestMeta) (*service.TokenPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotDevice = deviceName
	f.gotMeta = meta
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.pair(), nil
}

func (f *fakeAuth) Refresh(_ context.Context, _, deviceName string, meta service.RequestMeta) (*service.TokenPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotDevice = deviceName
	f.gotMeta = meta
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.pair(), nil
}

func (f *fakeAuth) RevokeSession(_ context.Context, _ service.Principal, deviceName string, all bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotDevice = deviceName
	f.gotAll = all
	return 1, f.logoutErr
}

func (f *fakeAuth) Me(_ context.Context, p service.Principal) (*userdomain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.meErr != nil {
		return nil, f.meErr
	}
	return f.user, nil
}

type staticAuthenticator struct{}

func (staticAuthenticator) Authenticate(_ context.Context, bearer string) (service.Principal, error) {
	if bearer != "good" {
		return service.Principal{}, service.ErrUnauthenticated
	}
	return service.Principal{UserID: 1, TokenID: "jti", DeviceName: "mobile"}, nil
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (ratelimit.Result, error) {
	return ratelimit.Result{}, fmt.Errorf("%w: connection refused", ratelimit.ErrUnavailable)
}

func newTestRouter(auth AuthService, limiter ratelimit.Limiter, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewAuthHandler(auth, limiter, nil, logger)
	r := gin.New()
	if err := middleware.TrustProxies(r, nil); err != nil {
		panic(err)
	}
	r.POST("/login", h.Login)
	r.POST("/refresh", h.Refresh)
	authed := r.Group("/", middleware.BearerAuth(staticAuthenticator{}, nil))
	authed.POST("/logout", h.Logout)
	authed.GET("/me", h.Me)
	return r
}

const testPeer = "203.0.113.5:4000"

func do(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	return doFrom(r, testPeer, method, path, body, headers)
}

func doFrom(r http.Handler, remoteAddr, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestLogin_Success(t *testing.T) {
	auth := &fakeAuth{}
	r := newTestRouter(auth, nil, nil)

	w := do(r, http.MethodPost, "/login", `{"email":"admin@example.com","password":"password","device_name":"phone"}`,
		map[string]string{"User-Agent": "memocrm-ios"})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "access", body["access_token"])
	assert.Len(t, body["refresh_token"], security.RefreshSecretLen)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.Equal(t, "2026-01-02T03:34:05Z", body["access_token_expires_at"])
	assert.Equal(t, "2026-02-01T03:04:05Z", body["refresh_token_expires_at"])
	assert.Equal(t, "phone", auth.gotDevice)
	assert.Equal(t, service.RequestMeta{IPAddress: "203.0.113.5", UserAgent: "memocrm-ios"}, auth.gotMeta)
}

func TestLogin_Validation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantFields []string
	}{
		{"empty body", "", []string{"email", "password"}},
		{"missing password", `{"email":"admin@example.com"}`, []string{"password"}},
		{"bad email", `{"email":"nope","password":"password"}`, []string{"email"}},
		{"long password", `{"email":"admin@example.com","password":"` + strings.Repeat("p", 21) + `"}`, []string{"password"}},
		{"long device", `{"email":"admin@example.com","password":"password","device_name":"` + strings.Repeat("d", 101) + `"}`, []string{"device_name"}},
		{"wrong type", `{"email":42,"password":"password"}`, []string{"email"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := &fakeAuth{}
			w := do(newTestRouter(auth, nil, nil), http.MethodPost, "/login", tt.body, nil)
			require.Equal(t, http.StatusUnprocessableEntity, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, msgInvalidData, body.Message)
			for _, f := range tt.wantFields {
				assert.NotEmpty(t, body.Errors[f], "field %s", f)
			}
			assert.Len(t, body.Errors, len(tt.wantFields))
			assert.Zero(t, auth.calls, "service must not be called")
		})
	}
}

func TestLogin_RequiredMessage(t *testing.T) {
	w := do(newTestRouter(&fakeAuth{}, nil, nil), http.MethodPost, "/login", `{"password":"x"}`, nil)
	body := decodeError(t, w)
	assert.Equal(t, []string{"The email field is required."}, body.Errors["email"])
}

func TestLogin_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"bad credentials", service.ErrInvalidCredentials, http.StatusUnprocessableEntity, msgInvalidCredentials},
		{"retriable", fmt.Errorf("%w: lock timeout", service.ErrRetriable), http.StatusInternalServerError, msgTemporaryError},
		{"issuance", fmt.Errorf("%w: duplicate hash", service.ErrIssuance), http.StatusInternalServerError, msgTemporaryError},
		{"validation", service.NewValidationError("email", "The email field is required."), http.StatusUnprocessableEntity, msgInvalidData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.InfoLevel)
			r := newTestRouter(&fakeAuth{loginErr: tt.err}, nil, zap.New(core))
			w := do(r, http.MethodPost, "/login", `{"email":"admin@example.com","password":"hunter2"}`, nil)
			require.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantMsg, decodeError(t, w).Message)

			require.Equal(t, 1, logs.Len())
			assert.NotContains(t, fmt.Sprint(logs.All()[0].ContextMap()), "hunter2", "password must be masked")
		})
	}
}

func TestLogin_RateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(10, time.Minute)
	defer limiter.Close()
	auth := &fakeAuth{loginErr: service.ErrInvalidCredentials}
	r := newTestRouter(auth, limiter, nil)

	body := `{"email":"Admin@Example.com","password":"wrong"}`
	for i := 0; i < 10; i++ {
		w := do(r, http.MethodPost, "/login", body, nil)
		require.Equal(t, http.StatusUnprocessableEntity, w.Code, "attempt %d", i+1)
	}
	w := do(r, http.MethodPost, "/login", `{"email":"admin@example.com ","password":"wrong"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 10, auth.calls, "rejected request must not reach the service")

	w = doFrom(r, "198.51.100.1:4000", http.MethodPost, "/login", body, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "other IP has its own budget")
}

func TestLogin_RateLimitIgnoresForwardedFor(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(10, time.Minute)
	defer limiter.Close()
	auth := &fakeAuth{loginErr: service.ErrInvalidCredentials}
	r := newTestRouter(auth, limiter, nil)

	body := `{"email":"a@x.com","password":"wrong"}`
	rejected := 0
	for i := 0; i < 50; i++ {
		w := do(r, http.MethodPost, "/login", body, map[string]string{
			"X-Forwarded-For": fmt.Sprintf("10.0.0.%d", i),
			"X-Real-IP":       fmt.Sprintf("10.1.0.%d", i),
		})
		if w.Code == http.StatusTooManyRequests {
			rejected++
		}
		if i == 10 {
			require.Equal(t, http.StatusTooManyRequests, w.Code, "11th login from one peer")
		}
	}
	assert.Equal(t, 40, rejected)
	assert.Equal(t, 10, auth.calls)
	assert.Equal(t, "203.0.113.5", auth.gotMeta.IPAddress)
}

func TestLogin_BodyTooLarge(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(10, time.Minute)
	defer limiter.Close()
	auth := &fakeAuth{}
	r := newTestRouter(auth, limiter, nil)

	body := `{"email":"` + strings.Repeat("a", 64<<10) + `@x.com","password":"p"}`
	w := do(r, http.MethodPost, "/login", body, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "The request body is too large.", decodeError(t, w).Message)
	assert.Equal(t, 0, auth.calls)
}

func TestLogin_RateLimitBeforeValidation(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, time.Minute)
	defer limiter.Close()
	r := newTestRouter(&fakeAuth{}, limiter, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, do(r, http.MethodPost, "/login", `{}`, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodPost, "/login", `{}`, nil).Code)
}

func TestLogin_LimiterUnavailableFailsOpen(t *testing.T) {
	r := newTestRouter(&fakeAuth{}, brokenLimiter{}, nil)
	w := do(r, http.MethodPost, "/login", `{"email":"admin@example.com","password":"password"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"success", `{"refresh_token":"abc","device_name":"phone"}`, nil, http.StatusOK, ""},
		{"missing token", `{"device_name":"phone"}`, nil, http.StatusUnprocessableEntity, msgInvalidData},
		{"invalid token", `{"refresh_token":"abc"}`, service.ErrInvalidRefreshToken, http.StatusUnprocessableEntity, msgSessionExpired},
		{"retriable", `{"refresh_token":"abc"}`, service.ErrRetriable, http.StatusInternalServerError, msgTemporaryError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&fakeAuth{refreshErr: tt.err}, nil, nil)
			w := do(r, http.MethodPost, "/refresh", tt.body, nil)
			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, decodeError(t, w).Message)
			}
		})
	}
}

func TestRefresh_RateLimitedPerToken(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(10, time.Minute)
	defer limiter.Close()
	r := newTestRouter(&fakeAuth{}, limiter, nil)

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/refresh", `{"refresh_token":"same"}`, nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodPost, "/refresh", `{"refresh_token":"same"}`, nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/refresh", `{"refresh_token":"other"}`, nil).Code)
}

func TestLogout(t *testing.T) {
	auth := &fakeAuth{}
	r := newTestRouter(auth, nil, nil)

	w := do(r, http.MethodPost, "/logout", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/logout", "", map[string]string{"Authorization": "Bearer good"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	assert.Equal(t, "", auth.gotDevice)

	w = do(r, http.MethodPost, "/logout", `{"device_name":"tablet","all_devices":true}`, map[string]string{"Authorization": "Bearer good"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tablet", auth.gotDevice)
	assert.True(t, auth.gotAll)

	auth.logoutErr = service.ErrRetriable
	w = do(r, http.MethodPost, "/logout", "", map[string]string{"Authorization": "Bearer good"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMe(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	auth := &fakeAuth{user: &userdomain.User{ID: 1, Name: "admin", Email: "admin@example.com", PasswordHash: "$2a$secret", CreatedAt: created}}
	r := newTestRouter(auth, nil, nil)

	w := do(r, http.MethodGet, "/me", "", map[string]string{"Authorization": "Bearer good"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":{"user_id":1,"name":"admin","email":"admin@example.com","created_at":"2026-01-01T00:00:00Z","updated_at":null}}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "secret")

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/me", "", map[string]string{"Authorization": "Bearer bad"}).Code)

	auth.meErr = service.ErrUnauthenticated
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/me", "", map[string]string{"Authorization": "Bearer good"}).Code)

	auth.meErr = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, do(r, http.MethodGet, "/me", "", map[string]string{"Authorization": "Bearer good"}).Code)
}
