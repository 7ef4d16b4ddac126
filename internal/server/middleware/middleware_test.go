package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kunihei/memocrm-docker/internal/identity/service"
)

type fakeAuthenticator struct {
	principal service.Principal
	err       error
	gotToken  string
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, bearer string) (service.Principal, error) {
	f.gotToken = bearer
	return f.principal, f.err
}

func newAuthedRouter(auth Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", BearerAuth(auth, nil), func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.Status(http.StatusTeapot)
			return
		}
		fromCtx, _ := PrincipalFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"user_id": p.UserID, "ctx_user_id": fromCtx.UserID})
	})
	return r
}

func TestBearerAuth(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		authErr    error
		wantStatus int
	}{
		{"missing header", "", nil, http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", nil, http.StatusUnauthorized},
		{"empty token", "Bearer   ", nil, http.StatusUnauthorized},
		{"rejected token", "Bearer bad", service.ErrUnauthenticated, http.StatusUnauthorized},
		{"store failure", "Bearer tok", errors.New("db down"), http.StatusInternalServerError},
		{"valid", "bearer tok", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := &fakeAuthenticator{principal: service.Principal{UserID: 7, TokenID: "jti"}, err: tt.authErr}
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			newAuthedRouter(auth).ServeHTTP(w, req)

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "tok", auth.gotToken)
				assert.JSONEq(t, `{"user_id":7,"ctx_user_id":7}`, w.Body.String())
			}
		})
	}
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "abc", ExtractBearer("Bearer abc"))
	assert.Equal(t, "abc", ExtractBearer("  BEARER   abc  "))
	assert.Equal(t, "", ExtractBearer("Bearer"))
	assert.Equal(t, "", ExtractBearer("Token abc"))
}

func TestClientIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name    string
		trusted []string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded from untrusted peer", nil, map[string]string{"X-Forwarded-For": "10.0.0.7"}, "192.0.2.9:5555", "192.0.2.9"},
		{"real ip from untrusted peer", nil, map[string]string{"X-Real-IP": "198.51.100.4"}, "192.0.2.9:5555", "192.0.2.9"},
		{"forwarded chain via trusted proxy", []string{"10.0.0.0/8"}, map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.1"}, "10.0.0.2:1234", "203.0.113.1"},
		{"real ip via trusted proxy", []string{"10.0.0.2"}, map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.2:1234", "198.51.100.4"},
		{"peer outside trusted list", []string{"10.0.0.0/8"}, map[string]string{"X-Forwarded-For": "203.0.113.1"}, "192.0.2.9:5555", "192.0.2.9"},
		{"remote addr", nil, nil, "192.0.2.9:5555", "192.0.2.9"},
		{"remote without port", nil, nil, "192.0.2.9", "192.0.2.9"},
		{"nothing", nil, nil, "", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			require.NoError(t, TrustProxies(r, tt.trusted))
			var got string
			r.GET("/", func(c *gin.Context) { got = ClientIP(c) })

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			r.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTrustProxies_RejectsInvalidEntry(t *testing.T) {
	assert.Error(t, TrustProxies(gin.New(), []string{"not-an-ip"}))
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(RequestLogger(zap.New(core), map[string]bool{"/health": true}))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/login", func(c *gin.Context) { c.Status(http.StatusUnprocessableEntity) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, 0, logs.Len(), "health requests are not logged")

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/login", fields["path"])
	assert.Equal(t, int64(http.StatusUnprocessableEntity), fields["status"])
	assert.Equal(t, "req-1", fields["request_id"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}
