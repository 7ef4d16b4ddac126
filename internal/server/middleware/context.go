package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/kunihei/memocrm-docker/internal/identity/service"
)

type contextKey struct{ name string }

var principalKey = contextKey{"principal"}

// principalGinKey is the gin.Context key set by BearerAuth.
const principalGinKey = "principal"

// WithPrincipal returns a context carrying the authenticated caller.
func WithPrincipal(ctx context.Context, p service.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the caller set by WithPrincipal and true, or a zero Principal and false.
func PrincipalFromContext(ctx context.Context) (service.Principal, bool) {
	p, ok := ctx.Value(principalKey).(service.Principal)
	return p, ok
}

// GetPrincipal returns the caller authenticated by BearerAuth for this request.
func GetPrincipal(c *gin.Context) (service.Principal, bool) {
	v, ok := c.Get(principalGinKey)
	if !ok {
		return PrincipalFromContext(c.Request.Context())
	}
	p, ok := v.(service.Principal)
	return p, ok
}
