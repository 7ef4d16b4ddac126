package middleware

import (
	"net"

	"github.com/gin-gonic/gin"
)

// TrustProxies sets which peers may report the client address through X-Forwarded-For or X-Real-IP.
// With none, forwarding headers are ignored and the peer address is the client IP.
func TrustProxies(r *gin.Engine, proxies []string) error {
	if len(proxies) == 0 {
		proxies = nil
	}
	return r.SetTrustedProxies(proxies)
}

// ClientIP returns the client IP as resolved by gin against the engine's trusted proxies,
// else the peer address, or "unknown".
func ClientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	if c.Request == nil || c.Request.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		return host
	}
	return c.Request.RemoteAddr
}
