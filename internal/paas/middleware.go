package paas

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthOptions controls RequireBearerMiddleware. With Token empty the bearer
// is only accepted when RequireGateway is set, leaving validation to the
// gateway in front.
type AuthOptions struct {
	Disabled       bool
	RequireGateway bool
	Token          string
}

var ErrAuthUnconfigured = errors.New("api auth unconfigured: set server.api_token, server.require_gateway or server.auth_disabled")

// Validate reports whether the options protect /api/ at all.
func (o AuthOptions) Validate() error {
	if o.Disabled || o.RequireGateway || strings.TrimSpace(o.Token) != "" {
		return nil
	}
	return ErrAuthUnconfigured
}

var openPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/health":  true,
	"/webhook": true,
}

func RequireBearerMiddleware(opts AuthOptions) gin.HandlerFunc {
	want := []byte(strings.TrimSpace(opts.Token))

	return func(c *gin.Context) {
		p := c.Request.URL.Path
		if opts.Disabled || openPaths[p] {
			c.Next()
			return
		}
		if !strings.HasPrefix(p, "/api/") && p != "/docs" {
			c.Next()
			return
		}
		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if len(want) == 0 && !opts.RequireGateway {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "api auth unconfigured"})
			return
		}
		if len(want) > 0 && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
			return
		}
		if opts.RequireGateway && strings.TrimSpace(c.GetHeader("X-Easyweb3-Project")) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-Easyweb3-Project"})
			return
		}
		c.Next()
	}
}

// PaaSWriteAuditMiddleware records every mutating /api/ call: manual
// orders, resends and switch flips.
func PaaSWriteAuditMiddleware(p *Client, logger *zap.Logger) gin.HandlerFunc {
	if p == nil {
		return func(c *gin.Context) { c.Next() }
	}
	agent := p.agent()

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		method := strings.ToUpper(c.Request.Method)
		if !strings.HasPrefix(path, "/api/") {
			return
		}
		switch method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}

		status := c.Writer.Status()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), bestEffortTimeout)
		defer cancel()
		err := p.CreateLog(ctx, CreateLogRequest{
			Agent:  agent,
			Action: "trading_http_write",
			Level:  levelFromStatus(status),
			Details: map[string]any{
				"method":    method,
				"path":      path,
				"route":     c.FullPath(),
				"status":    status,
				"duration":  time.Since(start).String(),
				"client_ip": c.ClientIP(),
				"project":   strings.TrimSpace(c.GetHeader("X-Easyweb3-Project")),
				"role":      strings.TrimSpace(c.GetHeader("X-Easyweb3-Role")),
			},
			Metadata: map[string]any{},
		})
		if err != nil && logger != nil {
			logger.Debug("paas audit log failed", zap.Error(err))
		}
	}
}

func levelFromStatus(status int) string {
	switch {
	case status >= 500:
		return "error"
	case status >= 400:
		return "warn"
	default:
		return "info"
	}
}
