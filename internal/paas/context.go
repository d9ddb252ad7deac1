package paas

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
)

type ctxKey struct{}

// bestEffortTimeout bounds an audit write so it never stalls a trade path.
const bestEffortTimeout = 2 * time.Second

func WithClient(ctx context.Context, c *Client) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, c)
}

func ClientFromContext(ctx context.Context) *Client {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(ctxKey{}).(*Client)
	return c
}

func InjectClientMiddleware(p *Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p != nil && c.Request != nil {
			c.Request = c.Request.WithContext(WithClient(c.Request.Context(), p))
		}
		c.Next()
	}
}

// LogBestEffortCtx writes an audit entry through the client carried by ctx.
// It is a no-op without one, and errors are dropped. The write outlives a
// cancelled ctx so shutdown and client disconnects still leave a trail.
func LogBestEffortCtx(ctx context.Context, action, level string, details map[string]any) {
	p := ClientFromContext(ctx)
	if p == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	_ = p.CreateLog(wctx, CreateLogRequest{
		Agent:    p.agent(),
		Action:   action,
		Level:    level,
		Details:  details,
		Metadata: map[string]any{},
	})
}

func LogBestEffort(c *gin.Context, action, level string, details map[string]any) {
	if c == nil || c.Request == nil {
		return
	}
	LogBestEffortCtx(c.Request.Context(), action, level, details)
}
