package paas

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func RegisterDocs(r *gin.Engine) {
	r.GET("/docs", func(c *gin.Context) {
		c.Header("Content-Type", "text/markdown; charset=utf-8")
		c.String(http.StatusOK, `# Trading Bot Webhook

Alert listener for the trading bot. Alerts are persisted, scheduled for
re-verification and published to the bot workers over the signal bus.

## Public

- POST /webhook            alert JSON ({"ticker": ..., "strategy": {...}})
- GET  /health             round-trips the signal bus to a bot worker
- GET  /healthz
- GET  /readyz

## API (Bearer token required)

- GET  /api/signals
- GET  /api/signals/:id
- GET  /api/signals/:id/retries
- POST /api/signals/:id/resend
- POST /api/orders         manual order {"direction": "long|short|flat", "ticker": "SPY;QQQ"}
- GET  /api/settings/switches
- GET  /api/settings/switches/:name
- PUT  /api/settings/switches/:name
`)
	})
}
