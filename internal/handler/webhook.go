package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/willer/trading-bot/internal/intake"
	"github.com/willer/trading-bot/internal/paas"
)

type WebhookHandler struct {
	Intake *intake.Service
	Logger *zap.Logger
}

func (h *WebhookHandler) Register(r *gin.Engine) {
	r.POST("/webhook", h.receive)
}

func (h *WebhookHandler) receive(c *gin.Context) {
	if h.Intake == nil {
		Error(c, http.StatusInternalServerError, "intake unavailable", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		Error(c, http.StatusBadRequest, "unreadable body", nil)
		return
	}
	res, err := h.Intake.Ingest(c.Request.Context(), body)
	if err != nil {
		if errors.Is(err, intake.ErrValidation) {
			if h.Logger != nil {
				h.Logger.Warn("webhook rejected", zap.Error(err))
			}
			paas.LogBestEffort(c, "trading_webhook_rejected", "warn", map[string]any{"error": err.Error()})
		} else if h.Logger != nil {
			h.Logger.Error("webhook ingest failed", zap.Error(err))
		}
		Fail(c, err)
		return
	}
	if res.Ignored {
		Ok(c, gin.H{"status": "ignored", "bot": res.Payload.Strategy.Bot}, nil)
		return
	}
	paas.LogBestEffort(c, "trading_webhook_alert", "info", map[string]any{
		"signal_id":       res.SignalID,
		"ticker":          res.Payload.Ticker,
		"bot":             res.Payload.Strategy.Bot,
		"market_position": res.Payload.Strategy.MarketPosition,
		"published":       res.Published,
	})
	Ok(c, gin.H{
		"status":    "accepted",
		"signal_id": res.SignalID,
		"published": res.Published,
	}, nil)
}
