package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/willer/trading-bot/internal/intake"
)

type OrderHandler struct {
	Intake *intake.Service
}

func (h *OrderHandler) Register(r *gin.Engine) {
	r.POST("/api/orders", h.create)
}

type manualOrderRequest struct {
	Direction string `json:"direction"`
	// Ticker may list several symbols separated by ';'.
	Ticker string `json:"ticker"`
}

func (h *OrderHandler) create(c *gin.Context) {
	if h.Intake == nil {
		Error(c, http.StatusInternalServerError, "intake unavailable", nil)
		return
	}
	var req manualOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if strings.TrimSpace(req.Direction) == "" || strings.TrimSpace(req.Ticker) == "" {
		Error(c, http.StatusBadRequest, "direction and ticker are required", nil)
		return
	}
	results, err := h.Intake.ManualOrder(c.Request.Context(), req.Direction, req.Ticker)
	if err != nil {
		Fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(results))
	for _, res := range results {
		out = append(out, gin.H{
			"ticker":    res.Payload.Ticker,
			"signal_id": res.SignalID,
			"published": res.Published,
		})
	}
	Ok(c, out, nil)
}
