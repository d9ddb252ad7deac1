package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/willer/trading-bot/internal/bus"
)

type HealthHandler struct {
	DB *gorm.DB

	// Bus, when set, enables GET /health: the sentinel goes out on the
	// signal topic and a bot worker answers on the health topic.
	Bus          bus.Bus
	SignalTopic  string
	HealthTopic  string
	HealthSignal string
	Timeout      time.Duration
}

func (h *HealthHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
	r.GET("/health", h.roundTrip)
}

func (h *HealthHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HealthHandler) ready(c *gin.Context) {
	if h.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_missing"})
		return
	}
	sqlDB, err := h.DB.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_error"})
		return
	}
	if err := sqlDB.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *HealthHandler) roundTrip(c *gin.Context) {
	if h.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "bus_missing"})
		return
	}
	signalTopic, healthTopic, sentinel := h.SignalTopic, h.HealthTopic, h.HealthSignal
	if signalTopic == "" {
		signalTopic = bus.DefaultSignalTopic
	}
	if healthTopic == "" {
		healthTopic = bus.DefaultHealthTopic
	}
	if sentinel == "" {
		sentinel = bus.HealthCheck
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	sub, err := h.Bus.Subscribe(ctx, healthTopic)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "detail": err.Error()})
		return
	}
	defer func() { _ = sub.Close() }()
	if err := h.Bus.Publish(ctx, signalTopic, []byte(sentinel)); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "detail": err.Error()})
		return
	}
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "detail": "health subscription closed"})
			return
		}
		reply := string(msg.Payload)
		if reply != bus.HealthOK {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "detail": reply})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case <-ctx.Done():
		c.JSON(http.StatusGatewayTimeout, gin.H{"status": "timeout"})
	}
}
