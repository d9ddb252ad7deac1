package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/willer/trading-bot/internal/intake"
	"github.com/willer/trading-bot/internal/repository"
)

type SignalHandler struct {
	Repo   repository.Repository
	Intake *intake.Service
}

func (h *SignalHandler) Register(r *gin.Engine) {
	group := r.Group("/api/signals")
	group.GET("", h.list)
	group.GET("/:id", h.get)
	group.GET("/:id/retries", h.retries)
	group.POST("/:id/resend", h.resend)
}

func (h *SignalHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	asc := boolQueryPtr(c, "asc")
	if asc == nil {
		asc = boolPtr(false)
	}
	params := repository.ListSignalsParams{
		Limit:   limit,
		Offset:  offset,
		Ticker:  stringQueryPtr(c, "ticker"),
		Bot:     stringQueryPtr(c, "bot"),
		Since:   timeQueryPtr(c, "since"),
		OrderBy: c.Query("order_by"),
		Asc:     asc,
	}
	items, err := h.Repo.ListSignals(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountSignals(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *SignalHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := parseUint64(c.Param("id"))
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	item, err := h.Repo.GetSignalByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "signal not found", nil)
		return
	}
	Ok(c, item, nil)
}

func (h *SignalHandler) retries(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := parseUint64(c.Param("id"))
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	items, err := h.Repo.ListRetriesBySignal(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

func (h *SignalHandler) resend(c *gin.Context) {
	if h.Intake == nil {
		Error(c, http.StatusInternalServerError, "intake unavailable", nil)
		return
	}
	id := parseUint64(c.Param("id"))
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	res, err := h.Intake.Resend(c.Request.Context(), id)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, gin.H{"signal_id": res.SignalID, "ignored": res.Ignored, "published": res.Published}, nil)
}
