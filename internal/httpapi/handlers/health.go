package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orchestrator-substrate/jobforge/internal/persistence"
	"github.com/orchestrator-substrate/jobforge/internal/secretresilience"
)

type HealthHandler struct {
	store   *persistence.Store
	breaker *secretresilience.Breaker
}

func NewHealthHandler(store *persistence.Store, breaker *secretresilience.Breaker) *HealthHandler {
	return &HealthHandler{store: store, breaker: breaker}
}

func (h *HealthHandler) Healthz(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HealthHandler) Readyz(ctx *gin.Context) {
	persist := h.store.Health()
	status := http.StatusOK
	if persist.Status == persistence.HealthDown {
		status = http.StatusServiceUnavailable
	}
	body := gin.H{"status": "ready", "persistence": persist}
	if h.breaker != nil {
		body["secrets"] = h.breaker.Health()
	}
	ctx.JSON(status, body)
}
