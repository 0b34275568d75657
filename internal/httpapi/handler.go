package httpapi

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"main/internal/core"
	"main/internal/policy"
	"main/internal/router"
	"main/internal/schema"
	"main/pkg/exception"
)

// Handler exposes the order pipeline over HTTP.
type Handler struct {
	service  *core.Service
	policy   *policy.Store
	router   *router.Router
	registry *schema.Registry
}

// NewHandler builds the HTTP surface over the assembled pipeline.
func NewHandler(service *core.Service, store *policy.Store, rt *router.Router, registry *schema.Registry) *Handler {
	return &Handler{service: service, policy: store, router: rt, registry: registry}
}

// Engine builds the gin engine with every route registered.
func (h *Handler) Engine(gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", h.health)
	if gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := engine.Group("/api/v1")
	{
		api.POST("/orders", h.submit)
		api.GET("/orders", h.listOpen)
		api.GET("/orders/:id", h.getOrder)
		api.POST("/orders/:id/cancel", h.cancel)

		api.POST("/executions", h.execution)
		api.POST("/recon/statement", h.statement)
		api.GET("/recon/exceptions", h.exceptions)

		api.GET("/policy", h.getPolicy)
		api.POST("/policy/kill-switch", h.killSwitch)
		api.POST("/policy/lists", h.symbolLists)
		api.PUT("/policy/limits", h.putLimits)

		api.GET("/adapters", h.adapters)
		api.PUT("/prices/:symbol", h.putPrice)
	}
	return engine
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "orders": h.service.Machine().Count()})
}

// fail maps pipeline errors onto HTTP statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case stderrors.Is(err, exception.ErrValidation),
		stderrors.Is(err, exception.ErrUnknownSymbol):
		status = http.StatusBadRequest
	case stderrors.Is(err, exception.ErrUnknownOrder):
		status = http.StatusNotFound
	case stderrors.Is(err, exception.ErrOrderTerminal),
		stderrors.Is(err, exception.ErrInvalidTransition):
		status = http.StatusConflict
	case stderrors.Is(err, exception.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
