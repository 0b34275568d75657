package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yanun0323/errors"

	"main/internal/policy"
	"main/internal/schema"
	"main/pkg/exception"
)

func (h *Handler) getPolicy(c *gin.Context) {
	snap := h.policy.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":        snap.Version,
		"limits":         snap.Limits,
		"globalHalt":     snap.GlobalHalt,
		"haltedClients":  keys(snap.HaltedClients),
		"haltedSymbols":  keys(snap.HaltedSymbols),
		"allowedSymbols": keys(snap.AllowedSymbols),
		"deniedSymbols":  keys(snap.DeniedSymbols),
	})
}

// killSwitch engages or lifts a halt. Lifting also resets the matching
// circuit breaker latch so the scope can reject its way to a fresh trip.
func (h *Handler) killSwitch(c *gin.Context) {
	var body killSwitchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errors.Wrap(exception.ErrValidation, err.Error()))
		return
	}
	if body.Actor == "" {
		fail(c, errors.Wrap(exception.ErrValidation, "actor is required"))
		return
	}

	switch body.Scope {
	case "global":
		h.policy.SetGlobalHalt(body.On, body.Actor)
	case "client":
		if body.ID == "" {
			fail(c, errors.Wrap(exception.ErrValidation, "id is required for client scope"))
			return
		}
		h.policy.SetClientHalt(body.ID, body.On, body.Actor)
	case "symbol":
		if body.ID == "" {
			fail(c, errors.Wrap(exception.ErrValidation, "id is required for symbol scope"))
			return
		}
		h.policy.SetSymbolHalt(body.ID, body.On, body.Actor)
	default:
		fail(c, errors.Wrap(exception.ErrValidation, "scope must be global, client or symbol"))
		return
	}

	if !body.On {
		h.service.Risk().ResetBreaker(body.Scope, body.ID)
	}
	c.JSON(http.StatusOK, gin.H{"version": h.policy.Snapshot().Version})
}

func (h *Handler) symbolLists(c *gin.Context) {
	var body listsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errors.Wrap(exception.ErrValidation, err.Error()))
		return
	}
	if body.Actor == "" {
		fail(c, errors.Wrap(exception.ErrValidation, "actor is required"))
		return
	}
	h.policy.SetSymbolLists(body.Allowed, body.Denied, body.Actor)
	c.JSON(http.StatusOK, gin.H{"version": h.policy.Snapshot().Version})
}

func (h *Handler) putLimits(c *gin.Context) {
	var limits policy.Limits
	if err := c.ShouldBindJSON(&limits); err != nil {
		fail(c, errors.Wrap(exception.ErrValidation, err.Error()))
		return
	}
	actor := c.Query("actor")
	if actor == "" {
		fail(c, errors.Wrap(exception.ErrValidation, "actor is required"))
		return
	}
	h.policy.UpdateLimits(limits, actor)
	c.JSON(http.StatusOK, gin.H{"version": h.policy.Snapshot().Version})
}

func (h *Handler) adapters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"adapters": h.router.Snapshot()})
}

func (h *Handler) putPrice(c *gin.Context) {
	symbol := c.Param("symbol")
	spec, ok := h.registry.Symbol(symbol)
	if !ok {
		fail(c, errors.Wrapf(exception.ErrUnknownSymbol, "%s", symbol))
		return
	}

	var body priceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errors.Wrap(exception.ErrValidation, err.Error()))
		return
	}
	price, err := parseScaled(body.Price, spec.Scale.PriceScale)
	if err != nil {
		fail(c, err)
		return
	}
	h.service.SetReferencePrice(symbol, schema.Price(price))
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "price": body.Price})
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
