package httpapi

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/yanun0323/errors"

	"main/internal/core"
	"main/internal/recon"
	"main/internal/schema"
	"main/pkg/exception"
)

func (h *Handler) submit(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errors.Wrap(exception.ErrValidation, err.Error()))
		return
	}

	spec, ok := h.registry.Symbol(body.Symbol)
	if !ok {
		fail(c, errors.Wrapf(exception.ErrUnknownSymbol, "%s", body.Symbol))
		return
	}

	qty, err := parseScaled(body.Qty, spec.Scale.QuantityScale)
	if err != nil {
		fail(c, err)
		return
	}

	req := core.SubmitRequest{
		ClientID:       body.ClientID,
		ClientOrderID:  body.ClientOrderID,
		IdempotencyKey: c.GetHeader("X-Idempotency-Key"),
		Symbol:         body.Symbol,
		Side:           schema.ParseSide(body.Side),
		Type:           schema.ParseOrderType(body.Type),
		TimeInForce:    schema.ParseTimeInForce(body.TimeInForce),
		Qty:            schema.Quantity(qty),
	}
	if body.Price != "" {
		price, perr := parseScaled(body.Price, spec.Scale.PriceScale)
		if perr != nil {
			fail(c, perr)
			return
		}
		req.Price = schema.Price(price)
		req.HasPrice = true
	}

	result, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"orderId":   result.OrderID,
		"state":     result.State.String(),
		"duplicate": result.Duplicate,
		"reason":    result.Reason,
	})
}

func (h *Handler) getOrder(c *gin.Context) {
	id := c.Param("id")
	order, ok := h.service.Order(id)
	if !ok {
		fail(c, errors.Wrapf(exception.ErrUnknownOrder, "%s", id))
		return
	}

	resp := gin.H{"order": h.viewOrder(order)}
	if c.Query("include") == "events" {
		events, err := h.service.Events(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		views := make([]eventView, 0, len(events))
		for _, ev := range events {
			view := eventView{
				StoreSeq:    ev.StoreSeq,
				OrderSeq:    ev.OrderSeq,
				Kind:        ev.Kind.String(),
				At:          ev.At,
				Correlation: ev.Correlation,
			}
			var payload any
			if len(ev.Payload) > 0 && sonic.Unmarshal(ev.Payload, &payload) == nil {
				view.Payload = payload
			}
			views = append(views, view)
		}
		resp["events"] = views
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listOpen(c *gin.Context) {
	orders := h.service.OpenOrders()
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, h.viewOrder(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": views})
}

func (h *Handler) cancel(c *gin.Context) {
	id := c.Param("id")
	order, err := h.service.Cancel(c.Request.Context(), id, c.Query("reason"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": h.viewOrder(order)})
}

func (h *Handler) execution(c *gin.Context) {
	var body executionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errors.Wrap(exception.ErrValidation, err.Error()))
		return
	}

	spec, ok := h.registry.Symbol(body.Symbol)
	if !ok {
		fail(c, errors.Wrapf(exception.ErrUnknownSymbol, "%s", body.Symbol))
		return
	}
	fillQty, err := parseScaled(body.FillQty, spec.Scale.QuantityScale)
	if err != nil {
		fail(c, err)
		return
	}
	price, err := parseScaled(body.Price, spec.Scale.PriceScale)
	if err != nil {
		fail(c, err)
		return
	}
	var leaves int64
	if body.LeavesQty != "" {
		if leaves, err = parseScaled(body.LeavesQty, spec.Scale.QuantityScale); err != nil {
			fail(c, err)
			return
		}
	}

	in := recon.InboundReport{
		OrderID:       body.OrderID,
		BrokerOrderID: body.BrokerOrderID,
		Symbol:        body.Symbol,
		Report: schema.ExecutionReport{
			BrokerOrderID: body.BrokerOrderID,
			TradeID:       body.TradeID,
			Sequence:      body.Sequence,
			FillQty:       schema.Quantity(fillQty),
			Price:         schema.Price(price),
			LeavesQty:     schema.Quantity(leaves),
		},
	}
	if err := h.service.OnExecutionReport(c.Request.Context(), in); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handler) statement(c *gin.Context) {
	var body statementBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errors.Wrap(exception.ErrValidation, err.Error()))
		return
	}

	stmt := recon.Statement{Date: body.Date}
	for _, line := range body.Lines {
		spec, ok := h.registry.Symbol(line.Symbol)
		if !ok {
			fail(c, errors.Wrapf(exception.ErrUnknownSymbol, "%s", line.Symbol))
			return
		}
		volume, err := parseScaled(line.Volume, spec.Scale.QuantityScale)
		if err != nil {
			fail(c, err)
			return
		}
		stmt.Lines = append(stmt.Lines, recon.StatementLine{
			Symbol: line.Symbol,
			Volume: schema.Quantity(volume),
		})
	}
	if err := h.service.EndOfDay(c.Request.Context(), stmt); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reconciled"})
}

func (h *Handler) exceptions(c *gin.Context) {
	list, err := h.service.Exceptions(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exceptions": list})
}
