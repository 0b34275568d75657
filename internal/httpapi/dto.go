package httpapi

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"main/internal/om"
	"main/internal/schema"
	"main/pkg/exception"
)

// The wire format carries prices and quantities as decimal strings; the
// core works in per-symbol scaled integers. Conversion happens here and
// nowhere else.

func parseScaled(s string, scale schema.Scale) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errors.Wrapf(exception.ErrValidation, "bad decimal %q", s)
	}
	shifted := d.Shift(int32(scale))
	if !shifted.IsInteger() {
		return 0, errors.Wrapf(exception.ErrValidation, "%q exceeds scale %d", s, scale)
	}
	return shifted.IntPart(), nil
}

func renderScaled(v int64, scale schema.Scale) string {
	return decimal.New(v, -int32(scale)).String()
}

type submitBody struct {
	ClientID      string `json:"clientId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"timeInForce"`
	Qty           string `json:"qty"`
	Price         string `json:"price"`
}

type orderView struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	ClientID      string `json:"clientId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	State         string `json:"state"`
	Qty           string `json:"qty"`
	Price         string `json:"price,omitempty"`
	FilledQty     string `json:"filledQty"`
	RemainingQty  string `json:"remainingQty"`
	AdapterID     string `json:"adapterId,omitempty"`
	BrokerOrderID string `json:"brokerOrderId,omitempty"`
	Version       uint64 `json:"version"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
}

func (h *Handler) viewOrder(o om.Order) orderView {
	scale := schema.ScaleSpec{}
	if spec, ok := h.registry.Symbol(o.Symbol); ok {
		scale = spec.Scale
	}
	v := orderView{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		ClientID:      o.ClientID,
		Symbol:        o.Symbol,
		Side:          o.Side.String(),
		Type:          o.Type.String(),
		State:         o.State.String(),
		Qty:           renderScaled(int64(o.Qty), scale.QuantityScale),
		FilledQty:     renderScaled(int64(o.FilledQty), scale.QuantityScale),
		RemainingQty:  renderScaled(int64(o.RemainingQty), scale.QuantityScale),
		AdapterID:     o.AdapterID,
		BrokerOrderID: o.BrokerOrderID,
		Version:       o.Version,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.HasPrice {
		v.Price = renderScaled(int64(o.Price), scale.PriceScale)
	}
	return v
}

type eventView struct {
	StoreSeq    uint64 `json:"storeSeq"`
	OrderSeq    uint64 `json:"orderSeq"`
	Kind        string `json:"kind"`
	At          int64  `json:"at"`
	Correlation string `json:"correlation,omitempty"`
	Payload     any    `json:"payload,omitempty"`
}

type executionBody struct {
	OrderID       string `json:"orderId"`
	BrokerOrderID string `json:"brokerOrderId"`
	Symbol        string `json:"symbol"`
	TradeID       string `json:"tradeId"`
	Sequence      uint64 `json:"sequence"`
	FillQty       string `json:"fillQty"`
	Price         string `json:"price"`
	LeavesQty     string `json:"leavesQty"`
}

type statementBody struct {
	Date  string `json:"date"`
	Lines []struct {
		Symbol string `json:"symbol"`
		Volume string `json:"volume"`
	} `json:"lines"`
}

type killSwitchBody struct {
	Scope string `json:"scope"` // global, client or symbol
	ID    string `json:"id"`
	On    bool   `json:"on"`
	Actor string `json:"actor"`
}

type listsBody struct {
	Allowed []string `json:"allowed"`
	Denied  []string `json:"denied"`
	Actor   string   `json:"actor"`
}

type priceBody struct {
	Price string `json:"price"`
}
