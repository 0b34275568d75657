package httpapi

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/core"
	"main/internal/eventstore"
	"main/internal/idem"
	"main/internal/policy"
	"main/internal/router"
	"main/internal/schema"
)

func newAPI(t *testing.T) (*gin.Engine, *core.Service) {
	t.Helper()

	store, err := eventstore.Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := schema.NewRegistry()
	require.NoError(t, reg.AddAdapter(schema.AdapterSpec{Name: "sim", Priority: 1, MaxInflight: 64}))
	require.NoError(t, reg.AddSymbol(schema.SymbolSpec{
		Name:     "AAPL",
		Scale:    schema.ScaleSpec{PriceScale: 2, QuantityScale: 0},
		Adapters: []string{"sim"},
	}))

	pol := policy.NewStore(policy.DefaultLimits())
	rt := router.New(reg)
	require.NoError(t, rt.Register(router.NewSimAdapter("sim", time.Millisecond)))

	service := core.NewService(core.Config{
		Store:    store,
		Index:    idem.NewSQLiteIndex(store.DB(), idem.DefaultTTL),
		Policy:   pol,
		Registry: reg,
		Router:   rt,
	})
	service.SetReferencePrice("AAPL", 15_000)

	return NewHandler(service, pol, rt, reg).Engine(nil), service
}

func do(t *testing.T, engine *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestSubmitEndpoint(t *testing.T) {
	engine, _ := newAPI(t)

	rec, resp := do(t, engine, http.MethodPost, "/api/v1/orders", `{
		"clientId": "acct-1",
		"clientOrderId": "web-1",
		"symbol": "AAPL",
		"side": "buy",
		"type": "limit",
		"qty": "100",
		"price": "150.00"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	orderID, _ := resp["orderId"].(string)
	require.NotEmpty(t, orderID)
	assert.Equal(t, false, resp["duplicate"])

	// replaying the same client order id is a 200, not a new order
	rec, resp = do(t, engine, http.MethodPost, "/api/v1/orders", `{
		"clientId": "acct-1",
		"clientOrderId": "web-1",
		"symbol": "AAPL",
		"side": "buy",
		"type": "limit",
		"qty": "100",
		"price": "150.00"
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["duplicate"])
	assert.Equal(t, orderID, resp["orderId"])
}

func TestSubmitRejectsBadDecimal(t *testing.T) {
	engine, _ := newAPI(t)

	rec, _ := do(t, engine, http.MethodPost, "/api/v1/orders", `{
		"clientId": "acct-1",
		"clientOrderId": "web-2",
		"symbol": "AAPL",
		"side": "buy",
		"type": "limit",
		"qty": "100.5",
		"price": "150.00"
	}`)
	// qty scale is 0 for AAPL, fractional shares do not fit
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitUnknownSymbol(t *testing.T) {
	engine, _ := newAPI(t)

	rec, _ := do(t, engine, http.MethodPost, "/api/v1/orders", `{
		"clientId": "acct-1",
		"clientOrderId": "web-3",
		"symbol": "GME",
		"side": "buy",
		"type": "limit",
		"qty": "100",
		"price": "150.00"
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrderWithEvents(t *testing.T) {
	engine, _ := newAPI(t)

	_, resp := do(t, engine, http.MethodPost, "/api/v1/orders", `{
		"clientId": "acct-1",
		"clientOrderId": "web-4",
		"symbol": "AAPL",
		"side": "sell",
		"type": "limit",
		"qty": "50",
		"price": "149.50"
	}`)
	orderID, _ := resp["orderId"].(string)
	require.NotEmpty(t, orderID)

	rec, resp := do(t, engine, http.MethodGet, "/api/v1/orders/"+orderID+"?include=events", "")
	require.Equal(t, http.StatusOK, rec.Code)

	order, ok := resp["order"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "50", order["qty"])
	assert.Equal(t, "149.5", order["price"])
	assert.Equal(t, "sell", order["side"])

	events, ok := resp["events"].([]any)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(events), 3)

	rec, _ = do(t, engine, http.MethodGet, "/api/v1/orders/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKillSwitchEndpoint(t *testing.T) {
	engine, _ := newAPI(t)

	rec, _ := do(t, engine, http.MethodPost, "/api/v1/policy/kill-switch", `{
		"scope": "global", "on": true, "actor": "ops"
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, resp := do(t, engine, http.MethodPost, "/api/v1/orders", `{
		"clientId": "acct-1",
		"clientOrderId": "web-5",
		"symbol": "AAPL",
		"side": "buy",
		"type": "limit",
		"qty": "100",
		"price": "150.00"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "RISK_BLOCKED", resp["state"])
	assert.Equal(t, "kill_switch", resp["reason"])

	// an actorless flip is rejected
	rec, _ = do(t, engine, http.MethodPost, "/api/v1/policy/kill-switch", `{
		"scope": "global", "on": false
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	engine, _ := newAPI(t)
	rec, resp := do(t, engine, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp["status"])
}
