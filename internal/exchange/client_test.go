package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avlonitis/vigil/internal/config"
	"github.com/avlonitis/vigil/pkg/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.ExchangeConfig{
		InfoURL:    server.URL,
		WalletAddr: "0xabc",
	}, logger.Discard())
}

func TestGetAllMids(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "allMids", req["type"])

		_ = json.NewEncoder(w).Encode(map[string]string{
			"BTC": "50123.5",
			"ETH": "3050.25",
		})
	})

	mids, err := client.GetAllMids(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50123.5, mids["BTC"])
	assert.Equal(t, 3050.25, mids["ETH"])
}

func TestGetClearinghouseState(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "clearinghouseState", req["type"])
		assert.Equal(t, "0xabc", req["user"])

		_, _ = w.Write([]byte(`{
			"assetPositions": [{
				"position": {
					"coin": "BTC",
					"szi": "-0.5",
					"entryPx": "50000",
					"liquidationPx": "61000",
					"unrealizedPnl": "-120.5",
					"marginUsed": "5000",
					"leverage": {"value": 5}
				}
			}],
			"marginSummary": {
				"accountValue": "10000",
				"totalMarginUsed": "5000",
				"totalNtlPos": "25000",
				"withdrawable": "4000"
			}
		}`))
	})

	state, err := client.GetClearinghouseState(context.Background())
	require.NoError(t, err)
	require.Len(t, state.AssetPositions, 1)

	p := state.AssetPositions[0]
	assert.Equal(t, "BTC", p.Symbol)
	assert.Equal(t, -0.5, p.Size, "short positions carry negative size")
	assert.Equal(t, 61000.0, p.LiquidationPrice)
	assert.Equal(t, 5.0, p.Leverage)
	assert.Equal(t, 10000.0, state.MarginSummary.AccountValue)
}

func TestGetMetaAndAssetCtxs(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"universe": [{"name": "BTC", "szDecimals": 5, "maxLeverage": 50}]},
			[{"funding": "0.0000125", "openInterest": "1000", "markPx": "50100",
			  "midPx": "50099.5", "dayNtlVlm": "2000000"}]
		]`))
	})

	universe, ctxs, err := client.GetMetaAndAssetCtxs(context.Background())
	require.NoError(t, err)
	require.Len(t, universe, 1)
	require.Len(t, ctxs, 1)
	assert.Equal(t, "BTC", universe[0].Name)
	assert.Equal(t, 50, universe[0].MaxLeverage)
	assert.Equal(t, 0.0000125, ctxs[0].FundingRate)
	assert.Equal(t, 50100.0, ctxs[0].MarkPrice)
}

func TestGetOpenOrders(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"coin": "BTC", "side": "A", "limitPx": "55000", "sz": "0.1", "oid": 77}
		]`))
	})

	orders, err := client.GetOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(77), orders[0].ID)
	assert.Equal(t, "sell", orders[0].Side)
	assert.Equal(t, 55000.0, orders[0].Price)
}

func TestStatusErrorIsNotRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := client.GetAllMids(context.Background())
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.False(t, IsRetryable(err), "HTTP status responses are terminal")
}

func TestTransportErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := NewClient(config.ExchangeConfig{InfoURL: server.URL}, logger.Discard())
	server.Close() // connection refused from here on

	_, err := client.GetAllMids(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}
