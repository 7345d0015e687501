package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/avlonitis/vigil/internal/config"
)

// Client reads the venue's info endpoint. All calls POST a typed request to
// one URL; numeric fields arrive as strings on the wire.
type Client struct {
	http   *resty.Client
	url    string
	wallet string
	log    zerolog.Logger
}

// NewClient creates an info client.
func NewClient(cfg config.ExchangeConfig, log zerolog.Logger) *Client {
	http := resty.New().
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   http,
		url:    cfg.InfoURL,
		wallet: cfg.WalletAddr,
		log:    log.With().Str("component", "exchange").Logger(),
	}
}

// GetAllMids returns the mid price for every listed symbol.
func (c *Client) GetAllMids(ctx context.Context) (Mids, error) {
	var raw map[string]string
	if err := c.post(ctx, map[string]interface{}{"type": "allMids"}, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch mids: %w", err)
	}

	mids := make(Mids, len(raw))
	for symbol, priceStr := range raw {
		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid mid %q for %s: %w", priceStr, symbol, err)
		}
		mids[symbol] = price
	}
	return mids, nil
}

type wirePosition struct {
	Position struct {
		Coin          string `json:"coin"`
		Szi           string `json:"szi"`
		EntryPx       string `json:"entryPx"`
		LiquidationPx string `json:"liquidationPx"`
		UnrealizedPnl string `json:"unrealizedPnl"`
		MarginUsed    string `json:"marginUsed"`
		Leverage      struct {
			Value float64 `json:"value"`
		} `json:"leverage"`
	} `json:"position"`
}

type wireClearinghouse struct {
	AssetPositions []wirePosition `json:"assetPositions"`
	MarginSummary  struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
		TotalNtlPos     string `json:"totalNtlPos"`
		Withdrawable    string `json:"withdrawable"`
	} `json:"marginSummary"`
}

// GetClearinghouseState returns the account's open positions and margin
// summary.
func (c *Client) GetClearinghouseState(ctx context.Context) (*ClearinghouseState, error) {
	var raw wireClearinghouse
	req := map[string]interface{}{"type": "clearinghouseState", "user": c.wallet}
	if err := c.post(ctx, req, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch clearinghouse state: %w", err)
	}

	state := &ClearinghouseState{}
	for _, wp := range raw.AssetPositions {
		p := AssetPosition{
			Symbol:   wp.Position.Coin,
			Leverage: wp.Position.Leverage.Value,
		}
		var err error
		if p.Size, err = parseFloat(wp.Position.Szi); err != nil {
			return nil, fmt.Errorf("position %s: %w", p.Symbol, err)
		}
		if p.EntryPrice, err = parseFloat(wp.Position.EntryPx); err != nil {
			return nil, fmt.Errorf("position %s: %w", p.Symbol, err)
		}
		if p.LiquidationPrice, err = parseFloat(wp.Position.LiquidationPx); err != nil {
			return nil, fmt.Errorf("position %s: %w", p.Symbol, err)
		}
		if p.UnrealizedPnL, err = parseFloat(wp.Position.UnrealizedPnl); err != nil {
			return nil, fmt.Errorf("position %s: %w", p.Symbol, err)
		}
		if p.MarginUsed, err = parseFloat(wp.Position.MarginUsed); err != nil {
			return nil, fmt.Errorf("position %s: %w", p.Symbol, err)
		}
		state.AssetPositions = append(state.AssetPositions, p)
	}

	ms := raw.MarginSummary
	var err error
	if state.MarginSummary.AccountValue, err = parseFloat(ms.AccountValue); err != nil {
		return nil, fmt.Errorf("margin summary: %w", err)
	}
	if state.MarginSummary.TotalMarginUsed, err = parseFloat(ms.TotalMarginUsed); err != nil {
		return nil, fmt.Errorf("margin summary: %w", err)
	}
	if state.MarginSummary.TotalNtlPos, err = parseFloat(ms.TotalNtlPos); err != nil {
		return nil, fmt.Errorf("margin summary: %w", err)
	}
	if state.MarginSummary.Withdrawable, err = parseFloat(ms.Withdrawable); err != nil {
		return nil, fmt.Errorf("margin summary: %w", err)
	}
	return state, nil
}

type wireMeta struct {
	Universe []struct {
		Name         string `json:"name"`
		SzDecimals   int    `json:"szDecimals"`
		MaxLeverage  int    `json:"maxLeverage"`
		OnlyIsolated bool   `json:"onlyIsolated"`
	} `json:"universe"`
}

type wireAssetCtx struct {
	Funding      string `json:"funding"`
	OpenInterest string `json:"openInterest"`
	MarkPx       string `json:"markPx"`
	MidPx        string `json:"midPx"`
	DayNtlVlm    string `json:"dayNtlVlm"`
}

// GetMetaAndAssetCtxs returns the asset universe and its index-aligned live
// contexts.
func (c *Client) GetMetaAndAssetCtxs(ctx context.Context) ([]AssetMeta, []AssetCtx, error) {
	var raw []json.RawMessage
	if err := c.post(ctx, map[string]interface{}{"type": "metaAndAssetCtxs"}, &raw); err != nil {
		return nil, nil, fmt.Errorf("failed to fetch meta and asset contexts: %w", err)
	}
	if len(raw) != 2 {
		return nil, nil, fmt.Errorf("unexpected metaAndAssetCtxs shape: %d elements", len(raw))
	}

	var meta wireMeta
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, nil, fmt.Errorf("failed to decode universe: %w", err)
	}
	var wireCtxs []wireAssetCtx
	if err := json.Unmarshal(raw[1], &wireCtxs); err != nil {
		return nil, nil, fmt.Errorf("failed to decode asset contexts: %w", err)
	}

	universe := make([]AssetMeta, len(meta.Universe))
	for i, u := range meta.Universe {
		universe[i] = AssetMeta{
			Name:         u.Name,
			SzDecimals:   u.SzDecimals,
			MaxLeverage:  u.MaxLeverage,
			OnlyIsolated: u.OnlyIsolated,
		}
	}

	ctxs := make([]AssetCtx, len(wireCtxs))
	for i, wc := range wireCtxs {
		var err error
		if ctxs[i].FundingRate, err = parseFloat(wc.Funding); err != nil {
			return nil, nil, fmt.Errorf("asset ctx %d: %w", i, err)
		}
		if ctxs[i].OpenInterest, err = parseFloat(wc.OpenInterest); err != nil {
			return nil, nil, fmt.Errorf("asset ctx %d: %w", i, err)
		}
		if ctxs[i].MarkPrice, err = parseFloat(wc.MarkPx); err != nil {
			return nil, nil, fmt.Errorf("asset ctx %d: %w", i, err)
		}
		if ctxs[i].MidPrice, err = parseFloat(wc.MidPx); err != nil {
			return nil, nil, fmt.Errorf("asset ctx %d: %w", i, err)
		}
		if ctxs[i].DayVolume, err = parseFloat(wc.DayNtlVlm); err != nil {
			return nil, nil, fmt.Errorf("asset ctx %d: %w", i, err)
		}
	}
	return universe, ctxs, nil
}

type wireOrder struct {
	Coin    string `json:"coin"`
	Side    string `json:"side"` // B = bid/buy, A = ask/sell
	LimitPx string `json:"limitPx"`
	Sz      string `json:"sz"`
	Oid     int64  `json:"oid"`
}

// GetOpenOrders returns the wallet's resting orders.
func (c *Client) GetOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	var raw []wireOrder
	req := map[string]interface{}{"type": "openOrders", "user": c.wallet}
	if err := c.post(ctx, req, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch open orders: %w", err)
	}

	orders := make([]OpenOrder, len(raw))
	for i, wo := range raw {
		side := "buy"
		if wo.Side == "A" {
			side = "sell"
		}
		orders[i] = OpenOrder{ID: wo.Oid, Symbol: wo.Coin, Side: side}
		var err error
		if orders[i].Price, err = parseFloat(wo.LimitPx); err != nil {
			return nil, fmt.Errorf("order %d: %w", wo.Oid, err)
		}
		if orders[i].Size, err = parseFloat(wo.Sz); err != nil {
			return nil, fmt.Errorf("order %d: %w", wo.Oid, err)
		}
	}
	return orders, nil
}

// post sends one info request and decodes the body into out. An HTTP error
// status becomes a StatusError, which the retry classifier treats as
// non-retryable.
func (c *Client) post(ctx context.Context, body interface{}, out interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(c.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &StatusError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseFloat tolerates the venue's empty strings for absent numerics.
func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric %q: %w", s, err)
	}
	return v, nil
}
