// Package binance implements the venue adapter: a REST client for candle
// history, 24h tickers and account balance, and a websocket stream manager
// with dynamic subscriptions and automatic reconnection.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"squeezebotv1/internal/model"
)

// Client talks to the venue's REST API.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	httpc     *http.Client
}

// NewClient creates a REST client. apiKey and apiSecret may be empty for
// unauthenticated use; only AccountBalanceUSDT needs them.
func NewClient(baseURL, apiKey, apiSecret string) *Client {
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpc:     &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchKlines returns closed candles for symbol/interval. When sinceTime is
// set, only candles opened strictly after it are requested so backfills
// never re-download the newest stored candle.
func (c *Client) FetchKlines(ctx context.Context, symbol, interval string, sinceTime int64, limit int) ([]model.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	if sinceTime > 0 {
		q.Set("startTime", strconv.FormatInt(sinceTime+1, 10))
	}

	var rows [][]interface{}
	if err := c.get(ctx, "/api/v3/klines", q, &rows); err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
	}

	candles := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		k, err := parseKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("parse kline for %s %s: %w", symbol, interval, err)
		}
		candles = append(candles, k)
	}
	return candles, nil
}

// FetchTicker24h returns the rolling 24h ticker for every listed pair.
func (c *Client) FetchTicker24h(ctx context.Context) ([]model.TickerEntry, error) {
	var rows []struct {
		Symbol      string `json:"symbol"`
		QuoteVolume string `json:"quoteVolume"`
		LastPrice   string `json:"lastPrice"`
	}
	if err := c.get(ctx, "/api/v3/ticker/24hr", nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch 24h tickers: %w", err)
	}

	out := make([]model.TickerEntry, 0, len(rows))
	for _, r := range rows {
		qv, _ := strconv.ParseFloat(r.QuoteVolume, 64)
		lp, _ := strconv.ParseFloat(r.LastPrice, 64)
		out = append(out, model.TickerEntry{Symbol: r.Symbol, QuoteVolume: qv, LastPrice: lp})
	}
	return out, nil
}

// Ping measures REST round-trip latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var empty struct{}
	if err := c.get(ctx, "/api/v3/ping", nil, &empty); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// AccountBalanceUSDT fetches the signed account endpoint and returns the
// free USDT balance.
func (c *Client) AccountBalanceUSDT(ctx context.Context) (float64, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return 0, errors.New("account query requires api credentials")
	}

	q := url.Values{}
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	q.Set("recvWindow", "5000")
	// The signature covers the exact query string and must come last.
	qs := q.Encode()
	signed := qs + "&signature=" + c.sign(qs)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/account?"+signed, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch account: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("fetch account: status %d: %s", resp.StatusCode, body)
	}

	var account struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return 0, fmt.Errorf("decode account: %w", err)
	}
	for _, b := range account.Balances {
		if b.Asset == "USDT" {
			return strconv.ParseFloat(b.Free, 64)
		}
	}
	return 0, errors.New("no USDT balance in account response")
}

func (c *Client) sign(queryString string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// parseKlineRow converts one REST kline row. The venue encodes times as
// numbers and prices as strings in a positional array.
func parseKlineRow(row []interface{}) (model.Candle, error) {
	if len(row) < 7 {
		return model.Candle{}, fmt.Errorf("kline row has %d fields", len(row))
	}
	openTime, ok1 := row[0].(float64)
	closeTime, ok2 := row[6].(float64)
	if !ok1 || !ok2 {
		return model.Candle{}, errors.New("kline row has non-numeric timestamps")
	}

	num := func(v interface{}) (float64, error) {
		s, ok := v.(string)
		if !ok {
			return 0, fmt.Errorf("expected string price, got %T", v)
		}
		return strconv.ParseFloat(s, 64)
	}

	var (
		k   model.Candle
		err error
	)
	k.OpenTime = int64(openTime)
	k.CloseTime = int64(closeTime)
	if k.Open, err = num(row[1]); err != nil {
		return model.Candle{}, err
	}
	if k.High, err = num(row[2]); err != nil {
		return model.Candle{}, err
	}
	if k.Low, err = num(row[3]); err != nil {
		return model.Candle{}, err
	}
	if k.Close, err = num(row[4]); err != nil {
		return model.Candle{}, err
	}
	if k.Volume, err = num(row[5]); err != nil {
		return model.Candle{}, err
	}
	return k, nil
}

var _ model.MarketData = (*Client)(nil)
