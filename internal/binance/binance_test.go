package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squeezebotv1/internal/model"
)

func TestParseKlineRow(t *testing.T) {
	row := []interface{}{
		float64(1700000000000), "100.5", "101.2", "99.8", "100.9", "1234.5",
		float64(1700000059999), "124000", float64(42), "600", "60000", "0",
	}
	k, err := parseKlineRow(row)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), k.OpenTime)
	assert.Equal(t, int64(1700000059999), k.CloseTime)
	assert.Equal(t, 100.5, k.Open)
	assert.Equal(t, 101.2, k.High)
	assert.Equal(t, 99.8, k.Low)
	assert.Equal(t, 100.9, k.Close)
	assert.Equal(t, 1234.5, k.Volume)
}

func TestParseKlineRowRejectsMalformed(t *testing.T) {
	_, err := parseKlineRow([]interface{}{float64(1), "100"})
	assert.Error(t, err, "short row")

	_, err = parseKlineRow([]interface{}{
		"not-a-number", "1", "1", "1", "1", "1", float64(2),
	})
	assert.Error(t, err, "non-numeric open time")

	_, err = parseKlineRow([]interface{}{
		float64(1), float64(100), "1", "1", "1", "1", float64(2),
	})
	assert.Error(t, err, "numeric price where string expected")
}

func TestFetchKlinesRequestsStrictlyAfterSince(t *testing.T) {
	var gotStart string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "15m", r.URL.Query().Get("interval"))
		gotStart = r.URL.Query().Get("startTime")
		w.Write([]byte(`[[1700000000000,"1","2","0.5","1.5","10",1700000899999,"15",5,"5","7.5","0"]]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	candles, err := c.FetchKlines(context.Background(), "BTCUSDT", "15m", 1699999999999, 200)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", gotStart, "startTime excludes the newest stored candle")
	require.Len(t, candles, 1)
	assert.Equal(t, 1.5, candles[0].Close)
}

func TestFetchTicker24h(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","quoteVolume":"123456789.5","lastPrice":"65000.1"},
			{"symbol":"ETHBTC","quoteVolume":"99","lastPrice":"0.05"}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	out, err := c.FetchTicker24h(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, model.TickerEntry{Symbol: "BTCUSDT", QuoteVolume: 123456789.5, LastPrice: 65000.1}, out[0])
}

func TestAccountBalanceUSDT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/account", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		assert.NotEmpty(t, r.URL.Query().Get("timestamp"))
		w.Write([]byte(`{"balances":[
			{"asset":"BTC","free":"0.5","locked":"0"},
			{"asset":"USDT","free":"1234.56","locked":"10"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "test-secret")
	balance, err := c.AccountBalanceUSDT(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1234.56, balance)
}

func TestAccountBalanceRequiresCredentials(t *testing.T) {
	c := NewClient("http://unused", "", "")
	_, err := c.AccountBalanceUSDT(context.Background())
	assert.Error(t, err)
}

func TestDispatchKlineClosedOnly(t *testing.T) {
	m := NewStreamManager("ws://unused")
	var got []model.Candle
	m.OnKline = func(symbol, interval string, k model.Candle) {
		assert.Equal(t, "BTCUSDT", symbol)
		assert.Equal(t, "1m", interval)
		got = append(got, k)
	}

	open := []byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1,"T":2,"i":"1m","o":"1","c":"2","h":"3","l":"0.5","v":"9","x":false}}`)
	m.dispatch(open)
	assert.Empty(t, got, "forming candles are ignored")

	closed := []byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1,"T":2,"i":"1m","o":"1","c":"2","h":"3","l":"0.5","v":"9","x":true}}`)
	m.dispatch(closed)
	require.Len(t, got, 1)
	assert.Equal(t, model.Candle{OpenTime: 1, CloseTime: 2, Open: 1, High: 3, Low: 0.5, Close: 2, Volume: 9}, got[0])
}

func TestDispatchTicker(t *testing.T) {
	m := NewStreamManager("ws://unused")
	var symbol string
	var price, volume float64
	m.OnTicker = func(s string, p, qv float64) { symbol, price, volume = s, p, qv }

	m.dispatch([]byte(`{"e":"24hrTicker","s":"ETHUSDT","c":"3500.25","q":"987654.3"}`))
	assert.Equal(t, "ETHUSDT", symbol)
	assert.Equal(t, 3500.25, price)
	assert.Equal(t, 987654.3, volume)

	// Subscription acks and unknown events are silently ignored.
	m.dispatch([]byte(`{"result":null,"id":3}`))
	assert.Equal(t, "ETHUSDT", symbol)
}

func TestSetStreamsReconciles(t *testing.T) {
	m := NewStreamManager("ws://unused")

	m.SetStreams([]string{"btcusdt@ticker", "btcusdt@kline_15m"})
	m.SetStreams([]string{"btcusdt@ticker", "ethusdt@ticker"})

	got := m.Streams()
	sort.Strings(got)
	assert.Equal(t, []string{"btcusdt@ticker", "ethusdt@ticker"}, got)
}

func TestStreamNameHelpers(t *testing.T) {
	assert.Equal(t, "btcusdt@kline_1m", KlineStream("BTCUSDT", "1m"))
	assert.Equal(t, "ethusdt@ticker", TickerStream("ETHUSDT"))
}
