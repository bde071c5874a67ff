package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squeezebotv1/config"
	"squeezebotv1/internal/model"
	"squeezebotv1/internal/state"
)

type stubCloser struct {
	id     int64
	price  float64
	reason string
	found  bool
}

func (c *stubCloser) CloseTrade(id int64, exitPrice float64, reason string) (model.Position, bool) {
	c.id, c.price, c.reason = id, exitPrice, reason
	if !c.found {
		return model.Position{}, false
	}
	return model.Position{ID: id, ExitPrice: exitPrice, Status: model.StatusClosed}, true
}

type stubTradeStore struct {
	kvSaves []map[string]string
}

func (s *stubTradeStore) SaveTrade(ctx context.Context, trade model.Position) error { return nil }
func (s *stubTradeStore) SaveActivePositions(ctx context.Context, positions []model.Position) error {
	return nil
}
func (s *stubTradeStore) SaveBotState(ctx context.Context, kv map[string]string) error {
	s.kvSaves = append(s.kvSaves, kv)
	return nil
}

type stubCleaner struct {
	history, positions int
}

func (c *stubCleaner) ClearTradeHistory(ctx context.Context) error {
	c.history++
	return nil
}
func (c *stubCleaner) ClearActivePositions(ctx context.Context) error {
	c.positions++
	return nil
}

type stubAccount struct {
	balance float64
	err     error
}

func (a *stubAccount) AccountBalanceUSDT(ctx context.Context) (float64, error) {
	return a.balance, a.err
}

type stubBroadcaster struct {
	events []model.Event
}

func (b *stubBroadcaster) Broadcast(ev model.Event) { b.events = append(b.events, ev) }

func (b *stubBroadcaster) types() []string {
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	bot       *state.Bot
	closer    *stubCloser
	store     *stubTradeStore
	cleaner   *stubCleaner
	account   *stubAccount
	broadcast *stubBroadcaster
	mux       *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bot:       state.NewBot(config.DefaultSettings()),
		closer:    &stubCloser{found: true},
		store:     &stubTradeStore{},
		cleaner:   &stubCleaner{},
		account:   &stubAccount{},
		broadcast: &stubBroadcaster{},
	}
	srv := NewServer(f.bot, Options{
		Closer:    f.closer,
		Store:     f.store,
		Cleaner:   f.cleaner,
		Account:   f.account,
		Broadcast: f.broadcast,
	})
	f.mux = srv.Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusVirtualMode(t *testing.T) {
	f := newFixture(t)
	f.bot.Update(func(d *state.Data) {
		d.Pairs["BTCUSDT"] = &model.ScannedPair{Symbol: "BTCUSDT", ScoreValue: 100}
		d.Pairs["ETHUSDT"] = &model.ScannedPair{Symbol: "ETHUSDT", ScoreValue: 50}
		d.Positions = append(d.Positions, &model.Position{ID: 1, Symbol: "SOLUSDT"})
	})
	f.account.balance = 99999 // must be ignored in VIRTUAL mode

	rec := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Mode           string   `json:"mode"`
		Balance        float64  `json:"balance"`
		Positions      int      `json:"positions"`
		MonitoredPairs int      `json:"monitored_pairs"`
		TopPairs       []string `json:"top_pairs"`
		MaxOpen        int      `json:"max_open_positions"`
	}
	decode(t, rec, &got)
	assert.Equal(t, state.ModeVirtual, got.Mode)
	assert.Equal(t, 10000.0, got.Balance)
	assert.Equal(t, 1, got.Positions)
	assert.Equal(t, 2, got.MonitoredPairs)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got.TopPairs)
	assert.Equal(t, 5, got.MaxOpen)
}

func TestStatusRealModeUsesVenueBalance(t *testing.T) {
	f := newFixture(t)
	f.bot.SetMode(state.ModeRealPaper)
	f.account.balance = 5000

	rec := f.do(t, http.MethodGet, "/api/status", nil)
	var got map[string]interface{}
	decode(t, rec, &got)
	assert.Equal(t, 5000.0, got["balance"])

	// A venue error falls back to the internal balance.
	f.account.err = errors.New("timeout")
	rec = f.do(t, http.MethodGet, "/api/status", nil)
	decode(t, rec, &got)
	assert.Equal(t, 10000.0, got["balance"])
}

func TestPositionsAugmentedWithLivePnL(t *testing.T) {
	f := newFixture(t)
	f.bot.Update(func(d *state.Data) {
		d.Positions = append(d.Positions,
			&model.Position{ID: 1, Symbol: "BTCUSDT", EntryPrice: 100, Quantity: 2},
			&model.Position{ID: 2, Symbol: "ETHUSDT", EntryPrice: 50, Quantity: 4},
		)
		d.Prices["BTCUSDT"] = 105
	})

	rec := f.do(t, http.MethodGet, "/api/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []struct {
		ID           int64   `json:"id"`
		CurrentPrice float64 `json:"current_price"`
		LivePnL      float64 `json:"live_pnl"`
		LivePnLPct   float64 `json:"live_pnl_pct"`
	}
	decode(t, rec, &got)
	require.Len(t, got, 2)
	assert.Equal(t, 105.0, got[0].CurrentPrice)
	assert.InDelta(t, 10.0, got[0].LivePnL, 1e-9)
	assert.InDelta(t, 5.0, got[0].LivePnLPct, 1e-9)
	// No ticker seen yet: falls back to entry, flat PnL.
	assert.Equal(t, 50.0, got[1].CurrentPrice)
	assert.Zero(t, got[1].LivePnL)
}

func TestPerformanceStats(t *testing.T) {
	f := newFixture(t)
	f.bot.Update(func(d *state.Data) {
		d.History = append(d.History,
			model.Position{ID: 1, PnL: 10, PnLPct: 5},
			model.Position{ID: 2, PnL: -4, PnLPct: -2},
			model.Position{ID: 3, PnL: 6, PnLPct: 3},
		)
	})

	rec := f.do(t, http.MethodGet, "/api/performance-stats", nil)
	var got struct {
		TotalTrades   int     `json:"total_trades"`
		WinningTrades int     `json:"winning_trades"`
		LosingTrades  int     `json:"losing_trades"`
		TotalPnL      float64 `json:"total_pnl"`
		WinRate       float64 `json:"win_rate"`
		AvgPnLPct     float64 `json:"avg_pnl_pct"`
	}
	decode(t, rec, &got)
	assert.Equal(t, 3, got.TotalTrades)
	assert.Equal(t, 2, got.WinningTrades)
	assert.Equal(t, 1, got.LosingTrades)
	assert.InDelta(t, 12.0, got.TotalPnL, 1e-9)
	assert.InDelta(t, 66.666, got.WinRate, 0.01)
	assert.InDelta(t, 2.0, got.AvgPnLPct, 1e-9)
}

func TestCloseTradeUsesCachedPrice(t *testing.T) {
	f := newFixture(t)
	f.bot.Update(func(d *state.Data) {
		d.Positions = append(d.Positions, &model.Position{ID: 7, Symbol: "BTCUSDT", EntryPrice: 100})
		d.Prices["BTCUSDT"] = 103
	})

	rec := f.do(t, http.MethodPost, "/api/close-trade/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), f.closer.id)
	assert.Equal(t, 103.0, f.closer.price)
	assert.Equal(t, "Manual Close", f.closer.reason)
}

func TestCloseTradeFallsBackToEntryPrice(t *testing.T) {
	f := newFixture(t)
	f.bot.Update(func(d *state.Data) {
		d.Positions = append(d.Positions, &model.Position{ID: 3, Symbol: "XRPUSDT", EntryPrice: 0.5})
	})

	rec := f.do(t, http.MethodPost, "/api/close-trade/3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.5, f.closer.price)
}

func TestCloseTradeErrors(t *testing.T) {
	f := newFixture(t)
	f.closer.found = false

	rec := f.do(t, http.MethodPost, "/api/close-trade/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/close-trade/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/close-trade/1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStartStopPersistState(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/bot/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.bot.Running())

	rec = f.do(t, http.MethodPost, "/api/bot/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.bot.Running())

	require.Len(t, f.store.kvSaves, 2)
	assert.Equal(t, "false", f.store.kvSaves[0]["isRunning"])
	assert.Equal(t, "true", f.store.kvSaves[1]["isRunning"])
}

func TestModeValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/mode", map[string]string{"mode": "YOLO"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, state.ModeVirtual, f.bot.Mode())

	rec = f.do(t, http.MethodPost, "/api/mode", map[string]string{"mode": state.ModeRealLive})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, state.ModeRealLive, f.bot.Mode())
	require.Len(t, f.store.kvSaves, 1)
	assert.Equal(t, state.ModeRealLive, f.store.kvSaves[0]["tradingMode"])

	rec = f.do(t, http.MethodGet, "/api/mode", nil)
	assert.JSONEq(t, `{"mode":"REAL_LIVE"}`, rec.Body.String())
}

func TestSettingsUpdateResetsVirtualBalance(t *testing.T) {
	f := newFixture(t)

	updated := config.DefaultSettings()
	updated.InitialVirtualBalance = 25000
	rec := f.do(t, http.MethodPost, "/api/settings", updated)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 25000.0, f.bot.Balance())
	assert.Equal(t, 25000.0, f.bot.Settings().InitialVirtualBalance)
	assert.Contains(t, f.broadcast.types(), model.EventPositionsUpdated)
}

func TestSettingsUpdateRejectsInvalid(t *testing.T) {
	f := newFixture(t)

	bad := config.DefaultSettings()
	bad.MaxOpenPositions = 0
	rec := f.do(t, http.MethodPost, "/api/settings", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 5, f.bot.Settings().MaxOpenPositions)

	req := httptest.NewRequest(http.MethodPost, "/api/settings", bytes.NewBufferString("{not json"))
	rec2 := httptest.NewRecorder()
	f.mux.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestSettingsGet(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got config.Settings
	decode(t, rec, &got)
	assert.Equal(t, config.DefaultSettings().MinVolumeUSD, got.MinVolumeUSD)
}

func TestClearData(t *testing.T) {
	f := newFixture(t)
	f.bot.Update(func(d *state.Data) {
		d.Positions = append(d.Positions, &model.Position{ID: 1})
		d.History = append(d.History, model.Position{ID: 2})
		d.Balance = 42
		d.TradeIDCounter = 9
	})

	rec := f.do(t, http.MethodPost, "/api/clear-data", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	f.bot.View(func(d *state.Data) {
		assert.Empty(t, d.Positions)
		assert.Empty(t, d.History)
		assert.Equal(t, 10000.0, d.Balance)
		assert.Equal(t, int64(1), d.TradeIDCounter)
	})
	assert.Equal(t, 1, f.cleaner.history)
	assert.Equal(t, 1, f.cleaner.positions)
	assert.Contains(t, f.broadcast.types(), model.EventPositionsUpdated)
}
