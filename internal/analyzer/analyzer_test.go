package analyzer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squeezebotv1/config"
	"squeezebotv1/internal/model"
	"squeezebotv1/internal/state"
)

type stubStore struct {
	mu      sync.Mutex
	windows map[string][]model.Candle
	saved   int
}

func (s *stubStore) SaveKlines(ctx context.Context, symbol, interval string, candles []model.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved += len(candles)
	return nil
}

func (s *stubStore) GetKlines(symbol, interval string, limit int) ([]model.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[symbol+"-"+interval], nil
}

func (s *stubStore) LatestKlineTime(symbol, interval string) (int64, error) { return 0, nil }

type stubMarket struct{}

func (stubMarket) FetchKlines(ctx context.Context, symbol, interval string, sinceTime int64, limit int) ([]model.Candle, error) {
	return nil, nil
}
func (stubMarket) FetchTicker24h(ctx context.Context) ([]model.TickerEntry, error) { return nil, nil }
func (stubMarket) Ping(ctx context.Context) (time.Duration, error)                 { return 0, nil }

type stubStreams struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (s *stubStreams) AddHotlistStream(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, symbol)
}

func (s *stubStreams) RemoveHotlistStream(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, symbol)
}

type stubBroadcaster struct {
	mu     sync.Mutex
	events []model.Event
}

func (b *stubBroadcaster) Broadcast(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *stubBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

type openCall struct {
	pair     model.ScannedPair
	slRef    float64
	strategy string
}

type stubOpener struct {
	mu     sync.Mutex
	calls  []openCall
	result bool
}

func (o *stubOpener) EvaluateAndOpenTrade(pair model.ScannedPair, slReference float64, strategy string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, openCall{pair, slReference, strategy})
	return o.result
}

func newTestAnalyzer(t *testing.T) (*Analyzer, *state.Bot, *stubStreams, *stubBroadcaster, *stubOpener) {
	t.Helper()
	bot := state.NewBot(config.DefaultSettings())
	streams := &stubStreams{}
	bc := &stubBroadcaster{}
	opener := &stubOpener{result: true}
	a := New(bot, &stubStore{windows: map[string][]model.Candle{}}, stubMarket{}, streams, bc)
	a.SetEngine(opener)
	return a, bot, streams, bc, opener
}

func setWindow(a *Analyzer, symbol, interval string, w []model.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.windows[symbol] == nil {
		a.windows[symbol] = make(map[string][]model.Candle)
	}
	a.windows[symbol][interval] = w
}

func mkCandles(closes []float64, volumes []float64) []model.Candle {
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		vol := 10.0
		if volumes != nil {
			vol = volumes[i]
		}
		out[i] = model.Candle{
			OpenTime:  int64(i) * 60_000,
			Open:      c,
			High:      c * 1.01,
			Low:       c * 0.99,
			Close:     c,
			Volume:    vol,
			CloseTime: int64(i)*60_000 + 59_999,
		}
	}
	return out
}

func TestHandleKlineRejectsOutOfOrder(t *testing.T) {
	a, _, _, _, _ := newTestAnalyzer(t)
	sym := "BTCUSDT"
	setWindow(a, sym, model.Interval1m, mkCandles([]float64{100, 101, 102}, nil))

	stale := model.Candle{OpenTime: 60_000, Close: 999}
	a.HandleKline(context.Background(), sym, model.Interval1m, stale)

	w := a.Klines1m(sym)
	require.Len(t, w, 3)
	assert.Equal(t, 102.0, w[2].Close, "stale candle must not alter the window")

	// Same open time replaces the newest entry.
	repl := model.Candle{OpenTime: 120_000, Close: 103, Volume: 5}
	a.HandleKline(context.Background(), sym, model.Interval1m, repl)
	w = a.Klines1m(sym)
	require.Len(t, w, 3)
	assert.Equal(t, 103.0, w[2].Close)
}

func TestHandleKlineCapsWindow(t *testing.T) {
	a, _, _, _, _ := newTestAnalyzer(t)
	sym := "ETHUSDT"
	closes := make([]float64, windowCap)
	for i := range closes {
		closes[i] = 100
	}
	setWindow(a, sym, model.Interval1m, mkCandles(closes, nil))

	next := model.Candle{OpenTime: int64(windowCap) * 60_000, Close: 101}
	a.HandleKline(context.Background(), sym, model.Interval1m, next)

	w := a.Klines1m(sym)
	assert.Len(t, w, windowCap)
	assert.Equal(t, 101.0, w[len(w)-1].Close)
}

func TestSqueezePromotesToHotlist(t *testing.T) {
	a, bot, streams, _, _ := newTestAnalyzer(t)
	sym := "SOLUSDT"

	bot.Update(func(d *state.Data) {
		d.Pairs[sym] = &model.ScannedPair{
			Symbol:             sym,
			Price:              105,
			PriceAboveEMA50_4h: true,
			Score:              model.ScoreHold,
		}
	})

	// Volatile history followed by a flat tail: the previous closed candle's
	// band width is zero, guaranteed to sit at or below the lower quartile.
	closes := make([]float64, 0, 46)
	for i := 0; i < 25; i++ {
		if i%2 == 0 {
			closes = append(closes, 100)
		} else {
			closes = append(closes, 110)
		}
	}
	for i := 0; i < 21; i++ {
		closes = append(closes, 105)
	}
	setWindow(a, sym, model.Interval15m, mkCandles(closes, nil))

	a.analyze15m(sym)

	bot.View(func(d *state.Data) {
		p := d.Pairs[sym]
		require.NotNil(t, p)
		assert.True(t, p.InSqueeze15m)
		assert.True(t, p.OnHotlist)
		require.NotNil(t, p.Bollinger15m)
		require.NotNil(t, p.ATR15m)
	})
	require.Len(t, streams.added, 1)
	assert.Equal(t, sym, streams.added[0])

	// A second pass with the same data must not re-subscribe.
	a.analyze15m(sym)
	assert.Len(t, streams.added, 1)
}

func TestNoSqueezeWithoutTrend(t *testing.T) {
	a, bot, streams, _, _ := newTestAnalyzer(t)
	sym := "DOGEUSDT"

	bot.Update(func(d *state.Data) {
		d.Pairs[sym] = &model.ScannedPair{Symbol: sym, Score: model.ScoreHold}
	})

	closes := make([]float64, 46)
	for i := range closes {
		closes[i] = 105
	}
	setWindow(a, sym, model.Interval15m, mkCandles(closes, nil))

	a.analyze15m(sym)

	bot.View(func(d *state.Data) {
		p := d.Pairs[sym]
		assert.True(t, p.InSqueeze15m, "flat closes are a squeeze")
		assert.False(t, p.OnHotlist, "squeeze without trend stays off the hotlist")
	})
	assert.Empty(t, streams.added)
}

func TestPrecisionTriggerOpensTrade(t *testing.T) {
	a, bot, streams, _, opener := newTestAnalyzer(t)
	sym := "LINKUSDT"

	bot.Update(func(d *state.Data) {
		d.Hotlist[sym] = struct{}{}
		d.Pairs[sym] = &model.ScannedPair{
			Symbol:    sym,
			Price:     119,
			OnHotlist: true,
			Score:     model.ScoreHold,
		}
	})

	closes := make([]float64, 20)
	vols := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i)
		vols[i] = 10
	}
	setWindow(a, sym, model.Interval1m, mkCandles(closes, vols))

	trigger := model.Candle{
		OpenTime: 20 * 60_000,
		Open:     119, High: 126, Low: 118.5, Close: 125,
		Volume: 30,
	}
	a.HandleKline(context.Background(), sym, model.Interval1m, trigger)

	require.Len(t, opener.calls, 1)
	call := opener.calls[0]
	assert.Equal(t, sym, call.pair.Symbol)
	assert.Equal(t, model.StrategyMacroMicro, call.strategy)
	assert.Equal(t, 118.5, call.slRef, "stop reference is the trigger candle low")

	bot.View(func(d *state.Data) {
		assert.False(t, d.Pairs[sym].OnHotlist, "opened symbol leaves the hotlist")
	})
	require.Len(t, streams.removed, 1)
}

func TestPrecisionTriggerNeedsVolume(t *testing.T) {
	a, bot, _, _, opener := newTestAnalyzer(t)
	sym := "LINKUSDT"

	bot.Update(func(d *state.Data) {
		d.Hotlist[sym] = struct{}{}
		d.Pairs[sym] = &model.ScannedPair{Symbol: sym, OnHotlist: true}
	})

	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	setWindow(a, sym, model.Interval1m, mkCandles(closes, nil))

	// Close above EMA9, but only 1.2x average volume.
	weak := model.Candle{OpenTime: 20 * 60_000, Close: 125, Low: 118, Volume: 12}
	a.HandleKline(context.Background(), sym, model.Interval1m, weak)

	assert.Empty(t, opener.calls)
}

func TestIgnitionTrigger(t *testing.T) {
	a, bot, _, _, opener := newTestAnalyzer(t)
	sym := "PEPEUSDT"

	settings := config.DefaultSettings()
	settings.UseIgnitionStrategy = true
	bot.SetSettings(settings)

	bot.Update(func(d *state.Data) {
		d.Pairs[sym] = &model.ScannedPair{Symbol: sym, Price: 1.0}
	})

	closes := make([]float64, 20)
	vols := make([]float64, 20)
	for i := range closes {
		closes[i] = 1.0
		vols[i] = 10
	}
	setWindow(a, sym, model.Interval1m, mkCandles(closes, vols))

	spike := model.Candle{
		OpenTime: 20 * 60_000,
		Open:     1.0, High: 1.06, Low: 0.99,
		Close:  1.0 * (1 + settings.IgnitionPriceAccelThresholdPct/100),
		Volume: 10*settings.IgnitionVolumeSpikeFactor + 1,
	}
	a.HandleKline(context.Background(), sym, model.Interval1m, spike)

	require.Len(t, opener.calls, 1)
	assert.Equal(t, model.StrategyIgnition, opener.calls[0].strategy)
}

func TestHandleTickerUpdatesPairAndBroadcasts(t *testing.T) {
	a, bot, _, bc, _ := newTestAnalyzer(t)
	sym := "BTCUSDT"

	bot.Update(func(d *state.Data) {
		d.Pairs[sym] = &model.ScannedPair{Symbol: sym, Price: 100}
	})

	a.HandleTicker(sym, 101, 5_000_000)

	price, ok := bot.Price(sym)
	require.True(t, ok)
	assert.Equal(t, 101.0, price)

	bot.View(func(d *state.Data) {
		p := d.Pairs[sym]
		assert.Equal(t, "up", p.PriceDirection)
		assert.Equal(t, 5_000_000.0, p.QuoteVolume)
	})
	assert.Contains(t, bc.types(), model.EventScannerUpdate)
	assert.Contains(t, bc.types(), model.EventPriceUpdate)
}

func TestInitialAnalysis(t *testing.T) {
	a, _, _, _, _ := newTestAnalyzer(t)
	sym := "AVAXUSDT"

	_, _, ok := a.InitialAnalysis(sym)
	assert.False(t, ok, "no windows yet")

	closes4h := make([]float64, 60)
	for i := range closes4h {
		closes4h[i] = 100 + float64(i)
	}
	closes1h := make([]float64, 30)
	for i := range closes1h {
		closes1h[i] = 100 + float64(i%5)
	}
	setWindow(a, sym, model.Interval4h, mkCandles(closes4h, nil))
	setWindow(a, sym, model.Interval1h, mkCandles(closes1h, nil))

	trendOK, rsi, ok := a.InitialAnalysis(sym)
	require.True(t, ok)
	assert.True(t, trendOK, "rising closes sit above EMA50")
	require.NotNil(t, rsi)
	assert.Greater(t, *rsi, 0.0)
	assert.LessOrEqual(t, *rsi, 100.0)
}
