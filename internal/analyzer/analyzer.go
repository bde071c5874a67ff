// Package analyzer maintains in-memory candle windows per symbol and
// interval and runs the multi-timeframe signal pipeline over them: macro
// qualification on 4h/1h data, squeeze detection on 15m closes, and the
// final 1m precision or ignition trigger that hands a candidate to the
// trading engine.
package analyzer

import (
	"context"
	"sort"
	"sync"

	"squeezebotv1/internal/indicator"
	"squeezebotv1/internal/logger"
	"squeezebotv1/internal/model"
	"squeezebotv1/internal/state"
)

// Squeeze detection parameters for the 15m Bollinger width history.
const (
	squeezeLookback   = 50
	squeezeQuantile   = 0.25
	minSqueezeSamples = 20
)

// windowCap bounds every in-memory candle window.
const windowCap = 201

// analysisLimits is how much history per interval gets loaded back into
// memory after hydration. The 15m window carries the most because squeeze
// detection needs a deep width history.
var analysisLimits = map[string]int{
	model.Interval1m:  100,
	model.Interval15m: 201,
	model.Interval1h:  100,
	model.Interval4h:  100,
}

// Analyzer owns the candle windows and turns closed candles and ticker
// ticks into pair-state updates and trade triggers.
type Analyzer struct {
	bot       *state.Bot
	store     model.KlineStore
	market    model.MarketData
	streams   model.StreamControl
	broadcast model.Broadcaster
	engine    model.TradeOpener

	mu        sync.Mutex
	windows   map[string]map[string][]model.Candle // symbol -> interval -> ascending candles
	hydrating map[string]struct{}                  // symbol-interval pairs with a fetch in flight
}

// New wires an analyzer against the shared state, persistence, and the
// venue client. The trading engine is attached later via SetEngine.
func New(bot *state.Bot, store model.KlineStore, market model.MarketData, streams model.StreamControl, broadcast model.Broadcaster) *Analyzer {
	return &Analyzer{
		bot:       bot,
		store:     store,
		market:    market,
		streams:   streams,
		broadcast: broadcast,
		windows:   make(map[string]map[string][]model.Candle),
		hydrating: make(map[string]struct{}),
	}
}

// SetEngine attaches the trading engine after construction. Both sides need
// the other, so wiring happens in two phases.
func (a *Analyzer) SetEngine(e model.TradeOpener) {
	a.engine = e
}

// Klines1m returns a copy of the in-memory 1m window for symbol.
func (a *Analyzer) Klines1m(symbol string) []model.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.windows[symbol][model.Interval1m]
	if len(w) == 0 {
		return nil
	}
	out := make([]model.Candle, len(w))
	copy(out, w)
	return out
}

// DropSymbol discards every in-memory window for a symbol that left the
// scanner universe.
func (a *Analyzer) DropSymbol(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.windows, symbol)
}

// HydrateSymbol backfills one symbol/interval window: fetch the candles
// missing since the newest stored open time, persist them, then reload the
// analysis window from storage. Concurrent calls for the same pair coalesce
// into one fetch.
func (a *Analyzer) HydrateSymbol(ctx context.Context, symbol, interval string) {
	key := symbol + "-" + interval

	a.mu.Lock()
	if _, busy := a.hydrating[key]; busy {
		a.mu.Unlock()
		return
	}
	a.hydrating[key] = struct{}{}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.hydrating, key)
		a.mu.Unlock()
	}()

	since, err := a.store.LatestKlineTime(symbol, interval)
	if err != nil {
		logger.Eventf(a.broadcast, "WARN", "hydrate %s %s: latest stored time: %v", symbol, interval, err)
	}

	fetched, err := a.market.FetchKlines(ctx, symbol, interval, since, windowCap)
	if err != nil {
		logger.Eventf(a.broadcast, "WARN", "hydrate %s %s: fetch klines: %v", symbol, interval, err)
	} else if len(fetched) > 0 {
		if err := a.store.SaveKlines(ctx, symbol, interval, fetched); err != nil {
			logger.Eventf(a.broadcast, "ERROR", "hydrate %s %s: persist klines: %v", symbol, interval, err)
		}
	}

	limit := analysisLimits[interval]
	if limit == 0 {
		limit = windowCap
	}
	window, err := a.store.GetKlines(symbol, interval, limit)
	if err != nil {
		logger.Eventf(a.broadcast, "ERROR", "hydrate %s %s: load window: %v", symbol, interval, err)
		return
	}

	a.mu.Lock()
	if a.windows[symbol] == nil {
		a.windows[symbol] = make(map[string][]model.Candle)
	}
	a.windows[symbol][interval] = window
	a.mu.Unlock()
}

// InitialAnalysis runs the macro qualification for a freshly discovered
// symbol: 4h close above EMA50 and the latest 1h RSI14. Returns ok=false
// when the windows are still too shallow to judge.
func (a *Analyzer) InitialAnalysis(symbol string) (trendOK bool, rsi1h *float64, ok bool) {
	a.mu.Lock()
	w4h := append([]model.Candle(nil), a.windows[symbol][model.Interval4h]...)
	w1h := append([]model.Candle(nil), a.windows[symbol][model.Interval1h]...)
	a.mu.Unlock()

	if len(w4h) < 51 || len(w1h) < 15 {
		return false, nil, false
	}

	closes4h := closePrices(w4h)
	ema50 := indicator.EMA(closes4h, 50)
	if len(ema50) == 0 {
		return false, nil, false
	}
	trendOK = closes4h[len(closes4h)-1] > ema50[len(ema50)-1]

	rsi := indicator.RSI(closePrices(w1h), 14)
	if len(rsi) > 0 {
		v := rsi[len(rsi)-1]
		rsi1h = &v
	}
	return trendOK, rsi1h, true
}

// HandleKline ingests one closed candle from the live stream. Out-of-order
// candles are dropped; a candle repeating the newest open time replaces it.
func (a *Analyzer) HandleKline(ctx context.Context, symbol, interval string, k model.Candle) {
	a.mu.Lock()
	w, hydrated := a.windows[symbol][interval]
	if !hydrated {
		a.mu.Unlock()
		go a.HydrateSymbol(ctx, symbol, interval)
		return
	}
	if n := len(w); n > 0 {
		last := w[n-1].OpenTime
		switch {
		case k.OpenTime == last:
			w[n-1] = k
		case k.OpenTime < last:
			a.mu.Unlock()
			return
		default:
			w = append(w, k)
		}
	} else {
		w = append(w, k)
	}
	if len(w) > windowCap {
		w = w[len(w)-windowCap:]
	}
	a.windows[symbol][interval] = w
	a.mu.Unlock()

	if err := a.store.SaveKlines(ctx, symbol, interval, []model.Candle{k}); err != nil {
		logger.Eventf(a.broadcast, "ERROR", "persist %s %s kline: %v", symbol, interval, err)
	}

	settings := a.bot.Settings()
	switch interval {
	case model.Interval15m:
		if !settings.UseIgnitionStrategy {
			a.analyze15m(symbol)
		}
	case model.Interval1m:
		if settings.UseIgnitionStrategy {
			a.analyze1mIgnition(symbol, k)
		} else {
			a.analyze1m(symbol, k)
		}
	}
}

// HandleTicker updates the live price cache and the scanned pair's price
// fields, then notifies observers.
func (a *Analyzer) HandleTicker(symbol string, price, quoteVolume float64) {
	var pairCopy *model.ScannedPair
	a.bot.Update(func(d *state.Data) {
		d.Prices[symbol] = price
		p, ok := d.Pairs[symbol]
		if !ok {
			return
		}
		switch {
		case price > p.Price:
			p.PriceDirection = "up"
		case price < p.Price:
			p.PriceDirection = "down"
		}
		p.Price = price
		if quoteVolume > 0 {
			p.QuoteVolume = quoteVolume
		}
		c := *p
		pairCopy = &c
	})

	if a.broadcast == nil {
		return
	}
	if pairCopy != nil {
		a.broadcast.Broadcast(model.Event{Type: model.EventScannerUpdate, Payload: *pairCopy})
	}
	a.broadcast.Broadcast(model.Event{Type: model.EventPriceUpdate, Payload: map[string]interface{}{
		"symbol": symbol,
		"price":  price,
	}})
}

// analyze15m recomputes the compression picture for a symbol on each closed
// 15m candle: ATR14, Bollinger 20/2, and whether the previous closed
// candle's band width sits in the bottom quartile of its recent history.
// Trend plus squeeze promotes the symbol to the hotlist.
func (a *Analyzer) analyze15m(symbol string) {
	a.mu.Lock()
	w := append([]model.Candle(nil), a.windows[symbol][model.Interval15m]...)
	a.mu.Unlock()
	if len(w) < 21 {
		return
	}

	closes := closePrices(w)
	highs := make([]float64, len(w))
	lows := make([]float64, len(w))
	for i := range w {
		highs[i] = w[i].High
		lows[i] = w[i].Low
	}

	bands := indicator.Bollinger(closes, 20, 2)
	atr := indicator.ATR(highs, lows, closes, 14)
	if len(bands) < 2 || len(atr) == 0 {
		return
	}

	widths := make([]float64, len(bands))
	for i, b := range bands {
		widths[i] = b.Width()
	}

	// Judge the previous closed candle so the verdict is stable within the
	// current bucket.
	prevIdx := len(widths) - 2
	start := prevIdx + 1 - squeezeLookback
	if start < 0 {
		start = 0
	}
	history := widths[start : prevIdx+1]

	inSqueeze := false
	if len(history) >= minSqueezeSamples {
		sorted := append([]float64(nil), history...)
		sort.Float64s(sorted)
		threshold := indicator.QuantileSorted(sorted, squeezeQuantile)
		inSqueeze = widths[prevIdx] <= threshold
	}

	settings := a.bot.Settings()
	lastBand := bands[len(bands)-1]
	lastATR := atr[len(atr)-1]

	var (
		pairCopy   model.ScannedPair
		havePair   bool
		wasHotlist bool
		nowHotlist bool
	)
	a.bot.Update(func(d *state.Data) {
		p, ok := d.Pairs[symbol]
		if !ok {
			return
		}
		havePair = true
		wasHotlist = p.OnHotlist

		atrVal := lastATR
		p.ATR15m = &atrVal
		p.Bollinger15m = &model.BollingerState{
			Upper:    lastBand.Upper,
			Middle:   lastBand.Middle,
			Lower:    lastBand.Lower,
			WidthPct: lastBand.Width() * 100,
		}
		p.InSqueeze15m = inSqueeze

		nowHotlist = p.PriceAboveEMA50_4h && inSqueeze
		p.OnHotlist = nowHotlist

		met := 0
		if p.PriceAboveEMA50_4h {
			met++
		}
		if inSqueeze {
			met++
		}
		if !settings.UseRSISafetyFilter || (p.RSI1h != nil && *p.RSI1h < settings.RSIOverboughtThreshold) {
			met++
		}
		p.ConditionsMetCount = met
		p.ScoreValue = float64(met) / 3 * 100
		if p.Score != model.ScoreStrongBuy && p.Score != model.ScoreIgnition {
			p.Score = model.ScoreHold
		}

		pairCopy = *p
	})
	if !havePair {
		return
	}

	if nowHotlist && !wasHotlist {
		logger.Eventf(a.broadcast, "SCANNER", "%s entered the hotlist (trend + squeeze)", symbol)
		if a.streams != nil {
			a.streams.AddHotlistStream(symbol)
		}
	} else if !nowHotlist && wasHotlist {
		logger.Eventf(a.broadcast, "SCANNER", "%s left the hotlist", symbol)
		if a.streams != nil {
			a.streams.RemoveHotlistStream(symbol)
		}
	}

	if a.broadcast != nil {
		a.broadcast.Broadcast(model.Event{Type: model.EventScannerUpdate, Payload: pairCopy})
	}
}

// analyze1m is the precision trigger for hotlisted symbols: a 1m close above
// EMA9 on volume at least 1.5x the trailing 20-candle average fires an entry
// attempt against the trading engine.
func (a *Analyzer) analyze1m(symbol string, k model.Candle) {
	if !a.bot.OnHotlist(symbol) {
		return
	}

	a.mu.Lock()
	w := append([]model.Candle(nil), a.windows[symbol][model.Interval1m]...)
	a.mu.Unlock()
	if len(w) < 21 {
		return
	}

	closes := closePrices(w)
	ema9 := indicator.EMA(closes, 9)
	if len(ema9) == 0 {
		return
	}
	volumes := make([]float64, len(w))
	for i := range w {
		volumes[i] = w[i].Volume
	}
	avgVol, ok := indicator.TrailingAvg(volumes, 20)
	if !ok {
		return
	}

	if !(k.Close > ema9[len(ema9)-1] && k.Volume > avgVol*1.5) {
		return
	}

	pair, havePair := a.markSignal(symbol, model.ScoreStrongBuy)
	if !havePair {
		return
	}
	logger.Eventf(a.broadcast, "TRADE", "%s STRONG BUY: 1m close %.8f above EMA9 on %.1fx volume", symbol, k.Close, k.Volume/avgVol)

	if a.engine == nil {
		return
	}
	if a.engine.EvaluateAndOpenTrade(pair, k.Low, model.StrategyMacroMicro) {
		a.bot.Update(func(d *state.Data) {
			if p, ok := d.Pairs[symbol]; ok {
				p.OnHotlist = false
			}
		})
		if a.streams != nil {
			a.streams.RemoveHotlistStream(symbol)
		}
	}
}

// analyze1mIgnition is the alternate trigger: a raw volume spike combined
// with price acceleration over a short window, no hotlist gate.
func (a *Analyzer) analyze1mIgnition(symbol string, k model.Candle) {
	settings := a.bot.Settings()

	a.mu.Lock()
	w := append([]model.Candle(nil), a.windows[symbol][model.Interval1m]...)
	a.mu.Unlock()
	if len(w) < 21 {
		return
	}

	volumes := make([]float64, len(w))
	for i := range w {
		volumes[i] = w[i].Volume
	}
	avgVol, ok := indicator.TrailingAvg(volumes, 20)
	if !ok {
		return
	}
	volumeSpike := k.Volume > avgVol*settings.IgnitionVolumeSpikeFactor

	period := settings.IgnitionPriceAccelPeriodMin
	priceAccel := false
	if period > 0 && len(w) >= period {
		startOpen := w[len(w)-period].Open
		if startOpen > 0 {
			changePct := (k.Close - startOpen) / startOpen * 100
			priceAccel = changePct >= settings.IgnitionPriceAccelThresholdPct
		}
	}

	if !volumeSpike || !priceAccel {
		return
	}

	pair, havePair := a.markSignal(symbol, model.ScoreIgnition)
	if !havePair {
		return
	}
	logger.Eventf(a.broadcast, "TRADE", "%s IGNITION: %.1fx volume spike with price acceleration", symbol, k.Volume/avgVol)

	if a.engine != nil {
		a.engine.EvaluateAndOpenTrade(pair, k.Low, model.StrategyIgnition)
	}
}

// markSignal stamps the score onto the pair and returns a snapshot of it.
func (a *Analyzer) markSignal(symbol, score string) (model.ScannedPair, bool) {
	var (
		pair model.ScannedPair
		ok   bool
	)
	a.bot.Update(func(d *state.Data) {
		p, found := d.Pairs[symbol]
		if !found {
			return
		}
		p.Score = score
		p.ScoreValue = 100
		pair = *p
		ok = true
	})
	if ok && a.broadcast != nil {
		a.broadcast.Broadcast(model.Event{Type: model.EventScannerUpdate, Payload: pair})
	}
	return pair, ok
}

func closePrices(w []model.Candle) []float64 {
	out := make([]float64, len(w))
	for i := range w {
		out[i] = w[i].Close
	}
	return out
}

var _ model.MarketWindows = (*Analyzer)(nil)
