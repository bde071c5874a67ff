// Package scanner discovers the tradable universe from the venue's 24h
// ticker summary and keeps the bot's scanned-pair cache in sync with it:
// new symbols get hydrated and macro-qualified, vanished symbols are
// pruned, survivors get fresh price and volume.
package scanner

import (
	"context"
	"strings"
	"sync"
	"time"

	"squeezebotv1/config"
	"squeezebotv1/internal/logger"
	"squeezebotv1/internal/metrics"
	"squeezebotv1/internal/model"
	"squeezebotv1/internal/state"
)

// fiatBases are quote-like base assets excluded from discovery.
var fiatBases = map[string]struct{}{
	"EUR": {}, "GBP": {}, "JPY": {}, "AUD": {}, "CAD": {}, "CHF": {},
	"CNY": {}, "HKD": {}, "NZD": {}, "SEK": {}, "KRW": {}, "SGD": {},
	"NOK": {}, "MXN": {}, "INR": {}, "RUB": {}, "ZAR": {}, "TRY": {}, "BRL": {},
}

// Discovered is one symbol that passed the discovery filters.
type Discovered struct {
	Symbol      string
	Price       float64
	QuoteVolume float64
}

// Filter selects USDT pairs above the volume floor, dropping fiat bases and
// explicitly excluded pairs.
func Filter(tickers []model.TickerEntry, settings config.Settings) []Discovered {
	out := make([]Discovered, 0, len(tickers))
	for _, t := range tickers {
		if !strings.HasSuffix(t.Symbol, "USDT") {
			continue
		}
		base := strings.TrimSuffix(t.Symbol, "USDT")
		if _, fiat := fiatBases[base]; fiat {
			continue
		}
		if t.QuoteVolume <= settings.MinVolumeUSD {
			continue
		}
		if settings.IsExcluded(t.Symbol) {
			continue
		}
		out = append(out, Discovered{Symbol: t.Symbol, Price: t.LastPrice, QuoteVolume: t.QuoteVolume})
	}
	return out
}

// Qualifier runs the macro analysis for a freshly discovered symbol.
// Satisfied by the analyzer.
type Qualifier interface {
	HydrateSymbol(ctx context.Context, symbol, interval string)
	InitialAnalysis(symbol string) (trendOK bool, rsi1h *float64, ok bool)
	DropSymbol(symbol string)
}

// Refresher reconciles stream subscriptions after the universe changes.
type Refresher interface {
	Refresh()
}

// Service runs periodic discovery cycles.
type Service struct {
	bot       *state.Bot
	market    model.MarketData
	qualifier Qualifier
	refresher Refresher
	broadcast model.Broadcaster
	metrics   *metrics.Metrics
}

// NewService wires the scanner. metrics may be nil.
func NewService(bot *state.Bot, market model.MarketData, qualifier Qualifier, refresher Refresher, broadcast model.Broadcaster, m *metrics.Metrics) *Service {
	return &Service{
		bot:       bot,
		market:    market,
		qualifier: qualifier,
		refresher: refresher,
		broadcast: broadcast,
		metrics:   m,
	}
}

// Run performs one immediate cycle and then repeats on the configured
// interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.Cycle(ctx)
	for {
		interval := time.Duration(s.bot.Settings().ScannerIntervalSecs) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			s.Cycle(ctx)
		}
	}
}

// Cycle runs one discovery pass.
func (s *Service) Cycle(ctx context.Context) {
	if !s.bot.Running() {
		return
	}
	start := time.Now()

	tickers, err := s.market.FetchTicker24h(ctx)
	if err != nil {
		logger.Eventf(s.broadcast, "ERROR", "scanner cycle failed: %v", err)
		return
	}
	discovered := Filter(tickers, s.bot.Settings())
	logger.Eventf(s.broadcast, "SCANNER", "discovered %d pairs meeting volume and exclusion criteria", len(discovered))

	discoveredSet := make(map[string]Discovered, len(discovered))
	for _, d := range discovered {
		discoveredSet[d.Symbol] = d
	}

	// Hydrate newcomers before they enter the cache so the macro analysis
	// has data to work with.
	var fresh []string
	s.bot.View(func(d *state.Data) {
		for sym := range discoveredSet {
			if _, ok := d.Pairs[sym]; !ok {
				fresh = append(fresh, sym)
			}
		}
	})
	if len(fresh) > 0 {
		logger.Eventf(s.broadcast, "SCANNER", "hydrating %d new pairs", len(fresh))
		s.hydrateAll(ctx, fresh)
	}

	var dropped []string
	s.bot.Update(func(d *state.Data) {
		for sym := range d.Pairs {
			if _, ok := discoveredSet[sym]; !ok {
				delete(d.Pairs, sym)
				delete(d.Hotlist, sym)
				dropped = append(dropped, sym)
			}
		}
		for sym, disc := range discoveredSet {
			if p, ok := d.Pairs[sym]; ok {
				p.Price = disc.Price
				p.QuoteVolume = disc.QuoteVolume
			}
		}
	})
	for _, sym := range dropped {
		s.qualifier.DropSymbol(sym)
	}

	// Macro-qualify newcomers outside the lock, then admit them.
	for _, sym := range fresh {
		disc := discoveredSet[sym]
		trendOK, rsi, ok := s.qualifier.InitialAnalysis(sym)
		if !ok {
			continue
		}
		pair := &model.ScannedPair{
			Symbol:             sym,
			Price:              disc.Price,
			QuoteVolume:        disc.QuoteVolume,
			PriceDirection:     "neutral",
			PriceAboveEMA50_4h: trendOK,
			RSI1h:              rsi,
			Score:              model.ScoreHold,
			ScoreValue:         50,
		}
		s.bot.Update(func(d *state.Data) {
			d.Pairs[sym] = pair
		})
	}

	if s.refresher != nil {
		s.refresher.Refresh()
	}
	if s.broadcast != nil {
		s.broadcast.Broadcast(model.Event{Type: model.EventFullScannerList, Payload: s.bot.PairsSnapshot()})
	}
	if s.metrics != nil {
		s.metrics.ScanCycles.Inc()
		s.metrics.ScanCycleDur.Observe(time.Since(start).Seconds())
	}
}

// hydrateAll backfills every analysis interval for the given symbols with
// bounded concurrency to stay inside venue rate limits.
func (s *Service) hydrateAll(ctx context.Context, symbols []string) {
	intervals := []string{model.Interval4h, model.Interval1h, model.Interval15m, model.Interval1m}

	sem := make(chan struct{}, 8)
	var wg sync.WaitGroup
	for _, sym := range symbols {
		for _, iv := range intervals {
			wg.Add(1)
			sem <- struct{}{}
			go func(sym, iv string) {
				defer wg.Done()
				defer func() { <-sem }()
				s.qualifier.HydrateSymbol(ctx, sym, iv)
			}(sym, iv)
		}
	}
	wg.Wait()
}
