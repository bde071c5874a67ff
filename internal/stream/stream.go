// Package stream derives the desired websocket subscription set from the
// bot's current scanner universe, open positions, and hotlist, and applies
// it to the venue stream manager. It also implements the hotlist's dynamic
// 1m stream membership.
package stream

import (
	"context"
	"log"

	"squeezebotv1/internal/binance"
	"squeezebotv1/internal/model"
	"squeezebotv1/internal/state"
)

// Transport is the subset of the venue stream manager used here.
type Transport interface {
	SetStreams(desired []string)
	Subscribe(streams ...string)
	Unsubscribe(streams ...string)
}

// Hydrator backfills a symbol/interval window. Satisfied by the analyzer.
type Hydrator interface {
	HydrateSymbol(ctx context.Context, symbol, interval string)
}

// Manager reconciles subscriptions with bot state.
type Manager struct {
	bot       *state.Bot
	transport Transport
	hydrator  Hydrator
}

// NewManager creates a subscription manager.
func NewManager(bot *state.Bot, transport Transport, hydrator Hydrator) *Manager {
	return &Manager{bot: bot, transport: transport, hydrator: hydrator}
}

// SetHydrator wires the backfill source after construction. The analyzer
// needs the manager for hotlist stream control and the manager needs the
// analyzer for hydration, so one of the two is attached late.
func (m *Manager) SetHydrator(h Hydrator) {
	m.hydrator = h
}

// Refresh recomputes the full desired stream set and reconciles it. Every
// tracked or held symbol gets a ticker stream; squeeze mode adds 15m klines
// for the scanner universe and 1m klines for the hotlist, ignition mode
// subscribes 1m klines for the whole universe instead.
func (m *Manager) Refresh() {
	var desired []string
	m.bot.View(func(d *state.Data) {
		tickers := make(map[string]struct{}, len(d.Pairs)+len(d.Positions))
		for sym := range d.Pairs {
			tickers[sym] = struct{}{}
		}
		for _, p := range d.Positions {
			tickers[p.Symbol] = struct{}{}
		}
		for sym := range tickers {
			desired = append(desired, binance.TickerStream(sym))
		}

		if d.Settings.UseIgnitionStrategy {
			for sym := range d.Pairs {
				desired = append(desired, binance.KlineStream(sym, model.Interval1m))
			}
		} else {
			for sym := range d.Pairs {
				desired = append(desired, binance.KlineStream(sym, model.Interval15m))
			}
			for sym := range d.Hotlist {
				desired = append(desired, binance.KlineStream(sym, model.Interval1m))
			}
		}
	})

	m.transport.SetStreams(desired)
	log.Printf("[stream] subscription set refreshed: %d streams", len(desired))
}

// AddHotlistStream subscribes the symbol's 1m stream and kicks off its 1m
// hydration so the precision trigger has history to work with.
func (m *Manager) AddHotlistStream(symbol string) {
	already := false
	m.bot.Update(func(d *state.Data) {
		if _, ok := d.Hotlist[symbol]; ok {
			already = true
			return
		}
		d.Hotlist[symbol] = struct{}{}
	})
	if already {
		return
	}

	m.transport.Subscribe(binance.KlineStream(symbol, model.Interval1m))
	log.Printf("[stream] subscribed 1m stream for %s", symbol)
	if m.hydrator != nil {
		go m.hydrator.HydrateSymbol(context.Background(), symbol, model.Interval1m)
	}
}

// RemoveHotlistStream drops the symbol's 1m stream.
func (m *Manager) RemoveHotlistStream(symbol string) {
	present := false
	m.bot.Update(func(d *state.Data) {
		if _, ok := d.Hotlist[symbol]; ok {
			present = true
			delete(d.Hotlist, symbol)
		}
	})
	if !present {
		return
	}

	m.transport.Unsubscribe(binance.KlineStream(symbol, model.Interval1m))
	log.Printf("[stream] unsubscribed 1m stream for %s", symbol)
}

var _ model.StreamControl = (*Manager)(nil)
