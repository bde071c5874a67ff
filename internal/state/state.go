// Package state holds the bot's shared mutable state in one explicit
// container. The analyzer, trading engine, scanner, and API all receive the
// same *Bot handle; every read or mutation runs inside View/Update so the
// whole structure behaves as a single critical section and a lost update
// cannot corrupt balance or position state.
package state

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"squeezebotv1/config"
	"squeezebotv1/internal/model"
)

// Trading modes.
const (
	ModeVirtual   = "VIRTUAL"
	ModeRealPaper = "REAL_PAPER"
	ModeRealLive  = "REAL_LIVE"
)

// Cooldown suppresses new entries on a symbol until the deadline.
type Cooldown struct {
	Until time.Time
}

// Data is the mutable content of the shared state. Only touch it inside
// Bot.Update or Bot.View.
type Data struct {
	Settings config.Settings

	Balance        float64
	TradeIDCounter int64
	Running        bool
	Mode           string

	Positions []*model.Position
	History   []model.Position

	Pairs     map[string]*model.ScannedPair
	Hotlist   map[string]struct{}
	Prices    map[string]float64
	Cooldowns map[string]Cooldown
}

// Bot guards Data with one lock.
type Bot struct {
	mu sync.RWMutex
	d  Data
}

// NewBot creates a state container seeded from settings.
func NewBot(settings config.Settings) *Bot {
	return &Bot{d: Data{
		Settings:       settings,
		Balance:        settings.InitialVirtualBalance,
		TradeIDCounter: 1,
		Running:        true,
		Mode:           ModeVirtual,
		Pairs:          make(map[string]*model.ScannedPair),
		Hotlist:        make(map[string]struct{}),
		Prices:         make(map[string]float64),
		Cooldowns:      make(map[string]Cooldown),
	}}
}

// Update runs fn while holding the write lock. fn must not block on I/O;
// collect persistence payloads inside and write them after Update returns.
func (b *Bot) Update(fn func(d *Data)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.d)
}

// View runs fn while holding the read lock. fn must not mutate Data.
func (b *Bot) View(fn func(d *Data)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn(&b.d)
}

// ── Convenience accessors ──

// Settings returns a snapshot of the current strategy settings.
func (b *Bot) Settings() config.Settings {
	var s config.Settings
	b.View(func(d *Data) { s = d.Settings })
	return s
}

// SetSettings swaps in a new settings snapshot.
func (b *Bot) SetSettings(s config.Settings) {
	b.Update(func(d *Data) { d.Settings = s })
}

// Balance returns the current account balance.
func (b *Bot) Balance() float64 {
	var v float64
	b.View(func(d *Data) { v = d.Balance })
	return v
}

// Running reports whether the bot accepts new work.
func (b *Bot) Running() bool {
	var v bool
	b.View(func(d *Data) { v = d.Running })
	return v
}

// SetRunning toggles the paused flag.
func (b *Bot) SetRunning(v bool) {
	b.Update(func(d *Data) { d.Running = v })
}

// Mode returns the trading mode.
func (b *Bot) Mode() string {
	var v string
	b.View(func(d *Data) { v = d.Mode })
	return v
}

// SetMode switches the trading mode.
func (b *Bot) SetMode(m string) {
	b.Update(func(d *Data) { d.Mode = m })
}

// Price returns the cached last price for symbol.
func (b *Bot) Price(symbol string) (float64, bool) {
	var p float64
	var ok bool
	b.View(func(d *Data) { p, ok = d.Prices[symbol] })
	return p, ok
}

// SetPrice updates the cached last price for symbol.
func (b *Bot) SetPrice(symbol string, price float64) {
	b.Update(func(d *Data) { d.Prices[symbol] = price })
}

// OnHotlist reports hotlist membership.
func (b *Bot) OnHotlist(symbol string) bool {
	var ok bool
	b.View(func(d *Data) { _, ok = d.Hotlist[symbol] })
	return ok
}

// HotlistSymbols returns the hotlist as a sorted slice.
func (b *Bot) HotlistSymbols() []string {
	var out []string
	b.View(func(d *Data) {
		for s := range d.Hotlist {
			out = append(out, s)
		}
	})
	sort.Strings(out)
	return out
}

// PairsSnapshot returns copies of all scanned pairs sorted by score value
// descending, symbol ascending on ties.
func (b *Bot) PairsSnapshot() []model.ScannedPair {
	var out []model.ScannedPair
	b.View(func(d *Data) {
		for _, p := range d.Pairs {
			out = append(out, *p)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScoreValue != out[j].ScoreValue {
			return out[i].ScoreValue > out[j].ScoreValue
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// PositionsSnapshot returns copies of all open positions.
func (b *Bot) PositionsSnapshot() []model.Position {
	var out []model.Position
	b.View(func(d *Data) { out = d.PositionsCopy() })
	return out
}

// HistorySnapshot returns copies of all closed trades, newest first.
func (b *Bot) HistorySnapshot() []model.Position {
	var out []model.Position
	b.View(func(d *Data) {
		out = make([]model.Position, len(d.History))
		copy(out, d.History)
	})
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// ── Data helpers, for use inside Update/View ──

// PositionsCopy returns value copies of the open positions.
func (d *Data) PositionsCopy() []model.Position {
	out := make([]model.Position, 0, len(d.Positions))
	for _, p := range d.Positions {
		out = append(out, *p)
	}
	return out
}

// HasPosition reports whether an open position exists on symbol.
func (d *Data) HasPosition(symbol string) bool {
	for _, p := range d.Positions {
		if p.Symbol == symbol {
			return true
		}
	}
	return false
}

// RemovePosition unlinks the position with the given id, preserving order.
func (d *Data) RemovePosition(id int64) (*model.Position, bool) {
	for i, p := range d.Positions {
		if p.ID == id {
			d.Positions = append(d.Positions[:i], d.Positions[i+1:]...)
			return p, true
		}
	}
	return nil, false
}

// CooldownActive reports whether symbol is under a loss cooldown, lazily
// dropping expired entries.
func (d *Data) CooldownActive(symbol string, now time.Time) bool {
	cd, ok := d.Cooldowns[symbol]
	if !ok {
		return false
	}
	if now.Before(cd.Until) {
		return true
	}
	delete(d.Cooldowns, symbol)
	return false
}

// PersistableState returns the key-value bot state the store mirrors.
func (d *Data) PersistableState() map[string]string {
	return map[string]string{
		"balance":        strconv.FormatFloat(d.Balance, 'f', -1, 64),
		"tradeIdCounter": strconv.FormatInt(d.TradeIDCounter, 10),
		"isRunning":      strconv.FormatBool(d.Running),
		"tradingMode":    d.Mode,
	}
}

// Restore applies a persisted key-value state, ignoring malformed entries.
func (d *Data) Restore(kv map[string]string) {
	if v, ok := kv["balance"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Balance = f
		}
	}
	if v, ok := kv["tradeIdCounter"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			d.TradeIDCounter = n
		}
	}
	if v, ok := kv["isRunning"]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			d.Running = b
		}
	}
	if v, ok := kv["tradingMode"]; ok && v != "" {
		d.Mode = v
	}
}
