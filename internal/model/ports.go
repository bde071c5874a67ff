package model

import (
	"context"
	"time"
)

// ── Port Interfaces ──
// These interfaces decouple the signal pipeline and trading engine from the
// concrete venue client, storage, and observer implementations.

// MarketData fetches candles and ticker summaries from the venue's REST API.
type MarketData interface {
	// FetchKlines returns closed candles for symbol/interval. When sinceTime
	// (epoch ms) is > 0 only candles opened strictly after it are returned.
	FetchKlines(ctx context.Context, symbol, interval string, sinceTime int64, limit int) ([]Candle, error)

	// FetchTicker24h returns the 24h rolling ticker for every listed pair.
	FetchTicker24h(ctx context.Context) ([]TickerEntry, error)

	// Ping measures round-trip latency to the venue.
	Ping(ctx context.Context) (time.Duration, error)
}

// KlineStore persists candle windows with per-interval retention pruning.
type KlineStore interface {
	// SaveKlines upserts candles and prunes past the interval's retention cap
	// in a single serialized transaction.
	SaveKlines(ctx context.Context, symbol, interval string, candles []Candle) error

	// GetKlines returns the most recent limit candles in ascending open time.
	// limit <= 0 selects the interval's configured cap.
	GetKlines(symbol, interval string, limit int) ([]Candle, error)

	// LatestKlineTime returns the newest stored open time, 0 if none.
	LatestKlineTime(symbol, interval string) (int64, error)
}

// TradeStore persists positions, closed trades, and key-value bot state.
type TradeStore interface {
	// SaveTrade upserts one closed trade record.
	SaveTrade(ctx context.Context, trade Position) error

	// SaveActivePositions replaces the open-position snapshot atomically.
	SaveActivePositions(ctx context.Context, positions []Position) error

	// SaveBotState upserts key-value bot state entries.
	SaveBotState(ctx context.Context, kv map[string]string) error
}

// Broadcaster pushes typed events to zero or more external observers.
type Broadcaster interface {
	Broadcast(ev Event)
}

// StreamControl handles hotlist-driven dynamic stream membership.
type StreamControl interface {
	// AddHotlistStream subscribes symbol's 1m stream and triggers hydration.
	AddHotlistStream(symbol string)

	// RemoveHotlistStream unsubscribes symbol's 1m stream.
	RemoveHotlistStream(symbol string)
}

// MarketWindows exposes read-only in-memory candle windows. The trading
// engine consumes it for the parabolic filter and ignition trailing stop
// instead of depending on the analyzer directly.
type MarketWindows interface {
	// Klines1m returns the in-memory 1m window for symbol, oldest first.
	// Returns nil if the symbol has no hydrated window.
	Klines1m(symbol string) []Candle
}

// TradeOpener is the analyzer's view of the trading engine, wired after both
// sides exist to break the construction cycle.
type TradeOpener interface {
	// EvaluateAndOpenTrade risk-gates and opens a position. Returns true if a
	// position was opened; expected rejections return false, never an error.
	EvaluateAndOpenTrade(pair ScannedPair, slReference float64, strategy string) bool
}
