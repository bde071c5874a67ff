package model

import "time"

// Candle represents one closed OHLCV bucket for a trading pair on a fixed
// interval. Immutable once closed; ordered and unique per
// (symbol, interval, OpenTime).
type Candle struct {
	OpenTime  int64   `json:"openTime"` // bucket start, epoch milliseconds
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"closeTime"` // bucket end, epoch milliseconds
}

// OpenedAt returns the bucket start as a time.Time.
func (c *Candle) OpenedAt() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// Intervals the pipeline operates on, finest to coarsest.
const (
	Interval1m  = "1m"
	Interval5m  = "5m"
	Interval15m = "15m"
	Interval1h  = "1h"
	Interval4h  = "4h"
	Interval1d  = "1d"
)
