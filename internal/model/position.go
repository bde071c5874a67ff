package model

// Position status values.
const (
	StatusFilled = "FILLED"
	StatusClosed = "CLOSED"
)

// Entry strategies.
const (
	StrategyMacroMicro = "MACRO_MICRO"
	StrategyIgnition   = "IGNITION"
)

// Position is one tracked trade. It is created by the trading engine on a
// valid trigger, mutated by the monitoring loop, and moved to trade history
// with StatusClosed on exit. The engine is the sole owner; the persistence
// layer only mirrors it.
type Position struct {
	ID              int64   `json:"id"`
	Mode            string  `json:"mode"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	EntryPrice      float64 `json:"entry_price"`
	Quantity        float64 `json:"quantity"`         // live quantity, reduced by partial exits
	InitialQuantity float64 `json:"initial_quantity"` // quantity at entry, never mutated
	StopLoss        float64 `json:"stop_loss"`
	TakeProfit      float64 `json:"take_profit"`
	HighestPrice    float64 `json:"highest_price_since_entry"`
	EntryTime       string  `json:"entry_time"` // RFC3339
	Status          string  `json:"status"`
	Strategy        string  `json:"strategy"`
	InitialRiskUSD  float64 `json:"initial_risk_usd"`
	AtBreakeven     bool    `json:"is_at_breakeven"`
	PartialTPHit    bool    `json:"partial_tp_hit"`
	RealizedPnL     float64 `json:"realized_pnl"` // accumulated from partial exits

	// Populated on close.
	ExitPrice float64 `json:"exit_price,omitempty"`
	ExitTime  string  `json:"exit_time,omitempty"`
	PnL       float64 `json:"pnl,omitempty"`
	PnLPct    float64 `json:"pnl_pct,omitempty"`

	EntrySnapshot *ScannedPair `json:"entry_snapshot,omitempty"`
}

// EntryNotional returns the position's notional at entry.
func (p *Position) EntryNotional() float64 {
	return p.EntryPrice * p.InitialQuantity
}
