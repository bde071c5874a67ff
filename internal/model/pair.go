package model

// Score labels assigned to a scanned pair by the signal pipeline.
const (
	ScoreHold      = "HOLD"
	ScoreStrongBuy = "STRONG BUY"
	ScoreIgnition  = "IGNITION"
	ScoreCooldown  = "COOLDOWN"
)

// BollingerState is the last computed 15m Bollinger snapshot for a pair.
type BollingerState struct {
	Upper    float64 `json:"upper"`
	Middle   float64 `json:"middle"`
	Lower    float64 `json:"lower"`
	WidthPct float64 `json:"width_pct"` // (upper-lower)/middle * 100
}

// ScannedPair is the per-symbol analysis snapshot maintained by the signal
// pipeline. Created when a symbol passes discovery filters, removed when it
// no longer does. Mutated in place by the analyzer, read by the trading
// engine and external observers.
type ScannedPair struct {
	Symbol         string  `json:"symbol"`
	Price          float64 `json:"price"`
	QuoteVolume    float64 `json:"volume"`
	PriceDirection string  `json:"priceDirection"` // up, down, neutral

	// Macro qualification (phase A)
	PriceAboveEMA50_4h bool     `json:"price_above_ema50_4h"`
	RSI1h              *float64 `json:"rsi_1h,omitempty"` // nil until computed

	// Compression qualification (phase B)
	ATR15m       *float64        `json:"atr_15m,omitempty"`
	Bollinger15m *BollingerState `json:"bollinger_bands_15m,omitempty"`
	InSqueeze15m bool            `json:"is_in_squeeze_15m"`
	OnHotlist    bool            `json:"is_on_hotlist"`

	Score              string  `json:"score"`
	ScoreValue         float64 `json:"score_value"`
	ConditionsMetCount int     `json:"conditions_met_count"`
}

// TickerEntry is one row of the venue's 24h ticker summary, used by the
// discovery scanner.
type TickerEntry struct {
	Symbol      string
	QuoteVolume float64
	LastPrice   float64
}
