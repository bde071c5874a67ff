// Package indicator provides stateless indicator math over candle slices.
//
// Every function takes a window of values (oldest first) and returns either a
// series aligned to the tail of the input or a scalar. On insufficient data
// the result is nil or zero; callers check length thresholds, nothing panics.
package indicator

import "math"

// EMA returns the exponential moving average series for the given period.
// The first output value is the SMA of the first period inputs; the series is
// aligned so EMA(v, p)[len-1] corresponds to v[len(v)-1].
// Returns nil if len(values) < period.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, 0, len(values)-period+1)

	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	cur := seed / float64(period)
	out = append(out, cur)

	k := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		cur = v*k + cur*(1-k)
		out = append(out, cur)
	}
	return out
}

// RSI returns the Wilder-smoothed relative strength index series.
// Returns nil if len(values) < period+1.
func RSI(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period+1 {
		return nil
	}
	out := make([]float64, 0, len(values)-period)

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out = append(out, rsiValue(avgGain, avgLoss))

	p := float64(period)
	for i := period + 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		out = append(out, rsiValue(avgGain, avgLoss))
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR returns the Wilder-smoothed average true range series.
// Returns nil if the inputs hold fewer than period+1 candles or their
// lengths disagree.
func ATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	if period <= 0 || n < period+1 || len(highs) != n || len(lows) != n {
		return nil
	}

	// True range needs the prior close, so the TR series starts at index 1.
	trs := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		tr := highs[i] - lows[i]
		if hc := math.Abs(highs[i] - closes[i-1]); hc > tr {
			tr = hc
		}
		if lc := math.Abs(lows[i] - closes[i-1]); lc > tr {
			tr = lc
		}
		trs = append(trs, tr)
	}

	out := make([]float64, 0, len(trs)-period+1)
	var seed float64
	for _, tr := range trs[:period] {
		seed += tr
	}
	cur := seed / float64(period)
	out = append(out, cur)

	p := float64(period)
	for _, tr := range trs[period:] {
		cur = (cur*(p-1) + tr) / p
		out = append(out, cur)
	}
	return out
}

// Band is one Bollinger Band sample.
type Band struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Width returns the normalized band width (upper-lower)/middle.
// Returns 0 when the middle band is 0.
func (b Band) Width() float64 {
	if b.Middle == 0 {
		return 0
	}
	return (b.Upper - b.Lower) / b.Middle
}

// Bollinger returns the Bollinger Band series for the given period and
// standard-deviation multiplier. Returns nil if len(values) < period.
func Bollinger(values []float64, period int, stdDev float64) []Band {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]Band, 0, len(values)-period+1)
	for i := period; i <= len(values); i++ {
		window := values[i-period : i]

		var sum float64
		for _, v := range window {
			sum += v
		}
		mean := sum / float64(period)

		var variance float64
		for _, v := range window {
			d := v - mean
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(period))

		out = append(out, Band{
			Upper:  mean + stdDev*sd,
			Middle: mean,
			Lower:  mean - stdDev*sd,
		})
	}
	return out
}

// TrailingAvg returns the mean of the n values preceding the last element,
// excluding the last element itself. Used for trailing average volume where
// the current candle must not dilute its own spike.
// Returns (0, false) if len(values) < n+1.
func TrailingAvg(values []float64, n int) (float64, bool) {
	if n <= 0 || len(values) < n+1 {
		return 0, false
	}
	var sum float64
	for _, v := range values[len(values)-n-1 : len(values)-1] {
		sum += v
	}
	return sum / float64(n), true
}

// QuantileSorted returns the q-th quantile of an ascending-sorted sample
// using the floor(len*q) index rule. Returns 0 on an empty sample.
func QuantileSorted(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
