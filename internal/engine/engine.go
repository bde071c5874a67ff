// Package engine owns the trade lifecycle: risk-gated entry, the 1s
// monitoring loop that manages stops, targets, partial exits and trailing,
// and the close path that settles PnL back into the balance. All position
// and balance mutations happen inside the shared state's critical section;
// persistence and observer notification run after the lock is released.
package engine

import (
	"context"
	"fmt"
	"time"

	"squeezebotv1/internal/logger"
	"squeezebotv1/internal/metrics"
	"squeezebotv1/internal/model"
	"squeezebotv1/internal/state"
)

const monitorInterval = time.Second

// Engine opens, monitors, and closes positions.
type Engine struct {
	bot       *state.Bot
	store     model.TradeStore
	windows   model.MarketWindows
	broadcast model.Broadcaster
	metrics   *metrics.Metrics

	// nowFn is swappable for deterministic cooldown and timestamp tests.
	nowFn func() time.Time
}

// New wires the engine. metrics may be nil.
func New(bot *state.Bot, store model.TradeStore, windows model.MarketWindows, broadcast model.Broadcaster, m *metrics.Metrics) *Engine {
	return &Engine{
		bot:       bot,
		store:     store,
		windows:   windows,
		broadcast: broadcast,
		metrics:   m,
		nowFn:     time.Now,
	}
}

// Run drives the monitoring loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.MonitorAndManagePositions(ctx)
		}
	}
}

// EvaluateAndOpenTrade runs the full risk-gate chain for a triggered pair
// and opens a position when every gate passes. Returns true only when a
// position was actually opened.
func (e *Engine) EvaluateAndOpenTrade(pair model.ScannedPair, slReference float64, strategy string) bool {
	if !e.bot.Running() {
		return false
	}
	s := e.bot.Settings()

	if strategy == model.StrategyMacroMicro {
		if s.UseRSISafetyFilter && (pair.RSI1h == nil || *pair.RSI1h >= s.RSIOverboughtThreshold) {
			logger.Eventf(e.broadcast, "TRADE", "%s skipped: 1h RSI out of bounds", pair.Symbol)
			e.rejected("rsi")
			return false
		}
		if s.UseParabolicFilter && e.windows != nil {
			if w := e.windows.Klines1m(pair.Symbol); len(w) >= s.ParabolicFilterPeriodMin {
				startOpen := w[len(w)-s.ParabolicFilterPeriodMin].Open
				if startOpen > 0 {
					increasePct := (pair.Price - startOpen) / startOpen * 100
					if increasePct > s.ParabolicFilterThresholdPct {
						logger.Eventf(e.broadcast, "TRADE", "%s skipped: parabolic move of %.2f%% over %dm", pair.Symbol, increasePct, s.ParabolicFilterPeriodMin)
						e.rejected("parabolic")
						return false
					}
				}
			}
		}
	}

	var (
		opened bool
		gate   string
		trade  model.Position
		kv     map[string]string
		active []model.Position
	)
	now := e.nowFn()

	e.bot.Update(func(d *state.Data) {
		if d.CooldownActive(pair.Symbol, now) {
			if p, ok := d.Pairs[pair.Symbol]; ok {
				p.Score = model.ScoreCooldown
			}
			gate = "cooldown"
			return
		}
		if len(d.Positions) >= d.Settings.MaxOpenPositions || d.HasPosition(pair.Symbol) {
			gate = "capacity"
			return
		}

		entryPrice := pair.Price
		if entryPrice <= 0 {
			gate = "price"
			return
		}

		sizePct := d.Settings.PositionSizePct
		if d.Settings.UseDynamicPositionSizing && (pair.Score == model.ScoreStrongBuy || pair.Score == model.ScoreIgnition) {
			sizePct = d.Settings.StrongBuyPositionSizePct
		}
		positionSizeUSD := d.Balance * sizePct / 100
		if d.Balance < positionSizeUSD || positionSizeUSD <= 0 {
			gate = "balance"
			return
		}

		quantity := positionSizeUSD / entryPrice
		var stopLoss float64
		if d.Settings.UseATRStopLoss && pair.ATR15m != nil && strategy == model.StrategyMacroMicro {
			stopLoss = entryPrice - *pair.ATR15m*d.Settings.ATRMultiplier
		} else {
			stopLoss = slReference * (1 - d.Settings.StopLossPct/100)
		}

		riskPerUnit := entryPrice - stopLoss
		if riskPerUnit <= 0 {
			gate = "risk"
			return
		}
		takeProfit := entryPrice + riskPerUnit*(d.Settings.TakeProfitPct/d.Settings.StopLossPct)

		snapshot := pair
		pos := &model.Position{
			ID:              d.TradeIDCounter,
			Mode:            d.Mode,
			Symbol:          pair.Symbol,
			Side:            "BUY",
			EntryPrice:      entryPrice,
			Quantity:        quantity,
			InitialQuantity: quantity,
			StopLoss:        stopLoss,
			TakeProfit:      takeProfit,
			HighestPrice:    entryPrice,
			EntryTime:       now.UTC().Format(time.RFC3339),
			Status:          model.StatusFilled,
			Strategy:        strategy,
			InitialRiskUSD:  positionSizeUSD * (riskPerUnit / entryPrice),
			EntrySnapshot:   &snapshot,
		}
		d.TradeIDCounter++
		d.Positions = append(d.Positions, pos)
		d.Balance -= positionSizeUSD

		opened = true
		trade = *pos
		kv = d.PersistableState()
		active = d.PositionsCopy()
	})

	if !opened {
		switch gate {
		case "cooldown":
			logger.Eventf(e.broadcast, "TRADE", "%s skipped: recent loss cooldown", pair.Symbol)
		case "capacity":
			logger.Eventf(e.broadcast, "TRADE", "%s skipped: position limit reached or already open", pair.Symbol)
		case "price":
			logger.Eventf(e.broadcast, "ERROR", "%s skipped: invalid entry price %.8f", pair.Symbol, pair.Price)
		case "balance":
			logger.Eventf(e.broadcast, "WARN", "%s skipped: insufficient balance", pair.Symbol)
		case "risk":
			logger.Eventf(e.broadcast, "ERROR", "%s skipped: zero or negative risk per unit", pair.Symbol)
		}
		e.rejected(gate)
		return false
	}

	logger.Eventf(e.broadcast, "TRADE", "[%s] opening %s: qty=%.4f entry=%.8f sl=%.8f tp=%.8f",
		strategy, trade.Symbol, trade.Quantity, trade.EntryPrice, trade.StopLoss, trade.TakeProfit)
	if e.metrics != nil {
		e.metrics.TradesOpened.WithLabelValues(strategy).Inc()
	}
	e.persistState(kv, active, nil)
	e.notifyPositions()
	return true
}

// MonitorAndManagePositions runs one management pass over every open
// position against the live price cache: high-water mark, stop and target
// exits, partial take-profit, breakeven, and the two trailing modes.
func (e *Engine) MonitorAndManagePositions(ctx context.Context) {
	if !e.bot.Running() {
		return
	}

	// Ignition trailing needs the previous closed 1m low. Fetch windows
	// before taking the state lock.
	prevLows := make(map[string]float64)
	if e.windows != nil {
		for _, p := range e.bot.PositionsSnapshot() {
			if p.Strategy != model.StrategyIgnition {
				continue
			}
			if w := e.windows.Klines1m(p.Symbol); len(w) > 1 {
				prevLows[p.Symbol] = w[len(w)-2].Low
			}
		}
	}

	var (
		changed bool
		closed  []model.Position
		logs    []string
		kv      map[string]string
		active  []model.Position
	)
	now := e.nowFn()

	e.bot.Update(func(d *state.Data) {
		s := d.Settings
		for _, pos := range append([]*model.Position(nil), d.Positions...) {
			currentPrice, ok := d.Prices[pos.Symbol]
			if !ok || currentPrice <= 0 {
				continue
			}

			if currentPrice > pos.HighestPrice {
				pos.HighestPrice = currentPrice
				changed = true
			}

			// A tick through the stop or target settles at the trigger
			// level itself, not at the gapped print.
			if currentPrice <= pos.StopLoss {
				closed = append(closed, *e.closeLocked(d, pos, pos.StopLoss, "Stop Loss", now, &logs))
				changed = true
				continue
			}
			if currentPrice >= pos.TakeProfit {
				closed = append(closed, *e.closeLocked(d, pos, pos.TakeProfit, "Take Profit", now, &logs))
				changed = true
				continue
			}

			pnlPct := (currentPrice - pos.EntryPrice) / pos.EntryPrice * 100

			if s.UsePartialTakeProfit && !pos.PartialTPHit && pnlPct >= s.PartialTPTriggerPct {
				sellQty := pos.InitialQuantity * s.PartialTPSellQtyPct / 100
				saleProfit := (currentPrice - pos.EntryPrice) * sellQty
				pos.Quantity -= sellQty
				pos.RealizedPnL += saleProfit
				pos.PartialTPHit = true
				changed = true
				logs = append(logs, fmt.Sprintf("[%s] partial take-profit: sold %.0f%% at %.8f, realized %.2f", pos.Symbol, s.PartialTPSellQtyPct, currentPrice, saleProfit))
			}

			if s.UseAutoBreakeven && !pos.AtBreakeven && pnlPct >= s.BreakevenTriggerPct {
				feeAdj := 0.0
				if s.AdjustBreakevenForFees {
					feeAdj = s.TransactionFeePct / 100 * 2
				}
				pos.StopLoss = pos.EntryPrice * (1 + feeAdj)
				pos.AtBreakeven = true
				changed = true
				logs = append(logs, fmt.Sprintf("[%s] stop moved to breakeven at %.8f", pos.Symbol, pos.StopLoss))
			}

			if pos.Strategy == model.StrategyIgnition {
				if low, ok := prevLows[pos.Symbol]; ok && low > pos.StopLoss {
					pos.StopLoss = low
					changed = true
					logs = append(logs, fmt.Sprintf("[%s] ignition trailing stop raised to %.8f", pos.Symbol, low))
				}
			} else if s.UseTrailingStopLoss && pos.AtBreakeven {
				trailing := pos.HighestPrice * (1 - s.TrailingStopLossPct/100)
				if trailing > pos.StopLoss {
					pos.StopLoss = trailing
					changed = true
					logs = append(logs, fmt.Sprintf("[%s] trailing stop raised to %.8f", pos.Symbol, trailing))
				}
			}
		}

		if changed {
			kv = d.PersistableState()
			active = d.PositionsCopy()
		}
	})

	for _, line := range logs {
		logger.Eventf(e.broadcast, "TRADE", "%s", line)
	}
	if changed {
		e.persistState(kv, active, closed)
		e.notifyPositions()
	}
	e.recordGauges()
}

// CloseTrade closes one position at the given price, e.g. from the manual
// close endpoint. Returns the settled trade and whether the id was found.
func (e *Engine) CloseTrade(id int64, exitPrice float64, reason string) (model.Position, bool) {
	var (
		found  bool
		trade  model.Position
		logs   []string
		kv     map[string]string
		active []model.Position
	)
	now := e.nowFn()

	e.bot.Update(func(d *state.Data) {
		for _, pos := range d.Positions {
			if pos.ID == id {
				trade = *e.closeLocked(d, pos, exitPrice, reason, now, &logs)
				found = true
				break
			}
		}
		if found {
			kv = d.PersistableState()
			active = d.PositionsCopy()
		}
	})

	if !found {
		return model.Position{}, false
	}
	for _, line := range logs {
		logger.Eventf(e.broadcast, "TRADE", "%s", line)
	}
	e.persistState(kv, active, []model.Position{trade})
	e.notifyPositions()
	return trade, true
}

// closeLocked settles one position while the state lock is held: PnL over
// the initial quantity plus realized partials, balance credit, history
// append, and the loss cooldown. Log lines are collected for emission after
// the lock drops.
func (e *Engine) closeLocked(d *state.Data, pos *model.Position, exitPrice float64, reason string, now time.Time, logs *[]string) *model.Position {
	d.RemovePosition(pos.ID)

	pos.ExitPrice = exitPrice
	pos.ExitTime = now.UTC().Format(time.RFC3339)
	pos.Status = model.StatusClosed

	entryValue := pos.EntryPrice * pos.InitialQuantity
	exitValue := exitPrice * pos.InitialQuantity
	pnl := (exitValue - entryValue) + pos.RealizedPnL
	pos.PnL = pnl
	if entryValue > 0 {
		pos.PnLPct = pnl / entryValue * 100
	}

	d.Balance += entryValue + pnl
	d.History = append(d.History, *pos)

	if pnl < 0 && d.Settings.LossCooldownHours > 0 {
		until := now.Add(time.Duration(d.Settings.LossCooldownHours) * time.Hour)
		d.Cooldowns[pos.Symbol] = state.Cooldown{Until: until}
		*logs = append(*logs, fmt.Sprintf("[%s] placed on loss cooldown until %s", pos.Symbol, until.UTC().Format(time.RFC3339)))
	}

	*logs = append(*logs, fmt.Sprintf("[%s] closed %s: pnl %.2f (%.2f%%)", reason, pos.Symbol, pnl, pos.PnLPct))
	if e.metrics != nil {
		e.metrics.TradesClosed.WithLabelValues(reason).Inc()
	}
	return pos
}

// persistState mirrors the post-mutation state into storage: key-value bot
// state, the open-position snapshot, and any freshly closed trades. A
// persistence failure keeps the in-memory state authoritative; the next
// successful write converges the mirror.
func (e *Engine) persistState(kv map[string]string, active []model.Position, closed []model.Position) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if kv != nil {
		if err := e.store.SaveBotState(ctx, kv); err != nil {
			logger.Eventf(e.broadcast, "ERROR", "persist bot state: %v", err)
		}
	}
	if active != nil {
		if err := e.store.SaveActivePositions(ctx, active); err != nil {
			logger.Eventf(e.broadcast, "ERROR", "persist positions: %v", err)
		}
	}
	for _, t := range closed {
		if err := e.store.SaveTrade(ctx, t); err != nil {
			logger.Eventf(e.broadcast, "ERROR", "persist closed trade %d: %v", t.ID, err)
		}
	}
}

func (e *Engine) notifyPositions() {
	if e.broadcast != nil {
		e.broadcast.Broadcast(model.Event{Type: model.EventPositionsUpdated})
	}
}

func (e *Engine) rejected(gate string) {
	if e.metrics != nil && gate != "" {
		e.metrics.TradesRejected.WithLabelValues(gate).Inc()
	}
}

func (e *Engine) recordGauges() {
	if e.metrics == nil {
		return
	}
	e.bot.View(func(d *state.Data) {
		e.metrics.OpenPositions.Set(float64(len(d.Positions)))
		e.metrics.Balance.Set(d.Balance)
		e.metrics.HotlistSize.Set(float64(len(d.Hotlist)))
		e.metrics.ScannedPairs.Set(float64(len(d.Pairs)))
	})
}

