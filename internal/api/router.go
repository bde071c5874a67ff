// Package api exposes the bot's HTTP surface: status, positions, history,
// scanner snapshots, manual trade control, and the dashboard websocket.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"squeezebotv1/config"
	"squeezebotv1/internal/logger"
	"squeezebotv1/internal/model"
	"squeezebotv1/internal/state"
)

// TradeCloser closes one open position at a given price.
type TradeCloser interface {
	CloseTrade(id int64, exitPrice float64, reason string) (model.Position, bool)
}

// AccountSource fetches the venue account balance for non-virtual modes.
type AccountSource interface {
	AccountBalanceUSDT(ctx context.Context) (float64, error)
}

// DataCleaner wipes persisted history and positions.
type DataCleaner interface {
	ClearTradeHistory(ctx context.Context) error
	ClearActivePositions(ctx context.Context) error
}

// WSHandler upgrades dashboard websocket connections.
type WSHandler interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Options carries the API server dependencies.
type Options struct {
	Closer       TradeCloser
	Store        model.TradeStore
	Cleaner      DataCleaner
	Account      AccountSource
	WS           WSHandler
	Broadcast    model.Broadcaster
	SettingsPath string
	// OnSettings runs after a settings update is applied, e.g. to refresh
	// stream subscriptions.
	OnSettings func(config.Settings)
}

// Server serves the REST API and websocket endpoint.
type Server struct {
	bot  *state.Bot
	opts Options
}

// NewServer creates the API server.
func NewServer(bot *state.Bot, opts Options) *Server {
	return &Server{bot: bot, opts: opts}
}

// Router sets up HTTP routes for the API server.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/performance-stats", s.handlePerformanceStats)
	mux.HandleFunc("/api/scanner", s.handleScanner)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/close-trade/", s.handleCloseTrade)
	mux.HandleFunc("/api/bot/start", s.handleStart)
	mux.HandleFunc("/api/bot/stop", s.handleStop)
	mux.HandleFunc("/api/mode", s.handleMode)
	mux.HandleFunc("/api/clear-data", s.handleClearData)

	if s.opts.WS != nil {
		mux.HandleFunc("/ws", s.opts.WS.ServeWS)
	}
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	var (
		mode      string
		balance   float64
		positions int
		maxOpen   int
	)
	s.bot.View(func(d *state.Data) {
		mode = d.Mode
		balance = d.Balance
		positions = len(d.Positions)
		maxOpen = d.Settings.MaxOpenPositions
	})
	pairs := s.bot.PairsSnapshot()

	// Real modes report the venue balance when reachable.
	if mode != state.ModeVirtual && s.opts.Account != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if real, err := s.opts.Account.AccountBalanceUSDT(ctx); err == nil {
			balance = real
		} else {
			log.Printf("[api] real balance unavailable, using internal value: %v", err)
		}
	}

	top := make([]string, 0, 15)
	for _, p := range pairs {
		if len(top) == 15 {
			break
		}
		top = append(top, p.Symbol)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":               mode,
		"balance":            balance,
		"positions":          positions,
		"monitored_pairs":    len(pairs),
		"top_pairs":          top,
		"max_open_positions": maxOpen,
	})
}

type livePosition struct {
	model.Position
	CurrentPrice float64 `json:"current_price"`
	LivePnL      float64 `json:"live_pnl"`
	LivePnLPct   float64 `json:"live_pnl_pct"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	out := make([]livePosition, 0)
	s.bot.View(func(d *state.Data) {
		for _, pos := range d.Positions {
			price, ok := d.Prices[pos.Symbol]
			if !ok || price <= 0 {
				price = pos.EntryPrice
			}
			pnl := (price - pos.EntryPrice) * pos.Quantity
			entryValue := pos.EntryPrice * pos.Quantity
			var pct float64
			if entryValue > 0 {
				pct = pnl / entryValue * 100
			}
			out = append(out, livePosition{
				Position:     *pos,
				CurrentPrice: price,
				LivePnL:      pnl,
				LivePnLPct:   pct,
			})
		}
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.bot.HistorySnapshot())
}

func (s *Server) handlePerformanceStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	history := s.bot.HistorySnapshot()
	var (
		winning, losing int
		totalPnL        float64
		pctSum          float64
	)
	for _, t := range history {
		totalPnL += t.PnL
		pctSum += t.PnLPct
		switch {
		case t.PnL > 0:
			winning++
		case t.PnL < 0:
			losing++
		}
	}
	total := len(history)
	var winRate, avgPct float64
	if total > 0 {
		winRate = float64(winning) / float64(total) * 100
		avgPct = pctSum / float64(total)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_trades":   total,
		"winning_trades": winning,
		"losing_trades":  losing,
		"total_pnl":      totalPnL,
		"win_rate":       winRate,
		"avg_pnl_pct":    avgPct,
	})
}

func (s *Server) handleScanner(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.bot.PairsSnapshot())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.bot.Settings())

	case http.MethodPost:
		updated := s.bot.Settings()
		oldInitial := updated.InitialVirtualBalance
		if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid settings payload"})
			return
		}
		if err := updated.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}

		var kv map[string]string
		balanceReset := false
		s.bot.Update(func(d *state.Data) {
			d.Settings = updated
			if d.Mode == state.ModeVirtual && updated.InitialVirtualBalance != oldInitial {
				d.Balance = updated.InitialVirtualBalance
				balanceReset = true
			}
			kv = d.PersistableState()
		})
		s.persistKV(kv)

		if s.opts.SettingsPath != "" {
			if err := config.SaveSettings(s.opts.SettingsPath, updated); err != nil {
				logger.Eventf(s.opts.Broadcast, "ERROR", "persist settings: %v", err)
			}
		}
		if balanceReset && s.opts.Broadcast != nil {
			s.opts.Broadcast.Broadcast(model.Event{Type: model.EventPositionsUpdated})
		}
		if s.opts.OnSettings != nil {
			s.opts.OnSettings(updated)
		}
		logger.Eventf(s.opts.Broadcast, "INFO", "settings updated via API")
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCloseTrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/api/close-trade/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid trade id"})
		return
	}

	// Exit at the last seen price, falling back to entry when no ticker
	// has arrived yet.
	var exitPrice float64
	s.bot.View(func(d *state.Data) {
		for _, pos := range d.Positions {
			if pos.ID == id {
				exitPrice = pos.EntryPrice
				if price, ok := d.Prices[pos.Symbol]; ok && price > 0 {
					exitPrice = price
				}
				return
			}
		}
	})

	trade, ok := s.opts.Closer.CloseTrade(id, exitPrice, "Manual Close")
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "trade not found"})
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.setRunning(w, r, true, "bot started via API")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.setRunning(w, r, false, "bot stopped via API")
}

func (s *Server) setRunning(w http.ResponseWriter, r *http.Request, running bool, msg string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var kv map[string]string
	s.bot.Update(func(d *state.Data) {
		d.Running = running
		kv = d.PersistableState()
	})
	s.persistKV(kv)
	logger.Eventf(s.opts.Broadcast, "INFO", "%s", msg)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"mode": s.bot.Mode()})

	case http.MethodPost:
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid payload"})
			return
		}
		switch req.Mode {
		case state.ModeVirtual, state.ModeRealPaper, state.ModeRealLive:
		default:
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "message": "invalid mode"})
			return
		}

		var kv map[string]string
		s.bot.Update(func(d *state.Data) {
			d.Mode = req.Mode
			kv = d.PersistableState()
		})
		s.persistKV(kv)
		logger.Eventf(s.opts.Broadcast, "INFO", "trading mode switched to %s", req.Mode)
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "mode": req.Mode})

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleClearData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	s.bot.Update(func(d *state.Data) {
		d.Positions = nil
		d.History = nil
		d.Cooldowns = make(map[string]state.Cooldown)
		d.Balance = d.Settings.InitialVirtualBalance
		d.TradeIDCounter = 1
	})

	if s.opts.Cleaner != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := s.opts.Cleaner.ClearTradeHistory(ctx); err != nil {
			logger.Eventf(s.opts.Broadcast, "ERROR", "clear trade history: %v", err)
		}
		if err := s.opts.Cleaner.ClearActivePositions(ctx); err != nil {
			logger.Eventf(s.opts.Broadcast, "ERROR", "clear positions: %v", err)
		}
	}

	if s.opts.Broadcast != nil {
		s.opts.Broadcast.Broadcast(model.Event{Type: model.EventPositionsUpdated})
	}
	logger.Eventf(s.opts.Broadcast, "WARN", "trade data cleared via API")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) persistKV(kv map[string]string) {
	if s.opts.Store == nil || kv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.opts.Store.SaveBotState(ctx, kv); err != nil {
		logger.Eventf(s.opts.Broadcast, "ERROR", "persist bot state: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "method not allowed"})
}
