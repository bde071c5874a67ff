package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trading bot.
type Metrics struct {
	KlinesIngested  *prometheus.CounterVec // labels: interval
	TickerUpdates   prometheus.Counter
	WSReconnects    prometheus.Counter
	ScanCycles      prometheus.Counter
	ScanCycleDur    prometheus.Histogram
	SQLiteCommitDur prometheus.Histogram
	WriteQueueDepth prometheus.Gauge

	TradesOpened   *prometheus.CounterVec // labels: strategy
	TradesClosed   *prometheus.CounterVec // labels: reason
	TradesRejected *prometheus.CounterVec // labels: gate
	OpenPositions  prometheus.Gauge
	Balance        prometheus.Gauge
	HotlistSize    prometheus.Gauge
	ScannedPairs   prometheus.Gauge
	VenueLatency   prometheus.Gauge
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		KlinesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_klines_ingested_total",
			Help: "Closed candles ingested from the stream (by interval)",
		}, []string{"interval"}),
		TickerUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_ticker_updates_total",
			Help: "24h ticker updates received from the stream",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		}),
		ScanCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_scan_cycles_total",
			Help: "Completed discovery scanner cycles",
		}),
		ScanCycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bot_scan_cycle_duration_seconds",
			Help:    "Discovery scanner cycle latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bot_sqlite_commit_duration_seconds",
			Help:    "SQLite write task latency including queue wait",
			Buckets: prometheus.DefBuckets,
		}),
		WriteQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_sqlite_write_queue_depth",
			Help: "Pending tasks in the serialized SQLite write queue",
		}),

		TradesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_trades_opened_total",
			Help: "Positions opened (by strategy)",
		}, []string{"strategy"}),
		TradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_trades_closed_total",
			Help: "Positions closed (by exit reason)",
		}, []string{"reason"}),
		TradesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_trades_rejected_total",
			Help: "Entry triggers rejected by a risk gate",
		}, []string{"gate"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Currently open positions",
		}),
		Balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_balance_usd",
			Help: "Account balance in quote currency",
		}),
		HotlistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_hotlist_size",
			Help: "Symbols currently on the hotlist",
		}),
		ScannedPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_scanned_pairs",
			Help: "Symbols currently tracked by the scanner",
		}),
		VenueLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_venue_latency_seconds",
			Help: "REST round-trip latency to the venue",
		}),
	}

	prometheus.MustRegister(
		m.KlinesIngested,
		m.TickerUpdates,
		m.WSReconnects,
		m.ScanCycles,
		m.ScanCycleDur,
		m.SQLiteCommitDur,
		m.WriteQueueDepth,
		m.TradesOpened,
		m.TradesClosed,
		m.TradesRejected,
		m.OpenPositions,
		m.Balance,
		m.HotlistSize,
		m.ScannedPairs,
		m.VenueLatency,
	)

	return m
}

// HealthStatus tracks liveness of the bot's dependencies.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastKlineTime  time.Time `json:"last_kline_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	redisEnabled bool
}

// NewHealthStatus returns a default health status. redisEnabled marks
// whether Redis is part of the deployment at all; when false its
// connectivity never degrades the overall verdict.
func NewHealthStatus(redisEnabled bool) *HealthStatus {
	return &HealthStatus{
		StartedAt:    time.Now(),
		SQLiteOK:     true,
		redisEnabled: redisEnabled,
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastKlineTime(t time.Time) {
	h.mu.Lock()
	h.LastKlineTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	redisBad := h.redisEnabled && !h.RedisConnected
	if !h.WSConnected || redisBad || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.SQLiteOK && !h.WSConnected {
		overallStatus = "unhealthy"
	}

	klineAge := ""
	if !h.LastKlineTime.IsZero() {
		klineAge = time.Since(h.LastKlineTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		WSConnected     bool    `json:"ws_connected"`
		LastKlineTime   string  `json:"last_kline_time"`
		KlineAge        string  `json:"kline_age"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastKlineTime:   h.LastKlineTime.Format(time.RFC3339),
		KlineAge:        klineAge,
		RedisEnabled:    h.redisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
