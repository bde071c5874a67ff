package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"squeezebotv1/config"
	"squeezebotv1/internal/analyzer"
	"squeezebotv1/internal/api"
	"squeezebotv1/internal/binance"
	"squeezebotv1/internal/engine"
	"squeezebotv1/internal/gateway"
	"squeezebotv1/internal/logger"
	"squeezebotv1/internal/metrics"
	"squeezebotv1/internal/model"
	"squeezebotv1/internal/notification"
	"squeezebotv1/internal/scanner"
	"squeezebotv1/internal/state"
	"squeezebotv1/internal/store/sqlite"
	"squeezebotv1/internal/stream"
)

const balanceSyncInterval = 30 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("bot", slog.LevelInfo)
	log.Println("[bot] starting...")

	cfg := config.Load()

	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		log.Fatalf("[bot] settings: %v", err)
	}

	store, err := sqlite.New(sqlite.Config{Path: cfg.SQLitePath, QueueBuffer: 256})
	if err != nil {
		log.Fatalf("[bot] sqlite: %v", err)
	}
	defer store.Close()

	m := metrics.NewMetrics()
	store.OnCommit = func(d time.Duration) { m.SQLiteCommitDur.Observe(d.Seconds()) }
	store.Queue().OnDepth = func(depth int) { m.WriteQueueDepth.Set(float64(depth)) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis is optional; without it events stay in-process.
	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("[bot] WARNING: redis unreachable at %s: %v", cfg.RedisAddr, err)
		} else {
			log.Printf("[bot] redis connected at %s", cfg.RedisAddr)
		}
	}

	bot := state.NewBot(settings)
	restoreState(bot, store)

	hub := gateway.NewHub(rdb)
	hub.SetScannerListSource(bot.PairsSnapshot)

	var notifiers []notification.Notifier
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Println("[bot] telegram alerts enabled")
	}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
		log.Println("[bot] webhook alerts enabled")
	}
	events := notification.NewDispatcher(hub, notifiers...)

	client := binance.NewClient(cfg.RestBaseURL, cfg.APIKey, cfg.APISecret)
	transport := binance.NewStreamManager(cfg.StreamURL)

	streams := stream.NewManager(bot, transport, nil)
	an := analyzer.New(bot, store, client, streams, events)
	streams.SetHydrator(an)

	eng := engine.New(bot, store, an, events, m)
	an.SetEngine(eng)

	scan := scanner.NewService(bot, client, an, streams, events, m)
	latency := gateway.NewLatencyMonitor(client, hub, m)

	health := metrics.NewHealthStatus(rdb != nil)
	health.StartLivenessChecker(ctx, rdb, store.DB(), 15*time.Second)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	transport.OnKline = func(symbol, interval string, k model.Candle) {
		m.KlinesIngested.WithLabelValues(interval).Inc()
		health.SetLastKlineTime(time.Now())
		an.HandleKline(ctx, symbol, interval, k)
	}
	transport.OnTicker = func(symbol string, price, quoteVolume float64) {
		m.TickerUpdates.Inc()
		an.HandleTicker(symbol, price, quoteVolume)
	}
	transport.OnReconnect = func() {
		m.WSReconnects.Inc()
	}
	transport.OnState = health.SetWSConnected

	go transport.Run(ctx)
	go eng.Run(ctx)
	go scan.Run(ctx)
	go latency.Run(ctx)
	go syncRealBalance(ctx, bot, client, events)

	apiSrv := api.NewServer(bot, api.Options{
		Closer:       eng,
		Store:        store,
		Cleaner:      store,
		Account:      client,
		WS:           hub,
		Broadcast:    events,
		SettingsPath: cfg.SettingsPath,
		OnSettings:   func(config.Settings) { streams.Refresh() },
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: withCORS(apiSrv.Router())}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("[bot] serving API at %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[bot] server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[bot] shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	// Flush the final state through the write queue before the deferred
	// store.Close drains it.
	persistFinalState(bot, store)
	log.Println("[bot] stopped")
}

// restoreState rehydrates balance, counters, open positions, and trade
// history from the previous run.
func restoreState(bot *state.Bot, store *sqlite.Store) {
	kv, err := store.LoadBotState()
	if err != nil {
		log.Printf("[bot] load state: %v", err)
	}

	positions, err := store.LoadActivePositions()
	if err != nil {
		log.Printf("[bot] load positions: %v", err)
	}
	history, err := store.TradeHistory()
	if err != nil {
		log.Printf("[bot] load history: %v", err)
	}

	bot.Update(func(d *state.Data) {
		d.Restore(kv)
		for i := range positions {
			p := positions[i]
			d.Positions = append(d.Positions, &p)
		}
		d.History = history
	})
	log.Printf("[bot] restored state: %d open positions, %d historical trades", len(positions), len(history))
}

func persistFinalState(bot *state.Bot, store *sqlite.Store) {
	var kv map[string]string
	var active []model.Position
	bot.View(func(d *state.Data) {
		kv = d.PersistableState()
		active = d.PositionsCopy()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.SaveBotState(ctx, kv); err != nil {
		log.Printf("[bot] persist state: %v", err)
	}
	if err := store.SaveActivePositions(ctx, active); err != nil {
		log.Printf("[bot] persist positions: %v", err)
	}
}

// syncRealBalance periodically reconciles the internal balance with the
// venue account in the real trading modes.
func syncRealBalance(ctx context.Context, bot *state.Bot, client *binance.Client, events model.Broadcaster) {
	ticker := time.NewTicker(balanceSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if bot.Mode() == state.ModeVirtual {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			real, err := client.AccountBalanceUSDT(probeCtx)
			cancel()
			if err != nil {
				log.Printf("[bot] balance sync failed: %v", err)
				continue
			}

			changed := false
			bot.Update(func(d *state.Data) {
				if d.Balance != real {
					d.Balance = real
					changed = true
				}
			})
			if changed {
				logger.Eventf(events, "INFO", "balance synced from venue: %.2f USDT", real)
			}
		}
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
