package binance

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"squeezebotv1/internal/model"
)

const reconnectDelay = 5 * time.Second

// Stream name helpers.
func KlineStream(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}

func TickerStream(symbol string) string {
	return strings.ToLower(symbol) + "@ticker"
}

// StreamManager maintains one websocket connection to the venue's combined
// stream endpoint with a dynamic subscription set. On any disconnect it
// redials after a fixed delay and replays the full subscription set, so
// callers never observe a half-subscribed connection.
type StreamManager struct {
	url string

	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed map[string]struct{}
	nextID     int64

	// Handlers are invoked from the read loop goroutine.
	OnKline     func(symbol, interval string, k model.Candle)
	OnTicker    func(symbol string, price, quoteVolume float64)
	OnReconnect func()
	OnState     func(connected bool)
}

// NewStreamManager creates a manager for the given websocket URL.
func NewStreamManager(wsURL string) *StreamManager {
	return &StreamManager{
		url:        wsURL,
		subscribed: make(map[string]struct{}),
		nextID:     1,
	}
}

// Run dials and reads until ctx is cancelled, redialing on every failure.
func (m *StreamManager) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := m.connectAndRead(ctx); err != nil {
			log.Printf("[stream] connection lost: %v", err)
		}
		m.setState(false)
		if m.OnReconnect != nil {
			m.OnReconnect()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// SetStreams reconciles the subscription set against desired, sending only
// the delta. The desired set sticks across reconnects.
func (m *StreamManager) SetStreams(desired []string) {
	want := make(map[string]struct{}, len(desired))
	for _, s := range desired {
		want[s] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var toSub, toUnsub []string
	for s := range want {
		if _, ok := m.subscribed[s]; !ok {
			toSub = append(toSub, s)
		}
	}
	for s := range m.subscribed {
		if _, ok := want[s]; !ok {
			toUnsub = append(toUnsub, s)
		}
	}
	m.subscribed = want

	if len(toUnsub) > 0 {
		m.sendLocked("UNSUBSCRIBE", toUnsub)
	}
	if len(toSub) > 0 {
		m.sendLocked("SUBSCRIBE", toSub)
	}
}

// Subscribe adds streams to the subscription set.
func (m *StreamManager) Subscribe(streams ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var fresh []string
	for _, s := range streams {
		if _, ok := m.subscribed[s]; !ok {
			m.subscribed[s] = struct{}{}
			fresh = append(fresh, s)
		}
	}
	if len(fresh) > 0 {
		m.sendLocked("SUBSCRIBE", fresh)
	}
}

// Unsubscribe removes streams from the subscription set.
func (m *StreamManager) Unsubscribe(streams ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var gone []string
	for _, s := range streams {
		if _, ok := m.subscribed[s]; ok {
			delete(m.subscribed, s)
			gone = append(gone, s)
		}
	}
	if len(gone) > 0 {
		m.sendLocked("UNSUBSCRIBE", gone)
	}
}

// Streams returns the current subscription set.
func (m *StreamManager) Streams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subscribed))
	for s := range m.subscribed {
		out = append(out, s)
	}
	return out
}

func (m *StreamManager) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	m.mu.Lock()
	m.conn = conn
	if len(m.subscribed) > 0 {
		replay := make([]string, 0, len(m.subscribed))
		for s := range m.subscribed {
			replay = append(replay, s)
		}
		m.sendLocked("SUBSCRIBE", replay)
		log.Printf("[stream] resubscribed %d streams", len(replay))
	}
	m.mu.Unlock()

	m.setState(true)
	log.Printf("[stream] connected to %s", m.url)

	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()

	// Close the socket when ctx ends so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.dispatch(data)
	}
}

func (m *StreamManager) sendLocked(method string, params []string) {
	if m.conn == nil {
		return
	}
	payload := map[string]interface{}{
		"method": method,
		"params": params,
		"id":     m.nextID,
	}
	m.nextID++
	if err := m.conn.WriteJSON(payload); err != nil {
		log.Printf("[stream] %s write failed: %v", method, err)
	}
}

func (m *StreamManager) setState(connected bool) {
	if m.OnState != nil {
		m.OnState(connected)
	}
}

// wsKline is the venue's kline stream payload.
type wsKline struct {
	Symbol string `json:"s"`
	K      struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

// wsTicker is the venue's 24h ticker stream payload.
type wsTicker struct {
	Symbol      string `json:"s"`
	LastPrice   string `json:"c"`
	QuoteVolume string `json:"q"`
}

func (m *StreamManager) dispatch(data []byte) {
	var probe struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}

	switch probe.Event {
	case "kline":
		var msg wsKline
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[stream] bad kline payload: %v", err)
			return
		}
		// Only closed candles feed the pipeline.
		if !msg.K.Closed || m.OnKline == nil {
			return
		}
		k := model.Candle{
			OpenTime:  msg.K.OpenTime,
			CloseTime: msg.K.CloseTime,
			Open:      parseF(msg.K.Open),
			High:      parseF(msg.K.High),
			Low:       parseF(msg.K.Low),
			Close:     parseF(msg.K.Close),
			Volume:    parseF(msg.K.Volume),
		}
		m.OnKline(msg.Symbol, msg.K.Interval, k)

	case "24hrTicker":
		var msg wsTicker
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[stream] bad ticker payload: %v", err)
			return
		}
		if m.OnTicker != nil {
			m.OnTicker(msg.Symbol, parseF(msg.LastPrice), parseF(msg.QuoteVolume))
		}
	}
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
