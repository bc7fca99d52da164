package dhan

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Tick is the most recent traded price for one instrument
type Tick struct {
	Segment    string
	SecurityID string
	Price      float64
	At         time.Time
}

// TickCache stores the latest tick per instrument, populated by the feed hub.
// Reads tolerate concurrent writes; a tick older than the staleness window is
// treated as a miss.
type TickCache struct {
	ticks sync.Map // "SEGMENT:securityID" -> *Tick
	stale time.Duration
}

// NewTickCache creates a tick cache. staleAfter <= 0 disables the staleness check.
func NewTickCache(staleAfter time.Duration) *TickCache {
	return &TickCache{stale: staleAfter}
}

func tickKey(segment, securityID string) string {
	return segment + ":" + securityID
}

// Put stores a tick
func (tc *TickCache) Put(segment, securityID string, price float64, at time.Time) {
	tc.ticks.Store(tickKey(segment, securityID), &Tick{
		Segment:    segment,
		SecurityID: securityID,
		Price:      price,
		At:         at,
	})
}

// Get returns the last price for an instrument, or false on miss/stale tick
func (tc *TickCache) Get(segment, securityID string) (float64, bool) {
	val, ok := tc.ticks.Load(tickKey(segment, securityID))
	if !ok {
		return 0, false
	}
	tick := val.(*Tick)
	if tc.stale > 0 && time.Since(tick.At) > tc.stale {
		return 0, false
	}
	return tick.Price, true
}

// feed request codes
const (
	feedRequestSubscribe   = 15
	feedRequestUnsubscribe = 16
)

type feedInstrument struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

type feedRequest struct {
	RequestCode     int              `json:"RequestCode"`
	InstrumentCount int              `json:"InstrumentCount"`
	InstrumentList  []feedInstrument `json:"InstrumentList"`
}

// feedTick is a ticker packet from the feed bridge
type feedTick struct {
	Type            string  `json:"type"`
	ExchangeSegment string  `json:"exchangeSegment"`
	SecurityID      string  `json:"securityId"`
	LastTradedPrice float64 `json:"lastTradedPrice"`
	LastTradeTime   int64   `json:"lastTradeTime"`
}

// FeedHub maintains the market-feed WebSocket connection and keeps the tick
// cache current. Subscriptions survive reconnects.
type FeedHub struct {
	mu sync.RWMutex

	feedURL     string
	clientID    string
	accessToken string

	conn      *websocket.Conn
	connected bool
	isRunning bool
	stopChan  chan struct{}

	subs  map[string]feedInstrument // key: SEGMENT:securityID
	ticks *TickCache

	reconnectDelay time.Duration
	log            zerolog.Logger
}

// NewFeedHub creates a feed hub writing into the given tick cache
func NewFeedHub(feedURL, clientID, accessToken string, ticks *TickCache, log zerolog.Logger) *FeedHub {
	return &FeedHub{
		feedURL:        feedURL,
		clientID:       clientID,
		accessToken:    accessToken,
		subs:           make(map[string]feedInstrument),
		ticks:          ticks,
		stopChan:       make(chan struct{}),
		reconnectDelay: 5 * time.Second,
		log:            log.With().Str("component", "FeedHub").Logger(),
	}
}

// Ticks returns the tick cache the hub writes into
func (h *FeedHub) Ticks() *TickCache {
	return h.ticks
}

// Start begins the connection loop. Safe to call once; subsequent calls are no-ops.
func (h *FeedHub) Start() error {
	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		return nil
	}
	h.isRunning = true
	h.mu.Unlock()

	go h.connectLoop()
	h.log.Info().Str("url", h.feedURL).Msg("feed hub started")
	return nil
}

// Stop closes the connection and halts reconnects
func (h *FeedHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.isRunning {
		return
	}
	h.isRunning = false
	close(h.stopChan)

	if h.conn != nil {
		h.conn.Close()
	}
	h.log.Info().Msg("feed hub stopped")
}

// IsRunning reports whether the hub has been started and not stopped
func (h *FeedHub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.isRunning
}

// IsConnected reports whether the WebSocket is currently up
func (h *FeedHub) IsConnected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connected
}

// LastTick reads the tick cache for an instrument
func (h *FeedHub) LastTick(segment, securityID string) (float64, bool) {
	return h.ticks.Get(segment, securityID)
}

// Subscribe registers an instrument with the feed. The subscription is
// remembered and replayed after a reconnect.
func (h *FeedHub) Subscribe(segment, securityID string) error {
	inst := feedInstrument{ExchangeSegment: segment, SecurityID: securityID}

	h.mu.Lock()
	key := tickKey(segment, securityID)
	if _, exists := h.subs[key]; exists {
		h.mu.Unlock()
		return nil
	}
	h.subs[key] = inst
	conn := h.conn
	connected := h.connected
	h.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("feed not connected")
	}
	return h.send(conn, feedRequest{
		RequestCode:     feedRequestSubscribe,
		InstrumentCount: 1,
		InstrumentList:  []feedInstrument{inst},
	})
}

func (h *FeedHub) send(conn *websocket.Conn, req feedRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return conn.WriteJSON(req)
}

func (h *FeedHub) dialURL() string {
	q := url.Values{}
	q.Set("version", "2")
	q.Set("token", h.accessToken)
	q.Set("clientId", h.clientID)
	q.Set("authType", "2")
	return h.feedURL + "?" + q.Encode()
}

func (h *FeedHub) connectLoop() {
	for {
		select {
		case <-h.stopChan:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(h.dialURL(), nil)
		if err != nil {
			h.log.Warn().Err(err).Dur("retry_in", h.reconnectDelay).Msg("feed connect failed")
			select {
			case <-h.stopChan:
				return
			case <-time.After(h.reconnectDelay):
				continue
			}
		}

		h.mu.Lock()
		h.conn = conn
		h.connected = true
		pending := make([]feedInstrument, 0, len(h.subs))
		for _, inst := range h.subs {
			pending = append(pending, inst)
		}
		h.mu.Unlock()

		h.log.Info().Int("resubscribe", len(pending)).Msg("feed connected")

		if len(pending) > 0 {
			if err := h.send(conn, feedRequest{
				RequestCode:     feedRequestSubscribe,
				InstrumentCount: len(pending),
				InstrumentList:  pending,
			}); err != nil {
				h.log.Warn().Err(err).Msg("resubscribe failed")
			}
		}

		h.readLoop(conn)

		h.mu.Lock()
		h.connected = false
		h.conn = nil
		h.mu.Unlock()

		select {
		case <-h.stopChan:
			return
		case <-time.After(h.reconnectDelay):
		}
	}
}

func (h *FeedHub) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-h.stopChan:
			default:
				h.log.Warn().Err(err).Msg("feed read error, reconnecting")
			}
			conn.Close()
			return
		}
		h.handleMessage(message)
	}
}

func (h *FeedHub) handleMessage(message []byte) {
	var tick feedTick
	if err := json.Unmarshal(message, &tick); err != nil {
		h.log.Debug().Err(err).Msg("unparseable feed packet")
		return
	}
	if tick.Type != "Ticker" && tick.Type != "Quote" {
		return
	}
	if tick.LastTradedPrice <= 0 || tick.SecurityID == "" {
		return
	}
	h.ticks.Put(tick.ExchangeSegment, tick.SecurityID, tick.LastTradedPrice, time.Now())
}
