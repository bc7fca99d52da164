package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dhan-agent-bot/internal/dhan"
	"dhan-agent-bot/internal/logging"
)

type fakeFeed struct {
	mu             sync.Mutex
	running        bool
	connected      bool
	ticks          map[string]float64
	tickCalls      int
	subscribeCalls int
	subscribeErr   error
	tickAfterSub   float64 // appears in the cache once Subscribe has been called
}

func (f *fakeFeed) IsRunning() bool   { return f.running }
func (f *fakeFeed) IsConnected() bool { return f.connected }

func (f *fakeFeed) Subscribe(segment, securityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	if f.tickAfterSub > 0 {
		if f.ticks == nil {
			f.ticks = make(map[string]float64)
		}
		f.ticks[segment+":"+securityID] = f.tickAfterSub
	}
	return nil
}

func (f *fakeFeed) LastTick(segment, securityID string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickCalls++
	price, ok := f.ticks[segment+":"+securityID]
	return price, ok
}

type fakePriceAPI struct {
	calls int
	price decimal.Decimal
	err   error
}

func (f *fakePriceAPI) LTP(ctx context.Context, segment, securityID string) (decimal.Decimal, error) {
	f.calls++
	return f.price, f.err
}

func fastResolver(feed FeedSource, api PriceAPI) *Resolver {
	r := NewResolver(feed, api, logging.Nop())
	r.pollInterval = time.Millisecond
	return r
}

func TestMetaOverrideSkipsFeedAndAPI(t *testing.T) {
	feed := &fakeFeed{running: true, connected: true}
	api := &fakePriceAPI{price: decimal.NewFromInt(999)}
	r := fastResolver(feed, api)

	price, ok := r.Resolve(context.Background(), dhan.SegmentNSEEquity, "11536",
		map[string]any{"ltp": 4520.5}, true)
	if !ok {
		t.Fatal("expected a price")
	}
	if !price.Equal(decimal.NewFromFloat(4520.5)) {
		t.Errorf("expected 4520.5, got %s", price)
	}
	if feed.tickCalls != 0 || feed.subscribeCalls != 0 {
		t.Errorf("feed must not be touched on override: ticks=%d subs=%d", feed.tickCalls, feed.subscribeCalls)
	}
	if api.calls != 0 {
		t.Errorf("api must not be touched on override: calls=%d", api.calls)
	}
}

func TestMetaOverrideStringValue(t *testing.T) {
	r := fastResolver(nil, nil)
	price, ok := r.Resolve(context.Background(), dhan.SegmentNSEEquity, "1",
		map[string]any{"ltp": "182.35"}, false)
	if !ok || !price.Equal(decimal.NewFromFloat(182.35)) {
		t.Fatalf("expected 182.35 from string override, got %s ok=%v", price, ok)
	}
}

func TestTickCacheHitSkipsAPI(t *testing.T) {
	feed := &fakeFeed{
		running:   true,
		connected: true,
		ticks:     map[string]float64{"NSE_EQ:11536": 4518.7},
	}
	api := &fakePriceAPI{price: decimal.NewFromInt(1)}
	r := fastResolver(feed, api)

	price, ok := r.Resolve(context.Background(), dhan.SegmentNSEEquity, "11536", nil, true)
	if !ok || !price.Equal(decimal.NewFromFloat(4518.7)) {
		t.Fatalf("expected tick cache hit 4518.7, got %s ok=%v", price, ok)
	}
	if api.calls != 0 {
		t.Errorf("gateway must not be called when the tick cache hits, got %d calls", api.calls)
	}
	if feed.subscribeCalls != 0 {
		t.Errorf("no subscribe needed on a warm cache, got %d", feed.subscribeCalls)
	}
}

func TestSubscribeThenPollFindsTick(t *testing.T) {
	feed := &fakeFeed{running: true, connected: true, tickAfterSub: 101.25}
	api := &fakePriceAPI{}
	r := fastResolver(feed, api)

	price, ok := r.Resolve(context.Background(), dhan.SegmentNSEDerivative, "49081", nil, true)
	if !ok || !price.Equal(decimal.NewFromFloat(101.25)) {
		t.Fatalf("expected polled tick 101.25, got %s ok=%v", price, ok)
	}
	if feed.subscribeCalls != 1 {
		t.Errorf("expected one subscribe, got %d", feed.subscribeCalls)
	}
	if api.calls != 0 {
		t.Errorf("api fallback must not fire when polling succeeds, got %d", api.calls)
	}
}

func TestAPIFallbackWhenFeedMisses(t *testing.T) {
	feed := &fakeFeed{running: true, connected: true}
	api := &fakePriceAPI{price: decimal.NewFromFloat(88.8)}
	r := fastResolver(feed, api)

	price, ok := r.Resolve(context.Background(), dhan.SegmentNSEEquity, "1", nil, true)
	if !ok || !price.Equal(decimal.NewFromFloat(88.8)) {
		t.Fatalf("expected api fallback 88.8, got %s ok=%v", price, ok)
	}
	if api.calls != 1 {
		t.Errorf("expected exactly one api call, got %d", api.calls)
	}
}

func TestNoFallbackReturnsMiss(t *testing.T) {
	feed := &fakeFeed{running: true, connected: true}
	api := &fakePriceAPI{price: decimal.NewFromFloat(88.8)}
	r := fastResolver(feed, api)

	if _, ok := r.Resolve(context.Background(), dhan.SegmentNSEEquity, "1", nil, false); ok {
		t.Fatal("expected miss when fallback is disallowed")
	}
	if api.calls != 0 {
		t.Errorf("api must not be called with fallback disabled, got %d", api.calls)
	}
}

func TestDisconnectedFeedGoesStraightToAPI(t *testing.T) {
	feed := &fakeFeed{running: true, connected: false, ticks: map[string]float64{"NSE_EQ:1": 50}}
	api := &fakePriceAPI{price: decimal.NewFromInt(60)}
	r := fastResolver(feed, api)

	price, ok := r.Resolve(context.Background(), dhan.SegmentNSEEquity, "1", nil, true)
	if !ok || !price.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected api price 60, got %s ok=%v", price, ok)
	}
	if feed.tickCalls != 0 {
		t.Errorf("disconnected feed cache must not be read, got %d reads", feed.tickCalls)
	}
}

func TestRateLimitErrorsResolveToMiss(t *testing.T) {
	api := &fakePriceAPI{err: &dhan.APIError{StatusCode: 429, Code: "DH-904", Message: "Too many requests"}}
	r := fastResolver(nil, api)

	if _, ok := r.Resolve(context.Background(), dhan.SegmentNSEEquity, "1", nil, true); ok {
		t.Fatal("expected miss on rate-limited fallback")
	}
}

func TestHardErrorsResolveToMiss(t *testing.T) {
	api := &fakePriceAPI{err: errors.New("connection refused")}
	r := fastResolver(nil, api)

	if _, ok := r.Resolve(context.Background(), dhan.SegmentNSEEquity, "1", nil, true); ok {
		t.Fatal("expected miss, never an error surface")
	}
}

func TestPollRespectsContextCancellation(t *testing.T) {
	feed := &fakeFeed{running: true, connected: true}
	r := NewResolver(feed, nil, logging.Nop())
	r.pollInterval = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, ok := r.Resolve(ctx, dhan.SegmentNSEEquity, "1", nil, false)
	if ok {
		t.Fatal("expected miss")
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("cancellation should cut the poll short, took %v", elapsed)
	}
}
