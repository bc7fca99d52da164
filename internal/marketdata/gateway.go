// Package marketdata normalizes market-data access for the decision loop:
// segment translation, one error type, short-TTL caching and LTP resolution.
package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dhan-agent-bot/internal/dhan"
)

// MarketDataError wraps every broker-side read failure with the operation that
// failed. Callers match on this one type, never the broker's native errors.
type MarketDataError struct {
	Op  string
	Err error
}

func (e *MarketDataError) Error() string {
	return fmt.Sprintf("market data: %s: %v", e.Op, e.Err)
}

func (e *MarketDataError) Unwrap() error {
	return e.Err
}

// Broker is the subset of the Dhan client the gateway needs
type Broker interface {
	Quote(ctx context.Context, segment, securityID string) (*dhan.Quote, error)
	LTP(ctx context.Context, segment, securityID string) (float64, error)
	IntradayOHLC(ctx context.Context, req dhan.ChartRequest) ([]dhan.Candle, error)
	HistoricalOHLC(ctx context.Context, req dhan.ChartRequest) ([]dhan.Candle, error)
	OptionChain(ctx context.Context, req dhan.OptionChainRequest) (*dhan.OptionChain, error)
	Positions(ctx context.Context) ([]dhan.Position, error)
}

// Gateway translates generic segment and instrument names and funnels all
// failures into MarketDataError.
type Gateway struct {
	broker Broker
	log    zerolog.Logger
	now    func() time.Time
}

// NewGateway creates a market-data gateway over a broker client
func NewGateway(broker Broker, log zerolog.Logger) *Gateway {
	return &Gateway{
		broker: broker,
		log:    log.With().Str("component", "MarketDataGateway").Logger(),
		now:    time.Now,
	}
}

// SegmentKey translates a generic segment name into the broker's key string.
// Native keys pass through unchanged.
func SegmentKey(name string) (string, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_")) {
	case "EQUITY_CASH", "EQUITY", "CASH", dhan.SegmentNSEEquity:
		return dhan.SegmentNSEEquity, nil
	case "EQUITY_DERIVATIVES", "DERIVATIVES", "FNO", dhan.SegmentNSEDerivative:
		return dhan.SegmentNSEDerivative, nil
	case "CURRENCY", dhan.SegmentNSECurrency:
		return dhan.SegmentNSECurrency, nil
	case "COMMODITY", dhan.SegmentMCXCommodity:
		return dhan.SegmentMCXCommodity, nil
	case "INDEX", dhan.SegmentIndex:
		return dhan.SegmentIndex, nil
	case "BSE", dhan.SegmentBSEEquity:
		return dhan.SegmentBSEEquity, nil
	case "":
		return "", fmt.Errorf("segment is required")
	default:
		return "", fmt.Errorf("unknown segment %q", name)
	}
}

// instrumentKind resolves the chart instrument code for a segment. An explicit
// hint wins; otherwise the segment implies the kind. Derivative charts default
// to index futures, the dominant case for this loop.
func instrumentKind(segmentKey, hint string) (string, error) {
	if hint != "" {
		switch strings.ToUpper(hint) {
		case dhan.InstrumentEquity, dhan.InstrumentIndex,
			dhan.InstrumentFutureIndex, dhan.InstrumentFutureStock,
			dhan.InstrumentOptionIndex, dhan.InstrumentOptionStock:
			return strings.ToUpper(hint), nil
		default:
			return "", fmt.Errorf("unknown instrument kind %q", hint)
		}
	}
	switch segmentKey {
	case dhan.SegmentNSEEquity, dhan.SegmentBSEEquity:
		return dhan.InstrumentEquity, nil
	case dhan.SegmentIndex:
		return dhan.InstrumentIndex, nil
	case dhan.SegmentNSEDerivative:
		return dhan.InstrumentFutureIndex, nil
	default:
		return "", fmt.Errorf("cannot infer instrument kind for segment %s", segmentKey)
	}
}

const chartTimeLayout = "2006-01-02 15:04:05"

// Quote fetches a full quote
func (g *Gateway) Quote(ctx context.Context, segment, securityID string) (*dhan.Quote, error) {
	key, err := SegmentKey(segment)
	if err != nil {
		return nil, &MarketDataError{Op: "quote", Err: err}
	}
	quote, err := g.broker.Quote(ctx, key, securityID)
	if err != nil {
		return nil, &MarketDataError{Op: "quote", Err: err}
	}
	return quote, nil
}

// LTP fetches the last traded price as a decimal
func (g *Gateway) LTP(ctx context.Context, segment, securityID string) (decimal.Decimal, error) {
	key, err := SegmentKey(segment)
	if err != nil {
		return decimal.Zero, &MarketDataError{Op: "ltp", Err: err}
	}
	price, err := g.broker.LTP(ctx, key, securityID)
	if err != nil {
		return decimal.Zero, &MarketDataError{Op: "ltp", Err: err}
	}
	return decimal.NewFromFloat(price), nil
}

// OHLC fetches the most recent count intraday candles at the given minute interval
func (g *Gateway) OHLC(ctx context.Context, segment, securityID, instrument, interval string, count int) ([]dhan.Candle, error) {
	key, err := SegmentKey(segment)
	if err != nil {
		return nil, &MarketDataError{Op: "ohlc", Err: err}
	}
	kind, err := instrumentKind(key, instrument)
	if err != nil {
		return nil, &MarketDataError{Op: "ohlc", Err: err}
	}
	if count <= 0 {
		count = 50
	}
	if interval == "" {
		interval = "5"
	}

	// Reach back far enough to cover weekends and holidays
	to := g.now()
	from := to.AddDate(0, 0, -7)

	candles, err := g.broker.IntradayOHLC(ctx, dhan.ChartRequest{
		SecurityID:      securityID,
		ExchangeSegment: key,
		Instrument:      kind,
		Interval:        interval,
		FromDate:        from.Format(chartTimeLayout),
		ToDate:          to.Format(chartTimeLayout),
	})
	if err != nil {
		return nil, &MarketDataError{Op: "ohlc", Err: err}
	}
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}

// Historical fetches daily candles between from and to
func (g *Gateway) Historical(ctx context.Context, segment, securityID, instrument string, from, to time.Time) ([]dhan.Candle, error) {
	key, err := SegmentKey(segment)
	if err != nil {
		return nil, &MarketDataError{Op: "historical", Err: err}
	}
	kind, err := instrumentKind(key, instrument)
	if err != nil {
		return nil, &MarketDataError{Op: "historical", Err: err}
	}
	candles, err := g.broker.HistoricalOHLC(ctx, dhan.ChartRequest{
		SecurityID:      securityID,
		ExchangeSegment: key,
		Instrument:      kind,
		FromDate:        from.Format("2006-01-02"),
		ToDate:          to.Format("2006-01-02"),
	})
	if err != nil {
		return nil, &MarketDataError{Op: "historical", Err: err}
	}
	return candles, nil
}

// OptionChain fetches the chain for an underlying scrip and expiry
func (g *Gateway) OptionChain(ctx context.Context, segment string, underlyingScrip int, expiry string) (*dhan.OptionChain, error) {
	key, err := SegmentKey(segment)
	if err != nil {
		return nil, &MarketDataError{Op: "option_chain", Err: err}
	}
	chain, err := g.broker.OptionChain(ctx, dhan.OptionChainRequest{
		UnderlyingScrip: underlyingScrip,
		UnderlyingSeg:   key,
		Expiry:          expiry,
	})
	if err != nil {
		return nil, &MarketDataError{Op: "option_chain", Err: err}
	}
	return chain, nil
}

// Positions fetches broker-side open positions
func (g *Gateway) Positions(ctx context.Context) ([]dhan.Position, error) {
	positions, err := g.broker.Positions(ctx)
	if err != nil {
		return nil, &MarketDataError{Op: "positions", Err: err}
	}
	return positions, nil
}
