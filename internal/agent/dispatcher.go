package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dhan-agent-bot/config"
	"dhan-agent-bot/internal/dhan"
	"dhan-agent-bot/internal/marketdata"
	"dhan-agent-bot/internal/orders"
	"dhan-agent-bot/internal/positions"
)

// MarketData is the read surface the dispatcher consumes
type MarketData interface {
	Quote(ctx context.Context, segment, securityID string) (*dhan.Quote, error)
	OHLC(ctx context.Context, segment, securityID, instrument, interval string, count int) ([]dhan.Candle, error)
	OptionChain(ctx context.Context, segment string, underlyingScrip int, expiry string) (*dhan.OptionChain, error)
}

// OrderExecutor is the side-effecting surface the dispatcher consumes
type OrderExecutor interface {
	Place(ctx context.Context, plan orders.OrderPlan, idempotencyKey string) (orders.Result, error)
	PlaceBracket(ctx context.Context, plan orders.BracketPlan, idempotencyKey string) (orders.Result, error)
	ModifyStopLoss(ctx context.Context, req orders.ModifyStopLossRequest) (orders.Result, error)
	Exit(ctx context.Context, req orders.ExitRequest) (orders.Result, error)
}

// PositionLister exposes the ledger's open positions
type PositionLister interface {
	ListOpen(ctx context.Context) ([]*positions.Position, error)
}

// Dispatcher maps tool names to handlers over a closed table and normalizes
// every outcome into an Observation. Nothing escapes this boundary as an
// error or panic.
type Dispatcher struct {
	market MarketData
	cache  *marketdata.ShortTTLCache
	orders OrderExecutor
	ledger PositionLister
	risk   config.RiskConfig

	chainTTL time.Duration

	log zerolog.Logger
}

// NewDispatcher creates a tool dispatcher
func NewDispatcher(market MarketData, cache *marketdata.ShortTTLCache, executor OrderExecutor, ledger PositionLister, risk config.RiskConfig, chainTTL time.Duration, log zerolog.Logger) *Dispatcher {
	if chainTTL <= 0 {
		chainTTL = marketdata.OptionChainTTL
	}
	return &Dispatcher{
		market:   market,
		cache:    cache,
		orders:   executor,
		ledger:   ledger,
		risk:     risk,
		chainTTL: chainTTL,
		log:      log.With().Str("component", "ToolDispatcher").Logger(),
	}
}

type handler func(ctx context.Context, args map[string]any) (any, string, error)

func (d *Dispatcher) handlers() map[string]handler {
	return map[string]handler{
		"market.quote":         d.marketQuote,
		"market.ohlc":          d.marketOHLC,
		"market.option_chain":  d.marketOptionChain,
		"positions.list":       d.positionsList,
		"risk.analyze":         d.riskAnalyze,
		"orders.place":         d.ordersPlace,
		"orders.place_bracket": d.ordersPlaceBracket,
		"orders.modify_sl":     d.ordersModifySL,
		"orders.exit":          d.ordersExit,
	}
}

// Dispatch executes one tool call and always returns an Observation
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolCall) (obs Observation) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("tool", call.Tool).Msg("tool handler panicked")
			obs = Observation{Tool: call.Tool, OK: false, Hint: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	fn, known := d.handlers()[call.Tool]
	if !known {
		return Observation{Tool: call.Tool, OK: false, Hint: "Unsupported tool"}
	}

	result, hint, err := fn(ctx, call.Args)
	if err != nil {
		if isPayloadError(err) {
			d.log.Warn().Err(err).Str("tool", call.Tool).Msg("rejected tool payload")
			return Observation{Tool: call.Tool, OK: false, Hint: "Fix payload: " + err.Error()}
		}
		d.log.Error().Err(err).Str("tool", call.Tool).Msg("tool call failed")
		return Observation{Tool: call.Tool, OK: false, Hint: err.Error()}
	}
	return Observation{Tool: call.Tool, OK: true, Result: result, Hint: hint}
}

// errBadArgs marks argument-shape failures so they map to a "Fix payload" hint
var errBadArgs = errors.New("bad arguments")

func isPayloadError(err error) bool {
	return errors.Is(err, errBadArgs) || errors.Is(err, orders.ErrInvalidPlan)
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", errBadArgs, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", errBadArgs, key)
	}
	return s, nil
}

func optString(args map[string]any, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

func argInt(args map[string]any, key string) (int64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", errBadArgs, key)
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number", errBadArgs, key)
	}
}

func optInt(args map[string]any, key string, fallback int64) int64 {
	n, err := argInt(args, key)
	if err != nil {
		return fallback
	}
	return n
}

func argDecimal(args map[string]any, key string) (decimal.Decimal, error) {
	v, ok := args[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: missing %q", errBadArgs, key)
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %q is not a number", errBadArgs, key)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %q must be a number", errBadArgs, key)
	}
}

func optDecimal(args map[string]any, key string) decimal.Decimal {
	d, err := argDecimal(args, key)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (d *Dispatcher) marketQuote(ctx context.Context, args map[string]any) (any, string, error) {
	segment, err := argString(args, "segment")
	if err != nil {
		return nil, "", err
	}
	securityID, err := argString(args, "security_id")
	if err != nil {
		return nil, "", err
	}
	quote, err := d.cache.Fetch("quote:"+segment+":"+securityID, marketdata.QuoteTTL, func() (any, error) {
		return d.market.Quote(ctx, segment, securityID)
	})
	if err != nil {
		return nil, "", err
	}
	return quote, "", nil
}

func (d *Dispatcher) marketOHLC(ctx context.Context, args map[string]any) (any, string, error) {
	segment, err := argString(args, "segment")
	if err != nil {
		return nil, "", err
	}
	securityID, err := argString(args, "security_id")
	if err != nil {
		return nil, "", err
	}
	instrument := optString(args, "instrument")
	interval := optString(args, "interval")
	count := int(optInt(args, "count", 50))

	key := fmt.Sprintf("ohlc:%s:%s:%s:%s:%d", segment, securityID, instrument, interval, count)
	candles, err := d.cache.Fetch(key, marketdata.OHLCTTL, func() (any, error) {
		return d.market.OHLC(ctx, segment, securityID, instrument, interval, count)
	})
	if err != nil {
		return nil, "", err
	}
	return candles, "", nil
}

func (d *Dispatcher) marketOptionChain(ctx context.Context, args map[string]any) (any, string, error) {
	segment, err := argString(args, "segment")
	if err != nil {
		return nil, "", err
	}
	scrip, err := argInt(args, "underlying_scrip")
	if err != nil {
		return nil, "", err
	}
	expiry, err := argString(args, "expiry")
	if err != nil {
		return nil, "", err
	}
	key := fmt.Sprintf("chain:%s:%d:%s", segment, scrip, expiry)
	chain, err := d.cache.Fetch(key, d.chainTTL, func() (any, error) {
		return d.market.OptionChain(ctx, segment, int(scrip), expiry)
	})
	if err != nil {
		return nil, "", err
	}
	return chain, "", nil
}

func (d *Dispatcher) positionsList(ctx context.Context, args map[string]any) (any, string, error) {
	open, err := d.ledger.ListOpen(ctx)
	if err != nil {
		return nil, "", err
	}
	if len(open) == 0 {
		return open, "No open positions", nil
	}
	return open, "", nil
}

// riskAnalyze sizes a trade from the configured capital and per-trade risk:
// quantity = floor(capital * risk% / |entry - stop|). It echoes the planner's
// args so its conclusion text flows into the observation.
func (d *Dispatcher) riskAnalyze(ctx context.Context, args map[string]any) (any, string, error) {
	entry, err := argDecimal(args, "entry_price")
	if err != nil {
		return nil, "", err
	}
	stop, err := argDecimal(args, "stop_loss")
	if err != nil {
		return nil, "", err
	}

	perUnitRisk := entry.Sub(stop).Abs()
	riskBudget := d.risk.CapitalBase * d.risk.PerTradeRiskPct / 100

	quantity := int64(0)
	if perUnitRisk.IsPositive() {
		quantity = int64(math.Floor(riskBudget / perUnitRisk.InexactFloat64()))
	}

	result := make(map[string]any, len(args)+6)
	for k, v := range args {
		result[k] = v
	}
	// Computed keys overwrite any same-named args; the sizing is ours, not the planner's.
	result["quantity"] = quantity
	result["per_unit_risk"] = perUnitRisk.String()
	result["risk_budget"] = riskBudget
	result["capital_base"] = d.risk.CapitalBase
	result["per_trade_risk_pct"] = d.risk.PerTradeRiskPct
	result["target_profit"] = d.risk.TargetProfit
	return result, "", nil
}

func (d *Dispatcher) ordersPlace(ctx context.Context, args map[string]any) (any, string, error) {
	plan := orders.OrderPlan{
		Symbol:      optString(args, "symbol"),
		Segment:     optString(args, "segment"),
		SecurityID:  optString(args, "security_id"),
		Side:        optString(args, "side"),
		Quantity:    optInt(args, "quantity", 0),
		ProductType: optString(args, "product_type"),
		OrderType:   optString(args, "order_type"),
		Price:       optDecimal(args, "price"),
		Meta:        args,
	}
	result, err := d.orders.Place(ctx, plan, optString(args, "idempotency_key"))
	if err != nil {
		return nil, "", err
	}
	return result, "Order placed: " + result.OrderID, nil
}

func (d *Dispatcher) ordersPlaceBracket(ctx context.Context, args map[string]any) (any, string, error) {
	stopLoss, err := argDecimal(args, "stop_loss")
	if err != nil {
		return nil, "", err
	}
	target, err := argDecimal(args, "target")
	if err != nil {
		return nil, "", err
	}
	plan := orders.BracketPlan{
		Symbol:      optString(args, "symbol"),
		Segment:     optString(args, "segment"),
		SecurityID:  optString(args, "security_id"),
		Side:        optString(args, "side"),
		Quantity:    optInt(args, "quantity", 0),
		ProductType: optString(args, "product_type"),
		OrderType:   optString(args, "order_type"),
		Price:       optDecimal(args, "price"),
		StopLoss:    stopLoss,
		Target:      target,
		Meta:        args,
	}
	result, err := d.orders.PlaceBracket(ctx, plan, optString(args, "idempotency_key"))
	if err != nil {
		return nil, "", err
	}
	return result, "Bracket placed: " + result.OrderID, nil
}

func (d *Dispatcher) ordersModifySL(ctx context.Context, args map[string]any) (any, string, error) {
	orderID, err := argString(args, "order_id")
	if err != nil {
		return nil, "", err
	}
	stopLoss, err := argDecimal(args, "stop_loss")
	if err != nil {
		return nil, "", err
	}
	result, err := d.orders.ModifyStopLoss(ctx, orders.ModifyStopLossRequest{
		OrderID:  orderID,
		StopLoss: stopLoss,
	})
	if err != nil {
		return nil, "", err
	}
	return result, "Stop loss updated", nil
}

func (d *Dispatcher) ordersExit(ctx context.Context, args map[string]any) (any, string, error) {
	segment, err := argString(args, "segment")
	if err != nil {
		return nil, "", err
	}
	securityID, err := argString(args, "security_id")
	if err != nil {
		return nil, "", err
	}
	result, err := d.orders.Exit(ctx, orders.ExitRequest{
		OrderID:    optString(args, "order_id"),
		Segment:    segment,
		SecurityID: securityID,
		Meta:       args,
	})
	if err != nil {
		return nil, "", err
	}
	return result, "Position exited: " + result.OrderID, nil
}
