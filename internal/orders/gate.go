package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dhan-agent-bot/internal/dhan"
	"dhan-agent-bot/internal/marketdata"
	"dhan-agent-bot/internal/positions"
)

// Errors for gate operations
var (
	ErrInvalidPlan       = errors.New("invalid order payload")
	ErrNoActionablePrice = errors.New("no actionable price for instrument")
	ErrMaxPositionsOpen  = errors.New("max concurrent positions reached")
)

// Paper-mode result statuses
const (
	StatusBracketSimulated = "BRACKET_SIMULATED"
	StatusPaperSimulated   = "PAPER_SIMULATED"
	StatusModifySimulated  = "MODIFY_SIMULATED"
	StatusExitSimulated    = "EXIT_SIMULATED"
)

// BrokerAPI is the order surface of the Dhan client
type BrokerAPI interface {
	PlaceOrder(ctx context.Context, req dhan.OrderRequest) (*dhan.OrderResponse, error)
	PlaceSuperOrder(ctx context.Context, req dhan.SuperOrderRequest) (*dhan.OrderResponse, error)
	ModifySuperOrder(ctx context.Context, orderID string, req dhan.ModifySuperOrderRequest) (*dhan.OrderResponse, error)
	CancelSuperOrder(ctx context.Context, orderID, leg string) (*dhan.OrderResponse, error)
}

// PriceSource supplies an actionable price for fills and exits
type PriceSource interface {
	Resolve(ctx context.Context, segment, securityID string, meta map[string]any, fallbackToAPI bool) (decimal.Decimal, bool)
}

// BracketPlan describes one bracket order: entry plus stop-loss and target legs
type BracketPlan struct {
	Symbol      string
	Segment     string
	SecurityID  string
	Side        string // BUY or SELL
	Quantity    int64
	ProductType string
	OrderType   string
	Price       decimal.Decimal // optional for market entries
	StopLoss    decimal.Decimal
	Target      decimal.Decimal
	Meta        map[string]any
}

func (p BracketPlan) validate() error {
	if p.Symbol == "" || p.Segment == "" || p.SecurityID == "" {
		return fmt.Errorf("%w: symbol, segment and security_id are required", ErrInvalidPlan)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidPlan)
	}
	if p.Side != dhan.TransactionBuy && p.Side != dhan.TransactionSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidPlan)
	}
	if p.ProductType == "" || p.OrderType == "" {
		return fmt.Errorf("%w: product_type and order_type are required", ErrInvalidPlan)
	}
	if !p.StopLoss.IsPositive() || !p.Target.IsPositive() {
		return fmt.Errorf("%w: stop_loss and target must be positive", ErrInvalidPlan)
	}
	return nil
}

// OrderPlan describes a plain single-leg order
type OrderPlan struct {
	Symbol      string
	Segment     string
	SecurityID  string
	Side        string
	Quantity    int64
	ProductType string
	OrderType   string
	Price       decimal.Decimal
	Meta        map[string]any
}

func (p OrderPlan) validate() error {
	if p.Symbol == "" || p.Segment == "" || p.SecurityID == "" {
		return fmt.Errorf("%w: symbol, segment and security_id are required", ErrInvalidPlan)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidPlan)
	}
	if p.Side != dhan.TransactionBuy && p.Side != dhan.TransactionSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidPlan)
	}
	if p.ProductType == "" || p.OrderType == "" {
		return fmt.Errorf("%w: product_type and order_type are required", ErrInvalidPlan)
	}
	return nil
}

// ModifyStopLossRequest adjusts the stop-loss leg of an open bracket
type ModifyStopLossRequest struct {
	OrderID  string
	StopLoss decimal.Decimal
}

// ExitRequest squares off the active position for a key, cancelling the
// bracket's remaining legs when an order id is known
type ExitRequest struct {
	OrderID    string
	Segment    string
	SecurityID string
	Meta       map[string]any
}

// Gate executes order operations at most once per idempotency token. In paper
// mode it fabricates deterministic results and never touches the broker.
type Gate struct {
	broker BrokerAPI
	store  IdempotencyStore
	ledger *positions.Ledger
	prices PriceSource

	live          bool
	maxConcurrent int

	log zerolog.Logger
}

// NewGate creates an order gate. broker may be nil when live is false.
func NewGate(broker BrokerAPI, store IdempotencyStore, ledger *positions.Ledger, prices PriceSource, live bool, maxConcurrent int, log zerolog.Logger) *Gate {
	return &Gate{
		broker:        broker,
		store:         store,
		ledger:        ledger,
		prices:        prices,
		live:          live,
		maxConcurrent: maxConcurrent,
		log:           log.With().Str("component", "OrderGate").Logger(),
	}
}

func paperOrderID() string {
	return "PAPER_" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:12])
}

// recall returns the recorded result for a token, if any
func (g *Gate) recall(ctx context.Context, token string) (Result, bool, error) {
	if token == "" || g.store == nil {
		return Result{}, false, nil
	}
	result, found, err := g.store.Get(ctx, token)
	if err != nil {
		return Result{}, false, err
	}
	if found {
		g.log.Info().Str("token", token).Str("order_id", result.OrderID).
			Msg("idempotent replay, broker call skipped")
	}
	return result, found, nil
}

// record stores the result under the token; on a lost race the winner's
// result is returned instead.
func (g *Gate) record(ctx context.Context, token string, result Result) (Result, bool, error) {
	if token == "" || g.store == nil {
		return result, true, nil
	}
	return g.store.PutIfAbsent(ctx, token, result)
}

// PlaceBracket places a bracket order at most once per idempotency key
func (g *Gate) PlaceBracket(ctx context.Context, plan BracketPlan, idempotencyKey string) (Result, error) {
	if err := plan.validate(); err != nil {
		return Result{}, err
	}

	if stored, found, err := g.recall(ctx, idempotencyKey); err != nil {
		return Result{}, err
	} else if found {
		return stored, nil
	}

	if err := g.checkConcurrency(ctx); err != nil {
		return Result{}, err
	}

	segmentKey, err := marketdata.SegmentKey(plan.Segment)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	entryPrice, ok := g.entryPrice(ctx, segmentKey, plan.SecurityID, plan.Price, plan.Meta)
	if !ok {
		return Result{}, ErrNoActionablePrice
	}

	var result Result
	if g.live {
		resp, err := g.broker.PlaceSuperOrder(ctx, dhan.SuperOrderRequest{
			CorrelationID:   idempotencyKey,
			TransactionType: plan.Side,
			ExchangeSegment: segmentKey,
			ProductType:     plan.ProductType,
			OrderType:       plan.OrderType,
			SecurityID:      plan.SecurityID,
			Quantity:        plan.Quantity,
			Price:           plan.Price.InexactFloat64(),
			TargetPrice:     plan.Target.InexactFloat64(),
			StopLossPrice:   plan.StopLoss.InexactFloat64(),
		})
		if err != nil {
			return Result{}, err
		}
		result = Result{OrderID: resp.OrderID, Status: resp.OrderStatus}
	} else {
		result = Result{
			OrderID: paperOrderID(),
			Status:  StatusBracketSimulated,
			Payload: map[string]any{
				"symbol":       plan.Symbol,
				"segment":      segmentKey,
				"security_id":  plan.SecurityID,
				"side":         plan.Side,
				"quantity":     plan.Quantity,
				"product_type": plan.ProductType,
				"order_type":   plan.OrderType,
				"entry_price":  entryPrice.String(),
				"stop_loss":    plan.StopLoss.String(),
				"target":       plan.Target.String(),
			},
		}
	}

	recorded, stored, err := g.record(ctx, idempotencyKey, result)
	if err != nil {
		return Result{}, err
	}
	if !stored {
		return recorded, nil
	}

	g.recordFill(ctx, positions.Fill{
		Segment:    segmentKey,
		SecurityID: plan.SecurityID,
		Symbol:     plan.Symbol,
		Side:       plan.Side,
		Quantity:   plan.Quantity,
		Price:      entryPrice,
		OrderNo:    result.OrderID,
		Meta: map[string]string{
			"stop_loss": plan.StopLoss.String(),
			"target":    plan.Target.String(),
		},
	})

	g.log.Info().Str("order_id", result.OrderID).Str("status", result.Status).
		Bool("live", g.live).Msg("bracket placed")
	return result, nil
}

// Place places a plain single-leg order at most once per idempotency key
func (g *Gate) Place(ctx context.Context, plan OrderPlan, idempotencyKey string) (Result, error) {
	if err := plan.validate(); err != nil {
		return Result{}, err
	}

	if stored, found, err := g.recall(ctx, idempotencyKey); err != nil {
		return Result{}, err
	} else if found {
		return stored, nil
	}

	if err := g.checkConcurrency(ctx); err != nil {
		return Result{}, err
	}

	segmentKey, err := marketdata.SegmentKey(plan.Segment)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	entryPrice, ok := g.entryPrice(ctx, segmentKey, plan.SecurityID, plan.Price, plan.Meta)
	if !ok {
		return Result{}, ErrNoActionablePrice
	}

	var result Result
	if g.live {
		resp, err := g.broker.PlaceOrder(ctx, dhan.OrderRequest{
			CorrelationID:   idempotencyKey,
			TransactionType: plan.Side,
			ExchangeSegment: segmentKey,
			ProductType:     plan.ProductType,
			OrderType:       plan.OrderType,
			SecurityID:      plan.SecurityID,
			Quantity:        plan.Quantity,
			Price:           plan.Price.InexactFloat64(),
		})
		if err != nil {
			return Result{}, err
		}
		result = Result{OrderID: resp.OrderID, Status: resp.OrderStatus}
	} else {
		result = Result{
			OrderID: paperOrderID(),
			Status:  StatusPaperSimulated,
			Payload: map[string]any{
				"symbol":      plan.Symbol,
				"segment":     segmentKey,
				"security_id": plan.SecurityID,
				"side":        plan.Side,
				"quantity":    plan.Quantity,
				"order_type":  plan.OrderType,
				"entry_price": entryPrice.String(),
			},
		}
	}

	recorded, stored, err := g.record(ctx, idempotencyKey, result)
	if err != nil {
		return Result{}, err
	}
	if !stored {
		return recorded, nil
	}

	g.recordFill(ctx, positions.Fill{
		Segment:    segmentKey,
		SecurityID: plan.SecurityID,
		Symbol:     plan.Symbol,
		Side:       plan.Side,
		Quantity:   plan.Quantity,
		Price:      entryPrice,
		OrderNo:    result.OrderID,
	})

	g.log.Info().Str("order_id", result.OrderID).Str("status", result.Status).
		Bool("live", g.live).Msg("order placed")
	return result, nil
}

// ModifyStopLoss moves the stop-loss leg of an open bracket
func (g *Gate) ModifyStopLoss(ctx context.Context, req ModifyStopLossRequest) (Result, error) {
	if req.OrderID == "" {
		return Result{}, fmt.Errorf("%w: order_id is required", ErrInvalidPlan)
	}
	if !req.StopLoss.IsPositive() {
		return Result{}, fmt.Errorf("%w: stop_loss must be positive", ErrInvalidPlan)
	}

	if !g.live {
		return Result{
			OrderID: req.OrderID,
			Status:  StatusModifySimulated,
			Payload: map[string]any{"stop_loss": req.StopLoss.String()},
		}, nil
	}

	resp, err := g.broker.ModifySuperOrder(ctx, req.OrderID, dhan.ModifySuperOrderRequest{
		LegName:       dhan.LegStopLoss,
		StopLossPrice: req.StopLoss.InexactFloat64(),
	})
	if err != nil {
		return Result{}, err
	}
	g.log.Info().Str("order_id", resp.OrderID).Str("stop_loss", req.StopLoss.String()).
		Msg("stop loss modified")
	return Result{OrderID: resp.OrderID, Status: resp.OrderStatus}, nil
}

// Exit squares off the active position for a key: cancels the bracket's open
// legs when an order id is known, places the offsetting order live, and closes
// the ledger entry at the resolved price.
func (g *Gate) Exit(ctx context.Context, req ExitRequest) (Result, error) {
	if req.Segment == "" || req.SecurityID == "" {
		return Result{}, fmt.Errorf("%w: segment and security_id are required", ErrInvalidPlan)
	}

	segmentKey, err := marketdata.SegmentKey(req.Segment)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	exitPrice, ok := g.resolvePrice(ctx, segmentKey, req.SecurityID, req.Meta)
	if !ok {
		return Result{}, ErrNoActionablePrice
	}

	var result Result
	if g.live {
		if req.OrderID != "" {
			if _, err := g.broker.CancelSuperOrder(ctx, req.OrderID, dhan.LegEntry); err != nil {
				// Already-final legs are fine; the square-off below still runs
				g.log.Warn().Err(err).Str("order_id", req.OrderID).Msg("bracket cancel failed")
			}
		}
		side, qty, err := g.offsettingOrder(ctx, segmentKey, req.SecurityID)
		if err != nil {
			return Result{}, err
		}
		resp, err := g.broker.PlaceOrder(ctx, dhan.OrderRequest{
			TransactionType: side,
			ExchangeSegment: segmentKey,
			ProductType:     dhan.ProductIntraday,
			OrderType:       dhan.OrderTypeMarket,
			SecurityID:      req.SecurityID,
			Quantity:        qty,
		})
		if err != nil {
			return Result{}, err
		}
		result = Result{OrderID: resp.OrderID, Status: "EXITED"}
	} else {
		result = Result{
			OrderID: paperOrderID(),
			Status:  StatusExitSimulated,
			Payload: map[string]any{
				"segment":     segmentKey,
				"security_id": req.SecurityID,
				"exit_price":  exitPrice.String(),
			},
		}
	}

	if g.ledger != nil {
		if _, err := g.ledger.Close(ctx, segmentKey, req.SecurityID, exitPrice); err != nil {
			if errors.Is(err, positions.ErrNoActivePosition) {
				return Result{}, err
			}
			g.log.Error().Err(err).Msg("ledger close failed after exit")
		}
	}

	g.log.Info().Str("order_id", result.OrderID).Str("exit_price", exitPrice.String()).
		Bool("live", g.live).Msg("position exited")
	return result, nil
}

func (g *Gate) checkConcurrency(ctx context.Context) error {
	if g.ledger == nil || g.maxConcurrent <= 0 {
		return nil
	}
	count, err := g.ledger.OpenCount(ctx)
	if err != nil {
		return err
	}
	if count >= g.maxConcurrent {
		return fmt.Errorf("%w (%d open)", ErrMaxPositionsOpen, count)
	}
	return nil
}

// entryPrice prefers the plan's limit price, then the resolver
func (g *Gate) entryPrice(ctx context.Context, segmentKey, securityID string, planPrice decimal.Decimal, meta map[string]any) (decimal.Decimal, bool) {
	if planPrice.IsPositive() {
		return planPrice, true
	}
	return g.resolvePrice(ctx, segmentKey, securityID, meta)
}

func (g *Gate) resolvePrice(ctx context.Context, segmentKey, securityID string, meta map[string]any) (decimal.Decimal, bool) {
	if g.prices == nil {
		return decimal.Zero, false
	}
	return g.prices.Resolve(ctx, segmentKey, securityID, meta, true)
}

// offsettingOrder derives the square-off side and quantity from the ledger
func (g *Gate) offsettingOrder(ctx context.Context, segmentKey, securityID string) (string, int64, error) {
	if g.ledger == nil {
		return "", 0, positions.ErrNoActivePosition
	}
	open, err := g.ledger.ListOpen(ctx)
	if err != nil {
		return "", 0, err
	}
	for _, pos := range open {
		if pos.Segment == segmentKey && pos.SecurityID == securityID {
			if pos.Quantity > 0 {
				return dhan.TransactionSell, pos.Quantity, nil
			}
			return dhan.TransactionBuy, -pos.Quantity, nil
		}
	}
	return "", 0, positions.ErrNoActivePosition
}

func (g *Gate) recordFill(ctx context.Context, fill positions.Fill) {
	if g.ledger == nil {
		return
	}
	if _, err := g.ledger.RecordFill(ctx, fill); err != nil {
		g.log.Error().Err(err).Str("order_no", fill.OrderNo).Msg("ledger fill failed")
	}
}
