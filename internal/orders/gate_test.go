package orders

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhan-agent-bot/internal/dhan"
	"dhan-agent-bot/internal/logging"
	"dhan-agent-bot/internal/positions"
)

// countingBroker records every order call
type countingBroker struct {
	mu          sync.Mutex
	placeCalls  int
	superCalls  int
	modifyCalls int
	cancelCalls int
	lastSuper   dhan.SuperOrderRequest
	err         error
}

func (b *countingBroker) PlaceOrder(ctx context.Context, req dhan.OrderRequest) (*dhan.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeCalls++
	if b.err != nil {
		return nil, b.err
	}
	return &dhan.OrderResponse{OrderID: "ORD-PLAIN", OrderStatus: "TRANSIT"}, nil
}

func (b *countingBroker) PlaceSuperOrder(ctx context.Context, req dhan.SuperOrderRequest) (*dhan.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.superCalls++
	b.lastSuper = req
	if b.err != nil {
		return nil, b.err
	}
	return &dhan.OrderResponse{OrderID: "ORD-SUPER", OrderStatus: "PENDING"}, nil
}

func (b *countingBroker) ModifySuperOrder(ctx context.Context, orderID string, req dhan.ModifySuperOrderRequest) (*dhan.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modifyCalls++
	return &dhan.OrderResponse{OrderID: orderID, OrderStatus: "MODIFIED"}, nil
}

func (b *countingBroker) CancelSuperOrder(ctx context.Context, orderID, leg string) (*dhan.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCalls++
	return &dhan.OrderResponse{OrderID: orderID, OrderStatus: "CANCELLED"}, nil
}

type fixedPrice struct {
	price decimal.Decimal
	miss  bool
}

func (f *fixedPrice) Resolve(ctx context.Context, segment, securityID string, meta map[string]any, fallback bool) (decimal.Decimal, bool) {
	if f.miss {
		return decimal.Zero, false
	}
	return f.price, true
}

func bracketPlan() BracketPlan {
	return BracketPlan{
		Symbol:      "NIFTY25SEP24800CE",
		Segment:     "NSE_FNO",
		SecurityID:  "49081",
		Side:        dhan.TransactionBuy,
		Quantity:    75,
		ProductType: dhan.ProductIntraday,
		OrderType:   dhan.OrderTypeLimit,
		Price:       decimal.RequireFromString("101.50"),
		StopLoss:    decimal.RequireFromString("91.00"),
		Target:      decimal.RequireFromString("121.00"),
	}
}

func newTestGate(broker BrokerAPI, live bool) (*Gate, *positions.Ledger) {
	ledger := positions.NewLedger(nil, logging.Nop())
	gate := NewGate(broker, NewMemoryStore(), ledger, &fixedPrice{price: decimal.NewFromInt(100)}, live, 0, logging.Nop())
	return gate, ledger
}

func TestPlaceBracketLiveHitsBrokerOnce(t *testing.T) {
	broker := &countingBroker{}
	gate, ledger := newTestGate(broker, true)

	res, err := gate.PlaceBracket(context.Background(), bracketPlan(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "ORD-SUPER", res.OrderID)
	assert.Equal(t, 1, broker.superCalls)
	assert.Equal(t, "tok-1", broker.lastSuper.CorrelationID)

	open, err := ledger.ListOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1, "a placed bracket must open a ledger position")
	assert.True(t, open[0].EntryPrice.Equal(decimal.RequireFromString("101.50")),
		"entry follows the plan's limit price, got %s", open[0].EntryPrice)
}

func TestPlaceBracketIdempotentReplay(t *testing.T) {
	broker := &countingBroker{}
	gate, ledger := newTestGate(broker, true)
	ctx := context.Background()

	first, err := gate.PlaceBracket(ctx, bracketPlan(), "tok-dup")
	require.NoError(t, err)
	second, err := gate.PlaceBracket(ctx, bracketPlan(), "tok-dup")
	require.NoError(t, err)

	assert.Equal(t, first, second, "replay must return the recorded result")
	assert.Equal(t, 1, broker.superCalls, "the broker must be called exactly once per token")

	open, err := ledger.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.EqualValues(t, 75, open[0].Quantity, "replay must not double the fill")
}

func TestPlaceBracketPaperNeverTouchesBroker(t *testing.T) {
	broker := &countingBroker{}
	gate, _ := newTestGate(broker, false)

	res, err := gate.PlaceBracket(context.Background(), bracketPlan(), "tok-paper")
	require.NoError(t, err)

	assert.Equal(t, 0, broker.superCalls)
	assert.Equal(t, StatusBracketSimulated, res.Status)
	assert.Contains(t, res.OrderID, "PAPER_")
	assert.Equal(t, "NIFTY25SEP24800CE", res.Payload["symbol"])
	assert.Equal(t, "91.00", res.Payload["stop_loss"])
	assert.Equal(t, "121.00", res.Payload["target"])
}

func TestPlaceBracketValidation(t *testing.T) {
	gate, _ := newTestGate(&countingBroker{}, false)
	ctx := context.Background()

	bad := bracketPlan()
	bad.Quantity = 0
	_, err := gate.PlaceBracket(ctx, bad, "")
	assert.ErrorIs(t, err, ErrInvalidPlan)

	bad = bracketPlan()
	bad.StopLoss = decimal.Zero
	_, err = gate.PlaceBracket(ctx, bad, "")
	assert.ErrorIs(t, err, ErrInvalidPlan)

	bad = bracketPlan()
	bad.Segment = "NASDAQ"
	_, err = gate.PlaceBracket(ctx, bad, "")
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestPlaceBracketMaxConcurrent(t *testing.T) {
	ledger := positions.NewLedger(nil, logging.Nop())
	gate := NewGate(&countingBroker{}, NewMemoryStore(), ledger,
		&fixedPrice{price: decimal.NewFromInt(100)}, false, 1, logging.Nop())
	ctx := context.Background()

	_, err := gate.PlaceBracket(ctx, bracketPlan(), "tok-a")
	require.NoError(t, err)

	other := bracketPlan()
	other.SecurityID = "49082"
	_, err = gate.PlaceBracket(ctx, other, "tok-b")
	assert.ErrorIs(t, err, ErrMaxPositionsOpen)
}

func TestPlaceMarketUsesResolvedPrice(t *testing.T) {
	gate, ledger := newTestGate(&countingBroker{}, false)

	plan := OrderPlan{
		Symbol:      "TCS",
		Segment:     "EQUITY_CASH",
		SecurityID:  "11536",
		Side:        dhan.TransactionBuy,
		Quantity:    5,
		ProductType: dhan.ProductCNC,
		OrderType:   dhan.OrderTypeMarket,
	}
	res, err := gate.Place(context.Background(), plan, "tok-mkt")
	require.NoError(t, err)
	assert.Equal(t, StatusPaperSimulated, res.Status)

	open, err := ledger.ListOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].EntryPrice.Equal(decimal.NewFromInt(100)),
		"market entries fill at the resolved price, got %s", open[0].EntryPrice)
}

func TestPlaceMarketNoPriceErrors(t *testing.T) {
	ledger := positions.NewLedger(nil, logging.Nop())
	gate := NewGate(&countingBroker{}, NewMemoryStore(), ledger, &fixedPrice{miss: true}, false, 0, logging.Nop())

	plan := bracketPlan()
	plan.Price = decimal.Zero
	_, err := gate.PlaceBracket(context.Background(), plan, "")
	assert.ErrorIs(t, err, ErrNoActionablePrice)
}

func TestModifyStopLoss(t *testing.T) {
	broker := &countingBroker{}
	gate, _ := newTestGate(broker, true)

	res, err := gate.ModifyStopLoss(context.Background(), ModifyStopLossRequest{
		OrderID:  "ORD-SUPER",
		StopLoss: decimal.RequireFromString("95.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, broker.modifyCalls)
	assert.Equal(t, "MODIFIED", res.Status)

	_, err = gate.ModifyStopLoss(context.Background(), ModifyStopLossRequest{OrderID: "x"})
	assert.ErrorIs(t, err, ErrInvalidPlan, "non-positive stop loss must be rejected")
}

func TestModifyStopLossPaper(t *testing.T) {
	broker := &countingBroker{}
	gate, _ := newTestGate(broker, false)

	res, err := gate.ModifyStopLoss(context.Background(), ModifyStopLossRequest{
		OrderID:  "PAPER_ABC",
		StopLoss: decimal.NewFromInt(95),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, broker.modifyCalls)
	assert.Equal(t, StatusModifySimulated, res.Status)
}

func TestExitClosesLedgerPosition(t *testing.T) {
	broker := &countingBroker{}
	gate, ledger := newTestGate(broker, false)
	ctx := context.Background()

	_, err := gate.PlaceBracket(ctx, bracketPlan(), "tok-exit")
	require.NoError(t, err)

	res, err := gate.Exit(ctx, ExitRequest{Segment: "NSE_FNO", SecurityID: "49081"})
	require.NoError(t, err)
	assert.Equal(t, StatusExitSimulated, res.Status)

	open, err := ledger.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open, "exit must close the ledger position")

	_, err = gate.Exit(ctx, ExitRequest{Segment: "NSE_FNO", SecurityID: "49081"})
	assert.ErrorIs(t, err, positions.ErrNoActivePosition, "a position exits exactly once")
}

func TestExitLiveSquaresOffAndCancels(t *testing.T) {
	broker := &countingBroker{}
	gate, ledger := newTestGate(broker, true)
	ctx := context.Background()

	_, err := gate.PlaceBracket(ctx, bracketPlan(), "tok-live-exit")
	require.NoError(t, err)

	_, err = gate.Exit(ctx, ExitRequest{
		OrderID:    "ORD-SUPER",
		Segment:    "NSE_FNO",
		SecurityID: "49081",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, broker.cancelCalls, "open bracket legs must be cancelled")
	assert.Equal(t, 1, broker.placeCalls, "the square-off order must be placed")

	open, err := ledger.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}
