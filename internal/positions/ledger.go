// Package positions tracks one open exposure per (segment, security id) pair,
// weighted-averaging the entry price across repeated fills.
package positions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Position status values
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Errors for ledger operations
var (
	ErrInvalidFill      = errors.New("fill must have positive quantity and price")
	ErrInvalidSide      = errors.New("side must be BUY or SELL")
	ErrNoActivePosition = errors.New("no active position for key")
)

// Position is one tracked exposure. At most one active Position exists per
// (segment, security id) at any time.
type Position struct {
	ID          int64             `json:"id"`
	Segment     string            `json:"segment"`
	SecurityID  string            `json:"security_id"`
	Symbol      string            `json:"symbol"`
	Status      string            `json:"status"`
	Quantity    int64             `json:"quantity"` // signed: negative = short
	EntryPrice  decimal.Decimal   `json:"entry_price"`
	ExitPrice   decimal.Decimal   `json:"exit_price"`
	ExitedAt    *time.Time        `json:"exited_at,omitempty"`
	RealizedPnL decimal.Decimal   `json:"realized_pnl"`
	LastOrderNo string            `json:"last_order_no"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Repository persists positions. FindActive returns (nil, nil) when no active
// row exists for the key.
type Repository interface {
	Create(ctx context.Context, p *Position) error
	Update(ctx context.Context, p *Position) error
	FindActive(ctx context.Context, segment, securityID string) (*Position, error)
	ListOpen(ctx context.Context) ([]*Position, error)
}

// Fill is one executed order quantity at a price
type Fill struct {
	Segment    string
	SecurityID string
	Symbol     string
	Side       string // BUY or SELL
	Quantity   int64  // positive; Side determines sign
	Price      decimal.Decimal
	OrderNo    string
	Meta       map[string]string
}

// Ledger serializes all updates per (segment, security id) key so concurrent
// fills never lose an update. The repository may be nil for pure in-memory
// (paper) runs.
type Ledger struct {
	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
	active   map[string]*Position
	nextID   int64

	repo Repository
	log  zerolog.Logger
}

// NewLedger creates a ledger over an optional repository
func NewLedger(repo Repository, log zerolog.Logger) *Ledger {
	return &Ledger{
		keyLocks: make(map[string]*sync.Mutex),
		active:   make(map[string]*Position),
		nextID:   1,
		repo:     repo,
		log:      log.With().Str("component", "PositionLedger").Logger(),
	}
}

func positionKey(segment, securityID string) string {
	return segment + ":" + securityID
}

// lockKey returns the mutex guarding one position key, creating it on first use
func (l *Ledger) lockKey(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		l.keyLocks[key] = m
	}
	return m
}

// RecordFill applies one fill: finds the active position for the key and
// weighted-averages the entry price, or creates a new active position. It
// never creates a second active position for a key and never closes one.
func (l *Ledger) RecordFill(ctx context.Context, fill Fill) (*Position, error) {
	if fill.Quantity <= 0 || !fill.Price.IsPositive() {
		return nil, ErrInvalidFill
	}
	var signedQty int64
	switch fill.Side {
	case "BUY":
		signedQty = fill.Quantity
	case "SELL":
		signedQty = -fill.Quantity
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, fill.Side)
	}

	key := positionKey(fill.Segment, fill.SecurityID)
	lock := l.lockKey(key)
	lock.Lock()
	defer lock.Unlock()

	pos, err := l.findActiveLocked(ctx, key, fill.Segment, fill.SecurityID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if pos == nil {
		pos = &Position{
			Segment:     fill.Segment,
			SecurityID:  fill.SecurityID,
			Symbol:      fill.Symbol,
			Status:      StatusActive,
			Quantity:    signedQty,
			EntryPrice:  fill.Price,
			LastOrderNo: fill.OrderNo,
			Meta:        fill.Meta,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if l.repo != nil {
			if err := l.repo.Create(ctx, pos); err != nil {
				return nil, fmt.Errorf("create position: %w", err)
			}
		} else {
			l.mu.Lock()
			pos.ID = l.nextID
			l.nextID++
			l.mu.Unlock()
		}
		l.storeActive(key, pos)
		l.log.Info().
			Str("segment", fill.Segment).Str("security_id", fill.SecurityID).
			Int64("qty", pos.Quantity).Str("entry", pos.EntryPrice.String()).
			Msg("position opened")
		return l.snapshot(pos), nil
	}

	oldQty := decimal.NewFromInt(pos.Quantity)
	fillQty := decimal.NewFromInt(signedQty)
	newQty := pos.Quantity + signedQty

	// new_avg = (old_avg*old_qty + fill_price*fill_qty) / new_qty.
	// A fill that flattens the position to zero keeps the last average; the
	// exit path, not averaging, is what closes a position.
	if newQty != 0 {
		weighted := pos.EntryPrice.Mul(oldQty).Add(fill.Price.Mul(fillQty))
		pos.EntryPrice = weighted.Div(decimal.NewFromInt(newQty))
	}
	pos.Quantity = newQty
	pos.LastOrderNo = fill.OrderNo
	pos.UpdatedAt = now
	for k, v := range fill.Meta {
		if pos.Meta == nil {
			pos.Meta = make(map[string]string)
		}
		pos.Meta[k] = v
	}

	if l.repo != nil {
		if err := l.repo.Update(ctx, pos); err != nil {
			return nil, fmt.Errorf("update position: %w", err)
		}
	}
	l.log.Info().
		Str("segment", fill.Segment).Str("security_id", fill.SecurityID).
		Int64("qty", pos.Quantity).Str("entry", pos.EntryPrice.String()).
		Msg("position averaged")
	return l.snapshot(pos), nil
}

// Close flips the active position for a key to closed, exactly once, and
// computes realized PnL from the exit price.
func (l *Ledger) Close(ctx context.Context, segment, securityID string, exitPrice decimal.Decimal) (*Position, error) {
	if !exitPrice.IsPositive() {
		return nil, fmt.Errorf("exit price must be positive, got %s", exitPrice)
	}

	key := positionKey(segment, securityID)
	lock := l.lockKey(key)
	lock.Lock()
	defer lock.Unlock()

	pos, err := l.findActiveLocked(ctx, key, segment, securityID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, ErrNoActivePosition
	}

	now := time.Now()
	pos.Status = StatusClosed
	pos.ExitPrice = exitPrice
	pos.ExitedAt = &now
	pos.RealizedPnL = exitPrice.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(pos.Quantity))
	pos.UpdatedAt = now

	if l.repo != nil {
		if err := l.repo.Update(ctx, pos); err != nil {
			return nil, fmt.Errorf("close position: %w", err)
		}
	}

	l.mu.Lock()
	delete(l.active, key)
	l.mu.Unlock()

	l.log.Info().
		Str("segment", segment).Str("security_id", securityID).
		Str("exit", exitPrice.String()).Str("pnl", pos.RealizedPnL.String()).
		Msg("position closed")
	return l.snapshot(pos), nil
}

// ListOpen returns all active positions
func (l *Ledger) ListOpen(ctx context.Context) ([]*Position, error) {
	if l.repo != nil {
		return l.repo.ListOpen(ctx)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Position, 0, len(l.active))
	for _, pos := range l.active {
		out = append(out, l.snapshot(pos))
	}
	return out, nil
}

// OpenCount returns the number of active positions
func (l *Ledger) OpenCount(ctx context.Context) (int, error) {
	open, err := l.ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	return len(open), nil
}

// findActiveLocked must be called holding the key lock
func (l *Ledger) findActiveLocked(ctx context.Context, key, segment, securityID string) (*Position, error) {
	l.mu.Lock()
	pos, ok := l.active[key]
	l.mu.Unlock()
	if ok {
		return pos, nil
	}
	if l.repo == nil {
		return nil, nil
	}
	pos, err := l.repo.FindActive(ctx, segment, securityID)
	if err != nil {
		return nil, fmt.Errorf("find active position: %w", err)
	}
	if pos != nil {
		l.storeActive(key, pos)
	}
	return pos, nil
}

func (l *Ledger) storeActive(key string, pos *Position) {
	l.mu.Lock()
	l.active[key] = pos
	l.mu.Unlock()
}

// snapshot copies a position so callers cannot mutate ledger state
func (l *Ledger) snapshot(pos *Position) *Position {
	cp := *pos
	if pos.Meta != nil {
		cp.Meta = make(map[string]string, len(pos.Meta))
		for k, v := range pos.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}
