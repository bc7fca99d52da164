package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dhan-agent-bot/internal/dhan"
)

// FeedSource is the push-feed view the resolver consults before any REST call
type FeedSource interface {
	IsRunning() bool
	IsConnected() bool
	Subscribe(segment, securityID string) error
	LastTick(segment, securityID string) (float64, bool)
}

// PriceAPI is the pull-based fallback, typically the gateway's LTP endpoint
type PriceAPI interface {
	LTP(ctx context.Context, segment, securityID string) (decimal.Decimal, error)
}

// Resolver finds an actionable last-traded price: caller override first, then
// the tick cache, then a brief subscribe-and-poll, then one REST call.
type Resolver struct {
	feed FeedSource
	api  PriceAPI

	pollAttempts int
	pollInterval time.Duration

	log zerolog.Logger
}

// NewResolver creates a resolver. feed may be nil when the hub is disabled.
func NewResolver(feed FeedSource, api PriceAPI, log zerolog.Logger) *Resolver {
	return &Resolver{
		feed:         feed,
		api:          api,
		pollAttempts: 4,
		pollInterval: 50 * time.Millisecond,
		log:          log.With().Str("component", "TickResolver").Logger(),
	}
}

// Resolve returns a positive last-traded price and true, or false when no
// actionable price exists. It never returns an error: rate-limit noise is
// logged at debug, everything else at error, and both resolve to a miss.
func (r *Resolver) Resolve(ctx context.Context, segment, securityID string, meta map[string]any, fallbackToAPI bool) (decimal.Decimal, bool) {
	// Caller override wins unconditionally
	if meta != nil {
		if ltp, ok := metaDecimal(meta["ltp"]); ok {
			return ltp, true
		}
	}

	feedUp := r.feed != nil && r.feed.IsRunning() && r.feed.IsConnected()

	if feedUp {
		if price, ok := r.feed.LastTick(segment, securityID); ok && price > 0 {
			return decimal.NewFromFloat(price), true
		}

		if err := r.feed.Subscribe(segment, securityID); err != nil {
			r.log.Debug().Err(err).Str("security_id", securityID).Msg("feed subscribe failed")
		} else if price, ok := r.pollTicks(ctx, segment, securityID); ok {
			return price, true
		}
	}

	if fallbackToAPI && r.api != nil {
		price, err := r.api.LTP(ctx, segment, securityID)
		if err != nil {
			if isRateLimited(err) {
				r.log.Debug().Err(err).Str("security_id", securityID).Msg("ltp rate limited")
			} else {
				r.log.Error().Err(err).Str("security_id", securityID).Msg("ltp fallback failed")
			}
			return decimal.Zero, false
		}
		if price.IsPositive() {
			return price, true
		}
	}

	return decimal.Zero, false
}

// pollTicks waits briefly for the fresh subscription to produce a tick
func (r *Resolver) pollTicks(ctx context.Context, segment, securityID string) (decimal.Decimal, bool) {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	for i := 0; i < r.pollAttempts; i++ {
		select {
		case <-ctx.Done():
			return decimal.Zero, false
		case <-timer.C:
		}

		if price, ok := r.feed.LastTick(segment, securityID); ok && price > 0 {
			return decimal.NewFromFloat(price), true
		}
		timer.Reset(r.pollInterval)
	}
	return decimal.Zero, false
}

func isRateLimited(err error) bool {
	var apiErr *dhan.APIError
	if errors.As(err, &apiErr) && apiErr.IsRateLimit() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

// metaDecimal coerces the caller-supplied ltp override into a decimal
func metaDecimal(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return val, val.IsPositive()
	case float64:
		d := decimal.NewFromFloat(val)
		return d, d.IsPositive()
	case int:
		d := decimal.NewFromInt(int64(val))
		return d, d.IsPositive()
	case int64:
		d := decimal.NewFromInt(val)
		return d, d.IsPositive()
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		return d, err == nil && d.IsPositive()
	case string:
		d, err := decimal.NewFromString(val)
		return d, err == nil && d.IsPositive()
	default:
		return decimal.Zero, false
	}
}
