// Package orders places, modifies and exits orders with idempotency keyed on
// caller-supplied tokens, against the live broker or a paper simulation.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Result is the recorded outcome of a side-effecting order operation
type Result struct {
	OrderID string         `json:"order_id"`
	Status  string         `json:"status"`
	Payload map[string]any `json:"payload,omitempty"`
}

// IdempotencyStore maps a caller token to the result of the call that first
// used it. PutIfAbsent must be atomic: when two callers race on one token the
// loser receives the winner's result.
type IdempotencyStore interface {
	Get(ctx context.Context, token string) (Result, bool, error)
	PutIfAbsent(ctx context.Context, token string, result Result) (Result, bool, error)
}

// MemoryStore is the in-process idempotency store used for paper runs and as
// the degraded fallback when redis is unavailable.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Result
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Result)}
}

// Get returns the recorded result for a token
func (s *MemoryStore) Get(ctx context.Context, token string) (Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.records[token]
	return result, ok, nil
}

// PutIfAbsent records the result unless the token is already marked; the
// stored result and stored=false are returned when another caller won.
func (s *MemoryStore) PutIfAbsent(ctx context.Context, token string, result Result) (Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[token]; ok {
		return existing, false, nil
	}
	s.records[token] = result
	return result, true, nil
}

const (
	idempotencyKeyPrefix = "agent:idempotency:"

	// Tokens outlive any retry horizon comfortably; 48h also covers the
	// timezone edge around the trading-day boundary.
	idempotencyTTL = 48 * time.Hour
)

// RedisStore is the shared idempotency store. SetNX gives the atomic
// insert-if-absent; a read-then-write pair would reopen the duplicate-order
// race between processes.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisStore creates a redis-backed store
func NewRedisStore(client *redis.Client, log zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    idempotencyTTL,
		log:    log.With().Str("component", "IdempotencyStore").Logger(),
	}
}

// Get returns the recorded result for a token
func (s *RedisStore) Get(ctx context.Context, token string) (Result, bool, error) {
	data, err := s.client.Get(ctx, idempotencyKeyPrefix+token).Bytes()
	if err == redis.Nil {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("idempotency get: %w", err)
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, false, fmt.Errorf("idempotency decode: %w", err)
	}
	return result, true, nil
}

// PutIfAbsent atomically records the result via SetNX
func (s *RedisStore) PutIfAbsent(ctx context.Context, token string, result Result) (Result, bool, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Result{}, false, fmt.Errorf("idempotency encode: %w", err)
	}

	stored, err := s.client.SetNX(ctx, idempotencyKeyPrefix+token, data, s.ttl).Result()
	if err != nil {
		return Result{}, false, fmt.Errorf("idempotency setnx: %w", err)
	}
	if stored {
		return result, true, nil
	}

	existing, found, err := s.Get(ctx, token)
	if err != nil {
		return Result{}, false, err
	}
	if !found {
		// Winner's entry expired between SetNX and Get; treat ours as recorded
		s.log.Warn().Str("token", token).Msg("idempotency record vanished after lost race")
		return result, true, nil
	}
	return existing, false, nil
}
