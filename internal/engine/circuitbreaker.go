package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker guards a provider per channel, keyed "channel:provider".
// closed → open after threshold consecutive failures; open → half-open once
// the cooldown elapses; half-open → closed on success, open on failure.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
	now              func() time.Time
}

type CircuitBreakerState struct {
	Target       string `json:"target"`
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"lastFailedAt,omitempty"`
}

func NewCircuitBreaker(redisClient *redis.Client, threshold int, cooldown time.Duration, logger *slog.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: threshold,
		cooldownPeriod:   cooldown,
		now:              time.Now,
	}
}

// BreakerTarget names the circuit for one provider on one channel.
func BreakerTarget(channel, provider string) string {
	return channel + ":" + provider
}

func cbKey(target string) string {
	return fmt.Sprintf("cb:%s", target)
}

func (cb *CircuitBreaker) cooledDown(lastFailedAt int64) bool {
	return cb.now().Unix()-lastFailedAt >= int64(cb.cooldownPeriod.Seconds())
}

// AllowRequest returns the current state and whether a send may proceed.
// Redis errors leave the circuit closed.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, target string) (string, bool) {
	key := cbKey(target)

	data, err := cb.redisClient.HGetAll(ctx, key).Result()
	if err != nil || len(data) == 0 {
		return StateClosed, true
	}

	switch data["state"] {
	case StateOpen:
		lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
		if !cb.cooledDown(lastFailedAt) {
			return StateOpen, false
		}
		cb.redisClient.HSet(ctx, key, "state", StateHalfOpen)
		cb.logger.Info("circuit breaker half-open", "target", target)
		return StateHalfOpen, true

	case StateHalfOpen:
		return StateHalfOpen, true

	default:
		return StateClosed, true
	}
}

func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, target string) {
	key := cbKey(target)

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()
	cb.redisClient.HSet(ctx, key, "state", StateClosed, "failures", 0)

	if state == StateHalfOpen || state == StateOpen {
		cb.logger.Info("circuit breaker closed", "target", target)
	}
}

func (cb *CircuitBreaker) RecordFailure(ctx context.Context, target string) {
	key := cbKey(target)

	failures, err := cb.redisClient.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		cb.logger.Error("failed to record circuit breaker failure", "error", err, "target", target)
		return
	}
	cb.redisClient.HSet(ctx, key, "last_failed_at", cb.now().Unix())

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	switch {
	case state == StateHalfOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker re-opened", "target", target)
	case failures >= int64(cb.failureThreshold) && state != StateOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker opened",
			"target", target,
			"failures", failures,
			"threshold", cb.failureThreshold,
		)
	case state == "":
		cb.redisClient.HSet(ctx, key, "state", StateClosed)
	}
}

// GetState reports the circuit without changing it.
func (cb *CircuitBreaker) GetState(ctx context.Context, target string) CircuitBreakerState {
	result := CircuitBreakerState{Target: target, State: StateClosed}

	data, err := cb.redisClient.HGetAll(ctx, cbKey(target)).Result()
	if err != nil || len(data) == 0 {
		return result
	}

	result.Failures, _ = strconv.Atoi(data["failures"])
	if data["state"] != "" {
		result.State = data["state"]
	}

	lastFailed, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
	if result.State == StateOpen && cb.cooledDown(lastFailed) {
		result.State = StateHalfOpen
	}
	if lastFailed > 0 {
		result.LastFailedAt = time.Unix(lastFailed, 0).UTC().Format(time.RFC3339)
	}

	return result
}
