// Package resilient wraps any store.Driver with retry+jittered-backoff,
// circuit breaking, failure-mode classification, and a background health
// probe.
package resilient

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/clankbot/clank/internal/model"
	"github.com/clankbot/clank/internal/store"
)

const (
	retryBase    = time.Second
	retryCap     = 60 * time.Second
	maxAttempts  = 5
	jitterFactor = 0.2

	breakerFailureThreshold = 10
	breakerOpenTimeout      = 60 * time.Second

	healthProbeInterval = 30 * time.Second
)

// Driver wraps an underlying store.Driver with resilience behaviour. It
// itself implements store.Driver so callers don't need to know the
// difference.
type Driver struct {
	inner   store.Driver
	breaker *gobreaker.CircuitBreaker[any]
	stopCh  chan struct{}

	readOnlyMu sync.RWMutex
	readOnly   bool
}

// New wraps inner with the resilience fabric and starts its background
// health probe. Call Close to stop the probe and release the underlying
// driver.
func New(inner store.Driver) *Driver {
	settings := gobreaker.Settings{
		Name:        "persistence-gateway",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("persistence circuit breaker state change", "name", name, "from", from, "to", to)
		},
	}

	d := &Driver{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
		stopCh:  make(chan struct{}),
	}
	go d.healthProbeLoop()
	return d
}

func (d *Driver) healthProbeLoop() {
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := d.inner.Ping(ctx)
			cancel()
			if err != nil {
				slog.Warn("persistence health probe failed", "error", err)
				continue
			}
			d.setReadOnly(false)
		}
	}
}

func (d *Driver) setReadOnly(ro bool) {
	d.readOnlyMu.Lock()
	d.readOnly = ro
	d.readOnlyMu.Unlock()
}

func (d *Driver) isReadOnly() bool {
	d.readOnlyMu.RLock()
	defer d.readOnlyMu.RUnlock()
	return d.readOnly
}

// jitteredDelay computes attempt n's backoff delay:
// min(cap, base*2^(n-1)) * (1 ± 0.2*U).
func jitteredDelay(attempt int) time.Duration {
	raw := float64(retryBase) * float64(uint64(1)<<uint(attempt-1))
	if raw > float64(retryCap) {
		raw = float64(retryCap)
	}
	jitter := 1 + jitterFactor*(2*rand.Float64()-1)
	return time.Duration(raw * jitter)
}

// withRetry runs op through the circuit breaker, retrying transient
// failures with jittered backoff up to maxAttempts.
func withRetry[T any](d *Driver, ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := d.breaker.Execute(func() (any, error) {
			v, opErr := op(ctx)
			return v, opErr
		})
		if err == nil {
			return result.(T), nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, store.ErrUnavailable
		}

		classified := store.ClassifyErrText(err)
		if errors.Is(classified, store.ErrReadOnly) {
			d.setReadOnly(true)
			return zero, store.ErrReadOnly
		}

		lastErr = err
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(jitteredDelay(attempt)):
		}
	}
	return zero, lastErr
}

func withRetryNoResult(d *Driver, ctx context.Context, op func(ctx context.Context) error) error {
	_, err := withRetry(d, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func (d *Driver) StoreMessage(ctx context.Context, msg model.Message) (bool, error) {
	if d.isReadOnly() {
		return false, store.ErrReadOnly
	}
	return withRetry(d, ctx, func(ctx context.Context) (bool, error) {
		return d.inner.StoreMessage(ctx, msg)
	})
}

func (d *Driver) GetRecentMessages(ctx context.Context, channel string, limit int) ([]model.Message, error) {
	return withRetry(d, ctx, func(ctx context.Context) ([]model.Message, error) {
		return d.inner.GetRecentMessages(ctx, channel, limit)
	})
}

func (d *Driver) DeleteMessage(ctx context.Context, messageID string) (bool, error) {
	if d.isReadOnly() {
		return false, store.ErrReadOnly
	}
	return withRetry(d, ctx, func(ctx context.Context) (bool, error) {
		return d.inner.DeleteMessage(ctx, messageID)
	})
}

func (d *Driver) DeleteUserMessages(ctx context.Context, channel, userID string) (bool, error) {
	if d.isReadOnly() {
		return false, store.ErrReadOnly
	}
	return withRetry(d, ctx, func(ctx context.Context) (bool, error) {
		return d.inner.DeleteUserMessages(ctx, channel, userID)
	})
}

func (d *Driver) ClearChannel(ctx context.Context, channel string) (bool, error) {
	if d.isReadOnly() {
		return false, store.ErrReadOnly
	}
	return withRetry(d, ctx, func(ctx context.Context) (bool, error) {
		return d.inner.ClearChannel(ctx, channel)
	})
}

func (d *Driver) CleanupOldMessages(ctx context.Context, channel string, retentionDays int) (bool, error) {
	if d.isReadOnly() {
		return false, store.ErrReadOnly
	}
	return withRetry(d, ctx, func(ctx context.Context) (bool, error) {
		return d.inner.CleanupOldMessages(ctx, channel, retentionDays)
	})
}

func (d *Driver) CountRecentMessages(ctx context.Context, channel string, hours int) (int, error) {
	return withRetry(d, ctx, func(ctx context.Context) (int, error) {
		return d.inner.CountRecentMessages(ctx, channel, hours)
	})
}

func (d *Driver) GetConfig(ctx context.Context, channel string) (model.ChannelConfig, error) {
	return withRetry(d, ctx, func(ctx context.Context) (model.ChannelConfig, error) {
		return d.inner.GetConfig(ctx, channel)
	})
}

func (d *Driver) UpdateConfig(ctx context.Context, channel, key string, value any) (bool, error) {
	if d.isReadOnly() {
		return false, store.ErrReadOnly
	}
	return withRetry(d, ctx, func(ctx context.Context) (bool, error) {
		return d.inner.UpdateConfig(ctx, channel, key, value)
	})
}

func (d *Driver) IncrementMessageCount(ctx context.Context, channel string) (int, error) {
	if d.isReadOnly() {
		return 0, store.ErrReadOnly
	}
	return withRetry(d, ctx, func(ctx context.Context) (int, error) {
		return d.inner.IncrementMessageCount(ctx, channel)
	})
}

func (d *Driver) ResetMessageCount(ctx context.Context, channel string) error {
	if d.isReadOnly() {
		return store.ErrReadOnly
	}
	return withRetryNoResult(d, ctx, func(ctx context.Context) error {
		return d.inner.ResetMessageCount(ctx, channel)
	})
}

func (d *Driver) UpdateSpontaneousTimestamp(ctx context.Context, channel string) error {
	if d.isReadOnly() {
		return store.ErrReadOnly
	}
	return withRetryNoResult(d, ctx, func(ctx context.Context) error {
		return d.inner.UpdateSpontaneousTimestamp(ctx, channel)
	})
}

func (d *Driver) GetUserLastResponse(ctx context.Context, channel, userID string) (*time.Time, error) {
	return withRetry(d, ctx, func(ctx context.Context) (*time.Time, error) {
		return d.inner.GetUserLastResponse(ctx, channel, userID)
	})
}

func (d *Driver) UpdateUserResponseTimestamp(ctx context.Context, channel, userID string) error {
	if d.isReadOnly() {
		return store.ErrReadOnly
	}
	return withRetryNoResult(d, ctx, func(ctx context.Context) error {
		return d.inner.UpdateUserResponseTimestamp(ctx, channel, userID)
	})
}

func (d *Driver) StoreAuthToken(ctx context.Context, tok model.AuthToken) error {
	if d.isReadOnly() {
		return store.ErrReadOnly
	}
	return withRetryNoResult(d, ctx, func(ctx context.Context) error {
		return d.inner.StoreAuthToken(ctx, tok)
	})
}

func (d *Driver) GetAuthToken(ctx context.Context) (*model.AuthToken, error) {
	return withRetry(d, ctx, func(ctx context.Context) (*model.AuthToken, error) {
		return d.inner.GetAuthToken(ctx)
	})
}

func (d *Driver) UpdateAuthToken(ctx context.Context, tok model.AuthToken) error {
	if d.isReadOnly() {
		return store.ErrReadOnly
	}
	return withRetryNoResult(d, ctx, func(ctx context.Context) error {
		return d.inner.UpdateAuthToken(ctx, tok)
	})
}

func (d *Driver) DeleteAuthToken(ctx context.Context) error {
	if d.isReadOnly() {
		return store.ErrReadOnly
	}
	return withRetryNoResult(d, ctx, func(ctx context.Context) error {
		return d.inner.DeleteAuthToken(ctx)
	})
}

func (d *Driver) RecordMetric(ctx context.Context, m model.Metric) error {
	if d.isReadOnly() {
		return store.ErrReadOnly
	}
	return withRetryNoResult(d, ctx, func(ctx context.Context) error {
		return d.inner.RecordMetric(ctx, m)
	})
}

func (d *Driver) CleanupOldMetrics(ctx context.Context, retentionDays int) error {
	if d.isReadOnly() {
		return store.ErrReadOnly
	}
	return withRetryNoResult(d, ctx, func(ctx context.Context) error {
		return d.inner.CleanupOldMetrics(ctx, retentionDays)
	})
}

func (d *Driver) Ping(ctx context.Context) error {
	return d.inner.Ping(ctx)
}

func (d *Driver) Close() error {
	close(d.stopCh)
	return d.inner.Close()
}
