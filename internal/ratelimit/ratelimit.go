// Package ratelimit decides when a channel is due for a spontaneous
// utterance and whether a given user may receive a mention response,
// backed by a write-through ChannelConfig cache.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clankbot/clank/internal/cachekit"
	"github.com/clankbot/clank/internal/model"
)

// recentMessageFloor is the minimum number of messages observed in the
// trailing window below which a spontaneous trigger never fires, even if
// the threshold and cooldown both allow it.
const recentMessageFloor = 10

const recentMessageWindow = 24 * time.Hour

const configCacheTTL = 30 * time.Second

// Store is the subset of the Persistence Gateway this engine needs.
type Store interface {
	GetConfig(ctx context.Context, channel string) (model.ChannelConfig, error)
	UpdateConfig(ctx context.Context, channel, key string, value any) (bool, error)
	IncrementMessageCount(ctx context.Context, channel string) (int, error)
	ResetMessageCount(ctx context.Context, channel string) error
	UpdateSpontaneousTimestamp(ctx context.Context, channel string) error
	CountRecentMessages(ctx context.Context, channel string, hours int) (int, error)
	GetUserLastResponse(ctx context.Context, channel, userID string) (*time.Time, error)
	UpdateUserResponseTimestamp(ctx context.Context, channel, userID string) error
}

// Engine evaluates triggers and keeps a write-through ChannelConfig cache
// coherent with the store. Writes serialize under mu; cache-miss reads
// collapse per channel key through fetch.
type Engine struct {
	store Store

	mu    sync.Mutex
	cache *cachekit.Cache[string, model.ChannelConfig]
	fetch singleflight.Group
}

// New constructs an Engine backed by store.
func New(store Store) *Engine {
	return &Engine{
		store: store,
		cache: cachekit.New[string, model.ChannelConfig](1000, configCacheTTL),
	}
}

// config returns the channel's configuration, serving from cache when
// fresh. On a miss, concurrent callers for the same channel collapse onto
// a single store.GetConfig call via the singleflight group, so a burst of
// messages arriving for a cold channel issues one read, not N.
func (e *Engine) config(ctx context.Context, channel string) (model.ChannelConfig, error) {
	if cfg, ok := e.cache.Get(channel); ok {
		return cfg, nil
	}

	v, err, _ := e.fetch.Do(channel, func() (any, error) {
		if cfg, ok := e.cache.Get(channel); ok {
			return cfg, nil
		}
		cfg, err := e.store.GetConfig(ctx, channel)
		if err != nil {
			return model.ChannelConfig{}, err
		}
		e.cache.Set(channel, cfg, 0)
		return cfg, nil
	})
	if err != nil {
		return model.ChannelConfig{}, err
	}
	return v.(model.ChannelConfig), nil
}

// ShouldGenerateSpontaneous reports whether a channel is due for an
// unprompted message right now.
func (e *Engine) ShouldGenerateSpontaneous(ctx context.Context, channel string) (bool, error) {
	cfg, err := e.config(ctx, channel)
	if err != nil {
		return false, err
	}

	if cfg.MessageCount < cfg.MessageThreshold {
		return false, nil
	}

	if cfg.LastSpontaneousAt != nil {
		elapsed := time.Since(*cfg.LastSpontaneousAt)
		if elapsed < time.Duration(cfg.SpontaneousCooldownS)*time.Second {
			return false, nil
		}
	}

	recent, err := e.store.CountRecentMessages(ctx, channel, int(recentMessageWindow.Hours()))
	if err != nil {
		return false, err
	}
	if recent < recentMessageFloor {
		return false, nil
	}

	return true, nil
}

// CanRespondToMention reports whether userID's mention cooldown in channel
// has elapsed.
func (e *Engine) CanRespondToMention(ctx context.Context, channel, userID string) (bool, error) {
	cfg, err := e.config(ctx, channel)
	if err != nil {
		return false, err
	}

	last, err := e.store.GetUserLastResponse(ctx, channel, userID)
	if err != nil {
		return false, err
	}
	if last == nil {
		return true, nil
	}
	return time.Since(*last) >= time.Duration(cfg.ResponseCooldownS)*time.Second, nil
}

// RecordSpontaneousEmission resets the message counter and stamps the
// spontaneous timestamp, then writes the update through to the cache.
func (e *Engine) RecordSpontaneousEmission(ctx context.Context, channel string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.ResetMessageCount(ctx, channel); err != nil {
		return err
	}
	if err := e.store.UpdateSpontaneousTimestamp(ctx, channel); err != nil {
		return err
	}

	cfg, err := e.store.GetConfig(ctx, channel)
	if err != nil {
		return err
	}
	e.cache.Set(channel, cfg, 0)
	return nil
}

// RecordResponseEmission stamps the user's response cooldown.
func (e *Engine) RecordResponseEmission(ctx context.Context, channel, userID string) error {
	return e.store.UpdateUserResponseTimestamp(ctx, channel, userID)
}

// IncrementMessageCount increments and write-throughs the channel's
// message counter. Callers must only invoke this for non-mention,
// non-command messages.
func (e *Engine) IncrementMessageCount(ctx context.Context, channel string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.store.IncrementMessageCount(ctx, channel); err != nil {
		return err
	}

	cfg, err := e.store.GetConfig(ctx, channel)
	if err != nil {
		return err
	}
	e.cache.Set(channel, cfg, 0)
	return nil
}

// ResetMessageCount zeroes the channel's counter, write-through, used by
// the coordinator on a full CLEARCHAT.
func (e *Engine) ResetMessageCount(ctx context.Context, channel string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.ResetMessageCount(ctx, channel); err != nil {
		return err
	}
	cfg, err := e.store.GetConfig(ctx, channel)
	if err != nil {
		return err
	}
	e.cache.Set(channel, cfg, 0)
	return nil
}

// UpdateConfig validates and applies an operator-issued config change,
// write-through to the cache on success.
func (e *Engine) UpdateConfig(ctx context.Context, channel, key string, value any) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ok, err := e.store.UpdateConfig(ctx, channel, key, value)
	if err != nil || !ok {
		return ok, err
	}

	cfg, err := e.store.GetConfig(ctx, channel)
	if err != nil {
		return true, err
	}
	e.cache.Set(channel, cfg, 0)
	return true, nil
}

// Config returns the current cached-or-fresh configuration, for commands
// like !clank status that need to report it without mutating anything.
func (e *Engine) Config(ctx context.Context, channel string) (model.ChannelConfig, error) {
	return e.config(ctx, channel)
}

// InvalidateChannel drops the cached config for channel, forcing the next
// read to go to the store. Used after an external mutation bypasses this
// engine (none currently do, but kept for symmetry with the context-window
// manager's cache invalidation on moderation).
func (e *Engine) InvalidateChannel(channel string) {
	e.cache.Remove(channel)
}
