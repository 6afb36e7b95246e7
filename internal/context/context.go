// Package ctxwindow is the Context-window Manager: it builds ordered,
// channel-isolated transcript slices for prompt assembly, filtering out
// noise and keeping a short-TTL cache coherent with moderation events.
// Named ctxwindow rather than context to avoid colliding with the
// stdlib context.Context type used throughout its own call signatures.
package ctxwindow

import (
	"context"
	"strings"
	"time"

	"github.com/clankbot/clank/internal/cachekit"
	"github.com/clankbot/clank/internal/filter"
	"github.com/clankbot/clank/internal/model"
)

// GenerationType selects which sizing and diversity rules apply to a slice.
type GenerationType int

const (
	Spontaneous GenerationType = iota
	Response
)

func (g GenerationType) String() string {
	if g == Response {
		return "response"
	}
	return "spontaneous"
}

const (
	sliceCacheTTL = 30 * time.Second

	// minContentLen is the shortest content kept inside a slice; shorter
	// entries are considered noise.
	minContentLen = 3

	// diversityThreshold is the survivor count above which the diversity
	// pass kicks in for spontaneous slices.
	diversityThreshold = 20
	diversityFloor     = 10

	responseFloor = 15

	// fetchMultiplier over-fetches from the store so filtering and the
	// diversity pass have enough raw material to work with.
	fetchMultiplier = 3
	minFetch        = 100
)

// Store is the subset of the Persistence Gateway this manager needs.
type Store interface {
	GetRecentMessages(ctx context.Context, channel string, limit int) ([]model.Message, error)
}

// Manager builds and caches transcript slices per (channel, generation type).
type Manager struct {
	store Store
	cache *cachekit.Cache[string, []model.Message]
}

// New constructs a Manager backed by store.
func New(store Store) *Manager {
	return &Manager{
		store: store,
		cache: cachekit.New[string, []model.Message](2000, sliceCacheTTL),
	}
}

// effectiveLimit computes the slice size: spontaneous slices use the
// full context limit, response slices use three quarters of it (rounded
// down), but never fewer than responseFloor entries.
func effectiveLimit(genType GenerationType, contextLimit int) int {
	if genType == Spontaneous {
		return contextLimit
	}
	n := int(0.75 * float64(contextLimit))
	if n < responseFloor {
		n = responseFloor
	}
	return n
}

func cacheKey(channel string, genType GenerationType) string {
	return channel + ":" + genType.String()
}

// BuildContext returns the ordered, filtered slice for channel and
// generation type, sized against contextLimit, serving from cache when
// fresh.
func (m *Manager) BuildContext(ctx context.Context, channel string, genType GenerationType, contextLimit int) ([]model.Message, error) {
	key := cacheKey(channel, genType)
	if slice, ok := m.cache.Get(key); ok {
		return slice, nil
	}

	limit := effectiveLimit(genType, contextLimit)
	fetch := limit * fetchMultiplier
	if fetch < minFetch {
		fetch = minFetch
	}

	raw, err := m.store.GetRecentMessages(ctx, channel, fetch)
	if err != nil {
		return nil, err
	}

	filtered := filterNoise(raw)

	var slice []model.Message
	if genType == Spontaneous && len(filtered) > diversityThreshold {
		slice = diversityPass(filtered, diversityThreshold, diversityFloor)
	} else {
		slice = capToLast(filtered, limit)
	}

	m.cache.Set(key, slice, sliceCacheTTL)
	return slice, nil
}

// filterNoise drops entries shorter than minContentLen or that are a
// recognised throwaway interjection.
func filterNoise(messages []model.Message) []model.Message {
	out := make([]model.Message, 0, len(messages))
	for _, msg := range messages {
		trimmed := strings.TrimSpace(msg.Content)
		if len(trimmed) < minContentLen {
			continue
		}
		if filter.IsIgnoredShortInterjection(strings.ToLower(trimmed)) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// capToLast returns the last n entries of messages, or all of them if
// fewer than n survive. messages is assumed chronological already.
func capToLast(messages []model.Message, n int) []model.Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

// diversityPass spreads credit across users for spontaneous slices: walk
// backwards through the chronological list, taking an entry if its user
// hasn't been seen yet or fewer than maxFloor have been taken so far in
// total, stopping at max entries, then re-reverse to chronological order.
func diversityPass(messages []model.Message, max, maxFloor int) []model.Message {
	seen := make(map[string]struct{})
	var picked []model.Message

	for i := len(messages) - 1; i >= 0 && len(picked) < max; i-- {
		msg := messages[i]
		_, alreadySeen := seen[msg.UserID]
		if !alreadySeen || len(picked) < maxFloor {
			seen[msg.UserID] = struct{}{}
			picked = append(picked, msg)
		}
	}

	for l, r := 0, len(picked)-1; l < r; l, r = l+1, r-1 {
		picked[l], picked[r] = picked[r], picked[l]
	}
	return picked
}

// InvalidateChannel drops both cached slices (spontaneous and response)
// for channel. Called on every moderation event.
func (m *Manager) InvalidateChannel(channel string) {
	m.cache.Invalidate(channel + ":*")
}

// Sweep evicts every expired slice; intended to be driven by a periodic
// background task.
func (m *Manager) Sweep() int {
	return m.cache.CleanupExpired()
}
