// Package store defines the Persistence Gateway's driver-agnostic surface.
// Concrete backends (sqlite, postgres) implement Driver; internal/store/resilient
// wraps any Driver with retry, circuit-breaking, and health probing.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/clankbot/clank/internal/model"
)

// ErrReadOnly is returned by write operations when the backend has degraded
// to read-only mode (disk full, lock contention, read-only filesystem).
var ErrReadOnly = errors.New("store: backend is in read-only mode")

// ErrUnavailable is returned by the resilient wrapper when the circuit
// breaker is open.
var ErrUnavailable = errors.New("store: backend unavailable")

// Driver is the uniform interface every backend (embedded or networked)
// implements. All operations take a context to honour call deadlines.
type Driver interface {
	// StoreMessage is idempotent on message_id; returns true iff the row is
	// durably present after the call.
	StoreMessage(ctx context.Context, msg model.Message) (bool, error)

	// GetRecentMessages returns up to limit most recent messages for
	// channel, oldest-first.
	GetRecentMessages(ctx context.Context, channel string, limit int) ([]model.Message, error)

	DeleteMessage(ctx context.Context, messageID string) (bool, error)
	DeleteUserMessages(ctx context.Context, channel, userID string) (bool, error)
	ClearChannel(ctx context.Context, channel string) (bool, error)

	// CleanupOldMessages deletes messages older than retentionDays for channel.
	// An empty channel means "all channels".
	CleanupOldMessages(ctx context.Context, channel string, retentionDays int) (bool, error)

	CountRecentMessages(ctx context.Context, channel string, hours int) (int, error)

	// GetConfig creates a channel's config row with defaults if absent.
	GetConfig(ctx context.Context, channel string) (model.ChannelConfig, error)
	// UpdateConfig sets a single bounded field; value is pre-validated by the caller.
	UpdateConfig(ctx context.Context, channel, key string, value any) (bool, error)

	IncrementMessageCount(ctx context.Context, channel string) (int, error)
	ResetMessageCount(ctx context.Context, channel string) error
	UpdateSpontaneousTimestamp(ctx context.Context, channel string) error

	GetUserLastResponse(ctx context.Context, channel, userID string) (*time.Time, error)
	UpdateUserResponseTimestamp(ctx context.Context, channel, userID string) error

	StoreAuthToken(ctx context.Context, tok model.AuthToken) error
	GetAuthToken(ctx context.Context) (*model.AuthToken, error)
	UpdateAuthToken(ctx context.Context, tok model.AuthToken) error
	DeleteAuthToken(ctx context.Context) error

	RecordMetric(ctx context.Context, m model.Metric) error
	CleanupOldMetrics(ctx context.Context, retentionDays int) error

	// Ping executes a trivial read, used by the background health probe.
	Ping(ctx context.Context) error

	Close() error
}

// ConfigFieldNames enumerates the keys accepted by UpdateConfig, matching
// the operator command table.
var ConfigFieldNames = map[string]struct{}{
	"message_threshold":     {},
	"spontaneous_cooldown":  {},
	"response_cooldown":     {},
	"context_limit":         {},
	"model_override":        {},
}

// IsValidConfigField reports whether key is one of the bounded config fields.
func IsValidConfigField(key string) bool {
	_, ok := ConfigFieldNames[key]
	return ok
}
