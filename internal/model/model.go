// Package model defines the core persisted and in-flight entities shared
// across the store, rate-limit, context-window, and generation-coordinator
// packages.
package model

import "time"

// Message is an immutable, durable chat message ingested from a channel.
// Identified globally by MessageID; lifecycle is create-on-ingest,
// destroy-on-moderation-or-retention-sweep.
type Message struct {
	MessageID        string
	Channel          string
	UserID           string
	UserDisplayName  string
	Content          string
	Timestamp        time.Time
}

// ChannelConfig holds the per-channel tunables for the rate-limit and
// trigger engine. One row per channel, created lazily with defaults on
// first touch.
type ChannelConfig struct {
	Channel              string
	MessageThreshold     int
	SpontaneousCooldownS int
	ResponseCooldownS    int
	ContextLimit         int
	ModelOverride        *string
	MessageCount         int
	LastSpontaneousAt    *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Default values for a newly-configured channel.
const (
	DefaultMessageThreshold     = 30
	DefaultSpontaneousCooldownS = 300
	DefaultResponseCooldownS    = 60
	DefaultContextLimit         = 200
)

// NewDefaultChannelConfig returns the default configuration for a
// channel touched for the first time.
func NewDefaultChannelConfig(channel string) *ChannelConfig {
	now := time.Now()
	return &ChannelConfig{
		Channel:              channel,
		MessageThreshold:     DefaultMessageThreshold,
		SpontaneousCooldownS: DefaultSpontaneousCooldownS,
		ResponseCooldownS:    DefaultResponseCooldownS,
		ContextLimit:         DefaultContextLimit,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// UserResponseCooldown tracks the last time the bot answered a specific
// user in a specific channel. Keyed by (Channel, UserID).
type UserResponseCooldown struct {
	Channel       string
	UserID        string
	LastResponseAt time.Time
}

// AuthToken is the singleton OAuth credential used to authenticate the
// Transport Client against the chat platform. At most one row exists.
type AuthToken struct {
	AccessTokenCiphertext  string
	RefreshTokenCiphertext string
	ExpiresAt              *time.Time
	BotUsername            string
}

// MetricType enumerates the kinds of append-only metric samples recorded
// by the engine.
type MetricType string

const (
	MetricGenerationLatencyMs MetricType = "generation_latency_ms"
	MetricMessagesIngested    MetricType = "messages_ingested"
	MetricGenerationsEmitted  MetricType = "generations_emitted"
	MetricFilterBlocks        MetricType = "filter_blocks"
)

// Metric is an append-only, timestamped sample subject to retention sweep.
type Metric struct {
	Channel    string
	MetricType MetricType
	Value      float64
	Timestamp  time.Time
}

// MessageEvent is the in-flight envelope carrying a parsed incoming
// message plus derived mention flags. It is never persisted directly;
// StoreMessage persists only its Message field.
type MessageEvent struct {
	Message        Message
	IsMention      bool
	MentionPayload string
	IsCommand      bool
	IsModerator    bool
	IsBroadcaster  bool
}
