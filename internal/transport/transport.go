// Package transport is the Transport Client: a persistent, authenticated
// IRC connection that subscribes to the configured channels, parses
// PRIVMSG/CLEARMSG/CLEARCHAT, reconnects with backoff, and quarantines
// banned channels. The go-twitch-irc/v3 wiring and the per-channel
// fan-out goroutine pattern follow hammertrack-tracker's
// internal/bot/bot.go.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v3"
	"golang.org/x/time/rate"

	"github.com/clankbot/clank/internal/model"
)

// known-bot set: ignore messages from the bot's own username plus a fixed
// roster of common Twitch service/moderation bots.
var commonServiceBots = map[string]struct{}{
	"nightbot":      {},
	"streamelements": {},
	"streamlabs":    {},
	"moobot":        {},
	"fossabot":      {},
	"wizebot":       {},
}

const (
	reconnectBase = 5 * time.Second
	reconnectCap  = 300 * time.Second
	jitterFactor  = 0.2

	banRetryDelay = time.Hour

	outboundRateLimit = 20 // messages per 30s, Twitch's standard chat rate
	outboundBurst     = 20
)

var banIndicators = []string{"banned", "msg_channel_banned", "forbidden", "access denied"}

// ConnState is the Transport Client's connection state machine.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

// Error is the transport package's typed error.
type Error struct {
	Code    string // "connect", "protocol", "auth"
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: %s: %v", e.Code, e.Message, e.Err)
}
func (e *Error) Unwrap() error  { return e.Err }
func (e *Error) IsRetryable() bool { return e.Code != "auth" }

// IngestHandler receives parsed inbound events. The Generation Coordinator
// implements this.
type IngestHandler interface {
	HandleMessage(ctx context.Context, ev model.MessageEvent)
	HandleDeleteMessage(ctx context.Context, channel, messageID string)
	HandleDeleteUser(ctx context.Context, channel, userID string)
	HandleClearChannel(ctx context.Context, channel string)
}

// CommandHandler dispatches in-chat operator commands. If it returns true,
// the message is considered handled and is not forwarded to IngestHandler:
// command routing always takes priority over content filtering.
type CommandHandler interface {
	TryHandleCommand(ctx context.Context, channel, userID, displayName, content string, isMod, isBroadcaster bool) bool
}

// TokenSource supplies the bot's identity at connect time.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (string, error)
	GetBotUsername() (string, error)
}

// Client is the Twitch IRC Transport Client.
type Client struct {
	botUsername string
	tokens      TokenSource
	ingest      IngestHandler
	commands    CommandHandler
	maxAttempts int // 0 means infinite

	irc *twitch.Client

	mu          sync.Mutex
	state       ConnState
	attempt     int
	banned      map[string]time.Time
	allChannels []string

	historyMu sync.Mutex
	histories map[string]*ChannelHistoryWindow

	fanoutMu sync.Mutex
	fanout   map[string]chan model.MessageEvent

	outboundLimiter *rate.Limiter

	stopCh chan struct{}
}

// fanoutBuffer bounds the per-channel ingest queue, one ordering channel
// per channel, following hammertrack-tracker's tracked
// map[string]chan *Message fan-out.
const fanoutBuffer = 256

// New constructs a Client. channels must be non-empty.
func New(botUsername string, tokens TokenSource, channels []string, ingest IngestHandler, commands CommandHandler) *Client {
	return &Client{
		botUsername:     strings.ToLower(botUsername),
		tokens:          tokens,
		ingest:          ingest,
		commands:        commands,
		allChannels:     channels,
		banned:          make(map[string]time.Time),
		histories:       make(map[string]*ChannelHistoryWindow),
		fanout:          make(map[string]chan model.MessageEvent),
		outboundLimiter: rate.NewLimiter(rate.Every(30*time.Second/outboundRateLimit), outboundBurst),
		stopCh:          make(chan struct{}),
	}
}

// fanoutFor returns the ordered ingest queue for channel, starting its
// worker goroutine on first use so that messages from the same channel are
// always handed to IngestHandler in arrival order, even though IRC delivers
// all channels on one reader goroutine.
func (c *Client) fanoutFor(channel string) chan model.MessageEvent {
	c.fanoutMu.Lock()
	defer c.fanoutMu.Unlock()

	ch, ok := c.fanout[channel]
	if ok {
		return ch
	}

	ch = make(chan model.MessageEvent, fanoutBuffer)
	c.fanout[channel] = ch
	go func() {
		for ev := range ch {
			c.ingest.HandleMessage(context.Background(), ev)
		}
	}()
	return ch
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	if s == Connected {
		c.attempt = 0
	}
	c.mu.Unlock()
}

// targetChannels returns the currently non-banned subset of allChannels,
// reinstating any whose ban has expired.
func (c *Client) targetChannels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for ch, bannedAt := range c.banned {
		if now.Sub(bannedAt) >= banRetryDelay {
			delete(c.banned, ch)
		}
	}

	var out []string
	for _, ch := range c.allChannels {
		if _, isBanned := c.banned[ch]; !isBanned {
			out = append(out, ch)
		}
	}
	if len(out) == 0 {
		// Conservative recovery: if every channel is banned, reinstate all.
		slog.Warn("all channels banned, reinstating full list")
		c.banned = make(map[string]time.Time)
		return append([]string(nil), c.allChannels...)
	}
	return out
}

func (c *Client) banChannel(channel string) {
	c.mu.Lock()
	c.banned[channel] = time.Now()
	c.mu.Unlock()
	slog.Warn("channel quarantined after ban indicator", "channel", channel)
}

func (c *Client) historyFor(channel string) *ChannelHistoryWindow {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	h, ok := c.histories[channel]
	if !ok {
		h = NewChannelHistoryWindow()
		c.histories[channel] = h
	}
	return h
}

// Connect establishes the IRC connection and registers handlers. It blocks
// until the context is cancelled, running the reconnection loop internally.
func (c *Client) Connect(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.connectOnce(ctx); err != nil {
			slog.Warn("transport connection ended", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.state = Reconnecting
		c.mu.Unlock()

		delay := reconnectDelay(attempt)
		slog.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if c.maxAttempts > 0 && attempt >= c.maxAttempts {
			c.setState(Failed)
			return &Error{Code: "connect", Message: "max reconnect attempts exceeded"}
		}
	}
}

func reconnectDelay(attempt int) time.Duration {
	raw := float64(reconnectBase) * float64(uint64(1)<<uint(attempt-1))
	if raw > float64(reconnectCap) {
		raw = float64(reconnectCap)
	}
	jitter := 1 + jitterFactor*(2*rand.Float64()-1)
	return time.Duration(raw * jitter)
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(Connecting)

	token, err := c.tokens.EnsureValidToken(ctx)
	if err != nil {
		return &Error{Code: "auth", Message: "failed to obtain access token", Err: err}
	}

	c.irc = twitch.NewClient(c.botUsername, "oauth:"+token)
	c.irc.OnConnect(func() {
		c.setState(Connected)
		slog.Info("connected to twitch IRC")
	})
	c.irc.OnPrivateMessage(c.handlePrivateMessage)
	c.irc.OnClearChatMessage(c.handleClearChat)
	c.irc.OnClearMessage(c.handleClearMessage)
	c.irc.OnNoticeMessage(c.handleNotice)

	channels := c.targetChannels()
	c.irc.Join(channels...)

	return c.irc.Connect()
}

// Stop disconnects and ends the reconnection loop.
func (c *Client) Stop() error {
	close(c.stopCh)
	if c.irc != nil {
		return c.irc.Disconnect()
	}
	return nil
}

func (c *Client) handleNotice(msg twitch.NoticeMessage) {
	lower := strings.ToLower(msg.Message)
	for _, indicator := range banIndicators {
		if strings.Contains(lower, indicator) {
			c.banChannel(msg.Channel)
			return
		}
	}
}

func isKnownBot(username, botUsername string) bool {
	username = strings.ToLower(username)
	if username == botUsername {
		return true
	}
	_, ok := commonServiceBots[username]
	return ok
}

func (c *Client) handlePrivateMessage(msg twitch.PrivateMessage) {
	if msg.User.ID == "" {
		return
	}
	if isKnownBot(msg.User.Name, c.botUsername) {
		return
	}

	content := msg.Message
	ctx := context.Background()

	isMod := msg.User.Badges["moderator"] > 0 || msg.User.Badges["broadcaster"] > 0
	isBroadcaster := msg.User.Badges["broadcaster"] > 0

	if strings.HasPrefix(content, "!clank") {
		if c.commands != nil && c.commands.TryHandleCommand(ctx, msg.Channel, msg.User.ID, msg.User.DisplayName, content, isMod, isBroadcaster) {
			return
		}
	}

	c.historyFor(msg.Channel).Append(historyEntry{
		MessageID: msg.ID,
		UserID:    msg.User.ID,
		Username:  msg.User.Name,
		Content:   content,
		At:        msg.Time,
	})

	isMention, payload := DetectMention(content, c.botUsername)

	ev := model.MessageEvent{
		Message: model.Message{
			MessageID:       msg.ID,
			Channel:         msg.Channel,
			UserID:          msg.User.ID,
			UserDisplayName: msg.User.DisplayName,
			Content:         content,
			Timestamp:       msg.Time,
		},
		IsMention:      isMention,
		MentionPayload: payload,
		IsModerator:    isMod,
		IsBroadcaster:  isBroadcaster,
	}

	select {
	case c.fanoutFor(msg.Channel) <- ev:
	default:
		slog.Warn("channel ingest queue full, dropping message", "channel", msg.Channel)
	}
}

func (c *Client) handleClearChat(msg twitch.ClearChatMessage) {
	ctx := context.Background()
	if msg.TargetUsername == "" {
		c.ingest.HandleClearChannel(ctx, msg.Channel)
		return
	}

	userID, found := c.historyFor(msg.Channel).ResolveByUsername(msg.TargetUsername)
	if !found {
		userID = msg.TargetUserID
	}
	c.ingest.HandleDeleteUser(ctx, msg.Channel, userID)
}

func (c *Client) handleClearMessage(msg twitch.ClearMessage) {
	ctx := context.Background()
	messageID, found := c.historyFor(msg.Channel).ResolveByMessageID(msg.TargetMsgID)
	if !found {
		messageID = msg.TargetMsgID
	}
	c.ingest.HandleDeleteMessage(ctx, msg.Channel, messageID)
}

// Say sends text to a channel, honouring the outbound rate limiter. Callers
// are expected to have already applied the egress filter.
func (c *Client) Say(ctx context.Context, channel, text string) error {
	if err := c.outboundLimiter.Wait(ctx); err != nil {
		return err
	}
	c.irc.Say(channel, text)
	return nil
}

// mentionBoundary reports whether r is a valid character to follow a
// mention match (end-of-string handled by the caller).
func mentionBoundary(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		return false
	default:
		return true
	}
}

// DetectMention reports whether content mentions the bot: after
// lowercasing and trimming, the message is a mention if it starts with
// "@<botname>" or "<botname>" followed by end-of-string or a non-word
// character. The payload is the remainder with one leading punctuation
// character in `:,!?.` optionally stripped.
func DetectMention(content, botUsername string) (bool, string) {
	trimmed := strings.TrimSpace(content)
	lower := strings.ToLower(trimmed)

	var prefix string
	switch {
	case strings.HasPrefix(lower, "@"+botUsername):
		prefix = "@" + botUsername
	case strings.HasPrefix(lower, botUsername):
		prefix = botUsername
	default:
		return false, ""
	}

	rest := trimmed[len(prefix):]
	if rest != "" {
		r := []rune(rest)[0]
		if !mentionBoundary(r) {
			return false, ""
		}
	}

	rest = strings.TrimSpace(rest)
	if rest != "" && strings.ContainsRune(":,!?.", rune(rest[0])) {
		rest = strings.TrimSpace(rest[1:])
	}
	return true, rest
}
