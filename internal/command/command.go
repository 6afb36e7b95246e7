// Package command implements the operator-facing `!clank` command surface.
// It is a declarative dispatch table in the style of a cobra command
// tree, adapted to in-chat dispatch rather than a CLI: the shape (name ->
// handler, validated args, help text) is reused, cobra itself is not,
// since these commands arrive as chat text, not process arguments.
package command

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clankbot/clank/internal/inference"
	"github.com/clankbot/clank/internal/model"
)

const prefix = "!clank"

var modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

var nullModelAliases = map[string]struct{}{
	"default": {}, "global": {}, "none": {}, "": {},
}

// ConfigStore is the subset of the Rate-limit Engine the command handler
// needs to read and mutate channel configuration.
type ConfigStore interface {
	Config(ctx context.Context, channel string) (model.ChannelConfig, error)
	UpdateConfig(ctx context.Context, channel, key string, value any) (bool, error)
}

// InferenceStatus is the subset of the Inference Client needed for
// !clank status and !clank model validation.
type InferenceStatus interface {
	State() inference.HealthState
	ValidateModel(ctx context.Context, model string) (bool, error)
}

// Emitter is the narrow capability used to reply in-channel.
type Emitter interface {
	Say(ctx context.Context, channel, text string) error
}

// Stats tracks a simple running success rate for !clank status, updated by
// the Generation Coordinator after every attempt.
type Stats struct {
	mu         sync.Mutex
	attempts   int
	successes  int
}

// RecordGeneration records the outcome of one generation attempt.
func (s *Stats) RecordGeneration(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if success {
		s.successes++
	}
}

// SuccessRate returns the fraction of recorded attempts that succeeded,
// or 1.0 if none have been recorded yet.
func (s *Stats) SuccessRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts == 0 {
		return 1
	}
	return float64(s.successes) / float64(s.attempts)
}

// Handler dispatches !clank commands.
type Handler struct {
	config    ConfigStore
	inference InferenceStatus
	emitter   Emitter
	stats     *Stats
}

// New constructs a Handler.
func New(config ConfigStore, inf InferenceStatus, emitter Emitter, stats *Stats) *Handler {
	return &Handler{config: config, inference: inf, emitter: emitter, stats: stats}
}

// TryHandleCommand implements transport.CommandHandler. It returns true iff
// content was recognised as a command (authorised or not) and has been
// fully handled, including any in-chat reply.
func (h *Handler) TryHandleCommand(ctx context.Context, channel, userID, displayName, content string, isMod, isBroadcaster bool) bool {
	if !strings.HasPrefix(content, prefix) {
		return false
	}

	fields := strings.Fields(strings.TrimPrefix(content, prefix))

	if !isMod && !isBroadcaster {
		h.reply(ctx, channel, "need moderator or broadcaster to use this command")
		return true
	}

	if len(fields) == 0 {
		h.reply(ctx, channel, helpText())
		return true
	}

	switch strings.ToLower(fields[0]) {
	case "threshold":
		h.intSetting(ctx, channel, fields[1:], "message_threshold", "message threshold", 1, 1000)
	case "spontaneous":
		h.intSetting(ctx, channel, fields[1:], "spontaneous_cooldown", "spontaneous cooldown (s)", 0, 3600)
	case "response":
		h.intSetting(ctx, channel, fields[1:], "response_cooldown", "response cooldown (s)", 0, 3600)
	case "context":
		h.intSetting(ctx, channel, fields[1:], "context_limit", "context limit", 10, 1000)
	case "model":
		h.modelSetting(ctx, channel, fields[1:])
	case "status":
		h.status(ctx, channel)
	default:
		h.reply(ctx, channel, fmt.Sprintf("unknown command %q — "+helpText(), fields[0]))
	}

	return true
}

func helpText() string {
	return "commands: threshold [N], spontaneous [S], response [S], context [N], model [name|default], status"
}

func (h *Handler) reply(ctx context.Context, channel, text string) {
	if h.emitter == nil {
		return
	}
	_ = h.emitter.Say(ctx, channel, text)
}

func (h *Handler) intSetting(ctx context.Context, channel string, args []string, field, label string, min, max int) {
	cfg, err := h.config.Config(ctx, channel)
	if err != nil {
		h.reply(ctx, channel, fmt.Sprintf("could not read config: %v", err))
		return
	}

	if len(args) == 0 {
		h.reply(ctx, channel, fmt.Sprintf("%s is currently %d", label, currentValue(cfg, field)))
		return
	}

	n, err := strconv.Atoi(args[0])
	if err != nil || n < min || n > max {
		h.reply(ctx, channel, fmt.Sprintf("%s must be an integer between %d and %d", label, min, max))
		return
	}

	if _, err := h.config.UpdateConfig(ctx, channel, field, n); err != nil {
		h.reply(ctx, channel, fmt.Sprintf("failed to update %s: %v", label, err))
		return
	}
	h.reply(ctx, channel, fmt.Sprintf("%s set to %d", label, n))
}

func currentValue(cfg model.ChannelConfig, field string) int {
	switch field {
	case "message_threshold":
		return cfg.MessageThreshold
	case "spontaneous_cooldown":
		return cfg.SpontaneousCooldownS
	case "response_cooldown":
		return cfg.ResponseCooldownS
	case "context_limit":
		return cfg.ContextLimit
	default:
		return 0
	}
}

func (h *Handler) modelSetting(ctx context.Context, channel string, args []string) {
	cfg, err := h.config.Config(ctx, channel)
	if err != nil {
		h.reply(ctx, channel, fmt.Sprintf("could not read config: %v", err))
		return
	}

	if len(args) == 0 {
		if cfg.ModelOverride == nil {
			h.reply(ctx, channel, "model override is unset (using default)")
		} else {
			h.reply(ctx, channel, fmt.Sprintf("model override is %q", *cfg.ModelOverride))
		}
		return
	}

	name := args[0]
	if _, isNull := nullModelAliases[strings.ToLower(name)]; isNull {
		if _, err := h.config.UpdateConfig(ctx, channel, "model_override", (*string)(nil)); err != nil {
			h.reply(ctx, channel, fmt.Sprintf("failed to clear model override: %v", err))
			return
		}
		h.reply(ctx, channel, "model override cleared, using default")
		return
	}

	if !modelNamePattern.MatchString(name) {
		h.reply(ctx, channel, "model name must match [A-Za-z0-9._-]+")
		return
	}

	if h.inference != nil {
		ok, err := h.inference.ValidateModel(ctx, name)
		if err != nil {
			h.reply(ctx, channel, fmt.Sprintf("could not validate model: %v", err))
			return
		}
		if !ok {
			h.reply(ctx, channel, fmt.Sprintf("model %q is not available on the inference service", name))
			return
		}
	}

	if _, err := h.config.UpdateConfig(ctx, channel, "model_override", name); err != nil {
		h.reply(ctx, channel, fmt.Sprintf("failed to set model override: %v", err))
		return
	}
	h.reply(ctx, channel, fmt.Sprintf("model override set to %q", name))
}

func (h *Handler) status(ctx context.Context, channel string) {
	cfg, err := h.config.Config(ctx, channel)
	if err != nil {
		h.reply(ctx, channel, fmt.Sprintf("could not read config: %v", err))
		return
	}

	state := "unknown"
	if h.inference != nil {
		state = h.inference.State().String()
	}

	model := "default"
	if cfg.ModelOverride != nil {
		model = *cfg.ModelOverride
	}

	spontaneousRemaining := "ready"
	if cfg.LastSpontaneousAt != nil {
		remaining := time.Duration(cfg.SpontaneousCooldownS)*time.Second - time.Since(*cfg.LastSpontaneousAt)
		if remaining > 0 {
			spontaneousRemaining = remaining.Round(time.Second).String()
		}
	}

	successRate := 1.0
	if h.stats != nil {
		successRate = h.stats.SuccessRate()
	}

	h.reply(ctx, channel, fmt.Sprintf(
		"inference: %s | model: %s | messages: %d/%d | spontaneous cooldown: %s | success rate: %.0f%%",
		state, model, cfg.MessageCount, cfg.MessageThreshold, spontaneousRemaining, successRate*100,
	))
}
