// Package engine is the Generation Coordinator: the top-level orchestrator
// that drives the ingest pipeline, the response and spontaneous generation
// pipelines, and moderation handling, and supervises the process's
// background tasks. Collaborators are wired as narrow capability
// interfaces rather than concrete types; from the inference and
// context-window packages the coordinator imports only their value types
// (inference.Message, ctxwindow.GenerationType). Background-task supervision fans
// parallel work out under errgroup.WithContext, the way
// intelligencedev-manifold's internal/agent/warpp.go does.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clankbot/clank/internal/inference"
	"github.com/clankbot/clank/internal/model"

	ctxwindow "github.com/clankbot/clank/internal/context"
)

// spontaneousContextFloor is the same "adequate context" floor the
// Rate-limit Engine gates the trigger on; the spontaneous pipeline
// re-checks it against the filtered context slice actually available,
// since noise-filtering can shrink it further between the trigger check
// and context assembly.
const spontaneousContextFloor = 10

// Store is the subset of the Persistence Gateway the coordinator calls
// directly, independent of the rate-limit and context-window wrappers.
type Store interface {
	StoreMessage(ctx context.Context, msg model.Message) (bool, error)
	DeleteMessage(ctx context.Context, messageID string) (bool, error)
	DeleteUserMessages(ctx context.Context, channel, userID string) (bool, error)
	ClearChannel(ctx context.Context, channel string) (bool, error)
	CleanupOldMessages(ctx context.Context, channel string, retentionDays int) (bool, error)
	CleanupOldMetrics(ctx context.Context, retentionDays int) error
}

// Filter is the content-filter capability used on both ingress and egress.
type Filter interface {
	FilterInput(s string) (string, bool)
	FilterOutput(s string) (string, bool)
}

// RateLimiter is the subset of the Rate-limit & Trigger Engine the
// coordinator drives.
type RateLimiter interface {
	ShouldGenerateSpontaneous(ctx context.Context, channel string) (bool, error)
	CanRespondToMention(ctx context.Context, channel, userID string) (bool, error)
	RecordSpontaneousEmission(ctx context.Context, channel string) error
	RecordResponseEmission(ctx context.Context, channel, userID string) error
	IncrementMessageCount(ctx context.Context, channel string) error
	ResetMessageCount(ctx context.Context, channel string) error
	Config(ctx context.Context, channel string) (model.ChannelConfig, error)
}

// ContextBuilder is the subset of the Context-window Manager the
// coordinator drives.
type ContextBuilder interface {
	BuildContext(ctx context.Context, channel string, genType ctxwindow.GenerationType, contextLimit int) ([]model.Message, error)
	InvalidateChannel(channel string)
	Sweep() int
}

// InferenceClient is the subset of the Inference Client the coordinator
// drives; GenerateWithFallback supplies the silent-failure policy, so the
// coordinator never sees a raw inference error.
type InferenceClient interface {
	GenerateWithFallback(ctx context.Context, call func(context.Context) (string, error)) (string, bool)
	GenerateResponse(ctx context.Context, modelName string, history []inference.Message, userName, userInput string) (string, error)
	GenerateSpontaneous(ctx context.Context, modelName string, history []inference.Message) (string, error)
}

// Emitter is the narrow outbound capability used to reply in-channel,
// injected rather than depending on a whole transport.Client.
type Emitter interface {
	Say(ctx context.Context, channel, text string) error
}

// Metrics is the subset of the metrics registry the coordinator reports
// through.
type Metrics interface {
	RecordMessageIngested(channel string)
	RecordFilterBlock(direction string)
	RecordGeneration(kind, outcome string, latency time.Duration)
	RecordEmit(channel string, err error)
}

// GenerationStats tracks the running success rate reported by !clank status.
type GenerationStats interface {
	RecordGeneration(success bool)
}

// Coordinator implements transport.IngestHandler and drives every
// generation pipeline.
type Coordinator struct {
	store        Store
	filter       Filter
	rateLimiter  RateLimiter
	contextMgr   ContextBuilder
	inference    InferenceClient
	emitter      Emitter
	metrics      Metrics
	stats        GenerationStats
	defaultModel string
}

// New constructs a Coordinator. defaultModel is used whenever a channel has
// no model_override set.
func New(
	store Store,
	filt Filter,
	rateLimiter RateLimiter,
	contextMgr ContextBuilder,
	inf InferenceClient,
	emitter Emitter,
	metrics Metrics,
	stats GenerationStats,
	defaultModel string,
) *Coordinator {
	return &Coordinator{
		store:        store,
		filter:       filt,
		rateLimiter:  rateLimiter,
		contextMgr:   contextMgr,
		inference:    inf,
		emitter:      emitter,
		metrics:      metrics,
		stats:        stats,
		defaultModel: defaultModel,
	}
}

// HandleMessage implements transport.IngestHandler. It runs the ingest
// pipeline: ingress filter, store, message-count bookkeeping, then the
// mention or spontaneous trigger.
//
// Commands are never passed here — the transport's !clank prefix check
// intercepts and fully handles them before this is reached, so command
// routing is authoritative at the transport, not here.
func (c *Coordinator) HandleMessage(ctx context.Context, ev model.MessageEvent) {
	msg := ev.Message
	c.metrics.RecordMessageIngested(msg.Channel)

	filtered, ok := c.filter.FilterInput(msg.Content)
	if !ok {
		c.metrics.RecordFilterBlock("ingress")
		return
	}
	msg.Content = filtered

	if _, err := c.store.StoreMessage(ctx, msg); err != nil {
		slog.Error("failed to store message, dropping", "channel", msg.Channel, "error", err)
		return
	}

	if !ev.IsMention {
		if err := c.rateLimiter.IncrementMessageCount(ctx, msg.Channel); err != nil {
			slog.Error("failed to increment message count", "channel", msg.Channel, "error", err)
		}
	}

	if ev.IsMention {
		allowed, err := c.rateLimiter.CanRespondToMention(ctx, msg.Channel, msg.UserID)
		if err != nil {
			slog.Error("failed to evaluate mention trigger", "channel", msg.Channel, "error", err)
			return
		}
		if allowed {
			c.runResponsePipeline(ctx, msg.Channel, msg.UserID, msg.UserDisplayName, ev.MentionPayload)
		}
		return
	}

	spontaneous, err := c.rateLimiter.ShouldGenerateSpontaneous(ctx, msg.Channel)
	if err != nil {
		slog.Error("failed to evaluate spontaneous trigger", "channel", msg.Channel, "error", err)
		return
	}
	if spontaneous {
		c.runSpontaneousPipeline(ctx, msg.Channel)
	}
}

// resolveModel returns the channel's model_override, falling back to the
// configured process-wide default.
func (c *Coordinator) resolveModel(cfg model.ChannelConfig) string {
	if cfg.ModelOverride != nil && *cfg.ModelOverride != "" {
		return *cfg.ModelOverride
	}
	return c.defaultModel
}

func toInferenceMessages(messages []model.Message) []inference.Message {
	out := make([]inference.Message, len(messages))
	for i, m := range messages {
		out[i] = inference.Message{DisplayName: m.UserDisplayName, Content: m.Content}
	}
	return out
}

// runResponsePipeline resolves the channel's model, builds a response
// context, generates a reply, and emits it.
func (c *Coordinator) runResponsePipeline(ctx context.Context, channel, userID, displayName, payload string) {
	genID := uuid.New().String()[:8]

	cfg, err := c.rateLimiter.Config(ctx, channel)
	if err != nil {
		slog.Error("failed to read config for response pipeline", "gen_id", genID, "channel", channel, "error", err)
		return
	}
	modelName := c.resolveModel(cfg)

	slice, err := c.contextMgr.BuildContext(ctx, channel, ctxwindow.Response, cfg.ContextLimit)
	if err != nil {
		slog.Error("failed to build response context", "gen_id", genID, "channel", channel, "error", err)
		return
	}

	start := time.Now()
	text, ok := c.inference.GenerateWithFallback(ctx, func(ctx context.Context) (string, error) {
		return c.inference.GenerateResponse(ctx, modelName, toInferenceMessages(slice), displayName, payload)
	})
	c.metrics.RecordGeneration("response", outcome(ok), time.Since(start))
	if !ok {
		c.stats.RecordGeneration(false)
		return
	}

	filtered, ok := c.filter.FilterOutput(text)
	if !ok {
		c.metrics.RecordFilterBlock("egress")
		c.stats.RecordGeneration(false)
		return
	}

	if err := c.emitter.Say(ctx, channel, filtered); err != nil {
		c.metrics.RecordEmit(channel, err)
		c.stats.RecordGeneration(false)
		slog.Warn("failed to emit response", "gen_id", genID, "channel", channel, "error", err)
		return
	}
	c.metrics.RecordEmit(channel, nil)
	c.stats.RecordGeneration(true)

	if err := c.rateLimiter.RecordResponseEmission(ctx, channel, userID); err != nil {
		slog.Error("failed to record response emission", "gen_id", genID, "channel", channel, "error", err)
	}
}

// runSpontaneousPipeline resolves the channel's model, builds a
// spontaneous context, generates an unprompted message, and emits it.
func (c *Coordinator) runSpontaneousPipeline(ctx context.Context, channel string) {
	genID := uuid.New().String()[:8]

	cfg, err := c.rateLimiter.Config(ctx, channel)
	if err != nil {
		slog.Error("failed to read config for spontaneous pipeline", "gen_id", genID, "channel", channel, "error", err)
		return
	}
	modelName := c.resolveModel(cfg)

	slice, err := c.contextMgr.BuildContext(ctx, channel, ctxwindow.Spontaneous, cfg.ContextLimit)
	if err != nil {
		slog.Error("failed to build spontaneous context", "gen_id", genID, "channel", channel, "error", err)
		return
	}
	if len(slice) < spontaneousContextFloor {
		return
	}

	start := time.Now()
	text, ok := c.inference.GenerateWithFallback(ctx, func(ctx context.Context) (string, error) {
		return c.inference.GenerateSpontaneous(ctx, modelName, toInferenceMessages(slice))
	})
	c.metrics.RecordGeneration("spontaneous", outcome(ok), time.Since(start))
	if !ok {
		c.stats.RecordGeneration(false)
		return
	}

	filtered, ok := c.filter.FilterOutput(text)
	if !ok {
		c.metrics.RecordFilterBlock("egress")
		c.stats.RecordGeneration(false)
		return
	}

	if err := c.emitter.Say(ctx, channel, filtered); err != nil {
		c.metrics.RecordEmit(channel, err)
		c.stats.RecordGeneration(false)
		slog.Warn("failed to emit spontaneous message", "gen_id", genID, "channel", channel, "error", err)
		return
	}
	c.metrics.RecordEmit(channel, nil)
	c.stats.RecordGeneration(true)

	// The counter reset and cooldown stamp only happen once the emit has
	// already succeeded, so a failed emit can never be double-counted.
	if err := c.rateLimiter.RecordSpontaneousEmission(ctx, channel); err != nil {
		slog.Error("failed to record spontaneous emission", "gen_id", genID, "channel", channel, "error", err)
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "empty"
}

// HandleDeleteMessage implements transport.IngestHandler's CLEARMSG path.
func (c *Coordinator) HandleDeleteMessage(ctx context.Context, channel, messageID string) {
	if _, err := c.store.DeleteMessage(ctx, messageID); err != nil {
		slog.Error("failed to delete message", "channel", channel, "message_id", messageID, "error", err)
	}
	c.contextMgr.InvalidateChannel(channel)
}

// HandleDeleteUser implements transport.IngestHandler's per-user CLEARCHAT
// path.
func (c *Coordinator) HandleDeleteUser(ctx context.Context, channel, userID string) {
	if _, err := c.store.DeleteUserMessages(ctx, channel, userID); err != nil {
		slog.Error("failed to delete user messages", "channel", channel, "user_id", userID, "error", err)
	}
	c.contextMgr.InvalidateChannel(channel)
}

// HandleClearChannel implements transport.IngestHandler's full CLEARCHAT
// path.
func (c *Coordinator) HandleClearChannel(ctx context.Context, channel string) {
	if _, err := c.store.ClearChannel(ctx, channel); err != nil {
		slog.Error("failed to clear channel", "channel", channel, "error", err)
	}
	if err := c.rateLimiter.ResetMessageCount(ctx, channel); err != nil {
		slog.Error("failed to reset message count after clear", "channel", channel, "error", err)
	}
	c.contextMgr.InvalidateChannel(channel)
}

// Sweep implements resource.Sweeper, delegating the retention cleanup to
// the store. Normal and emergency cleanup share this one entry point,
// differing only in the retention days passed in.
func (c *Coordinator) Sweep(ctx context.Context, messageRetentionDays, metricRetentionDays int) error {
	if _, err := c.store.CleanupOldMessages(ctx, "", messageRetentionDays); err != nil {
		return err
	}
	return c.store.CleanupOldMetrics(ctx, metricRetentionDays)
}

// RunContextCacheSweep runs the periodic context-slice cache eviction task
// until ctx is cancelled.
func (c *Coordinator) RunContextCacheSweep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := c.contextMgr.Sweep(); n > 0 {
				slog.Debug("evicted expired context slices", "count", n)
			}
		}
	}
}

// Task is one long-lived background job (transport connection loop,
// resource monitor, cache sweep) that runs until ctx is cancelled or it
// fails.
type Task func(ctx context.Context) error

// Supervise runs every task under one errgroup.Group: the first task to
// return a non-nil error cancels the shared context, and every other task
// is expected to observe that cancellation and return promptly. cmd/clank
// runs one task each for the transport connection loop, resource
// monitoring, context-cache sweeping, and the /metrics HTTP server.
func Supervise(ctx context.Context, tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return task(gctx)
		})
	}
	return g.Wait()
}
