package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clankbot/clank/internal/filter"
	"github.com/clankbot/clank/internal/inference"
	"github.com/clankbot/clank/internal/model"

	ctxwindow "github.com/clankbot/clank/internal/context"
)

type fakeStore struct {
	stored          []model.Message
	storeErr        error
	deletedMessages []string
	deletedUsers    []string
	clearedChannels []string
	cleanupMsgCalls []int
	cleanupMetCalls []int
}

func (f *fakeStore) StoreMessage(_ context.Context, msg model.Message) (bool, error) {
	if f.storeErr != nil {
		return false, f.storeErr
	}
	f.stored = append(f.stored, msg)
	return true, nil
}

func (f *fakeStore) DeleteMessage(_ context.Context, messageID string) (bool, error) {
	f.deletedMessages = append(f.deletedMessages, messageID)
	return true, nil
}

func (f *fakeStore) DeleteUserMessages(_ context.Context, _ string, userID string) (bool, error) {
	f.deletedUsers = append(f.deletedUsers, userID)
	return true, nil
}

func (f *fakeStore) ClearChannel(_ context.Context, channel string) (bool, error) {
	f.clearedChannels = append(f.clearedChannels, channel)
	return true, nil
}

func (f *fakeStore) CleanupOldMessages(_ context.Context, _ string, retentionDays int) (bool, error) {
	f.cleanupMsgCalls = append(f.cleanupMsgCalls, retentionDays)
	return true, nil
}

func (f *fakeStore) CleanupOldMetrics(_ context.Context, retentionDays int) error {
	f.cleanupMetCalls = append(f.cleanupMetCalls, retentionDays)
	return nil
}

type fakeFilter struct {
	blockInputSubstr  string
	blockOutputSubstr string
}

func (f *fakeFilter) FilterInput(s string) (string, bool) {
	if f.blockInputSubstr != "" && contains(s, f.blockInputSubstr) {
		return "", false
	}
	return s, true
}

func (f *fakeFilter) FilterOutput(s string) (string, bool) {
	if f.blockOutputSubstr != "" && contains(s, f.blockOutputSubstr) {
		return "", false
	}
	return s, true
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (sub == "" || indexOf(s, sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

type fakeRateLimiter struct {
	cfg                model.ChannelConfig
	shouldSpontaneous  bool
	canRespond         bool
	evalErr            error
	incrementCalls     int
	resetCalls         int
	recordSpontaneous  int
	recordResponse     []string
}

func (f *fakeRateLimiter) ShouldGenerateSpontaneous(_ context.Context, _ string) (bool, error) {
	return f.shouldSpontaneous, f.evalErr
}

func (f *fakeRateLimiter) CanRespondToMention(_ context.Context, _, _ string) (bool, error) {
	return f.canRespond, f.evalErr
}

func (f *fakeRateLimiter) RecordSpontaneousEmission(_ context.Context, _ string) error {
	f.recordSpontaneous++
	return nil
}

func (f *fakeRateLimiter) RecordResponseEmission(_ context.Context, _, userID string) error {
	f.recordResponse = append(f.recordResponse, userID)
	return nil
}

func (f *fakeRateLimiter) IncrementMessageCount(_ context.Context, _ string) error {
	f.incrementCalls++
	return nil
}

func (f *fakeRateLimiter) ResetMessageCount(_ context.Context, _ string) error {
	f.resetCalls++
	return nil
}

func (f *fakeRateLimiter) Config(_ context.Context, _ string) (model.ChannelConfig, error) {
	return f.cfg, nil
}

type fakeContextBuilder struct {
	slice           []model.Message
	buildErr        error
	invalidated     []string
	sweepCount      int
	lastGenType     ctxwindow.GenerationType
}

func (f *fakeContextBuilder) BuildContext(_ context.Context, _ string, genType ctxwindow.GenerationType, _ int) ([]model.Message, error) {
	f.lastGenType = genType
	return f.slice, f.buildErr
}

func (f *fakeContextBuilder) InvalidateChannel(channel string) {
	f.invalidated = append(f.invalidated, channel)
}

func (f *fakeContextBuilder) Sweep() int {
	return f.sweepCount
}

type fakeInferenceClient struct {
	respText    string
	respErr     error
	lastModel   string
	lastHistory []inference.Message
}

func (f *fakeInferenceClient) GenerateWithFallback(ctx context.Context, call func(context.Context) (string, error)) (string, bool) {
	text, err := call(ctx)
	if err != nil || text == "" {
		return "", false
	}
	return text, true
}

func (f *fakeInferenceClient) GenerateResponse(_ context.Context, modelName string, history []inference.Message, _, _ string) (string, error) {
	f.lastModel = modelName
	f.lastHistory = history
	return f.respText, f.respErr
}

func (f *fakeInferenceClient) GenerateSpontaneous(_ context.Context, modelName string, history []inference.Message) (string, error) {
	f.lastModel = modelName
	f.lastHistory = history
	return f.respText, f.respErr
}

type fakeEmitter struct {
	sayErr   error
	channels []string
	texts    []string
}

func (f *fakeEmitter) Say(_ context.Context, channel, text string) error {
	if f.sayErr != nil {
		return f.sayErr
	}
	f.channels = append(f.channels, channel)
	f.texts = append(f.texts, text)
	return nil
}

type fakeMetrics struct {
	ingested      int
	filterBlocks  map[string]int
	generations   int
	emits         int
	emitErrs      int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{filterBlocks: make(map[string]int)}
}

func (f *fakeMetrics) RecordMessageIngested(_ string) { f.ingested++ }
func (f *fakeMetrics) RecordFilterBlock(direction string) { f.filterBlocks[direction]++ }
func (f *fakeMetrics) RecordGeneration(_, _ string, _ time.Duration) { f.generations++ }
func (f *fakeMetrics) RecordEmit(_ string, err error) {
	f.emits++
	if err != nil {
		f.emitErrs++
	}
}

type fakeStats struct {
	attempts  int
	successes int
}

func (f *fakeStats) RecordGeneration(success bool) {
	f.attempts++
	if success {
		f.successes++
	}
}

type harness struct {
	store     *fakeStore
	filter    *fakeFilter
	rl        *fakeRateLimiter
	ctxMgr    *fakeContextBuilder
	inference *fakeInferenceClient
	emitter   *fakeEmitter
	metrics   *fakeMetrics
	stats     *fakeStats
	coord     *Coordinator
}

func newHarness() *harness {
	h := &harness{
		store:     &fakeStore{},
		filter:    &fakeFilter{},
		rl:        &fakeRateLimiter{cfg: *model.NewDefaultChannelConfig("chan")},
		ctxMgr:    &fakeContextBuilder{slice: make([]model.Message, 20)},
		inference: &fakeInferenceClient{respText: "hello there"},
		emitter:   &fakeEmitter{},
		metrics:   newFakeMetrics(),
		stats:     &fakeStats{},
	}
	h.coord = New(h.store, h.filter, h.rl, h.ctxMgr, h.inference, h.emitter, h.metrics, h.stats, "llama3")
	return h
}

func event(channel, userID, content string, isMention bool) model.MessageEvent {
	return model.MessageEvent{
		Message: model.Message{
			MessageID:       "m1",
			Channel:         channel,
			UserID:          userID,
			UserDisplayName: "Viewer",
			Content:         content,
			Timestamp:       time.Now(),
		},
		IsMention:      isMention,
		MentionPayload: content,
	}
}

func TestHandleMessage_IngressBlockedStopsPipeline(t *testing.T) {
	h := newHarness()
	h.filter.blockInputSubstr = "badword"

	h.coord.HandleMessage(context.Background(), event("chan", "u1", "this has badword in it", false))

	assert.Empty(t, h.store.stored)
	assert.Equal(t, 1, h.metrics.filterBlocks["ingress"])
}

func TestHandleMessage_StoreFailureStopsPipeline(t *testing.T) {
	h := newHarness()
	h.store.storeErr = errors.New("disk full")

	h.coord.HandleMessage(context.Background(), event("chan", "u1", "hello", false))

	assert.Equal(t, 0, h.rl.incrementCalls)
}

func TestHandleMessage_NonMentionIncrementsMessageCount(t *testing.T) {
	h := newHarness()
	h.rl.shouldSpontaneous = false

	h.coord.HandleMessage(context.Background(), event("chan", "u1", "hello", false))

	assert.Len(t, h.store.stored, 1)
	assert.Equal(t, 1, h.rl.incrementCalls)
}

func TestHandleMessage_MentionDoesNotIncrementMessageCount(t *testing.T) {
	h := newHarness()
	h.rl.canRespond = false

	h.coord.HandleMessage(context.Background(), event("chan", "u1", "@clank hi", true))

	assert.Equal(t, 0, h.rl.incrementCalls)
}

// Mention cooldown blocks a response until it elapses.
func TestHandleMessage_MentionCooldownBlocksResponse(t *testing.T) {
	h := newHarness()
	h.rl.canRespond = false

	h.coord.HandleMessage(context.Background(), event("chan", "u1", "@clank hi", true))

	assert.Empty(t, h.emitter.texts)
	assert.Empty(t, h.rl.recordResponse)
}

func TestHandleMessage_MentionAllowedRunsResponsePipeline(t *testing.T) {
	h := newHarness()
	h.rl.canRespond = true
	h.inference.respText = "hi yourself"

	h.coord.HandleMessage(context.Background(), event("chan", "u1", "@clank hi", true))

	require.Len(t, h.emitter.texts, 1)
	assert.Equal(t, "hi yourself", h.emitter.texts[0])
	assert.Equal(t, []string{"u1"}, h.rl.recordResponse)
	assert.Equal(t, ctxwindow.Response, h.ctxMgr.lastGenType)
}

func TestResponsePipeline_EgressBlockedSkipsEmitAndCooldown(t *testing.T) {
	h := newHarness()
	h.rl.canRespond = true
	h.inference.respText = "contains badword here"
	h.filter.blockOutputSubstr = "badword"

	h.coord.HandleMessage(context.Background(), event("chan", "u1", "@clank hi", true))

	assert.Empty(t, h.emitter.texts)
	assert.Empty(t, h.rl.recordResponse)
	assert.Equal(t, 1, h.metrics.filterBlocks["egress"])
}

func TestResponsePipeline_UsesModelOverrideWhenSet(t *testing.T) {
	h := newHarness()
	h.rl.canRespond = true
	override := "mistral"
	h.rl.cfg.ModelOverride = &override

	h.coord.HandleMessage(context.Background(), event("chan", "u1", "@clank hi", true))

	assert.Equal(t, "mistral", h.inference.lastModel)
}

func TestResponsePipeline_FallsBackToDefaultModel(t *testing.T) {
	h := newHarness()
	h.rl.canRespond = true

	h.coord.HandleMessage(context.Background(), event("chan", "u1", "@clank hi", true))

	assert.Equal(t, "llama3", h.inference.lastModel)
}

func TestSpontaneousPipeline_BelowContextFloorSkips(t *testing.T) {
	h := newHarness()
	h.rl.shouldSpontaneous = true
	h.ctxMgr.slice = make([]model.Message, spontaneousContextFloor-1)

	h.coord.HandleMessage(context.Background(), event("chan", "u1", "hello", false))

	assert.Empty(t, h.emitter.texts)
	assert.Equal(t, 0, h.rl.recordSpontaneous)
}

// Spontaneous trigger fires after the message threshold is met.
func TestSpontaneousPipeline_EmitsAndRecordsResetOnSuccess(t *testing.T) {
	h := newHarness()
	h.rl.shouldSpontaneous = true
	h.inference.respText = "Hope you're all doing well!"

	h.coord.HandleMessage(context.Background(), event("chan", "u1", "good stream", false))

	require.Len(t, h.emitter.texts, 1)
	assert.Equal(t, "Hope you're all doing well!", h.emitter.texts[0])
	assert.Equal(t, 1, h.rl.recordSpontaneous)
	assert.Equal(t, ctxwindow.Spontaneous, h.ctxMgr.lastGenType)
}

// A failed emit must never reset the spontaneous counter.
func TestSpontaneousPipeline_EmitFailureDoesNotResetCounter(t *testing.T) {
	h := newHarness()
	h.rl.shouldSpontaneous = true
	h.emitter.sayErr = errors.New("connection reset")

	h.coord.HandleMessage(context.Background(), event("chan", "u1", "good stream", false))

	assert.Equal(t, 0, h.rl.recordSpontaneous)
	assert.Equal(t, 1, h.metrics.emitErrs)
}

func TestSpontaneousPipeline_EmptyGenerationSkipsEmit(t *testing.T) {
	h := newHarness()
	h.rl.shouldSpontaneous = true
	h.inference.respText = ""

	h.coord.HandleMessage(context.Background(), event("chan", "u1", "good stream", false))

	assert.Empty(t, h.emitter.texts)
	assert.Equal(t, 0, h.rl.recordSpontaneous)
	assert.Equal(t, 1, h.stats.attempts)
	assert.Equal(t, 0, h.stats.successes)
}

// A full channel clear resets the message count and cache.
func TestHandleClearChannel_ResetsCountAndInvalidatesCache(t *testing.T) {
	h := newHarness()

	h.coord.HandleClearChannel(context.Background(), "chan")

	assert.Equal(t, []string{"chan"}, h.store.clearedChannels)
	assert.Equal(t, 1, h.rl.resetCalls)
	assert.Equal(t, []string{"chan"}, h.ctxMgr.invalidated)
}

func TestHandleDeleteMessage_InvalidatesContextCache(t *testing.T) {
	h := newHarness()

	h.coord.HandleDeleteMessage(context.Background(), "chan", "m1")

	assert.Equal(t, []string{"m1"}, h.store.deletedMessages)
	assert.Equal(t, []string{"chan"}, h.ctxMgr.invalidated)
}

func TestHandleDeleteUser_InvalidatesContextCache(t *testing.T) {
	h := newHarness()

	h.coord.HandleDeleteUser(context.Background(), "chan", "u1")

	assert.Equal(t, []string{"u1"}, h.store.deletedUsers)
	assert.Equal(t, []string{"chan"}, h.ctxMgr.invalidated)
}

func TestSweep_DelegatesToStoreCleanupWithGivenRetentions(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.coord.Sweep(context.Background(), 7, 3))

	assert.Equal(t, []int{7}, h.store.cleanupMsgCalls)
	assert.Equal(t, []int{3}, h.store.cleanupMetCalls)
}

// Exercised against the real content filter rather than a fake, to
// confirm the coordinator actually wires ingress and egress filtering
// through it end to end.
func TestHandleMessage_RealFilterBlocksLeetEvasionOnIngress(t *testing.T) {
	h := newHarness()
	realFilter := filter.New()
	require.NoError(t, realFilter.Load(strings.NewReader("badword\n")))
	h.coord.filter = realFilter

	h.coord.HandleMessage(context.Background(), event("chan", "u1", "this is b4dw0rd here", false))

	assert.Empty(t, h.store.stored)
}
