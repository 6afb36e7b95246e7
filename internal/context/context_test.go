package ctxwindow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clankbot/clank/internal/model"
)

type fakeStore struct {
	messages map[string][]model.Message
	calls    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[string][]model.Message)}
}

func (f *fakeStore) GetRecentMessages(ctx context.Context, channel string, limit int) ([]model.Message, error) {
	f.calls++
	msgs := f.messages[channel]
	if len(msgs) <= limit {
		return msgs, nil
	}
	return msgs[len(msgs)-limit:], nil
}

func genMessages(channel string, contents ...string) []model.Message {
	base := time.Now().Add(-time.Duration(len(contents)) * time.Minute)
	var out []model.Message
	for i, c := range contents {
		out = append(out, model.Message{
			Channel:   channel,
			UserID:    "u1",
			Content:   c,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

func TestBuildContext_DropsShortAndInterjectionEntries(t *testing.T) {
	store := newFakeStore()
	store.messages["chan1"] = genMessages("chan1", "hi", "lol", "a real sentence here", "ok")
	m := New(store)

	slice, err := m.BuildContext(context.Background(), "chan1", Response, 200)
	require.NoError(t, err)

	for _, msg := range slice {
		assert.NotEqual(t, "lol", msg.Content)
		assert.GreaterOrEqual(t, len(msg.Content), 3)
	}
}

func TestBuildContext_ResponseSizingFloorAndFraction(t *testing.T) {
	var contents []string
	for i := 0; i < 100; i++ {
		contents = append(contents, "a normal chat message")
	}
	store := newFakeStore()
	store.messages["chan1"] = genMessages("chan1", contents...)
	m := New(store)

	slice, err := m.BuildContext(context.Background(), "chan1", Response, 20)
	require.NoError(t, err)
	// max(15, floor(0.75*20)) = 15
	assert.Len(t, slice, 15)
}

func TestBuildContext_SpontaneousUsesFullContextLimit(t *testing.T) {
	var contents []string
	for i := 0; i < 100; i++ {
		contents = append(contents, "a normal chat message")
	}
	store := newFakeStore()
	store.messages["chan1"] = genMessages("chan1", contents...)
	m := New(store)

	slice, err := m.BuildContext(context.Background(), "chan1", Spontaneous, 30)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(slice), 30)
}

func TestBuildContext_ChannelIsolation(t *testing.T) {
	store := newFakeStore()
	store.messages["chanA"] = genMessages("chanA", "a message from chan a")
	store.messages["chanB"] = genMessages("chanB", "a message from chan b")
	m := New(store)

	sliceA, err := m.BuildContext(context.Background(), "chanA", Response, 200)
	require.NoError(t, err)
	for _, msg := range sliceA {
		assert.Equal(t, "chanA", msg.Channel)
	}
}

func TestBuildContext_ServesFromCacheWithoutSecondStoreCall(t *testing.T) {
	store := newFakeStore()
	store.messages["chan1"] = genMessages("chan1", "a normal chat message")
	m := New(store)
	ctx := context.Background()

	_, err := m.BuildContext(ctx, "chan1", Response, 200)
	require.NoError(t, err)
	_, err = m.BuildContext(ctx, "chan1", Response, 200)
	require.NoError(t, err)

	assert.Equal(t, 1, store.calls)
}

func TestInvalidateChannel_DropsCachedSlicesAfterModerationEvent(t *testing.T) {
	store := newFakeStore()
	store.messages["chan1"] = genMessages("chan1", "deleted message here", "surviving message here")
	m := New(store)
	ctx := context.Background()

	_, err := m.BuildContext(ctx, "chan1", Response, 200)
	require.NoError(t, err)

	// Simulate the moderation event removing a message from the store.
	store.messages["chan1"] = genMessages("chan1", "surviving message here")
	m.InvalidateChannel("chan1")

	slice, err := m.BuildContext(ctx, "chan1", Response, 200)
	require.NoError(t, err)
	for _, msg := range slice {
		assert.NotEqual(t, "deleted message here", msg.Content)
	}
	assert.Equal(t, 2, store.calls, "invalidation should force a fresh store read")
}

func TestDiversityPass_CapsAtMaxAndPreservesChronologicalOrder(t *testing.T) {
	var messages []model.Message
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 30; i++ {
		messages = append(messages, model.Message{
			UserID:    "shared-user",
			Content:   "message",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	picked := diversityPass(messages, diversityThreshold, diversityFloor)
	assert.LessOrEqual(t, len(picked), diversityThreshold)
	for i := 1; i < len(picked); i++ {
		assert.True(t, picked[i].Timestamp.After(picked[i-1].Timestamp) || picked[i].Timestamp.Equal(picked[i-1].Timestamp))
	}
}

func TestDiversityPass_PrefersUnseenUsersOverRepeats(t *testing.T) {
	var messages []model.Message
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		messages = append(messages, model.Message{UserID: "repeat-user", Content: "m", Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	for i := 25; i < 30; i++ {
		messages = append(messages, model.Message{UserID: "unique-user", Content: "m", Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	picked := diversityPass(messages, diversityThreshold, diversityFloor)

	found := false
	for _, msg := range picked {
		if msg.UserID == "unique-user" {
			found = true
		}
	}
	assert.True(t, found, "unseen user's message should survive the diversity pass")
}

func TestDiversityPass_StopsAtFloorForAlternatingUsers(t *testing.T) {
	var messages []model.Message
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 30; i++ {
		userID := "user-a"
		if i%2 == 0 {
			userID = "user-b"
		}
		messages = append(messages, model.Message{
			UserID:    userID,
			Content:   "message",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	picked := diversityPass(messages, diversityThreshold, diversityFloor)

	assert.Len(t, picked, diversityFloor, "once only two users alternate, the pass should stop at the floor rather than admitting every already-seen entry")
}
