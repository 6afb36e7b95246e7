package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clankbot/clank/internal/model"
	"github.com/clankbot/clank/internal/profile"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	p := &profile.Profile{DSN: "file::memory:?cache=shared"}
	drv, err := NewDB(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = drv.Close() })
	return drv.(*DB)
}

func sampleMessage(id, channel string) model.Message {
	return model.Message{
		MessageID:       id,
		Channel:         channel,
		UserID:          "u1",
		UserDisplayName: "Viewer",
		Content:         "hello there",
		Timestamp:       time.Now(),
	}
}

func TestStoreMessage_IdempotentIngest(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	msg := sampleMessage("m1", "chan1")

	ok, err := db.StoreMessage(ctx, msg)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = db.StoreMessage(ctx, msg)
	require.NoError(t, err)
	require.True(t, ok)

	msgs, err := db.GetRecentMessages(ctx, "chan1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestGetRecentMessages_ChannelIsolation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.StoreMessage(ctx, sampleMessage("a1", "chanA"))
	require.NoError(t, err)
	_, err = db.StoreMessage(ctx, sampleMessage("b1", "chanB"))
	require.NoError(t, err)

	msgsA, err := db.GetRecentMessages(ctx, "chanA", 10)
	require.NoError(t, err)
	require.Len(t, msgsA, 1)
	require.Equal(t, "a1", msgsA[0].MessageID)
}

func TestGetRecentMessages_ChronologicalOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"m1", "m2", "m3"} {
		msg := sampleMessage(id, "chan1")
		msg.Timestamp = base.Add(time.Duration(i) * time.Minute)
		_, err := db.StoreMessage(ctx, msg)
		require.NoError(t, err)
	}

	msgs, err := db.GetRecentMessages(ctx, "chan1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i := 1; i < len(msgs); i++ {
		require.True(t, !msgs[i].Timestamp.Before(msgs[i-1].Timestamp))
	}
	require.Equal(t, "m1", msgs[0].MessageID)
	require.Equal(t, "m3", msgs[2].MessageID)
}

func TestClearChannel_RemovesAllMessages(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		_, err := db.StoreMessage(ctx, sampleMessage(id, "chan1"))
		require.NoError(t, err)
	}

	ok, err := db.ClearChannel(ctx, "chan1")
	require.NoError(t, err)
	require.True(t, ok)

	msgs, err := db.GetRecentMessages(ctx, "chan1", 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestDeleteMessage_RemovesOnlyTargeted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.StoreMessage(ctx, sampleMessage("m1", "chan1"))
	require.NoError(t, err)
	_, err = db.StoreMessage(ctx, sampleMessage("m2", "chan1"))
	require.NoError(t, err)

	ok, err := db.DeleteMessage(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)

	msgs, err := db.GetRecentMessages(ctx, "chan1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "m2", msgs[0].MessageID)
}

func TestGetConfig_CreatesDefaultsOnFirstTouch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cfg, err := db.GetConfig(ctx, "newchan")
	require.NoError(t, err)
	require.Equal(t, model.DefaultMessageThreshold, cfg.MessageThreshold)
	require.Equal(t, model.DefaultSpontaneousCooldownS, cfg.SpontaneousCooldownS)
	require.Equal(t, model.DefaultResponseCooldownS, cfg.ResponseCooldownS)
	require.Equal(t, model.DefaultContextLimit, cfg.ContextLimit)
	require.Equal(t, 0, cfg.MessageCount)
	require.Nil(t, cfg.LastSpontaneousAt)
}

func TestIncrementAndResetMessageCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.GetConfig(ctx, "chan1")
	require.NoError(t, err)

	count, err := db.IncrementMessageCount(ctx, "chan1")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = db.IncrementMessageCount(ctx, "chan1")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.NoError(t, db.ResetMessageCount(ctx, "chan1"))

	cfg, err := db.GetConfig(ctx, "chan1")
	require.NoError(t, err)
	require.Equal(t, 0, cfg.MessageCount)
}

func TestUserResponseCooldown_PerUserIsolation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpdateUserResponseTimestamp(ctx, "chan1", "userA"))

	ts, err := db.GetUserLastResponse(ctx, "chan1", "userA")
	require.NoError(t, err)
	require.NotNil(t, ts)

	ts, err = db.GetUserLastResponse(ctx, "chan1", "userB")
	require.NoError(t, err)
	require.Nil(t, ts)
}

func TestAuthToken_SingletonRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tok := model.AuthToken{AccessTokenCiphertext: "cipher1", BotUsername: "clankbot"}
	require.NoError(t, db.StoreAuthToken(ctx, tok))

	got, err := db.GetAuthToken(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "cipher1", got.AccessTokenCiphertext)

	tok.AccessTokenCiphertext = "cipher2"
	require.NoError(t, db.UpdateAuthToken(ctx, tok))

	got, err = db.GetAuthToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "cipher2", got.AccessTokenCiphertext)

	require.NoError(t, db.DeleteAuthToken(ctx))
	got, err = db.GetAuthToken(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpdateConfig_RejectsUnknownField(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.UpdateConfig(ctx, "chan1", "not_a_real_field", 5)
	require.Error(t, err)
}

func TestUpdateConfig_SetsBoundedField(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ok, err := db.UpdateConfig(ctx, "chan1", "message_threshold", 50)
	require.NoError(t, err)
	require.True(t, ok)

	cfg, err := db.GetConfig(ctx, "chan1")
	require.NoError(t, err)
	require.Equal(t, 50, cfg.MessageThreshold)
}
