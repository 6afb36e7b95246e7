package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitise_StripsMarkdownEmphasis(t *testing.T) {
	out := sanitise("**hello** there *friend* `code` ~~strike~~")
	assert.NotContains(t, out, "*")
	assert.NotContains(t, out, "`")
	assert.NotContains(t, out, "~")
	assert.Contains(t, out, "hello")
}

func TestSanitise_TakesFirstNonEmptyLine(t *testing.T) {
	out := sanitise("\n\nfirst real line\nsecond line")
	assert.Equal(t, "first real line", out)
}

func TestSanitise_BoundedOutputLength(t *testing.T) {
	long := strings.Repeat("word ", 200)
	out := sanitise(long)
	assert.LessOrEqual(t, len([]rune(out)), maxResponseLen+1) // +1 allows the trailing ellipsis rune
}

func TestSanitise_OnlyAllowedCharacters(t *testing.T) {
	out := sanitise("hello <|system|>  world #1 @user 50% (ok)")
	for _, r := range out {
		if r == '…' {
			continue
		}
		assert.True(t, strings.ContainsRune(`ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789 .,!?;:()-'"@#$%&+=<>/\`, r),
			"unexpected rune %q in sanitised output", r)
	}
}

func TestBuildSpontaneousPrompt_EmptyTranscript(t *testing.T) {
	prompt := BuildSpontaneousPrompt(nil)
	assert.Contains(t, prompt, "(No recent messages)")
}

func TestBuildSpontaneousPrompt_CapsAtTwentyEntries(t *testing.T) {
	var history []Message
	for i := 0; i < 30; i++ {
		history = append(history, Message{DisplayName: "u", Content: "msg"})
	}
	prompt := BuildSpontaneousPrompt(history)
	assert.Equal(t, 20, strings.Count(prompt, "[u]: msg"))
}

func TestBuildResponsePrompt_CapsAtFifteenEntries(t *testing.T) {
	var history []Message
	for i := 0; i < 30; i++ {
		history = append(history, Message{DisplayName: "u", Content: "msg"})
	}
	prompt := BuildResponsePrompt(history, "Asker", "what's up")
	assert.Equal(t, 15, strings.Count(prompt, "[u]: msg"))
	assert.Contains(t, prompt, "Asker")
	assert.Contains(t, prompt, "what's up")
}

func newStubServer(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		if body != nil {
			_ = json.NewEncoder(w).Encode(body)
		}
	}))
}

func TestValidateModel_CachesNegativeResult(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(tagsResponse{})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, DefaultModel: "llama3.1", Timeout: time.Second})

	ok, err := c.ValidateModel(context.Background(), "missing-model")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.ValidateModel(context.Background(), "missing-model")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, calls, "second lookup should be served from cache")
}

func TestClient_ServiceBecomesUnavailableAfterMaxFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, DefaultModel: "llama3.1", Timeout: time.Second, MaxFailures: 3, RecoveryTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		_, err := c.ListModels(context.Background())
		require.Error(t, err)
	}

	assert.Equal(t, Unavailable, c.State())
	assert.False(t, c.IsAvailable())
}

func TestGenerateWithFallback_SilentlySkipsWhenUnavailable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", DefaultModel: "llama3.1", Timeout: 50 * time.Millisecond, MaxFailures: 1, RecoveryTimeout: time.Hour})
	c.recordFailure() // one failure trips Unavailable with MaxFailures=1

	called := false
	result, ok := c.GenerateWithFallback(context.Background(), func(ctx context.Context) (string, error) {
		called = true
		return "reply", nil
	})

	assert.False(t, called, "no call should be attempted once the service is unavailable")
	assert.False(t, ok)
	assert.Empty(t, result)
}

func TestGenerateWithFallback_ReturnsNoMessageOnConnectionError(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", DefaultModel: "llama3.1", Timeout: 50 * time.Millisecond})

	result, ok := c.GenerateWithFallback(context.Background(), func(ctx context.Context) (string, error) {
		return c.generate(ctx, "llama3.1", "hello")
	})

	assert.False(t, ok)
	assert.Empty(t, result)
}
