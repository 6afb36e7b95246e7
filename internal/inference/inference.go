// Package inference is the Ollama HTTP client: model listing/validation
// (cached), prompt construction, response sanitisation, and service-health
// tracking. The http.Client tuning follows the same conventions as
// ai/core/llm/service.go's newHTTPClient, but the wire protocol is
// Ollama's raw /api/tags + /api/generate JSON contract rather than an
// OpenAI-compatible chat-completions shape.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/clankbot/clank/internal/cachekit"
)

const (
	maxResponseLen      = 500
	truncateSearchFrom  = 400
	modelCacheTTL       = 5 * time.Minute
	defaultMaxFailures  = 3
	defaultRecoveryWait = 300 * time.Second
)

// Message is one transcript entry rendered into a prompt.
type Message struct {
	DisplayName string
	Content     string
}

// HealthState is the service-health state machine's current state.
type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Unavailable
	Recovering
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	case Recovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Error is the inference package's typed error taxonomy.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inference: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("inference: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether a caller should treat this as transient.
func (e *Error) IsRetryable() bool {
	return e.Code == "timeout" || e.Code == "unavailable"
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Config configures the Client.
type Config struct {
	BaseURL         string
	DefaultModel    string
	Timeout         time.Duration
	MaxFailures     int
	RecoveryTimeout time.Duration
}

// Client is the Ollama-backed inference client.
type Client struct {
	cfg        Config
	httpClient *http.Client

	modelCache *cachekit.Cache[string, bool]

	mu               sync.Mutex
	state            HealthState
	failureCount     int
	unavailableSince time.Time
}

// New creates a Client. BaseURL/DefaultModel/Timeout must be non-zero;
// MaxFailures/RecoveryTimeout default to 3 and 300s.
func New(cfg Config) *Client {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaultRecoveryWait
	}
	return &Client{
		cfg:        cfg,
		httpClient: newHTTPClient(cfg.Timeout),
		modelCache: cachekit.New[string, bool](256, modelCacheTTL),
		state:      Healthy,
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// State returns the current service-health state.
func (c *Client) State() HealthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveStateLocked()
}

func (c *Client) resolveStateLocked() HealthState {
	if c.state == Unavailable && time.Since(c.unavailableSince) >= c.cfg.RecoveryTimeout {
		c.state = Recovering
	}
	return c.state
}

// IsAvailable reports whether a generation call is currently permitted.
func (c *Client) IsAvailable() bool {
	st := c.State()
	return st != Unavailable
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount = 0
	c.state = Healthy
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	switch {
	case c.failureCount >= c.cfg.MaxFailures:
		c.state = Unavailable
		c.unavailableSince = time.Now()
	case c.failureCount >= 1:
		if c.state == Healthy {
			c.state = Degraded
		}
	}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels calls GET /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, newError("connection", "failed to build request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure()
		return nil, classifyHTTPErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recordFailure()
		return nil, newError("api_error", fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, newError("api_error", "failed to decode /api/tags response", err)
	}

	c.recordSuccess()
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// ValidateModel checks whether model is listed by the service, using a
// 5-minute TTL cache that also caches negative results.
func (c *Client) ValidateModel(ctx context.Context, model string) (bool, error) {
	if cached, ok := c.modelCache.Get(model); ok {
		return cached, nil
	}

	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}

	found := false
	for _, m := range models {
		if m == model {
			found = true
			break
		}
	}
	c.modelCache.Set(model, found, modelCacheTTL)
	return found, nil
}

// ValidateStartup performs a strict model-listing check suitable for
// process startup: it fails loudly rather than silently.
func (c *Client) ValidateStartup(ctx context.Context, model string) error {
	models, err := c.ListModels(ctx)
	if err != nil {
		return newError("unavailable", "inference service unreachable at startup", err)
	}
	for _, m := range models {
		if m == model {
			return nil
		}
	}

	sample := models
	if len(sample) > 5 {
		sample = sample[:5]
	}
	return newError("model_missing", fmt.Sprintf("configured model %q not found; available models include: %s", model, strings.Join(sample, ", ")), nil)
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// generate calls POST /api/generate and returns the sanitised response.
func (c *Client) generate(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: 0.8,
			TopP:        0.9,
			MaxTokens:   150,
		},
	})
	if err != nil {
		return "", newError("api_error", "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", newError("connection", "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure()
		return "", classifyHTTPErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recordFailure()
		return "", newError("api_error", fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", newError("api_error", "failed to decode /api/generate response", err)
	}

	c.recordSuccess()

	sanitised := sanitise(gr.Response)
	if sanitised == "" {
		return "", newError("empty_response", "sanitised response was empty", nil)
	}
	return sanitised, nil
}

func classifyHTTPErr(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return newError("timeout", "inference call timed out", err)
	}
	return newError("connection", "inference connection error", err)
}

// BuildSpontaneousPrompt assembles the prompt for an unprompted chat turn.
func BuildSpontaneousPrompt(history []Message) string {
	const header = "Generate a single casual chat message that fits naturally with the recent conversation. Keep it under 500 characters. Output only the message."
	entries := history
	if len(entries) > 20 {
		entries = entries[len(entries)-20:]
	}
	return header + "\nRecent chat messages:\n" + renderTranscript(entries) + "\nGenerate a natural chat message that fits the conversation."
}

// BuildResponsePrompt assembles the prompt for a reply to a mention.
func BuildResponsePrompt(history []Message, userName, userInput string) string {
	const header = "Generate a single casual chat message that fits naturally with the recent conversation. Keep it under 500 characters. Output only the message."
	entries := history
	if len(entries) > 15 {
		entries = entries[len(entries)-15:]
	}
	return header + "\nRecent chat messages:\n" + renderTranscript(entries) +
		fmt.Sprintf("\nGenerate a response to %s's message: %q", userName, userInput)
}

func renderTranscript(entries []Message) string {
	if len(entries) == 0 {
		return "(No recent messages)"
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s]: %s\n", e.DisplayName, e.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

var (
	markdownEmphasis = regexp.MustCompile("(\\*\\*([^*]+)\\*\\*|\\*([^*]+)\\*|`([^`]+)`|~~([^~]+)~~)")
	disallowedChars  = regexp.MustCompile(`[^A-Za-z0-9 .,!?;:()\-'"@#$%&+=<>/\\]`)
)

// sanitise strips markdown emphasis and other artifacts an LLM reply
// shouldn't carry into a chat message.
func sanitise(raw string) string {
	s := strings.TrimSpace(raw)
	s = markdownEmphasis.ReplaceAllStringFunc(s, func(m string) string {
		groups := markdownEmphasis.FindStringSubmatch(m)
		for _, g := range groups[2:] {
			if g != "" {
				return g
			}
		}
		return ""
	})

	if idx := strings.IndexAny(s, "\n"); idx >= 0 {
		for _, line := range strings.Split(s, "\n") {
			if strings.TrimSpace(line) != "" {
				s = strings.TrimSpace(line)
				break
			}
		}
	}
	s = disallowedChars.ReplaceAllString(s, "")

	if len(s) > maxResponseLen {
		cut := strings.LastIndex(s[:maxResponseLen], " ")
		if cut >= truncateSearchFrom {
			s = s[:cut] + "…"
		} else {
			s = s[:maxResponseLen] + "…"
		}
	}
	return strings.TrimSpace(s)
}

// GenerateSpontaneous is the strict variant; callers in silent-failure mode
// should use GenerateWithFallback instead.
func (c *Client) GenerateSpontaneous(ctx context.Context, model string, history []Message) (string, error) {
	return c.generate(ctx, model, BuildSpontaneousPrompt(history))
}

// GenerateResponse is the strict variant for replying to a mention.
func (c *Client) GenerateResponse(ctx context.Context, model string, history []Message, userName, userInput string) (string, error) {
	return c.generate(ctx, model, BuildResponsePrompt(history, userName, userInput))
}

// GenerateWithFallback wraps a generation call in the silent-failure policy:
// if the service forbids calls, or the call times out / errors, it logs and
// returns ("", false) instead of propagating — the coordinator treats that
// as "no message".
func (c *Client) GenerateWithFallback(ctx context.Context, call func(context.Context) (string, error)) (string, bool) {
	if !c.IsAvailable() {
		return "", false
	}

	result, err := call(ctx)
	if err != nil {
		var infErr *Error
		if ok := asInferenceError(err, &infErr); ok && (infErr.Code == "timeout" || infErr.Code == "connection" || infErr.Code == "api_error") {
			slog.Warn("inference call failed, skipping silently", "code", infErr.Code, "error", err)
			return "", false
		}
		slog.Warn("inference call failed, skipping silently", "error", err)
		return "", false
	}
	return result, true
}

func asInferenceError(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	return false
}
