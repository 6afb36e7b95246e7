// Package auth implements the OAuth collaborator: TokenProvider is the
// narrow capability surface the Transport Client and Persistence Gateway
// depend on; Provider is a reference implementation against the standard
// OAuth2 refresh_token grant, storing ciphertext through the auth_tokens
// table.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/clankbot/clank/internal/model"
)

// ErrNoToken is returned when EnsureValidToken is called before any token
// has ever been stored (first-run bootstrap is out of scope).
var ErrNoToken = errors.New("auth: no token on file")

const (
	refreshAttempts   = 3
	refreshBaseDelay  = 1 * time.Second
	expiryLeadTime    = 60 * time.Second // refresh this far ahead of expiry
)

// TokenProvider is the capability interface the rest of the system depends
// on.
type TokenProvider interface {
	EnsureValidToken(ctx context.Context) (string, error)
	GetBotUsername() (string, error)
	RevokeTokens(ctx context.Context) error
}

// TokenStore is the subset of the Persistence Gateway the provider needs.
type TokenStore interface {
	GetAuthToken(ctx context.Context) (*model.AuthToken, error)
	StoreAuthToken(ctx context.Context, tok model.AuthToken) error
	UpdateAuthToken(ctx context.Context, tok model.AuthToken) error
	DeleteAuthToken(ctx context.Context) error
}

// Config configures a Provider.
type Config struct {
	ClientID      string
	ClientSecret  string
	TokenURL      string
	EncryptionKey string // 32-byte secret for AES-256-GCM at-rest encryption
}

// Provider implements TokenProvider against an OAuth refresh_token grant.
type Provider struct {
	cfg       Config
	store     TokenStore
	oauthConf *oauth2.Config

	mu          sync.Mutex
	botUsername string
}

// New constructs a Provider.
func New(cfg Config, store TokenStore) *Provider {
	return &Provider{
		cfg:   cfg,
		store: store,
		oauthConf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		},
	}
}

// EnsureValidToken returns a currently-valid plaintext access token,
// refreshing it first if it is missing, expired, or imminently expiring.
func (p *Provider) EnsureValidToken(ctx context.Context) (string, error) {
	tok, err := p.store.GetAuthToken(ctx)
	if err != nil {
		return "", fmt.Errorf("load auth token: %w", err)
	}
	if tok == nil {
		return "", ErrNoToken
	}

	p.mu.Lock()
	p.botUsername = tok.BotUsername
	p.mu.Unlock()

	if !p.needsRefresh(tok) {
		plaintext, err := DecryptToken(tok.AccessTokenCiphertext, p.cfg.EncryptionKey)
		if err != nil {
			return "", fmt.Errorf("decrypt access token: %w", err)
		}
		return plaintext, nil
	}

	return p.refresh(ctx, tok)
}

// needsRefresh checks the stored expiry, and, when the access token is a
// JWT, also inspects its unverified exp claim as a cheap secondary signal
// (Twitch's own user access tokens are opaque, but this keeps the provider
// correct against any JWT-issuing OAuth backend too).
func (p *Provider) needsRefresh(tok *model.AuthToken) bool {
	if tok.ExpiresAt != nil {
		return time.Now().Add(expiryLeadTime).After(*tok.ExpiresAt)
	}

	plaintext, err := DecryptToken(tok.AccessTokenCiphertext, p.cfg.EncryptionKey)
	if err != nil {
		return true
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(plaintext, claims); err != nil {
		// Not a JWT (Twitch's opaque bearer tokens take this path); fall
		// back to "no expiry known", treated as not due for refresh.
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().Add(expiryLeadTime).After(exp.Time)
}

// refresh performs the refresh_token grant with up to refreshAttempts
// attempts, waiting 1s and then 2s between them (the delay doubles after
// each failed attempt; there is no wait after the last one).
func (p *Provider) refresh(ctx context.Context, tok *model.AuthToken) (string, error) {
	refreshPlaintext, err := DecryptToken(tok.RefreshTokenCiphertext, p.cfg.EncryptionKey)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	source := p.oauthConf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshPlaintext})

	var newToken *oauth2.Token
	delay := refreshBaseDelay
	for attempt := 1; attempt <= refreshAttempts; attempt++ {
		newToken, err = source.Token()
		if err == nil {
			break
		}
		slog.Warn("oauth refresh attempt failed", "attempt", attempt, "error", err)
		if attempt == refreshAttempts {
			return "", fmt.Errorf("refresh token grant exhausted retries: %w", err)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	accessCiphertext, err := EncryptToken(newToken.AccessToken, p.cfg.EncryptionKey)
	if err != nil {
		return "", fmt.Errorf("encrypt new access token: %w", err)
	}
	refreshToStore := newToken.RefreshToken
	if refreshToStore == "" {
		refreshToStore = refreshPlaintext // some grants don't rotate the refresh token
	}
	refreshCiphertext, err := EncryptToken(refreshToStore, p.cfg.EncryptionKey)
	if err != nil {
		return "", fmt.Errorf("encrypt new refresh token: %w", err)
	}

	updated := model.AuthToken{
		AccessTokenCiphertext:  accessCiphertext,
		RefreshTokenCiphertext: refreshCiphertext,
		BotUsername:            tok.BotUsername,
	}
	if !newToken.Expiry.IsZero() {
		expiry := newToken.Expiry
		updated.ExpiresAt = &expiry
	}

	if err := p.store.UpdateAuthToken(ctx, updated); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	return newToken.AccessToken, nil
}

// GetBotUsername returns the bot's own username, used for known-bot-set
// filtering and mention detection in the Transport Client.
func (p *Provider) GetBotUsername() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.botUsername == "" {
		return "", errors.New("auth: bot username not yet known, call EnsureValidToken first")
	}
	return p.botUsername, nil
}

// RevokeTokens deletes the stored credential, forcing re-authentication.
func (p *Provider) RevokeTokens(ctx context.Context) error {
	return p.store.DeleteAuthToken(ctx)
}
