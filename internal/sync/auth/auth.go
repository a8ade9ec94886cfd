// Package auth provides the identity and token gateway consulted before
// every remote call.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/kimhsiao/recipesync/internal/errors"
)

// ErrSignedOut is returned by FreshToken when no identity is signed in.
var ErrSignedOut = errors.New("not signed in")

// Identity is the signed-in account.
type Identity struct {
	OwnerID     string `json:"owner_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Token is a bearer credential. A zero ExpiresAt never expires.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Gateway exposes the current identity as an observable value and mints
// fresh tokens for remote calls.
type Gateway interface {
	// CurrentIdentity returns the signed-in identity, or nil.
	CurrentIdentity() *Identity
	// Subscribe calls fn with the current identity and again on every
	// change. The returned func cancels the subscription.
	Subscribe(fn func(*Identity)) (unsubscribe func())
	// FreshToken returns a token valid for at least the refresh window.
	FreshToken(ctx context.Context) (string, error)
}

// TokenSource mints a token for id.
type TokenSource func(ctx context.Context, id *Identity) (Token, error)

// StaticTokenSource always returns value with no expiry.
func StaticTokenSource(value string) TokenSource {
	return func(context.Context, *Identity) (Token, error) {
		if value == "" {
			return Token{}, errors.New("no token configured")
		}
		return Token{Value: value}, nil
	}
}

// DefaultRefreshWindow is how long before expiry a cached token is replaced.
const DefaultRefreshWindow = time.Minute

// Session is the in-process Gateway.
type Session struct {
	source TokenSource
	clock  clockwork.Clock
	window time.Duration

	mu       sync.Mutex
	identity *Identity
	token    Token
	subs     map[int]func(*Identity)
	nextSub  int
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithClock sets the clock used for token expiry.
func WithClock(c clockwork.Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

// WithRefreshWindow sets how early cached tokens are refreshed.
func WithRefreshWindow(d time.Duration) SessionOption {
	return func(s *Session) { s.window = d }
}

// NewSession creates a signed-out Session minting tokens from source.
func NewSession(source TokenSource, opts ...SessionOption) *Session {
	s := &Session{
		source: source,
		clock:  clockwork.NewRealClock(),
		window: DefaultRefreshWindow,
		subs:   make(map[int]func(*Identity)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignIn sets the identity and notifies subscribers.
func (s *Session) SignIn(id Identity) {
	s.mu.Lock()
	s.identity = &id
	s.token = Token{}
	subs := s.snapshotSubs()
	s.mu.Unlock()

	notify(subs, &id)
}

// SignOut clears the identity and cached token and notifies subscribers.
func (s *Session) SignOut() {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return
	}
	s.identity = nil
	s.token = Token{}
	subs := s.snapshotSubs()
	s.mu.Unlock()

	notify(subs, nil)
}

// CurrentIdentity implements Gateway.
func (s *Session) CurrentIdentity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// Subscribe implements Gateway.
func (s *Session) Subscribe(fn func(*Identity)) func() {
	s.mu.Lock()
	key := s.nextSub
	s.nextSub++
	s.subs[key] = fn
	var current *Identity
	if s.identity != nil {
		id := *s.identity
		current = &id
	}
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		delete(s.subs, key)
		s.mu.Unlock()
	}
}

// FreshToken implements Gateway. Failures carry SYNC_AUTH_FAILED.
func (s *Session) FreshToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return "", apperrors.Wrap(apperrors.ErrSyncAuthFailed, "token unavailable", ErrSignedOut)
	}
	id := *s.identity
	cached := s.token
	s.mu.Unlock()

	if cached.Value != "" && (cached.ExpiresAt.IsZero() || s.clock.Now().Add(s.window).Before(cached.ExpiresAt)) {
		return cached.Value, nil
	}

	tok, err := s.source(ctx, &id)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrSyncAuthFailed, "token refresh failed", err)
	}

	s.mu.Lock()
	// Discard the token if the identity changed while minting.
	if s.identity != nil && s.identity.OwnerID == id.OwnerID {
		s.token = tok
	}
	s.mu.Unlock()

	return tok.Value, nil
}

func (s *Session) snapshotSubs() []func(*Identity) {
	subs := make([]func(*Identity), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []func(*Identity), id *Identity) {
	for _, fn := range subs {
		if id == nil {
			fn(nil)
			continue
		}
		cp := *id
		fn(&cp)
	}
}

type tokenKey struct{}

// WithToken attaches a bearer token to ctx for transports.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the token attached by WithToken.
func TokenFromContext(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(tokenKey{}).(string)
	return tok, ok && tok != ""
}
