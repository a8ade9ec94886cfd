package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/recipesync/internal/errors"
)

func TestSession_FreshToken_signedOut(t *testing.T) {
	s := NewSession(StaticTokenSource("tok"))

	_, err := s.FreshToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignedOut)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncAuthFailed))
}

func TestSession_FreshToken_caching(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var minted atomic.Int32
	source := func(ctx context.Context, id *Identity) (Token, error) {
		n := minted.Add(1)
		return Token{Value: id.OwnerID + "-" + string(rune('0'+n)), ExpiresAt: clock.Now().Add(10 * time.Minute)}, nil
	}

	s := NewSession(source, WithClock(clock))
	s.SignIn(Identity{OwnerID: "u1"})

	tok, err := s.FreshToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1-1", tok)

	tok, _ = s.FreshToken(context.Background())
	assert.Equal(t, "u1-1", tok, "cached token reused")

	// Inside the refresh window the token is replaced.
	clock.Advance(9*time.Minute + 30*time.Second)
	tok, _ = s.FreshToken(context.Background())
	assert.Equal(t, "u1-2", tok)
	assert.Equal(t, int32(2), minted.Load())
}

func TestSession_FreshToken_sourceFailure(t *testing.T) {
	s := NewSession(func(context.Context, *Identity) (Token, error) {
		return Token{}, errors.New("offline")
	})
	s.SignIn(Identity{OwnerID: "u1"})

	_, err := s.FreshToken(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncAuthFailed))
}

func TestStaticTokenSource_empty(t *testing.T) {
	s := NewSession(StaticTokenSource(""))
	s.SignIn(Identity{OwnerID: "u1"})

	_, err := s.FreshToken(context.Background())
	assert.Error(t, err)
}

func TestSession_Subscribe(t *testing.T) {
	s := NewSession(StaticTokenSource("tok"))

	var seen []string
	unsubscribe := s.Subscribe(func(id *Identity) {
		if id == nil {
			seen = append(seen, "<nil>")
			return
		}
		seen = append(seen, id.OwnerID)
	})

	s.SignIn(Identity{OwnerID: "u1"})
	s.SignOut()
	s.SignOut() // no change, no notification
	unsubscribe()
	s.SignIn(Identity{OwnerID: "u2"})

	assert.Equal(t, []string{"<nil>", "u1", "<nil>"}, seen)
	assert.Equal(t, "u2", s.CurrentIdentity().OwnerID)
}

func TestSession_Subscribe_deliversCurrent(t *testing.T) {
	s := NewSession(StaticTokenSource("tok"))
	s.SignIn(Identity{OwnerID: "u1"})

	var got *Identity
	s.Subscribe(func(id *Identity) { got = id })
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.OwnerID)
}

func TestTokenContext(t *testing.T) {
	_, ok := TokenFromContext(context.Background())
	assert.False(t, ok)

	tok, ok := TokenFromContext(WithToken(context.Background(), "abc"))
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)
}
