// Package scheduler tests for sync scheduling.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	syncpkg "github.com/kimhsiao/recipesync/internal/sync"
	"github.com/kimhsiao/recipesync/internal/sync/auth"
	"github.com/kimhsiao/recipesync/internal/sync/queue"
)

// fakeSyncer records passes. When block is set each pass waits on it.
type fakeSyncer struct {
	calls chan struct{}
	block chan struct{}
	err   error

	mu       sync.Mutex
	ctxErrs  []error
	finished int
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{calls: make(chan struct{}, 64)}
}

func (f *fakeSyncer) TriggerSync(ctx context.Context) (*syncpkg.PassResult, error) {
	f.calls <- struct{}{}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.finished++
	f.mu.Unlock()
	return &syncpkg.PassResult{}, f.err
}

func waitCall(t *testing.T, f *fakeSyncer) {
	t.Helper()
	select {
	case <-f.calls:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a sync pass")
	}
}

func noCall(t *testing.T, f *fakeSyncer) {
	t.Helper()
	select {
	case <-f.calls:
		t.Fatal("unexpected sync pass")
	case <-time.After(50 * time.Millisecond):
	}
}

func signedIn() *auth.Session {
	s := auth.NewSession(auth.StaticTokenSource("token"))
	s.SignIn(auth.Identity{OwnerID: "u1"})
	return s
}

type countPending int

func (c countPending) Size(context.Context) (int, error) { return int(c), nil }

// =====================================================
// Construction Tests
// =====================================================

// TestDefaultConfig verifies default intervals.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", cfg.Interval)
	}
	if cfg.PassTimeout != 5*time.Minute {
		t.Errorf("PassTimeout = %v, want 5m", cfg.PassTimeout)
	}
	if cfg.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", cfg.ProbeTimeout)
	}
}

// TestNew_fillsZeroValues verifies zero durations fall back to defaults.
func TestNew_fillsZeroValues(t *testing.T) {
	s := New(newFakeSyncer(), signedIn(), &Config{Interval: time.Minute})
	if s.config.Interval != time.Minute {
		t.Errorf("Interval = %v, want 1m", s.config.Interval)
	}
	if s.config.PassTimeout != 5*time.Minute || s.config.ProbeTimeout != 10*time.Second {
		t.Errorf("config = %+v", s.config)
	}

	if New(newFakeSyncer(), signedIn(), nil).config != *DefaultConfig() {
		t.Error("nil config should use defaults")
	}
}

// =====================================================
// Periodic Loop Tests
// =====================================================

// TestScheduler_periodicLoop verifies an immediate pass and one per tick.
func TestScheduler_periodicLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	syncer := newFakeSyncer()
	s := New(syncer, signedIn(), nil, WithClock(clock))
	ctx := context.Background()

	s.Start(ctx)
	defer s.Stop()

	waitCall(t, syncer)
	for i := 0; i < 2; i++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatal(err)
		}
		clock.Advance(30 * time.Second)
		waitCall(t, syncer)
	}

	st := s.Status(ctx)
	if !st.Running || !st.SignedIn || !st.LoopActive {
		t.Errorf("Status() = %+v", st)
	}
}

// TestScheduler_signOutStopsLoop verifies sign-out stops periodic passes
// and sign-in restarts them.
func TestScheduler_signOutStopsLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	syncer := newFakeSyncer()
	session := signedIn()
	s := New(syncer, session, nil, WithClock(clock))
	ctx := context.Background()

	s.Start(ctx)
	defer s.Stop()
	waitCall(t, syncer)

	session.SignOut()
	if st := s.Status(ctx); st.LoopActive || st.SignedIn {
		t.Errorf("after sign-out Status() = %+v", st)
	}
	clock.Advance(30 * time.Second)
	clock.Advance(30 * time.Second)
	noCall(t, syncer)

	if s.RequestSync() {
		t.Error("RequestSync() should refuse while signed out")
	}

	session.SignIn(auth.Identity{OwnerID: "u1"})
	waitCall(t, syncer)
}

// TestScheduler_startSignedOut verifies nothing runs until sign-in.
func TestScheduler_startSignedOut(t *testing.T) {
	syncer := newFakeSyncer()
	session := auth.NewSession(auth.StaticTokenSource("token"))
	s := New(syncer, session, nil, WithClock(clockwork.NewFakeClock()))

	s.Start(context.Background())
	defer s.Stop()
	noCall(t, syncer)

	session.SignIn(auth.Identity{OwnerID: "u1"})
	waitCall(t, syncer)
}

// TestScheduler_contextCancellation verifies canceling Start's context stops the loop.
func TestScheduler_contextCancellation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	syncer := newFakeSyncer()
	s := New(syncer, signedIn(), nil, WithClock(clock))
	ctx, cancel := context.WithCancel(context.Background())

	s.Start(ctx)
	waitCall(t, syncer)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}
}

// =====================================================
// Connectivity Tests
// =====================================================

// TestScheduler_probeFailure verifies a failed probe skips the pass.
func TestScheduler_probeFailure(t *testing.T) {
	syncer := newFakeSyncer()
	session := auth.NewSession(func(context.Context, *auth.Identity) (auth.Token, error) {
		return auth.Token{}, errors.New("network unreachable")
	})
	session.SignIn(auth.Identity{OwnerID: "u1"})
	s := New(syncer, session, nil, WithClock(clockwork.NewFakeClock()))

	s.Start(context.Background())
	if !s.RequestSync() {
		t.Error("RequestSync() should start while signed in")
	}
	s.Stop()

	noCall(t, syncer)
	if st := s.Status(context.Background()); st.LastPassAt != nil || st.LastError != "" {
		t.Errorf("offline probe should not record a pass: %+v", st)
	}
}

// TestScheduler_onlineHint verifies the hint gates passes and requests one
// when connectivity returns.
func TestScheduler_onlineHint(t *testing.T) {
	syncer := newFakeSyncer()
	s := New(syncer, signedIn(), nil, WithClock(clockwork.NewFakeClock()))
	s.SetOnlineHint(false)

	s.Start(context.Background())
	defer s.Stop()
	noCall(t, syncer)

	s.SetOnlineHint(true)
	waitCall(t, syncer)

	s.SetOnlineHint(true)
	noCall(t, syncer)
}

// =====================================================
// Out-of-band Trigger Tests
// =====================================================

// TestScheduler_OnEnqueue verifies enqueue requests a pass.
func TestScheduler_OnEnqueue(t *testing.T) {
	syncer := newFakeSyncer()
	s := New(syncer, signedIn(), nil, WithClock(clockwork.NewFakeClock()))

	s.Start(context.Background())
	defer s.Stop()
	waitCall(t, syncer)

	var hook queue.EnqueueHook = s.OnEnqueue
	hook(&queue.Entry{ID: "e1"})
	waitCall(t, syncer)
}

// TestScheduler_RequestSync_stopped verifies requests are refused when stopped.
func TestScheduler_RequestSync_stopped(t *testing.T) {
	s := New(newFakeSyncer(), signedIn(), nil)
	if s.RequestSync() {
		t.Error("RequestSync() should refuse before Start")
	}
}

// TestScheduler_inFlightSurvivesSignOut verifies sign-out does not cancel a running pass.
func TestScheduler_inFlightSurvivesSignOut(t *testing.T) {
	syncer := newFakeSyncer()
	syncer.block = make(chan struct{})
	session := signedIn()
	s := New(syncer, session, nil, WithClock(clockwork.NewFakeClock()))

	s.Start(context.Background())
	waitCall(t, syncer)

	session.SignOut()
	close(syncer.block)
	s.Stop()

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	if syncer.finished != 1 {
		t.Fatalf("finished passes = %d, want 1", syncer.finished)
	}
	if syncer.ctxErrs[0] != nil {
		t.Errorf("pass context err = %v, want nil", syncer.ctxErrs[0])
	}
}

// TestScheduler_StopWaitsForPass verifies Stop blocks until the pass returns.
func TestScheduler_StopWaitsForPass(t *testing.T) {
	syncer := newFakeSyncer()
	syncer.block = make(chan struct{})
	s := New(syncer, signedIn(), nil, WithClock(clockwork.NewFakeClock()))

	s.Start(context.Background())
	waitCall(t, syncer)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop() returned while a pass was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(syncer.block)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}
}

// =====================================================
// Lifecycle and Status Tests
// =====================================================

// TestScheduler_Start_idempotent verifies a second Start is ignored.
func TestScheduler_Start_idempotent(t *testing.T) {
	syncer := newFakeSyncer()
	s := New(syncer, signedIn(), nil, WithClock(clockwork.NewFakeClock()))

	s.Start(context.Background())
	s.Start(context.Background())
	waitCall(t, syncer)
	noCall(t, syncer)

	s.Stop()
	s.Stop()
	if s.Status(context.Background()).Running {
		t.Error("scheduler should not be running after Stop()")
	}
}

// TestScheduler_SyncNow verifies synchronous passes are recorded.
func TestScheduler_SyncNow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	syncer := newFakeSyncer()
	s := New(syncer, signedIn(), nil, WithClock(clock), WithPendingCounter(countPending(4)))

	if _, err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	st := s.Status(context.Background())
	if st.LastPassAt == nil || !st.LastPassAt.Equal(clock.Now()) {
		t.Errorf("LastPassAt = %v, want %v", st.LastPassAt, clock.Now())
	}
	if st.Pending != 4 {
		t.Errorf("Pending = %d, want 4", st.Pending)
	}

	syncer.err = errors.New("boom")
	if _, err := s.SyncNow(context.Background()); err == nil {
		t.Fatal("SyncNow() should return the pass error")
	}
	if st := s.Status(context.Background()); st.LastError != "boom" {
		t.Errorf("LastError = %q, want boom", st.LastError)
	}
}
