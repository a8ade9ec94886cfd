// Package scheduler decides when sync passes run: periodically while
// signed in, and out of band when an operation is enqueued.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kimhsiao/recipesync/internal/errors"
	"github.com/kimhsiao/recipesync/internal/logging"
	syncpkg "github.com/kimhsiao/recipesync/internal/sync"
	"github.com/kimhsiao/recipesync/internal/sync/auth"
	"github.com/kimhsiao/recipesync/internal/sync/queue"
)

// Syncer runs one sync pass. *syncpkg.Coordinator implements it.
type Syncer interface {
	TriggerSync(ctx context.Context) (*syncpkg.PassResult, error)
}

// PendingCounter reports the queue size for Status.
type PendingCounter interface {
	Size(ctx context.Context) (int, error)
}

// Config holds scheduler configuration.
type Config struct {
	Interval     time.Duration // time between periodic passes (default: 30 seconds)
	PassTimeout  time.Duration // upper bound on one pass (default: 5 minutes)
	ProbeTimeout time.Duration // upper bound on the connectivity probe (default: 10 seconds)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:     30 * time.Second,
		PassTimeout:  5 * time.Minute,
		ProbeTimeout: 10 * time.Second,
	}
}

// Scheduler triggers sync passes. The periodic loop runs only while an
// identity is signed in; passes already running are never canceled by
// sign-out.
type Scheduler struct {
	engine  Syncer
	gateway auth.Gateway
	pending PendingCounter
	config  Config
	clock   clockwork.Clock

	mu          sync.Mutex
	wg          sync.WaitGroup
	running     bool
	baseCtx     context.Context
	unsubscribe func()
	loopCancel  context.CancelFunc
	signedIn    bool
	onlineHint  bool
	lastPassAt  time.Time
	lastErr     error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving the periodic loop.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithPendingCounter reports queue size in Status.
func WithPendingCounter(p PendingCounter) Option {
	return func(s *Scheduler) { s.pending = p }
}

// New creates a stopped Scheduler. A nil config uses DefaultConfig.
func New(engine Syncer, gateway auth.Gateway, config *Config, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = defaults.PassTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}

	s := &Scheduler{
		engine:     engine,
		gateway:    gateway,
		config:     cfg,
		clock:      clockwork.NewRealClock(),
		onlineHint: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to identity changes. The periodic loop starts as soon
// as an identity is signed in. Canceling ctx stops the loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.baseCtx = ctx
	s.mu.Unlock()

	// Subscribe delivers the current identity synchronously.
	unsubscribe := s.gateway.Subscribe(s.onIdentity)

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	logging.Info("sync scheduler started", map[string]interface{}{
		"component":        "scheduler",
		"interval_seconds": s.config.Interval.Seconds(),
	})
}

// Stop stops the loop and waits for in-flight passes to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopLoopLocked()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()

	logging.Info("sync scheduler stopped", map[string]interface{}{
		"component": "scheduler",
	})
}

func (s *Scheduler) onIdentity(id *auth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.signedIn = id != nil
	if !s.running {
		return
	}

	if id == nil {
		if s.loopCancel != nil {
			logging.Info("signed out, periodic sync stopped", map[string]interface{}{
				"component": "scheduler",
			})
		}
		s.stopLoopLocked()
		return
	}

	if s.loopCancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(s.baseCtx)
	s.loopCancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)

	logging.Info("signed in, periodic sync started", map[string]interface{}{
		"component": "scheduler",
		"owner_id":  id.OwnerID,
	})
}

// stopLoopLocked cancels the periodic loop. s.mu must be held.
func (s *Scheduler) stopLoopLocked() {
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
}

// loop runs a pass immediately and then once per interval.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.runPass(ctx, "periodic")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if ctx.Err() != nil {
				return
			}
			s.runPass(ctx, "periodic")
		}
	}
}

// RequestSync starts a pass out of band if signed in. It does not wait
// for the pass and reports whether one was started.
func (s *Scheduler) RequestSync() bool {
	s.mu.Lock()
	if !s.running || !s.signedIn {
		s.mu.Unlock()
		return false
	}
	ctx := s.baseCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runPass(ctx, "requested")
	}()
	return true
}

// OnEnqueue is a queue.EnqueueHook that requests a pass.
func (s *Scheduler) OnEnqueue(*queue.Entry) {
	s.RequestSync()
}

// SetOnlineHint records host-reported connectivity. While false no probe
// or pass is attempted; turning it back on requests a pass.
func (s *Scheduler) SetOnlineHint(online bool) {
	s.mu.Lock()
	was := s.onlineHint
	s.onlineHint = online
	s.mu.Unlock()

	if was == online {
		return
	}
	logging.Info("online hint changed", map[string]interface{}{
		"component":  "scheduler",
		"was_online": was,
		"is_online":  online,
	})
	if online {
		s.RequestSync()
	}
}

// online probes connectivity by obtaining a fresh token. Failure means
// offline, not an error.
func (s *Scheduler) online(ctx context.Context) bool {
	s.mu.Lock()
	hint := s.onlineHint
	s.mu.Unlock()
	if !hint {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	defer cancel()
	if _, err := s.gateway.FreshToken(probeCtx); err != nil {
		logging.Debug("connectivity probe failed, treating as offline", map[string]interface{}{
			"component": "scheduler",
			"error":     err.Error(),
		})
		return false
	}
	return true
}

// runPass probes and runs one pass on a context detached from ctx's
// cancellation so sign-out never interrupts it.
func (s *Scheduler) runPass(ctx context.Context, reason string) {
	passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.PassTimeout)
	defer cancel()

	if !s.online(passCtx) {
		return
	}

	result, err := s.engine.TriggerSync(passCtx)
	s.record(result, err)

	if err != nil {
		logging.ErrorWithCode("scheduled sync failed", string(errors.CodeOf(err)), err, map[string]interface{}{
			"component": "scheduler",
			"reason":    reason,
		})
		return
	}
	if result != nil && !result.Skipped {
		logging.Debug("scheduled sync finished", map[string]interface{}{
			"component": "scheduler",
			"reason":    reason,
			"processed": result.Processed,
		})
	}
}

// SyncNow runs a pass synchronously, bypassing the probe.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.PassResult, error) {
	passCtx, cancel := context.WithTimeout(ctx, s.config.PassTimeout)
	defer cancel()

	result, err := s.engine.TriggerSync(passCtx)
	s.record(result, err)
	return result, err
}

func (s *Scheduler) record(result *syncpkg.PassResult, err error) {
	if result != nil && result.Skipped {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPassAt = s.clock.Now()
	s.lastErr = err
}

// Status is a snapshot of scheduler state.
type Status struct {
	Running    bool       `json:"running"`
	SignedIn   bool       `json:"signed_in"`
	LoopActive bool       `json:"loop_active"`
	OnlineHint bool       `json:"online_hint"`
	LastPassAt *time.Time `json:"last_pass_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Pending    int        `json:"pending"`
}

// Status returns the current scheduler state.
func (s *Scheduler) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		Running:    s.running,
		SignedIn:   s.signedIn,
		LoopActive: s.loopCancel != nil,
		OnlineHint: s.onlineHint,
	}
	if !s.lastPassAt.IsZero() {
		t := s.lastPassAt
		st.LastPassAt = &t
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	if s.pending != nil {
		if n, err := s.pending.Size(ctx); err == nil {
			st.Pending = n
		}
	}
	return st
}
