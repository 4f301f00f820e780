package oauth

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/joshp123/homeconnect/internal/clock"
)

const (
	DefaultRefreshRetry   = 60 * time.Second
	DefaultRefreshTimeout = 30 * time.Second
)

// TokenRefresher is satisfied by *Refresher.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}

// RotationListener is called after every successful refresh, in
// registration order.
type RotationListener func(ctx context.Context, tokens TokenSet)

// Scheduler refreshes the access token at 90% of its lifetime. A failed
// refresh is retried after RetryDelay; the current token stays in use.
type Scheduler struct {
	refresher TokenRefresher
	clock     clock.Clock
	log       zerolog.Logger

	RetryDelay     time.Duration
	RefreshTimeout time.Duration

	mu         sync.Mutex
	current    TokenSet
	timer      clock.Timer
	generation uint64
	next       time.Time
	listeners  []RotationListener
}

func NewScheduler(refresher TokenRefresher, clk clock.Clock, log zerolog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		refresher:      refresher,
		clock:          clk,
		log:            log.With().Str("component", "refresh_scheduler").Logger(),
		RetryDelay:     DefaultRefreshRetry,
		RefreshTimeout: DefaultRefreshTimeout,
	}
}

// OnRotate registers a listener for refreshed tokens.
func (s *Scheduler) OnRotate(listener RotationListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Arm replaces the tracked token and schedules its refresh, cancelling any
// pending timer.
func (s *Scheduler) Arm(ctx context.Context, tokens TokenSet) {
	s.mu.Lock()
	s.current = tokens
	s.mu.Unlock()
	s.schedule(ctx, s.delayFor(tokens))
}

// delayFor clamps to zero. Tokens without a lifetime are retried like a
// failed refresh.
func (s *Scheduler) delayFor(tokens TokenSet) time.Duration {
	if tokens.ExpiresIn <= 0 {
		return s.RetryDelay
	}
	delay := tokens.RefreshAt().Sub(s.clock.Now())
	if delay < 0 {
		return 0
	}
	return delay
}

// Stop cancels the pending refresh. Timers armed before Stop never fire.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.current = TokenSet{}
	s.next = time.Time{}
	nextRefresh.Set(0)
}

func (s *Scheduler) Current() TokenSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// NextRefresh returns the deadline of the pending refresh, or the zero time.
func (s *Scheduler) NextRefresh() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// schedule must be called without s.mu held: a fake clock runs due
// callbacks inside AfterFunc.
func (s *Scheduler) schedule(ctx context.Context, delay time.Duration) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++
	gen := s.generation
	s.next = s.clock.Now().Add(delay)
	nextRefresh.Set(float64(s.next.Unix()))
	s.mu.Unlock()

	s.log.Debug().Dur("in", delay).Msg("token refresh armed")
	timer := s.clock.AfterFunc(delay, func() { s.fire(ctx, gen) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		timer.Stop()
		return
	}
	s.timer = timer
}

func (s *Scheduler) fire(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	refreshToken := s.current.RefreshToken
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	refreshCtx, cancel := context.WithTimeout(ctx, s.RefreshTimeout)
	tokens, err := s.refresher.Refresh(refreshCtx, refreshToken)
	cancel()

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.mu.Unlock()
		refreshFailure.Inc()
		s.log.Warn().Err(err).Dur("retry_in", s.RetryDelay).Msg("token refresh failed")
		s.schedule(ctx, s.RetryDelay)
		return
	}
	s.current = tokens
	listeners := append([]RotationListener(nil), s.listeners...)
	s.mu.Unlock()

	refreshSuccess.Inc()
	s.log.Info().Dur("expires_in", tokens.ExpiresIn).Msg("access token refreshed")
	for _, listener := range listeners {
		listener(ctx, tokens)
	}

	s.mu.Lock()
	stale := s.generation != gen
	s.mu.Unlock()
	if stale {
		return
	}
	s.schedule(ctx, s.delayFor(tokens))
}
