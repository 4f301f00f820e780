package rate

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"github.com/joshp123/homeconnect/internal/clock"
)

// RateLimitError is returned when calls are blocked.
type RateLimitError struct {
	Provider string
	Reason   string
	RetryAt  time.Time
}

func (e RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Provider, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

// Guard enforces rate limits for a provider.
type Guard struct {
	decl  Declaration
	clock clock.Clock

	mu sync.Mutex
	// mutated under mu
	limiters   map[Window]*xrate.Limiter
	cooldown   time.Time
	lastStatus int
}

func NewGuard(decl Declaration, clk clock.Clock) *Guard {
	if clk == nil {
		clk = clock.Real()
	}
	limiters := make(map[Window]*xrate.Limiter)
	for window, limit := range decl.Limits() {
		if limit <= 0 {
			limiters[window] = xrate.NewLimiter(0, 0)
			continue
		}
		every := xrate.Every(window.Duration() / time.Duration(limit))
		limiters[window] = xrate.NewLimiter(every, limit)
	}
	return &Guard{decl: decl, clock: clk, limiters: limiters}
}

// WrapHTTP wraps an http.Client with rate-limit enforcement.
func WrapHTTP(guard *Guard, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{
		base:  transport,
		guard: guard,
	}
	return &client
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	decision := rt.guard.ShouldCall(rt.guard.clock.Now())
	if !decision.Allowed {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, RateLimitError{
			Provider: rt.guard.decl.ProviderName(),
			Reason:   decision.Reason,
			RetryAt:  decision.RetryAt,
		}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	rt.guard.RecordResponse(resp.StatusCode, resp.Header)
	return resp, nil
}

// ShouldCall takes one token from every window, or none if any window is
// exhausted.
func (g *Guard) ShouldCall(now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	provider := g.decl.ProviderName()
	if !g.decl.HasLimits() {
		blockedTotal.WithLabelValues(provider, "disabled").Inc()
		return Decision{Allowed: false, Reason: "disabled"}
	}

	if !g.cooldown.IsZero() && now.Before(g.cooldown) {
		blockedTotal.WithLabelValues(provider, "cooldown").Inc()
		return Decision{Allowed: false, Reason: "cooldown", RetryAt: g.cooldown}
	}

	var taken []*xrate.Reservation
	for _, window := range g.windows() {
		res := g.limiters[window].ReserveN(now, 1)
		if !res.OK() {
			cancelAll(taken, now)
			blockedTotal.WithLabelValues(provider, "disabled").Inc()
			return Decision{Allowed: false, Reason: "disabled"}
		}
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			cancelAll(taken, now)
			blockedTotal.WithLabelValues(provider, "budget").Inc()
			return Decision{Allowed: false, Reason: "budget " + window.String(), RetryAt: now.Add(delay)}
		}
		taken = append(taken, res)
	}

	return Decision{Allowed: true}
}

// RecordResponse starts a cooldown from Retry-After, or from the default
// cooldown when a 429 carries none.
func (g *Guard) RecordResponse(status int, headers http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()

	provider := g.decl.ProviderName()
	g.lastStatus = status
	lastStatusGauge.WithLabelValues(provider).Set(float64(status))

	now := g.clock.Now()
	wait, ok := retryAfter(headers.Get(g.decl.Headers().RetryAfter), now)
	if !ok && status == http.StatusTooManyRequests {
		wait, ok = g.decl.defaultCooldown, true
	}
	if !ok || wait <= 0 {
		return
	}
	g.cooldown = now.Add(wait)
	retryAfterGauge.WithLabelValues(provider).Set(wait.Seconds())
}

// Cooldown returns the end of the current cooldown, or the zero time.
func (g *Guard) Cooldown() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldown
}

func (g *Guard) LastStatus() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastStatus
}

func (g *Guard) windows() []Window {
	windows := make([]Window, 0, len(g.limiters))
	for window := range g.limiters {
		windows = append(windows, window)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i] < windows[j] })
	return windows
}

func cancelAll(reservations []*xrate.Reservation, now time.Time) {
	for _, res := range reservations {
		res.CancelAt(now)
	}
}

// retryAfter accepts delay-seconds or an HTTP date.
func retryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		return at.Sub(now), true
	}
	return 0, false
}
