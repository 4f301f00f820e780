package rate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/joshp123/homeconnect/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func get(t *testing.T, client *http.Client, url string) error {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func TestGuardBlocksAfterBudget(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	clk := clock.Fake(epoch)
	guard := NewGuard(Provider("test").MaxRequestsPer(Minute, 2), clk)
	client := WrapHTTP(guard, server.Client())

	for i := 0; i < 2; i++ {
		if err := get(t, client, server.URL); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	err := get(t, client, server.URL)
	var limited RateLimitError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if !limited.RetryAt.Equal(epoch.Add(30 * time.Second)) {
		t.Fatalf("unexpected retry at: %s", limited.RetryAt)
	}
	if hits != 2 {
		t.Fatalf("blocked request reached server")
	}

	clk.Advance(30 * time.Second)
	if err := get(t, client, server.URL); err != nil {
		t.Fatalf("expected refill after 30s: %v", err)
	}
}

func TestGuardDayWindowDoesNotLeakMinuteTokens(t *testing.T) {
	clk := clock.Fake(epoch)
	guard := NewGuard(Provider("test").MaxRequestsPer(Minute, 5).MaxRequestsPer(Day, 1), clk)

	if d := guard.ShouldCall(clk.Now()); !d.Allowed {
		t.Fatalf("first call blocked: %+v", d)
	}
	d := guard.ShouldCall(clk.Now())
	if d.Allowed || d.Reason != "budget day" {
		t.Fatalf("expected day budget block, got %+v", d)
	}
}

func TestGuardHonorsRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	clk := clock.Fake(epoch)
	guard := NewGuard(HomeConnect(), clk)
	client := WrapHTTP(guard, server.Client())

	if err := get(t, client, server.URL); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if !guard.Cooldown().Equal(epoch.Add(120 * time.Second)) {
		t.Fatalf("unexpected cooldown: %s", guard.Cooldown())
	}
	if guard.LastStatus() != http.StatusTooManyRequests {
		t.Fatalf("unexpected last status: %d", guard.LastStatus())
	}

	err := get(t, client, server.URL)
	var limited RateLimitError
	if !errors.As(err, &limited) || limited.Reason != "cooldown" {
		t.Fatalf("expected cooldown block, got %v", err)
	}

	clk.Advance(120 * time.Second)
	if d := guard.ShouldCall(clk.Now()); !d.Allowed {
		t.Fatalf("cooldown did not expire: %+v", d)
	}
}

func TestRetryAfterParsing(t *testing.T) {
	if d, ok := retryAfter("15", epoch); !ok || d != 15*time.Second {
		t.Fatalf("unexpected seconds parse: %s %v", d, ok)
	}
	date := epoch.Add(time.Minute).Format(http.TimeFormat)
	if d, ok := retryAfter(date, epoch); !ok || d != time.Minute {
		t.Fatalf("unexpected date parse: %s %v", d, ok)
	}
	if _, ok := retryAfter("soon", epoch); ok {
		t.Fatalf("expected invalid value to be ignored")
	}
}
