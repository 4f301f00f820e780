package homeconnect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/joshp123/homeconnect/internal/apierror"
	"github.com/joshp123/homeconnect/internal/clock"
)

// Handler receives stream events on the connection's reader goroutine.
type Handler func(Event)

// Subscription identifies one registered handler.
type Subscription struct {
	ID   uint64
	Name string
}

// Dialer opens an event stream with a bearer token.
type Dialer interface {
	Dial(ctx context.Context, streamURL, token string) (io.ReadCloser, error)
}

// HTTPDialer dials text/event-stream endpoints. Its client must not set a
// Timeout, which would cut every stream.
type HTTPDialer struct {
	Client *http.Client
}

func (d HTTPDialer) Dial(ctx context.Context, streamURL, token string) (io.ReadCloser, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return nil, classify("GET "+streamURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, apierror.HTTPStatus("GET "+streamURL, resp.StatusCode, errorBody(body))
	}
	return resp.Body, nil
}

type subscription struct {
	Subscription
	handler Handler
}

// Bridge owns the appliance event streams. Handlers are registered once on
// the bridge and attached to every live connection; Recreate swaps the
// connections for ones dialed with a new token and reattaches the same
// handlers.
type Bridge struct {
	baseURL string
	dialer  Dialer
	clock   clock.Clock
	log     zerolog.Logger

	// MaxReconnectInterval caps the backoff between dropped-stream redials.
	MaxReconnectInterval time.Duration

	mu     sync.Mutex
	token  string
	subs   map[uint64]subscription
	nextID uint64
	conns  map[string]*connection
	root   context.Context
	cancel context.CancelFunc
}

func NewBridge(baseURL string, dialer Dialer, clk clock.Clock, log zerolog.Logger) *Bridge {
	if clk == nil {
		clk = clock.Real()
	}
	root, cancel := context.WithCancel(context.Background())
	return &Bridge{
		baseURL:              strings.TrimRight(baseURL, "/"),
		dialer:               dialer,
		clock:                clk,
		log:                  log.With().Str("component", "event_bridge").Logger(),
		MaxReconnectInterval: 5 * time.Minute,
		subs:                 make(map[uint64]subscription),
		conns:                make(map[string]*connection),
		root:                 root,
		cancel:               cancel,
	}
}

// SetToken sets the credential used by the next dial.
func (b *Bridge) SetToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
}

func (b *Bridge) currentToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

// Subscribe registers handler for events named name and attaches it to
// every open connection.
func (b *Bridge) Subscribe(name string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := subscription{Subscription: Subscription{ID: b.nextID, Name: name}, handler: handler}
	b.subs[sub.ID] = sub
	for _, conn := range b.conns {
		conn.attach(sub)
	}
	return sub.Subscription
}

func (b *Bridge) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub.ID)
	for _, conn := range b.conns {
		conn.detach(sub.ID)
	}
}

// Subscriptions lists registered handlers ordered by ID.
func (b *Bridge) Subscriptions() []Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedSubs(b.subs)
}

// Attached lists the handlers attached to the stream for haID ("" for the
// global stream), ordered by ID.
func (b *Bridge) Attached(haID string) []Subscription {
	b.mu.Lock()
	conn, ok := b.conns[haID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return sortedSubs(conn.handlers)
}

// Watch opens the stream for haID, or the global stream for all appliances
// when haID is empty. Watching an open stream is a no-op. The stream lives
// until Recreate, Reset or Close, not until ctx is done.
func (b *Bridge) Watch(ctx context.Context, haID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.root.Err() != nil {
		return errors.New("event bridge closed")
	}
	if b.token == "" {
		return errors.New("event bridge has no access token")
	}
	if _, ok := b.conns[haID]; ok {
		return nil
	}
	b.conns[haID] = b.openLocked(haID)
	return nil
}

// Recreate closes every connection, detaches its handlers, dials a new one
// with token and reattaches exactly the registered handlers.
func (b *Bridge) Recreate(ctx context.Context, token string) error {
	b.mu.Lock()
	b.token = token
	old := b.conns
	b.conns = make(map[string]*connection, len(old))
	b.mu.Unlock()

	for _, conn := range old {
		conn.close()
		conn.detachAll()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.root.Err() != nil {
		return errors.New("event bridge closed")
	}
	for haID := range old {
		if _, ok := b.conns[haID]; ok {
			continue
		}
		b.conns[haID] = b.openLocked(haID)
	}
	streamRecreates.Inc()
	b.log.Info().Int("streams", len(old)).Msg("event streams recreated")
	return nil
}

// Reset closes every connection and forgets handlers and token.
func (b *Bridge) Reset() {
	b.mu.Lock()
	old := b.conns
	b.conns = make(map[string]*connection)
	b.subs = make(map[uint64]subscription)
	b.token = ""
	b.mu.Unlock()

	for _, conn := range old {
		conn.close()
		conn.detachAll()
	}
}

// Close resets the bridge and refuses further Watch calls.
func (b *Bridge) Close() {
	b.cancel()
	b.Reset()
}

// Streams reports the number of open connections.
func (b *Bridge) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Bridge) streamURL(haID string) string {
	if haID == "" {
		return b.baseURL + "/api/homeappliances/events"
	}
	return b.baseURL + "/api/homeappliances/" + url.PathEscape(haID) + "/events"
}

// openLocked starts a connection with every registered handler attached.
// Caller holds b.mu.
func (b *Bridge) openLocked(haID string) *connection {
	ctx, cancel := context.WithCancel(b.root)
	conn := &connection{
		bridge:   b,
		haID:     haID,
		url:      b.streamURL(haID),
		handlers: make(map[uint64]subscription, len(b.subs)),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for id, sub := range b.subs {
		conn.handlers[id] = sub
	}
	go conn.run(ctx)
	return conn
}

type connection struct {
	bridge *Bridge
	haID   string
	url    string
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	handlers map[uint64]subscription
	body     io.Closer
}

func (c *connection) attach(sub subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[sub.ID] = sub
}

func (c *connection) detach(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, id)
}

func (c *connection) detachAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = make(map[uint64]subscription)
}

// close stops the reader and waits for it to exit.
func (c *connection) close() {
	c.cancel()
	c.mu.Lock()
	if c.body != nil {
		c.body.Close()
	}
	c.mu.Unlock()
	<-c.done
}

func (c *connection) run(ctx context.Context) {
	defer close(c.done)
	b := c.bridge
	log := b.log.With().Str("stream", c.url).Logger()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = b.MaxReconnectInterval
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(policy, ctx)

	for {
		body, err := b.dialer.Dial(ctx, c.url, b.currentToken())
		if ctx.Err() != nil {
			if body != nil {
				body.Close()
			}
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("event stream dial failed")
		} else {
			streamsOpen.Inc()
			err = c.consume(ctx, body)
			streamsOpen.Dec()
			if ctx.Err() != nil {
				return
			}
			retry.Reset()
			log.Info().Err(err).Msg("event stream ended; reconnecting")
		}

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		streamReconnects.Inc()
		if err := b.clock.Sleep(ctx, wait); err != nil {
			return
		}
	}
}

func (c *connection) consume(ctx context.Context, body io.ReadCloser) error {
	c.mu.Lock()
	c.body = body
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.body = nil
		c.mu.Unlock()
		body.Close()
	}()
	// close() cancels before it looks at body, so one of the two sees the other.
	if err := ctx.Err(); err != nil {
		return err
	}

	scanner := NewStreamScanner(body)
	for scanner.Next() {
		ev := scanner.Event()
		if ev.Name == EventKeepAlive {
			continue
		}
		if ev.ID == "" && c.haID != "" {
			ev.ID = c.haID
		}
		eventsReceived.WithLabelValues(ev.Name).Inc()
		c.dispatch(ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

func (c *connection) dispatch(ev Event) {
	c.mu.Lock()
	var handlers []subscription
	for _, sub := range c.handlers {
		if sub.Name == ev.Name {
			handlers = append(handlers, sub)
		}
	}
	c.mu.Unlock()

	sort.Slice(handlers, func(i, j int) bool { return handlers[i].ID < handlers[j].ID })
	for _, sub := range handlers {
		sub.handler(ev)
	}
}

func sortedSubs(subs map[uint64]subscription) []Subscription {
	out := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Subscription)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
