package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/joshp123/homeconnect/internal/apierror"
	"github.com/joshp123/homeconnect/internal/broadcast"
	"github.com/joshp123/homeconnect/internal/clock"
	"github.com/joshp123/homeconnect/internal/devices"
	"github.com/joshp123/homeconnect/internal/homeconnect"
	"github.com/joshp123/homeconnect/internal/oauth"
	"github.com/joshp123/homeconnect/internal/qr"
)

var (
	ErrAuthInProgress = errors.New("authentication already in progress")
	ErrRateLimited    = errors.New("authentication rate limited")
	ErrNotReady       = errors.New("home connect not initialized")
)

// Deps are the collaborators a Manager drives.
type Deps struct {
	Store         oauth.TokenStore
	Authenticator Authenticator
	Refresher     oauth.TokenRefresher
	Scheduler     *oauth.Scheduler
	API           ApplianceAPI
	Bridge        EventBridge
	Registry      *devices.Registry
	Gateway       *broadcast.Gateway
	QR            qr.Encoder
	Clock         clock.Clock
}

// Manager owns the one Home Connect session of the process and serializes
// authentication across every front-end instance.
type Manager struct {
	cfg Config

	store     oauth.TokenStore
	auth      Authenticator
	refresher oauth.TokenRefresher
	scheduler *oauth.Scheduler
	api       ApplianceAPI
	bridge    EventBridge
	registry  *devices.Registry
	gateway   *broadcast.Gateway
	qr        qr.Encoder
	clock     clock.Clock
	log       zerolog.Logger

	mu         sync.Mutex
	state      State
	base       context.Context
	epoch      uint64
	flow       context.Context
	cancelFlow context.CancelFunc
	subscribed bool
	authHooks  []func(bool)
}

func NewManager(cfg Config, deps Deps, log zerolog.Logger) (*Manager, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("session: token store required")
	case deps.Authenticator == nil:
		return nil, errors.New("session: authenticator required")
	case deps.Refresher == nil:
		return nil, errors.New("session: refresher required")
	case deps.Scheduler == nil:
		return nil, errors.New("session: scheduler required")
	case deps.API == nil || deps.Bridge == nil:
		return nil, errors.New("session: appliance api and event bridge required")
	case deps.Registry == nil || deps.Gateway == nil:
		return nil, errors.New("session: registry and gateway required")
	}
	if deps.QR == nil {
		deps.QR = qr.SVG{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		cfg:       cfg,
		store:     deps.Store,
		auth:      deps.Authenticator,
		refresher: deps.Refresher,
		scheduler: deps.Scheduler,
		api:       deps.API,
		bridge:    deps.Bridge,
		registry:  deps.Registry,
		gateway:   deps.Gateway,
		qr:        deps.QR,
		clock:     deps.Clock,
		log:       log.With().Str("component", "session").Logger(),
		state:     State{MinAuthInterval: cfg.MinAuthInterval},
	}
	m.base = context.Background()
	m.flow, m.cancelFlow = context.WithCancel(m.base)
	m.scheduler.OnRotate(m.onRotate)
	return m, nil
}

// Start binds background work (timers, retries, the refresh schedule) to
// ctx. Call it once before serving front-ends.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelFlow()
	m.base = ctx
	m.flow, m.cancelFlow = context.WithCancel(ctx)
}

// OnAuthChange registers a hook called with the new authenticated flag.
func (m *Manager) OnAuthChange(hook func(authenticated bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authHooks = append(m.authHooks, hook)
}

// State returns a copy of the session with the registered client IDs.
func (m *Manager) State() State {
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()
	st.Clients = m.gateway.Clients()
	return st
}

// RegisterClient binds instanceID to sink. Registering again rebinds it.
func (m *Manager) RegisterClient(instanceID string, sink broadcast.Sink) {
	m.gateway.Register(instanceID, sink)
}

func (m *Manager) UnregisterClient(instanceID string, sink broadcast.Sink) {
	m.gateway.Unregister(instanceID, sink)
}

// RequestInitialization is the front-end's CONFIG handshake.
func (m *Manager) RequestInitialization(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	switch {
	case m.state.Authenticated:
		m.mu.Unlock()
		m.gateway.Send(instanceID, broadcast.KindInitStatus, broadcast.Status{
			Status:  broadcast.StatusSessionActive,
			Message: "Session already active",
		})
		return m.FetchDevices(ctx)
	case m.state.Authenticating:
		m.mu.Unlock()
		m.gateway.Send(instanceID, broadcast.KindInitStatus, broadcast.Status{
			Status:  broadcast.StatusAuthInProgress,
			Message: "Authentication already in progress",
		})
		return nil
	}
	m.state.Authenticating = true
	epoch, flow := m.epoch, m.flow
	m.mu.Unlock()

	m.log.Info().Str("instance", instanceID).Msg("initialization requested")
	return m.checkTokenAndInitialize(flow, epoch)
}

// CheckTokenAndInitialize starts the session from the persisted refresh
// token, or from a device flow when there is none.
func (m *Manager) CheckTokenAndInitialize(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Authenticated {
		m.mu.Unlock()
		return nil
	}
	if m.state.Authenticating {
		m.mu.Unlock()
		return ErrAuthInProgress
	}
	m.state.Authenticating = true
	epoch, flow := m.epoch, m.flow
	m.mu.Unlock()
	return m.checkTokenAndInitialize(flow, epoch)
}

// RetryAuthentication drops the session and everything hanging off it,
// deletes the persisted token and authenticates from scratch. Client
// registrations survive.
func (m *Manager) RetryAuthentication(ctx context.Context) error {
	m.mu.Lock()
	m.epoch++
	m.cancelFlow()
	m.flow, m.cancelFlow = context.WithCancel(m.base)
	wasAuthenticated := m.state.Authenticated
	m.state = State{MinAuthInterval: m.cfg.MinAuthInterval, Authenticating: true}
	m.subscribed = false
	epoch, flow := m.epoch, m.flow
	m.mu.Unlock()

	m.log.Info().Msg("authentication retry requested; resetting session")
	m.scheduler.Stop()
	m.bridge.Reset()
	m.registry.Reset()
	m.api.SetAccessToken("")
	if err := m.store.Delete(ctx); err != nil {
		m.log.Warn().Err(err).Msg("delete persisted token failed")
	}
	if wasAuthenticated {
		authenticatedGauge.Set(0)
		m.notifyAuth(false)
	}
	return m.checkTokenAndInitialize(flow, epoch)
}

// RequestUpdate refetches devices for a live session and is a no-op
// otherwise.
func (m *Manager) RequestUpdate(ctx context.Context) error {
	m.mu.Lock()
	ready := m.state.Authenticated && !m.state.Authenticating
	m.mu.Unlock()
	if !ready {
		m.log.Debug().Msg("update requested before session is ready; ignored")
		return nil
	}
	return m.FetchDevices(ctx)
}

// FetchDevices reloads the appliance list, their status and settings, opens
// the event stream and broadcasts the snapshot. The fetch is shared by every
// front-end, so it runs on the session's context rather than the caller's.
func (m *Manager) FetchDevices(ctx context.Context) error {
	m.mu.Lock()
	epoch, flow := m.epoch, m.flow
	m.mu.Unlock()
	return m.fetchDevices(flow, epoch, true)
}

// checkTokenAndInitialize runs with Authenticating already claimed.
func (m *Manager) checkTokenAndInitialize(ctx context.Context, epoch uint64) error {
	token, err := m.store.Load(ctx)
	if err == nil && token != "" {
		m.log.Info().Msg("persisted refresh token found")
		return m.initWithRefreshToken(ctx, epoch, token)
	}
	if err != nil && !errors.Is(err, oauth.ErrTokenNotFound) {
		m.log.Warn().Err(err).Msg("load persisted token failed; starting device flow")
	}

	now := m.clock.Now()
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return context.Canceled
	}
	last := m.state.LastAuthAttempt
	if !last.IsZero() && now.Sub(last) < m.cfg.MinAuthInterval {
		m.state.Authenticating = false
		m.mu.Unlock()
		wait := m.cfg.MinAuthInterval - now.Sub(last)
		authOutcomes.WithLabelValues("rate_limited").Inc()
		m.initStatus(broadcast.StatusRateLimited,
			fmt.Sprintf("Please wait %d seconds before retrying", int(math.Ceil(wait.Seconds()))))
		return ErrRateLimited
	}
	m.state.LastAuthAttempt = now
	m.state.Attempts = 0
	m.mu.Unlock()

	return m.headlessAuth(ctx, epoch)
}

func (m *Manager) headlessAuth(ctx context.Context, epoch uint64) error {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return context.Canceled
	}
	m.state.Attempts++
	attempt := m.state.Attempts
	m.mu.Unlock()

	log := m.log.With().Int("attempt", attempt).Logger()
	log.Info().Msg("starting device authorization")

	initCtx, cancel := context.WithTimeout(ctx, m.cfg.DeviceFlowTimeout)
	grant, err := m.auth.Initiate(initCtx, m.cfg.ClientID)
	cancel()
	if err != nil {
		return m.authFailed(ctx, epoch, err)
	}

	svg, err := m.qr.Encode(grant.VerifyURL())
	if err != nil {
		log.Warn().Err(err).Msg("qr encode failed")
	}
	m.gateway.Broadcast(broadcast.KindAuthInfo, broadcast.AuthInfo{
		Status:                  broadcast.StatusWaiting,
		UserCode:                grant.UserCode,
		VerificationURI:         grant.VerificationURI,
		VerificationURIComplete: grant.VerificationURIComplete,
		QRCode:                  svg,
		ExpiresIn:               grant.ExpiresIn,
	})

	tokens, err := m.auth.Poll(ctx, oauth.PollRequest{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		DeviceCode:   grant.DeviceCode,
		Interval:     grant.PollInterval(),
		MaxAttempts:  oauth.MaxAttempts(grant),
	}, func(p oauth.Progress) {
		m.gateway.Broadcast(broadcast.KindAuthStatus, broadcast.Status{
			Status:      broadcast.StatusPolling,
			Message:     fmt.Sprintf("Waiting for authorization (%d/%d)", p.Attempt, p.MaxAttempts),
			Attempt:     p.Attempt,
			MaxAttempts: p.MaxAttempts,
			Interval:    int(p.Interval / time.Second),
		})
	})
	if err != nil {
		return m.authFailed(ctx, epoch, err)
	}
	if m.stale(epoch) {
		return context.Canceled
	}

	authOutcomes.WithLabelValues("authorized").Inc()
	m.gateway.Broadcast(broadcast.KindAuthStatus, broadcast.Status{
		Status:  broadcast.StatusSuccess,
		Message: "Authorization successful",
	})
	if err := m.store.Save(ctx, tokens.RefreshToken); err != nil {
		log.Error().Err(err).Msg("persist refresh token failed")
	}
	m.initStatus(broadcast.StatusInitializingHC, "Initializing Home Connect...")
	return m.initWithRefreshToken(ctx, epoch, tokens.RefreshToken)
}

func (m *Manager) authFailed(ctx context.Context, epoch uint64, err error) error {
	if m.stale(epoch) || ctx.Err() != nil {
		m.clearAuthenticating(epoch)
		return err
	}

	m.gateway.Broadcast(broadcast.KindAuthStatus, broadcast.Status{
		Status:  broadcast.StatusError,
		Message: fmt.Sprintf("Authentication failed: %v", err),
	})

	switch {
	case isRateLimited(err):
		authOutcomes.WithLabelValues("rate_limited").Inc()
		m.log.Warn().Err(err).Msg("device authorization rate limited")
		m.clearAuthenticating(epoch)
		m.initStatus(broadcast.StatusRateLimited, "Too many requests; please wait before retrying")
		return err
	case oauth.IsTerminal(err):
		authOutcomes.WithLabelValues("failed").Inc()
		m.log.Warn().Err(err).Msg("device authorization failed")
		m.clearAuthenticating(epoch)
		m.initStatus(broadcast.StatusAuthFailed, fmt.Sprintf("Authentication failed: %v", err))
		return err
	}

	m.mu.Lock()
	attempts := m.state.Attempts
	m.mu.Unlock()
	if attempts >= m.cfg.MaxInitAttempts {
		authOutcomes.WithLabelValues("aborted").Inc()
		m.log.Error().Err(err).Int("attempts", attempts).Msg("device authorization aborted")
		m.clearAuthenticating(epoch)
		m.initStatus(broadcast.StatusAuthAborted,
			fmt.Sprintf("Authentication failed after %d attempts", attempts))
		return err
	}

	authOutcomes.WithLabelValues("retry").Inc()
	m.log.Warn().Err(err).Dur("retry_in", m.cfg.AuthRetryDelay).Msg("device authorization failed; retrying")
	m.clock.AfterFunc(m.cfg.AuthRetryDelay, func() {
		if m.stale(epoch) {
			return
		}
		m.headlessAuth(ctx, epoch)
	})
	return err
}

func (m *Manager) initWithRefreshToken(ctx context.Context, epoch uint64, refreshToken string) error {
	initCtx, cancel := context.WithTimeout(ctx, m.cfg.TokenInitTimeout)
	tokens, err := m.refresher.Refresh(initCtx, refreshToken)
	timedOut := errors.Is(initCtx.Err(), context.DeadlineExceeded)
	cancel()

	if m.stale(epoch) {
		return context.Canceled
	}
	if err != nil {
		m.clearAuthenticating(epoch)
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			authOutcomes.WithLabelValues("init_timeout").Inc()
			m.log.Error().Err(err).Msg("home connect initialization timed out")
			m.initStatus(broadcast.StatusInitTimeout, "Home Connect initialization timed out")
			return err
		}
		authOutcomes.WithLabelValues("init_error").Inc()
		m.log.Error().Err(err).Msg("home connect initialization failed")
		m.initStatus(broadcast.StatusHCError, fmt.Sprintf("Home Connect error: %v", err))
		return err
	}
	return m.activate(ctx, epoch, tokens)
}

func (m *Manager) activate(ctx context.Context, epoch uint64, tokens oauth.TokenSet) error {
	if err := m.store.Save(ctx, tokens.RefreshToken); err != nil {
		m.log.Error().Err(err).Msg("persist refresh token failed")
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return context.Canceled
	}
	m.state.Authenticated = true
	m.state.Authenticating = false
	m.state.AccessToken = tokens.AccessToken
	m.state.RefreshToken = tokens.RefreshToken
	m.state.TokenExpiresAt = tokens.Expiry()
	m.state.Attempts = 0
	m.mu.Unlock()

	m.api.SetAccessToken(tokens.AccessToken)
	m.bridge.SetToken(tokens.AccessToken)
	m.scheduler.Arm(ctx, tokens)

	authenticatedGauge.Set(1)
	authOutcomes.WithLabelValues("success").Inc()
	m.log.Info().Time("expires_at", tokens.Expiry()).Msg("home connect session active")
	m.initStatus(broadcast.StatusSuccess, "Home Connect initialized")
	m.notifyAuth(true)

	m.clock.AfterFunc(m.cfg.DeviceFetchDelay, func() {
		if m.stale(epoch) {
			return
		}
		m.fetchDevices(ctx, epoch, true)
	})
	return nil
}

// onRotate runs on the scheduler after each successful refresh.
func (m *Manager) onRotate(ctx context.Context, tokens oauth.TokenSet) {
	if err := m.store.Save(ctx, tokens.RefreshToken); err != nil {
		m.log.Error().Err(err).Msg("persist rotated refresh token failed")
	}

	m.mu.Lock()
	if !m.state.Authenticated {
		m.mu.Unlock()
		return
	}
	m.state.AccessToken = tokens.AccessToken
	m.state.RefreshToken = tokens.RefreshToken
	m.state.TokenExpiresAt = tokens.Expiry()
	epoch := m.epoch
	m.mu.Unlock()

	m.api.SetAccessToken(tokens.AccessToken)
	if err := m.bridge.Recreate(ctx, tokens.AccessToken); err != nil {
		m.log.Warn().Err(err).Msg("recreate event streams failed")
	}
	m.fetchDevices(ctx, epoch, true)
}

func (m *Manager) fetchDevices(ctx context.Context, epoch uint64, retry bool) error {
	m.mu.Lock()
	ready := m.state.Authenticated && m.epoch == epoch
	m.mu.Unlock()
	if !ready {
		m.initStatus(broadcast.StatusHCNotReady, "Home Connect not ready")
		return ErrNotReady
	}

	m.initStatus(broadcast.StatusFetchingDevices, "Loading devices...")
	appliances, err := m.api.Appliances(ctx)
	if err != nil {
		return m.deviceError(ctx, epoch, retry, err)
	}

	for _, a := range appliances {
		m.registry.UpsertFromSnapshot(devices.Device{
			ID:        a.HaID,
			Name:      a.Name,
			Type:      a.Type,
			Brand:     a.Brand,
			Connected: a.Connected,
		})
	}

	var g errgroup.Group
	g.SetLimit(4)
	for _, a := range appliances {
		if !a.Connected {
			continue
		}
		haID := a.HaID
		g.Go(func() error {
			m.applyItems(ctx, haID, "status", m.api.Status)
			return nil
		})
		g.Go(func() error {
			m.applyItems(ctx, haID, "settings", m.api.Settings)
			return nil
		})
	}
	g.Wait()

	if m.stale(epoch) {
		return context.Canceled
	}
	m.subscribeOnce()
	m.watch(ctx, appliances)

	deviceFetches.WithLabelValues("ok").Inc()
	m.gateway.BroadcastDeviceSnapshot()
	m.initStatus(broadcast.StatusComplete, fmt.Sprintf("%d device(s) loaded", len(appliances)))
	return nil
}

type itemsFunc func(ctx context.Context, haID string) ([]homeconnect.Item, error)

func (m *Manager) applyItems(ctx context.Context, haID, what string, fetch itemsFunc) {
	items, err := fetch(ctx, haID)
	if err != nil {
		m.log.Warn().Err(err).Str("ha_id", haID).Msgf("fetch %s failed", what)
		return
	}
	for _, item := range items {
		m.registry.ApplyEvent(haID, item.Key, item.Value)
	}
}

func (m *Manager) deviceError(ctx context.Context, epoch uint64, retry bool, err error) error {
	if m.stale(epoch) || errors.Is(err, context.Canceled) {
		m.log.Debug().Err(err).Msg("device fetch abandoned")
		return err
	}
	deviceFetches.WithLabelValues("error").Inc()
	m.log.Error().Err(err).Msg("fetch devices failed")
	m.initStatus(broadcast.StatusDeviceError, fmt.Sprintf("Device error: %v", err))
	if retry && apierror.IsNetwork(err) {
		m.log.Info().Dur("retry_in", m.cfg.DeviceRetryDelay).Msg("retrying device fetch")
		m.clock.AfterFunc(m.cfg.DeviceRetryDelay, func() {
			if m.stale(epoch) {
				return
			}
			m.fetchDevices(ctx, epoch, false)
		})
	}
	return err
}

func (m *Manager) subscribeOnce() {
	m.mu.Lock()
	if m.subscribed {
		m.mu.Unlock()
		return
	}
	m.subscribed = true
	m.mu.Unlock()

	for _, name := range homeconnect.DeviceEvents {
		m.bridge.Subscribe(name, m.handleEvent)
	}
}

func (m *Manager) watch(ctx context.Context, appliances []homeconnect.Appliance) {
	if !m.cfg.PerDeviceStreams {
		if err := m.bridge.Watch(ctx, ""); err != nil {
			m.log.Warn().Err(err).Msg("open event stream failed")
		}
		return
	}
	for _, a := range appliances {
		if err := m.bridge.Watch(ctx, a.HaID); err != nil {
			m.log.Warn().Err(err).Str("ha_id", a.HaID).Msg("open event stream failed")
		}
	}
}

// handleEvent folds one push event into the registry.
func (m *Manager) handleEvent(ev homeconnect.Event) {
	haID, items, err := homeconnect.ParseEvent(ev)
	if err != nil {
		m.log.Debug().Err(err).Msg("undecodable event dropped")
		return
	}
	if haID == "" {
		return
	}

	changed := false
	switch ev.Name {
	case homeconnect.EventConnected:
		changed = m.registry.SetConnected(haID, true)
	case homeconnect.EventDisconnected:
		changed = m.registry.SetConnected(haID, false)
	}
	for _, item := range items {
		if m.registry.ApplyEvent(haID, item.Key, item.Value) {
			changed = true
		}
	}
	if changed {
		m.gateway.BroadcastDeviceSnapshot()
	}
}

func (m *Manager) initStatus(status, message string) {
	m.gateway.Broadcast(broadcast.KindInitStatus, broadcast.Status{Status: status, Message: message})
}

func (m *Manager) stale(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch != epoch
}

func (m *Manager) clearAuthenticating(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch == epoch {
		m.state.Authenticating = false
	}
}

func (m *Manager) notifyAuth(authenticated bool) {
	m.mu.Lock()
	hooks := make([]func(bool), len(m.authHooks))
	copy(hooks, m.authHooks)
	m.mu.Unlock()
	for _, hook := range hooks {
		hook(authenticated)
	}
}

func isRateLimited(err error) bool {
	if apierror.IsRateLimited(err) {
		return true
	}
	var authErr *oauth.AuthorizationRequestError
	if errors.As(err, &authErr) && authErr.Status == http.StatusTooManyRequests {
		return true
	}
	var tokenErr *oauth.TokenRequestError
	if errors.As(err, &tokenErr) {
		return tokenErr.Code == "slow_down" || tokenErr.Code == fmt.Sprintf("http_%d", http.StatusTooManyRequests)
	}
	return false
}
