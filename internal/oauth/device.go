package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/joshp123/homeconnect/internal/apierror"
	"github.com/joshp123/homeconnect/internal/clock"
)

const (
	DefaultPollInterval  = 5 * time.Second
	DefaultGrantLifetime = 300 * time.Second
	SlowDownIncrement    = 5 * time.Second
	MinSlowDownInterval  = 10 * time.Second
)

// DeviceFlowGrant is the device authorization response. It lives for one
// authentication attempt.
type DeviceFlowGrant struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// VerifyURL prefers the URI with the user code embedded.
func (g DeviceFlowGrant) VerifyURL() string {
	if g.VerificationURIComplete != "" {
		return g.VerificationURIComplete
	}
	return g.VerificationURI
}

func (g DeviceFlowGrant) PollInterval() time.Duration {
	if g.Interval <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(g.Interval) * time.Second
}

// MaxAttempts is the poll budget for a grant: expires_in / interval.
func MaxAttempts(grant DeviceFlowGrant) int {
	interval := grant.Interval
	if interval <= 0 {
		interval = int(DefaultPollInterval / time.Second)
	}
	expires := grant.ExpiresIn
	if expires <= 0 {
		expires = int(DefaultGrantLifetime / time.Second)
	}
	n := expires / interval
	if n < 1 {
		return 1
	}
	return n
}

type deviceTokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Progress is reported before every token request.
type Progress struct {
	Attempt     int
	MaxAttempts int
	Interval    time.Duration
}

// PollRequest carries what the token endpoint needs for a device_code grant.
type PollRequest struct {
	ClientID     string
	ClientSecret string
	DeviceCode   string
	Interval     time.Duration
	MaxAttempts  int
}

// Authenticator drives the device authorization handshake and token polling.
type Authenticator struct {
	decl       Declaration
	httpClient *http.Client
	clock      clock.Clock
	log        zerolog.Logger
}

func NewAuthenticator(decl Declaration, httpClient *http.Client, clk clock.Clock, log zerolog.Logger) *Authenticator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Authenticator{
		decl:       decl,
		httpClient: httpClient,
		clock:      clk,
		log:        log.With().Str("component", "device_flow").Logger(),
	}
}

// Initiate requests a device code and user code.
func (a *Authenticator) Initiate(ctx context.Context, clientID string) (DeviceFlowGrant, error) {
	form := url.Values{"client_id": {clientID}}
	if a.decl.Scope != "" {
		form.Set("scope", a.decl.Scope)
	}

	status, body, err := a.postForm(ctx, a.decl.DeviceAuthURL, form)
	if err != nil {
		deviceAuthorizations.WithLabelValues("error").Inc()
		return DeviceFlowGrant{}, err
	}
	if status < 200 || status >= 300 {
		deviceAuthorizations.WithLabelValues("error").Inc()
		return DeviceFlowGrant{}, &AuthorizationRequestError{Status: status, Body: apierror.Truncate(string(body))}
	}

	var grant DeviceFlowGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		deviceAuthorizations.WithLabelValues("error").Inc()
		return DeviceFlowGrant{}, apierror.Protocol("device authorization", fmt.Errorf("decode: %w", err))
	}
	if grant.DeviceCode == "" {
		deviceAuthorizations.WithLabelValues("error").Inc()
		return DeviceFlowGrant{}, apierror.Protocol("device authorization", fmt.Errorf("missing device_code"))
	}
	if grant.Interval <= 0 {
		grant.Interval = int(DefaultPollInterval / time.Second)
	}
	if grant.ExpiresIn <= 0 {
		grant.ExpiresIn = int(DefaultGrantLifetime / time.Second)
	}

	deviceAuthorizations.WithLabelValues("ok").Inc()
	a.log.Info().Str("user_code", grant.UserCode).Int("expires_in", grant.ExpiresIn).Int("interval", grant.Interval).Msg("device authorization granted")
	return grant, nil
}

// Poll requests a token once per tick until the user approves, the grant
// fails terminally, or the attempt budget is exhausted. Network failures
// are retried after the current interval and do not consume the budget.
func (a *Authenticator) Poll(ctx context.Context, req PollRequest, onProgress func(Progress)) (TokenSet, error) {
	interval := req.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = int(DefaultGrantLifetime / interval)
	}

	form := url.Values{
		"grant_type":  {DeviceCodeGrantType},
		"device_code": {req.DeviceCode},
		"client_id":   {req.ClientID},
	}
	if req.ClientSecret != "" {
		form.Set("client_secret", req.ClientSecret)
	}

	attempts := 0
	for {
		if attempts >= maxAttempts {
			pollResults.WithLabelValues("timeout").Inc()
			return TokenSet{}, ErrPollingTimeout
		}
		attempt := attempts + 1
		if onProgress != nil {
			onProgress(Progress{Attempt: attempt, MaxAttempts: maxAttempts, Interval: interval})
		}

		issuedAt := a.clock.Now()
		status, body, err := a.postForm(ctx, a.decl.TokenURL, form)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return TokenSet{}, ctxErr
			}
			pollResults.WithLabelValues("network").Inc()
			a.log.Warn().Err(err).Dur("interval", interval).Msg("token poll failed; retrying")
			if err := a.clock.Sleep(ctx, interval); err != nil {
				return TokenSet{}, err
			}
			continue
		}
		attempts = attempt

		var resp deviceTokenResponse
		decodeErr := json.Unmarshal(body, &resp)
		if status >= 200 && status < 300 && decodeErr == nil && resp.Error == "" && resp.AccessToken != "" {
			pollResults.WithLabelValues("success").Inc()
			return TokenSet{
				AccessToken:  resp.AccessToken,
				RefreshToken: resp.RefreshToken,
				ExpiresIn:    time.Duration(resp.ExpiresIn) * time.Second,
				IssuedAt:     issuedAt,
			}, nil
		}
		if decodeErr != nil || resp.Error == "" {
			pollResults.WithLabelValues("error").Inc()
			return TokenSet{}, &TokenRequestError{
				Code:        fmt.Sprintf("http_%d", status),
				Description: apierror.Truncate(string(body)),
			}
		}

		switch resp.Error {
		case "authorization_pending":
			pollResults.WithLabelValues("pending").Inc()
		case "slow_down":
			pollResults.WithLabelValues("slow_down").Inc()
			interval = slowDown(interval)
			a.log.Debug().Dur("interval", interval).Msg("token endpoint asked to slow down")
		case "access_denied":
			pollResults.WithLabelValues("denied").Inc()
			return TokenSet{}, ErrUserDenied
		case "expired_token":
			pollResults.WithLabelValues("expired").Inc()
			return TokenSet{}, ErrCodeExpired
		default:
			pollResults.WithLabelValues("error").Inc()
			return TokenSet{}, &TokenRequestError{Code: resp.Error, Description: resp.ErrorDescription}
		}

		if err := a.clock.Sleep(ctx, interval); err != nil {
			return TokenSet{}, err
		}
	}
}

func slowDown(interval time.Duration) time.Duration {
	next := interval + SlowDownIncrement
	if next < MinSlowDownInterval {
		return MinSlowDownInterval
	}
	return next
}

func (a *Authenticator) postForm(ctx context.Context, endpoint string, values url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, apierror.Network("POST "+endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, apierror.Network("read "+endpoint, err)
	}
	return resp.StatusCode, body, nil
}
