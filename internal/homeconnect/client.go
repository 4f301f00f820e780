package homeconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/joshp123/homeconnect/internal/apierror"
	"github.com/joshp123/homeconnect/internal/rate"
)

const (
	ProductionURL = "https://api.home-connect.com"
	SimulatorURL  = "https://simulator.home-connect.com"

	MediaType = "application/vnd.bsh.sdk.v1+json"
)

// BaseURL picks the production or simulator API.
func BaseURL(simulated bool) string {
	if simulated {
		return SimulatorURL
	}
	return ProductionURL
}

// Client reads appliances, status and settings with a bearer token that is
// swapped on every refresh.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

func (c *Client) Appliances(ctx context.Context) ([]Appliance, error) {
	var resp appliancesResponse
	if err := c.getJSON(ctx, "/api/homeappliances", &resp); err != nil {
		return nil, err
	}
	return resp.Data.HomeAppliances, nil
}

func (c *Client) Status(ctx context.Context, haID string) ([]Item, error) {
	var resp statusResponse
	if err := c.getJSON(ctx, "/api/homeappliances/"+url.PathEscape(haID)+"/status", &resp); err != nil {
		return nil, err
	}
	return resp.Data.Status, nil
}

func (c *Client) Settings(ctx context.Context, haID string) ([]Item, error) {
	var resp settingsResponse
	if err := c.getJSON(ctx, "/api/homeappliances/"+url.PathEscape(haID)+"/settings", &resp); err != nil {
		return nil, err
	}
	return resp.Data.Settings, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	op := "GET " + path
	resp, err := c.doRequest(ctx, http.MethodGet, path)
	if err != nil {
		return classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return apierror.HTTPStatus(op, resp.StatusCode, errorBody(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierror.Protocol(op, fmt.Errorf("decode: %w", err))
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string) (*http.Response, error) {
	token := c.AccessToken()
	if token == "" {
		return nil, fmt.Errorf("no access token")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", MediaType)
	req.Header.Set("Accept-Language", "en-GB")

	return c.httpClient.Do(req)
}

// classify turns transport errors into apierror kinds. A request blocked
// locally by the rate guard is reported as rate limited, not network.
// Cancellation belongs to the caller and keeps no kind.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var limited rate.RateLimitError
	if errors.As(err, &limited) {
		return apierror.RateLimited(op, limited)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return apierror.Network(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// errorBody prefers the API's error description over the raw body.
func errorBody(body []byte) string {
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Key != "" {
		if parsed.Error.Description != "" {
			return parsed.Error.Key + ": " + parsed.Error.Description
		}
		return parsed.Error.Key
	}
	return string(body)
}
