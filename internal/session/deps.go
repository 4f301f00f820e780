package session

import (
	"context"
	"time"

	"github.com/joshp123/homeconnect/internal/homeconnect"
	"github.com/joshp123/homeconnect/internal/oauth"
)

// Authenticator runs the device authorization grant.
type Authenticator interface {
	Initiate(ctx context.Context, clientID string) (oauth.DeviceFlowGrant, error)
	Poll(ctx context.Context, req oauth.PollRequest, onProgress func(oauth.Progress)) (oauth.TokenSet, error)
}

// ApplianceAPI is the REST surface the manager reads devices from.
type ApplianceAPI interface {
	SetAccessToken(token string)
	Appliances(ctx context.Context) ([]homeconnect.Appliance, error)
	Status(ctx context.Context, haID string) ([]homeconnect.Item, error)
	Settings(ctx context.Context, haID string) ([]homeconnect.Item, error)
}

// EventBridge is the push-event side of the appliance API.
type EventBridge interface {
	SetToken(token string)
	Subscribe(name string, handler homeconnect.Handler) homeconnect.Subscription
	Watch(ctx context.Context, haID string) error
	Recreate(ctx context.Context, token string) error
	Reset()
}

const (
	DefaultMinAuthInterval   = 2 * time.Minute
	DefaultMaxInitAttempts   = 3
	DefaultAuthRetryDelay    = 30 * time.Second
	DefaultDeviceFetchDelay  = 2 * time.Second
	DefaultDeviceRetryDelay  = 30 * time.Second
	DefaultTokenInitTimeout  = 30 * time.Second
	DefaultDeviceFlowTimeout = 60 * time.Second
)

// Config tunes the session. Zero values take the defaults above.
type Config struct {
	ClientID     string
	ClientSecret string

	MinAuthInterval   time.Duration
	MaxInitAttempts   int
	AuthRetryDelay    time.Duration
	DeviceFetchDelay  time.Duration
	DeviceRetryDelay  time.Duration
	TokenInitTimeout  time.Duration
	DeviceFlowTimeout time.Duration

	// PerDeviceStreams opens one event stream per appliance instead of the
	// global stream.
	PerDeviceStreams bool
}

func (c Config) withDefaults() Config {
	if c.MinAuthInterval <= 0 {
		c.MinAuthInterval = DefaultMinAuthInterval
	}
	if c.MaxInitAttempts <= 0 {
		c.MaxInitAttempts = DefaultMaxInitAttempts
	}
	if c.AuthRetryDelay <= 0 {
		c.AuthRetryDelay = DefaultAuthRetryDelay
	}
	if c.DeviceFetchDelay <= 0 {
		c.DeviceFetchDelay = DefaultDeviceFetchDelay
	}
	if c.DeviceRetryDelay <= 0 {
		c.DeviceRetryDelay = DefaultDeviceRetryDelay
	}
	if c.TokenInitTimeout <= 0 {
		c.TokenInitTimeout = DefaultTokenInitTimeout
	}
	if c.DeviceFlowTimeout <= 0 {
		c.DeviceFlowTimeout = DefaultDeviceFlowTimeout
	}
	return c
}
