package broadcast

import "github.com/joshp123/homeconnect/internal/devices"

// Kind names a front-end notification.
type Kind string

const (
	KindAuthInfo     Kind = "AUTH_INFO"
	KindAuthStatus   Kind = "AUTH_STATUS"
	KindInitStatus   Kind = "INIT_STATUS"
	KindDeviceUpdate Kind = "MMM-HomeConnect_Update"
)

// Envelope is what a sink delivers to its front-end.
type Envelope struct {
	Notification Kind `json:"notification"`
	Payload      any  `json:"payload"`
}

// Payload is personalized per recipient before delivery.
type Payload interface {
	Address(instanceID string) any
}

// Status is the payload of AUTH_STATUS and INIT_STATUS.
type Status struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	InstanceID  string `json:"instanceId,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
	Interval    int    `json:"interval,omitempty"`
}

func (s Status) Address(instanceID string) any {
	s.InstanceID = instanceID
	return s
}

// AuthInfo tells the user where to authorize.
type AuthInfo struct {
	Status                  string `json:"status"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	QRCode                  string `json:"qr_code,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	InstanceID              string `json:"instanceId,omitempty"`
}

func (a AuthInfo) Address(instanceID string) any {
	a.InstanceID = instanceID
	return a
}

// DeviceList is the full sorted device array. It is not addressed.
type DeviceList []devices.Device

func (l DeviceList) Address(string) any {
	if l == nil {
		return []devices.Device{}
	}
	return []devices.Device(l)
}

// Phases carried in Status.Status.
const (
	StatusWaiting         = "waiting"
	StatusPolling         = "polling"
	StatusSuccess         = "success"
	StatusError           = "error"
	StatusSessionActive   = "session_active"
	StatusAuthInProgress  = "auth_in_progress"
	StatusRateLimited     = "rate_limited"
	StatusInitializingHC  = "initializing_hc"
	StatusInitTimeout     = "init_timeout"
	StatusHCError         = "hc_error"
	StatusAuthFailed      = "auth_failed"
	StatusAuthAborted     = "auth_aborted"
	StatusFetchingDevices = "fetching_devices"
	StatusComplete        = "complete"
	StatusDeviceError     = "device_error"
	StatusHCNotReady      = "hc_not_ready"
)
