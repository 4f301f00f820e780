package oauth

import "strings"

const (
	FlowDevice = "device"

	DeviceCodeGrantType   = "urn:ietf:params:oauth:grant-type:device_code"
	RefreshTokenGrantType = "refresh_token"
)

// Declaration describes the OAuth endpoints of the appliance API.
type Declaration struct {
	Provider      string
	Flow          string
	DeviceAuthURL string
	TokenURL      string
	Scope         string
}

// HomeConnect returns the declaration for a Home Connect API base URL.
func HomeConnect(baseURL string) Declaration {
	base := strings.TrimRight(baseURL, "/")
	return Declaration{
		Provider:      "homeconnect",
		Flow:          FlowDevice,
		DeviceAuthURL: base + "/security/oauth/device_authorization",
		TokenURL:      base + "/security/oauth/token",
	}
}
