package session

import "time"

// State is the process-wide session. Authenticated and Authenticating are
// never both true.
type State struct {
	Authenticated   bool          `json:"authenticated"`
	Authenticating  bool          `json:"authenticating"`
	AccessToken     string        `json:"-"`
	RefreshToken    string        `json:"-"`
	TokenExpiresAt  time.Time     `json:"tokenExpiresAt,omitempty"`
	LastAuthAttempt time.Time     `json:"lastAuthAttempt,omitempty"`
	MinAuthInterval time.Duration `json:"-"`
	Attempts        int           `json:"attempts"`
	Clients         []string      `json:"clients"`
}
