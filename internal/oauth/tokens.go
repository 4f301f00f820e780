package oauth

import "time"

// RefreshFraction is the share of a token's lifetime after which it is refreshed.
const RefreshFraction = 0.9

// TokenSet is one token endpoint answer, replaced wholesale on every refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	IssuedAt     time.Time
}

func (t TokenSet) Expiry() time.Time {
	return t.IssuedAt.Add(t.ExpiresIn)
}

// RefreshAt is IssuedAt plus 90% of the lifetime.
func (t TokenSet) RefreshAt() time.Time {
	return t.IssuedAt.Add(time.Duration(float64(t.ExpiresIn) * RefreshFraction))
}

func (t TokenSet) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.Expiry())
}
