package rate

import "time"

// Window represents a provider rate-limit bucket.
type Window int

const (
	Minute Window = iota
	Day
)

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Day:
		return "day"
	default:
		return "unknown"
	}
}

func (w Window) Duration() time.Duration {
	switch w {
	case Day:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Headers names the response headers the guard reads.
type Headers struct {
	RetryAfter string
}

// StandardHeaders returns the default header mapping.
func StandardHeaders() Headers {
	return Headers{RetryAfter: "Retry-After"}
}

// Declaration defines a provider's rate limits and header mapping.
type Declaration struct {
	provider        string
	limits          map[Window]int
	headers         Headers
	defaultCooldown time.Duration
}

// Provider creates a new declaration for a provider.
func Provider(name string) Declaration {
	return Declaration{provider: name, headers: StandardHeaders(), defaultCooldown: time.Minute}
}

// HomeConnect declares the appliance API budget: 50 requests per minute and
// 1000 per day per client.
func HomeConnect() Declaration {
	return Provider("homeconnect").
		MaxRequestsPer(Minute, 50).
		MaxRequestsPer(Day, 1000)
}

func (d Declaration) ProviderName() string {
	return d.provider
}

func (d Declaration) MaxRequestsPer(window Window, limit int) Declaration {
	limits := make(map[Window]int, len(d.limits)+1)
	for w, l := range d.limits {
		limits[w] = l
	}
	limits[window] = limit
	d.limits = limits
	return d
}

func (d Declaration) ReadHeaders(headers Headers) Declaration {
	d.headers = headers
	return d
}

// CooldownOn429 is used when a 429 carries no Retry-After header.
func (d Declaration) CooldownOn429(cooldown time.Duration) Declaration {
	d.defaultCooldown = cooldown
	return d
}

func (d Declaration) Limits() map[Window]int {
	return d.limits
}

func (d Declaration) Headers() Headers {
	return d.headers
}

func (d Declaration) HasLimits() bool {
	return len(d.limits) > 0
}
