package mcpconn

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how the Supervisor reconnects a failing server. It is a plain value;
// the zero value of any field is replaced by the matching DefaultRetryPolicy field.
type RetryPolicy struct {
	// MaxAttempts is the number of consecutive reconnect attempts before the server is
	// marked Failed. Zero means the default; NoRetries disables reconnects.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelay is the delay before the first attempt.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Jitter randomizes each delay by up to half its value in either direction.
	Jitter bool `yaml:"jitter"`
}

const jitterFactor = 0.5

// NoRetries as MaxAttempts marks a server Failed as soon as it degrades. Configuration files
// and MCPCONN_RETRY_MAX_ATTEMPTS spell it as an explicit 0.
const NoRetries = -1

// DefaultRetryPolicy is used for servers without overrides.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
	Jitter:      true,
}

// WithDefaults fills zero fields from def.
func (p RetryPolicy) WithDefaults(def RetryPolicy) RetryPolicy {
	switch {
	case p.MaxAttempts == 0:
		p.MaxAttempts = def.MaxAttempts
	case p.MaxAttempts < 0:
		p.MaxAttempts = NoRetries
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// Validate reports whether the policy can drive a bounded retry loop. Any negative
// MaxAttempts is read as NoRetries.
func (p RetryPolicy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s is shorter than base delay %s", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// Delay returns the un-jittered delay before attempt n (zero based):
// min(BaseDelay * 2^n, MaxDelay).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.BaseDelay
	for range n {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	return min(d, p.MaxDelay)
}

// BackOff returns a fresh exponential schedule whose successive NextBackOff values follow
// Delay(0), Delay(1), ... with jitter applied when enabled.
func (p RetryPolicy) BackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	if p.Jitter {
		b.RandomizationFactor = jitterFactor
	}
	b.Reset()
	return b
}
