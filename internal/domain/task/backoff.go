package task

import (
	"math"
	"time"
)

// Default backoff bounds for the retry path.
const (
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 300 * time.Second
)

// RetryPolicy controls the capped exponential backoff between attempts.
type RetryPolicy struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// DefaultRetryPolicy returns the 5s/300s policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

// Backoff returns min(BaseDelay * 2^retryCount, MaxDelay).
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for range retryCount {
		if (p.MaxDelay > 0 && d >= p.MaxDelay) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
