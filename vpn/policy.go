// Package vpn provides tunnel connection management functionality.
// This file contains the reconnection backoff policy.
package vpn

import (
	"math"
	"time"

	"github.com/yllada/tunnel-manager/common"
)

// ReconnectPolicy computes the delay before a reconnection attempt and
// decides when to give up. It is pure: the same attempt number always
// produces the same delay.
type ReconnectPolicy struct {
	// Profile selects the delay curve, "exponential" or "linear".
	Profile string
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the delay regardless of attempt number.
	MaxDelay time.Duration
	// Multiplier grows the delay between attempts (exponential profile).
	Multiplier float64
	// MaxAttempts is the attempt number at which ShouldGiveUp turns true.
	MaxAttempts int
}

// DefaultReconnectPolicy returns the exponential-capped profile defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Profile:     common.BackoffProfileExponential,
		BaseDelay:   common.DefaultReconnectBaseDelay,
		MaxDelay:    common.DefaultReconnectMaxDelay,
		Multiplier:  common.DefaultReconnectMultiplier,
		MaxAttempts: common.DefaultReconnectMaxAttempts,
	}
}

// LinearReconnectPolicy returns the linear-capped profile defaults.
func LinearReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Profile:     common.BackoffProfileLinear,
		BaseDelay:   common.LinearReconnectBaseDelay,
		MaxDelay:    common.LinearReconnectMaxDelay,
		MaxAttempts: common.LinearReconnectMaxAttempts,
	}
}

// Delay returns the wait before the given attempt (1-based).
// The result is monotonically non-decreasing in the attempt number and
// always within [BaseDelay, MaxDelay].
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Profile {
	case common.BackoffProfileLinear:
		d = time.Duration(attempt) * p.BaseDelay
	default:
		mult := p.Multiplier
		if mult < 1 {
			mult = 1
		}
		scaled := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
		if scaled > float64(p.MaxDelay) {
			return p.MaxDelay
		}
		d = time.Duration(scaled)
	}

	if d < p.BaseDelay {
		d = p.BaseDelay
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ShouldGiveUp reports whether the attempt counter has reached the limit.
func (p ReconnectPolicy) ShouldGiveUp(attempt int) bool {
	return attempt >= p.MaxAttempts
}
