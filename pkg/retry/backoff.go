// Package retry implements bounded exponential backoff with deterministic jitter.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
}

// DefaultPolicy is used when no policy is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxJitter:   250 * time.Millisecond,
	}
}

// Validate rejects policies that could retry without bound.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 || p.MaxJitter < 0 {
		return fmt.Errorf("retry: delays must be non-negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("retry: base delay %s exceeds max delay %s", p.BaseDelay, p.MaxDelay)
	}
	return nil
}

// Delay returns the wait before attempt number attempt (0-based). Attempt 0
// never waits. key seeds the jitter so two callers retrying the same key
// compute the same schedule.
func (p Policy) Delay(key string, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	// delay = base * 2^(attempt-1), shift capped to avoid overflow
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := p.BaseDelay * time.Duration(1<<shift)
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}

	return delay + p.jitter(key, attempt)
}

func (p Policy) jitter(key string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", key, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter checked positive
}

// Schedule lists the delays of every attempt the policy allows.
func (p Policy) Schedule(key string) []time.Duration {
	out := make([]time.Duration, p.MaxAttempts)
	for i := range out {
		out[i] = p.Delay(key, i)
	}
	return out
}
