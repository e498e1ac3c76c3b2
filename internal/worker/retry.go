package worker

import (
	"math"
	"math/rand"
	"sync"
	"time"

	apperrors "github.com/market-sync/internal/errors"
)

// RetryPolicy controls backoff for a task class.
type RetryPolicy struct {
	BaseDelay   time.Duration // delay before the first retry
	Factor      float64       // exponential growth factor
	MaxDelay    time.Duration // backoff ceiling
	MaxAttempts int           // retries before the work is terminal

	// CooldownDelay and CooldownAttempts govern auth-shaped failures
	// (forbidden, captcha): fewer, slower retries.
	CooldownDelay    time.Duration
	CooldownAttempts int

	// Jitter is the +/- fraction applied to every delay.
	Jitter float64
}

// DefaultRetryPolicy returns the default task retry configuration.
// Pattern: 2s, 4s, 8s, 16s, 32s, then terminal.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:        2 * time.Second,
		Factor:           2.0,
		MaxDelay:         5 * time.Minute,
		MaxAttempts:      5,
		CooldownDelay:    10 * time.Minute,
		CooldownAttempts: 2,
		Jitter:           0.25,
	}
}

var (
	jitterRng   = rand.New(rand.NewSource(time.Now().UnixNano()))
	jitterRngMu sync.Mutex
)

// Delay returns the backoff before retry number attempt (0-based),
// with +/-Jitter randomization, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return applyJitter(time.Duration(delay), p.Jitter)
}

func applyJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	jitterRngMu.Lock()
	factor := 1 + jitter*(2*jitterRng.Float64()-1)
	jitterRngMu.Unlock()
	return time.Duration(float64(d) * factor)
}

// Decision is the retry verdict for one failure.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide classifies the error and applies the policy. attempt is the
// number of failures already recorded for the work item.
func (p RetryPolicy) Decide(err error, attempt int) Decision {
	switch apperrors.ClassifyRetry(err) {
	case apperrors.RetryNever:
		return Decision{Retry: false}
	case apperrors.RetryCooldown:
		if attempt >= p.CooldownAttempts {
			return Decision{Retry: false}
		}
		return Decision{Retry: true, Delay: applyJitter(p.CooldownDelay, p.Jitter)}
	default:
		if attempt >= p.MaxAttempts {
			return Decision{Retry: false}
		}
		return Decision{Retry: true, Delay: p.Delay(attempt)}
	}
}
