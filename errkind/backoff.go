package errkind

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Curve implements backoff.BackOff with the exact transient-retry formula
// from spec §7: base * 2^min(attempt,8) - base. It caps at MaxRetries
// (capped at 3 per operation, per spec) by returning backoff.Stop once
// exhausted.
type Curve struct {
	Base       time.Duration
	MaxRetries int
	attempt    int
}

// NewCurve builds a Curve for the parent side (base 20ms, 3 retries) or a
// child side (higher base), matching §7's "base 20ms in the parent, higher
// in children."
func NewCurve(base time.Duration) *Curve {
	return &Curve{Base: base, MaxRetries: 3}
}

func (c *Curve) NextBackOff() time.Duration {
	if c.attempt >= c.MaxRetries {
		return backoff.Stop
	}
	shift := c.attempt
	if shift > 8 {
		shift = 8
	}
	c.attempt++
	return time.Duration(int64(c.Base) * ((int64(1) << uint(shift)) - 1))
}

func (c *Curve) Reset() { c.attempt = 0 }

// Retry runs op, retrying transient failures per the Curve, and wraps the
// final error (if any) as a Transient *Error tagged with op's name.
func Retry(opName string, base time.Duration, op func() error) error {
	c := NewCurve(base)
	err := backoff.Retry(op, c)
	if err != nil {
		return New(Transient, opName, err)
	}
	return nil
}
