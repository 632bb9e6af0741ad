// Package retry paces repeated attempts at bringing a transport back
// after it dropped.  It is used for the SSH bastion only: a chat
// session that ends is never re-established behind the user's back.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	ncerr "exochat/internal/errors"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError wraps an error to signal that retrying will not help.
// Return [Permanent](err) from the operation function to stop retrying
// immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Retryable reports whether another attempt could succeed.  Only
// failures to reach the peer qualify; a rejected key, password or host
// key will be rejected again.
func Retryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *ncerr.SSHError
	if errors.As(err, &se) {
		return false
	}
	var ce *ncerr.ConnectError
	return errors.As(err, &ce) || ncerr.IsTimeout(err) || ncerr.IsClosed(err)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff is a capped exponential schedule.
type Backoff struct {
	// Initial is the delay before the second attempt (default 500ms).
	Initial time.Duration
	// Max caps the delay between attempts (default 10s).
	Max time.Duration
	// Attempts is the total number of tries including the first; 0
	// retries until the context ends.
	Attempts int
	// Jitter spreads each delay by ±25%.
	Jitter bool
}

// TunnelBackoff is the schedule used when a bastion that was up has
// gone away between two logins.
func TunnelBackoff() *Backoff {
	return &Backoff{
		Initial:  500 * time.Millisecond,
		Max:      5 * time.Second,
		Attempts: 4,
		Jitter:   true,
	}
}

// Delay returns the pause after the given 1-based attempt, before
// jitter.
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = 10 * time.Second
	}
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

// Do calls fn until it succeeds, returns an error that is not
// [Retryable], or the attempt budget or ctx runs out.  attempt is
// 1-based.  The last error is returned.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if !Retryable(err) {
			return err
		}
		if b.Attempts > 0 && attempt >= b.Attempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		wait := b.Delay(attempt)
		if b.Jitter {
			wait = addJitter(wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-t.C:
		}
	}
}

// addJitter adds ±25% randomisation to a duration.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := (rand.Float64() * 2 * quarter) - quarter
	return max(time.Duration(float64(d)+delta), time.Millisecond)
}
