package internal

import (
	"context"
	"time"
)

type BackoffFlags uint8

const (
	BackoffHasPriority BackoffFlags = 1 << iota
	BackoffCriticalPath
)

// NewBackoff returns a Backoff ready for polling loops. Priority backoffs
// cap their wait at half the regular maximum, critical path ones at a millisecond.
func NewBackoff(priority BackoffFlags) Backoff {
	if priority&BackoffCriticalPath != 0 {
		return Backoff{
			maxWait: uint32(1 * time.Millisecond),
		}
	}
	return Backoff{
		maxWait: uint32(time.Second) >> (priority & BackoffHasPriority),
	}
}

// A Backoff with a non-zero MaxWait is ready for use.
type Backoff struct {
	// wait defines the amount of time that Miss will wait on next call.
	wait uint32
	// Maximum allowable value for Wait.
	maxWait uint32
	// startWait is the value that Wait takes after a call to Hit.
	startWait uint32
	// expMinusOne is the shift performed on Wait minus one, so the zero value performs a shift of 1.
	expMinusOne uint32
}

// Hit sets eb.Wait to the StartWait value.
func (eb *Backoff) Hit() {
	if eb.maxWait == 0 {
		panic("MaxWait cannot be zero")
	}
	eb.wait = eb.startWait
}

// Miss sleeps for eb.Wait and increases eb.Wait exponentially.
func (eb *Backoff) Miss() {
	time.Sleep(eb.next())
}

// MissContext is like Miss but returns early with the context error if ctx
// is done before the wait elapses.
func (eb *Backoff) MissContext(ctx context.Context) error {
	wait := eb.next()
	if wait <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (eb *Backoff) next() time.Duration {
	const k = 1
	wait := eb.wait
	maxWait := eb.maxWait
	exp := eb.expMinusOne + 1
	if maxWait == 0 {
		panic("MaxWait cannot be zero")
	}
	next := wait | k
	next <<= exp
	if next > maxWait {
		next = maxWait
	}
	eb.wait = next
	return time.Duration(wait)
}
