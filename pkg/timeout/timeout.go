// Package timeout implements the timeout value used by every blocking flow
// operation: wait forever, don't wait, or wait up to a duration.
package timeout

import (
	"context"
	"math"
	"time"
)

// Kind distinguishes the three timeout forms
type Kind uint8

const (
	// KindNone blocks indefinitely
	KindNone Kind = iota
	// KindZero never blocks
	KindZero
	// KindDuration blocks at most the stored duration
	KindDuration
)

// Timeout is a blocking bound. The zero value is None.
type Timeout struct {
	kind Kind
	d    time.Duration
}

// None blocks indefinitely
var None = Timeout{}

// Zero returns the non-blocking timeout
func Zero() Timeout {
	return Timeout{kind: KindZero}
}

// After returns a timeout of d. Any d <= 0 collapses to Zero.
func After(d time.Duration) Timeout {
	if d <= 0 {
		return Zero()
	}
	return Timeout{kind: KindDuration, d: d}
}

// FromSeconds converts a number of seconds with sub-second precision.
// Zero, negative and NaN values collapse to Zero.
func FromSeconds(s float64) Timeout {
	if math.IsNaN(s) || s <= 0 {
		return Zero()
	}
	if math.IsInf(s, 1) {
		return None
	}
	whole, frac := math.Modf(s)
	if whole > float64(math.MaxInt64/int64(time.Second)) {
		return None
	}
	return FromTimespec(int64(whole), int64(frac*float64(time.Second)))
}

// FromSecondsPtr is FromSeconds where a nil value means None
func FromSecondsPtr(s *float64) Timeout {
	if s == nil {
		return None
	}
	return FromSeconds(*s)
}

// FromTimespec builds a timeout from seconds and nanoseconds
func FromTimespec(sec, nsec int64) Timeout {
	return After(time.Duration(sec)*time.Second + time.Duration(nsec))
}

// Kind returns the timeout form
func (t Timeout) Kind() Kind {
	return t.kind
}

// IsNone reports whether t blocks indefinitely
func (t Timeout) IsNone() bool {
	return t.kind == KindNone
}

// IsZero reports whether t never blocks
func (t Timeout) IsZero() bool {
	return t.kind == KindZero
}

// Duration returns the bound; ok is false for None
func (t Timeout) Duration() (d time.Duration, ok bool) {
	switch t.kind {
	case KindZero:
		return 0, true
	case KindDuration:
		return t.d, true
	default:
		return 0, false
	}
}

// Seconds is the inverse of FromSeconds; ok is false for None
func (t Timeout) Seconds() (float64, bool) {
	d, ok := t.Duration()
	if !ok {
		return 0, false
	}
	return d.Seconds(), true
}

// Timespec splits the bound into seconds and nanoseconds; ok is false for None
func (t Timeout) Timespec() (sec, nsec int64, ok bool) {
	d, ok := t.Duration()
	if !ok {
		return 0, 0, false
	}
	return int64(d / time.Second), int64(d % time.Second), true
}

// Deadline returns the absolute deadline relative to now; ok is false for None
func (t Timeout) Deadline(now time.Time) (time.Time, bool) {
	d, ok := t.Duration()
	if !ok {
		return time.Time{}, false
	}
	return now.Add(d), true
}

// Context derives a context bounded by t. A Zero timeout yields a context
// that is already past its deadline, so blocking code must try the operation
// before waiting on Done.
func (t Timeout) Context(parent context.Context) (context.Context, context.CancelFunc) {
	switch t.kind {
	case KindZero:
		return context.WithDeadline(parent, time.Now())
	case KindDuration:
		return context.WithTimeout(parent, t.d)
	default:
		return context.WithCancel(parent)
	}
}

// Expired reports whether ctx, derived from parent, ended because of its own
// deadline rather than because parent was canceled
func Expired(parent, ctx context.Context) bool {
	return parent.Err() == nil && ctx.Err() == context.DeadlineExceeded
}

// String renders the timeout for logs
func (t Timeout) String() string {
	switch t.kind {
	case KindZero:
		return "zero"
	case KindDuration:
		return t.d.String()
	default:
		return "none"
	}
}
