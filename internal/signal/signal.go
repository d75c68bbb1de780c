// Package signal holds the envelope every data item travels in between
// pipeline stages: a timestamp, the source address, an optional value and
// the health of the source that produced it.
package signal

import (
	"errors"
	"fmt"
	"time"
)

type Status int

const (
	OK Status = iota
	PartialFailure
	TotalFailure
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case PartialFailure:
		return "partial_failure"
	case TotalFailure:
		return "total_failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var ErrClockRegression = errors.New("timestamp went backwards")

// Signal is immutable once created. Use the constructors; the zero value has
// no timestamp and is not a valid signal.
type Signal[A comparable, V any] struct {
	Timestamp time.Time
	Address   A
	Status    Status
	Err       error

	value    V
	hasValue bool
}

func New[A comparable, V any](ts time.Time, addr A, v V) Signal[A, V] {
	return Signal[A, V]{Timestamp: ts, Address: addr, Status: OK, value: v, hasValue: true}
}

// Partial reports a degraded source that still produced a usable value.
func Partial[A comparable, V any](ts time.Time, addr A, v V, err error) Signal[A, V] {
	return Signal[A, V]{Timestamp: ts, Address: addr, Status: PartialFailure, Err: err, value: v, hasValue: true}
}

// Failure reports a source that produced no value at all.
func Failure[A comparable, V any](ts time.Time, addr A, err error) Signal[A, V] {
	return Signal[A, V]{Timestamp: ts, Address: addr, Status: TotalFailure, Err: err}
}

// Propagate carries the failure of in over to a signal of another value type,
// keeping its timestamp, status and error.
func Propagate[A comparable, V, O any](in Signal[A, V], addr A) Signal[A, O] {
	return Signal[A, O]{Timestamp: in.Timestamp, Address: addr, Status: in.Status, Err: in.Err}
}

func (s Signal[A, V]) IsError() bool {
	return s.Status != OK
}

func (s Signal[A, V]) HasValue() bool {
	return s.hasValue
}

// Value panics when the signal carries no value. Callers must check Status
// (or use Lookup) before reading a failed signal.
func (s Signal[A, V]) Value() V {
	if s.Status == TotalFailure {
		panic(fmt.Sprintf("signal: Value() called on total failure signal from %v: %v", s.Address, s.Err))
	}
	if !s.hasValue {
		panic(fmt.Sprintf("signal: Value() called on empty signal from %v", s.Address))
	}
	return s.value
}

func (s Signal[A, V]) Lookup() (V, bool) {
	return s.value, s.hasValue && s.Status != TotalFailure
}

func (s Signal[A, V]) String() string {
	if v, ok := s.Lookup(); ok {
		return fmt.Sprintf("{%s %v %s %v}", s.Timestamp.Format(time.RFC3339Nano), s.Address, s.Status, v)
	}
	return fmt.Sprintf("{%s %v %s err=%v}", s.Timestamp.Format(time.RFC3339Nano), s.Address, s.Status, s.Err)
}

// Clock tracks the last timestamp seen on one stream and rejects samples that
// arrive from the past.
type Clock struct {
	last time.Time
	seen bool
}

// Check returns ErrClockRegression if ts precedes the last accepted
// timestamp. It does not record ts; call Advance once the sample has been
// fully processed.
func (c *Clock) Check(ts time.Time) error {
	if c.seen && ts.Before(c.last) {
		return fmt.Errorf("%w: %s is %s before last sample at %s",
			ErrClockRegression, ts.Format(time.RFC3339Nano), c.last.Sub(ts), c.last.Format(time.RFC3339Nano))
	}
	return nil
}

func (c *Clock) Advance(ts time.Time) {
	c.last = ts
	c.seen = true
}

func (c *Clock) Last() (time.Time, bool) {
	return c.last, c.seen
}
