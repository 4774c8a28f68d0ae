// Package kst centralizes Korea Standard Time handling.
//
// Design rules:
//   - Engine code reads the time through SystemClock or calls time.Now()
//     directly; no component accepts a Clock, so Fixed and Stepped are
//     not injected anywhere in the engine.
//   - Every timestamp the engine produces or compares is anchored to
//     Location (Asia/Seoul); naive and zone-aware times are never mixed.
package kst

import (
	"fmt"
	"time"
)

// Location is the Asia/Seoul timezone used throughout the engine.
var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("Asia/Seoul")
	if err != nil {
		panic(fmt.Sprintf("kst: failed to load Asia/Seoul timezone: %v", err))
	}
}

// Clock abstracts wall-clock access so components can be driven by a
// fixed or stepped instant in tests instead of the real clock.
type Clock interface {
	// Now returns the current instant, in the KST location.
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now().
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().In(Location) }

// Fixed is a Clock that always returns the same instant. Useful for
// deterministic unit tests.
type Fixed struct {
	At time.Time
}

func (f Fixed) Now() time.Time { return f.At.In(Location) }

// Stepped is a Clock whose Now() advances by a fixed step on every call,
// starting from Start. Useful for tests that need to observe several
// distinct instants in sequence without depending on real elapsed time.
type Stepped struct {
	Start time.Time
	Step  time.Duration
	calls int
}

func (s *Stepped) Now() time.Time {
	t := s.Start.Add(time.Duration(s.calls) * s.Step)
	s.calls++
	return t.In(Location)
}

// DateString formats t as a KST calendar date, e.g. "2026-07-31".
func DateString(t time.Time) string {
	return t.In(Location).Format("2006-01-02")
}

// MinuteKey formats t to minute granularity in KST, e.g. "202607311405",
// used by the idempotency key scheme (one signal per symbol per minute).
func MinuteKey(t time.Time) string {
	return t.In(Location).Format("200601021504")
}

// SameKSTDate reports whether a and b fall on the same KST calendar date.
func SameKSTDate(a, b time.Time) bool {
	return DateString(a) == DateString(b)
}
