// Package clock wraps the monotonic-since-boot clock the dissector and
// flow tracker both need for timestamps and TTL arithmetic. The original
// BPF program reads bpf_ktime_get_boot_ns(); golang.org/x/sys/unix's
// CLOCK_MONOTONIC reading is the closest userspace equivalent available
// without depending on wall-clock time, which can jump.
package clock

import "golang.org/x/sys/unix"

// Source returns monotonic nanosecond timestamps.
type Source interface {
	NowNanos() int64
}

// Monotonic is the production clock source, backed by
// unix.ClockGettime(CLOCK_MONOTONIC).
type Monotonic struct{}

// NowNanos returns the current monotonic time in nanoseconds since an
// unspecified but fixed point (typically boot).
func (Monotonic) NowNanos() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return int64(ts.Sec)*1_000_000_000 + int64(ts.Nsec)
}

// Fake is a deterministic clock for tests: NowNanos returns the value
// last set by Set, advanced by Advance.
type Fake struct {
	nanos int64
}

func NewFake(startNanos int64) *Fake { return &Fake{nanos: startNanos} }

func (f *Fake) NowNanos() int64 { return f.nanos }

func (f *Fake) Set(nanos int64) { f.nanos = nanos }

func (f *Fake) Advance(delta int64) { f.nanos += delta }
