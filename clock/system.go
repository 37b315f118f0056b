// A thin wrapper over the system clock and its timers which can be implemented for use in tests.
package clock

import "time"

// A cancellable handle for a scheduled function.
type Timer interface {
	// Stop prevents the function from firing. It returns false if the function already fired or was stopped.
	Stop() bool
}

type Clock interface {
	CurrentTimeMs() uint64
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

func (sc *systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
