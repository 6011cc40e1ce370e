package clock

import "time"

type Clocker interface {
	Now() time.Time
	// Since is Now().Sub(t).
	Since(t time.Time) time.Duration
}

// TimeClocker reads the system clock.
type TimeClocker struct{}

func New() *TimeClocker {
	return &TimeClocker{}
}

func (*TimeClocker) Now() time.Time {
	return time.Now()
}

func (*TimeClocker) Since(t time.Time) time.Duration {
	return time.Since(t)
}
