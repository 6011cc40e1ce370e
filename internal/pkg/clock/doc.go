// Package clock is the time source for delivery deadlines, dead-letter
// timestamps and job durations. Tests swap in Fake to move time by hand.
package clock
