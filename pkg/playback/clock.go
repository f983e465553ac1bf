package playback

import "time"

// Clock is the output timebase the scheduler places segments on. Sleep may
// return before d has fully elapsed; test implementations advance Now without
// real waiting.
type Clock interface {
	Now() time.Duration
	Sleep(d time.Duration)
}

type wallClock struct {
	start time.Time
}

// NewWallClock returns a monotonic clock anchored at the moment of creation.
func NewWallClock() Clock {
	return &wallClock{start: time.Now()}
}

func (c *wallClock) Now() time.Duration    { return time.Since(c.start) }
func (c *wallClock) Sleep(d time.Duration) { time.Sleep(d) }
