package time

import "time"

// clock provides monotonic time since server start
// lock stamps are durations on this clock rather than wall timestamps,
// so a system clock jump can never expire (or immortalize) a held lock
// time.Since uses the monotonic reading under the hood and always moves forward
type Clock struct {
	startTime time.Time
}

func NewClock() *Clock {
	return &Clock{
		startTime: time.Now(),
	}
}

// duration since server start
// this duration is monotonic and always moves forward
func (c *Clock) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

// how much monotonic time has passed since stamp
func (c *Clock) Since(stamp time.Duration) time.Duration {
	return c.Elapsed() - stamp
}
