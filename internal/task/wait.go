package task

import "time"

// WaitFunc returns how long a user sleeps between tasks.
type WaitFunc func(u *User) time.Duration

// Constant always waits d.
func Constant(d time.Duration) WaitFunc {
	return func(*User) time.Duration { return d }
}

// Between waits a uniformly random duration in [min, max].
func Between(min, max time.Duration) WaitFunc {
	if max < min {
		min, max = max, min
	}
	return func(u *User) time.Duration {
		span := max - min
		if span <= 0 {
			return min
		}
		return min + time.Duration(u.rng.Int63n(int64(span)+1))
	}
}

// ConstantPacing spaces task starts d apart regardless of how long each task
// ran. A task that overran d is followed by no wait at all.
func ConstantPacing(d time.Duration) WaitFunc {
	return func(u *User) time.Duration {
		elapsed := u.now().Sub(u.lastTaskStart)
		if elapsed >= d {
			return 0
		}
		return d - elapsed
	}
}
