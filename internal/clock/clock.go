package clock

import "time"

// Clock abstracts time.Now so that timeout-driven behavior
// (heartbeat staleness, sweep scheduling) is deterministic in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// System returns the wall clock.
func System() Clock {
	return systemClock{}
}
