package ratelimit

import (
	"math/rand/v2"
	"time"
)

// DeviceActionConcurrency bounds parallel appliance commands. The vendor
// gateway throttles aggressively, so batch actions trickle out.
const DeviceActionConcurrency = 2

// PollStartJitterMS spreads the first poll of restarted bridges so a fleet
// behind one gateway does not align its requests.
func PollStartJitterMS() time.Duration {
	const (
		from = 1
		to   = 4
	)
	millis := (rand.IntN(to-from)+from)*1000 + rand.N(1000) //nolint:gosec
	return time.Duration(millis) * time.Millisecond
}
