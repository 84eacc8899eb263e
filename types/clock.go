package types

import "time"

// Clock returns the current time. Components take a Clock so tests can pin time.
type Clock func() time.Time

// Now is the default Clock: UTC with microsecond precision, the resolution every supported
// database keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
