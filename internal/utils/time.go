package utils

import "time"

// NowUTC returns current time in UTC timezone.
// Used for timestamps that leave the process (usage records, headers, logs).
// UTC() strips the monotonic reading, so never use it for interval math.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// Clock returns the current time. Components that do window or latency math
// take a Clock so tests can advance time explicitly.
type Clock func() time.Time

// SystemClock is the process clock. Values carry a monotonic reading, which
// makes Sub/Before/After immune to wall-clock steps.
func SystemClock() time.Time {
	return time.Now()
}

// NextUTCMidnight returns the first instant of the UTC day following t.
func NextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// UTCDay returns t's UTC calendar date as yyyymmdd.
func UTCDay(t time.Time) int {
	u := t.UTC()
	return u.Year()*10000 + int(u.Month())*100 + u.Day()
}
