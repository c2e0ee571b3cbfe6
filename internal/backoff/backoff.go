// Package backoff computes retry delays from a configured schedule.
package backoff

import "time"

// Delay returns the retry delay for the given attempt count, indexing into
// schedule and saturating at the final entry. attempts counts failures so far:
// the first retry (attempts=0) gets schedule[0].
func Delay(attempts int, schedule []time.Duration) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(schedule) {
		attempts = len(schedule) - 1
	}
	return schedule[attempts]
}

// DelaySeconds is Delay over an integer-seconds schedule, returning seconds.
func DelaySeconds(attempts int, scheduleSeconds []int64) int64 {
	if len(scheduleSeconds) == 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(scheduleSeconds) {
		attempts = len(scheduleSeconds) - 1
	}
	return scheduleSeconds[attempts]
}
