// Package scanloop runs a function at a jittered interval, with support for
// immediate out-of-band wakes. Workers and the housekeeper share it.
package scanloop

import (
	"math/rand/v2"
	"time"
)

// staggerFactor spreads first runs across clustered nodes so they do not
// synchronize their polling. First run fires at random(0, interval*0.618).
const staggerFactor = 0.618

// Run executes fn on a recurring schedule until stopCh is closed.
//
// The first execution is scheduled at a random point within
// interval*staggerFactor; subsequent executions follow after interval.
// A receive on wakeCh (may be nil) cancels the pending timer and runs fn
// immediately. fn runs on the calling goroutine; overlapping invocations
// cannot occur.
func Run(stopCh <-chan struct{}, wakeCh <-chan struct{}, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Second
	}

	first := time.Duration(rand.Int64N(int64(float64(interval)*staggerFactor) + 1))
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-wakeCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		fn()

		select {
		case <-stopCh:
			return
		default:
		}
		timer.Reset(interval)
	}
}
