// Package schedule runs periodic tasks.
package schedule

import (
	"context"
	"math/rand/v2"
	"time"
)

// Run calls f every interval until the context is cancelled.
//
// Each call is delayed by up to 10% of the interval to avoid peers
// synchronising.
func Run(ctx context.Context, interval time.Duration, f func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case <-time.After(Jitter(interval)):
				f()
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Jitter returns a random duration up to 10% of the interval.
func Jitter(interval time.Duration) time.Duration {
	return time.Duration(rand.Int64N(int64(interval)/10 + 1))
}
