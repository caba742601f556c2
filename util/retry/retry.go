package retry

import (
	"context"
	"time"
)

// Call f, and retry after each of the backoff durations until it succeeds.
//
// At most len(backoff)+1 calls are made. The last error is returned when all attempts fail,
// ctx.Err() is returned if ctx is done while waiting.
func CallWithBackoff(ctx context.Context, backoff []time.Duration, f func() error) error {
	err := f()
	for i := 0; err != nil && i < len(backoff); i++ {
		t := time.NewTimer(backoff[i])
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		err = f()
	}
	return err
}

// Build exponential backoff durations: base, base*2, base*4 ... capped by max (when max > 0).
func ExponentialBackoff(base time.Duration, n int, max time.Duration) []time.Duration {
	if n < 1 {
		return nil
	}
	b := make([]time.Duration, 0, n)
	d := base
	for i := 0; i < n; i++ {
		if max > 0 && d > max {
			d = max
		}
		b = append(b, d)
		d *= 2
	}
	return b
}
