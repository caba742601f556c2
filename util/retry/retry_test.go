package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/curtisnewbie/shopbus/util/errs"
)

func TestCallWithBackoff(t *testing.T) {
	backoff := []time.Duration{time.Millisecond * 5, time.Millisecond * 10}
	calls := 0
	err := CallWithBackoff(context.Background(), backoff, func() error {
		calls++
		return errs.NewErrf("no")
	})
	if err == nil {
		t.Fatal("err should not be nil")
	}
	if calls != 3 {
		t.Fatalf("calls: %v", calls)
	}

	calls = 0
	err = CallWithBackoff(context.Background(), backoff, func() error {
		calls++
		if calls < 2 {
			return errs.NewErrf("not yet")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("err: %v, calls: %v", err, calls)
	}
}

func TestCallWithBackoffCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := CallWithBackoff(ctx, []time.Duration{time.Hour}, func() error { return errs.NewErrf("no") })
	if !errors.Is(err, context.Canceled) {
		t.Fatal(err)
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(100*time.Millisecond, 5, 500*time.Millisecond)
	exp := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond}
	if len(b) != len(exp) {
		t.Fatal(b)
	}
	for i := range b {
		if b[i] != exp[i] {
			t.Fatalf("%d: %v", i, b[i])
		}
	}
	if ExponentialBackoff(time.Second, 0, 0) != nil {
		t.Fatal("should be nil")
	}
}
